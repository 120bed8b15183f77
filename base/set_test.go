package base

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetOf_ContainsAndToArray(t *testing.T) {
	s := SetOf("a", "b", "c")
	assert.True(t, s.Contains("a"))
	assert.False(t, s.Contains("z"))

	arr := s.ToArray()
	sort.Strings(arr)
	assert.Equal(t, []string{"a", "b", "c"}, arr)
}

func TestSet_Add(t *testing.T) {
	s := SetOf()
	s.Add("x")
	assert.True(t, s.Contains("x"))
}
