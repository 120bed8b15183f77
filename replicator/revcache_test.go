package replicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeenSet_CheckAndAdd_FirstTimeThenDuplicate(t *testing.T) {
	s := newSeenSet(10)

	assert.False(t, s.CheckAndAdd("doc1::1-abc"), "first sighting should not be flagged as seen")
	assert.True(t, s.CheckAndAdd("doc1::1-abc"), "second sighting of the same key must be flagged as seen")
	assert.False(t, s.CheckAndAdd("doc2::1-xyz"), "a distinct key is unaffected by the first")
}

func TestSeenSet_CapacityEvictsOldest(t *testing.T) {
	s := newSeenSet(2)

	assert.False(t, s.CheckAndAdd("a"))
	assert.False(t, s.CheckAndAdd("b"))
	assert.False(t, s.CheckAndAdd("c")) // evicts "a"

	assert.False(t, s.CheckAndAdd("a"), "a should have been evicted and treated as unseen again")
}

func TestNewSeenSet_NonPositiveCapacityDefaults(t *testing.T) {
	s := newSeenSet(0)
	assert.NotNil(t, s.cache)
}
