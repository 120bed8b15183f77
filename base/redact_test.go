package base

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUD_MD_RedactionToggle(t *testing.T) {
	defer func() { Redact = false }()

	Redact = false
	assert.Equal(t, "doc1", UD("doc1").String())
	assert.Equal(t, "md5-abc", MD("md5-abc").String())

	Redact = true
	assert.Equal(t, "<ud>REDACTED</ud>", UD("doc1").String())
	assert.Equal(t, "<md>REDACTED</md>", MD("md5-abc").String())
}
