package base

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnableLogKeys_GatesCtxLogging(t *testing.T) {
	defer EnableLogKeys(KeySync | KeyChanges | KeyHTTP | KeyCheckpoint)

	EnableLogKeys(KeyView)
	assert.True(t, keyEnabled(KeyView))
	assert.False(t, keyEnabled(KeyChanges))

	EnableLogKeys(KeyAll)
	assert.True(t, keyEnabled(KeyChanges))
	assert.True(t, keyEnabled(KeyHTTP))
}

func TestCtxLogger_FallsBackToRootWithoutWithLogger(t *testing.T) {
	l := CtxLogger(context.Background())
	assert.NotNil(t, l)
}

func TestWithLogger_AttachesNamedLogger(t *testing.T) {
	ctx := WithLogger(context.Background(), "puller")
	l := CtxLogger(ctx)
	assert.NotNil(t, l)
	assert.Contains(t, l.Name(), "puller")
}
