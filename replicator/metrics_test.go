package replicator

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NotNil(t, m)

	m.RevisionsFailed.WithLabelValues("sess1", "pull").Inc()
	m.RevisionsWritten.WithLabelValues("sess1", "pull").Inc()
	m.CheckpointSaves.WithLabelValues("sess1", "ok").Inc()
	m.ActiveWork.WithLabelValues("sess1").Set(2)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 4)
}

func TestNewMetrics_DoubleRegisterOnSameRegistryPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}
