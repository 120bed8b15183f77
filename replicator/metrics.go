package replicator

import "github.com/prometheus/client_golang/prometheus"

// Metrics replaces the teacher's expvar-based dbStats (blip_handler.go's
// bh.dbStats.StatsCblReplicationPull().Add(base.StatKeyPullReplicationsActiveOneShot, 1)
// and friends) with Prometheus collectors, registered once per process and
// labeled per replication so multiple concurrent replications don't clobber
// each other's counts.
type Metrics struct {
	RevisionsFailed  *prometheus.CounterVec
	RevisionsWritten *prometheus.CounterVec
	CheckpointSaves  *prometheus.CounterVec
	ActiveWork       *prometheus.GaugeVec
}

// NewMetrics registers this module's collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with a shared
// default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RevisionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cblite",
			Subsystem: "replication",
			Name:      "revisions_failed_total",
			Help:      "Revisions that failed to replicate, by session.",
		}, []string{"session", "direction"}),
		RevisionsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cblite",
			Subsystem: "replication",
			Name:      "revisions_written_total",
			Help:      "Revisions successfully replicated, by session.",
		}, []string{"session", "direction"}),
		CheckpointSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cblite",
			Subsystem: "replication",
			Name:      "checkpoint_saves_total",
			Help:      "Checkpoint save attempts, by session and outcome.",
		}, []string{"session", "outcome"}),
		ActiveWork: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cblite",
			Subsystem: "replication",
			Name:      "active_work",
			Help:      "batcher.count + asyncTaskCount for a replication session.",
		}, []string{"session"}),
	}
	reg.MustRegister(m.RevisionsFailed, m.RevisionsWritten, m.CheckpointSaves, m.ActiveWork)
	return m
}
