package replicator

import lru "github.com/hashicorp/golang-lru/v2"

// seenSet is a small LRU-bounded dedupe set Core.Queue uses (for both the
// Puller and the Pusher) to avoid re-queuing a RevisionRef for a docID/revID
// pair already queued on the inbox. A key stays until it is evicted or the
// revision fails (Core.RecordFailure removes it).
// It's the same "bounded map of recently-seen keys, evict oldest"
// shape as the teacher pack's hand-rolled RevisionCache
// (other_examples/..._sync_gateway__db-revision_cache.go.go's
// container/list + map LRU), reimplemented on top of
// github.com/hashicorp/golang-lru/v2 instead of hand-written list
// bookkeeping.
type seenSet struct {
	cache *lru.Cache[string, struct{}]
}

func newSeenSet(capacity int) *seenSet {
	if capacity <= 0 {
		capacity = 1000
	}
	c, _ := lru.New[string, struct{}](capacity)
	return &seenSet{cache: c}
}

// CheckAndAdd returns true if key was already present (meaning the caller
// should skip it), and records key as seen either way.
func (s *seenSet) CheckAndAdd(key string) bool {
	if _, ok := s.cache.Get(key); ok {
		return true
	}
	s.cache.Add(key, struct{}{})
	return false
}

