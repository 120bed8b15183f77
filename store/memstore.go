package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jmspring/cblite-core/base"
)

// MemStore is an in-memory LocalStore used by tests and the demo CLI. Real
// deployments plug in the relational schema spec.md §1 places out of scope;
// this is the narrowest thing that satisfies every method the replicator
// and view indexer actually call.
type MemStore struct {
	mu sync.Mutex

	uuid string
	seq  uint64

	// docRevs[docID][revID] = revision
	docRevs map[string]map[string]Revision
	// current[docID] = winning revID
	current map[string]string
	// order of insertion per doc (recorded only; winners come from revLess)
	revOrder map[string][]string

	checkpoints map[string]string

	active map[string]bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		uuid:        uuid.NewString(),
		docRevs:     make(map[string]map[string]Revision),
		current:     make(map[string]string),
		revOrder:    make(map[string][]string),
		checkpoints: make(map[string]string),
		active:      make(map[string]bool),
	}
}

func (m *MemStore) PrivateUUID() string { return m.uuid }

func (m *MemStore) LastSequenceNumber() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq, nil
}

func (m *MemStore) LastSequenceFor(checkpointID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoints[checkpointID], nil
}

func (m *MemStore) SetLastSequence(checkpointID string, seq string, isPush bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[checkpointID] = seq
	return nil
}

func (m *MemStore) DocumentsWithIDs(ctx context.Context, docIDs []string) (map[string][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string, len(docIDs))
	for _, id := range docIDs {
		revs := m.docRevs[id]
		list := make([]string, 0, len(revs))
		for r := range revs {
			list = append(list, r)
		}
		out[id] = list
	}
	return out, nil
}

func (m *MemStore) RevsDiff(ctx context.Context, revs map[string][]string) (map[string][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	missing := make(map[string][]string)
	for docID, candidateRevs := range revs {
		have := m.docRevs[docID]
		var miss []string
		for _, r := range candidateRevs {
			if have == nil {
				miss = append(miss, r)
				continue
			}
			if _, ok := have[r]; !ok {
				miss = append(miss, r)
			}
		}
		if len(miss) > 0 {
			missing[docID] = miss
		}
	}
	return missing, nil
}

func (m *MemStore) ForceInsert(ctx context.Context, rev Revision, history []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rev.Sequence == 0 {
		m.seq++
		rev.Sequence = m.seq
	} else if rev.Sequence > m.seq {
		m.seq = rev.Sequence
	}

	if m.docRevs[rev.DocID] == nil {
		m.docRevs[rev.DocID] = make(map[string]Revision)
	}
	m.docRevs[rev.DocID][rev.RevID] = rev
	m.revOrder[rev.DocID] = append(m.revOrder[rev.DocID], rev.RevID)

	// Winner = highest (generation, hash) pair among all stored revisions of
	// the doc, deleted or not. No ancestry is tracked, so a tombstone wins
	// whenever its rev ID is the highest, and a non-deleted conflicting
	// sibling with a lower rev ID does not.
	cur := m.current[rev.DocID]
	if cur == "" || revLess(cur, rev.RevID) {
		m.current[rev.DocID] = rev.RevID
	}
	return nil
}

// revLess compares "N-hash" rev IDs by generation then hash, ascending.
func revLess(a, b string) bool {
	ga, ha := splitRevID(a)
	gb, hb := splitRevID(b)
	if ga != gb {
		return ga < gb
	}
	return ha < hb
}

func splitRevID(rev string) (int, string) {
	parts := strings.SplitN(rev, "-", 2)
	if len(parts) != 2 {
		return 0, rev
	}
	gen, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, rev
	}
	return gen, parts[1]
}

func (m *MemStore) ChangesSince(ctx context.Context, opts ChangesOptions) ([]Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Revision
	for docID, revs := range m.docRevs {
		for _, rev := range revs {
			if rev.Sequence > opts.Since && rev.RevID == m.current[docID] {
				out = append(out, rev)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *MemStore) BeginTransaction(ctx context.Context) (Tx, error) {
	return &memTx{}, nil
}

func (m *MemStore) AddActiveReplication(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[sessionID] = true
}

func (m *MemStore) ForgetReplication(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, sessionID)
}

// MaxSequence is the view indexer's view of "database max sequence" (spec.md
// §4.8 step 1).
func (m *MemStore) MaxSequence() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq, nil
}

// WinnersSince returns the current, non-deleted revision of every document
// whose winning revision's sequence is > since, ordered by DocID ascending
// (spec.md §4.8 step 3 — "Select ... every current non-deleted revision
// with sequence > L, ordered (docId ASC, revId DESC); for each document take
// only the first row").
func (m *MemStore) WinnersSince(since uint64) ([]Revision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Revision
	for docID, revID := range m.current {
		rev := m.docRevs[docID][revID]
		if rev.Deleted || rev.Sequence <= since {
			continue
		}
		out = append(out, rev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocID < out[j].DocID })
	return out, nil
}

// DocsChangedSince returns the distinct doc IDs that have acquired at least
// one new revision since the given sequence. The view indexer uses this to
// find which previously-indexed rows are now stale (spec.md §4.8 step 2);
// in a relational LocalStore this would be a join against the revisions
// table, here it's a direct scan.
func (m *MemStore) DocsChangedSince(since uint64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := base.Set{}
	for docID, revs := range m.docRevs {
		for _, rev := range revs {
			if rev.Sequence > since {
				seen.Add(docID)
				break
			}
		}
	}
	return seen.ToArray(), nil
}

// CurrentRevision returns the winning revision for docID, for tests.
func (m *MemStore) CurrentRevision(docID string) (Revision, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	revID := m.current[docID]
	if revID == "" {
		return Revision{}, false
	}
	rev, ok := m.docRevs[docID][revID]
	return rev, ok
}

type memTx struct{}

func (t *memTx) End(success bool) error { return nil }
