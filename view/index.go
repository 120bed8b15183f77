package view

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/jmspring/cblite-core/base"
	"github.com/jmspring/cblite-core/store"
)

// Row is one persisted index row (viewId, sequence, keyJson, valueJson),
// plus the source doc ID the spec's QueryRow equality rule compares on
// (spec.md §3 "QueryRow").
type Row struct {
	Sequence    uint64
	Key         json.RawMessage
	Value       json.RawMessage
	SourceDocID string
}

// Source is the narrow slice of LocalStore the indexer needs: the database's
// current max sequence, the current non-deleted winner of every document
// updated since a given sequence, and which doc IDs changed since a given
// sequence (used to invalidate stale rows). spec.md treats the concrete
// schema as an external collaborator (§1); Source is that collaborator's
// view-relevant surface. *store.MemStore satisfies it directly.
type Source interface {
	MaxSequence() (uint64, error)
	WinnersSince(since uint64) ([]store.Revision, error)
	DocsChangedSince(since uint64) ([]string, error)
	BeginTransaction(ctx context.Context) (store.Tx, error)
}

// Indexer incrementally maintains one or more Views' rows against a Source,
// per the update protocol in spec.md §4.8.
type Indexer struct {
	source Source

	mu           sync.Mutex
	rows         map[string][]Row // viewID -> rows, ordered by insertion within a run
	lastSequence map[string]uint64
}

func NewIndexer(source Source) *Indexer {
	return &Indexer{
		source:       source,
		rows:         make(map[string][]Row),
		lastSequence: make(map[string]uint64),
	}
}

// LastSequence returns the view's last indexed sequence (spec.md P7: this is
// always <= the database's max sequence outside an Update call).
func (ix *Indexer) LastSequence(v *View) uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.lastSequence[v.ID()]
}

// Rows returns a copy of the view's current rows, for Query and tests.
func (ix *Indexer) Rows(v *View) []Row {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	src := ix.rows[v.ID()]
	out := make([]Row, len(src))
	copy(out, src)
	return out
}

// Update runs the protocol in spec.md §4.8 steps 1-5 under a single
// transaction. An error at any point leaves (rows, lastSequence) exactly as
// they were before the call (spec.md R3): the new rows are built up in a
// local scratch slice and only swapped in on success.
func (ix *Indexer) Update(ctx context.Context, v *View) error {
	viewID := v.ID()

	tx, err := ix.source.BeginTransaction(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.End(false)
		}
	}()

	ix.mu.Lock()
	l := ix.lastSequence[viewID]
	existingRows := ix.rows[viewID]
	ix.mu.Unlock()

	m, err := ix.source.MaxSequence()
	if err != nil {
		return err
	}
	if l == m {
		committed = true
		_ = tx.End(true)
		return nil
	}

	// Step 2: figure out which existing rows survive.
	var survivors []Row
	if l == 0 {
		survivors = nil
	} else {
		changedDocs, err := ix.source.DocsChangedSince(l)
		if err != nil {
			return err
		}
		changed := make(map[string]struct{}, len(changedDocs))
		for _, id := range changedDocs {
			changed[id] = struct{}{}
		}
		for _, row := range existingRows {
			if _, stale := changed[row.SourceDocID]; !stale {
				survivors = append(survivors, row)
			}
		}
	}

	// Step 3: winners since L, skipping design docs.
	winners, err := ix.source.WinnersSince(l)
	if err != nil {
		return err
	}

	newRows := survivors
	for _, winner := range winners {
		if strings.HasPrefix(winner.DocID, "_design/") {
			continue
		}
		pairs, err := v.runMap(winner.Body)
		if err != nil {
			base.WarnfCtx(ctx, "view %s: map failed for doc %s: %v", v.Name, base.UD(winner.DocID), err)
			continue
		}
		for _, p := range pairs {
			newRows = append(newRows, Row{
				Sequence:    m,
				Key:         p.Key,
				Value:       p.Value,
				SourceDocID: winner.DocID,
			})
		}
	}

	ix.mu.Lock()
	ix.rows[viewID] = newRows
	ix.lastSequence[viewID] = m
	ix.mu.Unlock()

	committed = true
	return tx.End(true)
}
