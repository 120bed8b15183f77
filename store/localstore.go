package store

import "context"

// LocalStore is the narrow interface the replication core and view indexer
// consume (spec.md §6); the on-disk relational schema behind a real
// implementation is out of scope for this module. Method names follow the
// spec's glossary terms directly (lastSequenceFor, setLastSequence, ...).
type LocalStore interface {
	// PrivateUUID is this database's stable local identifier, used to derive
	// checkpoint IDs (spec.md §6).
	PrivateUUID() string

	// LastSequenceNumber is the highest sequence assigned to any revision in
	// this database.
	LastSequenceNumber() (uint64, error)

	// LastSequenceFor returns the cached checkpoint sequence for checkpointID,
	// or "" if none is cached.
	LastSequenceFor(checkpointID string) (string, error)

	// SetLastSequence persists seq as the cached checkpoint value for
	// checkpointID.
	SetLastSequence(checkpointID string, seq string, isPush bool) error

	// DocumentsWithIDs returns, for the given doc IDs, the set of revision
	// IDs this store already has (used by the Puller to skip already-local
	// revisions before queueing a RevisionRef).
	DocumentsWithIDs(ctx context.Context, docIDs []string) (map[string][]string, error)

	// RevsDiff mirrors POST /_revs_diff: given candidate doc->revs this store
	// wants to push, report which ones the store is actually missing.
	RevsDiff(ctx context.Context, revs map[string][]string) (missing map[string][]string, err error)

	// ForceInsert stores rev, with an explicit revision history, without
	// conflict resolution (spec.md §4.7 pull path: "Store revisions in a
	// single transaction per batch").
	ForceInsert(ctx context.Context, rev Revision, history []string) error

	// ChangesSince returns every revision with Sequence > opts.Since, used
	// by the Pusher to enumerate what needs uploading.
	ChangesSince(ctx context.Context, opts ChangesOptions) ([]Revision, error)

	// BeginTransaction/EndTransaction bracket a unit of work; the indexer
	// wraps its entire update in one (spec.md §5). success=false rolls back.
	BeginTransaction(ctx context.Context) (Tx, error)

	// AddActiveReplication/ForgetReplication register/unregister a running
	// replication session so the store can track active work.
	AddActiveReplication(sessionID string)
	ForgetReplication(sessionID string)
}

// Tx is the explicit transaction handle BeginTransaction returns.
type Tx interface {
	End(success bool) error
}
