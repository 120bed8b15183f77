// Package store defines the data model shared by every other package
// (spec.md §3) and the LocalStore collaborator interface (spec.md §6) that
// the replication core and view indexer consume. The concrete on-disk
// relational schema behind LocalStore is explicitly out of scope (spec.md
// §1) — this package only defines the narrow contract and an in-memory
// reference implementation used by tests and the demo CLI.
package store

import (
	"encoding/json"

	"github.com/jmspring/cblite-core/blob"
)

// Body is a schemaless JSON document body.
type Body map[string]interface{}

// Encoding identifies how an attachment's content is transported.
type Encoding int

const (
	EncodingNone Encoding = iota
	EncodingGZIP
)

// AttachmentRef describes one attachment stub (spec.md §3). Invariants:
// EncodingNone => EncodedLength == 0; EncodingGZIP => EncodedLength > 0 when
// Length > 0; RevPos > 0.
type AttachmentRef struct {
	Name          string
	ContentType   string
	Length        int64
	EncodedLength int64
	Encoding      Encoding
	RevPos        int
	BlobKey       blob.Key
	// Digest is the CouchDB-style "md5-<base64>" digest string placed in the
	// wire-level attachment stub (spec.md §4.5).
	Digest string
}

// Validate checks the invariants spec.md §3 attaches to AttachmentRef.
func (a AttachmentRef) Validate() error {
	switch a.Encoding {
	case EncodingNone:
		if a.EncodedLength != 0 {
			return errInvalidAttachment("EncodedLength must be 0 when Encoding is None")
		}
	case EncodingGZIP:
		if a.Length > 0 && a.EncodedLength <= 0 {
			return errInvalidAttachment("EncodedLength must be >0 when Length>0 and Encoding is GZIP")
		}
	}
	if a.RevPos <= 0 {
		return errInvalidAttachment("RevPos must be >0")
	}
	return nil
}

type invalidAttachmentError string

func (e invalidAttachmentError) Error() string { return string(e) }
func errInvalidAttachment(msg string) error    { return invalidAttachmentError(msg) }

// Revision identifies one immutable version of a document (spec.md §3).
// RevID has the form "N-hash" where N is a monotonically increasing
// generation; a revision is current if no descendant exists locally.
type Revision struct {
	DocID       string
	RevID       string
	Sequence    uint64
	Deleted     bool
	Body        Body
	Attachments []AttachmentRef
}

// ChangeEntry is one record from a remote _changes feed (spec.md §3). Revs
// lists candidate (conflicting) leaf revision IDs for the doc at this seq.
type ChangeEntry struct {
	Seq     string
	ID      string
	Revs    []ChangeEntryRev
	Deleted bool
}

type ChangeEntryRev struct {
	Rev string `json:"rev"`
}

// UnmarshalJSON accepts the CouchDB _changes row shape:
// {"seq":"3","id":"doc1","changes":[{"rev":"1-abc"}],"deleted":true}
func (c *ChangeEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		Seq     json.RawMessage  `json:"seq"`
		ID      string           `json:"id"`
		Changes []ChangeEntryRev `json:"changes"`
		Deleted bool             `json:"deleted"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.ID = raw.ID
	c.Revs = raw.Changes
	c.Deleted = raw.Deleted
	var seqStr string
	if err := json.Unmarshal(raw.Seq, &seqStr); err == nil {
		c.Seq = seqStr
	} else {
		var seqNum json.Number
		if err := json.Unmarshal(raw.Seq, &seqNum); err != nil {
			return err
		}
		c.Seq = seqNum.String()
	}
	return nil
}

// RevisionRef is the minimal identity the replicator places on its inbox
// batcher (spec.md §3 "Data flows").
type RevisionRef struct {
	DocID    string
	RevID    string
	Sequence uint64
}

// CheckpointDoc mirrors the remote's _local/<id> document shape.
type CheckpointDoc struct {
	LastSequence string
	Rev          string
	// Extra carries unknown fields the remote previously returned, echoed
	// back on save per spec.md §9's recommendation ("echo is safer").
	Extra map[string]interface{}
}

// ChangesOptions mirrors LocalStore.ChangesSince's options bag.
type ChangesOptions struct {
	Since uint64
	Limit int
}
