package replicator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/jmspring/cblite-core/base"
	"github.com/jmspring/cblite-core/changes"
	"github.com/jmspring/cblite-core/store"
	"github.com/pkg/errors"
)

// PullerOptions configures the conflict-tracking style and optional filter
// passed through to the remote _changes feed (spec.md §4.4).
type PullerOptions struct {
	Style       string // "" or "all_docs" to receive all conflicting leafs
	Filter      string
	FilterQuery map[string]interface{}
}

// Puller is the pull-direction Behavior: a ChangeFeed drives the inbox, each
// batch is fetched (with attachments, via GET .../<id>?revs=true&attachments=true)
// and stored locally in one transaction per batch (spec.md §4.7 pull path).
type Puller struct {
	opts PullerOptions
	core *Core
}

func NewPuller(opts PullerOptions) *Puller {
	return &Puller{opts: opts}
}

// BeginReplicating drives the changes feed to completion; in ModeNormal this
// blocks until the remote's _changes response has been fully consumed.
func (p *Puller) BeginReplicating(ctx context.Context, c *Core) error {
	p.core = c

	feed := changes.NewFeed(c.Doer(), p)
	params := changes.Params{
		RemoteURL:   c.RemoteURL(),
		Mode:        changes.ModeNormal,
		Since:       c.LastSequenceString(),
		Style:       p.opts.Style,
		Filter:      p.opts.Filter,
		FilterQuery: p.opts.FilterQuery,
	}
	feed.Run(ctx, params)
	c.FlushInbox()
	return feed.LastError()
}

// ChangeTrackerReceivedChange implements changes.Client (spec.md §4.4): for
// each candidate leaf revision not already stored locally, queue a
// RevisionRef. Always accepts the record so the feed's own lastSequenceID
// keeps advancing even for changes this store already has.
func (p *Puller) ChangeTrackerReceivedChange(rec *store.ChangeEntry) bool {
	seq, err := strconv.ParseUint(rec.Seq, 10, 64)
	if err != nil {
		base.WarnfCtx(context.Background(), "puller: non-numeric seq %q for doc %s, skipping", rec.Seq, rec.ID)
		return true
	}

	have, err := p.core.LocalStore().DocumentsWithIDs(p.core.stopCtx, []string{rec.ID})
	if err != nil {
		base.WarnfCtx(context.Background(), "puller: DocumentsWithIDs(%s): %v", base.UD(rec.ID), err)
		have = nil
	}
	haveRevs := have[rec.ID]

	for _, rev := range rec.Revs {
		if containsRev(haveRevs, rev.Rev) {
			continue
		}
		p.core.Queue(store.RevisionRef{DocID: rec.ID, RevID: rev.Rev, Sequence: seq})
	}
	return true
}

func containsRev(revs []string, rev string) bool {
	for _, r := range revs {
		if r == rev {
			return true
		}
	}
	return false
}

// MaybeCreateRemoteDB is a no-op on pull: only a Pusher creates the target.
func (p *Puller) MaybeCreateRemoteDB(ctx context.Context, c *Core) error { return nil }

// ProcessInbox fetches and stores one batch of RevisionRefs (spec.md §4.7:
// "Store revisions in a single transaction per batch"). lastSequence is
// advanced only up to the first contiguous run of successes, never past a
// revision still being retried or abandoned after this batch (spec.md P1).
func (p *Puller) ProcessInbox(ctx context.Context, c *Core, batch []store.RevisionRef) {
	tx, err := c.LocalStore().BeginTransaction(ctx)
	if err != nil {
		base.WarnfCtx(ctx, "puller %s: BeginTransaction: %v", c.SessionID(), err)
		for _, ref := range batch {
			c.RecordFailure(ctx, ref, err)
		}
		return
	}

	committed := false
	defer func() {
		if endErr := tx.End(committed); endErr != nil {
			base.WarnfCtx(ctx, "puller %s: transaction end: %v", c.SessionID(), endErr)
		}
	}()

	advanced := c.LastSequence()
	sawFailure := false
	for _, ref := range batch {
		rev, history, fetchErr := p.fetchRevision(ctx, c, ref)
		if fetchErr != nil {
			c.RecordFailure(ctx, ref, fetchErr)
			sawFailure = true
			continue
		}
		if storeErr := c.LocalStore().ForceInsert(ctx, rev, history); storeErr != nil {
			c.RecordFailure(ctx, ref, storeErr)
			sawFailure = true
			continue
		}
		c.RecordSuccess(ref)
		if !sawFailure && ref.Sequence > advanced {
			advanced = ref.Sequence
		}
	}

	committed = true
	if advanced > c.LastSequence() {
		c.AdvanceLastSequence(ctx, advanced)
	}
}

// fetchRevision performs GET .../<docid>?rev=<rev>&revs=true&attachments=true
// and parses either a plain JSON body or a multipart/related one (spec.md
// §4.5) into a store.Revision plus its _revisions history list.
func (p *Puller) fetchRevision(ctx context.Context, c *Core, ref store.RevisionRef) (store.Revision, []string, error) {
	reqURL := fmt.Sprintf("%s/%s?rev=%s&revs=true&attachments=true",
		strings.TrimRight(c.RemoteURL(), "/"), url.PathEscape(ref.DocID), url.QueryEscape(ref.RevID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return store.Revision{}, nil, err
	}
	resp, err := c.Doer().Do(req)
	if err != nil {
		return store.Revision{}, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return store.Revision{}, nil, base.HTTPErrorf(resp.StatusCode, "puller: GET %s: %s", reqURL, body)
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)

	var docBody store.Body
	var atts []store.AttachmentRef

	if mediaType == "multipart/related" {
		dr, err := changes.NewDocReader(contentType, c.BlobStore())
		if err != nil {
			return store.Revision{}, nil, err
		}
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if appendErr := dr.Append(buf[:n]); appendErr != nil {
					return store.Revision{}, nil, appendErr
				}
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				return store.Revision{}, nil, readErr
			}
		}
		docBody, atts, err = dr.Finish()
		if err != nil {
			return store.Revision{}, nil, err
		}
	} else {
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return store.Revision{}, nil, err
		}
		if err := json.Unmarshal(raw, &docBody); err != nil {
			return store.Revision{}, nil, errors.Wrap(err, "puller: parsing document JSON")
		}
	}

	deleted, _ := docBody["_deleted"].(bool)
	history := revisionHistoryOf(docBody)
	delete(docBody, "_id")
	delete(docBody, "_rev")
	delete(docBody, "_revisions")
	delete(docBody, "_deleted")
	delete(docBody, "_attachments")

	rev := store.Revision{
		DocID:       ref.DocID,
		RevID:       ref.RevID,
		Sequence:    ref.Sequence,
		Deleted:     deleted,
		Body:        docBody,
		Attachments: atts,
	}
	return rev, history, nil
}

// revisionHistoryOf reconstructs the ["N-aaa","N-1-bbb",...] rev-ID list
// CouchDB's "_revisions":{"start":N,"ids":["aaa","bbb"]} form encodes.
func revisionHistoryOf(body store.Body) []string {
	raw, ok := body["_revisions"].(map[string]interface{})
	if !ok {
		return nil
	}
	startF, _ := raw["start"].(float64)
	ids, _ := raw["ids"].([]interface{})
	start := int(startF)
	history := make([]string, 0, len(ids))
	for i, idRaw := range ids {
		id, _ := idRaw.(string)
		history = append(history, fmt.Sprintf("%d-%s", start-i, id))
	}
	return history
}
