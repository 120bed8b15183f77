package replicator

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/jmspring/cblite-core/base"
	"github.com/jmspring/cblite-core/store"
)

// Pusher is the push-direction Behavior: local ChangesSince enumerates
// candidate revisions, _revs_diff narrows them to what the remote actually
// lacks, and the survivors are uploaded via _bulk_docs (spec.md §4.7 push
// path). Attachment bytes are embedded inline as base64 rather than
// streamed multipart/related, the simpler of the two upload forms CouchDB's
// _bulk_docs accepts.
type Pusher struct {
	mu      sync.Mutex
	pending map[string]store.Revision // docID+"\x00"+revID -> full revision
	core    *Core
}

func NewPusher() *Pusher {
	return &Pusher{pending: make(map[string]store.Revision)}
}

func pendingKey(docID, revID string) string { return docID + "\x00" + revID }

// BeginReplicating enumerates every local revision newer than lastSequence
// and queues it; the full Revision (body + attachment refs) is cached so
// ProcessInbox doesn't need a second local read.
func (p *Pusher) BeginReplicating(ctx context.Context, c *Core) error {
	p.core = c

	revs, err := c.LocalStore().ChangesSince(ctx, store.ChangesOptions{Since: c.LastSequence()})
	if err != nil {
		return err
	}

	p.mu.Lock()
	for _, rev := range revs {
		p.pending[pendingKey(rev.DocID, rev.RevID)] = rev
	}
	p.mu.Unlock()

	for _, rev := range revs {
		c.Queue(store.RevisionRef{DocID: rev.DocID, RevID: rev.RevID, Sequence: rev.Sequence})
	}
	c.FlushInbox()
	return nil
}

// MaybeCreateRemoteDB issues PUT <dbURL> when CreateTarget was requested
// (spec.md §4.7 step 4). A 412 ("already exists") is treated as success.
func (p *Pusher) MaybeCreateRemoteDB(ctx context.Context, c *Core) error {
	if !c.CreateTargetRequested() {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.RemoteURL(), nil)
	if err != nil {
		return err
	}
	resp, err := c.Doer().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusPreconditionFailed {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return base.HTTPErrorf(resp.StatusCode, "pusher: PUT %s: %s", c.RemoteURL(), body)
	}
	return nil
}

// ProcessInbox diffs one batch of candidate revisions against the remote
// (POST _revs_diff) and uploads what's actually missing via _bulk_docs.
// lastSequence advances only across the contiguous prefix of the batch that
// was confirmed written remotely (spec.md P1).
func (p *Pusher) ProcessInbox(ctx context.Context, c *Core, batch []store.RevisionRef) {
	byDoc := make(map[string][]string, len(batch))
	order := make([]string, 0, len(batch))
	for _, ref := range batch {
		byDoc[ref.DocID] = append(byDoc[ref.DocID], ref.RevID)
		order = append(order, ref.DocID)
	}

	missing, err := p.revsDiff(ctx, c, byDoc)
	if err != nil {
		for _, ref := range batch {
			c.RecordFailure(ctx, ref, err)
		}
		return
	}

	// uploaded[i] tracks whether batch[i] ends up confirmed written remotely.
	// Every ref is still attempted regardless of an earlier ref's failure
	// (spec.md §8 scenario 3: one failing doc must not skip the rest of the
	// batch); only lastSequence's advance is later clipped to the contiguous
	// prefix before the first failure.
	uploaded := make([]bool, len(batch))
	docs := make([]map[string]interface{}, 0, len(batch))
	docIdx := make([]int, 0, len(batch))
	for i, ref := range batch {
		missingRevs := missing[ref.DocID]
		if !containsRev(missingRevs, ref.RevID) {
			// Remote already has it; still counts toward lastSequence.
			uploaded[i] = true
			continue
		}
		p.mu.Lock()
		rev, ok := p.pending[pendingKey(ref.DocID, ref.RevID)]
		p.mu.Unlock()
		if !ok {
			c.RecordFailure(ctx, ref, fmt.Errorf("pusher: no cached body for %s/%s", ref.DocID, ref.RevID))
			continue
		}
		doc, err := p.encodeDoc(rev)
		if err != nil {
			c.RecordFailure(ctx, ref, err)
			continue
		}
		docs = append(docs, doc)
		docIdx = append(docIdx, i)
		uploaded[i] = true
	}

	if len(docs) > 0 {
		if err := p.bulkDocs(ctx, c, docs); err != nil {
			for _, idx := range docIdx {
				uploaded[idx] = false
				c.RecordFailure(ctx, batch[idx], err)
			}
		}
	}

	advanced := c.LastSequence()
	sawFailure := false
	for i, ref := range batch {
		if !uploaded[i] {
			sawFailure = true
			continue
		}
		c.RecordSuccess(ref)
		if !sawFailure && ref.Sequence > advanced {
			advanced = ref.Sequence
		}
		p.mu.Lock()
		delete(p.pending, pendingKey(ref.DocID, ref.RevID))
		p.mu.Unlock()
	}
	if advanced > c.LastSequence() {
		c.AdvanceLastSequence(ctx, advanced)
	}
}

func (p *Pusher) revsDiff(ctx context.Context, c *Core, byDoc map[string][]string) (map[string][]string, error) {
	payload, err := json.Marshal(byDoc)
	if err != nil {
		return nil, err
	}
	reqURL := strings.TrimRight(c.RemoteURL(), "/") + "/_revs_diff"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Doer().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, base.HTTPErrorf(resp.StatusCode, "pusher: POST %s: %s", reqURL, body)
	}

	var result map[string]struct {
		Missing []string `json:"missing"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	missing := make(map[string][]string, len(result))
	for docID, r := range result {
		missing[docID] = r.Missing
	}
	return missing, nil
}

// encodeDoc builds the JSON object _bulk_docs expects for one revision,
// embedding attachment bytes inline as base64 when a BlobStore is
// configured (spec.md §4.3's content-addressed store is the source of
// those bytes).
func (p *Pusher) encodeDoc(rev store.Revision) (map[string]interface{}, error) {
	doc := map[string]interface{}{}
	for k, v := range rev.Body {
		doc[k] = v
	}
	doc["_id"] = rev.DocID
	doc["_rev"] = rev.RevID
	if rev.Deleted {
		doc["_deleted"] = true
	}

	if len(rev.Attachments) > 0 {
		blobStore := p.core.BlobStore()
		atts := make(map[string]interface{}, len(rev.Attachments))
		for _, att := range rev.Attachments {
			entry := map[string]interface{}{
				"content_type": att.ContentType,
				"revpos":       att.RevPos,
				"digest":       att.Digest,
			}
			if blobStore != nil {
				data, err := blobStore.ReadBlob(att.BlobKey)
				if err != nil {
					return nil, err
				}
				entry["data"] = base64.StdEncoding.EncodeToString(data)
			} else {
				entry["stub"] = true
				entry["length"] = att.Length
			}
			atts[att.Name] = entry
		}
		doc["_attachments"] = atts
	}
	return doc, nil
}

func (p *Pusher) bulkDocs(ctx context.Context, c *Core, docs []map[string]interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{"docs": docs, "new_edits": false})
	if err != nil {
		return err
	}
	reqURL := strings.TrimRight(c.RemoteURL(), "/") + "/_bulk_docs"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Doer().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return base.HTTPErrorf(resp.StatusCode, "pusher: POST %s: %s", reqURL, body)
	}

	var results []struct {
		ID    string `json:"id"`
		Error string `json:"error"`
		Rev   string `json:"rev"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return err
	}
	for _, r := range results {
		if r.Error != "" {
			base.WarnfCtx(ctx, "pusher: doc %s rejected by remote: %s", base.UD(r.ID), r.Error)
		}
	}
	return nil
}
