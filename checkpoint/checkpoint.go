// Package checkpoint implements the remote _local/<id> checkpoint
// collaborator described in spec.md §4.6: fetch, cache and save a sequence
// marker on the remote, with the save-debouncing and 404/409 recovery rules
// spec.md §4.6/§7 specify. The per-handler shape here (docID construction,
// rev bookkeeping, deleting reserved fields before responding) is adapted
// from the teacher's handleGetCheckpoint/handleSetCheckpoint in
// db/blip_handler.go, translated from BLIP request/response properties to
// plain HTTP GET/PUT against _local/<id> (spec.md §6 pins this core to the
// classic CouchDB REST surface, not BLIP).
package checkpoint

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/jmspring/cblite-core/base"
	"github.com/pkg/errors"
)

// Doer is the minimal HTTP surface Checkpoint needs.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ID derives the stable checkpoint document ID: hex SHA-1 of
// "<localUUID>\n<remoteURL>\n<push?1:0>" (spec.md §6).
func ID(localUUID, remoteURL string, push bool) string {
	pushFlag := "0"
	if push {
		pushFlag = "1"
	}
	h := sha1.Sum([]byte(fmt.Sprintf("%s\n%s\n%s", localUUID, remoteURL, pushFlag)))
	return hex.EncodeToString(h[:])
}

// ErrNotFound is returned by Fetch when the remote has no checkpoint doc.
var ErrNotFound = errors.New("checkpoint: not found")

// Checkpoint owns the remote _local/<id> document for one replication
// direction. Its _rev is private state (spec.md §3 "Ownership & lifecycle":
// "Checkpoint _rev is owned by ReplicationCore").
type Checkpoint struct {
	doer   Doer
	dbURL  string // e.g. "https://host/db"
	id     string

	mu      sync.Mutex
	rev     string
	extra   map[string]interface{} // unknown fields, echoed back per spec.md §9
	saving  bool
	overdue bool
	pendingSeq string
}

func New(doer Doer, dbURL, id string) *Checkpoint {
	return &Checkpoint{doer: doer, dbURL: dbURL, id: id}
}

func (c *Checkpoint) url() string {
	return c.dbURL + "/_local/" + c.id
}

// Fetch performs GET /_local/<id>, caching the returned rev for later Save
// calls. Returns ErrNotFound on 404.
func (c *Checkpoint) Fetch(ctx context.Context) (lastSequence string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.doer.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		c.mu.Lock()
		c.rev = ""
		c.extra = nil
		c.mu.Unlock()
		return "", ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", base.HTTPErrorf(resp.StatusCode, "checkpoint: GET %s", c.url())
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return "", errors.Wrap(err, "checkpoint: decoding response")
	}

	rev, _ := doc["_rev"].(string)
	lastSeq, _ := doc["lastSequence"].(string)
	delete(doc, "_rev")
	delete(doc, "_id")
	delete(doc, "lastSequence")

	c.mu.Lock()
	c.rev = rev
	c.extra = doc
	c.mu.Unlock()

	return lastSeq, nil
}

// Refresh re-fetches the document purely to re-acquire _rev, per spec.md
// §4.6's 409 recovery path. It tolerates ErrNotFound (the doc may have been
// deleted concurrently; Save's own 404 handling covers that case too).
func (c *Checkpoint) Refresh(ctx context.Context) error {
	_, err := c.Fetch(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// Save issues PUT /_local/<id> with {lastSequence, ...echoed extra fields}.
// At most one save is ever in flight (spec.md P4); if Save is called while
// one is outstanding, the new sequence is remembered and a follow-up save
// runs automatically once the in-flight one completes.
func (c *Checkpoint) Save(ctx context.Context, lastSequence string) (newRev string, err error) {
	c.mu.Lock()
	if c.saving {
		c.overdue = true
		c.pendingSeq = lastSequence
		c.mu.Unlock()
		return "", nil
	}
	c.saving = true
	c.mu.Unlock()

	rev, err := c.doSave(ctx, lastSequence)

	c.mu.Lock()
	c.saving = false
	again := c.overdue
	next := c.pendingSeq
	c.overdue = false
	c.mu.Unlock()

	if again {
		return c.Save(ctx, next)
	}
	return rev, err
}

func (c *Checkpoint) doSave(ctx context.Context, lastSequence string) (string, error) {
	c.mu.Lock()
	rev := c.rev
	body := map[string]interface{}{}
	for k, v := range c.extra {
		body[k] = v
	}
	c.mu.Unlock()

	body["lastSequence"] = lastSequence
	if rev != "" {
		body["_rev"] = rev
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url(), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.doer.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		if rev != "" {
			// Remote doc was deleted; drop our rev and retry once (spec.md §4.6/§7).
			// The retry carries no rev, so a second 404 is returned as an error.
			base.WarnfCtx(ctx, "checkpoint %s: 404 on save (rev %s), dropping rev and retrying", c.id, base.MD(rev))
			c.mu.Lock()
			c.rev = ""
			c.mu.Unlock()
			return c.doSave(ctx, lastSequence)
		}
	case http.StatusConflict:
		base.WarnfCtx(ctx, "checkpoint %s: 409 on save, refreshing rev", c.id)
		if err := c.Refresh(ctx); err != nil {
			return "", err
		}
		return c.doSave(ctx, lastSequence)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", base.HTTPErrorf(resp.StatusCode, "checkpoint: PUT %s: %s", c.url(), respBody)
	}

	var result struct {
		Rev string `json:"rev"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", errors.Wrap(err, "checkpoint: decoding PUT response")
	}

	c.mu.Lock()
	c.rev = result.Rev
	c.mu.Unlock()

	return result.Rev, nil
}
