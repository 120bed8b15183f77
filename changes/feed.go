// Package changes implements the remote _changes feed consumer (spec.md
// §4.4) and the multipart/related document reader (spec.md §4.5).
package changes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"

	"github.com/jmspring/cblite-core/base"
	"github.com/jmspring/cblite-core/store"
	"github.com/pkg/errors"
)

// Mode selects one-shot ("normal") or long-poll consumption. continuous
// mode is explicitly out of scope (spec.md §9 open question).
type Mode int

const (
	ModeNormal Mode = iota
	ModeLongPoll
)

// State is the ChangeFeed's state machine position (spec.md §4.4).
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateStreaming
	StateError
	StateStopped
)

// Doer is the minimal HTTP surface the feed needs; *http.Client satisfies
// it, and tests substitute a stub. The full HttpTransport collaborator
// (request/response + cookie jar) is spec.md's out-of-scope external
// transport (§1) — Doer is the narrow slice ChangeFeed actually calls.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client receives change records as the feed parses them.
type Client interface {
	// ChangeTrackerReceivedChange is invoked once per parsed change, on the
	// feed's own goroutine (spec.md §4.4: "the same worker"). It returns
	// whether the record was accepted — lastSequenceID only advances past
	// accepted records.
	ChangeTrackerReceivedChange(rec *store.ChangeEntry) bool
}

// Params configures one feed connection.
type Params struct {
	RemoteURL   string // e.g. "https://host/db"
	Mode        Mode
	Since       string
	Style       string // "" or "all_docs"
	Heartbeat   int    // ms
	Filter      string
	FilterQuery map[string]interface{} // non-string values are JSON-encoded per spec.md §4.4
	Limit       int
}

// Feed consumes a remote _changes feed.
type Feed struct {
	doer   Doer
	client Client

	state         atomic.Int32
	lastSeq       atomic.Value // string
	stopRequested atomic.Bool
	cancel        context.CancelFunc
	lastError     error
}

func NewFeed(doer Doer, client Client) *Feed {
	f := &Feed{doer: doer, client: client}
	f.state.Store(int32(StateIdle))
	f.lastSeq.Store("")
	return f
}

func (f *Feed) State() State { return State(f.state.Load()) }

// LastSequenceID is updated only after the client accepts a record (spec.md
// §4.4).
func (f *Feed) LastSequenceID() string {
	if v, ok := f.lastSeq.Load().(string); ok {
		return v
	}
	return ""
}

func (f *Feed) LastError() error { return f.lastError }

// buildURL constructs the _changes request URL per spec.md §4.4/§6.
func (p Params) buildURL() (string, error) {
	base, err := url.Parse(p.RemoteURL)
	if err != nil {
		return "", err
	}
	base.Path = joinPath(base.Path, "/_changes")
	q := url.Values{}
	if p.Mode == ModeLongPoll {
		q.Set("feed", "longpoll")
	} else {
		q.Set("feed", "normal")
	}
	heartbeat := p.Heartbeat
	if heartbeat == 0 {
		heartbeat = 300000
	}
	q.Set("heartbeat", strconv.Itoa(heartbeat))
	if p.Style != "" {
		q.Set("style", p.Style)
	}
	if p.Since != "" {
		q.Set("since", p.Since)
	}
	if p.Filter != "" {
		q.Set("filter", p.Filter)
		for k, v := range p.FilterQuery {
			if s, ok := v.(string); ok {
				q.Set(k, s)
			} else {
				encoded, err := json.Marshal(v)
				if err != nil {
					return "", err
				}
				q.Set(k, string(encoded))
			}
		}
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func joinPath(base, suffix string) string {
	if len(base) > 0 && base[len(base)-1] == '/' {
		return base + suffix[1:]
	}
	return base + suffix
}

// Run drives the feed until Stop is called or (in normal mode) the response
// is fully consumed. It is meant to run on its own goroutine; change
// records are delivered synchronously to Client on that same goroutine.
func (f *Feed) Run(ctx context.Context, params Params) {
	ctx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	defer cancel()

	for {
		if f.stopRequested.Load() {
			f.state.Store(int32(StateStopped))
			return
		}
		f.state.Store(int32(StateRequesting))
		done, err := f.runOnce(ctx, params)
		if err != nil {
			if f.stopRequested.Load() {
				// A cooperative IOException during teardown is swallowed
				// (spec.md §4.4 cancellation).
				f.state.Store(int32(StateStopped))
				return
			}
			f.lastError = err
			f.state.Store(int32(StateError))
			base.WarnfCtx(ctx, "changes feed error: %v", err)
			return
		}
		if params.Mode == ModeNormal || done {
			f.state.Store(int32(StateIdle))
			return
		}
		params.Since = f.LastSequenceID()
	}
}

// Stop aborts the current request and marks the feed non-running.
func (f *Feed) Stop() {
	f.stopRequested.Store(true)
	if f.cancel != nil {
		f.cancel()
	}
}

// runOnce issues one HTTP request and streams its results array, returning
// done=true if the feed should not reconnect (normal mode always returns
// true after consuming the body).
func (f *Feed) runOnce(ctx context.Context, params Params) (done bool, err error) {
	reqURL, err := params.buildURL()
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := f.doer.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Non-2xx: record the error, emit nothing, let the replicator's
		// Backoff-controlled retry decide what happens next (spec.md §4.4).
		return false, base.HTTPErrorf(resp.StatusCode, "changes feed: unexpected status")
	}

	f.state.Store(int32(StateStreaming))
	return params.Mode != ModeLongPoll, f.streamResults(resp.Body)
}

// streamResults advances a streaming JSON decoder past the outer object to
// the "results" array and yields each element as a ChangeEntry, per spec.md
// §4.4 ("the response is consumed as a streaming JSON document"). This is
// the one place this module reaches for encoding/json's token-level API
// rather than a third-party decoder — see DESIGN.md for why stdlib is the
// right tool here.
func (f *Feed) streamResults(r io.Reader) error {
	dec := json.NewDecoder(r)

	if _, err := dec.Token(); err != nil { // outer '{'
		return errors.Wrap(err, "changes feed: expected object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("changes feed: expected object key, got %v", tok)
		}
		if key != "results" {
			var skip interface{}
			if err := dec.Decode(&skip); err != nil {
				return err
			}
			continue
		}
		if _, err := dec.Token(); err != nil { // '['
			return errors.Wrap(err, "changes feed: expected results array")
		}
		for dec.More() {
			var entry store.ChangeEntry
			if err := dec.Decode(&entry); err != nil {
				return err
			}
			if f.client.ChangeTrackerReceivedChange(&entry) {
				f.lastSeq.Store(entry.Seq)
			}
		}
		if _, err := dec.Token(); err != nil { // ']'
			return err
		}
	}
	return nil
}
