// Package replicator implements the replication state machine (spec.md
// §4.7), specialised as a Puller or Pusher through the Behavior interface —
// the tagged-variant approach spec.md §9's Design Notes recommend in place
// of an abstract base class with shared mutable state.
package replicator

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmspring/cblite-core/auth"
	"github.com/jmspring/cblite-core/backoff"
	"github.com/jmspring/cblite-core/base"
	"github.com/jmspring/cblite-core/batcher"
	"github.com/jmspring/cblite-core/blob"
	"github.com/jmspring/cblite-core/checkpoint"
	"github.com/jmspring/cblite-core/store"
	"github.com/pkg/errors"
)

// ErrContinuousUnsupported is returned when a caller requests continuous
// replication. spec.md §9 leaves continuous-mode semantics as an open
// question ("a disabled continuous mode ... with a comment that it never
// worked"); this core rejects it outright rather than half-implementing it.
var ErrContinuousUnsupported = errors.New("replicator: continuous mode not supported")

const checkpointSaveDelay = 2 * time.Second

// Behavior is the polymorphism hole spec.md §9 calls for: Puller and Pusher
// each implement it.
type Behavior interface {
	// BeginReplicating starts the direction-specific work (spec.md §4.7
	// step 5): pull starts a ChangeFeed, push enumerates local changes.
	BeginReplicating(ctx context.Context, c *Core) error
	// ProcessInbox handles one batch of RevisionRefs off the inbox batcher.
	ProcessInbox(ctx context.Context, c *Core, batch []store.RevisionRef)
	// MaybeCreateRemoteDB is called after a 404 on the initial checkpoint
	// GET; only the Pusher acts on it (spec.md §4.7 step 4).
	MaybeCreateRemoteDB(ctx context.Context, c *Core) error
}

// Manager owns the atomic per-manager session counter spec.md's Design
// Notes require (replacing a shared session counter on the replication
// type). It holds no transport; each Core takes its Doer from Config.
type Manager struct {
	sessionSeq atomic.Int64
}

func NewManager() *Manager { return &Manager{} }

func (m *Manager) nextSessionID() string {
	return fmt.Sprintf("repl-%d", m.sessionSeq.Add(1))
}

// Config configures one replication.
type Config struct {
	RemoteURL    string
	Direction    Direction
	LocalStore   store.LocalStore
	Doer         checkpoint.Doer
	Authorizer   auth.Authorizer
	CreateTarget bool
	Continuous   bool
	BatchSize    int
	Metrics      *Metrics
	BlobStore    *blob.Store
}

// Core is the direction-agnostic orchestrator (spec.md §4.7).
type Core struct {
	cfg       Config
	sessionID string
	behavior  Behavior

	localStore store.LocalStore
	doer       checkpoint.Doer
	checkpoint *checkpoint.Checkpoint
	checkptID  string

	inbox   *batcher.Batcher[store.RevisionRef]
	backoff *backoff.Backoff
	seen    *seenSet

	mu           sync.Mutex
	running      bool
	online       bool
	lastSequence uint64
	lastSeqStr   string
	lastSeqValid bool
	lastError    error
	revsFailed   int

	asyncTasks atomic.Int32

	saveTimer *time.Timer
	saveDue   bool

	stopCtx    context.Context
	stopCancel context.CancelFunc
	stoppedCh  chan struct{}
}

// NewCore wires up a Core for the given behavior (Puller or Pusher).
func (m *Manager) NewCore(cfg Config, behavior Behavior) (*Core, error) {
	if cfg.LocalStore == nil || cfg.Doer == nil {
		return nil, errors.New("replicator: LocalStore and Doer are required")
	}
	if cfg.Continuous {
		return nil, ErrContinuousUnsupported
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	authorizer := cfg.Authorizer
	remoteURL := cfg.RemoteURL
	if authorizer == nil {
		if fromQuery, stripped := auth.FromQuery(remoteURL); fromQuery != nil {
			authorizer = fromQuery
			remoteURL = stripped
		}
	}
	cfg.Authorizer = authorizer
	cfg.RemoteURL = remoteURL

	c := &Core{
		cfg:        cfg,
		sessionID:  m.nextSessionID(),
		behavior:   behavior,
		localStore: cfg.LocalStore,
		doer:       cfg.Doer,
		backoff:    backoff.New(),
		seen:       newSeenSet(10000),
	}
	c.checkptID = checkpoint.ID(cfg.LocalStore.PrivateUUID(), remoteURL, cfg.Direction == DirectionPush)
	c.checkpoint = checkpoint.New(cfg.Doer, remoteURL, c.checkptID)
	c.inbox = batcher.New(batchSize, 500*time.Millisecond, func(batch []store.RevisionRef) {
		c.runAsync(func(ctx context.Context) {
			behavior.ProcessInbox(ctx, c, batch)
		})
	})
	return c, nil
}

// State returns the current derived state (spec.md §4.7).
func (c *Core) State() State {
	c.mu.Lock()
	running, online := c.running, c.online
	c.mu.Unlock()
	return deriveState(running, online, c.activeWork())
}

func (c *Core) activeWork() int {
	n := c.inbox.Count() + int(c.asyncTasks.Load())
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ActiveWork.WithLabelValues(c.sessionID).Set(float64(n))
	}
	return n
}

// LastError is the most recent non-cancellation error (spec.md §7).
func (c *Core) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

func (c *Core) RevisionsFailed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revsFailed
}

func (c *Core) setLastError(err error) {
	c.mu.Lock()
	c.lastError = err
	c.mu.Unlock()
	if c.cfg.Metrics != nil {
		// Errors don't get their own collector per spec.md's scope, but are
		// always logged with the session for operators grepping logs.
	}
}

// Start begins the startup sequence in spec.md §4.7: session check -> login
// -> checkpoint fetch -> replicate.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("replicator: already running")
	}
	c.running = true
	c.online = true
	c.mu.Unlock()

	c.localStore.AddActiveReplication(c.sessionID)

	ctx = base.WithLogger(ctx, "replicator."+c.cfg.Direction.String())
	runCtx, cancel := context.WithCancel(ctx)
	c.stopCtx = runCtx
	c.stopCancel = cancel
	c.stoppedCh = make(chan struct{})

	go c.run(runCtx)
	return nil
}

// run drives one replication attempt to completion, retrying transient
// failures (spec.md §7 policy 1: "timeout, reset, 5xx, 408, 429 — retried
// after Backoff, not fatal") in place rather than unwinding. Auth failures,
// local-store errors and anything else fall straight through to stopped().
func (c *Core) run(ctx context.Context) {
	defer close(c.stoppedCh)

	for {
		if err := c.checkSessionAndLogin(ctx); err != nil {
			c.setLastError(err)
			if isTransientErr(err) && c.sleepBackoff(ctx) {
				continue
			}
			base.WarnfCtx(ctx, "replicator %s: login failed: %v", c.sessionID, err)
			break
		}

		if err := c.fetchRemoteCheckpoint(ctx); err != nil {
			c.setLastError(err)
			if isTransientErr(err) && c.sleepBackoff(ctx) {
				continue
			}
			base.WarnfCtx(ctx, "replicator %s: checkpoint fetch failed: %v", c.sessionID, err)
			break
		}

		if err := c.behavior.BeginReplicating(ctx, c); err != nil {
			c.setLastError(err)
			if isTransientErr(err) && c.sleepBackoff(ctx) {
				continue
			}
			base.WarnfCtx(ctx, "replicator %s: beginReplicating failed: %v", c.sessionID, err)
		} else {
			c.backoff.Reset()
		}

		c.waitForDrain(ctx)
		break
	}

	c.stopped(ctx)
}

// sleepBackoff waits for the next Backoff duration, returning false (giving
// up the retry) if ctx is cancelled first — the Stop()/GoOffline() path.
func (c *Core) sleepBackoff(ctx context.Context) bool {
	d := c.backoff.Next()
	if d == 0 {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// isTransientErr classifies an error per spec.md §7: HTTP 408/429/5xx, or a
// network-level failure with no HTTP status at all (timeout, connection
// reset, DNS failure), is transient. A local-store error or any other
// classified HTTP status (401/403/404/409/4xx) is not — those propagate and
// stop the replication.
func isTransientErr(err error) bool {
	if err == nil {
		return false
	}
	if status := base.StatusOf(err); status != 0 {
		return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500
	}
	var netErr net.Error
	return stderrors.As(err, &netErr)
}

// checkSessionAndLogin implements spec.md §4.7 step 3. Only cookie-based
// authorizers trigger it; others (or none) are a no-op.
func (c *Core) checkSessionAndLogin(ctx context.Context) error {
	az := c.cfg.Authorizer
	if az == nil || !az.UsesCookieBasedLogin() {
		return nil
	}

	loggedIn, err := c.checkSession(ctx, c.dbURL()+"/_session")
	if err != nil {
		return err
	}
	if !loggedIn {
		loggedIn, err = c.checkSession(ctx, c.rootURL()+"/_session")
		if err != nil {
			return err
		}
	}
	if loggedIn {
		return nil
	}
	return c.login(ctx, az)
}

func (c *Core) checkSession(ctx context.Context, sessionURL string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sessionURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.doer.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, base.HTTPErrorf(resp.StatusCode, "replicator: GET %s", sessionURL)
	}
	var session struct {
		UserCtx struct {
			Name string `json:"name"`
		} `json:"userCtx"`
	}
	if err := decodeJSON(resp, &session); err != nil {
		return false, err
	}
	return session.UserCtx.Name != "", nil
}

func (c *Core) login(ctx context.Context, az auth.Authorizer) error {
	loginURL := c.rootURL() + az.LoginPathForSite(c.cfg.RemoteURL)
	params := az.LoginParametersForSite(c.cfg.RemoteURL)
	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, loginURL, nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = form.Encode()
	resp, err := c.doer.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return &AuthError{Status: resp.StatusCode}
		}
		return base.HTTPErrorf(resp.StatusCode, "replicator: login POST %s", loginURL)
	}
	return nil
}

// fetchRemoteCheckpoint implements spec.md §4.7 step 4.
func (c *Core) fetchRemoteCheckpoint(ctx context.Context) error {
	remoteSeq, err := c.checkpoint.Fetch(ctx)
	if errors.Is(err, checkpoint.ErrNotFound) {
		if err := c.behavior.MaybeCreateRemoteDB(ctx, c); err != nil {
			return err
		}
		remoteSeq = ""
	} else if err != nil {
		return err
	}

	localSeq, _ := c.localStore.LastSequenceFor(c.checkptID)
	if remoteSeq != "" && remoteSeq == localSeq {
		c.setLastSequenceStr(remoteSeq)
	} else {
		base.InfofCtx(ctx, base.KeyCheckpoint, "replicator %s: checkpoint mismatch (remote=%q local=%q), starting from 0", c.sessionID, remoteSeq, localSeq)
		c.setLastSequenceStr("")
	}
	return nil
}

// LastSequence returns the in-memory sequence marker the replicator has
// advanced to.
func (c *Core) LastSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSequence
}

func (c *Core) LastSequenceString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeqStr
}

func (c *Core) setLastSequenceStr(s string) {
	c.mu.Lock()
	c.lastSeqStr = s
	if s == "" {
		c.lastSequence = 0
	} else if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		c.lastSequence = n
	}
	c.lastSeqValid = true
	c.mu.Unlock()
}

// AdvanceLastSequence moves lastSequence forward to seq, never backward
// (spec.md P1: "lastSequence observed by the work executor is non-
// decreasing"), and schedules a debounced checkpoint save (spec.md §4.7
// "Checkpoint save debouncing").
func (c *Core) AdvanceLastSequence(ctx context.Context, seq uint64) {
	c.mu.Lock()
	if seq <= c.lastSequence && c.lastSeqValid {
		c.mu.Unlock()
		return
	}
	c.lastSequence = seq
	c.lastSeqStr = strconv.FormatUint(seq, 10)
	c.lastSeqValid = true
	needsTimer := c.saveTimer == nil
	c.mu.Unlock()

	if needsTimer {
		c.mu.Lock()
		c.saveTimer = time.AfterFunc(checkpointSaveDelay, func() {
			c.mu.Lock()
			c.saveTimer = nil
			c.mu.Unlock()
			c.saveLastSequence(ctx)
		})
		c.mu.Unlock()
	}
}

func (c *Core) saveLastSequence(ctx context.Context) {
	seq := c.LastSequenceString()
	_, err := c.checkpoint.Save(ctx, seq)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		base.WarnfCtx(ctx, "replicator %s: checkpoint save failed: %v", c.sessionID, err)
	} else {
		if setErr := c.localStore.SetLastSequence(c.checkptID, seq, c.cfg.Direction == DirectionPush); setErr != nil {
			base.WarnfCtx(ctx, "replicator %s: persisting local checkpoint failed: %v", c.sessionID, setErr)
		}
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.CheckpointSaves.WithLabelValues(c.sessionID, outcome).Inc()
	}
}

// RecordFailure marks one revision as failed (spec.md §7 policy 5/6):
// counted, but never allowed to advance lastSequence past it. Its dedupe
// mark is dropped so a later pass over the same sequence can queue it again.
func (c *Core) RecordFailure(ctx context.Context, ref store.RevisionRef, err error) {
	c.mu.Lock()
	c.revsFailed++
	c.mu.Unlock()
	c.seen.cache.Remove(ref.DocID + "\x00" + ref.RevID)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RevisionsFailed.WithLabelValues(c.sessionID, c.cfg.Direction.String()).Inc()
	}
	base.WarnfCtx(ctx, "replicator %s: revision %s/%s failed: %v", c.sessionID, base.UD(ref.DocID), ref.RevID, err)
}

// RecordSuccess bumps the written-revisions counter.
func (c *Core) RecordSuccess(ref store.RevisionRef) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RevisionsWritten.WithLabelValues(c.sessionID, c.cfg.Direction.String()).Inc()
	}
}

// Queue places a RevisionRef on the inbox, deduping against in-flight work.
func (c *Core) Queue(ref store.RevisionRef) {
	key := ref.DocID + "\x00" + ref.RevID
	if c.seen.CheckAndAdd(key) {
		return
	}
	c.inbox.Queue(ref)
}

// FlushInbox forces the inbox batcher to dispatch whatever is pending,
// used by the Pusher after it finishes enumerating ChangesSince (there may
// be a partial batch smaller than BatchSize left over).
func (c *Core) FlushInbox() { c.inbox.Flush() }

// BlobStore returns the configured attachment store, or nil if none was
// configured (replications that never touch attachments don't need one).
func (c *Core) BlobStore() *blob.Store { return c.cfg.BlobStore }

// runAsync tracks an async task's lifetime in asyncTaskCount (spec.md §4.7
// "activeWork = batcher.count + asyncTaskCount").
func (c *Core) runAsync(fn func(ctx context.Context)) {
	c.asyncTasks.Add(1)
	defer c.asyncTasks.Add(-1)
	fn(c.stopCtx)
}

func (c *Core) waitForDrain(ctx context.Context) {
	for c.activeWork() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Stop implements spec.md §4.7 "Stop": clears the inbox, cancels in-flight
// requests, and (if no async tasks remain) transitions to STOPPED
// immediately, else waits for tasks to drain.
func (c *Core) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.inbox.Clear()
	if c.stopCancel != nil {
		c.stopCancel()
	}
	if c.saveTimer != nil {
		c.saveTimer.Stop()
	}

	if c.activeWork() == 0 {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}

	<-c.stoppedCh
}

// stopped persists lastSequence and unregisters listeners (spec.md §4.7).
func (c *Core) stopped(ctx context.Context) {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.saveLastSequence(context.Background())
	c.localStore.ForgetReplication(c.sessionID)
}

// GoOffline cancels in-flight requests but keeps running=true (spec.md
// §4.7 "Online/offline").
func (c *Core) GoOffline() {
	c.mu.Lock()
	c.online = false
	c.mu.Unlock()
	if c.stopCancel != nil {
		c.stopCancel()
	}
}

// GoOnline resets lastSequence to force a checkpoint re-fetch and
// re-enters at checkSession (spec.md §4.7).
func (c *Core) GoOnline(ctx context.Context) {
	c.mu.Lock()
	c.online = true
	c.lastSeqValid = false
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	c.stopCtx = runCtx
	c.stopCancel = cancel
	c.stoppedCh = make(chan struct{})
	go c.run(runCtx)
}

func decodeJSON(resp *http.Response, v interface{}) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Core) dbURL() string { return c.cfg.RemoteURL }

func (c *Core) rootURL() string {
	u, err := url.Parse(c.cfg.RemoteURL)
	if err != nil {
		return c.cfg.RemoteURL
	}
	u.Path = ""
	return u.String()
}

func (c *Core) LocalStore() store.LocalStore { return c.localStore }
func (c *Core) Doer() checkpoint.Doer        { return c.doer }
func (c *Core) SessionID() string            { return c.sessionID }
func (c *Core) Direction() Direction         { return c.cfg.Direction }
func (c *Core) RemoteURL() string            { return c.cfg.RemoteURL }
func (c *Core) CreateTargetRequested() bool  { return c.cfg.CreateTarget }
func (c *Core) Backoff() *backoff.Backoff    { return c.backoff }

// AuthError carries a 401/403 status, surfaced as lastError with no
// auto-recovery (spec.md §7 policy 2).
type AuthError struct{ Status int }

func (e *AuthError) Error() string {
	return fmt.Sprintf("replicator: authentication failed (status %d)", e.Status)
}
