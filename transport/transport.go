// Package transport provides the default HttpTransport collaborator
// (spec.md §1 lists the transport itself as an external collaborator; this
// package is the narrow default implementation cmd/cblite-replicate wires
// up, and tests substitute their own). It owns the client and its cookie
// jar, guarded internally the way spec.md §5 requires ("callers must not
// touch it directly").
package transport

import (
	"net/http"
	"net/http/cookiejar"
	"time"

	"golang.org/x/net/publicsuffix"
)

// HttpTransport is the collaborator ReplicationCore, ChangeFeed and
// Checkpoint are built on top of.
type HttpTransport struct {
	client *http.Client
}

// New builds a default HttpTransport: a *http.Client with a
// publicsuffix-aware cookie jar (for authorizers' session cookies) and a
// bounded idle-connection pool sized for the "bounded thread pool (size 2
// by default)" spec.md §5 describes for remote requests.
func New() (*HttpTransport, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	return &HttpTransport{
		client: &http.Client{
			Jar:     jar,
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
			},
		},
	}, nil
}

// Do performs req. Safe for concurrent use; the underlying cookie jar is
// internally synchronized by net/http, matching spec.md §5's requirement
// that callers never touch it directly.
func (t *HttpTransport) Do(req *http.Request) (*http.Response, error) {
	return t.client.Do(req)
}

// Cancel closes the client's idle pooled connections so a subsequent
// goOnline() doesn't reuse a connection that may be stale. It does not abort
// in-flight requests: those are cancelled through their per-request contexts
// (which every caller in this module uses), the mechanism spec.md §4.7/§5
// describe for stop()/goOffline().
func (t *HttpTransport) Cancel() {
	t.client.CloseIdleConnections()
}
