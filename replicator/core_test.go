package replicator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmspring/cblite-core/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForStopped(t *testing.T, c *Core) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == StateStopped {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("replication did not reach StateStopped in time")
}

func TestCore_PullReplication_FetchesAndStoresDocs(t *testing.T) {
	localStore := store.NewMemStore()

	// The remote's handler is built after the Core exists so it can be
	// registered under the core's actual derived checkpoint path
	// (spec.md §4.6: sha1(uuid, remoteURL, push)).
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mgr := NewManager()
	core, err := mgr.NewCore(Config{
		RemoteURL:  srv.URL + "/db",
		Direction:  DirectionPull,
		LocalStore: localStore,
		Doer:       http.DefaultClient,
	}, NewPuller(PullerOptions{}))
	require.NoError(t, err)

	var checkpointPuts int32
	ckptPath := "/db/_local/" + core.checkptID
	mux.HandleFunc(ckptPath, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			atomic.AddInt32(&checkpointPuts, 1)
			json.NewEncoder(w).Encode(map[string]interface{}{"rev": "1-1"})
		}
	})
	mux.HandleFunc("/db/_changes", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[
			{"seq":"1","id":"doc1","changes":[{"rev":"1-abc"}]},
			{"seq":"2","id":"doc2","changes":[{"rev":"1-def"}]}
		],"last_seq":"2"}`)
	})
	mux.HandleFunc("/db/doc1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"_id": "doc1", "_rev": "1-abc", "greeting": "hi"})
	})
	mux.HandleFunc("/db/doc2", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"_id": "doc2", "_rev": "1-def", "greeting": "yo"})
	})

	require.NoError(t, core.Start(context.Background()))
	waitForStopped(t, core)

	doc1, ok := localStore.CurrentRevision("doc1")
	require.True(t, ok)
	assert.Equal(t, "1-abc", doc1.RevID)
	assert.Equal(t, "hi", doc1.Body["greeting"])

	doc2, ok := localStore.CurrentRevision("doc2")
	require.True(t, ok)
	assert.Equal(t, "1-def", doc2.RevID)

	assert.Equal(t, "2", core.LastSequenceString())
	assert.GreaterOrEqual(t, atomic.LoadInt32(&checkpointPuts), int32(1))
}

func TestCore_PushReplication_UploadsLocalChanges(t *testing.T) {
	localStore := store.NewMemStore()
	require.NoError(t, localStore.ForceInsert(context.Background(), store.Revision{
		DocID: "doc1", RevID: "1-abc", Body: store.Body{"greeting": "hi"},
	}, nil))

	var gotBulkDocs []map[string]interface{}
	mux := http.NewServeMux()
	mux.HandleFunc("/db/_revs_diff", func(w http.ResponseWriter, r *http.Request) {
		var req map[string][]string
		json.NewDecoder(r.Body).Decode(&req)
		result := map[string]interface{}{}
		for docID, revs := range req {
			result[docID] = map[string][]string{"missing": revs}
		}
		json.NewEncoder(w).Encode(result)
	})
	mux.HandleFunc("/db/_bulk_docs", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Docs []map[string]interface{} `json:"docs"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		gotBulkDocs = body.Docs
		json.NewEncoder(w).Encode([]map[string]interface{}{{"id": "doc1", "rev": "1-abc"}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mgr := NewManager()
	core, err := mgr.NewCore(Config{
		RemoteURL:  srv.URL + "/db",
		Direction:  DirectionPush,
		LocalStore: localStore,
		Doer:       http.DefaultClient,
	}, NewPusher())
	require.NoError(t, err)

	ckptPath := "/db/_local/" + core.checkptID
	mux.HandleFunc(ckptPath, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			json.NewEncoder(w).Encode(map[string]interface{}{"rev": "1-1"})
		}
	})

	require.NoError(t, core.Start(context.Background()))
	waitForStopped(t, core)

	require.Len(t, gotBulkDocs, 1)
	assert.Equal(t, "doc1", gotBulkDocs[0]["_id"])
	assert.Equal(t, "1-abc", gotBulkDocs[0]["_rev"])
	assert.Equal(t, "1", core.LastSequenceString())
}

func TestCore_AdvanceLastSequence_NeverGoesBackward(t *testing.T) {
	localStore := store.NewMemStore()
	mgr := NewManager()
	core, err := mgr.NewCore(Config{
		RemoteURL:  "https://example.invalid/db",
		Direction:  DirectionPull,
		LocalStore: localStore,
		Doer:       http.DefaultClient,
	}, NewPuller(PullerOptions{}))
	require.NoError(t, err)

	core.setLastSequenceStr("5")
	core.AdvanceLastSequence(context.Background(), 10)
	assert.Equal(t, uint64(10), core.LastSequence())

	core.AdvanceLastSequence(context.Background(), 3)
	assert.Equal(t, uint64(10), core.LastSequence(), "lastSequence must never move backward (P1)")
}

func TestIsTransientErr_Classification(t *testing.T) {
	assert.False(t, isTransientErr(nil))
}
