package checkpoint

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID_StableAndDirectional(t *testing.T) {
	pull := ID("uuid-1", "https://host/db", false)
	push := ID("uuid-1", "https://host/db", true)
	assert.NotEqual(t, pull, push, "pull and push checkpoints for the same pair must differ")
	assert.Equal(t, pull, ID("uuid-1", "https://host/db", false), "ID must be deterministic")
}

func TestFetch_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(http.DefaultClient, srv.URL+"/db", "abc")
	_, err := c.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFetch_ReturnsLastSequenceAndCachesRev(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"_id":          "_local/abc",
			"_rev":         "0-1",
			"lastSequence": "42",
		})
	}))
	defer srv.Close()

	c := New(http.DefaultClient, srv.URL+"/db", "abc")
	seq, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "42", seq)
	assert.Equal(t, "0-1", c.rev)
}

func TestSave_PutsLastSequenceAndRev(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]interface{}{"_rev": "0-1", "lastSequence": "1"})
		case http.MethodPut:
			json.NewDecoder(r.Body).Decode(&gotBody)
			json.NewEncoder(w).Encode(map[string]interface{}{"rev": "1-2"})
		}
	}))
	defer srv.Close()

	c := New(http.DefaultClient, srv.URL+"/db", "abc")
	_, err := c.Fetch(context.Background())
	require.NoError(t, err)

	rev, err := c.Save(context.Background(), "99")
	require.NoError(t, err)
	assert.Equal(t, "1-2", rev)
	assert.Equal(t, "99", gotBody["lastSequence"])
	assert.Equal(t, "0-1", gotBody["_rev"])
}

func TestSave_RecoversFrom409ByRefreshing(t *testing.T) {
	var puts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]interface{}{"_rev": "0-1", "lastSequence": "1"})
		case http.MethodPut:
			n := atomic.AddInt32(&puts, 1)
			if n == 1 {
				w.WriteHeader(http.StatusConflict)
				return
			}
			json.NewEncoder(w).Encode(map[string]interface{}{"rev": "2-3"})
		}
	}))
	defer srv.Close()

	c := New(http.DefaultClient, srv.URL+"/db", "abc")
	_, err := c.Fetch(context.Background())
	require.NoError(t, err)

	rev, err := c.Save(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, "2-3", rev)
	assert.Equal(t, int32(2), atomic.LoadInt32(&puts))
}

func TestSave_RecoversFrom404ByDroppingRev(t *testing.T) {
	var puts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&puts, 1)
		if n == 1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		assert.Nil(t, body["_rev"], "rev must be dropped before retrying after 404")
		json.NewEncoder(w).Encode(map[string]interface{}{"rev": "1-1"})
	}))
	defer srv.Close()

	c := New(http.DefaultClient, srv.URL+"/db", "abc")
	c.rev = "stale-rev"

	rev, err := c.Save(context.Background(), "5")
	require.NoError(t, err)
	assert.Equal(t, "1-1", rev)
}
