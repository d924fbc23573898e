package dl1

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiberlabs/metagraph-indexer/internal/chain"
)

func TestClient_GetLastReference(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/state-machines/fiber-1/last-reference", r.URL.Path)
		w.Write([]byte(`{"ordinal": 7, "hash": "h7"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, slog.Default())
	ref, err := c.GetLastReference(context.Background(), "fiber-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), ref.Ordinal)
}

func TestClient_GetLastReference_UnknownEntityIsZero(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, slog.Default())
	ref, err := c.GetLastReference(context.Background(), "never-seen")
	require.NoError(t, err)
	assert.Equal(t, int64(0), ref.Ordinal)
}

func TestClient_Submit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/transactions", r.URL.Path)

		var tx SignedTransaction
		require.NoError(t, json.NewDecoder(r.Body).Decode(&tx))
		assert.Equal(t, "fiber-1", tx.EntityID)
		assert.Equal(t, int64(3), tx.Ordinal)

		w.Write([]byte(`{"hash": "txhash"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, slog.Default())
	resp, err := c.Submit(context.Background(), &SignedTransaction{
		EntityID: "fiber-1",
		Ordinal:  3,
		Payload:  json.RawMessage(`{"event": "tick"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "txhash", resp.Hash)
}

func TestClient_SubmitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "stale ordinal", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, slog.Default())
	_, err := c.Submit(context.Background(), &SignedTransaction{EntityID: "fiber-1"})

	var statusErr *chain.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 400, statusErr.Code)
	assert.False(t, statusErr.Transient())
}
