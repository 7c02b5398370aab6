package rpcchain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BearBump/CustodyBox/internal/integrations/chain"
	"github.com/stretchr/testify/require"
)

func TestClient_GetShipment_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/shipments/0xabc", r.URL.Path)
		require.Equal(t, "k", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "shipment_hash": "0xabc",
  "status": "locked",
  "is_locked": true,
  "block_number": 1234,
  "tx_hash": "0xtx"
}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k")
	st, err := c.GetShipment(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Equal(t, chain.StatusLocked, st.Status)
	require.True(t, st.IsLocked)
	require.Equal(t, uint64(1234), *st.BlockNumber)
}

func TestClient_GetShipment_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").GetShipment(context.Background(), "0xabc")
	require.ErrorIs(t, err, chain.ErrNotFound)
}

func TestClient_GetShipment_429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").GetShipment(context.Background(), "0xabc")
	require.Error(t, err)
}

func TestClient_IsAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	c := New(srv.URL, "")
	require.True(t, c.IsAvailable(context.Background()))

	srv.Close()
	require.False(t, c.IsAvailable(context.Background()))
}
