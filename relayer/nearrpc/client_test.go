package nearrpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	server := httptest.NewServer(handler)
	client := New(server.URL, 0)
	return client, server.Close
}

func TestViewAccessKeyReturnsNonce(t *testing.T) {
	client, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "query", req.Method)

		resp := rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  json.RawMessage(`{"nonce":42,"permission":"FullAccess","block_height":100,"block_hash":"abc"}`),
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})
	defer closeFn()

	view, err := client.ViewAccessKey(context.Background(), "relayer.near", "ed25519:x")
	require.NoError(t, err)
	require.Equal(t, uint64(42), view.Nonce)
	require.Equal(t, "FullAccess", view.Permission)
}

func TestViewAccessKeyPropagatesRPCError(t *testing.T) {
	client, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Name: "HANDLER_ERROR", Message: "access key does not exist"},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})
	defer closeFn()

	_, err := client.ViewAccessKey(context.Background(), "missing.near", "ed25519:x")
	require.Error(t, err)
	require.Contains(t, err.Error(), "access key does not exist")
}

func TestSubmitSignedTransactionReturnsHash(t *testing.T) {
	client, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "broadcast_tx_commit", req.Method)

		resp := rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  json.RawMessage(`{"status":{"SuccessValue":""},"transaction":{"hash":"txhash123"}}`),
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})
	defer closeFn()

	result, err := client.SubmitSignedTransaction(context.Background(), "base64data")
	require.NoError(t, err)
	require.Equal(t, "txhash123", result.Transaction.Hash)
}

func TestCallWrapsNonOKStatus(t *testing.T) {
	client, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	})
	defer closeFn()

	_, err := client.ViewAccessKey(context.Background(), "relayer.near", "ed25519:x")
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 500")
}

func TestRequestIDsIncrementAcrossCalls(t *testing.T) {
	var seenIDs []int64
	client, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		seenIDs = append(seenIDs, req.ID)
		resp := rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"nonce":1}`)}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})
	defer closeFn()

	_, err := client.ViewAccessKey(context.Background(), "a.near", "ed25519:x")
	require.NoError(t, err)
	_, err = client.ViewAccessKey(context.Background(), "a.near", "ed25519:x")
	require.NoError(t, err)

	require.Len(t, seenIDs, 2)
	require.NotEqual(t, seenIDs[0], seenIDs[1])
}
