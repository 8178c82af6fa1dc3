// Package nearrpc implements a thin JSON-RPC client against a NEAR node,
// covering only the calls the relayer needs: reading an access key's current
// nonce and submitting signed AddKey/DeleteKey transactions.
package nearrpc

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// Client is a JSON-RPC 2.0 client for a NEAR node's query and broadcast
// endpoints.
type Client struct {
	baseURL string
	http    *http.Client
	nextID  atomic.Int64
}

// New constructs a Client against baseURL with the given request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Name    string          `json:"name"`
	Cause   json.RawMessage `json:"cause"`
	Message string          `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("nearrpc: %s: %s", e.Name, e.Message)
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	req := rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("nearrpc: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("nearrpc: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("nearrpc: call %s: %w", method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("nearrpc: call %s: status %d: %s", method, resp.StatusCode, string(payload))
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("nearrpc: decode response for %s: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// AccessKeyView mirrors the fields of NEAR's query access_key response the
// relayer needs to re-synchronize a key slot's nonce and permission scope.
type AccessKeyView struct {
	Nonce       uint64 `json:"nonce"`
	Permission  string `json:"permission"`
	BlockHeight uint64 `json:"block_height"`
	BlockHash   string `json:"block_hash"`
}

// ViewAccessKey queries the current on-chain nonce and permission for a
// (accountID, publicKey) access key at the latest finalized block.
func (c *Client) ViewAccessKey(ctx context.Context, accountID, publicKey string) (AccessKeyView, error) {
	params := map[string]interface{}{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   accountID,
		"public_key":   publicKey,
	}
	var view AccessKeyView
	if err := c.call(ctx, "query", params, &view); err != nil {
		return AccessKeyView{}, fmt.Errorf("nearrpc: view access key for %s: %w", accountID, err)
	}
	return view, nil
}

// BroadcastResult mirrors the subset of NEAR's broadcast_tx_commit response
// the relayer inspects.
type BroadcastResult struct {
	Status      json.RawMessage `json:"status"`
	Transaction struct {
		Hash string `json:"hash"`
	} `json:"transaction"`
}

// SubmitSignedTransaction broadcasts a base64-encoded, already-signed
// transaction and waits for it to be included and executed.
func (c *Client) SubmitSignedTransaction(ctx context.Context, signedTxBase64 string) (BroadcastResult, error) {
	var result BroadcastResult
	if err := c.call(ctx, "broadcast_tx_commit", []interface{}{signedTxBase64}, &result); err != nil {
		return BroadcastResult{}, fmt.Errorf("nearrpc: submit transaction: %w", err)
	}
	return result, nil
}

// KeyAction is one AddKey or DeleteKey instruction batched into a single
// admin transaction that provisions or retires a relayer access key.
type KeyAction struct {
	Kind      string `json:"kind"` // "add_key" or "delete_key"
	PublicKey string `json:"public_key"`
}

// adminEnvelope is the minimal signed-transaction shape this client submits
// for admin key-management batches. As with the relayer's own sponsored-call
// envelope, NEAR's production wire format is Borsh-encoded; no corpus
// example ships a Borsh codec, so this submits a JSON envelope over the
// same RPC surface instead of a byte-exact NEAR SignedTransaction.
type adminEnvelope struct {
	SignerID   string      `json:"signerId"`
	PublicKey  string      `json:"publicKey"`
	Nonce      uint64      `json:"nonce"`
	ReceiverID string      `json:"receiverId"`
	Actions    []KeyAction `json:"actions"`
	Signature  []byte      `json:"signature"`
}

// SubmitKeyActions signs and broadcasts a batched AddKey/DeleteKey
// transaction under the admin account's own key. The admin key signs
// locally rather than through the KMS client: key-pool lifecycle management
// is a distinct trust boundary from sponsoring user transactions, and giving
// it its own signer keeps a compromised KMS from being able to mint or
// revoke relayer access keys.
func (c *Client) SubmitKeyActions(ctx context.Context, accountID string, signer ed25519.PrivateKey, publicKey string, actions []KeyAction) (BroadcastResult, error) {
	if len(actions) == 0 {
		return BroadcastResult{}, nil
	}
	view, err := c.ViewAccessKey(ctx, accountID, publicKey)
	if err != nil {
		return BroadcastResult{}, fmt.Errorf("nearrpc: submit key actions: %w", err)
	}
	tx := adminEnvelope{
		SignerID:   accountID,
		PublicKey:  publicKey,
		Nonce:      view.Nonce + 1,
		ReceiverID: accountID,
		Actions:    actions,
	}
	unsigned, err := json.Marshal(tx)
	if err != nil {
		return BroadcastResult{}, fmt.Errorf("nearrpc: encode key actions: %w", err)
	}
	digest := sha256.Sum256(unsigned)
	tx.Signature = ed25519.Sign(signer, digest[:])
	signedBytes, err := json.Marshal(tx)
	if err != nil {
		return BroadcastResult{}, fmt.Errorf("nearrpc: encode signed key actions: %w", err)
	}
	result, err := c.SubmitSignedTransaction(ctx, base64.StdEncoding.EncodeToString(signedBytes))
	if err != nil {
		return BroadcastResult{}, fmt.Errorf("nearrpc: submit key actions: %w", err)
	}
	return result, nil
}
