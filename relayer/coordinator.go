// Package relayer wires the key pool, KMS signer, NEAR RPC client, and nonce
// manager into a single sponsor operation: apply a dispatch action against
// the local contract state machine, then relay it to the network under a
// leased access key.
package relayer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"onsocial-core/native/dispatch"
	"onsocial-core/relayer/keypool"
	"onsocial-core/relayer/nearrpc"
)

// Signer signs a digest under a named key. relayer/kms.Client satisfies
// this.
type Signer interface {
	Sign(ctx context.Context, keyID string, digest []byte) ([]byte, error)
}

// Broadcaster submits a signed transaction envelope to the network.
// relayer/nearrpc.Client satisfies this.
type Broadcaster interface {
	SubmitSignedTransaction(ctx context.Context, signedTxBase64 string) (nearrpc.BroadcastResult, error)
}

// NonceSource advances and reconciles a leased slot's nonce.
// relayer/nonce.Manager satisfies this.
type NonceSource interface {
	Next(slot *keypool.Slot) uint64
	Resync(ctx context.Context, slot *keypool.Slot) error
}

// Dispatcher applies a request against the contract state machine.
// native/dispatch.Runtime satisfies this.
type Dispatcher interface {
	Dispatch(req dispatch.Request) dispatch.Response
}

// Coordinator is the relayer's sponsor pipeline.
type Coordinator struct {
	pool   *keypool.Pool
	signer Signer
	rpc    Broadcaster
	nonces NonceSource
	runner Dispatcher
}

// New constructs a Coordinator from its collaborating components.
func New(pool *keypool.Pool, signer Signer, rpc Broadcaster, nonces NonceSource, runner Dispatcher) *Coordinator {
	return &Coordinator{pool: pool, signer: signer, rpc: rpc, nonces: nonces, runner: runner}
}

// SponsorResult reports the outcome of a sponsored dispatch action.
type SponsorResult struct {
	Response    dispatch.Response
	TxHash      string
	SlotID      string
	Nonce       uint64
	Broadcasted bool
}

// envelope is the minimal signed-transaction shape this relayer submits.
// NEAR's production wire format is Borsh-encoded; no corpus example ships a
// Borsh codec, so this submits a JSON envelope over the same RPC surface
// instead of a byte-exact NEAR SignedTransaction. It still exercises the
// full lease/sign/submit/resync pipeline end to end.
type envelope struct {
	SignerID   string          `json:"signerId"`
	PublicKey  string          `json:"publicKey"`
	Nonce      uint64          `json:"nonce"`
	ReceiverID string          `json:"receiverId"`
	Action     string          `json:"action"`
	Args       json.RawMessage `json:"args"`
	Signature  []byte          `json:"signature"`
}

// Sponsor applies req against the local contract state machine, then leases
// a key slot to sign and broadcast the corresponding NEAR transaction. If
// req.Actor's application fails, no key slot is leased and no broadcast
// happens — a rejected local call never spends relayer capacity.
func (c *Coordinator) Sponsor(ctx context.Context, receiverID string, req dispatch.Request) (SponsorResult, error) {
	resp := c.runner.Dispatch(req)
	if !resp.Ok {
		return SponsorResult{Response: resp}, nil
	}

	slot, release, err := c.pool.Acquire()
	if err != nil {
		return SponsorResult{}, fmt.Errorf("relayer: acquire slot for %s: %w", req.Action, err)
	}
	defer release()

	nonce := c.nonces.Next(slot)
	digest, rawTx, err := buildDigest(slot, nonce, receiverID, req)
	if err != nil {
		return SponsorResult{}, fmt.Errorf("relayer: build transaction: %w", err)
	}

	sig, err := c.signer.Sign(ctx, slot.ID, digest)
	if err != nil {
		return SponsorResult{}, fmt.Errorf("relayer: sign transaction: %w", err)
	}
	rawTx.Signature = sig
	signedBytes, err := json.Marshal(rawTx)
	if err != nil {
		return SponsorResult{}, fmt.Errorf("relayer: encode signed transaction: %w", err)
	}

	result, err := c.rpc.SubmitSignedTransaction(ctx, base64.StdEncoding.EncodeToString(signedBytes))
	if err != nil {
		if resyncErr := c.nonces.Resync(ctx, slot); resyncErr != nil {
			return SponsorResult{}, fmt.Errorf("relayer: submit transaction: %w (resync also failed: %v)", err, resyncErr)
		}
		return SponsorResult{}, fmt.Errorf("relayer: submit transaction: %w", err)
	}

	return SponsorResult{
		Response:    resp,
		TxHash:      result.Transaction.Hash,
		SlotID:      slot.ID,
		Nonce:       nonce,
		Broadcasted: true,
	}, nil
}

func buildDigest(slot *keypool.Slot, nonce uint64, receiverID string, req dispatch.Request) ([]byte, *envelope, error) {
	tx := &envelope{
		SignerID:   slot.AccountID,
		PublicKey:  slot.PublicKey,
		Nonce:      nonce,
		ReceiverID: receiverID,
		Action:     req.Action,
		Args:       req.Params,
	}
	unsigned, err := json.Marshal(tx)
	if err != nil {
		return nil, nil, err
	}
	sum := sha256.Sum256(unsigned)
	return sum[:], tx, nil
}
