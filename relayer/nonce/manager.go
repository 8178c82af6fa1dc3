// Package nonce keeps each leased key slot's local nonce counter in sync
// with the NEAR chain, since the relayer trusts its own incrementing counter
// between broadcasts but must reconcile against chain state whenever a
// broadcast is rejected for a stale nonce. It runs its own circuit breaker,
// independent of the KMS signer's, because NEAR RPC and KMS fail for
// unrelated reasons and one should not throttle calls to the other.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"onsocial-core/observability"
	"onsocial-core/relayer/breaker"
	"onsocial-core/relayer/keypool"
	"onsocial-core/relayer/nearrpc"
)

// ViewSource queries the chain's current view of an access key's nonce.
// relayer/nearrpc.Client satisfies this.
type ViewSource interface {
	ViewAccessKey(ctx context.Context, accountID, publicKey string) (nearrpc.AccessKeyView, error)
}

// ErrNonceBehindChain is returned by Resync when the chain's nonce is ahead
// of the slot's local counter, meaning some other actor used this key.
var ErrNonceBehindChain = errors.New("nonce: local counter behind chain")

// Manager reconciles key slot nonces against chain state.
type Manager struct {
	source  ViewSource
	breaker *breaker.Breaker
	metrics *observability.CircuitBreakerMetrics
}

// Config configures a Manager's breaker.
type Config struct {
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// New constructs a Manager backed by source.
func New(source ViewSource, cfg Config) *Manager {
	breakerSink := observability.Breaker()
	m := &Manager{source: source, metrics: breakerSink}
	m.breaker = breaker.New(cfg.BreakerThreshold, cfg.BreakerTimeout, nil, func(s breaker.State) {
		breakerSink.SetState("near_rpc", int(s))
		if s == breaker.Open {
			breakerSink.RecordTrip("near_rpc")
		}
	})
	return m
}

// Next returns the nonce to use for the slot's next transaction and
// advances the slot's local counter atomically, so concurrent callers sharing
// one active slot each get a distinct nonce.
func (m *Manager) Next(slot *keypool.Slot) uint64 {
	return atomic.AddUint64(&slot.Nonce, 1)
}

// Resync queries the chain's current nonce for slot and overwrites the
// slot's local counter if it disagrees, which happens after a broadcast is
// rejected with an invalid-nonce error or after the relayer restarts. It
// reports ErrNonceBehindChain distinctly so callers can log a
// louder warning, since it usually means the key was used outside this
// relayer's bookkeeping.
func (m *Manager) Resync(ctx context.Context, slot *keypool.Slot) error {
	if err := m.breaker.Allow(); err != nil {
		return fmt.Errorf("nonce: resync %s: %w", slot.ID, err)
	}
	view, err := m.source.ViewAccessKey(ctx, slot.AccountID, slot.PublicKey)
	if err != nil {
		m.breaker.Failure()
		return fmt.Errorf("nonce: resync %s: %w", slot.ID, err)
	}
	m.breaker.Success()

	local := atomic.LoadUint64(&slot.Nonce)
	if view.Nonce == local {
		return nil
	}
	atomic.StoreUint64(&slot.Nonce, view.Nonce)
	if view.Nonce > local {
		return fmt.Errorf("nonce: resync %s: %w", slot.ID, ErrNonceBehindChain)
	}
	return nil
}

// IsInvalidNonceError reports whether a NEAR broadcast error indicates a
// stale nonce, the trigger condition for calling Resync after a failed
// submission.
func IsInvalidNonceError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "InvalidNonce") || strings.Contains(err.Error(), "NonceRetired")
}
