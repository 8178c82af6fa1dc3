// Package autoscale runs the key pool's sizing tick: it reaps fully-drained
// slots, force-rotates keys past their maximum age, promotes warm capacity
// before reaching for new keys, and only then grows or shrinks the active
// pool off its in-flight load signal, all gated by a cooldown so one noisy
// sample cannot trigger a burst of scale events.
package autoscale

import (
	"context"
	"time"

	"onsocial-core/relayer/keypool"
)

// Provisioner creates and retires key slots. It is implemented by the
// component that owns key generation and NEAR AddKey/DeleteKey submission,
// kept separate from the pool itself so autoscale never touches chain state
// directly.
type Provisioner interface {
	// Provision creates count new warm slots, submitting their AddKey batch
	// on-chain before the slots are added to the pool.
	Provision(ctx context.Context, count int) error
	// Retire submits the DeleteKey batch for slotIDs, which the caller has
	// already marked draining or dead in the pool, and removes their
	// persisted key material. On failure the caller reverts the pool state
	// via Pool.Restore; Retire itself must not partially delete keystore
	// records for a batch that failed on-chain.
	Retire(ctx context.Context, slotIDs []string) error
}

// Pool is the key pool surface the autoscaler drives. *keypool.Pool
// satisfies it.
type Pool interface {
	InFlightRatio() float64
	Snapshot() map[keypool.SlotState]int
	PromoteWarm(n int) int
	DrainIdle(n int) []string
	DrainOldestActive(n int) []string
	SlotsOlderThan(cutoff int64) []string
	DrainSlot(id string) error
	Restore(ids []string)
	ReapDead() []string
}

// Metrics records scale decisions.
type Metrics interface {
	RecordScaleEvent(direction string)
}

// NoopMetrics discards scale events.
type NoopMetrics struct{}

func (NoopMetrics) RecordScaleEvent(string) {}

// Config bounds the autoscaler's behavior.
type Config struct {
	// TargetInFlightRatio is the target number of concurrent in-flight
	// signing calls per active slot. Above target+band the pool promotes
	// warm capacity or provisions new keys; below target-band (sustained
	// for ScaleDownIdle) it drains the oldest active slots.
	TargetInFlightRatio float64
	MinWarmSlots        int
	MaxSlots            int
	GrowStep            int
	ShrinkStep          int
	// WarmBuffer is how many warm (not yet promoted) slots the pool tries
	// to keep provisioned ahead of demand.
	WarmBuffer int
	// BatchSize caps how many slots a single provision or retire call
	// touches, keeping one AddKey/DeleteKey batch transaction bounded.
	BatchSize int
	// Cooldown is the minimum gap between scale_up, scale_down, or
	// pre_warm events. rotate_old_keys is not subject to it, since an
	// aging key is a standing liability independent of current load.
	Cooldown time.Duration
	// MaxKeyAge forces a slot to rotate out once it has been provisioned
	// this long, regardless of load.
	MaxKeyAge time.Duration
	// ScaleDownIdle is how long the in-flight ratio must stay below target
	// before the pool actually shrinks, avoiding a shrink on one transient
	// dip in traffic.
	ScaleDownIdle    time.Duration
	EvaluateInterval time.Duration
}

// Autoscaler periodically samples a pool's in-flight ratio, reaps and
// rotates keys, and grows or shrinks the pool toward the configured target.
type Autoscaler struct {
	pool        Pool
	provisioner Provisioner
	metrics     Metrics
	cfg         Config
	now         func() time.Time

	lastScaleEvent time.Time
	belowSince     time.Time
}

// New constructs an Autoscaler. A nil metrics sink is replaced with a noop.
func New(pool Pool, provisioner Provisioner, metrics Metrics, cfg Config) *Autoscaler {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if cfg.GrowStep <= 0 {
		cfg.GrowStep = 1
	}
	if cfg.ShrinkStep <= 0 {
		cfg.ShrinkStep = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 4
	}
	if cfg.EvaluateInterval <= 0 {
		cfg.EvaluateInterval = 5 * time.Second
	}
	return &Autoscaler{pool: pool, provisioner: provisioner, metrics: metrics, cfg: cfg, now: time.Now}
}

const band = 0.10

// Evaluate runs one autoscale tick: reap dead slots, force-rotate aged
// keys, promote warm capacity toward demand, and — once past the cooldown
// — grow, shrink, or top up the warm buffer.
func (a *Autoscaler) Evaluate(ctx context.Context) error {
	a.reapDeadSlots()

	if err := a.rotateOldKeys(ctx); err != nil {
		return err
	}

	ratio := a.pool.InFlightRatio()
	if ratio > a.cfg.TargetInFlightRatio+band {
		a.promoteWarmKeys()
		ratio = a.pool.InFlightRatio()
	}

	now := a.now()
	if !a.lastScaleEvent.IsZero() && now.Sub(a.lastScaleEvent) < a.cfg.Cooldown {
		return nil
	}

	switch {
	case ratio > a.cfg.TargetInFlightRatio+band:
		a.belowSince = time.Time{}
		if a.capacity() >= a.cfg.MaxSlots {
			return nil
		}
		if err := a.provisioner.Provision(ctx, a.batch(a.cfg.GrowStep)); err != nil {
			return err
		}
		a.metrics.RecordScaleEvent("grow")
		a.lastScaleEvent = now
		return nil
	case ratio < a.cfg.TargetInFlightRatio-band:
		if a.belowSince.IsZero() {
			a.belowSince = now
		}
		if now.Sub(a.belowSince) < a.cfg.ScaleDownIdle {
			return nil
		}
		if err := a.scaleDown(ctx); err != nil {
			return err
		}
		a.lastScaleEvent = now
		return nil
	default:
		a.belowSince = time.Time{}
	}

	return a.preWarm(ctx, now)
}

// reapDeadSlots finalizes fully-drained slots (in-flight count zero) to
// dead and evicts them from the pool.
func (a *Autoscaler) reapDeadSlots() {
	a.pool.ReapDead()
}

// rotateOldKeys force-drains any slot past MaxKeyAge and submits its
// DeleteKey, regardless of cooldown or current load. On a failed
// submission every drained slot reverts to active so a flaky RPC call
// never strands a key half-retired.
func (a *Autoscaler) rotateOldKeys(ctx context.Context) error {
	if a.cfg.MaxKeyAge <= 0 {
		return nil
	}
	cutoff := a.now().Add(-a.cfg.MaxKeyAge).UnixNano()
	aged := a.pool.SlotsOlderThan(cutoff)
	if len(aged) == 0 {
		return nil
	}
	if len(aged) > a.cfg.BatchSize {
		aged = aged[:a.cfg.BatchSize]
	}
	for _, id := range aged {
		_ = a.pool.DrainSlot(id)
	}
	if err := a.provisioner.Retire(ctx, aged); err != nil {
		a.pool.Restore(aged)
		return err
	}
	a.pool.ReapDead()
	a.metrics.RecordScaleEvent("rotate")
	return nil
}

// promoteWarmKeys promotes warm slots to active before the pool resorts to
// provisioning brand-new keys, so pre-warmed capacity is actually used.
func (a *Autoscaler) promoteWarmKeys() {
	a.pool.PromoteWarm(a.cfg.GrowStep)
}

// scaleDown drains the oldest active slots and submits their DeleteKey
// batch. A failed submission restores every drained slot to active with no
// partial state.
func (a *Autoscaler) scaleDown(ctx context.Context) error {
	drained := a.pool.DrainOldestActive(a.batch(a.cfg.ShrinkStep))
	if len(drained) == 0 {
		return nil
	}
	if err := a.provisioner.Retire(ctx, drained); err != nil {
		a.pool.Restore(drained)
		return err
	}
	a.pool.ReapDead()
	a.metrics.RecordScaleEvent("shrink")
	return nil
}

// preWarm tops up the warm buffer so future demand can be served by
// promotion instead of a cold AddKey round trip.
func (a *Autoscaler) preWarm(ctx context.Context, now time.Time) error {
	if a.cfg.WarmBuffer <= 0 {
		return nil
	}
	snapshot := a.pool.Snapshot()
	deficit := a.cfg.WarmBuffer - snapshot[keypool.StateWarm]
	if deficit <= 0 {
		return nil
	}
	if a.capacity() >= a.cfg.MaxSlots {
		return nil
	}
	if err := a.provisioner.Provision(ctx, a.batch(deficit)); err != nil {
		return err
	}
	a.metrics.RecordScaleEvent("pre_warm")
	a.lastScaleEvent = now
	return nil
}

func (a *Autoscaler) capacity() int {
	snapshot := a.pool.Snapshot()
	return snapshot[keypool.StateWarm] + snapshot[keypool.StateActive] + snapshot[keypool.StateDraining]
}

func (a *Autoscaler) batch(n int) int {
	if n > a.cfg.BatchSize {
		return a.cfg.BatchSize
	}
	return n
}

// Run evaluates on a fixed cadence until ctx is cancelled. Evaluation errors
// are reported to onError rather than stopping the loop, since a single
// failed provisioning attempt should not end scaling for the process
// lifetime.
func (a *Autoscaler) Run(ctx context.Context, onError func(error)) {
	ticker := time.NewTicker(a.cfg.EvaluateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Evaluate(ctx); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
