// Package kv implements the sharded, path-addressed key/value store that
// backs contract storage. Paths are UTF-8 strings rooted at an account id or
// a group id; values are opaque bytes. Deletes are soft: a tombstoned path
// still occupies its slot (and is visible to Get as absent); this package
// never purges tombstones, so storage accounting can charge and
// refund deterministically around the same write path.
package kv

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
)

// ErrNotFound is returned when a path has no live entry.
var ErrNotFound = errors.New("kv: path not found")

// ErrInvalidPath is returned when a path fails the minimal structural checks
// this store requires (non-empty, no leading/trailing slash, no empty
// segment).
var ErrInvalidPath = errors.New("kv: invalid path")

// Shard identifies one of the store's backing partitions. Sharding exists so
// a persistence backend can distribute load and so bulk operations (group
// deletion, GC) can be scoped to a bounded slice of the keyspace.
type Shard uint32

// Entry is the value stored at a path plus the bookkeeping needed for
// soft-delete and storage accounting.
type Entry struct {
	Value     []byte
	Deleted   bool
	UpdatedAt int64 // unix nanoseconds
}

// Size returns the number of bytes this entry counts against storage
// accounting. A tombstoned entry counts zero bytes regardless of the value
// it used to hold.
func (e Entry) Size() int {
	if e.Deleted {
		return 0
	}
	return len(e.Value)
}

// Backend persists shard/path entries. native/kv ships two: an in-memory map
// for tests and contract-call harnesses, and a bbolt-backed store for a
// durable local runtime.
type Backend interface {
	Get(shard Shard, path string) (Entry, bool, error)
	Put(shard Shard, path string, entry Entry) error
	// Iterate calls fn for every live (non-tombstoned) entry under prefix in
	// the given shard, in path order, stopping early if fn returns false.
	Iterate(shard Shard, prefix string, fn func(path string, entry Entry) bool) error
}

// Charger is notified of the byte delta a write or delete produces so the
// caller's storage accounting (see native/groups) can charge or refund the
// responsible payer. Charge is invoked before the entry is persisted; if it
// returns an error the write is rejected and the store is left unchanged.
type Charger interface {
	Charge(payer string, deltaBytes int64) error
}

// DefaultShardCount is the number of shards a fresh Store partitions its keyspace
// into. It is fixed at construction time so path-to-shard hashing stays
// stable across restarts against the same backend.
const DefaultShardCount = 16

// Store is the sharded KV store. It is not safe for concurrent use from
// multiple goroutines without external synchronization, matching the
// single-threaded-per-call execution model a contract host provides; the
// relayer and any multi-goroutine caller must serialize calls themselves.
type Store struct {
	backend     Backend
	shardCount  uint32
	charger     Charger
	payerOfPath func(path string) string
}

// New constructs a Store over the given backend. payerOfPath resolves the
// account or group responsible for the storage bytes at a path; it is
// invoked on every mutating call. If charger is nil no accounting is
// performed and writes are unconditionally accepted.
func New(backend Backend, shardCount uint32, payerOfPath func(string) string, charger Charger) *Store {
	if shardCount == 0 {
		shardCount = DefaultShardCount
	}
	return &Store{backend: backend, shardCount: shardCount, charger: charger, payerOfPath: payerOfPath}
}

// ShardFor deterministically maps a path to one of the store's shards.
func (s *Store) ShardFor(path string) Shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(path))
	return Shard(h.Sum32() % s.shardCount)
}

// ValidatePath enforces the structural rules every stored path must follow.
func ValidatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	if strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return fmt.Errorf("%w: leading or trailing slash", ErrInvalidPath)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" {
			return fmt.Errorf("%w: empty segment", ErrInvalidPath)
		}
	}
	return nil
}

// Get returns the live value at path. Tombstoned or never-written paths
// report ErrNotFound.
func (s *Store) Get(path string) ([]byte, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	entry, ok, err := s.backend.Get(s.ShardFor(path), path)
	if err != nil {
		return nil, fmt.Errorf("kv: get %q: %w", path, err)
	}
	if !ok || entry.Deleted {
		return nil, ErrNotFound
	}
	return entry.Value, nil
}

// Put writes value at path, charging the resolved payer for the byte delta
// against the path's previous live size (zero if absent or tombstoned).
func (s *Store) Put(path string, value []byte, nowNanos int64) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	shard := s.ShardFor(path)
	prev, ok, err := s.backend.Get(shard, path)
	if err != nil {
		return fmt.Errorf("kv: put %q: read previous: %w", path, err)
	}
	prevSize := 0
	if ok {
		prevSize = prev.Size()
	}
	delta := int64(len(value)) - int64(prevSize)
	if err := s.charge(path, delta); err != nil {
		return err
	}
	entry := Entry{Value: append([]byte(nil), value...), UpdatedAt: nowNanos}
	if err := s.backend.Put(shard, path, entry); err != nil {
		// Best-effort refund: the write never landed, so the charge must not
		// stick. Charger implementations are expected to make Charge(-delta)
		// infallible for refunds; if it fails there is nothing more this
		// layer can do, so the error is reported alongside the original one.
		if rerr := s.charge(path, -delta); rerr != nil {
			return fmt.Errorf("kv: put %q: %w (refund also failed: %v)", path, err, rerr)
		}
		return fmt.Errorf("kv: put %q: %w", path, err)
	}
	return nil
}

// Delete soft-deletes the entry at path, refunding the payer for the bytes
// it previously occupied. Deleting an already-absent or already-tombstoned
// path is a no-op.
func (s *Store) Delete(path string, nowNanos int64) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	shard := s.ShardFor(path)
	prev, ok, err := s.backend.Get(shard, path)
	if err != nil {
		return fmt.Errorf("kv: delete %q: %w", path, err)
	}
	if !ok || prev.Deleted {
		return nil
	}
	if err := s.charge(path, -int64(prev.Size())); err != nil {
		return err
	}
	entry := Entry{Deleted: true, UpdatedAt: nowNanos}
	if err := s.backend.Put(shard, path, entry); err != nil {
		return fmt.Errorf("kv: delete %q: %w", path, err)
	}
	return nil
}

// Iterate walks every live entry whose path has the given prefix within the
// shard that prefix's literal form hashes to. Callers iterating an entire
// group's subtree should call Iterate once per shard when the prefix itself
// does not pin a single shard (the common case, since paths under a prefix
// fan out across shards by hash). For that reason Iterate also exposes
// IterateAllShards.
func (s *Store) Iterate(prefix string, fn func(path string, value []byte) bool) error {
	return s.backend.Iterate(s.ShardFor(prefix), prefix, func(path string, e Entry) bool {
		return fn(path, e.Value)
	})
}

// IterateAllShards walks every live entry with the given prefix across every
// shard in the store. Use this for prefixes that do not correspond to a
// single hashed path (e.g. a group subtree containing many distinct paths).
func (s *Store) IterateAllShards(prefix string, fn func(path string, value []byte) bool) error {
	for i := uint32(0); i < s.shardCount; i++ {
		stop := false
		err := s.backend.Iterate(Shard(i), prefix, func(path string, e Entry) bool {
			if !fn(path, e.Value) {
				stop = true
				return false
			}
			return true
		})
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
	return nil
}

func (s *Store) charge(path string, deltaBytes int64) error {
	if s.charger == nil || s.payerOfPath == nil {
		return nil
	}
	payer := s.payerOfPath(path)
	if payer == "" {
		return nil
	}
	if err := s.charger.Charge(payer, deltaBytes); err != nil {
		return fmt.Errorf("kv: charge payer %q for path %q: %w", payer, path, err)
	}
	return nil
}
