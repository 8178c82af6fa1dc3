package kv

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	bolt "go.etcd.io/bbolt"
)

// BoltBackend persists shards as bbolt buckets named "shard-<n>", keyed by
// path. It is the durable backend a long-running contract harness or local
// test network would use in place of MemoryBackend.
type BoltBackend struct {
	db *bolt.DB
}

// OpenBoltBackend opens (creating if absent) a bbolt database file to back a
// Store.
func OpenBoltBackend(path string) (*BoltBackend, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("kv: open bbolt backend: %w", err)
	}
	return &BoltBackend{db: db}, nil
}

// Close releases the underlying database file.
func (b *BoltBackend) Close() error {
	return b.db.Close()
}

func shardBucketName(shard Shard) []byte {
	return []byte("shard-" + strconv.FormatUint(uint64(shard), 10))
}

// encodeEntry lays out a deleted flag byte, an 8-byte big-endian timestamp,
// then the raw value. Keeping the format flat avoids pulling in a
// serialization library for what is an internal, single-writer encoding.
func encodeEntry(e Entry) []byte {
	buf := make([]byte, 9+len(e.Value))
	if e.Deleted {
		buf[0] = 1
	}
	binary.BigEndian.PutUint64(buf[1:9], uint64(e.UpdatedAt))
	copy(buf[9:], e.Value)
	return buf
}

func decodeEntry(raw []byte) (Entry, error) {
	if len(raw) < 9 {
		return Entry{}, fmt.Errorf("kv: corrupt entry (len %d)", len(raw))
	}
	e := Entry{
		Deleted:   raw[0] == 1,
		UpdatedAt: int64(binary.BigEndian.Uint64(raw[1:9])),
	}
	if len(raw) > 9 {
		e.Value = append([]byte(nil), raw[9:]...)
	}
	return e, nil
}

func (b *BoltBackend) Get(shard Shard, path string) (Entry, bool, error) {
	var entry Entry
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(shardBucketName(shard))
		if bucket == nil {
			return nil
		}
		raw := bucket.Get([]byte(path))
		if raw == nil {
			return nil
		}
		decoded, err := decodeEntry(raw)
		if err != nil {
			return err
		}
		entry = decoded
		found = true
		return nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	return entry, found, nil
}

func (b *BoltBackend) Put(shard Shard, path string, entry Entry) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(shardBucketName(shard))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(path), encodeEntry(entry))
	})
}

func (b *BoltBackend) Iterate(shard Shard, prefix string, fn func(path string, entry Entry) bool) error {
	return b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(shardBucketName(shard))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		prefixBytes := []byte(prefix)
		for k, v := c.Seek(prefixBytes); k != nil && strings.HasPrefix(string(k), prefix); k, v = c.Next() {
			entry, err := decodeEntry(v)
			if err != nil {
				return err
			}
			if entry.Deleted {
				continue
			}
			if !fn(string(k), entry) {
				return nil
			}
		}
		return nil
	})
}
