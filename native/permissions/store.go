package permissions

import (
	"encoding/json"
	"fmt"
	"sync"

	"onsocial-core/native/kv"
)

// MemoryGrantStore is an in-memory GrantStore used by tests and by the
// dispatcher when running without a durable backend.
type MemoryGrantStore struct {
	mu     sync.RWMutex
	grants map[string]Grant
}

// NewMemoryGrantStore returns an empty MemoryGrantStore.
func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{grants: make(map[string]Grant)}
}

func grantKey(groupID, path, grantee string) string {
	return groupID + "\x00" + path + "\x00" + grantee
}

func (s *MemoryGrantStore) Get(groupID, path, grantee string) (Grant, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[grantKey(groupID, path, grantee)]
	return g, ok, nil
}

func (s *MemoryGrantStore) Put(grant Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[grantKey(grant.GroupID, grant.Path, grant.Grantee)] = grant
	return nil
}

func (s *MemoryGrantStore) Delete(groupID, path, grantee string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, grantKey(groupID, path, grantee))
	return nil
}

func (s *MemoryGrantStore) ListForPath(groupID, path string) ([]Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := groupID + "\x00" + path + "\x00"
	var out []Grant
	for key, g := range s.grants {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, g)
		}
	}
	return out, nil
}

// KVGrantStore persists grants as JSON-encoded entries in the shared
// key/value store, under a reserved ".perm" segment of the owning group's
// path so grant storage is charged against the group's own sponsor quota
// exactly like any other group-owned write.
type KVGrantStore struct {
	store *kv.Store
	now   func() int64
}

// NewKVGrantStore wraps a kv.Store for grant persistence. now supplies the
// timestamp used for the underlying store's soft-delete bookkeeping.
func NewKVGrantStore(store *kv.Store, now func() int64) *KVGrantStore {
	return &KVGrantStore{store: store, now: now}
}

func grantPath(groupID, path, grantee string) string {
	return fmt.Sprintf("%s/.perm/%s/%s", groupID, path, grantee)
}

func (s *KVGrantStore) Get(groupID, path, grantee string) (Grant, bool, error) {
	raw, err := s.store.Get(grantPath(groupID, path, grantee))
	if err != nil {
		if err == kv.ErrNotFound {
			return Grant{}, false, nil
		}
		return Grant{}, false, err
	}
	var g Grant
	if err := json.Unmarshal(raw, &g); err != nil {
		return Grant{}, false, fmt.Errorf("permissions: decode grant: %w", err)
	}
	return g, true, nil
}

func (s *KVGrantStore) Put(grant Grant) error {
	raw, err := json.Marshal(grant)
	if err != nil {
		return fmt.Errorf("permissions: encode grant: %w", err)
	}
	return s.store.Put(grantPath(grant.GroupID, grant.Path, grant.Grantee), raw, s.now())
}

func (s *KVGrantStore) Delete(groupID, path, grantee string) error {
	return s.store.Delete(grantPath(groupID, path, grantee), s.now())
}

func (s *KVGrantStore) ListForPath(groupID, path string) ([]Grant, error) {
	prefix := fmt.Sprintf("%s/.perm/%s/", groupID, path)
	var out []Grant
	err := s.store.IterateAllShards(prefix, func(_ string, value []byte) bool {
		var g Grant
		if jsonErr := json.Unmarshal(value, &g); jsonErr == nil {
			out = append(out, g)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
