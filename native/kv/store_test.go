package kv

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeCharger struct {
	charged map[string]int64
	fail    bool
}

func newFakeCharger() *fakeCharger { return &fakeCharger{charged: map[string]int64{}} }

func (f *fakeCharger) Charge(payer string, delta int64) error {
	if f.fail {
		return errors.New("charger rejected write")
	}
	f.charged[payer] += delta
	return nil
}

func payerOf(path string) string {
	if len(path) == 0 {
		return ""
	}
	for i := 0; i < len(path); i++ {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return path
}

func TestStorePutGetDelete(t *testing.T) {
	charger := newFakeCharger()
	store := New(NewMemoryBackend(), 4, payerOf, charger)

	require.NoError(t, store.Put("alice.near/profile/bio", []byte("hello"), 1))
	value, err := store.Get("alice.near/profile/bio")
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), value)
	require.EqualValues(t, 5, charger.charged["alice.near"])

	require.NoError(t, store.Put("alice.near/profile/bio", []byte("hi"), 2))
	require.EqualValues(t, 2, charger.charged["alice.near"])

	require.NoError(t, store.Delete("alice.near/profile/bio", 3))
	require.EqualValues(t, 0, charger.charged["alice.near"])

	_, err = store.Get("alice.near/profile/bio")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreDeleteAbsentIsNoop(t *testing.T) {
	store := New(NewMemoryBackend(), 4, payerOf, newFakeCharger())
	require.NoError(t, store.Delete("bob.near/profile/bio", 1))
}

func TestStoreRejectsInvalidPath(t *testing.T) {
	store := New(NewMemoryBackend(), 4, payerOf, newFakeCharger())
	require.ErrorIs(t, store.Put("", []byte("x"), 1), ErrInvalidPath)
	require.ErrorIs(t, store.Put("/leading", []byte("x"), 1), ErrInvalidPath)
	require.ErrorIs(t, store.Put("trailing/", []byte("x"), 1), ErrInvalidPath)
	require.ErrorIs(t, store.Put("a//b", []byte("x"), 1), ErrInvalidPath)
}

func TestStoreChargeFailureRejectsWrite(t *testing.T) {
	charger := newFakeCharger()
	charger.fail = true
	store := New(NewMemoryBackend(), 4, payerOf, charger)

	err := store.Put("alice.near/profile/bio", []byte("hello"), 1)
	require.Error(t, err)

	_, err = store.Get("alice.near/profile/bio")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreIterateAllShards(t *testing.T) {
	store := New(NewMemoryBackend(), 4, payerOf, nil)
	require.NoError(t, store.Put("group:42/members/alice.near", []byte("1"), 1))
	require.NoError(t, store.Put("group:42/members/bob.near", []byte("1"), 1))
	require.NoError(t, store.Put("group:42/settings/name", []byte("Chess Club"), 1))

	var paths []string
	require.NoError(t, store.IterateAllShards("group:42/members/", func(path string, _ []byte) bool {
		paths = append(paths, path)
		return true
	}))
	require.ElementsMatch(t, []string{"group:42/members/alice.near", "group:42/members/bob.near"}, paths)
}

func TestStoreIterateStopsEarly(t *testing.T) {
	store := New(NewMemoryBackend(), 4, payerOf, nil)
	require.NoError(t, store.Put("group:42/members/alice.near", []byte("1"), 1))
	require.NoError(t, store.Put("group:42/members/bob.near", []byte("1"), 1))

	count := 0
	require.NoError(t, store.IterateAllShards("group:42/members/", func(path string, _ []byte) bool {
		count++
		return false
	}))
	require.Equal(t, 1, count)
}
