package keystore

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func testMasterKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.db")
	store, err := Open(path, testMasterKey(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func TestPutGetRoundTripsPrivateKey(t *testing.T) {
	store := openTestStore(t)
	rec := Record{
		SlotID:     "slot-1",
		AccountID:  "relayer.near",
		PublicKey:  "ed25519:x",
		PrivateKey: []byte("super-secret-key-material"),
		Nonce:      7,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.Put(rec))

	got, err := store.Get("slot-1")
	require.NoError(t, err)
	require.Equal(t, rec.PrivateKey, got.PrivateKey)
	require.Equal(t, rec.AccountID, got.AccountID)
	require.Equal(t, rec.Nonce, got.Nonce)
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesRecord(t *testing.T) {
	store := openTestStore(t)
	rec := Record{SlotID: "slot-1", PrivateKey: []byte("key")}
	require.NoError(t, store.Put(rec))
	require.NoError(t, store.Delete("slot-1"))

	_, err := store.Get("slot-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListReturnsAllSlotIDs(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Put(Record{SlotID: "slot-1", PrivateKey: []byte("a")}))
	require.NoError(t, store.Put(Record{SlotID: "slot-2", PrivateKey: []byte("b")}))

	ids, err := store.List()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"slot-1", "slot-2"}, ids)
}

func TestOpenRejectsWrongSizeMasterKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.db")
	_, err := Open(path, []byte("too-short"), nil)
	require.Error(t, err)
}

func TestPersistedBytesAreNotPlaintext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.db")
	store, err := Open(path, testMasterKey(), nil)
	require.NoError(t, err)
	secret := []byte("super-secret-key-material")
	require.NoError(t, store.Put(Record{SlotID: "slot-1", PrivateKey: secret}))
	var raw []byte
	require.NoError(t, store.db.View(func(tx *bolt.Tx) error {
		raw = append([]byte(nil), tx.Bucket(bucketKeys).Get([]byte("slot-1"))...)
		return nil
	}))
	var onDisk Record
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	require.NotEqual(t, secret, onDisk.PrivateKey)
	require.NoError(t, store.Close())

	reopened, err := Open(path, testMasterKey(), nil)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Get("slot-1")
	require.NoError(t, err)
	require.Equal(t, secret, got.PrivateKey)
}
