// Package keystore persists access key material for the relayer's key pool
// in a BoltDB file, following the same single-bucket, JSON-per-record
// pattern the identity gateway's Bolt store uses. Key material is encrypted
// at rest with ChaCha20-Poly1305 under a master key supplied by the
// operator, since the file on disk is the only thing standing between an
// attacker and every sponsor key the relayer controls.
package keystore

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	bolt "go.etcd.io/bbolt"
)

var bucketKeys = []byte("keys")

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("keystore: record not found")

// Record is one access key's persisted material.
type Record struct {
	SlotID     string    `json:"slotId"`
	AccountID  string    `json:"accountId"`
	PublicKey  string    `json:"publicKey"`
	PrivateKey []byte    `json:"privateKey"`
	Nonce      uint64    `json:"nonce"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists Records in a BoltDB file, encrypting the PrivateKey field
// independently of the rest of the record so a database dump never exposes
// key material even if the JSON envelope is inspected directly.
type Store struct {
	db     *bolt.DB
	cipher *cipherSuite
}

// Open initialises (and migrates) the BoltDB-backed keystore at path.
// masterKey must be exactly chacha20poly1305.KeySize (32) bytes.
func Open(path string, masterKey []byte, options *bolt.Options) (*Store, error) {
	suite, err := newCipherSuite(masterKey)
	if err != nil {
		return nil, err
	}
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("keystore: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKeys)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("keystore: init buckets: %w", err)
	}
	return &Store{db: db, cipher: suite}, nil
}

// Close releases the underlying Bolt database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put encrypts and stores rec, overwriting any existing record for the same
// slot id.
func (s *Store) Put(rec Record) error {
	sealed, err := s.cipher.seal(rec.PrivateKey)
	if err != nil {
		return fmt.Errorf("keystore: seal slot %s: %w", rec.SlotID, err)
	}
	onDisk := rec
	onDisk.PrivateKey = sealed
	payload, err := json.Marshal(onDisk)
	if err != nil {
		return fmt.Errorf("keystore: encode slot %s: %w", rec.SlotID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).Put([]byte(rec.SlotID), payload)
	})
}

// Get fetches and decrypts the record for slotID.
func (s *Store) Get(slotID string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketKeys).Get([]byte(slotID))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	if err != nil {
		return Record{}, err
	}
	plain, err := s.cipher.open(rec.PrivateKey)
	if err != nil {
		return Record{}, fmt.Errorf("keystore: open slot %s: %w", slotID, err)
	}
	rec.PrivateKey = plain
	return rec, nil
}

// Delete removes a slot's persisted key material.
func (s *Store) Delete(slotID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).Delete([]byte(slotID))
	})
}

// List returns every persisted slot id, used on startup to repopulate the
// key pool from disk.
func (s *Store) List() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// cipherSuite wraps a ChaCha20-Poly1305 AEAD for sealing private key bytes.
type cipherSuite struct {
	aead cipher.AEAD
}

func newCipherSuite(masterKey []byte) (*cipherSuite, error) {
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("keystore: master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(masterKey))
	}
	aead, err := chacha20poly1305.New(masterKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: construct cipher: %w", err)
	}
	return &cipherSuite{aead: aead}, nil
}

func (c *cipherSuite) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("keystore: generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return sealed, nil
}

func (c *cipherSuite) open(sealed []byte) ([]byte, error) {
	nonceSize := c.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("keystore: sealed payload too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	return c.aead.Open(nil, nonce, ciphertext, nil)
}
