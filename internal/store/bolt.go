package store

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRegistry = []byte("registry")
	keyDocument    = []byte("document")
)

// BoltStore implements Store using BoltDB. The registry is kept as one JSON
// document under a single key, so Raw returns the same format FileStore
// writes.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %w", ErrUnavailable, dir, err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open bolt db: %w", ErrUnavailable, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRegistry)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: create bucket: %w", ErrUnavailable, err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) EnsureInitialized() error {
	seed, err := encodeRegistry(SeedRegistry())
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegistry)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRegistry)
		}
		if b.Get(keyDocument) != nil {
			return nil
		}
		return b.Put(keyDocument, seed)
	})
	if err != nil {
		return fmt.Errorf("%w: initialize: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *BoltStore) Load() (*Registry, error) {
	data, err := s.Raw()
	if err != nil {
		return nil, err
	}
	return decodeRegistry(data)
}

func (s *BoltStore) Save(reg *Registry) error {
	data, err := encodeRegistry(reg)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegistry)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRegistry)
		}
		return b.Put(keyDocument, data)
	})
	if err != nil {
		return fmt.Errorf("%w: save: %w", ErrUnavailable, err)
	}
	return nil
}

func (s *BoltStore) Raw() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegistry)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketRegistry)
		}
		v := b.Get(keyDocument)
		if v == nil {
			return fmt.Errorf("registry document not initialized")
		}
		// Values are only valid for the lifetime of the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return data, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
