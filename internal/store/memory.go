package store

import (
	"errors"
	"fmt"
	"sync"
)

// MemoryStore keeps the serialized registry in memory. It stores bytes rather
// than a decoded Registry so corrupt-content handling matches FileStore.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStore returns an uninitialized in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// NewMemoryStoreFrom returns a store preloaded with raw content, which does
// not have to be valid.
func NewMemoryStoreFrom(data []byte) *MemoryStore {
	return &MemoryStore{data: append([]byte{}, data...)}
}

func (s *MemoryStore) EnsureInitialized() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data != nil {
		return nil
	}
	data, err := encodeRegistry(SeedRegistry())
	if err != nil {
		return err
	}
	s.data = data
	return nil
}

func (s *MemoryStore) Load() (*Registry, error) {
	data, err := s.Raw()
	if err != nil {
		return nil, err
	}
	return decodeRegistry(data)
}

func (s *MemoryStore) Save(reg *Registry) error {
	data, err := encodeRegistry(reg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Raw() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, errors.New("memory store not initialized"))
	}
	return append([]byte(nil), s.data...), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
