package store

import "errors"

var (
	// ErrCorrupt is returned when the backing content is not a mapping with a
	// "devices" object of {ip, mac} entries.
	ErrCorrupt = errors.New("store: corrupt registry")

	// ErrUnavailable is returned when the backing content cannot be read or
	// written.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store persists the whole registry as a single document. Every Load reads
// current state; nothing is cached between calls.
type Store interface {
	// EnsureInitialized writes the seed registry if nothing is stored yet.
	// Existing content is never touched, even when it is empty or malformed.
	EnsureInitialized() error

	// Load reads and decodes the full registry.
	Load() (*Registry, error)

	// Save replaces the stored registry with reg.
	Save(reg *Registry) error

	// Raw returns the serialized registry exactly as stored.
	Raw() ([]byte, error)

	// Close releases any resources held by the store.
	Close() error
}
