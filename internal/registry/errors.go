package registry

import (
	"errors"

	"wol-go-home/internal/store"
	"wol-go-home/internal/wol"
)

// Errors returned by Service operations. Check them with errors.Is:
//
//	if errors.Is(err, registry.ErrNotFound) {
//	    // unknown device name
//	}
var (
	// ErrNotFound is returned when the requested device name is not registered.
	ErrNotFound = errors.New("registry: device not found")

	// ErrActionFailed is returned when a wake or probe could not be attempted.
	ErrActionFailed = errors.New("registry: action failed")

	// ErrInvalidMAC is returned by WakeDevice when the stored MAC is malformed.
	ErrInvalidMAC = wol.ErrInvalidMAC

	// ErrStoreCorrupt is returned when the backing registry is malformed.
	ErrStoreCorrupt = store.ErrCorrupt

	// ErrStoreUnavailable is returned when the backing registry cannot be read
	// or written.
	ErrStoreUnavailable = store.ErrUnavailable
)
