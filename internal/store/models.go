package store

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SeedName is the device written into a freshly initialized registry.
const SeedName = "localhost"

// Device is a wakeable host. Neither field is validated on write; the MAC is
// parsed only when a magic packet is built.
type Device struct {
	IP  string `json:"ip"`
	MAC string `json:"mac"`
}

// Registry is the persisted document, keyed by device name.
type Registry struct {
	Devices map[string]Device `json:"devices"`
}

// SeedRegistry returns the registry written when no backing file exists.
func SeedRegistry() *Registry {
	return &Registry{
		Devices: map[string]Device{
			SeedName: {IP: "127.0.0.1", MAC: "ff:ff:ff:ff:ff:ff"},
		},
	}
}

// Clone returns a deep copy, so callers can hand out registries without
// sharing the device map.
func (r *Registry) Clone() *Registry {
	c := &Registry{Devices: make(map[string]Device, len(r.Devices))}
	for name, dev := range r.Devices {
		c.Devices[name] = dev
	}
	return c
}

// registryDocument is the on-disk shape. Devices is a pointer so a missing or
// null "devices" field can be told apart from an empty mapping.
type registryDocument struct {
	Devices *map[string]Device `json:"devices"`
}

// decodeRegistry parses a serialized registry, wrapping any shape problem in
// ErrCorrupt.
func decodeRegistry(data []byte) (*Registry, error) {
	var doc registryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if doc.Devices == nil || *doc.Devices == nil {
		return nil, fmt.Errorf("%w: missing devices mapping", ErrCorrupt)
	}
	return &Registry{Devices: *doc.Devices}, nil
}

// encodeRegistry serializes with two-space indentation and no trailing
// newline. Map keys come out sorted, so encoding is deterministic.
func encodeRegistry(r *Registry) ([]byte, error) {
	devices := r.Devices
	if devices == nil {
		devices = map[string]Device{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(Registry{Devices: devices}); err != nil {
		return nil, fmt.Errorf("encode registry: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
