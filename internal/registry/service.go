// Package registry is the operation layer over the device store: it applies
// the registry's business rules and dispatches wake and probe actions.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"wol-go-home/internal/probe"
	"wol-go-home/internal/store"
)

// Sender transmits a magic packet for mac toward target.
type Sender interface {
	Send(ctx context.Context, mac, target string) error
}

// Prober checks whether host answers an echo request.
type Prober interface {
	Probe(ctx context.Context, host string) (probe.Result, error)
}

// Service implements list, get, upsert, delete, wake and probe on top of a
// Store. The registry is re-read on every call; nothing is cached.
//
// Mutations hold writeMu across load-modify-save so two concurrent upserts in
// the same process cannot lose each other's change. Other processes writing
// the same file still race with last-writer-wins.
type Service struct {
	store  store.Store
	sender Sender
	prober Prober
	events *EventBus
	logger *slog.Logger

	writeMu sync.Mutex
}

// NewService creates a Service. events may be nil, in which case a private
// bus is created.
func NewService(st store.Store, sender Sender, prober Prober, events *EventBus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "registry")
	if events == nil {
		events = NewEventBus(logger)
	}
	return &Service{
		store:  st,
		sender: sender,
		prober: prober,
		events: events,
		logger: logger,
	}
}

// Init makes sure the backing store exists, writing the seed registry if not.
func (s *Service) Init() error {
	if err := s.store.EnsureInitialized(); err != nil {
		return fmt.Errorf("initialize registry: %w", err)
	}
	return nil
}

// Events returns the bus the service publishes on.
func (s *Service) Events() *EventBus {
	return s.events
}

// ListDevices returns every device exactly as stored.
func (s *Service) ListDevices() (map[string]store.Device, error) {
	reg, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	return reg.Devices, nil
}

// GetDevice returns the named device or ErrNotFound.
func (s *Service) GetDevice(name string) (store.Device, error) {
	reg, err := s.store.Load()
	if err != nil {
		return store.Device{}, err
	}
	dev, ok := reg.Devices[name]
	if !ok {
		return store.Device{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return dev, nil
}

// UpsertDevice stores ip and mac under name, replacing any existing entry,
// and returns the updated registry. Neither value is validated here.
func (s *Service) UpsertDevice(name, ip, mac string) (*store.Registry, error) {
	s.writeMu.Lock()
	reg, err := s.store.Load()
	if err != nil {
		s.writeMu.Unlock()
		return nil, err
	}
	_, existed := reg.Devices[name]
	reg.Devices[name] = store.Device{IP: ip, MAC: mac}
	err = s.store.Save(reg)
	s.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	s.logger.Info("device saved", "name", name, "ip", ip, "mac", mac, "replaced", existed)
	s.events.Emit(Event{Type: EventDeviceUpserted, Data: map[string]any{
		"name": name,
		"ip":   ip,
		"mac":  mac,
	}})
	return reg.Clone(), nil
}

// DeleteDevice removes name and returns the removed device, or nil if it was
// not registered. The registry is written back either way.
func (s *Service) DeleteDevice(name string) (*store.Device, error) {
	s.writeMu.Lock()
	reg, err := s.store.Load()
	if err != nil {
		s.writeMu.Unlock()
		return nil, err
	}
	dev, ok := reg.Devices[name]
	delete(reg.Devices, name)
	err = s.store.Save(reg)
	s.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	if !ok {
		s.logger.Debug("delete of unknown device", "name", name)
		return nil, nil
	}
	s.logger.Info("device removed", "name", name)
	s.events.Emit(Event{Type: EventDeviceDeleted, Data: map[string]any{"name": name}})
	return &dev, nil
}

// WakeDevice sends a magic packet to the named device. ErrNotFound is
// returned before anything is sent. A malformed stored MAC yields
// ErrInvalidMAC; any other send failure is ErrActionFailed.
func (s *Service) WakeDevice(ctx context.Context, name string) error {
	dev, err := s.GetDevice(name)
	if err != nil {
		return err
	}

	if err := s.sender.Send(ctx, dev.MAC, dev.IP); err != nil {
		if errors.Is(err, ErrInvalidMAC) {
			return fmt.Errorf("wake %q: %w", name, err)
		}
		s.logger.Warn("wake failed", "name", name, "ip", dev.IP, "err", err)
		return fmt.Errorf("%w: wake %q: %w", ErrActionFailed, name, err)
	}

	s.logger.Info("magic packet sent", "name", name, "mac", dev.MAC, "ip", dev.IP)
	s.events.Emit(Event{Type: EventDeviceWoken, Data: map[string]any{
		"name": name,
		"mac":  dev.MAC,
		"ip":   dev.IP,
	}})
	return nil
}

// ProbeDevice sends one echo request to the named device. A host that does
// not answer is a normal result with IsAlive false.
func (s *Service) ProbeDevice(ctx context.Context, name string) (probe.Result, error) {
	dev, err := s.GetDevice(name)
	if err != nil {
		return probe.Result{}, err
	}

	res, err := s.prober.Probe(ctx, dev.IP)
	if err != nil {
		s.logger.Warn("probe failed", "name", name, "ip", dev.IP, "err", err)
		return probe.Result{}, fmt.Errorf("%w: probe %q: %w", ErrActionFailed, name, err)
	}

	s.logger.Debug("probe result", "name", name, "address", res.Address, "alive", res.IsAlive)
	s.events.Emit(Event{Type: EventDeviceProbed, Data: map[string]any{
		"name":     name,
		"address":  res.Address,
		"is_alive": res.IsAlive,
	}})
	return res, nil
}

// RawSettings returns the backing store's serialized bytes unchanged.
func (s *Service) RawSettings() ([]byte, error) {
	return s.store.Raw()
}

// NotifyExternalChange publishes EventRegistryChanged. It is called when the
// backing file is modified outside this process.
func (s *Service) NotifyExternalChange() {
	s.logger.Info("registry changed on disk")
	s.events.Emit(Event{Type: EventRegistryChanged})
}
