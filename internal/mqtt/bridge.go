//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"wol-go-home/internal/probe"
	"wol-go-home/internal/registry"
	"wol-go-home/internal/store"
)

const (
	commandTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	// ProbeInterval, when positive, probes every device on that period so
	// the connectivity sensors stay current.
	ProbeInterval time.Duration
}

// Registry is the part of the registry service the bridge drives.
type Registry interface {
	ListDevices() (map[string]store.Device, error)
	WakeDevice(ctx context.Context, name string) error
	ProbeDevice(ctx context.Context, name string) (probe.Result, error)
	Events() *registry.EventBus
}

// client is the subset of pahomqtt.Client the bridge uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge exposes registry devices to MQTT with HA autodiscovery.
type Bridge struct {
	client client
	reg    Registry
	prefix string
	probe  time.Duration
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Names with discovery currently published.
	mu        sync.Mutex
	published map[string]bool
}

func newBridge(reg Registry, cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		reg:       reg,
		prefix:    cfg.TopicPrefix,
		probe:     cfg.ProbeInterval,
		logger:    logger.With("component", "mqtt"),
		published: make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(reg Registry, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(reg, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("wol-go-home").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	// The connect handler publishes through b.client.
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to registry events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.reg.Events().OnAll(b.handleEvent)
	if b.probe > 0 {
		b.wg.Add(1)
		go b.probeLoop()
	}
	b.logger.Info("MQTT bridge started", "prefix", b.prefix, "probe_interval", b.probe)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.wg.Wait()
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	b.publishAllDiscovery()
	b.subscribeCommands()
}

func (b *Bridge) handleEvent(event registry.Event) {
	name, _ := event.Data["name"].(string)
	switch event.Type {
	case registry.EventDeviceUpserted:
		if name == "" {
			return
		}
		ip, _ := event.Data["ip"].(string)
		mac, _ := event.Data["mac"].(string)
		dev := store.Device{IP: ip, MAC: mac}
		if devices, err := b.reg.ListDevices(); err == nil {
			if owner, odev, ok := topicOwner(devices, deviceTopicName(name)); ok {
				name, dev = owner, odev
			}
		}
		b.publishDeviceDiscovery(name, dev)
	case registry.EventDeviceDeleted:
		if name == "" {
			return
		}
		devices, err := b.reg.ListDevices()
		if err != nil {
			b.logger.Error("list devices for removal", "err", err)
		}
		b.removeDevice(name, devices)
	case registry.EventDeviceProbed:
		if name != "" {
			b.publishState(name, event.Data)
		}
	case registry.EventRegistryChanged:
		b.publishAllDiscovery()
	}
}

func (b *Bridge) publishState(name string, data map[string]any) {
	alive, _ := data["is_alive"].(bool)
	state := map[string]any{
		"state":     "OFF",
		"address":   data["address"],
		"last_seen": time.Now().UTC().Format(time.RFC3339),
	}
	if alive {
		state["state"] = "ON"
	}
	b.publish(b.prefix+"/"+deviceTopicName(name), mustJSON(state), true)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

// publishAllDiscovery republishes every device and removes entries for
// devices that have disappeared since the last pass. Names sharing a topic
// segment publish once, for the first name in sorted order.
func (b *Bridge) publishAllDiscovery() {
	devices, err := b.reg.ListDevices()
	if err != nil {
		b.logger.Error("list devices for discovery", "err", err)
		return
	}
	seen := make(map[string]bool, len(devices))
	for _, name := range sortedNames(devices) {
		topic := deviceTopicName(name)
		if seen[topic] {
			continue
		}
		seen[topic] = true
		b.publishDeviceDiscovery(name, devices[name])
	}

	b.mu.Lock()
	var gone []string
	for name := range b.published {
		if _, ok := devices[name]; !ok {
			gone = append(gone, name)
		}
	}
	b.mu.Unlock()
	for _, name := range gone {
		b.removeDevice(name, devices)
	}
}

func (b *Bridge) publishDeviceDiscovery(name string, dev store.Device) {
	for _, msg := range buildDiscovery(name, dev, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.mu.Lock()
	b.published[name] = true
	b.mu.Unlock()
	b.logger.Debug("published HA discovery", "name", name)
}

// removeDevice drops the discovery entries for name. When another device in
// devices maps to the same topic segment, its discovery is republished
// instead so the shared entities stay in Home Assistant.
func (b *Bridge) removeDevice(name string, devices map[string]store.Device) {
	b.mu.Lock()
	delete(b.published, name)
	b.mu.Unlock()

	if owner, dev, ok := topicOwner(devices, deviceTopicName(name)); ok {
		b.publishDeviceDiscovery(owner, dev)
		b.logger.Info("HA discovery kept for colliding device", "name", name, "owner", owner)
		return
	}

	for _, msg := range buildRemoveDiscovery(name) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.publish(b.prefix+"/"+deviceTopicName(name), nil, true)
	b.logger.Info("removed HA discovery", "name", name)
}

func (b *Bridge) subscribeCommands() {
	for _, action := range []string{"wake", "probe"} {
		topic := b.prefix + "/+/" + action
		token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			b.handleCommand(msg.Topic())
		})
		go func() {
			if !token.WaitTimeout(publishTimeout) {
				b.logger.Warn("MQTT subscribe timeout", "topic", topic)
			} else if err := token.Error(); err != nil {
				b.logger.Error("MQTT subscribe failed", "topic", topic, "err", err)
			}
		}()
	}
}

// handleCommand runs the wake or probe named by a command topic of the form
// <prefix>/<device>/<action>.
func (b *Bridge) handleCommand(topic string) {
	rest, ok := strings.CutPrefix(topic, b.prefix+"/")
	if !ok {
		return
	}
	segment, action, ok := strings.Cut(rest, "/")
	if !ok || strings.Contains(action, "/") {
		return
	}

	name, ok := b.resolveDevice(segment)
	if !ok {
		b.logger.Warn("command for unknown device", "topic", topic)
		return
	}

	ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
	defer cancel()

	switch action {
	case "wake":
		if err := b.reg.WakeDevice(ctx, name); err != nil {
			b.logger.Warn("wake command failed", "name", name, "err", err)
		}
	case "probe":
		// The resulting device_probed event publishes the state.
		if _, err := b.reg.ProbeDevice(ctx, name); err != nil {
			b.logger.Warn("probe command failed", "name", name, "err", err)
		}
	}
}

// resolveDevice maps a topic segment back to a registry name. When several
// names share a segment the first in sorted order wins.
func (b *Bridge) resolveDevice(segment string) (string, bool) {
	devices, err := b.reg.ListDevices()
	if err != nil {
		b.logger.Error("list devices for command", "err", err)
		return "", false
	}
	name, _, ok := topicOwner(devices, segment)
	return name, ok
}

// topicOwner returns the first device in sorted order whose topic segment
// is segment.
func topicOwner(devices map[string]store.Device, segment string) (string, store.Device, bool) {
	for _, name := range sortedNames(devices) {
		if deviceTopicName(name) == segment {
			return name, devices[name], true
		}
	}
	return "", store.Device{}, false
}

func sortedNames(devices map[string]store.Device) []string {
	names := make([]string, 0, len(devices))
	for name := range devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (b *Bridge) probeLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.probe)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.probeAll()
		}
	}
}

func (b *Bridge) probeAll() {
	devices, err := b.reg.ListDevices()
	if err != nil {
		b.logger.Error("list devices for probe", "err", err)
		return
	}
	for name := range devices {
		if b.ctx.Err() != nil {
			return
		}
		ctx, cancel := context.WithTimeout(b.ctx, commandTimeout)
		if _, err := b.reg.ProbeDevice(ctx, name); err != nil {
			b.logger.Debug("periodic probe failed", "name", name, "err", err)
		}
		cancel()
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(publishTimeout) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
