//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"wol-go-home/internal/probe"
	"wol-go-home/internal/registry"
	"wol-go-home/internal/store"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Error() error                   { return nil }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// failedToken completes immediately with err.
type failedToken struct{ err error }

func (failedToken) Wait() bool                     { return true }
func (failedToken) WaitTimeout(time.Duration) bool { return true }
func (t failedToken) Error() error                 { return t.err }
func (failedToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMessage struct{ topic string }

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return []byte("PRESS") }
func (m fakeMessage) Ack()              {}

// fakeClient keeps the last retained payload per topic.
type fakeClient struct {
	mu       sync.Mutex
	retained map[string][]byte
	subs     map[string]pahomqtt.MessageHandler
	subErr   error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		retained: make(map[string][]byte),
		subs:     make(map[string]pahomqtt.MessageHandler),
	}
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, payload interface{}) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retained[topic] = payload.([]byte)
	return doneToken{}
}

func (c *fakeClient) Subscribe(topic string, _ byte, cb pahomqtt.MessageHandler) pahomqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return failedToken{err: c.subErr}
	}
	c.subs[topic] = cb
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {}

func (c *fakeClient) payload(topic string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.retained[topic]
	return p, ok
}

func (c *fakeClient) deliver(filter, topic string) {
	c.mu.Lock()
	cb := c.subs[filter]
	c.mu.Unlock()
	cb(nil, fakeMessage{topic: topic})
}

type stubSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *stubSender) Send(_ context.Context, mac, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, mac+"@"+target)
	return nil
}

type stubProber struct{}

func (stubProber) Probe(_ context.Context, host string) (probe.Result, error) {
	return probe.Result{Address: host, IsAlive: host == "127.0.0.1"}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	bridge *Bridge
	client *fakeClient
	svc    *registry.Service
	st     *store.MemoryStore
	sender *stubSender
}

func setupBridge(t *testing.T) *testEnv {
	t.Helper()
	return setupBridgeWith(t, Config{TopicPrefix: "wol"})
}

func setupBridgeWith(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{
		client: newFakeClient(),
		st:     store.NewMemoryStore(),
		sender: &stubSender{},
	}
	env.svc = registry.NewService(env.st, env.sender, stubProber{}, nil, testLogger())
	if err := env.svc.Init(); err != nil {
		t.Fatal(err)
	}
	env.bridge = newBridge(env.svc, cfg, testLogger())
	env.bridge.client = env.client
	env.bridge.Start()
	t.Cleanup(env.bridge.Stop)
	return env
}

func TestDeviceTopicName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"localhost", "localhost"},
		{"Living Room PC", "living_room_pc"},
		{"nas-01", "nas-01"},
		{"a/b+#", "a_b__"},
		{"", "_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := deviceTopicName(tt.name); got != tt.want {
				t.Errorf("deviceTopicName(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}

func TestDiscoveryPayloads(t *testing.T) {
	msgs := buildDiscovery("Living Room", store.Device{IP: "10.0.0.5", MAC: "AA:BB:CC:DD:EE:FF"}, "wol")
	if len(msgs) != len(deviceEntities) {
		t.Fatalf("got %d messages, want %d", len(msgs), len(deviceEntities))
	}

	byTopic := make(map[string]haDiscovery)
	for _, m := range msgs {
		var p haDiscovery
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			t.Fatalf("unmarshal %s: %v", m.Topic, err)
		}
		byTopic[m.Topic] = p
	}

	wake, ok := byTopic["homeassistant/button/wol_living_room/wake/config"]
	if !ok {
		t.Fatal("wake button discovery missing")
	}
	if wake.CommandTopic != "wol/living_room/wake" {
		t.Errorf("wake command_topic = %q", wake.CommandTopic)
	}
	if wake.UniqueID != "wol_living_room_wake" {
		t.Errorf("wake unique_id = %q", wake.UniqueID)
	}
	if wake.AvailabilityTopic != "wol/bridge/state" {
		t.Errorf("availability_topic = %q", wake.AvailabilityTopic)
	}
	if len(wake.Device.Connections) != 1 || wake.Device.Connections[0] != [2]string{"mac", "aa:bb:cc:dd:ee:ff"} {
		t.Errorf("device.connections = %v", wake.Device.Connections)
	}

	conn, ok := byTopic["homeassistant/binary_sensor/wol_living_room/connectivity/config"]
	if !ok {
		t.Fatal("connectivity discovery missing")
	}
	if conn.DeviceClass != "connectivity" || conn.StateTopic != "wol/living_room" {
		t.Errorf("connectivity = %+v", conn)
	}
	if conn.Name != "Living Room Online" {
		t.Errorf("name = %q", conn.Name)
	}

	if _, ok := byTopic["homeassistant/button/wol_living_room/probe/config"]; !ok {
		t.Error("probe button discovery missing")
	}
}

func TestRemoveDiscoveryMatchesPublished(t *testing.T) {
	published := make(map[string]bool)
	for _, m := range buildDiscovery("nas", store.Device{}, "wol") {
		published[m.Topic] = true
	}

	for _, m := range buildRemoveDiscovery("nas") {
		if m.Payload != nil {
			t.Errorf("removal message should have nil payload, got %q for %s", m.Payload, m.Topic)
		}
		if !published[m.Topic] {
			t.Errorf("removal topic %s was never published", m.Topic)
		}
	}
}

func TestBridgeOnConnect(t *testing.T) {
	env := setupBridge(t)
	env.bridge.onConnect()

	if p, _ := env.client.payload("wol/bridge/state"); string(p) != "online" {
		t.Errorf("bridge state = %q", p)
	}
	if _, ok := env.client.payload("homeassistant/button/wol_localhost/wake/config"); !ok {
		t.Error("seed device discovery not published")
	}
	for _, filter := range []string{"wol/+/wake", "wol/+/probe"} {
		if _, ok := env.client.subs[filter]; !ok {
			t.Errorf("missing subscription %s", filter)
		}
	}
}

func TestBridgeWakeCommand(t *testing.T) {
	env := setupBridge(t)
	env.bridge.onConnect()
	env.svc.UpsertDevice("Office PC", "10.0.0.9", "01:02:03:04:05:06")

	env.client.deliver("wol/+/wake", "wol/office_pc/wake")

	env.sender.mu.Lock()
	defer env.sender.mu.Unlock()
	if len(env.sender.sent) != 1 || env.sender.sent[0] != "01:02:03:04:05:06@10.0.0.9" {
		t.Errorf("sent = %v", env.sender.sent)
	}
}

func TestBridgeProbeCommandPublishesState(t *testing.T) {
	env := setupBridge(t)
	env.bridge.onConnect()

	env.client.deliver("wol/+/probe", "wol/localhost/probe")

	p, ok := env.client.payload("wol/localhost")
	if !ok {
		t.Fatal("state not published")
	}
	var state map[string]any
	if err := json.Unmarshal(p, &state); err != nil {
		t.Fatal(err)
	}
	if state["state"] != "ON" || state["address"] != "127.0.0.1" {
		t.Errorf("state = %v", state)
	}
}

func TestBridgeIgnoresUnknownCommands(t *testing.T) {
	env := setupBridge(t)

	for _, topic := range []string{
		"wol/ghost/wake",
		"other/localhost/wake",
		"wol/localhost/wake/extra",
		"wol/localhost",
	} {
		env.bridge.handleCommand(topic)
	}
	if len(env.sender.sent) != 0 {
		t.Errorf("sent = %v, want nothing", env.sender.sent)
	}
}

func TestBridgeDeleteRemovesDiscovery(t *testing.T) {
	env := setupBridge(t)
	env.bridge.onConnect()

	if _, err := env.svc.DeleteDevice("localhost"); err != nil {
		t.Fatal(err)
	}
	for _, m := range buildRemoveDiscovery("localhost") {
		if p, ok := env.client.payload(m.Topic); !ok || len(p) != 0 {
			t.Errorf("%s = %q, want empty retained payload", m.Topic, p)
		}
	}
}

func TestBridgeRegistryChangedDropsMissing(t *testing.T) {
	env := setupBridge(t)
	env.bridge.onConnect()

	// Simulate an external edit that replaces the seed.
	err := env.st.Save(&store.Registry{Devices: map[string]store.Device{
		"nas": {IP: "10.0.0.2", MAC: "aa:bb:cc:dd:ee:ff"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	env.svc.NotifyExternalChange()

	if p, _ := env.client.payload("homeassistant/button/wol_localhost/wake/config"); len(p) != 0 {
		t.Errorf("localhost discovery not removed: %q", p)
	}
	if p, _ := env.client.payload("homeassistant/button/wol_nas/wake/config"); len(p) == 0 {
		t.Error("nas discovery not published")
	}
}

func TestBridgeDeleteKeepsCollidingDiscovery(t *testing.T) {
	env := setupBridge(t)
	env.bridge.onConnect()
	env.svc.UpsertDevice("PC", "10.0.0.7", "aa:bb:cc:dd:ee:07")
	env.svc.UpsertDevice("pc", "10.0.0.8", "aa:bb:cc:dd:ee:08")

	if _, err := env.svc.DeleteDevice("pc"); err != nil {
		t.Fatal(err)
	}

	p, _ := env.client.payload("homeassistant/button/wol_pc/wake/config")
	if len(p) == 0 {
		t.Fatal("discovery for PC removed with pc")
	}
	var d haDiscovery
	if err := json.Unmarshal(p, &d); err != nil {
		t.Fatal(err)
	}
	if d.Device.Name != "PC" {
		t.Errorf("device.name = %q, want PC", d.Device.Name)
	}

	// The surviving device still answers commands on the shared topic.
	env.client.deliver("wol/+/wake", "wol/pc/wake")
	env.sender.mu.Lock()
	defer env.sender.mu.Unlock()
	if len(env.sender.sent) != 1 || env.sender.sent[0] != "aa:bb:cc:dd:ee:07@10.0.0.7" {
		t.Errorf("sent = %v", env.sender.sent)
	}
}

func TestBridgeExternalDeleteKeepsCollidingDiscovery(t *testing.T) {
	env := setupBridge(t)
	env.bridge.onConnect()
	env.svc.UpsertDevice("PC", "10.0.0.7", "aa:bb:cc:dd:ee:07")
	env.svc.UpsertDevice("pc", "10.0.0.8", "aa:bb:cc:dd:ee:08")

	err := env.st.Save(&store.Registry{Devices: map[string]store.Device{
		"pc": {IP: "10.0.0.8", MAC: "aa:bb:cc:dd:ee:08"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	env.svc.NotifyExternalChange()

	p, _ := env.client.payload("homeassistant/binary_sensor/wol_pc/connectivity/config")
	if len(p) == 0 {
		t.Fatal("discovery for pc removed with PC")
	}
	var d haDiscovery
	if err := json.Unmarshal(p, &d); err != nil {
		t.Fatal(err)
	}
	if d.Device.Name != "pc" {
		t.Errorf("device.name = %q, want pc", d.Device.Name)
	}
	if p, _ := env.client.payload("homeassistant/button/wol_localhost/wake/config"); len(p) != 0 {
		t.Errorf("localhost discovery not removed: %q", p)
	}
}

func TestBridgeSubscribeErrorIsLogged(t *testing.T) {
	env := setupBridge(t)
	env.client.subErr = errors.New("not authorized")

	env.bridge.onConnect()

	if len(env.client.subs) != 0 {
		t.Errorf("subs = %v, want none", env.client.subs)
	}
	if p, _ := env.client.payload("wol/bridge/state"); string(p) != "online" {
		t.Errorf("bridge state = %q", p)
	}
}

func TestBridgeUpsertPublishesDiscovery(t *testing.T) {
	env := setupBridge(t)

	env.svc.UpsertDevice("media", "10.0.0.3", "aa:bb:cc:dd:ee:01")

	p, ok := env.client.payload("homeassistant/binary_sensor/wol_media/connectivity/config")
	if !ok {
		t.Fatal("discovery not published on upsert")
	}
	var d haDiscovery
	if err := json.Unmarshal(p, &d); err != nil {
		t.Fatal(err)
	}
	if d.Device.Name != "media" {
		t.Errorf("device.name = %q", d.Device.Name)
	}
}

func TestBridgePeriodicProbe(t *testing.T) {
	env := setupBridgeWith(t, Config{TopicPrefix: "wol", ProbeInterval: 10 * time.Millisecond})

	for range 100 {
		if _, ok := env.client.payload("wol/localhost"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("periodic probe did not publish state")
}

func TestMustJSON(t *testing.T) {
	result := mustJSON(map[string]string{"hello": "world"})
	var parsed map[string]string
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("mustJSON output not valid JSON: %v", err)
	}
	if parsed["hello"] != "world" {
		t.Errorf("parsed value = %q", parsed["hello"])
	}

	if got := string(mustJSON(make(chan int))); got != "{}" {
		t.Errorf("unmarshalable = %q, want {}", got)
	}
}
