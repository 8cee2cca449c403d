//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"wol-go-home/internal/store"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/button/wol_nas/wake/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string    `json:"identifiers"`
	Connections  [][2]string `json:"connections,omitempty"`
	Manufacturer string      `json:"manufacturer,omitempty"`
	Model        string      `json:"model,omitempty"`
	Name         string      `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	CommandTopic      string   `json:"command_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	JSONAttributes    string   `json:"json_attributes_topic,omitempty"`
	Device            haDevice `json:"device"`
}

// entity is one HA component published per registry device.
type entity struct {
	component string
	object    string
}

var deviceEntities = []entity{
	{"button", "wake"},
	{"button", "probe"},
	{"binary_sensor", "connectivity"},
}

// deviceTopicName returns the topic segment for a device name: lowercase,
// with anything outside [a-z0-9_-] replaced by '_'.
func deviceTopicName(name string) string {
	name = strings.ToLower(name)
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
	if name == "" {
		return "_"
	}
	return name
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(name string) string {
	return "wol_" + deviceTopicName(name)
}

// buildDiscovery generates HA discovery messages for a registry device.
func buildDiscovery(name string, dev store.Device, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	base := prefix + "/" + deviceTopicName(name)
	nodeID := deviceIdentifier(name)

	haDev := haDevice{
		Identifiers: []string{nodeID},
		Model:       "Wake-on-LAN host",
		Name:        name,
	}
	if dev.MAC != "" {
		haDev.Connections = [][2]string{{"mac", strings.ToLower(dev.MAC)}}
	}

	return []discoveryMsg{
		buildButton(nodeID, name, avail, haDev, "wake", "Wake", base+"/wake", "mdi:power"),
		buildButton(nodeID, name, avail, haDev, "probe", "Probe", base+"/probe", "mdi:lan-pending"),
		buildConnectivity(nodeID, name, base, avail, haDev),
	}
}

func buildButton(nodeID, displayName, avail string, haDev haDevice,
	objectID, suffix, cmdTopic, icon string) discoveryMsg {

	topic := fmt.Sprintf("homeassistant/button/%s/%s/config", nodeID, objectID)
	payload := haDiscovery{
		Name:              displayName + " " + suffix,
		UniqueID:          nodeID + "_" + objectID,
		CommandTopic:      cmdTopic,
		PayloadPress:      "PRESS",
		AvailabilityTopic: avail,
		Icon:              icon,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildConnectivity(nodeID, displayName, stateTopic, avail string, haDev haDevice) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/connectivity/config", nodeID)
	payload := haDiscovery{
		Name:              displayName + " Online",
		UniqueID:          nodeID + "_connectivity",
		StateTopic:        stateTopic,
		AvailabilityTopic: avail,
		ValueTemplate:     "{{ value_json.state }}",
		DeviceClass:       "connectivity",
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		JSONAttributes:    stateTopic,
		Device:            haDev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(name string) []discoveryMsg {
	nodeID := deviceIdentifier(name)
	msgs := make([]discoveryMsg, 0, len(deviceEntities))
	for _, e := range deviceEntities {
		msgs = append(msgs, discoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s/%s/config", e.component, nodeID, e.object),
			Payload: nil, // empty retained = delete
		})
	}
	return msgs
}
