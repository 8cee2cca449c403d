//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "wol-go-home/internal/mqtt"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(reg mqttbridge.Registry, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridge, err := mqttbridge.NewBridge(reg, mqttbridge.Config{
		Broker:        cfg.MQTT.Broker,
		Username:      cfg.MQTT.Username,
		Password:      cfg.MQTT.Password,
		TopicPrefix:   cfg.MQTT.TopicPrefix,
		ProbeInterval: cfg.probeInterval,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}
