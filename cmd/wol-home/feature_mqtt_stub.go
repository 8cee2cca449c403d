//go:build no_mqtt

package main

import (
	"log/slog"

	"wol-go-home/internal/registry"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *registry.Service, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
