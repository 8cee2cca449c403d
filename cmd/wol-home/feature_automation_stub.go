//go:build no_automation

package main

import (
	"log/slog"

	"wol-go-home/internal/registry"
	"wol-go-home/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *registry.Service, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
