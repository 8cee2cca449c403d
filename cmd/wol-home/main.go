package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"wol-go-home/internal/probe"
	"wol-go-home/internal/registry"
	"wol-go-home/internal/store"
	"wol-go-home/internal/web"
	"wol-go-home/internal/wol"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Backend string `yaml:"backend"` // "file" or "bolt"
		Path    string `yaml:"path"`
		Watch   *bool  `yaml:"watch"`
	} `yaml:"store"`
	WOL struct {
		Port      int    `yaml:"port"`
		Broadcast string `yaml:"broadcast"`
	} `yaml:"wol"`
	Probe struct {
		Timeout       string `yaml:"timeout"`
		FallbackPorts []int  `yaml:"fallback_ports"`
	} `yaml:"probe"`
	MQTT struct {
		Enabled       bool   `yaml:"enabled"`
		Broker        string `yaml:"broker"`
		Username      string `yaml:"username"`
		Password      string `yaml:"password"`
		TopicPrefix   string `yaml:"topic_prefix"`
		ProbeInterval string `yaml:"probe_interval"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`

	probeTimeout  time.Duration
	probeInterval time.Duration
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "file", "bolt":
	default:
		return fmt.Errorf("store.backend must be file or bolt, got %q", c.Store.Backend)
	}
	if c.WOL.Port < 1 || c.WOL.Port > 65535 {
		return fmt.Errorf("wol.port must be 1-65535, got %d", c.WOL.Port)
	}
	for _, p := range c.Probe.FallbackPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("probe.fallback_ports: %d out of range", p)
		}
	}
	d, err := time.ParseDuration(c.Probe.Timeout)
	if err != nil {
		return fmt.Errorf("probe.timeout: %w", err)
	}
	if d <= 0 {
		return fmt.Errorf("probe.timeout must be positive, got %s", d)
	}
	c.probeTimeout = d

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.ProbeInterval != "" {
			if c.probeInterval, err = time.ParseDuration(c.MQTT.ProbeInterval); err != nil {
				return fmt.Errorf("mqtt.probe_interval: %w", err)
			}
		}
	}
	return nil
}

func (c *Config) watchStore() bool {
	return c.Store.Backend == "file" && (c.Store.Watch == nil || *c.Store.Watch)
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("wol-go-home starting", "version", version)

	st, err := openStore(cfg)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	wolOpts := []wol.Option{wol.WithPort(cfg.WOL.Port), wol.WithLogger(logger)}
	if cfg.WOL.Broadcast != "" {
		wolOpts = append(wolOpts, wol.WithBroadcast(cfg.WOL.Broadcast))
	}
	sender := wol.NewSender(wolOpts...)
	prober := probe.New(
		probe.WithTimeout(cfg.probeTimeout),
		probe.WithFallbackPorts(cfg.Probe.FallbackPorts),
		probe.WithLogger(logger),
	)

	events := registry.NewEventBus(logger)
	svc := registry.NewService(st, sender, prober, events, logger)
	if err := svc.Init(); err != nil {
		logger.Error("initialize registry", "backend", cfg.Store.Backend, "path", cfg.Store.Path, "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var watcher *store.Watcher
	if cfg.watchStore() {
		watcher, err = store.WatchFile(ctx, cfg.Store.Path, logger, svc.NotifyExternalChange)
		if err != nil {
			// The registry still works; only external edits go unnoticed.
			logger.Warn("watch registry file", "path", cfg.Store.Path, "err", err)
		}
	}

	// Start automation engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(svc, cfg, logger)

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)

	webServer, err := web.NewServer(svc, logger, webOpts...)
	if err != nil {
		logger.Error("create web server", "err", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(svc, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	auto.Stop()
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			logger.Warn("stop watcher", "err", err)
		}
	}

	logger.Info("goodbye")
}

func openStore(cfg *Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case "bolt":
		return store.NewBoltStore(cfg.Store.Path)
	default:
		return store.NewFileStore(cfg.Store.Path), nil
	}
}

// loadConfig reads path and fills defaults. A missing file yields the
// defaults alone.
func loadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "0.0.0.0:5000"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "file"
	}
	if cfg.Store.Path == "" {
		if cfg.Store.Backend == "bolt" {
			cfg.Store.Path = "wol-home.db"
		} else {
			cfg.Store.Path = "settings.json"
		}
	}
	if cfg.WOL.Port == 0 {
		cfg.WOL.Port = 9
	}
	if cfg.Probe.Timeout == "" {
		cfg.Probe.Timeout = probe.DefaultTimeout.String()
	}
	if cfg.Probe.FallbackPorts == nil {
		cfg.Probe.FallbackPorts = probe.DefaultFallbackPorts
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "wol"
	}
	if cfg.MQTT.ProbeInterval == "" {
		cfg.MQTT.ProbeInterval = "1m"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
