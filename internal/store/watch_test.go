package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchFileReportsSave(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s := NewFileStore(filepath.Join(t.TempDir(), "settings.json"))
	if err := s.EnsureInitialized(); err != nil {
		t.Fatal(err)
	}

	changed := make(chan struct{}, 8)
	w, err := WatchFile(context.Background(), s.Path(), logger, func() {
		changed <- struct{}{}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	reg := SeedRegistry()
	reg.Devices["desk"] = Device{IP: "10.0.0.7", MAC: "aa:bb:cc:dd:ee:ff"}
	if err := s.Save(reg); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
	case <-time.After(3 * time.Second):
		t.Fatal("no change notification after save")
	}
}

func TestWatchFileIgnoresOtherFiles(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")

	changed := make(chan struct{}, 8)
	w, err := WatchFile(context.Background(), path, logger, func() {
		changed <- struct{}{}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	if err := os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case <-changed:
		t.Fatal("unexpected notification for unrelated file")
	case <-time.After(4 * watchDebounce):
	}
}
