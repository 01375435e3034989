package config_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/claw-office/internal/config"
)

func TestWatcher_DetectsConfigChange(t *testing.T) {
	homeDir := t.TempDir()
	cfgPath := filepath.Join(homeDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write until the watcher reports it; notification readiness
	// varies by platform.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "config.yaml" {
				t.Fatalf("expected config.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for config.yaml change event")
		}
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	homeDir := t.TempDir()
	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	_ = os.WriteFile(filepath.Join(homeDir, "clawoffice.db"), []byte("x"), 0o644)

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}

type recordingReloader struct {
	mu   sync.Mutex
	cfgs []config.Config
}

func (r *recordingReloader) Reload(cfg config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfgs = append(r.cfgs, cfg)
}

func (r *recordingReloader) last() (config.Config, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cfgs) == 0 {
		return config.Config{}, false
	}
	return r.cfgs[len(r.cfgs)-1], true
}

func TestWatcher_FollowReloadsTargets(t *testing.T) {
	homeDir := t.TempDir()
	cfgPath := filepath.Join(homeDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("agents:\n  - id: main\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	rec := &recordingReloader{}
	go w.Follow(ctx, rec)

	body := []byte("agents:\n  - id: main\n  - id: devo\n")
	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	_ = os.WriteFile(cfgPath, body, 0o644)
	for {
		if cfg, ok := rec.last(); ok && len(cfg.Agents) == 2 {
			return
		}
		select {
		case <-tick.C:
			_ = os.WriteFile(cfgPath, body, 0o644)
		case <-deadline:
			t.Fatal("timed out waiting for reload")
		}
	}
}
