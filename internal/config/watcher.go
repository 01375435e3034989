package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports changes to config.yaml. The directory is watched rather
// than the file so editors that replace the file on save are still seen.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(w.homeDir); err != nil {
		_ = fsw.Close()
		return err
	}
	target := filepath.Clean(ConfigPath(w.homeDir))

	go func() {
		defer fsw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Reloader is notified with the freshly loaded config after each change.
type Reloader interface {
	Reload(cfg Config)
}

// Follow reloads config on every watcher event and hands it to each target.
// A file that fails to parse is logged and skipped, keeping the previous
// snapshot in place. Blocks until ctx is done or the watcher stops.
func (w *Watcher) Follow(ctx context.Context, targets ...Reloader) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.events:
			if !ok {
				return
			}
			cfg, err := LoadFrom(w.homeDir)
			if err != nil {
				w.logger.Warn("config reload failed; keeping previous config", "error", err)
				continue
			}
			if problems := cfg.Validate(); len(problems) > 0 {
				w.logger.Warn("reloaded config has problems", "problems", problems)
			}
			for _, t := range targets {
				t.Reload(cfg)
			}
			w.logger.Info("config reloaded", "fingerprint", cfg.Fingerprint(), "agents", len(cfg.Agents))
		}
	}
}
