package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for writes to settle before
// reloading.
const DefaultDebounce = 100 * time.Millisecond

// ReloadFunc receives every successfully reloaded configuration.
type ReloadFunc func(cfg *Config)

// Watcher reloads a configuration directory when its CUE files change.
//
// Editors write files in bursts (truncate, write, rename), so events are
// collected for a debounce window and the directory is reloaded once per
// burst. A reload that fails validation is logged and ignored; the previous
// configuration stays in effect.
type Watcher struct {
	dir      string
	debounce time.Duration
	onReload ReloadFunc

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	done     chan struct{}
}

// NewWatcher creates a watcher for dir. Call Run to start it.
func NewWatcher(dir string, debounce time.Duration, onReload ReloadFunc) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &Watcher{
		dir:      dir,
		debounce: debounce,
		onReload: onReload,
		watcher:  w,
		done:     make(chan struct{}),
	}, nil
}

// Run processes file events until ctx is cancelled or Stop is called.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-w.done:
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".cue" {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			slog.Debug("config file changed", "path", ev.Name, "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watcher error", "dir", w.dir, "error", err)

		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

// Stop ends Run. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) reload() {
	cfg, err := Load(w.dir)
	if err != nil {
		slog.Error("config reload rejected, keeping previous configuration", "dir", w.dir, "error", err)
		return
	}
	slog.Info("config reloaded", "dir", w.dir, "devices", len(cfg.Devices), "regime", cfg.Regime.String())
	if w.onReload != nil {
		w.onReload(cfg)
	}
}

// Apply pushes a reloaded configuration into running devices' cells.
//
// A changed trigger event is a redefinition and starts a new generation.
// A changed delay alone is a retune. The regime flag is applied to every
// device. Devices missing from cells are skipped and reported.
func Apply(cfg *Config, cells map[string]*Cells) (changed []string) {
	for _, d := range cfg.Devices {
		c, ok := cells[d.Name]
		if !ok {
			slog.Warn("config names a device that is not running", "device", d.Name)
			continue
		}
		snap := c.Snapshot()
		touched := false
		if snap.Slaved && snap.Event != d.Event {
			c.Redefine(d.Event, d.Delay)
			touched = true
		} else if snap.Slaved && snap.Delay != d.Delay {
			c.SetDelay(d.Delay)
			touched = true
		}
		if snap.Regime != cfg.Regime {
			c.SetRegime(cfg.Regime)
			touched = true
		}
		if touched {
			changed = append(changed, d.Name)
		}
	}
	return changed
}
