package config

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const pollInterval = time.Second

func sha256Sum(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// Watcher observes the config source and invokes a callback with each new
// valid snapshot. Change detection combines fsnotify events with a one-second
// content-fingerprint poll, so edits through rename-based editors and over
// network mounts are both caught.
//
// A parse or validation failure never invokes the callback; the previous
// snapshot stays active and the error is logged.
type Watcher struct {
	path        string
	fingerprint string
	onChange    func(*Snapshot)
	log         *slog.Logger
}

// NewWatcher creates a watcher for the config file at path. The initial
// fingerprint is taken from the current file contents so the first callback
// fires only on an actual change.
func NewWatcher(path string, onChange func(*Snapshot)) *Watcher {
	w := &Watcher{
		path:     path,
		onChange: onChange,
		log:      slog.With("component", "config.watcher"),
	}
	if data, err := os.ReadFile(path); err == nil {
		w.fingerprint = Fingerprint(data)
	}
	return w
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	events := make(chan struct{}, 1)

	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		defer fsw.Close()
		// Watch the directory: editors replace the file by rename, which
		// drops a watch on the file itself.
		if err := fsw.Add(filepath.Dir(w.path)); err != nil {
			w.log.Warn("fsnotify watch failed, polling only", "error", err)
		}
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-fsw.Events:
					if !ok {
						return
					}
					if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
						continue
					}
					select {
					case events <- struct{}{}:
					default:
					}
				case <-fsw.Errors:
				}
			}
		}()
	} else {
		w.log.Warn("fsnotify unavailable, polling only", "error", err)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-events:
			w.check()
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		// Transient during rename-replace; the next tick retries.
		return
	}
	fp := Fingerprint(data)
	if fp == w.fingerprint {
		return
	}

	snap, err := Parse(data)
	if err != nil {
		w.log.Error("config change rejected", "error", err)
		// Remember the bad fingerprint so the error logs once per edit.
		w.fingerprint = fp
		return
	}

	w.fingerprint = fp
	w.log.Info("config changed", "agents", len(snap.Agents), "teams", len(snap.Teams))
	w.onChange(snap)
}
