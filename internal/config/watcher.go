package config

import (
	"context"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"mqrunner/pkg/logx"
)

// Watcher re-reads the config file when it changes on disk and hands the
// parsed result to an apply callback. Only the safe subset (log level,
// report settings) is meant to be applied live; the callback decides what
// it can honor and logs what needs a restart.
type Watcher struct {
	path     string
	apply    func(*Config)
	log      logx.Logger
	lastHash uint64
}

func NewWatcher(path string, initial []byte, apply func(*Config), log logx.Logger) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{
		path:     path,
		apply:    apply,
		log:      log.With(logx.String("component", "config")),
		lastHash: hashBytes(initial),
	}
}

// Run blocks until ctx is cancelled. Editors often replace rather than
// rewrite the file, so the parent directory is watched and events are
// debounced before reloading.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(200 * time.Millisecond)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watch error", logx.Err(err))
		case <-debounce.C:
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	b, err := os.ReadFile(w.path)
	if err != nil {
		w.log.Warn("config reload: read failed", logx.Err(err))
		return
	}
	h := hashBytes(b)
	if h == w.lastHash {
		return
	}

	cfg, err := Parse(w.path, b)
	if err != nil {
		w.log.Warn("config reload: parse failed, keeping previous config", logx.Err(err))
		return
	}
	if err := cfg.Validate(); err != nil {
		w.log.Warn("config reload: validation failed, keeping previous config", logx.Err(err))
		return
	}

	w.lastHash = h
	w.log.Info("config reloaded", logx.String("path", w.path))
	w.apply(cfg)
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
