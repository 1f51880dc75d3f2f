package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "tgload/pkg/logx"
)

const (
	reloadDebounce   = 250 * time.Millisecond
	validateTimeout  = 5 * time.Second
	watchBackoffMin  = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second
	relevantFileOps  = fsnotify.Write | fsnotify.Create | fsnotify.Rename
)

// Watch reloads the config whenever its file changes until ctx is done.
// The parent directory is watched so editors that replace the file by rename
// are seen too. A broken watcher is recreated with jittered backoff.
func (m *ConfigManager) Watch(ctx context.Context) error {
	backoff := watchBackoffMin
	for ctx.Err() == nil {
		err := m.watchOnce(ctx)
		if ctx.Err() != nil {
			break
		}
		if err == nil {
			backoff = watchBackoffMin
			continue
		}
		wait := backoff + rand.N(backoff/2+1)
		m.log.Warn("config watcher failed; retrying", logx.Err(err), logx.Duration("in", wait))
		backoff = min(backoff*2, watchBackoffMax)
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// watchOnce runs a single watcher. nil means the event channels closed.
func (m *ConfigManager) watchOnce(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir, name := filepath.Split(filepath.Clean(m.path))
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		return err
	}
	m.log.Debug("config watcher started", logx.String("path", m.path))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name || !ev.Has(relevantFileOps) {
				continue
			}
			debounce.Reset(reloadDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				debounce.Reset(reloadDebounce)
				continue
			}
			return err
		case <-debounce.C:
			m.reload(ctx)
		}
	}
}

// reload parses, validates, commits and publishes the file. Any failure
// keeps the current config.
func (m *ConfigManager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config reload: parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	if !m.changed(cfg) {
		m.log.Debug("config reload: content unchanged", logx.String("path", m.path))
		return
	}
	if m.validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validate(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config reload: rejected", logx.String("path", m.path), logx.Err(err))
			return
		}
	}
	m.commit(cfg)
	m.publish(cfg)
}
