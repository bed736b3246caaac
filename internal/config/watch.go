package config

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "remindbot/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	rewatchMin     = 250 * time.Millisecond
	rewatchMax     = 5 * time.Second
)

var errWatcherClosed = errors.New("fsnotify watcher closed")

// Watch reloads the file on change until ctx is done. The parent directory
// is watched so that editors replacing the file are seen. A broken watcher
// is recreated with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	wait := rewatchMin
	for {
		err := m.watchOnce(ctx, dir, func() { wait = rewatchMin })
		if ctx.Err() != nil {
			return nil
		}
		d := wait + time.Duration(rand.Int63n(int64(wait/2)+1))
		wait = min(2*wait, rewatchMax)
		m.log.Warn("config watcher failed", logx.String("dir", dir), logx.Duration("retry_in", d), logx.Err(err))
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// watchOnce runs one fsnotify watcher until it fails or ctx ends. Bursts of
// events collapse into a single reload after reloadDebounce of quiet.
func (m *Manager) watchOnce(ctx context.Context, dir string, started func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	started()
	m.log.Debug("config watcher started", logx.String("dir", dir))

	name := filepath.Base(m.path)
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-debounce.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if strings.EqualFold(filepath.Base(ev.Name), name) {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				debounce.Reset(reloadDebounce)
				continue
			}
			m.log.Warn("config watch error", logx.Err(err))
		}
	}
}
