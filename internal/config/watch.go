package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher reloads a config file on write and republishes it to
// subscribers, debounced so a text editor's multi-write save doesn't
// trigger repeat reloads. Grounded on
// inipew-pewbot/internal/config/manager.go's ConfigManager.Watch.
type Watcher struct {
	path string

	mu   sync.Mutex
	subs []chan Config
}

// NewWatcher builds a Watcher over path; call Watch to start it.
func NewWatcher(path string) *Watcher {
	return &Watcher{path: path}
}

// Subscribe returns a channel that receives every successfully
// reloaded Config. buffer sizes the channel; a slow subscriber drops
// its oldest queued config rather than blocking the watcher.
func (w *Watcher) Subscribe(buffer int) chan Config {
	ch := make(chan Config, buffer)
	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()
	return ch
}

func (w *Watcher) publish(cfg Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- cfg:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cfg:
			default:
			}
		}
	}
}

const debounceDelay = 250 * time.Millisecond

// Watch blocks until ctx is cancelled, reloading and republishing the
// config on every filesystem write event, self-healing the underlying
// fsnotify.Watcher if it errors out.
func (w *Watcher) Watch(ctx context.Context) error {
	dir := filepath.Dir(w.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	reload := func() {
		cfg, warnings, err := LoadFile(w.path)
		if err != nil {
			log.WithFields(log.Fields{"path": w.path, "error": err}).Warn("config reload rejected")
			return
		}
		for _, warning := range warnings {
			log.WithFields(log.Fields{"path": w.path}).Warn(warning)
		}
		w.publish(cfg)
		log.WithFields(log.Fields{"path": w.path}).Info("config reloaded")
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			log.WithFields(log.Fields{"error": err}).Warn("config watcher init failed, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
				continue
			}
		}
		if err := fw.Add(dir); err != nil {
			fw.Close()
			log.WithFields(log.Fields{"error": err, "dir": dir}).Warn("config watch add failed, retrying")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
				continue
			}
		}

		w.runLoop(ctx, fw, &timerMu, &timer, reload)
		fw.Close()
	}
}

func (w *Watcher) runLoop(ctx context.Context, fw *fsnotify.Watcher, timerMu *sync.Mutex, timer **time.Timer, reload func()) {
	target := filepath.Base(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			timerMu.Lock()
			if *timer != nil {
				(*timer).Stop()
			}
			*timer = time.AfterFunc(debounceDelay, reload)
			timerMu.Unlock()
		case _, ok := <-fw.Errors:
			if !ok {
				return
			}
		}
	}
}
