// Package filecache persists the session as a JSON file and watches it
// with fsnotify, so a sign-in or sign-out written by one process is
// observed by every other process sharing the file. This is the
// cross-tab notification path for multi-process deployments without
// Redis.
package filecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/answerly/sessiongate-go/identity"
	"github.com/answerly/sessiongate-go/sessioncache"
)

type Cache struct {
	path string
	log  *slog.Logger

	// Serializes writes so the temp-file rename dance stays atomic per
	// process. Cross-process writers race benignly: last rename wins.
	mu sync.Mutex
}

// New returns a Cache backed by the JSON file at path. The parent
// directory is created if needed; the file itself is created on first
// Save.
func New(path string, log *slog.Logger) (*Cache, error) {
	if path == "" {
		return nil, errors.New("filecache: path is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("filecache: mkdir: %w", err)
	}
	return &Cache{path: path, log: log}, nil
}

var _ sessioncache.Cache = (*Cache)(nil)
var _ sessioncache.Watcher = (*Cache)(nil)

func (c *Cache) Load(ctx context.Context) (*identity.Session, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filecache: read: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return sessioncache.Decode(data)
}

func (c *Cache) Save(ctx context.Context, sess *identity.Session) error {
	data, err := sessioncache.Encode(sess)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("filecache: write: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("filecache: rename: %w", err)
	}
	return nil
}

func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filecache: remove: %w", err)
	}
	return nil
}

func (c *Cache) Close() error { return nil }

// Watch observes the cache file for external changes. The parent
// directory is watched rather than the file itself because atomic
// writers replace the file via rename, which would otherwise drop the
// watch.
func (c *Cache) Watch(ctx context.Context, handler func(sess *identity.Session)) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filecache: watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(c.path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("filecache: watch dir: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(c.path) {
					continue
				}
				switch {
				case ev.Op.Has(fsnotify.Remove):
					handler(nil)
				case ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Rename):
					sess, err := c.Load(ctx)
					if err != nil {
						c.log.Warn("session cache file unreadable after change", "path", c.path, "err", err)
						continue
					}
					handler(sess)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.log.Warn("session cache watch error", "path", c.path, "err", err)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = w.Close()
			<-done
		})
	}, nil
}
