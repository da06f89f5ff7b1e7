package watchdog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/keepmind9/clibridge/internal/logger"
	"github.com/keepmind9/clibridge/pkg/constants"
	"github.com/sirupsen/logrus"
)

// CatalogStore holds the catalog currently in effect. Turns take a snapshot
// at their start, so a reload never changes the rules mid-turn.
type CatalogStore struct {
	current atomic.Pointer[Catalog]
	path    string

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewCatalogStore loads path, or the embedded catalog when path is empty.
func NewCatalogStore(path string) (*CatalogStore, error) {
	s := &CatalogStore{path: path}
	c := DefaultCatalog()
	if path != "" {
		loaded, err := LoadCatalog(path)
		if err != nil {
			return nil, err
		}
		c = loaded
	}
	s.current.Store(c)
	return s, nil
}

// StaticCatalogStore wraps an already parsed catalog.
func StaticCatalogStore(c *Catalog) *CatalogStore {
	s := &CatalogStore{}
	s.current.Store(c)
	return s
}

// Catalog returns the catalog in effect.
func (s *CatalogStore) Catalog() *Catalog {
	return s.current.Load()
}

// Path returns the backing file, empty for the embedded catalog.
func (s *CatalogStore) Path() string {
	return s.path
}

// Reload re-reads the backing file. A broken file keeps the previous catalog.
func (s *CatalogStore) Reload() error {
	if s.path == "" {
		return nil
	}
	c, err := LoadCatalog(s.path)
	if err != nil {
		return err
	}
	s.current.Store(c)
	logger.WithFields(logrus.Fields{
		"path":       s.path,
		"indicators": len(c.Indicators),
	}).Info("indicator-catalog-reloaded")
	return nil
}

// Watch reloads the catalog whenever its file changes, until ctx is done or
// Close is called. The parent directory is watched so editor rename-on-save
// is seen.
func (s *CatalogStore) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	s.mu.Lock()
	if s.watcher != nil {
		s.mu.Unlock()
		return fmt.Errorf("catalog watcher already running")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		s.mu.Unlock()
		return fmt.Errorf("watch %s: %w", filepath.Dir(s.path), err)
	}
	s.watcher = w
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.eventLoop(ctx, w, s.done)
	return nil
}

// Close stops watching.
func (s *CatalogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	<-s.done
	s.watcher = nil
	return err
}

func (s *CatalogStore) eventLoop(ctx context.Context, w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)

	target := filepath.Clean(s.path)
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(constants.CatalogReloadDebounce, func() {
				if err := s.Reload(); err != nil {
					logger.WithFields(logrus.Fields{
						"path":  s.path,
						"error": err,
					}).Warn("indicator-catalog-reload-failed")
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.WithField("error", err).Warn("indicator-catalog-watch-error")
		}
	}
}
