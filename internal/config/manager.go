package config

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/relago-ai/relago/pkg/types"
)

// CatalogManager handles model-catalog loading and hot-reload.
// It uses atomic pointer swaps so readers never see a partial catalog.
type CatalogManager struct {
	catalog  atomic.Pointer[types.Catalog]
	path     string
	watcher  *fsnotify.Watcher
	onChange []func(*types.Catalog)
	logger   *slog.Logger
}

// NewCatalogManager loads the catalog and prepares it for watching.
func NewCatalogManager(path string, logger *slog.Logger) (*CatalogManager, error) {
	cat, err := LoadCatalog(path)
	if err != nil {
		return nil, err
	}

	m := &CatalogManager{
		path:   path,
		logger: logger,
	}
	m.catalog.Store(cat)

	return m, nil
}

// Get returns the current catalog. Safe for concurrent use.
func (m *CatalogManager) Get() *types.Catalog {
	return m.catalog.Load()
}

// OnChange registers a callback invoked after each successful reload.
func (m *CatalogManager) OnChange(fn func(*types.Catalog)) {
	m.onChange = append(m.onChange, fn)
}

// Watch starts watching the catalog file for changes, debouncing rapid
// writes and swapping the catalog atomically.
func (m *CatalogManager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	m.watcher = watcher

	if err := watcher.Add(m.path); err != nil {
		_ = watcher.Close()
		return err
	}

	go m.watchLoop(ctx)
	return nil
}

func (m *CatalogManager) watchLoop(ctx context.Context) {
	const debounceDelay = 500 * time.Millisecond
	var debounceTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			_ = m.watcher.Close()
			return

		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					m.reload()
				})
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Error("catalog watcher error", "error", err)
		}
	}
}

func (m *CatalogManager) reload() {
	newCat, err := LoadCatalog(m.path)
	if err != nil {
		m.logger.Error("failed to reload catalog, keeping current", "error", err)
		return
	}

	m.catalog.Store(newCat)
	m.logger.Info("model catalog reloaded",
		"providers", len(newCat.Providers),
		"models", len(newCat.Models),
	)

	for _, fn := range m.onChange {
		fn(newCat)
	}
}

// Close stops the catalog watcher.
func (m *CatalogManager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
