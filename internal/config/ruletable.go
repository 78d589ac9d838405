package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fathomhq/fathom/internal/citations"
)

// RuleTableWatcher serves the citation rule table and hot-reloads it when
// the YAML file changes. A reload that fails to parse keeps the last good
// table.
type RuleTableWatcher struct {
	mu       sync.RWMutex
	current  *citations.RuleTable
	onReload func(*citations.RuleTable)
	path     string
	watcher  *fsnotify.Watcher
	logger   *zap.Logger
	done     chan struct{}
}

// NewRuleTableWatcher loads the table from path, or the built-in default
// when path is empty. With a path, changes to the file swap the table in
// place.
func NewRuleTableWatcher(path string, logger *zap.Logger) (*RuleTableWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &RuleTableWatcher{
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
	}

	if path == "" {
		w.current = citations.DefaultRuleTable()
		return w, nil
	}

	table, err := loadRuleTable(path)
	if err != nil {
		return nil, fmt.Errorf("load rule table: %w", err)
	}
	w.current = table

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create rule table watcher: %w", err)
	}
	// Watch the directory: editors and config maps replace the file
	// rather than writing it in place.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch rule table dir: %w", err)
	}
	w.watcher = fw
	go w.watch()
	return w, nil
}

// OnReload registers a callback invoked with each successfully reloaded
// table. One callback; later registrations replace earlier ones.
func (w *RuleTableWatcher) OnReload(fn func(*citations.RuleTable)) {
	w.mu.Lock()
	w.onReload = fn
	w.mu.Unlock()
}

// Current returns the active rule table.
func (w *RuleTableWatcher) Current() *citations.RuleTable {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Close stops the watch loop.
func (w *RuleTableWatcher) Close() error {
	close(w.done)
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

func (w *RuleTableWatcher) watch() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rule table watcher error", zap.Error(err))
		}
	}
}

func (w *RuleTableWatcher) reload() {
	table, err := loadRuleTable(w.path)
	if err != nil {
		w.logger.Warn("rule table reload failed, keeping previous table",
			zap.String("path", w.path),
			zap.Error(err))
		return
	}
	w.mu.Lock()
	w.current = table
	fn := w.onReload
	w.mu.Unlock()
	if fn != nil {
		fn(table)
	}
	w.logger.Info("rule table reloaded", zap.String("path", w.path))
}

func loadRuleTable(path string) (*citations.RuleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return citations.ParseRuleTable(data)
}
