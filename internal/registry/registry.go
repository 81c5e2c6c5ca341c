// Package registry enumerates the source nodes the syncer polls. A node is a
// subdirectory of the registry directory whose name matches a configured
// prefix or exact name and which contains the marker file.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/mirageops/mirage/internal/config"
)

// Registry scans the node directory on demand. With watching enabled it
// caches the inventory and invalidates on filesystem change instead of
// rescanning every cycle.
type Registry struct {
	cfg config.NodesConfig
	log *zap.Logger

	watcher *fsnotify.Watcher

	mu     sync.Mutex
	cached []string
	valid  bool
}

// New creates a registry for the configured node directory. When watching is
// enabled, Close must be called to release the watcher.
func New(cfg config.NodesConfig, logger *zap.Logger) (*Registry, error) {
	r := &Registry{
		cfg: cfg,
		log: logger.Named("registry"),
	}
	if !cfg.Watch {
		return r, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create registry watcher: %w", err)
	}
	if err := watcher.Add(cfg.Dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch node directory %s: %w", cfg.Dir, err)
	}
	r.watcher = watcher
	go r.watch()
	return r, nil
}

func (r *Registry) watch() {
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			r.log.Debug("Node directory changed, invalidating inventory",
				zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
			r.invalidate()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.log.Warn("Registry watcher error", zap.Error(err))
			r.invalidate()
		}
	}
}

func (r *Registry) invalidate() {
	r.mu.Lock()
	r.valid = false
	r.mu.Unlock()
}

// matches reports whether a directory name selects as a node.
func (r *Registry) matches(name string) bool {
	for _, exact := range r.cfg.Exact {
		if name == exact {
			return true
		}
	}
	for _, prefix := range r.cfg.Prefixes {
		if prefix != "" && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func (r *Registry) scan() ([]string, error) {
	entries, err := os.ReadDir(r.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read node directory %s: %w", r.cfg.Dir, err)
	}

	var nodes []string
	for _, entry := range entries {
		if !entry.IsDir() || !r.matches(entry.Name()) {
			continue
		}
		if r.cfg.MarkerFile != "" {
			marker := filepath.Join(r.cfg.Dir, entry.Name(), r.cfg.MarkerFile)
			if _, err := os.Stat(marker); err != nil {
				continue
			}
		}
		nodes = append(nodes, entry.Name())
	}
	sort.Strings(nodes)
	return nodes, nil
}

// Nodes returns the current node inventory in sorted order.
func (r *Registry) Nodes() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.watcher != nil && r.valid {
		return append([]string(nil), r.cached...), nil
	}

	nodes, err := r.scan()
	if err != nil {
		return nil, err
	}
	if r.watcher != nil {
		r.cached = nodes
		r.valid = true
	}
	return nodes, nil
}

// Dir returns the registry directory nodes live under.
func (r *Registry) Dir() string {
	return r.cfg.Dir
}

// Close stops the directory watcher if one is running.
func (r *Registry) Close() error {
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Close()
}
