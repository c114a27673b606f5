package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ninakahr/greenlight/internal/observability"
	"github.com/ninakahr/greenlight/internal/watch"
)

// ErrNoDefinitions is returned by LoadDir when the directory holds no
// valid workflow files. Callers decide whether an empty set is fatal.
var ErrNoDefinitions = errors.New("no workflow definitions")

// Registry holds the currently loaded workflow definitions, keyed by
// name. Snapshots are immutable: a reload builds a fresh map and swaps
// it in, so readers never see a half-applied reload.
type Registry struct {
	dir    string
	logger *zap.Logger

	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty registry over a workflows directory.
func NewRegistry(dir string, logger *zap.Logger) *Registry {
	return &Registry{
		dir:    dir,
		logger: logger,
		defs:   map[string]*Definition{},
	}
}

// LoadDir reads every *.yaml / *.yml file in the registry directory.
// Startup is strict: an unparsable or invalid file, a duplicate workflow
// name, or an empty result is an error.
func (r *Registry) LoadDir() error {
	defs, err := r.loadAll(true)
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		return fmt.Errorf("%w in %s", ErrNoDefinitions, r.dir)
	}
	r.swap(defs)
	r.logger.Info("workflows loaded",
		zap.Int("count", len(defs)),
		zap.String("dir", r.dir))
	return nil
}

// Reload re-reads the directory leniently: files that fail to parse or
// validate are logged and skipped, and the surviving set replaces the
// snapshot. Used by the directory watcher. Returns the loaded count.
func (r *Registry) Reload() (int, error) {
	defs, err := r.loadAll(false)
	if err != nil {
		return 0, err
	}
	if len(defs) == 0 {
		r.logger.Warn("reload found no valid workflows; keeping previous set",
			zap.String("dir", r.dir))
		return 0, nil
	}
	r.swap(defs)
	observability.WorkflowReloadsTotal.Inc()
	r.logger.Info("workflows reloaded", zap.Int("count", len(defs)))
	return len(defs), nil
}

func (r *Registry) loadAll(strict bool) (map[string]*Definition, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("reading workflows dir: %w", err)
	}

	defs := make(map[string]*Definition)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		p := filepath.Join(r.dir, entry.Name())

		def, err := ParseFile(p)
		if err == nil {
			err = def.Validate()
		}
		if err != nil {
			if strict {
				return nil, err
			}
			r.logger.Warn("skipping invalid workflow file",
				zap.String("file", p), zap.Error(err))
			continue
		}
		if prev, ok := defs[def.Name]; ok {
			dupErr := fmt.Errorf("duplicate workflow name %q in %s and %s", def.Name, prev.Path, p)
			if strict {
				return nil, dupErr
			}
			r.logger.Warn("skipping duplicate workflow", zap.Error(dupErr))
			continue
		}
		defs[def.Name] = def
	}
	return defs, nil
}

func (r *Registry) swap(defs map[string]*Definition) {
	r.mu.Lock()
	r.defs = defs
	r.mu.Unlock()
}

// All returns the registered definitions sorted by name.
func (r *Registry) All() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get looks a definition up by name.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// MatchPush returns the definitions triggered by a push to branch,
// sorted by name.
func (r *Registry) MatchPush(branch string) []*Definition {
	all := r.All()
	out := make([]*Definition, 0, len(all))
	for _, def := range all {
		if def.Matches(branch) {
			out = append(out, def)
		}
	}
	return out
}

// Watch reloads the registry whenever workflow files change, invoking
// onReload with the new count after each successful swap. Blocks until
// ctx is cancelled.
func (r *Registry) Watch(ctx context.Context, debounce time.Duration, onReload func(count int)) error {
	isWorkflow := func(p string) bool {
		ext := filepath.Ext(p)
		return ext == ".yaml" || ext == ".yml"
	}
	return watch.Dir(ctx, r.logger, r.dir, debounce, isWorkflow, func() {
		n, err := r.Reload()
		if err != nil {
			r.logger.Warn("workflow reload failed", zap.Error(err))
			return
		}
		if n > 0 && onReload != nil {
			onReload(n)
		}
	})
}
