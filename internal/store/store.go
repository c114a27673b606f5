package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ninakahr/greenlight/internal/models"
)

// ErrRunNotFound is returned by Get when no run exists under the ID.
var ErrRunNotFound = errors.New("run not found")

// DefaultMaxRuns bounds how many runs the in-memory backend retains.
const DefaultMaxRuns = 100

// RunStore defines the interface for run persistence backends.
// Put stores or replaces a run, Get returns it by ID, Recent lists the
// newest runs first.
type RunStore interface {
	Put(ctx context.Context, run *models.Run) error
	Get(ctx context.Context, id string) (*models.Run, error)
	Recent(ctx context.Context, n int) ([]models.RunSummary, error)
	Close() error
}

// InMemoryStore implements RunStore using an in-memory map with TTL-based
// expiration and a bounded insertion-order ring. Safe for concurrent use:
// the engine writes run updates while API handlers read.
type InMemoryStore struct {
	mu      sync.RWMutex
	maxRuns int
	ttl     time.Duration
	runs    map[string]memEntry
	order   []string // run IDs, oldest first
}

// memEntry stores one run with its expiration timestamp.
type memEntry struct {
	run       *models.Run
	expiresAt time.Time
}

// NewInMemoryStore creates an in-memory run store. maxRuns bounds
// retention (DefaultMaxRuns when zero or negative); ttl of zero keeps
// runs until the ring evicts them.
func NewInMemoryStore(maxRuns int, ttl time.Duration) *InMemoryStore {
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	return &InMemoryStore{
		maxRuns: maxRuns,
		ttl:     ttl,
		runs:    make(map[string]memEntry),
	}
}

// Put stores or replaces the run. The store keeps its own copy, so the
// caller may keep mutating the run it passed in.
func (s *InMemoryStore) Put(ctx context.Context, run *models.Run) error {
	if run == nil || run.ID == "" {
		return errors.New("run has no ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.runs[run.ID]
	entry := memEntry{run: cloneRun(run)}
	if s.ttl > 0 {
		entry.expiresAt = time.Now().Add(s.ttl)
	}
	s.runs[run.ID] = entry
	if !existed {
		s.order = append(s.order, run.ID)
		for len(s.order) > s.maxRuns {
			delete(s.runs, s.order[0])
			s.order = s.order[1:]
		}
	}
	return nil
}

// Get retrieves the run by ID. Returns ErrRunNotFound on miss or
// expiration; expired entries are removed on access.
func (s *InMemoryStore) Get(ctx context.Context, id string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(s.runs, id)
		return nil, ErrRunNotFound
	}
	return cloneRun(entry.run), nil
}

// Recent returns summaries of the newest runs, most recent first.
func (s *InMemoryStore) Recent(ctx context.Context, n int) ([]models.RunSummary, error) {
	if n <= 0 {
		n = DefaultMaxRuns
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	out := make([]models.RunSummary, 0, n)
	for i := len(s.order) - 1; i >= 0 && len(out) < n; i-- {
		entry, ok := s.runs[s.order[i]]
		if !ok {
			continue
		}
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			continue
		}
		out = append(out, entry.run.Summary())
	}
	return out, nil
}

// Close implements RunStore. The in-memory backend holds no resources.
func (s *InMemoryStore) Close() error { return nil }

// cloneRun keeps the store's copy and the caller's run from sharing
// mutable slices.
func cloneRun(r *models.Run) *models.Run {
	return r.Clone()
}
