package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"github.com/ninakahr/greenlight/internal/models"
)

const (
	runKeyPrefix = "greenlight:run:"
	recentKey    = "greenlight:recent"
)

// MemcachedStore implements RunStore using memcached. Runs are stored as
// JSON values; a single JSON index under recentKey serves Recent.
type MemcachedStore struct {
	client  *memcache.Client
	ttl     time.Duration
	maxRuns int

	// mu serializes the recent-index read-modify-write. The service is
	// the only writer, but the lock keeps the store safe on its own.
	mu sync.Mutex
}

// NewMemcachedStore creates a MemcachedStore and verifies the servers
// are reachable; an unreachable memcached fails startup rather than
// losing every run silently. addrs is comma-separated
// (e.g. "localhost:11211" or "host1:11211,host2:11211"); timeout and
// maxIdleConns use client defaults when zero.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int, ttl time.Duration, maxRuns int) (*MemcachedStore, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("memcached unreachable at %q: %w", addrs, err)
	}
	if maxRuns <= 0 {
		maxRuns = DefaultMaxRuns
	}
	return &MemcachedStore{client: client, ttl: ttl, maxRuns: maxRuns}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

func runKey(id string) string {
	return runKeyPrefix + id
}

// Put implements RunStore.Put and refreshes the recent index.
func (s *MemcachedStore) Put(ctx context.Context, run *models.Run) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if run == nil || run.ID == "" {
		return fmt.Errorf("run has no ID")
	}
	raw, err := json.Marshal(run)
	if err != nil {
		return err
	}
	if err := s.client.Set(&memcache.Item{
		Key:        runKey(run.ID),
		Value:      raw,
		Expiration: s.expiration(),
	}); err != nil {
		return err
	}
	return s.updateRecent(run.Summary())
}

// Get implements RunStore.Get. A memcached miss maps to ErrRunNotFound.
func (s *MemcachedStore) Get(ctx context.Context, id string) (*models.Run, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	item, err := s.client.Get(runKey(id))
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	var run models.Run
	if err := json.Unmarshal(item.Value, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Recent implements RunStore.Recent. The index is best-effort: memcached
// evicting it only empties the listing, runs remain reachable by ID.
func (s *MemcachedStore) Recent(ctx context.Context, n int) ([]models.RunSummary, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if n <= 0 {
		n = s.maxRuns
	}
	index, err := s.readIndex()
	if err != nil {
		return nil, err
	}
	if len(index) > n {
		index = index[:n]
	}
	return index, nil
}

// Ping checks if memcached is reachable. Used for health checks.
func (s *MemcachedStore) Ping() error {
	return s.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}

// updateRecent prepends the summary to the index, dropping any previous
// entry for the same run and trimming to the retention bound.
func (s *MemcachedStore) updateRecent(sum models.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex()
	if err != nil {
		return err
	}
	next := make([]models.RunSummary, 0, len(index)+1)
	next = append(next, sum)
	for _, existing := range index {
		if existing.ID != sum.ID {
			next = append(next, existing)
		}
	}
	if len(next) > s.maxRuns {
		next = next[:s.maxRuns]
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return s.client.Set(&memcache.Item{
		Key:        recentKey,
		Value:      raw,
		Expiration: s.expiration(),
	})
}

func (s *MemcachedStore) readIndex() ([]models.RunSummary, error) {
	item, err := s.client.Get(recentKey)
	if err != nil {
		if err == memcache.ErrCacheMiss {
			return nil, nil
		}
		return nil, err
	}
	var index []models.RunSummary
	if err := json.Unmarshal(item.Value, &index); err != nil {
		return nil, err
	}
	return index, nil
}

// expiration converts the retention TTL to a memcached relative expiry,
// falling back to a day when the TTL is unset or past the protocol's
// 30-day relative limit.
func (s *MemcachedStore) expiration() int32 {
	expSec := int32(s.ttl.Seconds())
	const maxRelativeExp = 30 * 24 * 60 * 60 // 30 days
	if expSec <= 0 || expSec > maxRelativeExp {
		expSec = 24 * 60 * 60
	}
	return expSec
}
