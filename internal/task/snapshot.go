package task

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sync/semaphore"
)

// snapshotCache admits one snapshot scope at a time. The scope memoizes the
// queue listing for callers holding its context; everyone else gets a fresh
// listing.
type snapshotCache struct {
	slot *semaphore.Weighted

	mu     sync.Mutex
	active *snapshotScope
}

type snapshotScope struct {
	owner *snapshotCache

	mu     sync.Mutex
	open   bool
	infos  []Info
	cached bool
}

type snapshotKey struct{}

func newSnapshotCache() *snapshotCache {
	return &snapshotCache{slot: semaphore.NewWeighted(1)}
}

// scopeOf returns the open scope ctx belongs to, or nil.
func (c *snapshotCache) scopeOf(ctx context.Context) *snapshotScope {
	scope, ok := ctx.Value(snapshotKey{}).(*snapshotScope)
	if !ok || scope.owner != c {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != scope {
		return nil
	}
	return scope
}

func (c *snapshotCache) open(ctx context.Context) (*snapshotScope, error) {
	if err := c.slot.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	scope := &snapshotScope{owner: c, open: true}
	c.mu.Lock()
	c.active = scope
	c.mu.Unlock()
	return scope, nil
}

func (c *snapshotCache) close(scope *snapshotScope) {
	scope.mu.Lock()
	scope.open = false
	scope.infos = nil
	scope.cached = false
	scope.mu.Unlock()

	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()
	c.slot.Release(1)
}

// load returns the listing memoized by the scope, computing it on first use.
// A closed scope always computes.
func (s *snapshotScope) load(compute func() []Info) []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return compute()
	}
	if !s.cached {
		s.infos = compute()
		s.cached = true
	}
	return slices.Clone(s.infos)
}

// Snapshot runs fn inside a snapshot scope. Every QueueInfo call made with the
// context passed to fn returns the listing computed by the first of them.
// Only one scope is open per manager: concurrent callers wait for the current
// scope to end, or for their ctx to be done. Calling Snapshot again with the
// scope's context joins the open scope. The cache is dropped when the scope
// ends, whatever fn returns or panics with.
func (m *Manager) Snapshot(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.snapshot.scopeOf(ctx) != nil {
		return fn(ctx)
	}
	scope, err := m.snapshot.open(ctx)
	if err != nil {
		return err
	}
	defer m.snapshot.close(scope)
	return fn(context.WithValue(ctx, snapshotKey{}, scope))
}
