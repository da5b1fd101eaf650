// Package refresh serializes concurrent recomputations of the same entity.
// Every refresh takes a generation number and a version stamp when it starts.
// Only the most recently started refresh may publish its result; earlier ones
// that finish late are discarded. Values computed by another replica can be
// adopted when their version is newer than the local one.
package refresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/poolsight/internal/domain"
)

// Guard holds the latest applied value of one entity.
type Guard[T any] struct {
	mu      sync.Mutex
	gen     uint64
	started int64 // version of the newest started refresh
	applied uint64
	version int64 // version of the current value
	value   T
	has     bool

	emitMu sync.Mutex
}

// Begin starts a refresh and returns its generation.
func (g *Guard[T]) Begin() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gen++
	v := time.Now().UnixMicro()
	if v <= g.started {
		v = g.started + 1
	}
	g.started = v
	return g.gen
}

// Commit applies v if gen is still the newest started refresh and no newer
// value has been adopted since it started. Otherwise it returns
// domain.ErrStaleRefresh and leaves the current value untouched.
func (g *Guard[T]) Commit(gen uint64, v T) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if gen != g.gen {
		return fmt.Errorf("%w: generation %d superseded by %d", domain.ErrStaleRefresh, gen, g.gen)
	}
	if g.has && g.started < g.version {
		return fmt.Errorf("%w: generation %d older than adopted version %d", domain.ErrStaleRefresh, gen, g.version)
	}
	g.value = v
	g.has = true
	g.applied = gen
	g.version = g.started
	return nil
}

// Run begins a refresh, computes with fn and commits the result.
func (g *Guard[T]) Run(ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	gen := g.Begin()
	v, err := fn(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	if err := g.Commit(gen, v); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

// Adopt applies a value computed elsewhere if version is newer than the
// current one. Local refreshes that started before version can no longer
// commit.
func (g *Guard[T]) Adopt(v T, version int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.has && version <= g.version {
		return false
	}
	g.value = v
	g.has = true
	g.version = version
	g.applied = 0
	return true
}

// Publish runs fn with the value's version while gen is still the applied
// generation. Calls are serialized per guard, so the side effects of an older
// value never land after those of a newer one.
func (g *Guard[T]) Publish(gen uint64, fn func(version int64)) bool {
	g.emitMu.Lock()
	defer g.emitMu.Unlock()

	g.mu.Lock()
	current := gen != 0 && gen == g.applied
	version := g.version
	g.mu.Unlock()
	if !current {
		return false
	}
	fn(version)
	return true
}

// Load returns the last applied value and whether one exists.
func (g *Guard[T]) Load() (T, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value, g.has
}

// Version is the version of the current value, zero when there is none.
func (g *Guard[T]) Version() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.version
}

// Reset drops the applied value and invalidates every in-flight refresh.
func (g *Guard[T]) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gen++
	var zero T
	g.value = zero
	g.has = false
	g.applied = 0
	g.version = 0
}

type entry[T any] struct {
	guard *Guard[T]
	used  time.Time
	seq   uint64
}

// Group keeps one Guard per key. Pinned keys are kept for the life of the
// group; the rest are evicted least recently used first once the group holds
// more than its limit, or by Prune when idle.
type Group[T any] struct {
	mu     sync.Mutex
	guards map[string]*entry[T]
	pinned map[string]bool
	limit  int
	seq    uint64
	now    func() time.Time
}

// SetLimit bounds the number of unpinned keys. Zero means unbounded.
func (g *Group[T]) SetLimit(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limit = n
	g.evictOverLimit("")
}

// Pin marks keys as permanent.
func (g *Group[T]) Pin(keys ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pinned == nil {
		g.pinned = make(map[string]bool, len(keys))
	}
	for _, k := range keys {
		g.pinned[k] = true
	}
}

// Pinned reports whether key is permanent.
func (g *Group[T]) Pinned(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pinned[key]
}

// Get returns the guard for key, creating it on first use, and marks the key
// as used.
func (g *Group[T]) Get(key string) *Guard[T] {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.guards == nil {
		g.guards = make(map[string]*entry[T])
	}
	g.seq++
	e, ok := g.guards[key]
	if !ok {
		e = &entry[T]{guard: &Guard[T]{}}
		g.guards[key] = e
	}
	e.used = g.clock()
	e.seq = g.seq
	if !ok {
		g.evictOverLimit(key)
	}
	return e.guard
}

// Lookup returns the guard for key without marking it as used.
func (g *Group[T]) Lookup(key string) (*Guard[T], bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.guards[key]
	if !ok {
		return nil, false
	}
	return e.guard, true
}

// Keys lists keys with an applied value.
func (g *Group[T]) Keys() []string {
	return g.keys(func(string) bool { return true })
}

// Unpinned lists keys with an applied value that are not pinned.
func (g *Group[T]) Unpinned() []string {
	return g.keys(func(k string) bool { return !g.pinned[k] })
}

func (g *Group[T]) keys(keep func(string) bool) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.guards))
	for k, e := range g.guards {
		if !keep(k) {
			continue
		}
		if _, ok := e.guard.Load(); ok {
			out = append(out, k)
		}
	}
	return out
}

// Len is the number of keys held, pinned or not.
func (g *Group[T]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.guards)
}

// Prune evicts unpinned keys that have not been used for idle and returns
// them. A non-positive idle evicts nothing.
func (g *Group[T]) Prune(idle time.Duration) []string {
	if idle <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.clock().Add(-idle)
	var evicted []string
	for k, e := range g.guards {
		if g.pinned[k] || !e.used.Before(cutoff) {
			continue
		}
		delete(g.guards, k)
		evicted = append(evicted, k)
	}
	return evicted
}

// ResetAll resets every guard. Used when the network changes.
func (g *Group[T]) ResetAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.guards {
		e.guard.Reset()
	}
}

// evictOverLimit drops the least recently used unpinned keys, never keep,
// until the unpinned count is within the limit. Callers hold g.mu.
func (g *Group[T]) evictOverLimit(keep string) {
	if g.limit <= 0 {
		return
	}
	for {
		var (
			victim   string
			oldest   uint64
			unpinned int
		)
		for k, e := range g.guards {
			if g.pinned[k] {
				continue
			}
			unpinned++
			if k == keep {
				continue
			}
			if victim == "" || e.seq < oldest {
				victim, oldest = k, e.seq
			}
		}
		if unpinned <= g.limit || victim == "" {
			return
		}
		delete(g.guards, victim)
	}
}

func (g *Group[T]) clock() time.Time {
	if g.now != nil {
		return g.now()
	}
	return time.Now()
}
