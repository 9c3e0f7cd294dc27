package query

import (
	"context"
	"log/slog"
	"sync"
)

// InvalidationHook observes every local invalidation, after the cache has
// been marked. The Redis relay uses it to broadcast invalidations to peers.
type InvalidationHook func(ctx context.Context, prefix Key)

// Bus marks cached keys stale and refreshes the ones somebody is looking at.
type Bus struct {
	cache    *Cache
	executor *Executor
	recorder Recorder
	logger   *slog.Logger

	mu    sync.RWMutex
	hooks []InvalidationHook
	marks []func(prefix []string)
}

// NewBus creates an invalidation bus.
func NewBus(cache *Cache, executor *Executor, cfg Config) *Bus {
	cfg = cfg.withDefaults()
	return &Bus{
		cache:    cache,
		executor: executor,
		recorder: cfg.Recorder,
		logger:   cfg.Logger,
	}
}

// OnInvalidate registers a hook called for every MarkStale.
func (b *Bus) OnInvalidate(hook InvalidationHook) {
	b.mu.Lock()
	b.hooks = append(b.hooks, hook)
	b.mu.Unlock()
}

// OnMark registers fn to run for every invalidation, local or received from
// a peer, after entries are marked and before any of them is refetched.
// Response caches sitting under the Transport hook in here so the refetch
// does not read their stale copy.
func (b *Bus) OnMark(fn func(prefix []string)) {
	b.mu.Lock()
	b.marks = append(b.marks, fn)
	b.mu.Unlock()
}

// MarkStale flags every entry equal to or prefixed by prefix. Matched entries
// with observers are refetched right away; the rest are refetched lazily on
// their next subscription. It returns the number of matched entries.
func (b *Bus) MarkStale(ctx context.Context, prefix Key) int {
	n := b.markStale(ctx, b.cache.segments(prefix))

	b.mu.RLock()
	hooks := append([]InvalidationHook(nil), b.hooks...)
	b.mu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, prefix)
	}

	b.logger.Debug("query keys invalidated", "prefix", prefix.String(), "matched", n)
	return n
}

// MarkStaleSegments is MarkStale for an already serialized prefix. OnMark
// functions run but InvalidationHooks do not, so invalidations received from
// peers are not echoed back.
func (b *Bus) MarkStaleSegments(ctx context.Context, prefix []string) int {
	return b.markStale(ctx, prefix)
}

func (b *Bus) markStale(ctx context.Context, prefix []string) int {
	matched := b.cache.markStaleSegments(prefix)

	b.mu.RLock()
	marks := append([]func(prefix []string){}, b.marks...)
	b.mu.RUnlock()
	for _, fn := range marks {
		fn(prefix)
	}

	for _, snap := range matched {
		if snap.Observers > 0 {
			b.executor.Refresh(ctx, snap.Key)
		}
	}
	b.recorder.Invalidated(len(matched))
	return len(matched)
}
