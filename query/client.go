package query

import (
	"context"
	"sync/atomic"
)

// Query binds a key to the fetcher that loads it and its freshness options.
type Query struct {
	Key     Key
	Fetch   Fetcher
	Options Options
}

// Client is the surface consumed by views. It owns one cache instance and
// the executor, scheduler, bus and mutation controller that operate on it.
// Create one per process and pass it to whoever needs it.
type Client struct {
	cfg       Config
	cache     *Cache
	executor  *Executor
	scheduler *Scheduler
	bus       *Bus
	mutations *Controller
	closed    atomic.Bool
}

// New creates a client over transport.
func New(transport Transport, cfg Config) (*Client, error) {
	if transport == nil {
		return nil, &ConfigError{Field: "Transport", Message: "cannot be nil"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	cache := NewCache(cfg)
	executor := NewExecutor(cache, transport, cfg)
	scheduler := NewScheduler(cache, executor, cfg)
	bus := NewBus(cache, executor, cfg)
	mutations := NewController(cache, transport, bus, cfg)

	return &Client{
		cfg:       cfg,
		cache:     cache,
		executor:  executor,
		scheduler: scheduler,
		bus:       bus,
		mutations: mutations,
	}, nil
}

// Subscribe registers listener as an observer of q.Key. The entry is created
// if needed, and fetched right away when it is stale. Fetch failures are
// delivered to the listener through Entry.Status and Entry.Err; nothing is
// returned or thrown here.
func (c *Client) Subscribe(q Query, listener Listener) (unsubscribe func()) {
	c.cache.Ensure(q.Key, q.Options, q.Fetch)
	unsubscribe = c.cache.Subscribe(q.Key, listener)

	if c.closed.Load() {
		return unsubscribe
	}
	if snap, ok := c.cache.Get(q.Key); ok && snap.Status != StatusLoading && snap.IsStale(c.cfg.Clock.Now()) {
		c.executor.Refresh(context.Background(), q.Key)
	}
	return unsubscribe
}

// Snapshot returns the current state of key.
func (c *Client) Snapshot(key Key) (Entry, bool) {
	return c.cache.Get(key)
}

// Fresh is a strict read: it fails with *StaleDataError unless the entry is fresh.
func (c *Client) Fresh(key Key) (Entry, error) {
	snap, ok := c.cache.Get(key)
	if !ok {
		return Entry{}, &StaleDataError{Key: key}
	}
	if snap.IsStale(c.cfg.Clock.Now()) {
		return snap, &StaleDataError{Key: key, UpdatedAt: snap.UpdatedAt}
	}
	return snap, nil
}

// Fetch explicitly fetches a registered key, even without observers.
func (c *Client) Fetch(ctx context.Context, key Key) *Future {
	if c.closed.Load() {
		return resolvedFuture(nil, ErrClosed)
	}
	return c.executor.Fetch(ctx, key)
}

// Prefetch registers q and fetches it explicitly.
func (c *Client) Prefetch(ctx context.Context, q Query) *Future {
	c.cache.Ensure(q.Key, q.Options, q.Fetch)
	return c.Fetch(ctx, q.Key)
}

// Load returns the cached data for q when it is fresh, and fetches it otherwise.
func (c *Client) Load(ctx context.Context, q Query) (any, error) {
	c.cache.Ensure(q.Key, q.Options, q.Fetch)
	if snap, err := c.Fresh(q.Key); err == nil && snap.HasData {
		return snap.Data, nil
	}
	return c.Fetch(ctx, q.Key).Wait(ctx)
}

// Mutate runs one mutation. See Controller.Mutate.
func (c *Client) Mutate(ctx context.Context, m Mutation) (Result, error) {
	if c.closed.Load() {
		return Result{Name: m.Name, Status: MutationFailed}, ErrClosed
	}
	return c.mutations.Mutate(ctx, m)
}

// MutateAll runs mutations concurrently. See Controller.MutateAll.
func (c *Client) MutateAll(ctx context.Context, mutations []Mutation) (BulkResult, error) {
	if c.closed.Load() {
		return BulkResult{Total: len(mutations)}, ErrClosed
	}
	return c.mutations.MutateAll(ctx, mutations)
}

// Invalidate marks key, or every key it prefixes, stale.
func (c *Client) Invalidate(ctx context.Context, prefix Key) int {
	return c.bus.MarkStale(ctx, prefix)
}

// Cache exposes the underlying cache.
func (c *Client) Cache() *Cache { return c.cache }

// Bus exposes the invalidation bus, e.g. to attach a relay.
func (c *Client) Bus() *Bus { return c.bus }

// Scheduler exposes the polling scheduler.
func (c *Client) Scheduler() *Scheduler { return c.scheduler }

// Close stops background polling and rejects further fetches and mutations.
// In-flight work runs to completion.
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.scheduler.Stop()
	c.executor.Close()
}
