package query

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// Future is the pending result of a fetch. Every caller that joined the same
// in-flight fetch receives the same outcome.
type Future struct {
	done chan struct{}
	data any
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func resolvedFuture(data any, err error) *Future {
	f := newFuture()
	f.resolve(data, err)
	return f
}

func (f *Future) resolve(data any, err error) {
	f.data = data
	f.err = err
	close(f.done)
}

// Done is closed once the fetch settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the fetch settles or ctx is done. Cancelling ctx only
// stops waiting; the fetch itself keeps running for the other callers.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Executor fetches query data through the Transport. Concurrent fetches for
// the same key share one in-flight call.
type Executor struct {
	cache     *Cache
	transport Transport
	group     singleflight.Group
	timeout   time.Duration
	recorder  Recorder
	logger    *slog.Logger
	tracer    trace.Tracer
	closed    atomic.Bool
}

// NewExecutor creates an executor bound to cache and transport.
func NewExecutor(cache *Cache, transport Transport, cfg Config) *Executor {
	cfg = cfg.withDefaults()
	x := &Executor{
		cache:     cache,
		transport: transport,
		timeout:   cfg.FetchTimeout,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger,
		tracer:    tracer(),
	}
	cache.superseded = x.forget
	return x
}

// Fetch loads key regardless of its observer count. If a fetch for key is
// already in flight the returned Future joins it instead of issuing a second
// Transport call.
func (x *Executor) Fetch(ctx context.Context, key Key) *Future {
	if x.closed.Load() {
		return resolvedFuture(nil, ErrClosed)
	}
	fetcher, opts, _, ok := x.cache.fetchSpec(key)
	if !ok {
		return resolvedFuture(nil, &missingFetcherError{key: key})
	}
	return x.start(ctx, key, fetcher, opts)
}

// Refresh is the gated variant used for background work: it returns nil
// without fetching when key has no observers or no fetcher.
func (x *Executor) Refresh(ctx context.Context, key Key) *Future {
	if x.closed.Load() {
		return nil
	}
	fetcher, opts, observers, ok := x.cache.fetchSpec(key)
	if !ok || observers == 0 {
		return nil
	}
	return x.start(ctx, key, fetcher, opts)
}

func (x *Executor) start(ctx context.Context, key Key, fetcher Fetcher, opts Options) *Future {
	id := x.cache.id(key)
	scope := key.Scope()
	// detached: a fetch is shared, so one caller giving up must not abort it
	fetchCtx := context.WithoutCancel(ctx)

	ch := x.group.DoChan(id, func() (any, error) {
		return x.run(fetchCtx, key, fetcher, opts)
	})

	f := newFuture()
	go func() {
		res := <-ch
		if res.Shared {
			x.recorder.FetchShared(scope)
		}
		f.resolve(res.Val, res.Err)
	}()
	return f
}

func (x *Executor) run(ctx context.Context, key Key, fetcher Fetcher, opts Options) (any, error) {
	token, ok := x.cache.beginFetch(key)
	if !ok {
		return nil, &missingFetcherError{key: key}
	}

	scope := key.Scope()
	ctx, span := x.tracer.Start(ctx, "query.fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("query.key", key.String()),
			attribute.String("query.scope", scope),
		),
	)
	defer span.End()

	if x.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, x.timeout)
		defer cancel()
	}

	x.recorder.FetchStarted(scope)
	start := time.Now()

	var (
		data any
		err  error
	)
	for attempt := 0; attempt <= opts.Retry; attempt++ {
		if attempt > 0 && !sleepCtx(ctx, opts.RetryDelay) {
			err = ctx.Err()
			break
		}
		data, err = fetcher(ctx, x.transport)
		if err == nil {
			break
		}
		x.logger.Debug("query fetch attempt failed", "key", key.String(), "attempt", attempt+1, "error", err)
	}

	elapsed := time.Since(start)
	x.recorder.FetchCompleted(scope, elapsed, err)

	if !x.cache.finishFetch(key, token, data, err) {
		x.recorder.FetchDiscarded(scope)
		span.SetAttributes(attribute.Bool("query.discarded", true))
		x.logger.Debug("query fetch result discarded", "key", key.String())
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		x.logger.Warn("query fetch failed", "key", key.String(), "duration", elapsed, "error", err)
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return data, nil
}

// forget drops the in-flight registration for a superseded fetch so the next
// Fetch starts a fresh Transport call instead of joining the abandoned one.
func (x *Executor) forget(id string) {
	x.group.Forget(id)
}

// Close makes further fetches fail with ErrClosed. In-flight fetches finish.
func (x *Executor) Close() {
	x.closed.Store(true)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

type missingFetcherError struct {
	key Key
}

func (e *missingFetcherError) Error() string {
	return ErrNoFetcher.Error() + ": " + e.key.String()
}

func (e *missingFetcherError) Unwrap() error { return ErrNoFetcher }
