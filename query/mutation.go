package query

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MutationStatus is the lifecycle state of one mutation call:
// pending, then success or error, then settled.
type MutationStatus int

const (
	MutationIdle MutationStatus = iota
	MutationPending
	MutationSuccess
	MutationFailed
	MutationSettled
)

func (s MutationStatus) String() string {
	switch s {
	case MutationIdle:
		return "idle"
	case MutationPending:
		return "pending"
	case MutationSuccess:
		return "success"
	case MutationFailed:
		return "error"
	case MutationSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// Mutation describes one write against the remote source of truth together
// with its local cache effects.
type Mutation struct {
	// Name labels the mutation in logs and metrics.
	Name string

	// Request is the Transport call that performs the write.
	Request Request

	// Targets are the keys that receive an optimistic value.
	Targets []Key

	// Optimistic computes the provisional value for a target from its current
	// value. It runs under the cache lock and must be pure.
	Optimistic func(key Key, current Value) Value

	// Rollback computes the value restored after a failed write. It is pure in
	// (snapshot, current). When nil the snapshot is restored as is.
	Rollback func(key Key, snapshot, current Value) Value

	// Confirm optionally replaces a target with canonical data from the write
	// response. Returning false leaves the optimistic value in place. It runs
	// under the cache lock, so like Optimistic it must not call back into it.
	Confirm func(key Key, result json.RawMessage, current Value) (Value, bool)

	// Evict lists keys removed from the cache once the write succeeded.
	Evict []Key

	// Invalidate lists keys or prefixes marked stale at settlement, whatever the outcome.
	Invalidate []Key

	// Validate checks the payload before anything else happens.
	Validate func() error
}

func (m Mutation) validate() error {
	err := validation.ValidateStruct(&m,
		validation.Field(&m.Request),
		validation.Field(&m.Targets, validation.Each(validation.Required)),
		validation.Field(&m.Evict, validation.Each(validation.Required)),
	)
	if err != nil {
		return NewValidationError(err)
	}
	if len(m.Targets) > 0 && m.Optimistic == nil {
		return &ValidationError{Field: "Optimistic", Message: "is required when targets are set"}
	}
	if m.Validate != nil {
		if err := m.Validate(); err != nil {
			return NewValidationError(err)
		}
	}
	return nil
}

// Record is the ephemeral bookkeeping of one mutation call.
type Record struct {
	ID      string
	Name    string
	Targets []Key
	Status  MutationStatus

	snapshot []Value
}

// Result is the outcome of a mutation.
type Result struct {
	ID     string
	Name   string
	Status MutationStatus
	Data   json.RawMessage
}

// Controller runs mutations through the optimistic lifecycle.
type Controller struct {
	cache     *Cache
	transport Transport
	bus       *Bus
	recorder  Recorder
	logger    *slog.Logger
	tracer    trace.Tracer
	newID     func() string
	bulkLimit int
}

// NewController creates a mutation controller.
func NewController(cache *Cache, transport Transport, bus *Bus, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	return &Controller{
		cache:     cache,
		transport: transport,
		bus:       bus,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger,
		tracer:    tracer(),
		newID:     cfg.NewID,
		bulkLimit: cfg.BulkConcurrency,
	}
}

// Mutate applies the optimistic values, performs the write and settles. On
// failure the targets are rolled back before Mutate returns, so the caller
// always observes pre-mutation state together with the error. Settlement
// invalidation runs exactly once per declared key on both branches.
//
// A malformed descriptor fails with *ValidationError before any cache write
// or Transport call, and is not settled.
func (c *Controller) Mutate(ctx context.Context, m Mutation) (Result, error) {
	if err := m.validate(); err != nil {
		return Result{Name: m.Name, Status: MutationFailed}, err
	}

	rec := &Record{
		ID:       c.newID(),
		Name:     m.Name,
		Targets:  m.Targets,
		Status:   MutationPending,
		snapshot: make([]Value, len(m.Targets)),
	}
	logger := c.logger.With("mutation", rec.Name, "id", rec.ID)

	ctx, span := c.tracer.Start(ctx, "query.mutate",
		trace.WithAttributes(
			attribute.String("mutation.name", rec.Name),
			attribute.String("mutation.id", rec.ID),
			attribute.Int("mutation.targets", len(m.Targets)),
		),
	)
	defer span.End()

	start := time.Now()

	for i, key := range m.Targets {
		rec.snapshot[i] = c.cache.swapOptimistic(key, func(current Value) Value {
			return m.Optimistic(key, current)
		}, true)
	}

	raw, err := c.transport.Call(ctx, m.Request)

	if err == nil {
		rec.Status = MutationSuccess
		c.confirm(m, raw)
		span.SetStatus(codes.Ok, "")
		logger.Debug("mutation succeeded")
	} else {
		rec.Status = MutationFailed
		c.rollback(m, rec)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("mutation failed, rolled back", "error", err)
	}

	outcome := rec.Status
	c.settle(ctx, m)
	rec.Status = MutationSettled
	rec.snapshot = nil

	c.recorder.MutationSettled(rec.Name, outcome, time.Since(start))

	res := Result{ID: rec.ID, Name: rec.Name, Status: outcome, Data: raw}
	if outcome == MutationFailed {
		return res, &MutationError{ID: rec.ID, Name: rec.Name, Err: err}
	}
	return res, nil
}

func (c *Controller) confirm(m Mutation, raw json.RawMessage) {
	if m.Confirm != nil {
		for _, key := range m.Targets {
			c.cache.swapConfirmed(key, func(current Value) (Value, bool) {
				return m.Confirm(key, raw, current)
			})
		}
	}
	for _, key := range m.Evict {
		c.cache.Remove(key)
	}
}

func (c *Controller) rollback(m Mutation, rec *Record) {
	for i, key := range m.Targets {
		snapshot := rec.snapshot[i]
		c.cache.swapOptimistic(key, func(current Value) Value {
			if m.Rollback != nil {
				return m.Rollback(key, snapshot, current)
			}
			return snapshot
		}, false)
	}
}

// settle runs detached from ctx: a write that reached the server must be
// reconciled even if the caller has gone away.
func (c *Controller) settle(ctx context.Context, m Mutation) {
	settleCtx := context.WithoutCancel(ctx)
	for _, key := range m.Invalidate {
		c.bus.MarkStale(settleCtx, key)
	}
}
