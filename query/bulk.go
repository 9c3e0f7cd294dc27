package query

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// BulkResult reports the outcome of MutateAll. Results and Errors are indexed
// like the input mutations; Errors[i] is nil for mutations that succeeded.
type BulkResult struct {
	Total     int
	Succeeded int
	Failed    int
	Results   []Result
	Errors    []error
}

// OK reports whether every mutation succeeded.
func (r BulkResult) OK() bool {
	return r.Failed == 0
}

// MutateAll runs every mutation concurrently, each through the full
// single-mutation lifecycle, and waits for all of them to settle. A failure
// never cancels its siblings. When any mutation failed the returned error is
// a *BulkError carrying the individual failures.
func (c *Controller) MutateAll(ctx context.Context, mutations []Mutation) (BulkResult, error) {
	res := BulkResult{
		Total:   len(mutations),
		Results: make([]Result, len(mutations)),
		Errors:  make([]error, len(mutations)),
	}

	ctx, span := c.tracer.Start(ctx, "query.bulk",
		trace.WithAttributes(attribute.Int("mutation.count", len(mutations))),
	)
	defer span.End()

	// a plain Group, not WithContext: one failure must not cancel the rest
	var g errgroup.Group
	if c.bulkLimit > 0 {
		g.SetLimit(c.bulkLimit)
	}
	for i, m := range mutations {
		g.Go(func() error {
			res.Results[i], res.Errors[i] = c.Mutate(ctx, m)
			return nil
		})
	}
	_ = g.Wait()

	var failures []error
	for _, err := range res.Errors {
		if err != nil {
			failures = append(failures, err)
		}
	}
	res.Failed = len(failures)
	res.Succeeded = res.Total - res.Failed
	span.SetAttributes(attribute.Int("mutation.failed", res.Failed))

	if res.Failed > 0 {
		span.SetStatus(codes.Error, "some mutations failed")
		c.logger.Warn("bulk mutation finished with failures", "total", res.Total, "failed", res.Failed)
		return res, &BulkError{Total: res.Total, Failed: res.Failed, Errs: failures}
	}
	return res, nil
}
