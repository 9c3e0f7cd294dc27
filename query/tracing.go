package query

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/goliatone/go-streamdash/query"

// tracer resolves through the global provider, so spans are exported once
// the application installs an SDK provider and are no-ops otherwise.
func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
