// Package transportcache decorates a query.Transport with a short-lived
// sturdyc cache of GET responses.
//
// It sits under the query cache and shields rate-limited backends (Kinesis
// DescribeStream allows 10 calls per second per account) from several
// clients or commands in one process asking for the same view. Writes pass
// through and, when they succeed, drop every cached response.
package transportcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/viccon/sturdyc"

	"github.com/goliatone/go-streamdash/internal/logging"
	"github.com/goliatone/go-streamdash/query"
)

var _ query.Transport = (*Transport)(nil)

// Transport caches GET responses of the wrapped transport.
type Transport struct {
	next   query.Transport
	client *sturdyc.Client[json.RawMessage]
	logger *slog.Logger

	// keys tracks cached request keys by path for targeted invalidation.
	keys *xsync.MapOf[string, string]
}

// New wraps next with a response cache.
func New(next query.Transport, cfg Config) (*Transport, error) {
	if next == nil {
		return nil, &query.ConfigError{Field: "Transport", Message: "cannot be nil"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client := sturdyc.New[json.RawMessage](
		cfg.Capacity,
		cfg.NumShards,
		cfg.TTL,
		cfg.EvictionPercentage,
		cfg.ToSturdycOptions()...,
	)

	return &Transport{
		next:   next,
		client: client,
		logger: logging.Op(),
		keys:   xsync.NewMapOf[string, string](),
	}, nil
}

// Call implements query.Transport.
func (t *Transport) Call(ctx context.Context, req query.Request) (json.RawMessage, error) {
	if req.Method != http.MethodGet {
		raw, err := t.next.Call(ctx, req)
		if err == nil {
			t.InvalidateAll()
		}
		return raw, err
	}

	key := req.String()
	t.keys.Store(key, req.Path)
	return t.client.GetOrFetch(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		return t.next.Call(ctx, req)
	})
}

// InvalidatePath drops every cached response whose path starts with prefix.
func (t *Transport) InvalidatePath(prefix string) int {
	var dropped []string
	t.keys.Range(func(key, path string) bool {
		if strings.HasPrefix(path, prefix) {
			dropped = append(dropped, key)
		}
		return true
	})
	for _, key := range dropped {
		t.keys.Delete(key)
		t.client.Delete(key)
	}
	return len(dropped)
}

// InvalidateAll drops every cached response.
func (t *Transport) InvalidateAll() {
	n := t.InvalidatePath("")
	if n > 0 {
		t.logger.Debug("transport cache cleared", "responses", n)
	}
}

// Len returns the number of cached responses.
func (t *Transport) Len() int {
	return t.client.Size()
}

// Hook returns a function suited for query.Bus.OnMark. Any invalidation,
// local or remote, clears the response cache before the refetch runs.
func (t *Transport) Hook() func(prefix []string) {
	return func([]string) { t.InvalidateAll() }
}
