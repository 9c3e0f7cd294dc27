package testsupport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"

	"github.com/goliatone/go-streamdash/query"
)

// Handler answers one scripted route.
type Handler func(ctx context.Context, req query.Request) (json.RawMessage, error)

// Transport is a scripted query.Transport. Routes are matched on method and
// path; unmatched calls fail with a 404 TransportError. Every call is recorded.
type Transport struct {
	mu       sync.Mutex
	routes   map[string]Handler
	requests []query.Request
	counts   map[string]int
}

// NewTransport creates an empty scripted transport.
func NewTransport() *Transport {
	return &Transport{
		routes: make(map[string]Handler),
		counts: make(map[string]int),
	}
}

func route(method, path string) string {
	return method + " " + path
}

// Handle installs h for method and path, replacing any previous handler.
func (t *Transport) Handle(method, path string, h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[route(method, path)] = h
}

// Respond answers method and path with body encoded as JSON.
func (t *Transport) Respond(method, path string, body any) {
	raw, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	t.Handle(method, path, func(context.Context, query.Request) (json.RawMessage, error) {
		return raw, nil
	})
}

// RespondFixture answers method and path with the content of a fixture file.
func (t *Transport) RespondFixture(tb testing.TB, method, path, fixture string) {
	tb.Helper()
	raw := LoadFixture(tb, fixture)
	t.Handle(method, path, func(context.Context, query.Request) (json.RawMessage, error) {
		return raw, nil
	})
}

// Fail answers method and path with a TransportError carrying status.
func (t *Transport) Fail(method, path string, status int) {
	t.Handle(method, path, func(context.Context, query.Request) (json.RawMessage, error) {
		return nil, &query.TransportError{StatusCode: status, Message: http.StatusText(status)}
	})
}

// Call implements query.Transport.
func (t *Transport) Call(ctx context.Context, req query.Request) (json.RawMessage, error) {
	t.mu.Lock()
	key := route(req.Method, req.Path)
	t.requests = append(t.requests, req)
	t.counts[key]++
	h, ok := t.routes[key]
	t.mu.Unlock()

	if !ok {
		return nil, &query.TransportError{StatusCode: http.StatusNotFound, Message: "no route for " + key}
	}
	return h(ctx, req)
}

// Calls returns how many times method and path were called.
func (t *Transport) Calls(method, path string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[route(method, path)]
}

// Requests returns a copy of every recorded request, in call order.
func (t *Transport) Requests() []query.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]query.Request(nil), t.requests...)
}

// Gate holds calls until it is released, so tests can observe in-flight state.
type Gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// NewGate creates a closed gate.
func NewGate() *Gate {
	return &Gate{
		entered: make(chan struct{}, 64),
		release: make(chan struct{}),
	}
}

// Wrap returns a handler that blocks until the gate opens, then delegates to h.
func (g *Gate) Wrap(h Handler) Handler {
	return func(ctx context.Context, req query.Request) (json.RawMessage, error) {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		select {
		case <-g.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return h(ctx, req)
	}
}

// Entered is signalled each time a call reaches the gate.
func (g *Gate) Entered() <-chan struct{} {
	return g.entered
}

// Open releases every held and future call.
func (g *Gate) Open() {
	g.once.Do(func() { close(g.release) })
}

// JSON returns a handler that answers with body encoded as JSON.
func JSON(body any) Handler {
	raw, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	return func(context.Context, query.Request) (json.RawMessage, error) {
		return raw, nil
	}
}
