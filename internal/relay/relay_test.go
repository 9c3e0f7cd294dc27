package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-streamdash/internal/logging"
	"github.com/goliatone/go-streamdash/pkg/testsupport"
	"github.com/goliatone/go-streamdash/query"
)

// newTestRedisClient creates a Redis client for testing.
// Tests that require a running Redis instance are skipped automatically.
func newTestRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available, skipping: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newQueryClient(t *testing.T, transport query.Transport) *query.Client {
	t.Helper()
	cfg := query.DefaultConfig()
	cfg.Logger = logging.Discard()
	client, err := query.New(transport, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestCodec(t *testing.T) {
	in := Message{Origin: "peer-1", Segments: []string{"stream", "orders"}}

	payload, err := Encode(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(payload)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("message mismatch (-want +got):\n%s", diff)
	}

	if _, err := Decode([]byte{0xc1}); err == nil {
		t.Error("expected error for invalid payload")
	}
}

func TestRelay_HandleAppliesPeerInvalidations(t *testing.T) {
	transport := testsupport.NewTransport()
	transport.Respond(http.MethodGet, "/stream/describe", map[string]string{"streamName": "orders"})
	client := newQueryClient(t, transport)
	ctx := context.Background()

	q := query.Query{
		Key:     query.K("stream", "orders"),
		Fetch:   query.FetchJSON[map[string]string](query.Request{Method: http.MethodGet, Path: "/stream/describe"}),
		Options: query.Options{StaleTime: time.Hour},
	}
	if _, err := client.Prefetch(ctx, q).Wait(ctx); err != nil {
		t.Fatal(err)
	}

	// an unconnected client is enough: handle never touches Redis
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	t.Cleanup(func() { rdb.Close() })
	r := New(rdb, client, WithOrigin("self"), WithLogger(logging.Discard()))

	own, _ := Encode(Message{Origin: "self", Segments: []string{"stream"}})
	if n := r.handle(ctx, own); n != -1 {
		t.Errorf("own messages must be ignored, got %d", n)
	}
	if snap, _ := client.Snapshot(q.Key); snap.Invalidated {
		t.Fatal("own message invalidated the entry")
	}

	peer, _ := Encode(Message{Origin: "peer", Segments: client.Cache().Segments(query.K("stream"))})
	if n := r.handle(ctx, peer); n != 1 {
		t.Errorf("expected 1 matched entry, got %d", n)
	}
	if snap, _ := client.Snapshot(q.Key); !snap.Invalidated {
		t.Error("peer message should invalidate the entry")
	}

	if n := r.handle(ctx, []byte{0xc1}); n != -1 {
		t.Errorf("invalid payloads must be dropped, got %d", n)
	}
}

func TestRelay_PropagatesBetweenPeers(t *testing.T) {
	rdb := newTestRedisClient(t)
	channel := "streamdash:test:" + t.Name()

	var peerCalls atomic.Int32
	peerTransport := testsupport.NewTransport()
	peerTransport.Handle(http.MethodGet, "/list", func(context.Context, query.Request) (json.RawMessage, error) {
		peerCalls.Add(1)
		return json.RawMessage(`{"streams":[],"count":0}`), nil
	})

	local := newQueryClient(t, testsupport.NewTransport())
	peer := newQueryClient(t, peerTransport)

	localRelay := New(rdb, local, WithChannel(channel), WithLogger(logging.Discard()))
	peerRelay := New(rdb, peer, WithChannel(channel), WithLogger(logging.Discard()))
	t.Cleanup(func() {
		localRelay.Close()
		peerRelay.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go peerRelay.Start(ctx)
	select {
	case <-peerRelay.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("peer relay did not subscribe")
	}

	list := query.Query{
		Key:     query.K("streams"),
		Fetch:   query.FetchJSON[map[string]any](query.Request{Method: http.MethodGet, Path: "/list"}),
		Options: query.Options{StaleTime: time.Hour},
	}
	unsubscribe := peer.Subscribe(list, func(query.Entry) {})
	defer unsubscribe()

	deadline := time.Now().Add(2 * time.Second)
	for peerCalls.Load() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("peer never loaded the list")
		}
		time.Sleep(2 * time.Millisecond)
	}

	local.Invalidate(ctx, query.K("streams"))

	deadline = time.Now().Add(2 * time.Second)
	for peerCalls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("peer did not refetch after remote invalidation")
		}
		time.Sleep(2 * time.Millisecond)
	}
}
