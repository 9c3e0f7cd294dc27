package query_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/goliatone/go-streamdash/pkg/testsupport"
	"github.com/goliatone/go-streamdash/query"
)

type invalidations struct {
	mu   sync.Mutex
	keys []string
}

func (i *invalidations) hook(_ context.Context, prefix query.Key) {
	i.mu.Lock()
	i.keys = append(i.keys, prefix.String())
	i.mu.Unlock()
}

func (i *invalidations) count(key query.Key) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	n := 0
	for _, k := range i.keys {
		if k == key.String() {
			n++
		}
	}
	return n
}

func deleteRequest(name string) query.Request {
	return query.Request{Method: http.MethodDelete, Path: "/stream", Body: map[string]string{"streamName": name}}
}

func removeFromList(name string) func(query.Key, query.Value) query.Value {
	return func(_ query.Key, current query.Value) query.Value {
		prev, ok := current.Data.(listResponse)
		if !current.Present || !ok {
			return current
		}
		next := listResponse{}
		for _, s := range prev.Streams {
			if s != name {
				next.Streams = append(next.Streams, s)
			}
		}
		next.Count = len(next.Streams)
		return query.Some(next)
	}
}

// restoreInList re-adds only name, so concurrent deletes that succeeded stay removed.
func restoreInList(name string) func(query.Key, query.Value, query.Value) query.Value {
	return func(_ query.Key, snapshot, current query.Value) query.Value {
		prev, ok := snapshot.Data.(listResponse)
		if !snapshot.Present || !ok || !slices.Contains(prev.Streams, name) {
			return current
		}
		cur, ok := current.Data.(listResponse)
		if !current.Present || !ok {
			return snapshot
		}
		if slices.Contains(cur.Streams, name) {
			return current
		}
		next := listResponse{Streams: append(slices.Clone(cur.Streams), name)}
		next.Count = len(next.Streams)
		return query.Some(next)
	}
}

func deleteMutation(name string) query.Mutation {
	return query.Mutation{
		Name:       "delete-stream",
		Request:    deleteRequest(name),
		Targets:    []query.Key{query.K("streams")},
		Optimistic: removeFromList(name),
		Evict:      []query.Key{query.K("stream", name)},
		Invalidate: []query.Key{query.K("streams")},
	}
}

func seedList(t *testing.T, client *query.Client, transport *testsupport.Transport, streams ...string) {
	t.Helper()
	transport.Respond(http.MethodGet, "/list", listResponse{Streams: streams, Count: len(streams)})
	ctx := context.Background()
	if _, err := client.Prefetch(ctx, listQuery(query.Options{})).Wait(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestMutate_RollsBackOnFailure(t *testing.T) {
	transport := testsupport.NewTransport()
	client := newClient(t, transport)
	seedList(t, client, transport, "a", "b", "c")

	var hooks invalidations
	client.Bus().OnInvalidate(hooks.hook)

	gate := testsupport.NewGate()
	transport.Handle(http.MethodDelete, "/stream", gate.Wrap(func(context.Context, query.Request) (json.RawMessage, error) {
		return nil, &query.TransportError{StatusCode: http.StatusInternalServerError, Message: "boom"}
	}))

	type outcome struct {
		res query.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := client.Mutate(context.Background(), deleteMutation("b"))
		done <- outcome{res, err}
	}()

	<-gate.Entered()
	pending, _ := client.Snapshot(query.K("streams"))
	if diff := cmp.Diff([]string{"a", "c"}, listData(t, pending)); diff != "" {
		t.Errorf("optimistic value not visible while pending (-want +got):\n%s", diff)
	}
	if !pending.Provisional {
		t.Error("pending value should be provisional")
	}
	gate.Open()

	out := <-done
	var mutErr *query.MutationError
	if !errors.As(out.err, &mutErr) {
		t.Fatalf("expected MutationError, got %v", out.err)
	}
	var te *query.TransportError
	if !errors.As(out.err, &te) || te.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected wrapped TransportError, got %v", out.err)
	}
	if out.res.Status != query.MutationFailed {
		t.Errorf("Status = %v", out.res.Status)
	}

	snap, _ := client.Snapshot(query.K("streams"))
	if diff := cmp.Diff([]string{"a", "b", "c"}, listData(t, snap)); diff != "" {
		t.Errorf("rollback mismatch (-want +got):\n%s", diff)
	}
	if snap.Provisional {
		t.Error("rolled back value must not be provisional")
	}
	if n := hooks.count(query.K("streams")); n != 1 {
		t.Errorf("settlement must invalidate once, got %d", n)
	}
}

func TestMutate_RollbackRestoresAbsentValue(t *testing.T) {
	transport := testsupport.NewTransport()
	transport.Fail(http.MethodPost, "/stream/message", http.StatusBadRequest)
	client := newClient(t, transport)

	key := query.K("stream-messages", "orders")
	_, err := client.Mutate(context.Background(), query.Mutation{
		Name:    "publish",
		Request: query.Request{Method: http.MethodPost, Path: "/stream/message"},
		Targets: []query.Key{key},
		Optimistic: func(query.Key, query.Value) query.Value {
			return query.Some("pending")
		},
	})
	if err == nil {
		t.Fatal("expected failure")
	}

	snap, ok := client.Snapshot(key)
	if ok && snap.HasData {
		t.Fatalf("absent value must be restored, got %+v", snap)
	}
}

func TestMutate_SettlesOnBothOutcomes(t *testing.T) {
	for _, tc := range []struct {
		name   string
		status int
	}{
		{name: "success", status: http.StatusOK},
		{name: "failure", status: http.StatusBadGateway},
	} {
		t.Run(tc.name, func(t *testing.T) {
			transport := testsupport.NewTransport()
			if tc.status == http.StatusOK {
				transport.Respond(http.MethodDelete, "/stream", map[string]string{"status": "deleted"})
			} else {
				transport.Fail(http.MethodDelete, "/stream", tc.status)
			}
			client := newClient(t, transport)
			var hooks invalidations
			client.Bus().OnInvalidate(hooks.hook)

			m := query.Mutation{
				Name:       "delete-stream",
				Request:    deleteRequest("a"),
				Invalidate: []query.Key{query.K("streams"), query.K("stream", "a")},
			}
			_, err := client.Mutate(context.Background(), m)
			if (err != nil) != (tc.status != http.StatusOK) {
				t.Fatalf("unexpected error %v", err)
			}

			for _, key := range m.Invalidate {
				if n := hooks.count(key); n != 1 {
					t.Errorf("%s invalidated %d times, want 1", key, n)
				}
			}
		})
	}
}

func TestMutate_SettlesAfterCallerCancels(t *testing.T) {
	transport := testsupport.NewTransport()
	entered := make(chan struct{})
	transport.Handle(http.MethodDelete, "/stream", func(ctx context.Context, _ query.Request) (json.RawMessage, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	client := newClient(t, transport)
	var hooks invalidations
	client.Bus().OnInvalidate(hooks.hook)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-entered
		cancel()
	}()

	_, err := client.Mutate(ctx, deleteMutation("a"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if n := hooks.count(query.K("streams")); n != 1 {
		t.Fatalf("settlement skipped after cancellation, got %d", n)
	}
}

func TestMutate_ValidationFailsBeforeTransport(t *testing.T) {
	transport := testsupport.NewTransport()
	client := newClient(t, transport)
	seedList(t, client, transport, "a")
	var hooks invalidations
	client.Bus().OnInvalidate(hooks.hook)

	tests := []struct {
		name  string
		m     query.Mutation
		field string
	}{
		{
			name:  "missing method",
			m:     query.Mutation{Request: query.Request{Path: "/stream"}, Invalidate: []query.Key{query.K("streams")}},
			field: "Request.Method",
		},
		{
			name:  "unsupported method",
			m:     query.Mutation{Request: query.Request{Method: "TRACE", Path: "/stream"}},
			field: "Request.Method",
		},
		{
			name:  "targets without optimistic",
			m:     query.Mutation{Request: deleteRequest("a"), Targets: []query.Key{query.K("streams")}},
			field: "Optimistic",
		},
		{
			name: "custom validation",
			m: query.Mutation{
				Request:  deleteRequest(""),
				Validate: func() error { return &query.ValidationError{Field: "streamName", Message: "is required"} },
			},
			field: "streamName",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Mutate(context.Background(), tt.m)
			var ve *query.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Field != tt.field {
				t.Errorf("Field = %q, want %q", ve.Field, tt.field)
			}
		})
	}

	if n := transport.Calls(http.MethodDelete, "/stream"); n != 0 {
		t.Errorf("transport called %d times", n)
	}
	if n := hooks.count(query.K("streams")); n != 0 {
		t.Errorf("invalid mutation settled %d times", n)
	}
	snap, _ := client.Snapshot(query.K("streams"))
	if snap.Provisional {
		t.Error("invalid mutation wrote an optimistic value")
	}
}

func TestMutate_ConfirmAndEvict(t *testing.T) {
	transport := testsupport.NewTransport()
	transport.Respond(http.MethodPost, "/stream/message", map[string]string{"sequenceNumber": "42"})
	transport.Respond(http.MethodGet, "/stream/describe", map[string]string{"streamName": "orders"})
	client := newClient(t, transport)
	ctx := context.Background()

	describe := query.Query{
		Key:   query.K("stream", "orders"),
		Fetch: query.FetchJSON[map[string]string](query.Request{Method: http.MethodGet, Path: "/stream/describe"}),
	}
	if _, err := client.Prefetch(ctx, describe).Wait(ctx); err != nil {
		t.Fatal(err)
	}

	key := query.K("last-publish", "orders")
	res, err := client.Mutate(ctx, query.Mutation{
		Name:       "publish",
		Request:    query.Request{Method: http.MethodPost, Path: "/stream/message"},
		Targets:    []query.Key{key},
		Optimistic: func(query.Key, query.Value) query.Value { return query.Some("pending") },
		Confirm: func(_ query.Key, raw json.RawMessage, _ query.Value) (query.Value, bool) {
			var out map[string]string
			if err := json.Unmarshal(raw, &out); err != nil {
				return query.None, false
			}
			return query.Some(out["sequenceNumber"]), true
		},
		Evict: []query.Key{describe.Key},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != query.MutationSuccess || res.ID == "" {
		t.Errorf("unexpected result %+v", res)
	}

	snap, _ := client.Snapshot(key)
	if snap.Data != "42" || snap.Status != query.StatusSuccess || snap.Provisional {
		t.Errorf("confirmed value not applied: %+v", snap)
	}
	if _, ok := client.Snapshot(describe.Key); ok {
		t.Error("evicted entry still cached")
	}
}

func TestMutateAll_PartialFailure(t *testing.T) {
	names := []string{"a", "b", "c", "d", "e"}
	transport := testsupport.NewTransport()
	client := newClient(t, transport)
	seedList(t, client, transport, names...)

	transport.Handle(http.MethodDelete, "/stream", func(_ context.Context, req query.Request) (json.RawMessage, error) {
		if req.Body.(map[string]string)["streamName"] == "c" {
			return nil, &query.TransportError{StatusCode: http.StatusInternalServerError, Message: "boom"}
		}
		return json.RawMessage(`{"status":"deleted"}`), nil
	})

	var hooks invalidations
	client.Bus().OnInvalidate(hooks.hook)

	mutations := make([]query.Mutation, len(names))
	for i, name := range names {
		mutations[i] = deleteMutation(name)
		mutations[i].Rollback = restoreInList(name)
	}

	res, err := client.MutateAll(context.Background(), mutations)

	var bulkErr *query.BulkError
	if !errors.As(err, &bulkErr) {
		t.Fatalf("expected BulkError, got %v", err)
	}
	if bulkErr.Failed != 1 || bulkErr.Total != 5 {
		t.Errorf("BulkError = %+v", bulkErr)
	}
	var te *query.TransportError
	if !errors.As(err, &te) {
		t.Error("individual failures should be reachable through errors.As")
	}
	if res.Succeeded != 4 || res.Failed != 1 || res.OK() {
		t.Errorf("unexpected counts %+v", res)
	}
	for i, e := range res.Errors {
		if (e != nil) != (names[i] == "c") {
			t.Errorf("Errors[%d] = %v", i, e)
		}
	}
	if n := transport.Calls(http.MethodDelete, "/stream"); n != 5 {
		t.Errorf("a failure must not short circuit, calls = %d", n)
	}
	if n := hooks.count(query.K("streams")); n != 5 {
		t.Errorf("every mutation settles, got %d", n)
	}

	snap, _ := client.Snapshot(query.K("streams"))
	got := listData(t, snap)
	if !slices.Contains(got, "c") {
		t.Errorf("failed delete must be rolled back: %v", got)
	}
	for _, name := range []string{"a", "b", "d", "e"} {
		if slices.Contains(got, name) {
			t.Errorf("%s still listed: %v", name, got)
		}
	}
}

func TestMutateAll_RespectsConcurrencyLimit(t *testing.T) {
	transport := testsupport.NewTransport()
	var mu sync.Mutex
	inFlight, peak := 0, 0
	release := make(chan struct{})
	transport.Handle(http.MethodDelete, "/stream", func(context.Context, query.Request) (json.RawMessage, error) {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil, nil
	})
	client := newClient(t, transport, func(c *query.Config) { c.BulkConcurrency = 2 })

	mutations := make([]query.Mutation, 6)
	for i := range mutations {
		mutations[i] = query.Mutation{Name: "delete-stream", Request: deleteRequest("s")}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := client.MutateAll(context.Background(), mutations); err != nil {
			t.Error(err)
		}
	}()

	waitFor(t, "saturation", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return inFlight == 2
	})
	close(release)
	<-done

	if peak > 2 {
		t.Fatalf("peak concurrency %d exceeds limit", peak)
	}
}
