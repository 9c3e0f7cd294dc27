package query_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/goliatone/go-streamdash/pkg/testsupport"
	"github.com/goliatone/go-streamdash/query"
)

func TestScheduler_PollsOnlyWhileObserved(t *testing.T) {
	transport := testsupport.NewTransport()
	transport.Respond(http.MethodGet, "/list", listResponse{})
	client := newClient(t, transport)

	q := listQuery(query.Options{StaleTime: time.Hour, RefetchInterval: 10 * time.Millisecond})

	unsubscribe := client.Subscribe(q, func(query.Entry) {})
	if got := client.Scheduler().Active(); got != 1 {
		t.Fatalf("expected one armed poller, got %d", got)
	}

	waitFor(t, "polling", func() bool {
		return transport.Calls(http.MethodGet, "/list") >= 4
	})

	unsubscribe()
	if got := client.Scheduler().Active(); got != 0 {
		t.Fatalf("poller must stop with the last observer, got %d", got)
	}

	// let a tick that raced the unsubscribe drain
	time.Sleep(20 * time.Millisecond)
	before := transport.Calls(http.MethodGet, "/list")
	time.Sleep(60 * time.Millisecond)
	if after := transport.Calls(http.MethodGet, "/list"); after != before {
		t.Fatalf("unobserved key polled: %d calls became %d", before, after)
	}

	// re-arms on the next observer
	unsubscribe = client.Subscribe(q, func(query.Entry) {})
	defer unsubscribe()
	waitFor(t, "polling resumed", func() bool {
		return transport.Calls(http.MethodGet, "/list") >= before+2
	})
}

func TestScheduler_SharedObserversKeepOnePoller(t *testing.T) {
	transport := testsupport.NewTransport()
	transport.Respond(http.MethodGet, "/list", listResponse{})
	client := newClient(t, transport)

	q := listQuery(query.Options{StaleTime: time.Hour, RefetchInterval: time.Hour})
	first := client.Subscribe(q, func(query.Entry) {})
	second := client.Subscribe(q, func(query.Entry) {})

	if got := client.Scheduler().Active(); got != 1 {
		t.Fatalf("expected one poller per key, got %d", got)
	}

	first()
	if got := client.Scheduler().Active(); got != 1 {
		t.Fatalf("poller must survive while observed, got %d", got)
	}
	second()
	if got := client.Scheduler().Active(); got != 0 {
		t.Fatalf("expected no pollers, got %d", got)
	}
}

func TestScheduler_PrefetchDoesNotPoll(t *testing.T) {
	transport := testsupport.NewTransport()
	transport.Respond(http.MethodGet, "/list", listResponse{})
	client := newClient(t, transport)
	ctx := context.Background()

	q := listQuery(query.Options{RefetchInterval: 5 * time.Millisecond})
	if _, err := client.Prefetch(ctx, q).Wait(ctx); err != nil {
		t.Fatal(err)
	}

	time.Sleep(40 * time.Millisecond)
	if got := client.Scheduler().Active(); got != 0 {
		t.Fatalf("unobserved key armed a poller")
	}
	if n := transport.Calls(http.MethodGet, "/list"); n != 1 {
		t.Fatalf("expected only the explicit fetch, got %d calls", n)
	}
}

func TestScheduler_PollFailureKeepsData(t *testing.T) {
	transport := testsupport.NewTransport()
	transport.Respond(http.MethodGet, "/list", listResponse{Streams: []string{"a"}, Count: 1})
	client := newClient(t, transport)

	q := listQuery(query.Options{StaleTime: time.Hour, RefetchInterval: 5 * time.Millisecond})
	unsubscribe := client.Subscribe(q, func(query.Entry) {})
	defer unsubscribe()

	waitFor(t, "first fetch", func() bool {
		snap, _ := client.Snapshot(q.Key)
		return snap.Status == query.StatusSuccess
	})

	transport.Fail(http.MethodGet, "/list", http.StatusBadGateway)
	waitFor(t, "failed poll", func() bool {
		snap, _ := client.Snapshot(q.Key)
		return snap.Status == query.StatusError
	})

	snap, _ := client.Snapshot(q.Key)
	if got := listData(t, snap); len(got) != 1 || got[0] != "a" {
		t.Fatalf("previous data lost: %v", got)
	}
}
