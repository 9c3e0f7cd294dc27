package streams_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-streamdash/internal/logging"
	"github.com/goliatone/go-streamdash/pkg/testsupport"
	"github.com/goliatone/go-streamdash/query"
	"github.com/goliatone/go-streamdash/streams"
)

const arnPrefix = "arn:aws:kinesis:eu-central-1:000000000000:stream/"

// fakeBackend serves the stream routes from memory.
type fakeBackend struct {
	mu         sync.Mutex
	streams    []string
	records    map[string][]streams.Record
	failDelete map[string]bool
	seq        int
}

func newFakeBackend(names ...string) (*fakeBackend, *testsupport.Transport) {
	b := &fakeBackend{
		streams:    append([]string(nil), names...),
		records:    make(map[string][]streams.Record),
		failDelete: make(map[string]bool),
	}
	t := testsupport.NewTransport()
	t.Handle(http.MethodGet, streams.PathList, b.list)
	t.Handle(http.MethodGet, streams.PathDescribe, b.describe)
	t.Handle(http.MethodGet, streams.PathMessages, b.messages)
	t.Handle(http.MethodPost, streams.PathPublish, b.publish)
	t.Handle(http.MethodDelete, streams.PathDelete, b.delete)
	return b, t
}

func (b *fakeBackend) has(name string) bool {
	for _, s := range b.streams {
		if s == name {
			return true
		}
	}
	return false
}

func (b *fakeBackend) list(context.Context, query.Request) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return json.Marshal(streams.List{Streams: append([]string(nil), b.streams...), Count: len(b.streams)})
}

func (b *fakeBackend) describe(_ context.Context, req query.Request) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	name := req.Query.Get("streamName")
	if !b.has(name) {
		return nil, &query.TransportError{StatusCode: http.StatusNotFound, Message: "stream not found"}
	}
	return json.Marshal(streams.Description{
		StreamName:     name,
		StreamARN:      arnPrefix + name,
		Status:         "ACTIVE",
		RetentionHours: 24,
		ShardCount:     1,
	})
}

func (b *fakeBackend) messages(_ context.Context, req query.Request) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	name := req.Query.Get("streamName")
	limit, _ := strconv.Atoi(req.Query.Get("limit"))
	recs := b.records[name]
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return json.Marshal(streams.Messages{Records: append([]streams.Record{}, recs...), Count: len(recs), Shards: 1})
}

func (b *fakeBackend) publish(_ context.Context, req query.Request) (json.RawMessage, error) {
	in := req.Body.(streams.PublishInput)
	name := strings.TrimPrefix(in.StreamARN, arnPrefix)

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.has(name) {
		return nil, &query.TransportError{StatusCode: http.StatusNotFound, Message: "stream not found"}
	}
	b.seq++
	now := time.Now().UTC()
	rec := streams.Record{
		ShardID:                     "shardId-000000000000",
		PartitionKey:                in.PartitionKey,
		SequenceNumber:              strconv.Itoa(b.seq),
		ApproximateArrivalTimestamp: &now,
		Data:                        in.Data,
	}
	b.records[name] = append(b.records[name], rec)
	return json.Marshal(streams.PublishResult{ShardID: rec.ShardID, SequenceNumber: rec.SequenceNumber, PartitionKey: rec.PartitionKey})
}

func (b *fakeBackend) delete(_ context.Context, req query.Request) (json.RawMessage, error) {
	in := req.Body.(streams.DeleteInput)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failDelete[in.StreamName] {
		return nil, &query.TransportError{StatusCode: http.StatusInternalServerError, Message: "delete failed"}
	}
	kept := b.streams[:0]
	for _, s := range b.streams {
		if s != in.StreamName {
			kept = append(kept, s)
		}
	}
	b.streams = kept
	return json.Marshal(streams.DeleteResult{Status: "deleted", Stream: in.StreamName})
}

func newDashboard(t *testing.T, transport query.Transport) *streams.Dashboard {
	t.Helper()
	cfg := query.DefaultConfig()
	cfg.Logger = logging.Discard()
	client, err := query.New(transport, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)
	return streams.NewDashboard(client)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// settled reports whether key holds confirmed, fresh server data.
func settled(client *query.Client, key query.Key) bool {
	snap, ok := client.Snapshot(key)
	return ok && snap.Status == query.StatusSuccess && !snap.Invalidated && !snap.Provisional
}
