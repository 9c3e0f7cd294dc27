package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/goliatone/go-streamdash/internal/logging"
	"github.com/goliatone/go-streamdash/query"
)

// Dashboard exposes the stream admin views and actions on top of a query client.
type Dashboard struct {
	client *query.Client
	logger *slog.Logger
}

// NewDashboard creates a dashboard bound to client.
func NewDashboard(client *query.Client) *Dashboard {
	return &Dashboard{client: client, logger: logging.Op().With("component", "streams")}
}

// Client returns the underlying query client.
func (d *Dashboard) Client() *query.Client {
	return d.client
}

// List returns the stream list, from cache when fresh.
func (d *Dashboard) List(ctx context.Context) (List, error) {
	return load[List](ctx, d.client, ListQuery())
}

// Describe returns the metadata of name, from cache when fresh.
func (d *Dashboard) Describe(ctx context.Context, name string) (Description, error) {
	return load[Description](ctx, d.client, DescriptionQuery(name))
}

// Messages returns the latest messages of name, from cache when fresh.
func (d *Dashboard) Messages(ctx context.Context, name string) (Messages, error) {
	return load[Messages](ctx, d.client, MessagesQuery(name))
}

// WatchList observes the stream list until the returned function is called.
func (d *Dashboard) WatchList(fn func(query.Entry)) (stop func()) {
	return d.client.Subscribe(ListQuery(), fn)
}

// WatchStream observes the description and messages of name. Messages are
// polled for as long as the watch is active.
func (d *Dashboard) WatchStream(name string, fn func(query.Entry)) (stop func()) {
	stopDesc := d.client.Subscribe(DescriptionQuery(name), fn)
	stopMsgs := d.client.Subscribe(MessagesQuery(name), fn)
	return func() {
		stopMsgs()
		stopDesc()
	}
}

// Delete deletes name.
func (d *Dashboard) Delete(ctx context.Context, name string) (DeleteResult, error) {
	res, err := d.client.Mutate(ctx, DeleteMutation(name))
	if err != nil {
		return DeleteResult{}, err
	}
	d.logger.Info("stream deleted", "stream", name)
	return decode[DeleteResult](res.Data)
}

// DeleteAll deletes every listed stream concurrently. A failed delete does
// not stop the others; the returned error is a *query.BulkError counting the
// streams that could not be deleted.
func (d *Dashboard) DeleteAll(ctx context.Context) (query.BulkResult, error) {
	list, err := d.List(ctx)
	if err != nil {
		return query.BulkResult{}, err
	}
	return d.DeleteStreams(ctx, list.Streams)
}

// DeleteStreams deletes names concurrently.
func (d *Dashboard) DeleteStreams(ctx context.Context, names []string) (query.BulkResult, error) {
	mutations := make([]query.Mutation, len(names))
	for i, name := range names {
		mutations[i] = DeleteMutation(name)
	}
	res, err := d.client.MutateAll(ctx, mutations)
	if err != nil {
		d.logger.Warn("streams could not be deleted", "failed", res.Failed, "total", res.Total)
		return res, err
	}
	d.logger.Info("all streams deleted", "total", res.Total)
	return res, nil
}

// Publish puts one record on streamName. When in.StreamARN is empty it is
// taken from the stream description.
func (d *Dashboard) Publish(ctx context.Context, streamName string, in PublishInput) (PublishResult, error) {
	if in.StreamARN == "" && streamName != "" {
		desc, err := d.Describe(ctx, streamName)
		if err != nil {
			return PublishResult{}, fmt.Errorf("resolve stream arn: %w", err)
		}
		in.StreamARN = desc.StreamARN
	}
	res, err := d.client.Mutate(ctx, PublishMutation(streamName, in))
	if err != nil {
		return PublishResult{}, err
	}
	return decode[PublishResult](res.Data)
}

func load[T any](ctx context.Context, client *query.Client, q query.Query) (T, error) {
	var zero T
	data, err := client.Load(ctx, q)
	if err != nil {
		return zero, err
	}
	v, ok := data.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected %T for %s", data, q.Key)
	}
	return v, nil
}

func decode[T any](raw json.RawMessage) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}
