package streams

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/goliatone/go-streamdash/query"
)

// DeleteMutation deletes name. The stream disappears from the list right
// away and comes back if the delete fails. On success its description and
// messages are dropped from the cache.
func DeleteMutation(name string) query.Mutation {
	in := DeleteInput{StreamName: name}
	return query.Mutation{
		Name:    "delete-stream",
		Request: query.Request{Method: http.MethodDelete, Path: PathDelete, Body: in},
		Targets: []query.Key{ListKey()},
		Optimistic: func(_ query.Key, current query.Value) query.Value {
			return withoutStream(current, name)
		},
		Rollback: func(_ query.Key, snapshot, current query.Value) query.Value {
			return restoreStream(snapshot, current, name)
		},
		Evict:      []query.Key{DescriptionKey(name), MessagesKey(name)},
		Invalidate: []query.Key{ListKey()},
		Validate:   in.Validate,
	}
}

func withoutStream(current query.Value, name string) query.Value {
	list, ok := current.Data.(List)
	if !current.Present || !ok || !list.Contains(name) {
		return current
	}
	next := List{Streams: make([]string, 0, len(list.Streams))}
	for _, s := range list.Streams {
		if s != name {
			next.Streams = append(next.Streams, s)
		}
	}
	next.Count = len(next.Streams)
	return query.Some(next)
}

// restoreStream puts name back where it was in snapshot, keeping whatever
// else changed in current meanwhile.
func restoreStream(snapshot, current query.Value, name string) query.Value {
	before, ok := snapshot.Data.(List)
	if !snapshot.Present || !ok || !before.Contains(name) {
		return current
	}
	now, ok := current.Data.(List)
	if !current.Present || !ok {
		return snapshot
	}
	if now.Contains(name) {
		return current
	}

	next := List{Streams: make([]string, 0, len(now.Streams)+1)}
	for _, s := range before.Streams {
		if s == name || now.Contains(s) {
			next.Streams = append(next.Streams, s)
		}
	}
	for _, s := range now.Streams {
		if !before.Contains(s) {
			next.Streams = append(next.Streams, s)
		}
	}
	next.Count = len(next.Streams)
	return query.Some(next)
}

// PublishMutation publishes in to the stream called streamName. The record is
// shown as pending at the top of the messages view until it is read back.
func PublishMutation(streamName string, in PublishInput) query.Mutation {
	if in.PartitionKey == "" {
		in.PartitionKey = uuid.NewString()
	}
	pending := Record{PartitionKey: in.PartitionKey, Data: in.Data, Pending: true}

	return query.Mutation{
		Name:    "publish-message",
		Request: query.Request{Method: http.MethodPost, Path: PathPublish, Body: in},
		Targets: []query.Key{MessagesKey(streamName)},
		Optimistic: func(_ query.Key, current query.Value) query.Value {
			msgs, ok := current.Data.(Messages)
			if !current.Present || !ok {
				return current
			}
			next := Messages{Shards: msgs.Shards, Records: make([]Record, 0, len(msgs.Records)+1)}
			next.Records = append(next.Records, pending)
			next.Records = append(next.Records, msgs.Records...)
			next.Count = len(next.Records)
			return query.Some(next)
		},
		Rollback: func(_ query.Key, snapshot, current query.Value) query.Value {
			if !current.Present {
				return snapshot
			}
			return replacePending(current, pending, nil)
		},
		Confirm: func(_ query.Key, raw json.RawMessage, current query.Value) (query.Value, bool) {
			var res PublishResult
			if err := json.Unmarshal(raw, &res); err != nil || !current.Present {
				return query.None, false
			}
			confirmed := pending
			confirmed.ShardID = res.ShardID
			confirmed.SequenceNumber = res.SequenceNumber
			confirmed.Pending = false
			return replacePending(current, pending, &confirmed), true
		},
		Invalidate: []query.Key{MessagesKey(streamName)},
		Validate:   in.Validate,
	}
}

// replacePending swaps the pending record for with, or drops it when with is nil.
func replacePending(current query.Value, pending Record, with *Record) query.Value {
	msgs, ok := current.Data.(Messages)
	if !ok {
		return current
	}
	next := Messages{Shards: msgs.Shards, Records: make([]Record, 0, len(msgs.Records))}
	for _, r := range msgs.Records {
		if r.Pending && r.PartitionKey == pending.PartitionKey && r.Data == pending.Data {
			if with != nil {
				next.Records = append(next.Records, *with)
			}
			continue
		}
		next.Records = append(next.Records, r)
	}
	next.Count = len(next.Records)
	return query.Some(next)
}
