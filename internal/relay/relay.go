// Package relay shares query invalidations between dashboard processes over
// Redis Pub/Sub. A mutation settled in one process marks the same keys stale
// in every peer, so their views refetch without waiting for staleness.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/goliatone/go-streamdash/internal/logging"
	"github.com/goliatone/go-streamdash/query"
)

const (
	// DefaultChannel is the Pub/Sub channel invalidations are exchanged on.
	DefaultChannel = "streamdash:query:invalidate"

	publishTimeout = 2 * time.Second
)

// Message is one invalidation on the wire. Segments is the canonical form of
// the invalidated prefix, so peers need not know the key's Go types.
type Message struct {
	Origin   string   `msgpack:"o"`
	Segments []string `msgpack:"s"`
}

// Encode serializes m with msgpack.
func Encode(m Message) ([]byte, error) {
	return msgpack.Marshal(m)
}

// Decode parses a payload produced by Encode.
func Decode(payload []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("decode invalidation: %w", err)
	}
	return m, nil
}

// Option configures a Relay.
type Option func(*Relay)

// WithChannel overrides DefaultChannel.
func WithChannel(channel string) Option {
	return func(r *Relay) { r.channel = channel }
}

// WithOrigin sets the identifier stamped on published messages. Defaults to
// a random UUID per Relay.
func WithOrigin(origin string) Option {
	return func(r *Relay) { r.origin = origin }
}

// WithLogger sets the relay logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) { r.logger = logger }
}

// Relay publishes local invalidations and applies the ones received from
// peers.
type Relay struct {
	redis   redis.UniversalClient
	client  *query.Client
	channel string
	origin  string
	logger  *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
}

// New creates a relay and hooks it into the client's invalidation bus.
// Call Start to begin receiving peer invalidations.
func New(rdb redis.UniversalClient, client *query.Client, opts ...Option) *Relay {
	r := &Relay{
		redis:   rdb,
		client:  client,
		channel: DefaultChannel,
		origin:  uuid.NewString(),
		logger:  logging.Op(),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	client.Bus().OnInvalidate(r.publish)
	return r
}

// Origin returns the identifier stamped on published messages.
func (r *Relay) Origin() string { return r.origin }

// Ready is closed once the Pub/Sub subscription is confirmed.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// Start subscribes to the channel and applies peer invalidations. It blocks
// until the context is cancelled or Close is called.
func (r *Relay) Start(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return nil
	}
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	pubsub := r.redis.Subscribe(subCtx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(subCtx); err != nil {
		if subCtx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Info("invalidation relay subscribed", "channel", r.channel, "origin", r.origin)

	ch := pubsub.Channel()
	for {
		select {
		case <-subCtx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(subCtx, []byte(msg.Payload))
		}
	}
}

// handle applies one payload. It returns the number of matched entries, or
// -1 when the payload is dropped.
func (r *Relay) handle(ctx context.Context, payload []byte) int {
	m, err := Decode(payload)
	if err != nil {
		r.logger.Warn("invalid invalidation payload", "error", err)
		return -1
	}
	if m.Origin == r.origin {
		return -1
	}
	n := r.client.Bus().MarkStaleSegments(ctx, m.Segments)
	r.logger.Debug("peer invalidation applied", "origin", m.Origin, "segments", m.Segments, "matched", n)
	return n
}

func (r *Relay) publish(ctx context.Context, prefix query.Key) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}

	payload, err := Encode(Message{Origin: r.origin, Segments: r.client.Cache().Segments(prefix)})
	if err != nil {
		r.logger.Error("encode invalidation", "prefix", prefix.String(), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := r.redis.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.Warn("publish invalidation failed", "prefix", prefix.String(), "error", err)
	}
}

// Close stops the listener and the publishing of local invalidations.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.cancel != nil {
		r.cancel()
	}
	return nil
}
