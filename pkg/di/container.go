package di

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/goliatone/go-streamdash/internal/config"
	"github.com/goliatone/go-streamdash/internal/httptransport"
	"github.com/goliatone/go-streamdash/internal/kinesis"
	"github.com/goliatone/go-streamdash/internal/logging"
	"github.com/goliatone/go-streamdash/internal/metrics"
	"github.com/goliatone/go-streamdash/internal/relay"
	"github.com/goliatone/go-streamdash/internal/transportcache"
	"github.com/goliatone/go-streamdash/query"
	"github.com/goliatone/go-streamdash/streams"
)

// Container wires the dashboard client from configuration.
// It owns every component it builds and releases them on Close.
type Container struct {
	config *config.Config
	logger *slog.Logger

	transport     query.Transport
	responseCache *transportcache.Transport
	recorder      *metrics.Recorder
	client        *query.Client
	dashboard     *streams.Dashboard

	redis *redis.Client
	relay *relay.Relay

	closeOnce sync.Once
}

// Option customizes container construction.
type Option func(*Container)

// WithTransport replaces the configured backend, e.g. with a scripted
// transport in tests. The response cache still wraps it when enabled.
func WithTransport(t query.Transport) Option {
	return func(c *Container) { c.transport = t }
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Container) { c.logger = logger }
}

// NewContainer builds the transport stack, the query client and the
// dashboard described by cfg.
func NewContainer(ctx context.Context, cfg *config.Config, opts ...Option) (*Container, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Container{config: cfg, logger: logging.Op()}
	for _, opt := range opts {
		opt(c)
	}

	if c.transport == nil {
		backend, err := newBackend(ctx, cfg.Backend)
		if err != nil {
			return nil, err
		}
		c.transport = backend
	}

	if cfg.ResponseCache.Enabled {
		tcCfg := transportcache.DefaultConfig()
		tcCfg.TTL = cfg.ResponseCache.TTL
		tcCfg.Capacity = cfg.ResponseCache.Capacity
		cached, err := transportcache.New(c.transport, tcCfg)
		if err != nil {
			return nil, fmt.Errorf("response cache: %w", err)
		}
		c.responseCache = cached
		c.transport = cached
	}

	c.recorder = metrics.New(metrics.DefaultNamespace)

	qcfg := query.DefaultConfig()
	qcfg.GCTime = cfg.Query.GCTime
	qcfg.FetchTimeout = cfg.Query.FetchTimeout
	qcfg.BulkConcurrency = cfg.Query.BulkConcurrency
	qcfg.Logger = c.logger
	qcfg.Recorder = c.recorder

	client, err := query.New(c.transport, qcfg)
	if err != nil {
		return nil, err
	}
	c.client = client

	if c.responseCache != nil {
		client.Bus().OnMark(c.responseCache.Hook())
	}

	c.recorder.Gauge("scheduler_pollers", "Active refetch pollers", func() float64 {
		return float64(client.Scheduler().Active())
	})
	c.recorder.Gauge("query_cache_entries", "Entries held by the query cache", func() float64 {
		return float64(client.Cache().Len())
	})

	if cfg.Redis.Enabled {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		relayOpts := []relay.Option{relay.WithLogger(c.logger)}
		if cfg.Redis.Channel != "" {
			relayOpts = append(relayOpts, relay.WithChannel(cfg.Redis.Channel))
		}
		c.relay = relay.New(c.redis, client, relayOpts...)
	}

	c.dashboard = streams.NewDashboard(client)
	return c, nil
}

// NewContainerWithDefaults creates a container from DefaultConfig with
// environment overrides applied.
func NewContainerWithDefaults(ctx context.Context, opts ...Option) (*Container, error) {
	cfg := config.DefaultConfig()
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	return NewContainer(ctx, cfg, opts...)
}

func newBackend(ctx context.Context, cfg config.BackendConfig) (query.Transport, error) {
	switch cfg.Mode {
	case config.BackendKinesis:
		api, err := kinesis.NewFromConfig(ctx, cfg.Region, cfg.Endpoint)
		if err != nil {
			return nil, err
		}
		return kinesis.NewBackend(api), nil
	default:
		return httptransport.New(httptransport.Config{BaseURL: cfg.BaseURL, Timeout: cfg.Timeout})
	}
}

// Start runs the background components, currently the invalidation relay.
// It blocks until ctx is cancelled and returns nil when nothing needs to run.
func (c *Container) Start(ctx context.Context) error {
	if c.relay == nil {
		return nil
	}
	return c.relay.Start(ctx)
}

// Config returns the configuration the container was built from.
func (c *Container) Config() *config.Config { return c.config }

// Client returns the query client.
func (c *Container) Client() *query.Client { return c.client }

// Dashboard returns the stream dashboard bound to the client.
func (c *Container) Dashboard() *streams.Dashboard { return c.dashboard }

// Metrics returns the Prometheus recorder.
func (c *Container) Metrics() *metrics.Recorder { return c.recorder }

// ResponseCache returns the transport response cache, or nil when disabled.
func (c *Container) ResponseCache() *transportcache.Transport { return c.responseCache }

// Relay returns the invalidation relay, or nil when Redis is disabled.
func (c *Container) Relay() *relay.Relay { return c.relay }

// Close releases every component. It is safe to call more than once.
func (c *Container) Close() error {
	var errs []error
	c.closeOnce.Do(func() {
		if c.relay != nil {
			errs = append(errs, c.relay.Close())
		}
		c.client.Close()
		if c.redis != nil {
			errs = append(errs, c.redis.Close())
		}
	})
	return errors.Join(errs...)
}
