package query

import (
	"errors"
	"log/slog"
	"sort"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"github.com/goliatone/go-streamdash/internal/logging"
)

// Config holds the process-wide settings of a Client. Per-query freshness lives
// in Options; this struct only covers the shared machinery.
type Config struct {
	// GCTime is how long an entry with zero observers is retained before it is
	// evicted. Zero keeps entries for the lifetime of the process.
	GCTime time.Duration

	// FetchTimeout bounds each fetch. Zero means no timeout beyond the
	// Transport's own.
	FetchTimeout time.Duration

	// BulkConcurrency caps the number of concurrent mutations in MutateAll.
	// Zero means unbounded.
	BulkConcurrency int

	// Clock is used for freshness bookkeeping. Defaults to the wall clock.
	Clock Clock

	// KeySerializer produces canonical key segments. Defaults to
	// NewDefaultKeySerializer.
	KeySerializer KeySerializer

	// Logger receives operational logs. Defaults to logging.Op().
	Logger *slog.Logger

	// Recorder receives metrics signals. Defaults to NopRecorder.
	Recorder Recorder

	// NewID generates mutation IDs. Defaults to random UUIDs.
	NewID func() string
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Clock:         SystemClock(),
		KeySerializer: NewDefaultKeySerializer(),
		Logger:        logging.Op(),
		Recorder:      NopRecorder{},
		NewID:         uuid.NewString,
	}
}

// Validate checks whether the configuration values are valid.
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.GCTime, validation.Min(time.Duration(0))),
		validation.Field(&c.FetchTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.BulkConcurrency, validation.Min(0)),
	)
	if err == nil {
		return nil
	}

	var errs validation.Errors
	if !errors.As(err, &errs) {
		return &ConfigError{Field: "Config", Message: err.Error()}
	}
	fields := make([]string, 0, len(errs))
	for field := range errs {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return &ConfigError{Field: fields[0], Message: errs[fields[0]].Error()}
}

// withDefaults fills unset collaborators.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Clock == nil {
		c.Clock = def.Clock
	}
	if c.KeySerializer == nil {
		c.KeySerializer = def.KeySerializer
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	if c.Recorder == nil {
		c.Recorder = def.Recorder
	}
	if c.NewID == nil {
		c.NewID = def.NewID
	}
	return c
}
