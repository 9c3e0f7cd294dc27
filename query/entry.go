package query

import (
	"time"
)

// Status is the fetch state of a cache entry.
type Status int

const (
	// StatusIdle means the entry has never been fetched, or its data was removed.
	StatusIdle Status = iota
	// StatusLoading means a fetch is in flight. Previous data, if any, is kept.
	StatusLoading
	// StatusSuccess means the last fetch succeeded and data is present.
	StatusSuccess
	// StatusError means the last fetch failed; Err holds the failure.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Value is a cached datum that may be absent. Snapshots taken before an
// optimistic write use it to remember "there was nothing here".
type Value struct {
	Data    any
	Present bool
}

// Some wraps data in a present Value.
func Some(data any) Value {
	return Value{Data: data, Present: true}
}

// None is the absent Value.
var None = Value{}

// Options configures freshness and polling for one query key.
// The zero value is the documented default: always stale, no polling, no retry.
type Options struct {
	// StaleTime is how long a successful result stays fresh. Zero means always stale.
	StaleTime time.Duration

	// RefetchInterval enables background polling while the key has observers.
	// Zero disables polling.
	RefetchInterval time.Duration

	// Retry is the number of additional attempts after a failed fetch.
	Retry int

	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration
}

// Entry is an immutable snapshot of a cache entry. The cache never hands out
// pointers to its internal state; every read and every listener call gets a copy.
type Entry struct {
	Key             Key
	Data            any
	HasData         bool
	Status          Status
	Err             error
	UpdatedAt       time.Time
	StaleTime       time.Duration
	RefetchInterval time.Duration
	Observers       int
	Invalidated     bool
	Provisional     bool
	Version         uint64
}

// Value returns the entry data as a Value.
func (e Entry) Value() Value {
	return Value{Data: e.Data, Present: e.HasData}
}

// IsStale reports whether the entry should be refetched on next access: it was
// never fetched, it was explicitly invalidated, or its freshness window elapsed.
// A StaleTime of zero means data is stale as soon as it lands.
func (e Entry) IsStale(now time.Time) bool {
	if e.UpdatedAt.IsZero() || e.Invalidated || e.StaleTime <= 0 {
		return true
	}
	return now.Sub(e.UpdatedAt) > e.StaleTime
}

// Data extracts the entry data as T. It reports false when the entry has no
// data or holds a value of a different type.
func Data[T any](e Entry) (T, bool) {
	var zero T
	if !e.HasData {
		return zero, false
	}
	v, ok := e.Data.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// Listener receives a snapshot every time an observed entry changes.
type Listener func(Entry)

// Clock abstracts time so freshness can be tested deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }
