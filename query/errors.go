package query

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

var (
	// ErrNoFetcher is returned when a key is fetched but no Fetcher was
	// registered for it.
	ErrNoFetcher = errors.New("query: no fetcher registered for key")

	// ErrClosed is returned by a Client after Close.
	ErrClosed = errors.New("query: client closed")
)

// TransportError is a failed Transport call: a non-success status or a
// network failure (StatusCode 0).
type TransportError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return "transport: " + e.Message
	}
	return fmt.Sprintf("transport: status %d: %s", e.StatusCode, e.Message)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StaleDataError is returned by strict reads when the cached entry is stale.
type StaleDataError struct {
	Key       Key
	UpdatedAt time.Time
}

func (e *StaleDataError) Error() string {
	if e.UpdatedAt.IsZero() {
		return fmt.Sprintf("query: %s has never been fetched", e.Key)
	}
	return fmt.Sprintf("query: %s is stale (updated %s)", e.Key, e.UpdatedAt.Format(time.RFC3339))
}

// ValidationError reports a malformed mutation descriptor or input. It is
// always raised before any Transport call.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return "validation error in field " + e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}

// MutationError is returned by Mutate when the Transport call fails. By the
// time the caller sees it the optimistic writes have been rolled back.
type MutationError struct {
	ID   string
	Name string
	Err  error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("mutation %s (%s) failed: %v", e.Name, e.ID, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// BulkError aggregates the failures of a MutateAll call.
type BulkError struct {
	Total  int
	Failed int
	Errs   []error
}

func (e *BulkError) Error() string {
	return fmt.Sprintf("%d of %d mutations failed", e.Failed, e.Total)
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *BulkError) Unwrap() []error { return e.Errs }

// NewValidationError converts an ozzo-validation result into a ValidationError.
// Nested error maps are flattened into a dotted field path; when several fields
// fail the first one in lexical order is reported.
func NewValidationError(err error) error {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve
	}
	field, msg := flattenValidation("", err)
	return &ValidationError{Field: field, Message: msg, Err: err}
}

func flattenValidation(prefix string, err error) (string, string) {
	var errs validation.Errors
	if !errors.As(err, &errs) || len(errs) == 0 {
		return prefix, err.Error()
	}

	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	field := keys[0]
	if prefix != "" {
		field = strings.Join([]string{prefix, field}, ".")
	}
	return flattenValidation(field, errs[keys[0]])
}
