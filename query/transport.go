package query

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Transport performs a network call against the remote source of truth.
// Any non-success outcome must be reported as a *TransportError.
type Transport interface {
	Call(ctx context.Context, req Request) (json.RawMessage, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, req Request) (json.RawMessage, error)

// Call implements Transport.
func (f TransportFunc) Call(ctx context.Context, req Request) (json.RawMessage, error) {
	return f(ctx, req)
}

// Request describes a single Transport call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
}

// Validate implements validation.Validatable.
func (r Request) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Method, validation.Required, validation.In(
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete,
		)),
		validation.Field(&r.Path, validation.Required),
	)
}

func (r Request) String() string {
	if len(r.Query) == 0 {
		return r.Method + " " + r.Path
	}
	return r.Method + " " + r.Path + "?" + r.Query.Encode()
}

// Fetcher loads the data for one query key through the transport.
type Fetcher func(ctx context.Context, t Transport) (any, error)

// FetchJSON returns a Fetcher that issues req and decodes the response into T.
func FetchJSON[T any](req Request) Fetcher {
	return func(ctx context.Context, t Transport) (any, error) {
		raw, err := t.Call(ctx, req)
		if err != nil {
			return nil, err
		}
		var out T
		if len(raw) == 0 {
			return out, nil
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode %s: %w", req, err)
		}
		return out, nil
	}
}
