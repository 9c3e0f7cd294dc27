package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/goliatone/go-streamdash/internal/logging"
	"github.com/goliatone/go-streamdash/query"
)

func newTestTransport(t *testing.T, h http.HandlerFunc) *Transport {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	tr, err := New(Config{BaseURL: srv.URL + "/api", Headers: map[string]string{"X-Client": "streamdash"}}, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return tr
}

func TestTransport_GetWithQuery(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/stream/messages" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.URL.Query().Get("streamName"); got != "orders" {
			t.Errorf("streamName = %q", got)
		}
		if got := r.Header.Get("X-Client"); got != "streamdash" {
			t.Errorf("X-Client = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"records":[],"count":0,"shards":1}`)
	})

	raw, err := tr.Call(context.Background(), query.Request{
		Method: http.MethodGet,
		Path:   "/stream/messages",
		Query:  url.Values{"streamName": {"orders"}, "limit": {"40"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != `{"records":[],"count":0,"shards":1}` {
		t.Errorf("body = %s", raw)
	}
}

func TestTransport_SendsJSONBody(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if diff := cmp.Diff(map[string]string{"streamName": "orders"}, body); diff != "" {
			t.Errorf("body mismatch (-want +got):\n%s", diff)
		}
		_, _ = io.WriteString(w, `{"status":"deleted","stream":"orders"}`)
	})

	_, err := tr.Call(context.Background(), query.Request{
		Method: http.MethodDelete,
		Path:   "/stream",
		Body:   map[string]string{"streamName": "orders"},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestTransport_ErrorStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{name: "json error", status: http.StatusBadRequest, body: `{"error":"streamName required"}`, message: "streamName required"},
		{name: "plain body", status: http.StatusBadGateway, body: "upstream down", message: "upstream down"},
		{name: "empty body", status: http.StatusNotFound, body: "", message: "Not Found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := tr.Call(context.Background(), query.Request{Method: http.MethodGet, Path: "/list"})
			var te *query.TransportError
			if !errors.As(err, &te) {
				t.Fatalf("expected TransportError, got %v", err)
			}
			if te.StatusCode != tt.status || te.Message != tt.message {
				t.Errorf("got %d %q, want %d %q", te.StatusCode, te.Message, tt.status, tt.message)
			}
		})
	}
}

func TestTransport_NetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	tr, err := New(Config{BaseURL: base}, WithLogger(logging.Discard()))
	if err != nil {
		t.Fatal(err)
	}

	_, err = tr.Call(context.Background(), query.Request{Method: http.MethodGet, Path: "/list"})
	var te *query.TransportError
	if !errors.As(err, &te) || te.StatusCode != 0 {
		t.Fatalf("expected network TransportError, got %v", err)
	}
}

func TestTransport_RejectsInvalidRequest(t *testing.T) {
	tr := newTestTransport(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("server must not be called")
	})

	_, err := tr.Call(context.Background(), query.Request{Method: "BREW", Path: "/list"})
	var ve *query.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "valid", cfg: Config{BaseURL: "http://localhost:8088/api"}},
		{name: "missing url", cfg: Config{}, wantErr: true},
		{name: "not a url", cfg: Config{BaseURL: "::not a url"}, wantErr: true},
		{name: "negative timeout", cfg: Config{BaseURL: "http://localhost", Timeout: -1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
