package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/tradesync/internal/auth"
)

// recordingObserver captures every failure reported by the transport.
type recordingObserver struct {
	mu   sync.Mutex
	errs []error
}

func (r *recordingObserver) ObserveFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recordingObserver) failures() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func TestNewClient(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		c := NewClient("https://api.example.com")

		if c.baseURL != "https://api.example.com" {
			t.Errorf("baseURL = %q, want %q", c.baseURL, "https://api.example.com")
		}
		if c.httpClient.Timeout != 30*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 30*time.Second)
		}
		if c.logger == nil {
			t.Error("logger should not be nil")
		}
		if c.tokens != nil {
			t.Error("tokens should be nil by default")
		}
	})

	t.Run("with timeout option", func(t *testing.T) {
		c := NewClient("https://api.example.com", WithTimeout(5*time.Second))
		if c.httpClient.Timeout != 5*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 5*time.Second)
		}
	})

	t.Run("with logger option", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		c := NewClient("https://api.example.com", WithLogger(logger))
		if c.logger != logger {
			t.Error("logger not set correctly")
		}
	})

	t.Run("with custom HTTP client", func(t *testing.T) {
		customClient := &http.Client{Timeout: 10 * time.Second}
		c := NewClient("https://api.example.com", WithHTTPClient(customClient))
		if c.httpClient != customClient {
			t.Error("custom HTTP client not set")
		}
	})

	t.Run("observer wraps a copy of the HTTP client", func(t *testing.T) {
		customClient := &http.Client{Timeout: 10 * time.Second}
		c := NewClient("https://api.example.com",
			WithHTTPClient(customClient),
			WithObserver(&recordingObserver{}),
		)
		if c.httpClient == customClient {
			t.Error("caller's HTTP client should not be mutated")
		}
		if customClient.Transport != nil {
			t.Error("caller's transport was replaced")
		}
		if _, ok := c.httpClient.Transport.(*ObservingTransport); !ok {
			t.Errorf("Transport = %T, want *ObservingTransport", c.httpClient.Transport)
		}
		if c.httpClient.Timeout != 10*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 10*time.Second)
		}
	})
}

func TestAPIError(t *testing.T) {
	t.Run("HTTP error", func(t *testing.T) {
		err := &APIError{StatusCode: 404, Message: "Not Found"}
		if got, want := err.Error(), "backend error 404: Not Found"; got != want {
			t.Errorf("Error() = %q, want %q", got, want)
		}
	})

	t.Run("frame error", func(t *testing.T) {
		err := &APIError{Code: "bad_channel", Message: "unknown channel"}
		if got, want := err.Error(), "backend error bad_channel: unknown channel"; got != want {
			t.Errorf("Error() = %q, want %q", got, want)
		}
	})

	t.Run("message from body", func(t *testing.T) {
		err := NewAPIError(401, []byte(`{"code":"session_expired","error":"token expired"}`))
		if err.Message != "token expired" {
			t.Errorf("Message = %q, want %q", err.Message, "token expired")
		}
		if err.Code != "session_expired" {
			t.Errorf("Code = %q, want %q", err.Code, "session_expired")
		}
	})

	t.Run("non-JSON body keeps status text", func(t *testing.T) {
		err := NewAPIError(502, []byte("<html>bad gateway</html>"))
		if err.Message != "Bad Gateway" {
			t.Errorf("Message = %q, want %q", err.Message, "Bad Gateway")
		}
	})
}

func TestDo(t *testing.T) {
	t.Run("successful request", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Accept") != "application/json" {
				t.Errorf("Accept header = %q, want %q", r.Header.Get("Accept"), "application/json")
			}
			if r.Header.Get("Authorization") != "Bearer secret" {
				t.Errorf("Authorization = %q, want %q", r.Header.Get("Authorization"), "Bearer secret")
			}
			w.Write([]byte(`{"authenticated":true,"mode":"paper"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, WithTokenSource(auth.StaticToken("secret")))
		status, err := c.GetSession(context.Background())
		if err != nil {
			t.Fatalf("GetSession error: %v", err)
		}
		if !status.Authenticated || status.Mode != "paper" {
			t.Errorf("status = %+v, want authenticated paper", status)
		}
	})

	t.Run("error status returns APIError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"slow down"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL)
		err := c.Do(context.Background(), http.MethodGet, "/anything", nil, nil)

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("error = %v, want *APIError", err)
		}
		if apiErr.StatusCode != 429 {
			t.Errorf("StatusCode = %d, want 429", apiErr.StatusCode)
		}
		if apiErr.Message != "slow down" {
			t.Errorf("Message = %q, want %q", apiErr.Message, "slow down")
		}
	})

	t.Run("invalid JSON response", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		}))
		defer server.Close()

		c := NewClient(server.URL)
		var out SessionStatus
		err := c.Do(context.Background(), http.MethodGet, "/session", nil, &out)
		if err == nil || !strings.Contains(err.Error(), "unmarshal response") {
			t.Errorf("error = %v, want unmarshal error", err)
		}
	})

	t.Run("missing token fails before sending", func(t *testing.T) {
		var hits int
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
		}))
		defer server.Close()

		c := NewClient(server.URL, WithTokenSource(auth.StaticToken("")))
		err := c.Do(context.Background(), http.MethodGet, "/session", nil, nil)
		if !errors.Is(err, auth.ErrNoToken) {
			t.Errorf("error = %v, want ErrNoToken", err)
		}
		if hits != 0 {
			t.Errorf("server hits = %d, want 0", hits)
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(500 * time.Millisecond)
		}))
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		c := NewClient(server.URL)
		if err := c.Do(ctx, http.MethodGet, "/slow", nil, nil); err == nil {
			t.Error("expected error from cancelled context")
		}
	})
}

func TestSwitchMode(t *testing.T) {
	t.Run("posts requested mode", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				t.Errorf("Method = %s, want POST", r.Method)
			}
			if r.URL.Path != ModePath {
				t.Errorf("Path = %s, want %s", r.URL.Path, ModePath)
			}
			if r.Header.Get("Content-Type") != "application/json" {
				t.Errorf("Content-Type = %q", r.Header.Get("Content-Type"))
			}
			var req ModeRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode body: %v", err)
			}
			json.NewEncoder(w).Encode(ModeResponse{Mode: req.Mode})
		}))
		defer server.Close()

		c := NewClient(server.URL)
		if err := c.SwitchMode(context.Background(), "live"); err != nil {
			t.Errorf("SwitchMode error: %v", err)
		}
	})

	t.Run("backend disagrees", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(ModeResponse{Mode: "paper"})
		}))
		defer server.Close()

		c := NewClient(server.URL)
		err := c.SwitchMode(context.Background(), "live")
		if err == nil || !strings.Contains(err.Error(), "backend reports paper") {
			t.Errorf("error = %v, want mode mismatch", err)
		}
	})
}

func TestObservingTransport(t *testing.T) {
	t.Run("error status observed and body preserved", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"token expired"}`))
		}))
		defer server.Close()

		obs := &recordingObserver{}
		c := NewClient(server.URL, WithObserver(obs))

		err := c.Do(context.Background(), http.MethodGet, "/session", nil, nil)

		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("error = %v, want *APIError", err)
		}
		// The caller still sees the body the observer peeked at.
		if apiErr.Message != "token expired" {
			t.Errorf("Message = %q, want %q", apiErr.Message, "token expired")
		}

		failures := obs.failures()
		if len(failures) != 1 {
			t.Fatalf("observed %d failures, want 1", len(failures))
		}
		var seen *APIError
		if !errors.As(failures[0], &seen) || seen.StatusCode != 401 {
			t.Errorf("observed %v, want 401 APIError", failures[0])
		}
	})

	t.Run("success not observed", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		}))
		defer server.Close()

		obs := &recordingObserver{}
		c := NewClient(server.URL, WithObserver(obs))
		if err := c.Do(context.Background(), http.MethodGet, "/", nil, nil); err != nil {
			t.Fatalf("Do error: %v", err)
		}
		if n := len(obs.failures()); n != 0 {
			t.Errorf("observed %d failures, want 0", n)
		}
	})

	t.Run("transport error observed", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := server.URL
		server.Close()

		obs := &recordingObserver{}
		c := NewClient(url, WithObserver(obs), WithTimeout(time.Second))
		if err := c.Do(context.Background(), http.MethodGet, "/", nil, nil); err == nil {
			t.Fatal("expected connection error")
		}
		if n := len(obs.failures()); n != 1 {
			t.Errorf("observed %d failures, want 1", n)
		}
	})

	t.Run("large body readable after observation", func(t *testing.T) {
		big := strings.Repeat("x", maxObservedBody+1000)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(big))
		}))
		defer server.Close()

		rt := &ObservingTransport{Observer: &recordingObserver{}}
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
		resp, err := rt.RoundTrip(req)
		if err != nil {
			t.Fatalf("RoundTrip error: %v", err)
		}
		defer resp.Body.Close()

		data, _ := io.ReadAll(resp.Body)
		if len(data) != len(big) {
			t.Errorf("body length = %d, want %d", len(data), len(big))
		}
	})
}
