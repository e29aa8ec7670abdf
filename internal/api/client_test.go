package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tally/internal/events"
	"tally/internal/log"
	"tally/internal/storage"
	"tally/internal/trace"
)

type fixture struct {
	router *mux.Router
	server *httptest.Server
	tokens *storage.MemoryStore
	bus    *events.Bus
	client *Client
}

func newFixture(t *testing.T, retries int) *fixture {
	t.Helper()
	f := &fixture{
		router: mux.NewRouter(),
		tokens: storage.NewMemoryStore(),
		bus:    events.NewBus(nil),
	}
	f.server = httptest.NewServer(f.router)
	t.Cleanup(f.server.Close)

	c, err := New(Options{
		BaseURL:     f.server.URL,
		ReadRetries: retries,
		Backoff:     time.Millisecond,
		Events:      f.bus,
	}, f.tokens)
	require.NoError(t, err)
	f.client = c
	return f
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestHeaders(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.tokens.Set("abc"))

	var got http.Header
	var query url.Values
	f.router.HandleFunc("/api/expenses", func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		query = r.URL.Query()
		writeJSON(w, http.StatusOK, map[string]any{"expenses": []any{}})
	}).Methods(http.MethodGet)

	var out struct {
		Expenses []any `json:"expenses"`
	}
	err := f.client.Get(context.Background(), "/expenses", url.Values{"page": {"2"}}, &out)
	require.NoError(t, err)

	assert.Equal(t, "Bearer abc", got.Get("Authorization"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, "application/json", got.Get("Accept"))
	assert.NotEmpty(t, got.Get("X-Request-ID"))
	assert.Equal(t, "2", query.Get("page"))
}

func TestBearerPrefixNotDoubled(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.tokens.Set("Bearer abc"))

	var auth string
	f.router.HandleFunc("/api/auth/profile", func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, map[string]any{})
	})

	require.NoError(t, f.client.Get(context.Background(), "/auth/profile", nil, nil))
	assert.Equal(t, "Bearer abc", auth)
}

func TestNoTokenNoAuthorizationHeader(t *testing.T) {
	f := newFixture(t, 0)

	auth := "unset"
	f.router.HandleFunc("/api/categories", func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		writeJSON(w, http.StatusOK, map[string]any{})
	})

	require.NoError(t, f.client.Get(context.Background(), "/categories", nil, nil))
	assert.Empty(t, auth)
}

func TestUnauthorizedClearsTokenAndEmitsOnce(t *testing.T) {
	for _, path := range []string{"/budgets", "/reports/dashboard", "/expenses"} {
		t.Run(path, func(t *testing.T) {
			f := newFixture(t, 3)
			require.NoError(t, f.tokens.Set("expired"))

			var calls int32
			f.router.PathPrefix("/api/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(http.StatusUnauthorized) // no body
			})

			var emitted []events.Event
			f.bus.Subscribe(func(e events.Event) { emitted = append(emitted, e) }, events.SessionUnauthorized)

			err := f.client.Get(context.Background(), path, nil, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnauthorized))
			assert.Equal(t, int32(1), calls, "401 must not be retried")
			assert.Empty(t, f.tokens.Get())
			require.Len(t, emitted, 1)

			var apiErr *Error
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, apiErr.RequestID, emitted[0].RequestID)
		})
	}
}

func TestUnauthorizedLogCarriesRequestID(t *testing.T) {
	var buf bytes.Buffer
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Token has expired"})
	}))
	t.Cleanup(srv.Close)
	tokens := storage.NewMemoryStore()
	require.NoError(t, tokens.Set("abc"))
	c, err := New(Options{BaseURL: srv.URL, Logger: log.New(log.Config{Output: &buf})}, tokens)
	require.NoError(t, err)

	ctx := trace.WithRequestID(context.Background(), "req-42")
	err = c.Get(ctx, "/budgets/status", nil, nil)

	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Contains(t, buf.String(), "request_id=req-42")
	assert.Contains(t, buf.String(), "component=api")
}

func TestPublicRequestUnauthorizedKeepsSession(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.tokens.Set("current"))

	var auth string
	f.router.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Invalid username or password"})
	}).Methods(http.MethodPost)

	emitted := 0
	f.bus.Subscribe(func(events.Event) { emitted++ }, events.SessionUnauthorized)

	err := f.client.Do(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "/auth/login",
		Body:   map[string]string{"username": "alice", "password": "wrong"},
		Public: true,
	}, nil)

	assert.True(t, errors.Is(err, ErrUnauthorized))
	assert.Equal(t, "Invalid username or password", UserMessage(err))
	assert.Empty(t, auth)
	assert.Equal(t, "current", f.tokens.Get())
	assert.Zero(t, emitted)
}

func TestValidationErrorMessageVerbatim(t *testing.T) {
	tests := []struct {
		name string
		body any
		want string
	}{
		{"error field", map[string]string{"error": "Category name already exists"}, "Category name already exists"},
		{"message field", map[string]string{"message": "Amount must be positive"}, "Amount must be positive"},
		{"no body", nil, "Bad Request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 2)
			var calls int32
			f.router.HandleFunc("/api/categories", func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				if tt.body == nil {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				writeJSON(w, http.StatusBadRequest, tt.body)
			})

			err := f.client.Get(context.Background(), "/categories", nil, nil)
			assert.True(t, errors.Is(err, ErrValidation))
			assert.Equal(t, tt.want, UserMessage(err))
			assert.Equal(t, int32(1), calls, "4xx must not be retried")
		})
	}
}

func TestReadsRetryOnServerError(t *testing.T) {
	f := newFixture(t, 2)
	var calls int32
	f.router.HandleFunc("/api/budgets", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "db locked"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"budgets": []any{}})
	})

	require.NoError(t, f.client.Get(context.Background(), "/budgets", nil, nil))
	assert.Equal(t, int32(3), calls)
}

func TestReadsGiveUpAfterRetries(t *testing.T) {
	f := newFixture(t, 1)
	var calls int32
	f.router.HandleFunc("/api/budgets", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream internals"})
	})

	err := f.client.Get(context.Background(), "/budgets", nil, nil)
	assert.True(t, errors.Is(err, ErrServer))
	assert.Equal(t, msgServer, UserMessage(err), "5xx details stay generic")
	assert.Equal(t, int32(2), calls)
}

func TestWritesAreNeverRetried(t *testing.T) {
	f := newFixture(t, 5)
	var calls int32
	f.router.HandleFunc("/api/expenses", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}).Methods(http.MethodPost)

	err := f.client.Post(context.Background(), "/expenses", map[string]any{"amount": 5}, nil)
	assert.True(t, errors.Is(err, ErrServer))
	assert.Equal(t, int32(1), calls)
}

func TestNetworkError(t *testing.T) {
	f := newFixture(t, 1)
	f.server.Close()

	err := f.client.Get(context.Background(), "/categories", nil, nil)
	assert.True(t, errors.Is(err, ErrNetwork))
	assert.Equal(t, msgNetwork, UserMessage(err))
}

func TestMalformedBody(t *testing.T) {
	f := newFixture(t, 0)
	f.router.HandleFunc("/api/auth/profile", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<html>oops</html>"))
	})

	var out struct {
		User any `json:"user"`
	}
	err := f.client.Get(context.Background(), "/auth/profile", nil, &out)
	assert.True(t, errors.Is(err, ErrDecode))
}

func TestEmptySuccessBody(t *testing.T) {
	f := newFixture(t, 0)
	f.router.HandleFunc("/api/budgets/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7", mux.Vars(r)["id"])
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	var out struct {
		Message string `json:"message"`
	}
	require.NoError(t, f.client.Delete(context.Background(), "/budgets/7", &out))
	assert.Empty(t, out.Message)
}

func TestCancelledContext(t *testing.T) {
	f := newFixture(t, 3)
	release := make(chan struct{})
	defer close(release)
	f.router.HandleFunc("/api/reports/trends", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := f.client.Get(ctx, "/reports/trends", nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBaseURLWithPath(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		writeJSON(w, http.StatusOK, map[string]any{})
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL + "/tracker/"}, storage.NewMemoryStore())
	require.NoError(t, err)
	require.NoError(t, c.Get(context.Background(), "/expenses/3", nil, nil))
	assert.Equal(t, "/tracker/api/expenses/3", path)
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New(Options{BaseURL: "ftp://example.com"}, storage.NewMemoryStore())
	assert.Error(t, err)
}
