// Package trace logs and counts outgoing API requests.
package trace

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tally/internal/log"
)

// HeaderRequestID carries the request id to the server.
const HeaderRequestID = "X-Request-ID"

// ContextKey type for context keys
type ContextKey string

const (
	// RequestIDKey is the context key for request ID
	RequestIDKey ContextKey = "request_id"
)

// Metrics tracks request metrics
type Metrics struct {
	TotalRequests       int64
	FailedRequests      int64
	AverageResponseTime int64 // in microseconds
}

// Transport is an http.RoundTripper that stamps a request id on every
// request and logs its outcome.
type Transport struct {
	next    http.RoundTripper
	logger  *log.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewTransport wraps next, or http.DefaultTransport when next is nil.
func NewTransport(next http.RoundTripper, logger *log.Logger) *Transport {
	if next == nil {
		next = http.DefaultTransport
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Transport{
		next:    next,
		logger:  logger.WithComponent(log.ComponentTrace),
		metrics: &Metrics{},
		now:     time.Now,
	}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := t.now()

	requestID := req.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = GetRequestID(req.Context())
	}
	if requestID == "" {
		requestID = GenerateRequestID()
	}
	if req.Header.Get(HeaderRequestID) != requestID {
		req = req.Clone(req.Context())
		req.Header.Set(HeaderRequestID, requestID)
	}
	ctx := req.Context()

	t.logger.DebugContext(ctx, "HTTP request started",
		log.NewFields().
			WithRequestID(requestID).
			WithHTTPRequest(req.Method, req.URL.Path, req.URL.RawQuery).
			ToSlice()...)

	total := atomic.AddInt64(&t.metrics.TotalRequests, 1)
	resp, err := t.next.RoundTrip(req)
	duration := t.now().Sub(start)
	t.recordDuration(total, duration)

	if err != nil {
		atomic.AddInt64(&t.metrics.FailedRequests, 1)
		t.logger.WarnContext(ctx, "HTTP request failed",
			log.NewFields().
				WithRequestID(requestID).
				WithHTTPRequest(req.Method, req.URL.Path, req.URL.RawQuery).
				WithError(err).
				ToSlice()...)
		return nil, err
	}

	// Use appropriate log level based on status code
	logLevel := slog.LevelDebug
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		logLevel = slog.LevelWarn
	} else if resp.StatusCode >= 500 {
		logLevel = slog.LevelError
	}
	if resp.StatusCode >= 400 {
		atomic.AddInt64(&t.metrics.FailedRequests, 1)
	}

	t.logger.Log(ctx, logLevel, "HTTP request completed",
		log.NewFields().
			WithComponent(t.logger.Component()).
			WithRequestID(requestID).
			WithHTTPRequest(req.Method, req.URL.Path, req.URL.RawQuery).
			WithHTTPResponse(resp.StatusCode, duration.Milliseconds(), resp.StatusCode < 400).
			ToSlice()...)

	return resp, nil
}

// recordDuration folds d into the running average.
func (t *Transport) recordDuration(total int64, d time.Duration) {
	us := d.Microseconds()
	for {
		old := atomic.LoadInt64(&t.metrics.AverageResponseTime)
		avg := old + (us-old)/total
		if atomic.CompareAndSwapInt64(&t.metrics.AverageResponseTime, old, avg) {
			return
		}
	}
}

// GetMetrics returns current metrics
func (t *Transport) GetMetrics() Metrics {
	return Metrics{
		TotalRequests:       atomic.LoadInt64(&t.metrics.TotalRequests),
		FailedRequests:      atomic.LoadInt64(&t.metrics.FailedRequests),
		AverageResponseTime: atomic.LoadInt64(&t.metrics.AverageResponseTime),
	}
}

// GenerateRequestID creates a unique request ID for tracing
func GenerateRequestID() string {
	return uuid.NewString()
}

// WithRequestID returns a context whose requests are sent with id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// GetRequestID extracts the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
