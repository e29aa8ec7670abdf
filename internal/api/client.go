// Package api sends authenticated JSON requests to the tally REST API.
//
// Every request carries the stored bearer token. A 401 from any endpoint
// clears the token and emits events.SessionUnauthorized exactly once; the
// request is never retried. Reads that fail on the network or with a 5xx are
// retried a bounded number of times; writes never are.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tally/internal/events"
	"tally/internal/log"
	"tally/internal/storage"
	"tally/internal/trace"
)

const (
	apiPrefix      = "api"
	maxBodyBytes   = 10 << 20
	defaultTimeout = 15 * time.Second
	defaultBackoff = 250 * time.Millisecond
	bearerPrefix   = "Bearer "
)

// Options configures a Client.
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	ReadRetries int
	// Backoff is multiplied by the attempt number between read retries.
	Backoff   time.Duration
	Transport http.RoundTripper
	Events    *events.Bus
	Logger    *log.Logger
}

// Request describes one API call. Path is relative to /api.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
	// Public requests carry no token, and a 401 is reported as a rejected
	// request instead of an expired session. Used for login and register.
	Public bool
}

// Client is safe for concurrent use.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	tokens  storage.TokenStore
	bus     *events.Bus
	logger  *log.Logger
	retries int
	backoff time.Duration
}

// New creates a client for opts.BaseURL reading its token from tokens.
func New(opts Options, tokens storage.TokenStore) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL scheme %q", base.Scheme)
	}
	if base.Path == "" {
		base.Path = "/"
	}
	if opts.Logger == nil {
		opts.Logger = log.Discard()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.Events == nil {
		opts.Events = events.NewBus(opts.Logger)
	}

	return &Client{
		baseURL: base,
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: trace.NewTransport(opts.Transport, opts.Logger),
		},
		tokens:  tokens,
		bus:     opts.Events,
		logger:  opts.Logger.WithComponent(log.ComponentAPI),
		retries: max(opts.ReadRetries, 0),
		backoff: opts.Backoff,
	}, nil
}

// Events returns the bus unauthorized events are emitted on.
func (c *Client) Events() *events.Bus { return c.bus }

// Tokens returns the token store the client authenticates with.
func (c *Client) Tokens() storage.TokenStore { return c.tokens }

func (c *Client) Get(ctx context.Context, path string, query url.Values, out any) error {
	return c.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query}, out)
}

func (c *Client) Post(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, Request{Method: http.MethodPost, Path: path, Body: body}, out)
}

func (c *Client) Put(ctx context.Context, path string, body, out any) error {
	return c.Do(ctx, Request{Method: http.MethodPut, Path: path, Body: body}, out)
}

func (c *Client) Delete(ctx context.Context, path string, out any) error {
	return c.Do(ctx, Request{Method: http.MethodDelete, Path: path}, out)
}

// Do sends req and decodes a 2xx JSON body into out when out is non-nil.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	var body []byte
	if req.Body != nil {
		var err error
		if body, err = json.Marshal(req.Body); err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	requestID := trace.GetRequestID(ctx)
	if requestID == "" {
		requestID = trace.GenerateRequestID()
		ctx = trace.WithRequestID(ctx, requestID)
	}
	// every log line of this call carries the request id
	ctx = log.WithRequestID(log.NewContext(ctx, c.logger), requestID)

	attempts := 1
	if req.Method == http.MethodGet {
		attempts += c.retries
	}

	var lastErr *Error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			log.FromContext(ctx).DebugContext(ctx, "Retrying read",
				log.FieldPath, req.Path,
				log.FieldAttempt, attempt,
				log.FieldErrorType, lastErr.logType(),
				log.FieldError, lastErr.Error())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff * time.Duration(attempt)):
			}
		}

		err := c.send(ctx, req, body, requestID, out)
		if err == nil {
			return nil
		}
		if !errors.As(err, &lastErr) || !lastErr.retryable() {
			return err
		}
	}
	return lastErr
}

func (c *Client) send(ctx context.Context, req Request, body []byte, requestID string, out any) error {
	u := c.baseURL.JoinPath(apiPrefix, req.Path)
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set(trace.HeaderRequestID, requestID)
	if !req.Public {
		if token := c.tokens.Get(); token != "" {
			httpReq.Header.Set("Authorization", bearer(token))
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &Error{Kind: KindNetwork, Message: msgNetwork, RequestID: requestID, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &Error{Kind: KindNetwork, Status: resp.StatusCode, Message: msgNetwork, RequestID: requestID, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := statusError(resp.StatusCode, serverMessage(data), requestID)
		if apiErr.Kind == KindUnauthorized && !req.Public {
			c.handleUnauthorized(ctx, req, requestID)
		}
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		log.FromContext(ctx).WarnContext(ctx, "Failed to decode response",
			log.FieldPath, req.Path,
			log.FieldErrorType, log.ErrorTypeDecode,
			log.FieldError, err.Error())
		return &Error{Kind: KindDecode, Status: resp.StatusCode, Message: msgDecode, RequestID: requestID, Err: err}
	}
	return nil
}

func (c *Client) handleUnauthorized(ctx context.Context, req Request, requestID string) {
	if err := c.tokens.Clear(); err != nil {
		log.FromContext(ctx).ErrorContext(ctx, "Failed to clear token",
			log.FieldErrorType, log.ErrorTypeStorage,
			log.FieldError, err.Error())
	}
	log.FromContext(ctx).InfoContext(ctx, "Request rejected as unauthorized, token cleared",
		log.FieldMethod, req.Method,
		log.FieldPath, req.Path,
		log.FieldErrorType, log.ErrorTypeAuth)
	c.bus.Emit(ctx, events.Event{Type: events.SessionUnauthorized, RequestID: requestID})
}

func bearer(token string) string {
	if strings.HasPrefix(token, bearerPrefix) {
		return token
	}
	return bearerPrefix + token
}

// serverMessage extracts the error text of a JSON error body, tolerating
// empty or non-JSON bodies.
func serverMessage(data []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	if body.Error != "" {
		return body.Error
	}
	return body.Message
}
