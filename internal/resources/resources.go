// Package resources defines the typed endpoints of the tally API. Reads are
// cached under invalidation tags; mutations validate their input locally,
// and after a successful response invalidate the tags listed for their kind.
package resources

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"tally/internal/api"
	"tally/internal/cache"
	"tally/internal/log"
)

var (
	ErrMissingUser  = errors.New("response contains no user")
	ErrMissingToken = errors.New("response contains no access token")
)

// maxConcurrentRefetch bounds parallel reads issued by Refetch.
const maxConcurrentRefetch = 4

// Resources groups the endpoints of each resource over a shared client and
// cache.
type Resources struct {
	client *api.Client
	cache  *cache.Store
	logger *log.Logger

	mu        sync.Mutex
	refetches map[string]func(context.Context) error

	Auth       *Auth
	Expenses   *Expenses
	Categories *Categories
	Budgets    *Budgets
	Reports    *Reports
}

// New wires the endpoints to client and store.
func New(client *api.Client, store *cache.Store, logger *log.Logger) *Resources {
	if logger == nil {
		logger = log.Discard()
	}
	r := &Resources{
		client:    client,
		cache:     store,
		logger:    logger.WithComponent(log.ComponentAPI),
		refetches: make(map[string]func(context.Context) error),
	}
	r.Auth = &Auth{r: r}
	r.Expenses = &Expenses{r: r}
	r.Categories = &Categories{r: r}
	r.Budgets = &Budgets{r: r}
	r.Reports = &Reports{r: r}
	return r
}

// Cache returns the query cache backing the reads.
func (r *Resources) Cache() *cache.Store { return r.cache }

// Client returns the API client the endpoints send through.
func (r *Resources) Client() *api.Client { return r.client }

// Refetch re-reads the given cache keys, or every stale key when none are
// given. Keys that are no longer cached are skipped.
func (r *Resources) Refetch(ctx context.Context, keys ...string) error {
	r.mu.Lock()
	if len(keys) == 0 {
		for k := range r.refetches {
			if r.cache.IsStale(k) {
				keys = append(keys, k)
			}
		}
	}
	fns := make([]func(context.Context) error, 0, len(keys))
	for _, k := range keys {
		fn, ok := r.refetches[k]
		if !ok {
			continue
		}
		if _, _, cached := r.cache.Peek(k); !cached {
			delete(r.refetches, k)
			continue
		}
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentRefetch)
	for _, fn := range fns {
		g.Go(func() error { return fn(ctx) })
	}
	return g.Wait()
}

// read returns the cached body of GET path, fetching it when missing or stale.
func read[T any](ctx context.Context, r *Resources, path string, params url.Values, tags ...cache.Tag) (T, error) {
	key := cache.Key(path, params)

	r.mu.Lock()
	if _, ok := r.refetches[key]; !ok {
		r.refetches[key] = func(ctx context.Context) error {
			_, err := read[T](ctx, r, path, params, tags...)
			return err
		}
	}
	r.mu.Unlock()

	return cache.Fetch(ctx, r.cache, key, tags, func(ctx context.Context) (T, error) {
		var out T
		err := r.client.Get(ctx, path, params, &out)
		return out, err
	})
}

// mutate sends req and, only if it succeeds, invalidates the tags of m.
func (r *Resources) mutate(ctx context.Context, m Mutation, req api.Request, out any) error {
	if err := r.client.Do(ctx, req, out); err != nil {
		r.logger.DebugContext(ctx, "Mutation failed",
			log.FieldOperation, m.String(),
			log.FieldError, err.Error())
		return err
	}
	n := r.cache.Invalidate(m.Invalidates()...)
	r.logger.DebugContext(ctx, "Mutation succeeded",
		log.FieldOperation, m.String(),
		log.FieldTags, m.Invalidates(),
		"stale_entries", n)
	return nil
}

func post(path string, body any) api.Request {
	return api.Request{Method: http.MethodPost, Path: path, Body: body}
}

func put(path string, body any) api.Request {
	return api.Request{Method: http.MethodPut, Path: path, Body: body}
}

func del(path string) api.Request {
	return api.Request{Method: http.MethodDelete, Path: path}
}
