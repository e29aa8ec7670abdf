package cache

import (
	"container/list"
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tally/internal/log"
)

// Store is the process-wide query cache. Entries are evicted least recently
// used first once maxSize is exceeded, and dropped after ttl without access.
//
// Each read runs at most once per key at a time: concurrent Fetch calls for
// the same key share a single flight and its result.
type Store struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	items   map[string]*list.Element
	lru     *list.List
	seq     uint64         // last flight sequence handed out
	epochs  map[Tag]uint64 // bumped on every invalidation of the tag
	resets  uint64         // bumped by Reset
	subs    map[int]func(Invalidation)
	nextSub int
	group   singleflight.Group
	logger  *log.Logger
	now     func() time.Time
}

type entry struct {
	key      string
	value    any
	tags     []Tag
	stale    bool
	seq      uint64
	lastUsed time.Time
}

// flight captures the cache state a request started against.
type flight struct {
	seq    uint64
	epoch  uint64
	resets uint64
}

var _ Cleaner = (*Store)(nil)

// NewStore creates an empty cache.
func NewStore(maxSize int, ttl time.Duration, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Discard()
	}
	return &Store{
		maxSize: maxSize,
		ttl:     ttl,
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		epochs:  make(map[Tag]uint64),
		subs:    make(map[int]func(Invalidation)),
		logger:  logger.WithComponent(log.ComponentCache),
		now:     time.Now,
	}
}

// Fetch returns the cached value for key when it is fresh, otherwise runs fn
// and caches its result under tags.
//
// Cancelling ctx abandons the wait but not the shared request: other callers
// still receive its result and the cache is still updated. A result that
// raced with an invalidation of one of its tags is stored as stale, so the
// next read fetches again.
func Fetch[T any](ctx context.Context, s *Store, key string, tags []Tag, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if v, ok := s.fresh(key); ok {
		if tv, ok := v.(T); ok {
			return tv, nil
		}
	}

	gen := s.generation()
	ch := s.group.DoChan(flightKey(gen, key), func() (any, error) {
		f := s.begin(tags, gen)
		v, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		s.commit(key, tags, v, f)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		tv, ok := res.Val.(T)
		if !ok {
			return zero, fmt.Errorf("cache entry %s holds %T", key, res.Val)
		}
		return tv, nil
	}
}

// Peek returns the last known value for key, fresh or not.
func (s *Store) Peek(key string) (value any, stale bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.items[key]
	if !exists {
		return nil, false, false
	}
	e := elem.Value.(*entry)
	return e.value, e.stale, true
}

// IsStale reports whether key is cached and marked stale.
func (s *Store) IsStale(key string) bool {
	_, stale, ok := s.Peek(key)
	return ok && stale
}

// Invalidate marks every entry carrying one of tags as stale and returns the
// number of entries affected. Requests in flight for those tags will store
// their results as stale.
func (s *Store) Invalidate(tags ...Tag) int {
	if len(tags) == 0 {
		return 0
	}

	s.mu.Lock()
	for _, t := range tags {
		s.epochs[t]++
	}
	var keys []string
	for elem := s.lru.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		if hasAnyTag(e.tags, tags) {
			e.stale = true
			keys = append(keys, e.key)
		}
	}
	subs := s.subscribers()
	s.mu.Unlock()

	s.logger.Debug("Invalidated cache tags", log.FieldTags, tags, "count", len(keys))

	inv := Invalidation{Tags: slices.Clone(tags), Keys: keys}
	for _, fn := range subs {
		fn(inv)
	}
	return len(keys)
}

// Subscribe registers fn to be called after each invalidation. The returned
// function removes the subscription.
func (s *Store) Subscribe(fn func(Invalidation)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Forget drops key and detaches any request in flight for it, so the next
// Fetch starts a new one. A detached request finishing later cannot
// overwrite what the newer one stored.
func (s *Store) Forget(key string) {
	s.mu.Lock()
	gen := s.resets
	if elem, exists := s.items[key]; exists {
		s.removeElement(elem)
	}
	s.mu.Unlock()
	s.group.Forget(flightKey(gen, key))
}

// Reset empties the cache. Requests in flight when Reset runs do not write
// their results back, and no Fetch made after Reset joins them.
func (s *Store) Reset() {
	s.mu.Lock()
	s.resets++
	s.items = make(map[string]*list.Element)
	s.lru.Init()
	s.mu.Unlock()
	s.logger.Debug("Cache reset")
}

// CleanExpired removes all expired entries and returns count of removed items
func (s *Store) CleanExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var toRemove []*list.Element
	for elem := s.lru.Front(); elem != nil; elem = elem.Next() {
		if s.expired(elem.Value.(*entry), now) {
			toRemove = append(toRemove, elem)
		}
	}
	for _, elem := range toRemove {
		s.removeElement(elem)
	}
	return len(toRemove)
}

// Size returns the current number of items in the cache
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Store) fresh(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.items[key]
	if !exists {
		return nil, false
	}
	e := elem.Value.(*entry)
	now := s.now()
	if s.expired(e, now) {
		s.removeElement(elem)
		return nil, false
	}
	e.lastUsed = now
	s.lru.MoveToFront(elem)
	if e.stale {
		return nil, false
	}
	return e.value, true
}

func (s *Store) generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resets
}

// flightKey scopes singleflight keys to a reset generation.
func flightKey(gen uint64, key string) string {
	return strconv.FormatUint(gen, 10) + "|" + key
}

// begin starts a flight for the generation its caller observed. A Reset in
// between makes commit discard the result.
func (s *Store) begin(tags []Tag, gen uint64) flight {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return flight{seq: s.seq, epoch: s.epochOf(tags), resets: gen}
}

func (s *Store) commit(key string, tags []Tag, value any, f flight) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f.resets != s.resets {
		return
	}
	stale := f.epoch != s.epochOf(tags)

	if elem, exists := s.items[key]; exists {
		e := elem.Value.(*entry)
		if e.seq > f.seq {
			s.logger.Debug("Dropped out-of-order response", log.FieldCacheKey, key)
			return
		}
		e.value, e.tags, e.stale, e.seq, e.lastUsed = value, tags, stale, f.seq, s.now()
		s.lru.MoveToFront(elem)
		return
	}

	elem := s.lru.PushFront(&entry{
		key:      key,
		value:    value,
		tags:     tags,
		stale:    stale,
		seq:      f.seq,
		lastUsed: s.now(),
	})
	s.items[key] = elem

	// Evict if over capacity
	if s.lru.Len() > s.maxSize {
		if oldest := s.lru.Back(); oldest != nil {
			s.removeElement(oldest)
		}
	}
}

// epochOf sums the epochs of tags; the sum grows whenever any of them is
// invalidated.
func (s *Store) epochOf(tags []Tag) uint64 {
	var sum uint64
	for _, t := range tags {
		sum += s.epochs[t]
	}
	return sum
}

func (s *Store) expired(e *entry, now time.Time) bool {
	return s.ttl > 0 && now.Sub(e.lastUsed) > s.ttl
}

func (s *Store) removeElement(elem *list.Element) {
	e := elem.Value.(*entry)
	delete(s.items, e.key)
	s.lru.Remove(elem)
}

func (s *Store) subscribers() []func(Invalidation) {
	out := make([]func(Invalidation), 0, len(s.subs))
	for _, fn := range s.subs {
		out = append(out, fn)
	}
	return out
}

func hasAnyTag(have, want []Tag) bool {
	for _, t := range want {
		if slices.Contains(have, t) {
			return true
		}
	}
	return false
}
