// Package stackcache holds recently used active stacks in a bounded LRU.
//
// The cache is an optimization only. Durable storage is always the source
// of truth and eviction never loses state. Each Cache is constructed
// explicitly and injected where it is needed, so independent indexes (and
// tests) never share one.
package stackcache

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Iron-Ham/framestack/internal/frame"
	"github.com/Iron-Ham/framestack/internal/logging"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 256

// Stack is the cached root-to-top chain of non-terminal frames in a scope.
type Stack struct {
	Scope  string
	Frames []*frame.Frame
	// Seq is the last applied log sequence the stack reflects.
	Seq int64
}

// Top returns the top-of-stack frame, or nil for an empty stack.
func (s *Stack) Top() *frame.Frame {
	if s == nil || len(s.Frames) == 0 {
		return nil
	}
	return s.Frames[len(s.Frames)-1]
}

// Frame returns the frame with the given ID if it is on the stack.
func (s *Stack) Frame(frameID string) (*frame.Frame, bool) {
	if s == nil {
		return nil, false
	}
	for _, f := range s.Frames {
		if f.FrameID == frameID {
			return f, true
		}
	}
	return nil, false
}

func (s *Stack) clone() *Stack {
	c := &Stack{Scope: s.Scope, Seq: s.Seq, Frames: make([]*frame.Frame, len(s.Frames))}
	for i, f := range s.Frames {
		c.Frames[i] = f.Clone()
	}
	return c
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Len       int
	Capacity  int
}

// Cache is a bounded, concurrency-safe LRU of stacks keyed by scope.
type Cache struct {
	lru      *lru.Cache[string, *Stack]
	capacity int
	logger   *logging.Logger

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger used for eviction debug logs.
func WithLogger(l *logging.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Cache holding at most capacity scopes.
func New(capacity int, opts ...Option) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{capacity: capacity, logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(c)
	}

	inner, err := lru.NewWithEvict(capacity, func(scope string, _ *Stack) {
		c.evictions.Add(1)
		c.logger.Debug("stack evicted from cache", "scope", scope)
	})
	if err != nil {
		return nil, err
	}
	c.lru = inner
	return c, nil
}

// Get returns a copy of the cached stack for scope.
func (c *Cache) Get(scope string) (*Stack, bool) {
	s, ok := c.lru.Get(scope)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return s.clone(), true
}

// Put stores a copy of s, replacing any older entry for the same scope.
// An entry whose Seq is older than the cached one is ignored.
func (c *Cache) Put(s *Stack) {
	if s == nil {
		return
	}
	if cur, ok := c.lru.Peek(s.Scope); ok && cur.Seq > s.Seq {
		return
	}
	c.lru.Add(s.Scope, s.clone())
}

// Invalidate drops the entry for scope.
func (c *Cache) Invalidate(scope string) {
	c.lru.Remove(scope)
}

// Contains reports whether scope is cached without touching recency.
func (c *Cache) Contains(scope string) bool {
	return c.lru.Contains(scope)
}

// Scopes returns cached scopes from oldest to newest use.
func (c *Cache) Scopes() []string {
	return c.lru.Keys()
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached scopes.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Len:       c.lru.Len(),
		Capacity:  c.capacity,
	}
}
