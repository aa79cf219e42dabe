// Package cache holds client-side entity state and applies optimistic
// mutations against it.
//
// Each key moves through an explicit state machine:
//
//	confirmed -> pending -> confirmed            (request succeeded)
//	confirmed -> pending -> reverting -> confirmed (request failed)
//
// At most one request per key is in flight. Later mutations on a pending key
// apply their patch locally at once and wait for the in-flight request before
// sending their own. Server events for a pending key are buffered and applied
// right after the in-flight request resolves.
package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"tasksync/internal/metrics"
)

const DefaultTimeout = 10 * time.Second

type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusPending   Status = "pending"
	StatusReverting Status = "reverting"
)

// Patch returns the locally edited value. It must not modify its argument in place.
type Patch[T any] func(current T) T

// Request performs the data-layer call behind a mutation and returns the
// server's canonical value.
type Request[T any] func(ctx context.Context) (T, error)

// Event is published to subscribers on every visible change of a key.
// Subscribers receive events in Seq order.
type Event[T any] struct {
	Key     string
	Value   T
	Status  Status
	Deleted bool
	// Err is set exactly once per failed mutation, on its reverting event.
	Err error
	Seq uint64
}

// Entry is a point-in-time view of one key.
type Entry[T any] struct {
	Key    string
	Value  T
	Status Status
}

type Options[T any] struct {
	// Timeout bounds each request. Zero means DefaultTimeout.
	Timeout time.Duration
	// Merge combines the locally patched value with the server's value.
	// The default returns the server value unchanged.
	Merge func(local, server T) T
	// Version, when set, orders server values. Events older than the last
	// confirmed value are dropped.
	Version func(T) int64
	Logger  zerolog.Logger
}

type Cache[T any] struct {
	timeout time.Duration
	merge   func(local, server T) T
	version func(T) int64
	log     zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry[T]
	subs    map[int]func(Event[T])
	nextSub int

	// Events are queued under mu and delivered by one goroutine at a time.
	seq      uint64
	outbox   []Event[T]
	draining bool

	group singleflight.Group
}

type pending[T any] struct {
	mutation *Mutation
	patch    Patch[T]
	request  Request[T]
}

type serverEvent[T any] struct {
	value   T
	deleted bool
}

type entry[T any] struct {
	// base is the last confirmed value; value is what readers see.
	base       T
	baseExists bool
	value      T
	exists     bool

	inflight *pending[T]
	queue    []*pending[T]
	buffered []serverEvent[T]
}

func (e *entry[T]) status() Status {
	if e.inflight != nil {
		return StatusPending
	}
	return StatusConfirmed
}

// recompute layers the in-flight and queued patches over the confirmed value.
func (e *entry[T]) recompute() {
	e.value = e.base
	e.exists = e.baseExists
	if e.inflight != nil {
		e.value = e.inflight.patch(e.value)
		e.exists = true
	}
	for _, p := range e.queue {
		e.value = p.patch(e.value)
		e.exists = true
	}
}

func New[T any](opts Options[T]) *Cache[T] {
	c := &Cache[T]{
		timeout: opts.Timeout,
		merge:   opts.Merge,
		version: opts.Version,
		log:     opts.Logger,
		entries: make(map[string]*entry[T]),
		subs:    make(map[int]func(Event[T])),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.merge == nil {
		c.merge = func(_, server T) T { return server }
	}
	return c
}

// Key builds the cache key of a single entity.
func Key(entity, id string) string {
	return entity + ":" + id
}

// ListKey builds the cache key of a collection query. Query parameters are
// sorted so equal queries share a key.
func ListKey(entity string, query url.Values) string {
	return entity + ":list?" + query.Encode()
}

// Read returns the visible value of key and its status.
func (c *Cache[T]) Read(key string) (T, Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.exists {
		var zero T
		if ok {
			return zero, e.status(), false
		}
		return zero, StatusConfirmed, false
	}
	return e.value, e.status(), true
}

// Entries returns every present key, sorted by key.
func (c *Cache[T]) Entries() []Entry[T] {
	c.mu.Lock()
	out := make([]Entry[T], 0, len(c.entries))
	for key, e := range c.entries {
		if e.exists {
			out = append(out, Entry[T]{Key: key, Value: e.value, Status: e.status()})
		}
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Subscribe registers fn for every change and returns a function that removes it.
// fn runs outside the cache lock and may call back into the cache; events
// caused by such calls are delivered after fn returns.
func (c *Cache[T]) Subscribe(fn func(Event[T])) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}

// Mutate applies patch to key immediately and sends request in the
// background. The returned Mutation resolves once the request is confirmed
// or rolled back.
func (c *Cache[T]) Mutate(key string, patch Patch[T], request Request[T]) *Mutation {
	m := newMutation(key)
	p := &pending[T]{mutation: m, patch: patch, request: request}

	c.mu.Lock()
	e := c.entry(key)
	start := e.inflight == nil
	if start {
		e.inflight = p
	} else {
		e.queue = append(e.queue, p)
	}
	e.recompute()
	c.emit(Event[T]{Key: key, Value: e.value, Status: StatusPending})
	c.mu.Unlock()

	if start {
		go c.run(key, p)
	}
	c.flush()
	return m
}

// ApplyServerEvent applies another client's confirmed value for key. It is
// buffered while key has a request in flight. It reports false when the
// value was dropped as older than the confirmed one.
func (c *Cache[T]) ApplyServerEvent(key string, value T) bool {
	return c.applyServer(key, serverEvent[T]{value: value})
}

// ApplyServerDelete removes key, or buffers the removal while key is pending.
func (c *Cache[T]) ApplyServerDelete(key string) {
	c.applyServer(key, serverEvent[T]{deleted: true})
}

func (c *Cache[T]) applyServer(key string, ev serverEvent[T]) bool {
	c.mu.Lock()
	e := c.entry(key)
	if e.inflight != nil {
		e.buffered = append(e.buffered, ev)
		c.mu.Unlock()
		c.log.Debug().Str("key", key).Msg("buffering server event for pending key")
		return true
	}
	if !c.applyToBase(key, e, ev) {
		c.dropIfEmpty(key, e)
		c.mu.Unlock()
		return false
	}
	e.recompute()
	c.emit(Event[T]{Key: key, Value: e.value, Status: StatusConfirmed, Deleted: !e.exists})
	c.dropIfEmpty(key, e)
	c.mu.Unlock()

	c.flush()
	return true
}

// Fetch loads key through load and stores the result as confirmed.
// Concurrent fetches of one key share a single load. The shared load is
// bounded by the cache timeout and outlives a canceled caller, so the other
// waiters still receive its result.
func (c *Cache[T]) Fetch(ctx context.Context, key string, load func(ctx context.Context) (T, error)) (T, error) {
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(loadCtx, c.timeout)
		defer cancel()
		value, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.ApplyServerEvent(key, value)
		return value, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, fmt.Errorf("fetch %s: %w", key, res.Err)
		}
		return res.Val.(T), nil
	}
}

func (c *Cache[T]) run(key string, p *pending[T]) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	results := make(chan result, 1)
	go func() {
		value, err := p.request(ctx)
		results <- result{value: value, err: err}
	}()

	var res result
	select {
	case res = <-results:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if errors.Is(res.err, context.DeadlineExceeded) {
		// A response arriving later is never read.
		res.err = &RequestFailure{Key: key, Err: ErrTimeout}
		metrics.Mutations.WithLabelValues("timeout").Inc()
	}
	metrics.MutationDuration.Observe(time.Since(started).Seconds())
	c.resolve(key, p, res.value, res.err)
}

func (c *Cache[T]) resolve(key string, p *pending[T], server T, err error) {
	c.mu.Lock()
	e := c.entry(key)

	if err == nil {
		e.base = c.merge(p.patch(e.base), server)
		e.baseExists = true
		metrics.Mutations.WithLabelValues("confirmed").Inc()
	} else {
		err = asFailure(key, err)
		metrics.Mutations.WithLabelValues("rolled_back").Inc()
		c.log.Warn().Err(err).Str("key", key).Msg("rolling back optimistic mutation")
		c.emit(Event[T]{Key: key, Value: e.base, Status: StatusReverting, Deleted: !e.baseExists, Err: err})
	}

	for _, ev := range e.buffered {
		c.applyToBase(key, e, ev)
	}
	e.buffered = nil

	var next *pending[T]
	if len(e.queue) > 0 {
		next = e.queue[0]
		e.queue = e.queue[1:]
	}
	e.inflight = next
	e.recompute()

	c.emit(Event[T]{Key: key, Value: e.value, Status: e.status(), Deleted: !e.exists})
	c.dropIfEmpty(key, e)
	c.mu.Unlock()

	c.flush()
	p.mutation.finish(err)
	if next != nil {
		go c.run(key, next)
	}
}

// applyToBase folds a server event into the confirmed value. Callers hold c.mu.
func (c *Cache[T]) applyToBase(key string, e *entry[T], ev serverEvent[T]) bool {
	if ev.deleted {
		var zero T
		e.base = zero
		e.baseExists = false
		return true
	}
	if c.version != nil && e.baseExists && c.version(ev.value) < c.version(e.base) {
		c.log.Debug().Str("key", key).
			Int64("event_version", c.version(ev.value)).
			Int64("confirmed_version", c.version(e.base)).
			Msg("dropping out-of-order server event")
		return false
	}
	e.base = ev.value
	e.baseExists = true
	return true
}

func (c *Cache[T]) entry(key string) *entry[T] {
	e, ok := c.entries[key]
	if !ok {
		e = &entry[T]{}
		c.entries[key] = e
	}
	return e
}

func (c *Cache[T]) dropIfEmpty(key string, e *entry[T]) {
	if !e.exists && e.inflight == nil && len(e.queue) == 0 {
		delete(c.entries, key)
	}
}

func (c *Cache[T]) subscribers() []func(Event[T]) {
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(Event[T]), 0, len(ids))
	for _, id := range ids {
		out = append(out, c.subs[id])
	}
	return out
}

// emit queues ev for delivery. Callers hold c.mu.
func (c *Cache[T]) emit(ev Event[T]) {
	c.seq++
	ev.Seq = c.seq
	c.outbox = append(c.outbox, ev)
}

// flush delivers queued events in emit order. When another goroutine is
// already delivering, the events are left to it.
func (c *Cache[T]) flush() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.outbox) > 0 {
		ev := c.outbox[0]
		c.outbox = c.outbox[1:]
		subs := c.subscribers()
		c.mu.Unlock()
		for _, fn := range subs {
			fn(ev)
		}
		c.mu.Lock()
	}
	c.outbox = nil
	c.draining = false
	c.mu.Unlock()
}
