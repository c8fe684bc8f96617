// Package coordinator de-duplicates concurrent work by key.
//
// For any key at most one execution is pending at a time. Callers that arrive
// while an execution is pending attach to it as waiters and receive the exact
// value and error produced by that single execution.
//
// # Cancellation
//
// The work runs on its own goroutine with a context detached from every
// individual waiter (values are preserved, cancellation is not). A waiter whose
// context ends detaches and returns its context error; the shared work keeps
// running while at least one waiter remains. When the last waiter detaches the
// work context is cancelled and the pending entry is dropped, so the next caller
// starts a fresh execution instead of joining an abandoned one. That execution
// does not invoke its work until the abandoned one has returned, so work for a
// key never runs twice at the same time.
//
// # Shared values
//
// A value that holds a reference-counted resource can be handed out safely
// with WithShare and WithRelease: every receiving caller takes its own
// reference in the share hook, and the reference held by the work itself is
// dropped in the release hook once the last receiver has taken its share.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// ErrPanic is wrapped by the error delivered to waiters when the work panics.
var ErrPanic = errors.New("coordinator: work panicked")

const shardCount = 32

// Work produces the shared outcome for one key.
type Work[T any] func(ctx context.Context) (T, error)

type call[T any] struct {
	done    chan struct{}
	val     T
	err     error
	waiters int
	cancel  context.CancelFunc
	// remaining counts receivers still to take their share; set at completion.
	remaining atomic.Int32
}

type shard[T any] struct {
	mu    sync.Mutex
	calls map[string]*call[T]
	// abandoned holds the done channel of cancelled work still running.
	abandoned map[string]chan struct{}
}

// Coordinator runs at most one Work per key at a time.
type Coordinator[T any] struct {
	shards [shardCount]*shard[T]

	share   func(T) T
	release func(T)

	executions atomic.Int64
	coalesced  atomic.Int64
	abandoned  atomic.Int64
}

// Option configures a Coordinator.
type Option[T any] func(*Coordinator[T])

// WithShare sets a hook applied to a successful value once for every caller
// that receives it, before the value is returned to that caller.
func WithShare[T any](fn func(T) T) Option[T] {
	return func(c *Coordinator[T]) { c.share = fn }
}

// WithRelease sets a hook called once with a successful value after every
// caller attached at completion has received it. When nobody is left to
// receive the value it is called straight away.
func WithRelease[T any](fn func(T)) Option[T] {
	return func(c *Coordinator[T]) { c.release = fn }
}

// New creates an empty coordinator.
func New[T any](opts ...Option[T]) *Coordinator[T] {
	c := &Coordinator[T]{}
	for i := range c.shards {
		c.shards[i] = &shard[T]{
			calls:     make(map[string]*call[T]),
			abandoned: make(map[string]chan struct{}),
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator[T]) shardFor(key string) *shard[T] {
	return c.shards[xxhash.Sum64String(key)%shardCount]
}

// Execute runs work for key unless an execution for key is already pending, in
// which case the caller waits for that execution's outcome. shared reports
// whether the caller attached to an execution started by someone else.
func (c *Coordinator[T]) Execute(ctx context.Context, key string, work Work[T]) (val T, shared bool, err error) {
	s := c.shardFor(key)

	s.mu.Lock()
	if cl, ok := s.calls[key]; ok {
		cl.waiters++
		s.mu.Unlock()
		c.coalesced.Add(1)
		val, err = c.wait(ctx, s, key, cl)
		return val, true, err
	}
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cl := &call[T]{
		done:    make(chan struct{}),
		waiters: 1,
		cancel:  cancel,
	}
	s.calls[key] = cl
	prev := s.abandoned[key]
	s.mu.Unlock()

	c.executions.Add(1)
	go c.run(workCtx, s, key, cl, prev, work)

	val, err = c.wait(ctx, s, key, cl)
	return val, false, err
}

func (c *Coordinator[T]) run(ctx context.Context, s *shard[T], key string, cl *call[T], prev <-chan struct{}, work Work[T]) {
	defer cl.cancel()

	// Always wait out the abandoned run, even when cancelled: a later run
	// waits only on this call's channel.
	if prev != nil {
		<-prev
	}
	var val T
	err := ctx.Err()
	if err == nil {
		val, err = safeRun(ctx, work)
	}

	// Closing under the lock keeps the receiver count exact: a waiter that
	// detaches takes the same lock and sees either an open or a closed channel.
	s.mu.Lock()
	if s.calls[key] == cl {
		delete(s.calls, key)
	}
	if s.abandoned[key] == cl.done {
		delete(s.abandoned, key)
	}
	cl.val, cl.err = val, err
	receivers := cl.waiters
	cl.remaining.Store(int32(receivers))
	close(cl.done)
	s.mu.Unlock()

	if err == nil && receivers == 0 && c.release != nil {
		c.release(val)
	}
}

func safeRun[T any](ctx context.Context, work Work[T]) (val T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			val, err = zero, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return work(ctx)
}

func (c *Coordinator[T]) wait(ctx context.Context, s *shard[T], key string, cl *call[T]) (T, error) {
	select {
	case <-cl.done:
		return c.deliver(cl)
	case <-ctx.Done():
	}

	s.mu.Lock()
	select {
	case <-cl.done:
		// Completed while we were detaching; deliver the outcome anyway.
		s.mu.Unlock()
		return c.deliver(cl)
	default:
	}
	cl.waiters--
	if cl.waiters == 0 {
		if s.calls[key] == cl {
			delete(s.calls, key)
			s.abandoned[key] = cl.done
		}
		cl.cancel()
		c.abandoned.Add(1)
	}
	s.mu.Unlock()

	var zero T
	return zero, ctx.Err()
}

func (c *Coordinator[T]) deliver(cl *call[T]) (T, error) {
	if cl.err != nil {
		return cl.val, cl.err
	}
	val := cl.val
	if c.share != nil {
		val = c.share(cl.val)
	}
	if cl.remaining.Add(-1) == 0 && c.release != nil {
		c.release(cl.val)
	}
	return val, nil
}

// Pending reports whether an execution for key is currently in flight.
func (c *Coordinator[T]) Pending(key string) bool {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.calls[key]
	return ok
}

// Waiters returns the number of callers attached to the pending execution for key.
func (c *Coordinator[T]) Waiters(key string) int {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cl, ok := s.calls[key]; ok {
		return cl.waiters
	}
	return 0
}

// Len returns the number of pending executions.
func (c *Coordinator[T]) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.calls)
		s.mu.Unlock()
	}
	return n
}

// Stats is a point-in-time copy of coordinator counters.
type Stats struct {
	// Executions is the number of times work was started.
	Executions int64
	// Coalesced is the number of callers that attached to an existing execution.
	Coalesced int64
	// Abandoned is the number of executions cancelled because every waiter left.
	Abandoned int64
}

// Stats returns the coordinator counters.
func (c *Coordinator[T]) Stats() Stats {
	return Stats{
		Executions: c.executions.Load(),
		Coalesced:  c.coalesced.Load(),
		Abandoned:  c.abandoned.Load(),
	}
}
