// Package dispatch bounds how many loads run a given kind of work at once.
//
// The engine keeps two pools: one for CPU-bound decoding, sized to the number
// of processors, and one for blocking I/O such as network and disk reads.
package dispatch

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultIOSize is the io pool size used when none is configured.
const DefaultIOSize = 16

// Pool is a counting semaphore with a name, for logs and stats.
type Pool struct {
	name   string
	size   int64
	sem    *semaphore.Weighted
	active atomic.Int64
}

// New creates a pool admitting size concurrent tasks. A size of zero or less
// means GOMAXPROCS.
func New(name string, size int) *Pool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}
	return &Pool{
		name: name,
		size: int64(size),
		sem:  semaphore.NewWeighted(int64(size)),
	}
}

// Do runs fn on the calling goroutine once a slot is free. It returns the
// context error without running fn if ctx ends while waiting.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for %s pool: %w", p.name, err)
	}
	p.active.Add(1)
	defer func() {
		p.active.Add(-1)
		p.sem.Release(1)
	}()
	return fn(ctx)
}

// Run is Do for functions returning a value.
func Run[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// Size returns the number of slots.
func (p *Pool) Size() int { return int(p.size) }

// Active returns the number of tasks currently running.
func (p *Pool) Active() int { return int(p.active.Load()) }
