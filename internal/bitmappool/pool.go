// Package bitmappool recycles pixel buffers between decodes.
//
// The pool is bounded in bytes. Buffers are bucketed by a Strategy and evicted
// least recently used first. Rejections on Put are ordinary outcomes, not
// errors: the caller simply keeps (or drops) the buffer.
package bitmappool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/panpf/sketch-sub019/internal/logging"
)

// A single buffer may take at most maxEntryPercent of the pool.
const maxEntryPercent = 70

// TrimLevel selects how much a Trim releases.
type TrimLevel int

const (
	// TrimModerate evicts down to half of the max size.
	TrimModerate TrimLevel = iota
	// TrimComplete evicts everything.
	TrimComplete
)

// Pool is a size-bounded buffer pool safe for concurrent use.
type Pool struct {
	mu          sync.Mutex
	strategy    Strategy
	maxSize     int64
	currentSize int64
	allowed     map[Config]bool
	logger      *logging.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	puts      atomic.Int64
	evictions atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithStrategy sets the bucketing strategy. Defaults to SizeConfigStrategy.
func WithStrategy(s Strategy) Option {
	return func(p *Pool) { p.strategy = s }
}

// WithAllowedConfigs restricts the configs the pool accepts. All configs are
// allowed when no restriction is given.
func WithAllowedConfigs(configs ...Config) Option {
	return func(p *Pool) {
		p.allowed = make(map[Config]bool, len(configs))
		for _, c := range configs {
			p.allowed[c] = true
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// New creates a pool holding at most maxSize bytes.
func New(maxSize int64, opts ...Option) *Pool {
	p := &Pool{
		maxSize: maxSize,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.strategy == nil {
		p.strategy = NewSizeConfigStrategy()
	}
	p.logger = p.logger.WithComponent("bitmappool")
	return p
}

// Put offers b to the pool. It returns false, leaving the pool untouched, for a
// nil, released or immutable buffer, a disallowed config, or a buffer larger
// than 70% of the pool.
func (p *Pool) Put(b *Buffer) bool {
	if b == nil || b.Released() || !b.Mutable() {
		return false
	}
	if p.allowed != nil && !p.allowed[b.Config()] {
		return false
	}
	size := p.strategy.Size(b)
	if size <= 0 || size*100 > p.maxSize*maxEntryPercent {
		return false
	}
	// A buffer handed in twice would later be handed out twice.
	if !b.pooled.CompareAndSwap(false, true) {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.strategy.Put(b)
	p.currentSize += size
	p.puts.Add(1)
	p.trimToSize(p.maxSize)

	p.logger.Debug(context.Background(), "buffer pooled",
		"operation", string(logging.OpPoolPut),
		"bucket", p.strategy.Describe(b.Width(), b.Height(), b.Config()),
		"pool_size", p.currentSize)
	return true
}

// Get returns a pooled buffer for the request with its pixels zeroed, or nil.
func (p *Pool) Get(width, height int, config Config) *Buffer {
	b := p.take(width, height, config)
	if b != nil {
		b.Erase()
	}
	return b
}

// GetDirty is like Get but leaves the previous pixel contents in place. Use it
// only when every pixel will be overwritten.
func (p *Pool) GetDirty(width, height int, config Config) *Buffer {
	return p.take(width, height, config)
}

// GetOrCreate returns a pooled buffer or allocates a new one.
func (p *Pool) GetOrCreate(width, height int, config Config) *Buffer {
	if b := p.Get(width, height, config); b != nil {
		return b
	}
	return NewBuffer(width, height, config)
}

func (p *Pool) take(width, height int, config Config) *Buffer {
	if width <= 0 || height <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	b := p.strategy.Get(width, height, config)
	if b == nil {
		p.misses.Add(1)
		return nil
	}
	p.hits.Add(1)
	p.currentSize -= p.strategy.Size(b)
	b.pooled.Store(false)
	return b
}

// Trim releases pooled buffers according to level.
func (p *Pool) Trim(level TrimLevel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch level {
	case TrimComplete:
		p.trimToSize(0)
	default:
		p.trimToSize(p.maxSize / 2)
	}
}

// Clear releases every pooled buffer.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trimToSize(0)
}

// trimToSize must be called with p.mu held.
func (p *Pool) trimToSize(target int64) {
	for p.currentSize > target {
		b := p.strategy.RemoveLast()
		if b == nil {
			p.currentSize = 0
			return
		}
		p.currentSize -= p.strategy.Size(b)
		p.evictions.Add(1)
		p.logger.Debug(context.Background(), "buffer evicted",
			"operation", string(logging.OpPoolEvict),
			"bucket", p.strategy.Describe(b.Width(), b.Height(), b.Config()))
		b.Release()
	}
}

// Size returns the bytes currently pooled.
func (p *Pool) Size() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentSize
}

// MaxSize returns the pool capacity in bytes.
func (p *Pool) MaxSize() int64 { return p.maxSize }

// Len returns the number of pooled buffers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.strategy.Len()
}

// Stats is a point-in-time copy of the pool counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Puts      int64
	Evictions int64
	Size      int64
	MaxSize   int64
}

// Stats returns the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Hits:      p.hits.Load(),
		Misses:    p.misses.Load(),
		Puts:      p.puts.Load(),
		Evictions: p.evictions.Load(),
		Size:      p.Size(),
		MaxSize:   p.maxSize,
	}
}
