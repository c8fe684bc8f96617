package sketch

import (
	"context"
	"fmt"
	"sync"
)

// DecodeInterceptor wraps the decoding of one request. Intercept either
// returns a result of its own or calls chain.Proceed exactly once.
type DecodeInterceptor interface {
	Key() string
	SortWeight() int
	Intercept(ctx context.Context, chain *DecodeChain) (*DecodeResult, error)
}

// DecodeChain is the view an interceptor gets of the rest of the decode
// pipeline.
type DecodeChain struct {
	pos          position
	engine       *Engine
	request      *Request
	interceptors []DecodeInterceptor
	fetch        *fetchOnce
}

// fetchOnce shares a successful fetch between all positions of a chain and
// its retries.
type fetchOnce struct {
	mu     sync.Mutex
	result *FetchResult
}

func newDecodeChain(e *Engine, req *Request, interceptors []DecodeInterceptor) *DecodeChain {
	return &DecodeChain{
		engine:       e,
		request:      req,
		interceptors: interceptors,
		fetch:        &fetchOnce{},
	}
}

// Request returns the request being decoded.
func (c *DecodeChain) Request() *Request { return c.request }

// Engine returns the engine running the chain.
func (c *DecodeChain) Engine() *Engine { return c.engine }

// Proceed runs the rest of the chain for the current request.
func (c *DecodeChain) Proceed(ctx context.Context) (*DecodeResult, error) {
	return c.ProceedWith(ctx, c.request)
}

// ProceedWith runs the rest of the chain for req. A position proceeds at most
// once; later calls return ErrChainReused.
func (c *DecodeChain) ProceedWith(ctx context.Context, req *Request) (*DecodeResult, error) {
	if err := c.pos.claim(); err != nil {
		return nil, err
	}
	if c.pos.index >= len(c.interceptors) {
		return nil, fmt.Errorf("decode chain exhausted after %d interceptors", len(c.interceptors))
	}
	next := &DecodeChain{
		pos:          position{index: c.pos.index + 1},
		engine:       c.engine,
		request:      req,
		interceptors: c.interceptors,
		fetch:        c.fetch,
	}
	return c.interceptors[c.pos.index].Intercept(ctx, next)
}

// Retry returns an unused copy of this position, for interceptors that run
// the rest of the chain again after a failure.
func (c *DecodeChain) Retry() *DecodeChain {
	return &DecodeChain{
		pos:          position{index: c.pos.index},
		engine:       c.engine,
		request:      c.request,
		interceptors: c.interceptors,
		fetch:        c.fetch,
	}
}

// FetchResult fetches the request's data, once per chain.
func (c *DecodeChain) FetchResult(ctx context.Context) (*FetchResult, error) {
	c.fetch.mu.Lock()
	defer c.fetch.mu.Unlock()
	if c.fetch.result != nil {
		return c.fetch.result, nil
	}
	res, err := c.engine.fetch(ctx, c.request)
	if err != nil {
		return nil, err
	}
	c.fetch.result = res
	return res, nil
}
