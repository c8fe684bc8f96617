package sketch

import (
	"context"
	"fmt"
)

// RequestInterceptor wraps the execution of one request. Intercept either
// returns a result of its own or calls chain.Proceed exactly once.
type RequestInterceptor interface {
	Key() string
	SortWeight() int
	Intercept(ctx context.Context, chain *RequestChain) (*Result, error)
}

// RequestChain is the view an interceptor gets of the rest of the request
// pipeline.
type RequestChain struct {
	pos          position
	engine       *Engine
	request      *Request
	interceptors []RequestInterceptor
}

func newRequestChain(e *Engine, req *Request, interceptors []RequestInterceptor) *RequestChain {
	return &RequestChain{engine: e, request: req, interceptors: interceptors}
}

// Request returns the request being executed.
func (c *RequestChain) Request() *Request { return c.request }

// Engine returns the engine running the chain.
func (c *RequestChain) Engine() *Engine { return c.engine }

// Proceed runs the rest of the chain for the current request.
func (c *RequestChain) Proceed(ctx context.Context) (*Result, error) {
	return c.ProceedWith(ctx, c.request)
}

// ProceedWith runs the rest of the chain for req. A position proceeds at most
// once; later calls return ErrChainReused.
func (c *RequestChain) ProceedWith(ctx context.Context, req *Request) (*Result, error) {
	if err := c.pos.claim(); err != nil {
		return nil, err
	}
	if c.pos.index >= len(c.interceptors) {
		return nil, fmt.Errorf("request chain exhausted after %d interceptors", len(c.interceptors))
	}
	next := &RequestChain{
		pos:          position{index: c.pos.index + 1},
		engine:       c.engine,
		request:      req,
		interceptors: c.interceptors,
	}
	return c.interceptors[c.pos.index].Intercept(ctx, next)
}
