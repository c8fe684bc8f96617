package sketch

import (
	"cmp"
	"slices"
	"sync/atomic"
)

// weighted is implemented by both interceptor kinds.
type weighted interface {
	Key() string
	SortWeight() int
}

// sortByWeight orders interceptors by weight, highest first. Equal weights
// keep registration order.
func sortByWeight[T weighted](items []T) []T {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b T) int {
		return cmp.Compare(b.SortWeight(), a.SortWeight())
	})
	return out
}

// position is one step of a chain. It may proceed once.
type position struct {
	index     int
	proceeded atomic.Bool
}

func (p *position) claim() error {
	if !p.proceeded.CompareAndSwap(false, true) {
		return ErrChainReused
	}
	return nil
}
