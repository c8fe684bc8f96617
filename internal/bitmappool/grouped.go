package bitmappool

import "container/list"

// groupedMap keeps a list of values per key and orders keys by recency of use,
// so the least recently used group gives up values first.
type groupedMap[K comparable, V any] struct {
	groups map[K]*list.Element
	order  *list.List // front = most recently used
}

type group[K comparable, V any] struct {
	key    K
	values []V
}

func newGroupedMap[K comparable, V any]() *groupedMap[K, V] {
	return &groupedMap[K, V]{
		groups: make(map[K]*list.Element),
		order:  list.New(),
	}
}

func (m *groupedMap[K, V]) put(key K, v V) {
	elem, ok := m.groups[key]
	if !ok {
		elem = m.order.PushFront(&group[K, V]{key: key})
		m.groups[key] = elem
	} else {
		m.order.MoveToFront(elem)
	}
	g := elem.Value.(*group[K, V])
	g.values = append(g.values, v)
}

func (m *groupedMap[K, V]) get(key K) (V, bool) {
	var zero V
	elem, ok := m.groups[key]
	if !ok {
		return zero, false
	}
	m.order.MoveToFront(elem)
	return m.pop(elem)
}

// removeLast takes a value from the least recently used group.
func (m *groupedMap[K, V]) removeLast() (K, V, bool) {
	var zeroK K
	var zeroV V
	elem := m.order.Back()
	if elem == nil {
		return zeroK, zeroV, false
	}
	key := elem.Value.(*group[K, V]).key
	v, ok := m.pop(elem)
	if !ok {
		return zeroK, zeroV, false
	}
	return key, v, true
}

func (m *groupedMap[K, V]) pop(elem *list.Element) (V, bool) {
	var zero V
	g := elem.Value.(*group[K, V])
	n := len(g.values)
	if n == 0 {
		m.order.Remove(elem)
		delete(m.groups, g.key)
		return zero, false
	}
	v := g.values[n-1]
	g.values[n-1] = zero
	g.values = g.values[:n-1]
	if len(g.values) == 0 {
		m.order.Remove(elem)
		delete(m.groups, g.key)
	}
	return v, true
}

func (m *groupedMap[K, V]) len() int {
	n := 0
	for e := m.order.Front(); e != nil; e = e.Next() {
		n += len(e.Value.(*group[K, V]).values)
	}
	return n
}
