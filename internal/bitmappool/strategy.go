package bitmappool

import (
	"fmt"
	"sort"
)

// Strategy decides how pooled buffers are bucketed and matched.
// Implementations are not synchronized; the Pool serializes access.
type Strategy interface {
	// Put stores a buffer.
	Put(b *Buffer)
	// Get removes and returns a buffer able to serve the request, reconfigured
	// to it, or nil.
	Get(width, height int, config Config) *Buffer
	// RemoveLast removes the least recently used buffer.
	RemoveLast() *Buffer
	// Size returns the number of bytes b counts for in the pool.
	Size(b *Buffer) int64
	// Len returns the number of pooled buffers.
	Len() int
	// Describe renders the bucket a request maps to, for logging.
	Describe(width, height int, config Config) string
}

type attributeKey struct {
	width, height int
	config        Config
}

// AttributeStrategy matches buffers on exact width, height and config.
type AttributeStrategy struct {
	groups *groupedMap[attributeKey, *Buffer]
}

// NewAttributeStrategy creates an exact-match strategy.
func NewAttributeStrategy() *AttributeStrategy {
	return &AttributeStrategy{groups: newGroupedMap[attributeKey, *Buffer]()}
}

func (s *AttributeStrategy) Put(b *Buffer) {
	s.groups.put(attributeKey{b.Width(), b.Height(), b.Config()}, b)
}

func (s *AttributeStrategy) Get(width, height int, config Config) *Buffer {
	b, ok := s.groups.get(attributeKey{width, height, config})
	if !ok {
		return nil
	}
	return b
}

func (s *AttributeStrategy) RemoveLast() *Buffer {
	_, b, ok := s.groups.removeLast()
	if !ok {
		return nil
	}
	return b
}

func (s *AttributeStrategy) Size(b *Buffer) int64 { return b.ByteCount() }

func (s *AttributeStrategy) Len() int { return s.groups.len() }

func (s *AttributeStrategy) Describe(width, height int, config Config) string {
	return fmt.Sprintf("[%dx%d](%s)", width, height, config)
}

// maxSizeMultiple bounds how much larger than requested a reused buffer may be.
const maxSizeMultiple = 8

type sizeKey struct {
	size   int64
	config Config
}

// SizeConfigStrategy matches buffers by allocation size within a config and
// reshapes the best fit to the requested dimensions.
type SizeConfigStrategy struct {
	groups *groupedMap[sizeKey, *Buffer]
	// sorted distinct allocation sizes per config, with their buffer counts
	sizes  map[Config][]int64
	counts map[sizeKey]int
}

// NewSizeConfigStrategy creates a size-bucketed strategy.
func NewSizeConfigStrategy() *SizeConfigStrategy {
	return &SizeConfigStrategy{
		groups: newGroupedMap[sizeKey, *Buffer](),
		sizes:  make(map[Config][]int64),
		counts: make(map[sizeKey]int),
	}
}

func (s *SizeConfigStrategy) Put(b *Buffer) {
	key := sizeKey{b.AllocationByteCount(), b.Config()}
	s.groups.put(key, b)
	if s.counts[key] == 0 {
		sizes := s.sizes[key.config]
		i := sort.Search(len(sizes), func(i int) bool { return sizes[i] >= key.size })
		sizes = append(sizes, 0)
		copy(sizes[i+1:], sizes[i:])
		sizes[i] = key.size
		s.sizes[key.config] = sizes
	}
	s.counts[key]++
}

func (s *SizeConfigStrategy) Get(width, height int, config Config) *Buffer {
	need := int64(width * height * config.BytesPerPixel())
	sizes := s.sizes[config]
	i := sort.Search(len(sizes), func(i int) bool { return sizes[i] >= need })
	if i == len(sizes) || sizes[i] > need*maxSizeMultiple {
		return nil
	}
	key := sizeKey{sizes[i], config}
	b, ok := s.groups.get(key)
	if !ok {
		return nil
	}
	s.decrement(key)
	if !b.Reconfigure(width, height, config) {
		return nil
	}
	return b
}

func (s *SizeConfigStrategy) RemoveLast() *Buffer {
	_, b, ok := s.groups.removeLast()
	if !ok {
		return nil
	}
	s.decrement(sizeKey{b.AllocationByteCount(), b.Config()})
	return b
}

func (s *SizeConfigStrategy) decrement(key sizeKey) {
	s.counts[key]--
	if s.counts[key] > 0 {
		return
	}
	delete(s.counts, key)
	sizes := s.sizes[key.config]
	i := sort.Search(len(sizes), func(i int) bool { return sizes[i] >= key.size })
	if i < len(sizes) && sizes[i] == key.size {
		s.sizes[key.config] = append(sizes[:i], sizes[i+1:]...)
	}
}

func (s *SizeConfigStrategy) Size(b *Buffer) int64 { return b.AllocationByteCount() }

func (s *SizeConfigStrategy) Len() int { return s.groups.len() }

func (s *SizeConfigStrategy) Describe(width, height int, config Config) string {
	return fmt.Sprintf("[%d](%s)", width*height*config.BytesPerPixel(), config)
}
