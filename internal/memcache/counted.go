package memcache

import (
	"image"
	"sync"
	"sync/atomic"

	"github.com/panpf/sketch-sub019/internal/bitmappool"
)

// Recycler takes back the pixel buffer of a released image.
type Recycler interface {
	Put(b *bitmappool.Buffer) bool
}

// CountedImage is a decoded image shared between the memory cache and its
// users. It is released once nobody holds a Handle to it and it is no longer
// cached; releasing hands a pooled buffer back to the Recycler.
type CountedImage struct {
	key      string
	image    image.Image
	buffer   *bitmappool.Buffer
	size     int64
	recycler Recycler
	attached any

	mu       sync.Mutex
	refs     int
	cached   bool
	released atomic.Bool
}

// ImageOption configures a CountedImage.
type ImageOption func(*CountedImage)

// WithBuffer records the pooled buffer backing the image.
func WithBuffer(b *bitmappool.Buffer) ImageOption {
	return func(c *CountedImage) { c.buffer = b }
}

// WithRecycler sets where the backing buffer goes on release. Without one the
// buffer is simply dropped.
func WithRecycler(r Recycler) ImageOption {
	return func(c *CountedImage) { c.recycler = r }
}

// WithAttachment stores caller data that travels with the image, such as
// how it was produced.
func WithAttachment(v any) ImageOption {
	return func(c *CountedImage) { c.attached = v }
}

// NewCountedImage wraps img for key.
func NewCountedImage(key string, img image.Image, opts ...ImageOption) *CountedImage {
	c := &CountedImage{key: key, image: img}
	for _, opt := range opts {
		opt(c)
	}
	c.size = measure(img, c.buffer)
	return c
}

// measure returns the resident byte size of an image. An unmeasurable image
// counts as one byte so every entry takes space.
func measure(img image.Image, buf *bitmappool.Buffer) int64 {
	var n int64
	switch {
	case buf != nil:
		n = buf.AllocationByteCount()
	case img != nil:
		b := img.Bounds()
		n = int64(b.Dx()) * int64(b.Dy()) * 4
	}
	if n <= 0 {
		return 1
	}
	return n
}

// Key returns the cache key the image was decoded for.
func (c *CountedImage) Key() string { return c.key }

// Image returns the decoded image. It must not be used once Released is true.
func (c *CountedImage) Image() image.Image { return c.image }

// Buffer returns the pooled buffer backing the image, if any.
func (c *CountedImage) Buffer() *bitmappool.Buffer { return c.buffer }

// Attachment returns the value set with WithAttachment.
func (c *CountedImage) Attachment() any { return c.attached }

// Size returns the resident byte size.
func (c *CountedImage) Size() int64 { return c.size }

// Released reports whether the image has been released.
func (c *CountedImage) Released() bool { return c.released.Load() }

// RefCount returns the number of outstanding handles.
func (c *CountedImage) RefCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// InUse reports whether any handle is outstanding.
func (c *CountedImage) InUse() bool { return c.RefCount() > 0 }

// Cached reports whether the image is currently held by a cache.
func (c *CountedImage) Cached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cached
}

// Acquire marks the image in use and returns the handle that undoes it. It
// returns false when the image has already been released.
func (c *CountedImage) Acquire() (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released.Load() {
		return nil, false
	}
	c.refs++
	return &Handle{img: c}, true
}

func (c *CountedImage) setCached(cached bool) {
	c.mu.Lock()
	c.cached = cached
	release := c.shouldRelease()
	c.mu.Unlock()
	if release {
		c.release()
	}
}

func (c *CountedImage) decRef() {
	c.mu.Lock()
	if c.refs > 0 {
		c.refs--
	}
	release := c.shouldRelease()
	c.mu.Unlock()
	if release {
		c.release()
	}
}

// shouldRelease must be called with c.mu held. It flips the released flag so
// only one caller performs the release.
func (c *CountedImage) shouldRelease() bool {
	if c.refs > 0 || c.cached {
		return false
	}
	return !c.released.Swap(true)
}

func (c *CountedImage) release() {
	if c.buffer == nil {
		return
	}
	if c.recycler == nil || !c.recycler.Put(c.buffer) {
		c.buffer.Release()
	}
}

// Handle is a release guard for one Acquire.
type Handle struct {
	img  *CountedImage
	once sync.Once
}

// Image returns the held image.
func (h *Handle) Image() *CountedImage { return h.img }

// Release gives up the handle. Calls after the first are no-ops.
func (h *Handle) Release() {
	h.once.Do(h.img.decRef)
}
