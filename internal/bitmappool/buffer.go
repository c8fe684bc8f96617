package bitmappool

import (
	"fmt"
	"image"
	"image/draw"
	"sync/atomic"
)

// Config identifies the pixel layout of a Buffer.
type Config int

// Supported pixel layouts.
const (
	ConfigRGBA Config = iota
	ConfigNRGBA
	ConfigGray
	ConfigRGBA64
	ConfigAlpha
)

// BytesPerPixel returns the storage size of a single pixel.
func (c Config) BytesPerPixel() int {
	switch c {
	case ConfigGray, ConfigAlpha:
		return 1
	case ConfigRGBA64:
		return 8
	default:
		return 4
	}
}

func (c Config) String() string {
	switch c {
	case ConfigRGBA:
		return "RGBA"
	case ConfigNRGBA:
		return "NRGBA"
	case ConfigGray:
		return "GRAY"
	case ConfigRGBA64:
		return "RGBA64"
	case ConfigAlpha:
		return "ALPHA"
	default:
		return fmt.Sprintf("Config(%d)", int(c))
	}
}

// ConfigOf reports the Config matching the concrete type of img.
func ConfigOf(img image.Image) (Config, bool) {
	switch img.(type) {
	case *image.RGBA:
		return ConfigRGBA, true
	case *image.NRGBA:
		return ConfigNRGBA, true
	case *image.Gray:
		return ConfigGray, true
	case *image.RGBA64:
		return ConfigRGBA64, true
	case *image.Alpha:
		return ConfigAlpha, true
	default:
		return 0, false
	}
}

// Buffer is a reusable pixel buffer. The backing slice keeps its capacity
// across reconfiguration so a buffer can serve any request that fits in it.
//
// A Buffer is owned by one holder at a time; only the mutable and released
// flags are safe for concurrent access.
type Buffer struct {
	pix    []byte
	width  int
	height int
	config Config
	img    draw.Image

	immutable atomic.Bool
	released  atomic.Bool
	pooled    atomic.Bool
}

// NewBuffer allocates a buffer for width x height pixels of config.
func NewBuffer(width, height int, config Config) *Buffer {
	b := &Buffer{
		pix: make([]byte, width*height*config.BytesPerPixel()),
	}
	b.reshape(width, height, config)
	return b
}

// Wrap adopts the pixels of an existing image as a Buffer. It returns false
// when the image type is not one of the supported configs.
func Wrap(img image.Image) (*Buffer, bool) {
	config, ok := ConfigOf(img)
	if !ok {
		return nil, false
	}
	b := img.Bounds()
	var pix []byte
	switch m := img.(type) {
	case *image.RGBA:
		pix = m.Pix
	case *image.NRGBA:
		pix = m.Pix
	case *image.Gray:
		pix = m.Pix
	case *image.RGBA64:
		pix = m.Pix
	case *image.Alpha:
		pix = m.Pix
	}
	need := b.Dx() * b.Dy() * config.BytesPerPixel()
	if b.Min != (image.Point{}) || len(pix) != need {
		// Sub-images share a parent's pixels with a foreign stride.
		return nil, false
	}
	return &Buffer{
		pix:    pix,
		width:  b.Dx(),
		height: b.Dy(),
		config: config,
		img:    img.(draw.Image),
	}, true
}

func (b *Buffer) reshape(width, height int, config Config) {
	n := width * height * config.BytesPerPixel()
	b.pix = b.pix[:n]
	b.width, b.height, b.config = width, height, config
	rect := image.Rect(0, 0, width, height)
	stride := width * config.BytesPerPixel()
	switch config {
	case ConfigNRGBA:
		b.img = &image.NRGBA{Pix: b.pix, Stride: stride, Rect: rect}
	case ConfigGray:
		b.img = &image.Gray{Pix: b.pix, Stride: stride, Rect: rect}
	case ConfigRGBA64:
		b.img = &image.RGBA64{Pix: b.pix, Stride: stride, Rect: rect}
	case ConfigAlpha:
		b.img = &image.Alpha{Pix: b.pix, Stride: stride, Rect: rect}
	default:
		b.img = &image.RGBA{Pix: b.pix, Stride: stride, Rect: rect}
	}
}

// Reconfigure reshapes the buffer in place. It fails when the backing slice is
// too small or the buffer has been released.
func (b *Buffer) Reconfigure(width, height int, config Config) bool {
	if b.Released() || width <= 0 || height <= 0 {
		return false
	}
	if width*height*config.BytesPerPixel() > cap(b.pix) {
		return false
	}
	b.reshape(width, height, config)
	return true
}

// Image returns the buffer as a drawable image. The image aliases the buffer's
// memory and must not be used after the buffer is returned to a pool.
func (b *Buffer) Image() draw.Image { return b.img }

// Width returns the configured width in pixels.
func (b *Buffer) Width() int { return b.width }

// Height returns the configured height in pixels.
func (b *Buffer) Height() int { return b.height }

// Config returns the configured pixel layout.
func (b *Buffer) Config() Config { return b.config }

// ByteCount returns the bytes used by the current configuration.
func (b *Buffer) ByteCount() int64 { return int64(len(b.pix)) }

// AllocationByteCount returns the capacity of the backing memory.
func (b *Buffer) AllocationByteCount() int64 { return int64(cap(b.pix)) }

// Mutable reports whether the buffer may be written to and therefore pooled.
func (b *Buffer) Mutable() bool { return !b.immutable.Load() }

// SetImmutable marks the buffer as read-only, e.g. when its pixels are owned
// by a decoder or another image.
func (b *Buffer) SetImmutable() { b.immutable.Store(true) }

// Pooled reports whether the buffer is sitting in a pool.
func (b *Buffer) Pooled() bool { return b.pooled.Load() }

// Released reports whether the backing memory has been dropped.
func (b *Buffer) Released() bool { return b.released.Load() }

// Release drops the backing memory. It is safe to call more than once.
func (b *Buffer) Release() {
	if b.released.Swap(true) {
		return
	}
	b.pix = nil
	b.img = nil
}

// Erase zeroes the configured pixels.
func (b *Buffer) Erase() {
	clear(b.pix)
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer(%dx%d,%s,%d bytes)", b.width, b.height, b.config, cap(b.pix))
}
