package sketch

import (
	"context"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/panpf/sketch-sub019/internal/bitmappool"
)

func TestPlanResize(t *testing.T) {
	tests := []struct {
		name        string
		w, h        int
		opts        []RequestOption
		shift       int
		wantW       int
		wantH       int
		wantCrop    image.Rectangle
		wantResized bool
	}{
		{
			name: "original size", w: 100, h: 50,
			wantW: 100, wantH: 50, wantCrop: image.Rect(0, 0, 100, 50),
		},
		{
			name: "less pixels shrinks", w: 100, h: 100,
			opts:  []RequestOption{WithResize(50, 50, PrecisionLessPixels, ScaleCenterCrop)},
			wantW: 50, wantH: 50, wantCrop: image.Rect(0, 0, 100, 100), wantResized: true,
		},
		{
			name: "less pixels never grows", w: 10, h: 10,
			opts:  []RequestOption{WithResize(50, 50, PrecisionLessPixels, ScaleCenterCrop)},
			wantW: 10, wantH: 10, wantCrop: image.Rect(0, 0, 10, 10),
		},
		{
			name: "same aspect ratio crops then fits", w: 200, h: 100,
			opts:  []RequestOption{WithResize(50, 50, PrecisionSameAspectRatio, ScaleCenterCrop)},
			wantW: 50, wantH: 50, wantCrop: image.Rect(50, 0, 150, 100), wantResized: true,
		},
		{
			name: "same aspect ratio does not upscale", w: 20, h: 10,
			opts:  []RequestOption{WithResize(100, 100, PrecisionSameAspectRatio, ScaleStartCrop)},
			wantW: 10, wantH: 10, wantCrop: image.Rect(0, 0, 10, 10), wantResized: true,
		},
		{
			name: "exactly upscales", w: 10, h: 10,
			opts:  []RequestOption{WithResize(40, 20, PrecisionExactly, ScaleEndCrop)},
			wantW: 40, wantH: 20, wantCrop: image.Rect(0, 5, 10, 10), wantResized: true,
		},
		{
			name: "exactly fill keeps the whole source", w: 30, h: 10,
			opts:  []RequestOption{WithResize(10, 10, PrecisionExactly, ScaleFill)},
			wantW: 10, wantH: 10, wantCrop: image.Rect(0, 0, 30, 10), wantResized: true,
		},
		{
			name: "sample shift halves", w: 64, h: 30, shift: 1,
			wantW: 32, wantH: 15, wantCrop: image.Rect(0, 0, 64, 30), wantResized: true,
		},
		{
			name: "sample shift keeps one pixel", w: 3, h: 3, shift: 3,
			wantW: 1, wantH: 1, wantCrop: image.Rect(0, 0, 3, 3), wantResized: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := NewRequest("x", tt.opts...)
			req.sampleShift = tt.shift

			plan := planResize(tt.w, tt.h, req)

			assert.Equal(t, tt.wantW, plan.width)
			assert.Equal(t, tt.wantH, plan.height)
			assert.Equal(t, tt.wantCrop, plan.crop)
			assert.Equal(t, tt.wantResized, plan.resized)
		})
	}
}

func TestCropRect(t *testing.T) {
	assert.Equal(t, image.Rect(0, 0, 50, 100), cropRect(200, 100, 1, 2, ScaleStartCrop))
	assert.Equal(t, image.Rect(75, 0, 125, 100), cropRect(200, 100, 1, 2, ScaleCenterCrop))
	assert.Equal(t, image.Rect(150, 0, 200, 100), cropRect(200, 100, 1, 2, ScaleEndCrop))
	assert.Equal(t, image.Rect(0, 25, 100, 75), cropRect(100, 100, 2, 1, ScaleCenterCrop))
}

func decodeWith(t *testing.T, pool *BitmapPool, maxBytes int64, data []byte, req *Request) (*DecodeResult, error) {
	t.Helper()
	fetched := &FetchResult{Source: newBytesSource(data, DataFromLocal), MimeType: "image/png", DataFrom: DataFromLocal}
	dec := NewImageDecoderFactory(pool, maxBytes).Create(req, fetched)
	require.NotNil(t, dec)
	return dec.Decode(context.Background())
}

func TestImageDecoder_Decode(t *testing.T) {
	pool := bitmappool.New(1 << 20)
	data := pngBytes(t, 20, 10, colorRed)

	res, err := decodeWith(t, pool, 0, data, NewRequest("x", WithBufferConfig(ConfigGray)))
	require.NoError(t, err)

	assert.IsType(t, &image.Gray{}, res.Image)
	assert.Equal(t, ImageInfo{Width: 20, Height: 10, MimeType: "image/png"}, res.Info)
	assert.Equal(t, DataFromLocal, res.DataFrom)
	assert.Empty(t, res.TransformsApplied)
	require.NotNil(t, res.Buffer)
}

func TestImageDecoder_ReusesPooledBuffer(t *testing.T) {
	pool := bitmappool.New(1 << 20)
	pooled := bitmappool.NewBuffer(8, 8, ConfigRGBA)
	require.True(t, pool.Put(pooled))

	res, err := decodeWith(t, pool, 0, pngBytes(t, 8, 8, colorRed), NewRequest("x"))
	require.NoError(t, err)

	assert.Same(t, pooled, res.Buffer)
	r, _, _, a := res.Image.At(3, 3).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Equal(t, uint32(0xffff), a)
}

func TestImageDecoder_OutOfMemory(t *testing.T) {
	pool := bitmappool.New(1 << 20)

	_, err := decodeWith(t, pool, 100, pngBytes(t, 20, 20, colorRed), NewRequest("x"))

	assert.True(t, IsDecodeError(err))
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestImageDecoder_BudgetCountsFullSizeSource(t *testing.T) {
	pool := bitmappool.New(1 << 20)
	data := pngBytes(t, 100, 100, colorRed)
	req := func() *Request { return NewRequest("x", WithResize(10, 10, PrecisionExactly, ScaleCenterCrop)) }

	// The 10x10 output needs 400 bytes but the source decodes to 40000.
	_, err := decodeWith(t, pool, 20_000, data, req())
	assert.ErrorIs(t, err, ErrOutOfMemory)

	res, err := decodeWith(t, pool, 40_400, data, req())
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 10, 10), res.Image.Bounds())
}

func TestImageDecoderFactory_Create(t *testing.T) {
	factory := NewImageDecoderFactory(bitmappool.New(1<<20), 0)
	src := newBytesSource(nil, DataFromLocal)

	assert.Nil(t, factory.Create(NewRequest("x"), &FetchResult{Source: src, MimeType: "text/html"}))
	assert.NotNil(t, factory.Create(NewRequest("x"), &FetchResult{Source: src, MimeType: "image/webp"}))
	assert.NotNil(t, factory.Create(NewRequest("x"), &FetchResult{Source: src}))
	assert.NotNil(t, factory.Create(NewRequest("x"), &FetchResult{Source: src, MimeType: "application/octet-stream"}))
}
