package sketch

import (
	"context"
	"fmt"
	"image"
	"net/url"
	"strconv"
	"strings"

	"github.com/panpf/sketch-sub019/internal/bitmappool"
)

// Depth limits how far down the cache hierarchy a request may go.
type Depth int

const (
	// DepthNetwork allows every source, including the network.
	DepthNetwork Depth = iota
	// DepthLocal allows memory, disk caches and local sources but no network
	// download.
	DepthLocal
	// DepthMemory only allows the memory cache.
	DepthMemory
)

func (d Depth) String() string {
	switch d {
	case DepthNetwork:
		return "NETWORK"
	case DepthLocal:
		return "LOCAL"
	case DepthMemory:
		return "MEMORY"
	default:
		return fmt.Sprintf("Depth(%d)", int(d))
	}
}

// CachePolicy controls how a request uses one cache tier.
type CachePolicy int

const (
	// CachePolicyEnabled reads from and writes to the tier.
	CachePolicyEnabled CachePolicy = iota
	// CachePolicyDisabled skips the tier.
	CachePolicyDisabled
	// CachePolicyReadOnly reads from the tier but never writes to it.
	CachePolicyReadOnly
	// CachePolicyWriteOnly writes to the tier but never reads from it.
	CachePolicyWriteOnly
)

// ReadEnabled reports whether the policy allows reading the tier.
func (p CachePolicy) ReadEnabled() bool {
	return p == CachePolicyEnabled || p == CachePolicyReadOnly
}

// WriteEnabled reports whether the policy allows writing the tier.
func (p CachePolicy) WriteEnabled() bool {
	return p == CachePolicyEnabled || p == CachePolicyWriteOnly
}

func (p CachePolicy) String() string {
	switch p {
	case CachePolicyEnabled:
		return "ENABLED"
	case CachePolicyDisabled:
		return "DISABLED"
	case CachePolicyReadOnly:
		return "READ_ONLY"
	case CachePolicyWriteOnly:
		return "WRITE_ONLY"
	default:
		return fmt.Sprintf("CachePolicy(%d)", int(p))
	}
}

// Precision selects how strictly the decoded size follows Request.Size.
type Precision int

const (
	// PrecisionLessPixels keeps the aspect ratio and ensures the image has no
	// more pixels than the requested size.
	PrecisionLessPixels Precision = iota
	// PrecisionSameAspectRatio crops to the requested aspect ratio and then
	// scales down to fit.
	PrecisionSameAspectRatio
	// PrecisionExactly produces exactly the requested size, cropping as
	// needed.
	PrecisionExactly
)

func (p Precision) String() string {
	switch p {
	case PrecisionLessPixels:
		return "LESS_PIXELS"
	case PrecisionSameAspectRatio:
		return "SAME_ASPECT_RATIO"
	case PrecisionExactly:
		return "EXACTLY"
	default:
		return fmt.Sprintf("Precision(%d)", int(p))
	}
}

// Scale selects which part of the image a cropping Precision keeps.
type Scale int

const (
	ScaleCenterCrop Scale = iota
	ScaleStartCrop
	ScaleEndCrop
	// ScaleFill stretches the whole image to the target instead of cropping.
	ScaleFill
)

func (s Scale) String() string {
	switch s {
	case ScaleCenterCrop:
		return "CENTER_CROP"
	case ScaleStartCrop:
		return "START_CROP"
	case ScaleEndCrop:
		return "END_CROP"
	case ScaleFill:
		return "FILL"
	default:
		return fmt.Sprintf("Scale(%d)", int(s))
	}
}

// Size is a width and height in pixels. The zero Size means the original
// image size.
type Size struct {
	Width  int
	Height int
}

// IsZero reports whether s leaves the size to the source image.
func (s Size) IsZero() bool { return s.Width == 0 && s.Height == 0 }

func (s Size) String() string { return fmt.Sprintf("%dx%d", s.Width, s.Height) }

// BufferConfig is the pixel layout decoded images are stored in.
type BufferConfig = bitmappool.Config

// Buffer is a reusable pixel buffer from the engine's BitmapPool.
type Buffer = bitmappool.Buffer

// Pixel layouts available to requests.
const (
	ConfigRGBA   = bitmappool.ConfigRGBA
	ConfigNRGBA  = bitmappool.ConfigNRGBA
	ConfigGray   = bitmappool.ConfigGray
	ConfigRGBA64 = bitmappool.ConfigRGBA64
	ConfigAlpha  = bitmappool.ConfigAlpha
)

// Transformation rewrites a decoded image. Key identifies the transformation
// and its parameters; it becomes part of the request cache key.
type Transformation interface {
	Key() string
	Transform(ctx context.Context, img image.Image) (image.Image, error)
}

// Request describes one image to load. Build it with NewRequest; a Request
// must not be modified once passed to Execute.
type Request struct {
	// URI identifies the source, e.g. https://..., file:///..., data:...
	URI string

	// Depth limits the tiers the request may use.
	Depth Depth

	// Size is the target size. The zero Size keeps the original size.
	Size Size
	// Precision controls how Size is applied.
	Precision Precision
	// Scale controls which part is kept when Precision crops.
	Scale Scale

	// Transformations are applied in order after decoding.
	Transformations []Transformation

	// BufferConfig is the pixel layout of the decoded image.
	BufferConfig BufferConfig
	// DisallowReuseBitmap decodes into fresh memory and keeps the image out of
	// the BitmapPool once released.
	DisallowReuseBitmap bool
	// PreferQualityOverSpeed scales with Catmull-Rom instead of bilinear
	// interpolation.
	PreferQualityOverSpeed bool

	MemoryCachePolicy   CachePolicy
	ResultCachePolicy   CachePolicy
	DownloadCachePolicy CachePolicy

	// Listener observes the request lifecycle. Optional.
	Listener Listener
	// ProgressListener observes network downloads. Optional.
	ProgressListener ProgressListener

	// sampleShift halves the target size this many times; set by the
	// downsampling retry.
	sampleShift int
}

// RequestOption configures a Request.
type RequestOption func(*Request)

// WithDepth sets the request depth.
func WithDepth(d Depth) RequestOption {
	return func(r *Request) { r.Depth = d }
}

// WithResize sets the target size and how it is applied.
func WithResize(width, height int, precision Precision, scale Scale) RequestOption {
	return func(r *Request) {
		r.Size = Size{Width: width, Height: height}
		r.Precision = precision
		r.Scale = scale
	}
}

// WithTransformations appends transformations.
func WithTransformations(ts ...Transformation) RequestOption {
	return func(r *Request) { r.Transformations = append(r.Transformations, ts...) }
}

// WithBufferConfig sets the decoded pixel layout.
func WithBufferConfig(c BufferConfig) RequestOption {
	return func(r *Request) { r.BufferConfig = c }
}

// WithDisallowReuseBitmap keeps the request away from the BitmapPool.
func WithDisallowReuseBitmap() RequestOption {
	return func(r *Request) { r.DisallowReuseBitmap = true }
}

// WithPreferQualityOverSpeed selects the slower, sharper scaler.
func WithPreferQualityOverSpeed() RequestOption {
	return func(r *Request) { r.PreferQualityOverSpeed = true }
}

// WithMemoryCachePolicy sets the memory cache policy.
func WithMemoryCachePolicy(p CachePolicy) RequestOption {
	return func(r *Request) { r.MemoryCachePolicy = p }
}

// WithResultCachePolicy sets the result cache policy.
func WithResultCachePolicy(p CachePolicy) RequestOption {
	return func(r *Request) { r.ResultCachePolicy = p }
}

// WithDownloadCachePolicy sets the download cache policy.
func WithDownloadCachePolicy(p CachePolicy) RequestOption {
	return func(r *Request) { r.DownloadCachePolicy = p }
}

// WithListener sets the lifecycle listener.
func WithListener(l Listener) RequestOption {
	return func(r *Request) { r.Listener = l }
}

// WithProgressListener sets the download progress listener.
func WithProgressListener(l ProgressListener) RequestOption {
	return func(r *Request) { r.ProgressListener = l }
}

// NewRequest creates a request for uri.
func NewRequest(uri string, opts ...RequestOption) *Request {
	r := &Request{URI: uri}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Validate checks that the request can be executed.
func (r *Request) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.URI) == "" {
		return fmt.Errorf("%w: empty uri", ErrInvalidRequest)
	}
	if r.Size.Width < 0 || r.Size.Height < 0 {
		return fmt.Errorf("%w: negative size %s", ErrInvalidRequest, r.Size)
	}
	if (r.Size.Width == 0) != (r.Size.Height == 0) {
		return fmt.Errorf("%w: size %s must set both dimensions", ErrInvalidRequest, r.Size)
	}
	if r.Depth < DepthNetwork || r.Depth > DepthMemory {
		return fmt.Errorf("%w: unknown depth %d", ErrInvalidRequest, int(r.Depth))
	}
	for i, t := range r.Transformations {
		if t == nil {
			return fmt.Errorf("%w: transformation %d is nil", ErrInvalidRequest, i)
		}
	}
	return nil
}

// Key returns the cache key of the decoded image. It covers every parameter
// that changes the pixels and nothing else: depth, cache policies and
// listeners are left out. Each component is encoded with its field name and
// escaped, so different parameters never produce the same key.
func (r *Request) Key() string {
	v := url.Values{}
	v.Set("uri", r.URI)
	if !r.Size.IsZero() {
		v.Set("size", r.Size.String())
		v.Set("precision", r.Precision.String())
		v.Set("scale", r.Scale.String())
	}
	for _, t := range r.Transformations {
		v.Add("transformation", t.Key())
	}
	v.Set("bufferConfig", r.BufferConfig.String())
	v.Set("disallowReuseBitmap", strconv.FormatBool(r.DisallowReuseBitmap))
	v.Set("preferQualityOverSpeed", strconv.FormatBool(r.PreferQualityOverSpeed))
	return v.Encode()
}

// executionKey identifies work that can be shared between concurrent callers.
// Unlike Key it includes the depth and cache policies, since those change
// what the work is allowed to do.
func (r *Request) executionKey() string {
	v := url.Values{}
	v.Set("depth", r.Depth.String())
	v.Set("memoryCachePolicy", r.MemoryCachePolicy.String())
	v.Set("resultCachePolicy", r.ResultCachePolicy.String())
	v.Set("downloadCachePolicy", r.DownloadCachePolicy.String())
	return r.Key() + "#" + v.Encode()
}

// DownloadKey returns the key of the raw source bytes in the download cache.
func (r *Request) DownloadKey() string {
	return r.URI
}

// SampleShift returns how many times a downsampling retry has halved the
// target size. Decoders divide their output size by 1<<SampleShift.
func (r *Request) SampleShift() int {
	return r.sampleShift
}

func (r *Request) clone() *Request {
	c := *r
	c.Transformations = append([]Transformation(nil), r.Transformations...)
	return &c
}
