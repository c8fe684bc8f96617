package sketch

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"math"
	"strings"

	"github.com/dustin/go-humanize"
	_ "golang.org/x/image/bmp" // register BMP decoder
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // register TIFF decoder
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/panpf/sketch-sub019/internal/bitmappool"
)

// DefaultMaxDecodeBytes caps the memory a single decode may take.
const DefaultMaxDecodeBytes = 256 << 20

// decodedBytesPerPixel estimates the size of a fully decoded source pixel.
const decodedBytesPerPixel = 4

// BitmapPool is the engine's pool of reusable pixel buffers.
type BitmapPool = bitmappool.Pool

// Decoder turns fetched bytes into an image.
type Decoder interface {
	Decode(ctx context.Context) (*DecodeResult, error)
}

// DecoderFactory creates a Decoder for data it understands and returns nil
// otherwise. Factories are tried in registration order.
type DecoderFactory interface {
	Create(req *Request, fetched *FetchResult) Decoder
}

// ImageDecoderFactory decodes every format registered with the image package,
// including GIF, JPEG, PNG, BMP, TIFF and WebP. Output is scaled into a
// buffer from the pool when one is set.
type ImageDecoderFactory struct {
	pool     *BitmapPool
	maxBytes int64
}

// NewImageDecoderFactory creates a decoder factory. pool may be nil. A
// decode whose source and output together need more than maxBytes fails with
// ErrOutOfMemory; zero means DefaultMaxDecodeBytes.
func NewImageDecoderFactory(pool *BitmapPool, maxBytes int64) *ImageDecoderFactory {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDecodeBytes
	}
	return &ImageDecoderFactory{pool: pool, maxBytes: maxBytes}
}

// Create accepts data with an image or unknown mime type.
func (f *ImageDecoderFactory) Create(req *Request, fetched *FetchResult) Decoder {
	mt := strings.ToLower(fetched.MimeType)
	if mt != "" && !strings.HasPrefix(mt, "image/") && mt != "application/octet-stream" {
		return nil
	}
	return &imageDecoder{factory: f, req: req, fetched: fetched}
}

type imageDecoder struct {
	factory *ImageDecoderFactory
	req     *Request
	fetched *FetchResult
}

func (d *imageDecoder) Decode(ctx context.Context) (*DecodeResult, error) {
	cfg, format, err := d.readConfig()
	if err != nil {
		return nil, newDecodeError(err, "read image header")
	}
	info := ImageInfo{Width: cfg.Width, Height: cfg.Height, MimeType: "image/" + format}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, newDecodeError(fmt.Errorf("invalid dimensions %dx%d", cfg.Width, cfg.Height), "read image header")
	}

	plan := planResize(cfg.Width, cfg.Height, d.req)
	if err := d.checkBudget(cfg, plan); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := d.decodeFull()
	if err != nil {
		return nil, newDecodeError(err, "decode %s", format)
	}

	buf := d.buffer(plan.width, plan.height)
	dst := buf.Image()
	if !plan.resized && src.Bounds().Min == (image.Point{}) {
		draw.Draw(dst, dst.Bounds(), src, image.Point{}, draw.Src)
	} else {
		d.scaler().Scale(dst, dst.Bounds(), src, plan.crop.Add(src.Bounds().Min), draw.Src, nil)
	}

	res := &DecodeResult{
		Image:    dst,
		Info:     info,
		DataFrom: d.fetched.DataFrom,
		Buffer:   buf,
	}
	if plan.resized {
		res.TransformsApplied = append(res.TransformsApplied, plan.key(d.req))
	}
	return res, nil
}

// checkBudget fails with ErrOutOfMemory when the full-size source and the
// output buffer, which are alive together, do not fit in maxBytes. Smaller
// outputs from downsampling shrink only the second term.
func (d *imageDecoder) checkBudget(cfg image.Config, plan resizePlan) error {
	source := int64(cfg.Width) * int64(cfg.Height) * decodedBytesPerPixel
	target := int64(plan.width) * int64(plan.height) * int64(d.req.BufferConfig.BytesPerPixel())
	if need := source + target; need > d.factory.maxBytes {
		return newDecodeError(
			fmt.Errorf("%w: %dx%d from %dx%d needs %s, limit %s", ErrOutOfMemory,
				plan.width, plan.height, cfg.Width, cfg.Height,
				humanize.IBytes(uint64(need)), humanize.IBytes(uint64(d.factory.maxBytes))),
			"allocate image")
	}
	return nil
}

func (d *imageDecoder) readConfig() (image.Config, string, error) {
	rc, err := d.fetched.Source.Open()
	if err != nil {
		return image.Config{}, "", err
	}
	defer rc.Close()
	return image.DecodeConfig(rc)
}

func (d *imageDecoder) decodeFull() (image.Image, error) {
	rc, err := d.fetched.Source.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	img, _, err := image.Decode(rc)
	return img, err
}

func (d *imageDecoder) buffer(width, height int) *Buffer {
	config := d.req.BufferConfig
	if d.factory.pool != nil && !d.req.DisallowReuseBitmap {
		// The whole buffer is overwritten with draw.Src, so stale pixels are
		// fine.
		if b := d.factory.pool.GetDirty(width, height, config); b != nil {
			return b
		}
	}
	return bitmappool.NewBuffer(width, height, config)
}

func (d *imageDecoder) scaler() draw.Scaler {
	if d.req.PreferQualityOverSpeed {
		return draw.CatmullRom
	}
	return draw.ApproxBiLinear
}

// resizePlan is the output size and the source region it is drawn from.
type resizePlan struct {
	width, height int
	crop          image.Rectangle
	resized       bool
}

func (p resizePlan) key(req *Request) string {
	return fmt.Sprintf("Resize(%dx%d,%s,%s)", p.width, p.height, req.Precision, req.Scale)
}

// planResize computes how a w x h source is drawn for req. Sizes never grow
// beyond the source except for PrecisionExactly.
func planResize(w, h int, req *Request) resizePlan {
	full := image.Rect(0, 0, w, h)
	plan := resizePlan{width: w, height: h, crop: full}

	if !req.Size.IsZero() {
		tw, th := req.Size.Width, req.Size.Height
		switch req.Precision {
		case PrecisionExactly:
			plan.width, plan.height = tw, th
			if req.Scale != ScaleFill {
				plan.crop = cropRect(w, h, tw, th, req.Scale)
			}
		case PrecisionSameAspectRatio:
			if req.Scale != ScaleFill {
				plan.crop = cropRect(w, h, tw, th, req.Scale)
			}
			cw, ch := plan.crop.Dx(), plan.crop.Dy()
			ratio := math.Min(1, math.Min(float64(tw)/float64(cw), float64(th)/float64(ch)))
			plan.width = max(1, int(math.Round(float64(cw)*ratio)))
			plan.height = max(1, int(math.Round(float64(ch)*ratio)))
		default:
			target, source := int64(tw)*int64(th), int64(w)*int64(h)
			if target < source {
				ratio := math.Sqrt(float64(target) / float64(source))
				plan.width = max(1, int(float64(w)*ratio))
				plan.height = max(1, int(float64(h)*ratio))
			}
		}
	}

	if shift := req.SampleShift(); shift > 0 {
		plan.width = max(1, plan.width>>shift)
		plan.height = max(1, plan.height>>shift)
	}
	plan.resized = plan.width != w || plan.height != h || plan.crop != full
	return plan
}

// cropRect returns the largest region of a w x h image with the aspect ratio
// of tw x th, anchored according to scale.
func cropRect(w, h, tw, th int, scale Scale) image.Rectangle {
	cw, ch := w, h
	if int64(w)*int64(th) > int64(h)*int64(tw) {
		cw = max(1, int(int64(h)*int64(tw)/int64(th)))
	} else {
		ch = max(1, int(int64(w)*int64(th)/int64(tw)))
	}
	var x, y int
	switch scale {
	case ScaleStartCrop:
	case ScaleEndCrop:
		x, y = w-cw, h-ch
	default:
		x, y = (w-cw)/2, (h-ch)/2
	}
	return image.Rect(x, y, x+cw, y+ch)
}
