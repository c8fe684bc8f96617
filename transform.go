package sketch

import (
	"context"
	"fmt"
	"image"
	"image/color"

	"github.com/anthonynsimon/bild/blur"
	"github.com/anthonynsimon/bild/effect"
	"github.com/disintegration/imaging"
	colorful "github.com/lucasb-eyer/go-colorful"
)

// Rotate turns the image counter-clockwise by Degrees. Uncovered corners are
// transparent.
type Rotate struct {
	Degrees float64
}

func (t Rotate) Key() string { return fmt.Sprintf("Rotate(%g)", t.Degrees) }

func (t Rotate) Transform(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return imaging.Rotate(img, t.Degrees, color.Transparent), nil
}

// Blur applies a Gaussian blur of Radius pixels.
type Blur struct {
	Radius float64
}

func (t Blur) Key() string { return fmt.Sprintf("Blur(%g)", t.Radius) }

func (t Blur) Transform(ctx context.Context, img image.Image) (image.Image, error) {
	if t.Radius <= 0 {
		return nil, fmt.Errorf("blur radius must be positive, got %g", t.Radius)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return blur.Gaussian(img, t.Radius), nil
}

// Grayscale removes color.
type Grayscale struct{}

func (Grayscale) Key() string { return "Grayscale" }

func (Grayscale) Transform(ctx context.Context, img image.Image) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return effect.Grayscale(img), nil
}

// Mask tints the image toward Color, given as a hex string such as
// "#ff0000". Strength 0 leaves the image untouched and 1 paints every pixel
// with the color. Blending happens in CIE L*a*b* space and keeps alpha.
type Mask struct {
	Color    string
	Strength float64
}

func (t Mask) Key() string { return fmt.Sprintf("Mask(%s,%g)", t.Color, t.Strength) }

func (t Mask) Transform(ctx context.Context, img image.Image) (image.Image, error) {
	tint, err := colorful.Hex(t.Color)
	if err != nil {
		return nil, fmt.Errorf("parse mask color: %w", err)
	}
	if t.Strength < 0 || t.Strength > 1 {
		return nil, fmt.Errorf("mask strength must be within [0, 1], got %g", t.Strength)
	}

	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := b.Min.X; x < b.Max.X; x++ {
			src := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			if src.A == 0 {
				continue
			}
			c, _ := colorful.MakeColor(color.NRGBA{R: src.R, G: src.G, B: src.B, A: 0xff})
			r, g, bl := c.BlendLab(tint, t.Strength).Clamped().RGB255()
			out.SetNRGBA(x-b.Min.X, y-b.Min.Y, color.NRGBA{R: r, G: g, B: bl, A: src.A})
		}
	}
	return out, nil
}
