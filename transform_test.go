package sketch

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestRotate(t *testing.T) {
	out, err := Rotate{Degrees: 90}.Transform(context.Background(), solid(20, 10, colorRed))
	require.NoError(t, err)

	assert.Equal(t, 10, out.Bounds().Dx())
	assert.Equal(t, 20, out.Bounds().Dy())
	assert.Equal(t, "Rotate(90)", Rotate{Degrees: 90}.Key())
	assert.Equal(t, "Rotate(45.5)", Rotate{Degrees: 45.5}.Key())
}

func TestBlur(t *testing.T) {
	_, err := Blur{}.Transform(context.Background(), solid(4, 4, colorRed))
	assert.Error(t, err)

	out, err := Blur{Radius: 2}.Transform(context.Background(), solid(8, 8, colorRed))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 8), out.Bounds())
}

func TestGrayscale(t *testing.T) {
	out, err := Grayscale{}.Transform(context.Background(), solid(3, 3, colorRed))
	require.NoError(t, err)

	assert.IsType(t, &image.Gray{}, out)
}

func TestMask(t *testing.T) {
	src := solid(2, 2, color.NRGBA{R: 255, A: 255})
	src.SetNRGBA(1, 1, color.NRGBA{R: 255, A: 128})
	ctx := context.Background()

	t.Run("full strength paints the color", func(t *testing.T) {
		out, err := Mask{Color: "#0000ff", Strength: 1}.Transform(ctx, src)
		require.NoError(t, err)
		got := out.(*image.NRGBA).NRGBAAt(0, 0)
		assert.InDelta(t, 0, int(got.R), 1)
		assert.InDelta(t, 0, int(got.G), 1)
		assert.InDelta(t, 255, int(got.B), 1)
		assert.Equal(t, uint8(255), got.A)
		assert.Equal(t, uint8(128), out.(*image.NRGBA).NRGBAAt(1, 1).A)
	})

	t.Run("zero strength keeps the image", func(t *testing.T) {
		out, err := Mask{Color: "#0000ff", Strength: 0}.Transform(ctx, src)
		require.NoError(t, err)
		got := out.(*image.NRGBA).NRGBAAt(0, 0)
		assert.InDelta(t, 255, int(got.R), 1)
		assert.InDelta(t, 0, int(got.B), 1)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := Mask{Color: "blue", Strength: 0.5}.Transform(ctx, src)
		assert.Error(t, err)
		_, err = Mask{Color: "#0000ff", Strength: 2}.Transform(ctx, src)
		assert.Error(t, err)
	})
}

func TestTransform_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, tr := range []Transformation{Rotate{Degrees: 90}, Blur{Radius: 1}, Grayscale{}, Mask{Color: "#ffffff", Strength: 0.5}} {
		_, err := tr.Transform(ctx, solid(2, 2, colorRed))
		assert.ErrorIs(t, err, context.Canceled, tr.Key())
	}
}

func TestEngine_AppliesTransformationsInOrder(t *testing.T) {
	e := newTestEngine(t)

	res, err := e.Execute(context.Background(), NewRequest(dataURI(t, 20, 10),
		WithTransformations(Rotate{Degrees: 90}, Grayscale{})))
	require.NoError(t, err)
	defer res.Release()

	assert.Equal(t, []string{"Rotate(90)", "Grayscale"}, res.TransformsApplied)
	assert.Equal(t, 10, res.Image.Bounds().Dx())
	assert.IsType(t, &image.Gray{}, res.Image)
}

func TestEngine_FailingTransformationIsDecodeError(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.Execute(context.Background(), NewRequest(dataURI(t, 4, 4),
		WithTransformations(Blur{Radius: -1})))

	assert.True(t, IsDecodeError(err))
}
