package explain

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/colornames"

	"github.com/Brownie44l1/pneumo-api/internal/nn"
)

func TestGradCAM(t *testing.T) {
	act := nn.NewVolume(3, 4, 2)
	grad := nn.NewVolume(3, 4, 2)
	// Channel 0 matters positively, channel 1 negatively.
	for i := range grad.Data {
		if i%2 == 0 {
			grad.Data[i] = 1
		} else {
			grad.Data[i] = -0.5
		}
	}
	act.Data[act.Index(1, 2, 0)] = 4
	act.Data[act.Index(0, 0, 0)] = 1
	act.Data[act.Index(2, 3, 1)] = 3

	imp, err := GradCAM(act, grad, true)
	require.NoError(t, err)
	assert.Equal(t, 4, imp.W)
	assert.Equal(t, 3, imp.H)
	assert.InDelta(t, 1, imp.At(2, 1), 1e-12)
	assert.InDelta(t, 0.25, imp.At(0, 0), 1e-12)
	assert.Equal(t, 0.0, imp.At(3, 2))

	t.Run("normal flips the gradient", func(t *testing.T) {
		imp, err := GradCAM(act, grad, false)
		require.NoError(t, err)
		assert.InDelta(t, 1, imp.At(3, 2), 1e-12)
		assert.Equal(t, 0.0, imp.At(2, 1))
	})

	t.Run("no positive evidence", func(t *testing.T) {
		imp, err := GradCAM(nn.NewVolume(2, 2, 1), nn.NewVolume(2, 2, 1), true)
		require.NoError(t, err)
		assert.Equal(t, []float64{0, 0, 0, 0}, imp.Values)
	})

	t.Run("shape mismatch", func(t *testing.T) {
		_, err := GradCAM(nn.NewVolume(2, 2, 1), nn.NewVolume(2, 3, 1), true)
		assert.Error(t, err)
	})
}

func TestPlaceholder(t *testing.T) {
	imp := Placeholder(21, 15)
	assert.InDelta(t, 1, imp.At(10, 7), 1e-12)
	assert.Less(t, imp.At(0, 0), 0.05)
	assert.InDelta(t, imp.At(2, 7), imp.At(18, 7), 1e-12)
	for _, v := range imp.Values {
		assert.True(t, v >= 0 && v <= 1)
	}
}

func TestRenderMatchesOriginalDimensions(t *testing.T) {
	sizes := []image.Rectangle{
		image.Rect(0, 0, 224, 224),
		image.Rect(0, 0, 1024, 768),
		image.Rect(0, 0, 37, 513),
		image.Rect(10, 20, 110, 70),
	}
	for _, r := range sizes {
		original := image.NewGray(r)
		heat, overlay := Render(original, Placeholder(7, 7), 0.45)
		assert.Equal(t, r.Dx(), heat.Bounds().Dx(), "%v", r)
		assert.Equal(t, r.Dy(), heat.Bounds().Dy(), "%v", r)
		assert.Equal(t, heat.Bounds(), overlay.Bounds())
	}
}

func TestRender(t *testing.T) {
	original := image.NewRGBA(image.Rect(0, 0, 40, 40))
	for i := range original.Pix {
		original.Pix[i] = 100
	}

	t.Run("zero alpha keeps the original", func(t *testing.T) {
		_, overlay := Render(original, Placeholder(8, 8), 0)
		assert.Equal(t, original.Pix, overlay.Pix)
	})

	t.Run("hot center is tinted warm", func(t *testing.T) {
		heat, overlay := Render(original, Placeholder(8, 8), 0.5)
		assert.Greater(t, heat.GrayAt(20, 20).Y, heat.GrayAt(0, 0).Y)
		c := overlay.RGBAAt(20, 20)
		assert.Greater(t, c.R, c.B)
		assert.Equal(t, uint8(255), c.A)
	})
}

func TestWarm(t *testing.T) {
	assert.Equal(t, colornames.Darkred, Warm(0))
	assert.Equal(t, colornames.Lightyellow, Warm(1))
	assert.Equal(t, Warm(1), Warm(7))
	assert.Equal(t, Warm(0), Warm(-1))

	mid := Warm(0.5)
	assert.Equal(t, uint8(255), mid.A)
	assert.Greater(t, mid.R, mid.B)
}
