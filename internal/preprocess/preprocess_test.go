package preprocess

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}))
	return buf.Bytes()
}

func TestDecodeBytes(t *testing.T) {
	t.Run("png", func(t *testing.T) {
		img, err := DecodeBytes(encodePNG(t, gradient(30, 20)), "a.png")
		require.NoError(t, err)
		assert.Equal(t, image.Rect(0, 0, 30, 20), img.Bounds())
	})

	t.Run("jpeg", func(t *testing.T) {
		img, err := DecodeBytes(encodeJPEG(t, gradient(30, 20)), "a.jpg")
		require.NoError(t, err)
		assert.Equal(t, 30, img.Bounds().Dx())
	})

	t.Run("gif is rejected", func(t *testing.T) {
		var buf bytes.Buffer
		pal := image.NewPaletted(image.Rect(0, 0, 4, 4), color.Palette{color.Black, color.White})
		require.NoError(t, gif.Encode(&buf, pal, nil))

		_, err := DecodeBytes(buf.Bytes(), "a.gif")
		var formatErr *UnsupportedFormatError
		require.True(t, errors.As(err, &formatErr))
		assert.Equal(t, "a.gif", formatErr.Source)
	})

	t.Run("garbage is rejected", func(t *testing.T) {
		_, err := DecodeBytes([]byte("not an image"), "x")
		var formatErr *UnsupportedFormatError
		assert.True(t, errors.As(err, &formatErr))
	})
}

func TestDecodeFile_Extensions(t *testing.T) {
	dir := t.TempDir()
	data := encodeJPEG(t, gradient(8, 8))

	for _, name := range []string{"a.jpg", "b.jpeg", "c.JFIF"} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, data, 0o644))
		_, err := DecodeFile(p)
		assert.NoError(t, err, name)
	}

	p := filepath.Join(dir, "d.bmp")
	require.NoError(t, os.WriteFile(p, data, 0o644))
	_, err := DecodeFile(p)
	var formatErr *UnsupportedFormatError
	assert.True(t, errors.As(err, &formatErr))
}

func TestFromImage(t *testing.T) {
	tt := FromImage(gradient(500, 300))

	assert.Equal(t, tensor.Shape{Size, Size, Channels}, tt.Shape())
	data := tt.Data().([]float32)
	for _, v := range data {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(1))
	}

	t.Run("grayscale becomes three equal channels", func(t *testing.T) {
		gray := image.NewGray(image.Rect(0, 0, Size, Size))
		gray.SetGray(10, 10, color.Gray{Y: 200})
		out := FromImage(gray).Data().([]float32)
		i := (10*Size + 10) * Channels
		assert.InDelta(t, 200.0/255, out[i], 1e-6)
		assert.Equal(t, out[i], out[i+1])
		assert.Equal(t, out[i], out[i+2])
	})

	t.Run("deterministic", func(t *testing.T) {
		a := FromImage(gradient(640, 480)).Data().([]float32)
		b := FromImage(gradient(640, 480)).Data().([]float32)
		assert.Equal(t, a, b)
	})
}

func TestFromImage_DropsAlpha(t *testing.T) {
	for _, size := range []int{Size, 100} {
		img := image.NewNRGBA(image.Rect(0, 0, size, size))
		for i := 0; i < len(img.Pix); i += 4 {
			copy(img.Pix[i:i+4], []uint8{200, 100, 50, 0})
		}
		// Round-trip through PNG so the decoder's alpha handling is covered too.
		decoded, err := DecodeBytes(encodePNG(t, img), "clear.png")
		require.NoError(t, err)

		data := FromImage(decoded).Data().([]float32)
		for _, i := range []int{0, len(data) / 2, len(data) - Channels} {
			assert.InDelta(t, 200.0/255, data[i], 2.0/255, "size %d", size)
			assert.InDelta(t, 100.0/255, data[i+1], 2.0/255, "size %d", size)
			assert.InDelta(t, 50.0/255, data[i+2], 2.0/255, "size %d", size)
		}
	}
}

func TestPreprocessIsIdempotent(t *testing.T) {
	first := FromImage(gradient(333, 271))

	t.Run("through Normalize", func(t *testing.T) {
		again, err := Normalize(first)
		require.NoError(t, err)
		assert.Equal(t, first.Data(), again.Data())
	})

	t.Run("through the image path", func(t *testing.T) {
		img, err := ToImage(first)
		require.NoError(t, err)
		second := FromImage(img)
		assert.Equal(t, first.Data(), second.Data())
	})
}

func TestNormalize(t *testing.T) {
	t.Run("scales 0-255 input once", func(t *testing.T) {
		raw := make([]float32, SampleLen)
		raw[0] = 255
		raw[1] = 51
		scaled, err := FromValues(raw)
		require.NoError(t, err)

		data := scaled.Data().([]float32)
		assert.InDelta(t, 1.0, data[0], 1e-6)
		assert.InDelta(t, 0.2, data[1], 1e-6)

		again, err := Normalize(scaled)
		require.NoError(t, err)
		assert.Equal(t, data, again.Data())
	})

	t.Run("accepts a batch of one", func(t *testing.T) {
		one := tensor.New(tensor.WithShape(1, Size, Size, Channels), tensor.WithBacking(make([]float32, SampleLen)))
		out, err := Normalize(one)
		require.NoError(t, err)
		assert.Equal(t, tensor.Shape{Size, Size, Channels}, out.Shape())
	})

	t.Run("rejects bad shapes and ranges", func(t *testing.T) {
		_, err := FromValues(make([]float32, 10))
		assert.Error(t, err)

		neg := make([]float32, SampleLen)
		neg[5] = -1
		_, err = FromValues(neg)
		assert.Error(t, err)
	})
}

func TestBatch(t *testing.T) {
	a := FromImage(gradient(50, 50))
	b := FromImage(image.NewGray(image.Rect(0, 0, 10, 10)))

	batch, err := Batch([]*tensor.Dense{a, b, a})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3, Size, Size, Channels}, batch.Shape())
	assert.Equal(t, 3, BatchSize(batch))

	s0, err := Sample(batch, 0)
	require.NoError(t, err)
	s1, err := Sample(batch, 1)
	require.NoError(t, err)
	s2, err := Sample(batch, 2)
	require.NoError(t, err)
	assert.Equal(t, a.Data(), s0)
	assert.Equal(t, b.Data(), s1)
	assert.Equal(t, s0, s2)

	_, err = Sample(batch, 3)
	assert.Error(t, err)

	_, err = Batch(nil)
	assert.Error(t, err)
}

func TestLoadFiles(t *testing.T) {
	dir := t.TempDir()
	good1 := filepath.Join(dir, "a.png")
	good2 := filepath.Join(dir, "b.jpg")
	bad := filepath.Join(dir, "c.png")
	require.NoError(t, os.WriteFile(good1, encodePNG(t, gradient(40, 40)), 0o644))
	require.NoError(t, os.WriteFile(good2, encodeJPEG(t, gradient(40, 40)), 0o644))
	require.NoError(t, os.WriteFile(bad, []byte("corrupt"), 0o644))

	loaded, err := LoadFiles(context.Background(), []string{good1, bad, good2}, 2)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 2}, loaded.Index)
	assert.Equal(t, 2, BatchSize(loaded.Batch))
	require.Contains(t, loaded.Skipped, bad)
	var formatErr *UnsupportedFormatError
	assert.True(t, errors.As(loaded.Skipped[bad], &formatErr))

	t.Run("all skipped", func(t *testing.T) {
		loaded, err := LoadFiles(context.Background(), []string{bad}, 1)
		require.NoError(t, err)
		assert.Nil(t, loaded.Batch)
		assert.Len(t, loaded.Skipped, 1)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := LoadFiles(ctx, []string{good1, good2}, 1)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
