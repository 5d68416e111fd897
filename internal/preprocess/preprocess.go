// Package preprocess turns chest X-ray images into the float32 tensors the
// models consume. Training and inference both go through FromImage, so the
// two paths cannot drift apart.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"

	"github.com/nfnt/resize"
	"gorgonia.org/tensor"

	"github.com/Brownie44l1/pneumo-api/internal/dataset"
)

const (
	// Size is the model input edge in pixels.
	Size = 224
	// Channels is the number of color channels (RGB).
	Channels = 3
	// SampleLen is the number of values in one preprocessed image.
	SampleLen = Size * Size * Channels
)

// UnsupportedFormatError reports an image that is not PNG or JPEG/JFIF.
type UnsupportedFormatError struct {
	Source string
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	if e.Format == "" {
		return fmt.Sprintf("unsupported image format for %s: expected PNG, JPEG or JFIF", e.Source)
	}
	return fmt.Sprintf("unsupported image format %q for %s: expected PNG, JPEG or JFIF", e.Format, e.Source)
}

// Decode reads a PNG or JPEG image. JFIF files decode as JPEG.
func Decode(r io.Reader, source string) (image.Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", source, err)
	}
	return DecodeBytes(data, source)
}

// DecodeBytes is Decode over an in-memory buffer.
func DecodeBytes(data []byte, source string) (image.Image, error) {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, &UnsupportedFormatError{Source: source}
	}
	if format != "png" && format != "jpeg" {
		return nil, &UnsupportedFormatError{Source: source, Format: format}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", source, err)
	}
	return img, nil
}

// DecodeFile decodes the image at path, rejecting unsupported extensions
// before reading it.
func DecodeFile(path string) (image.Image, error) {
	if !dataset.IsImageFile(path) {
		return nil, &UnsupportedFormatError{Source: path}
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f, path)
}

// FromImage converts img to RGB, resizes it to Size×Size with Lanczos3 and
// scales intensities to [0,1]. The result has shape (Size, Size, Channels).
// Alpha is dropped, not composited: a transparent pixel keeps its color.
func FromImage(img image.Image) *tensor.Dense {
	img = dropAlpha(img)
	b := img.Bounds()
	resized := img
	if b.Dx() != Size || b.Dy() != Size {
		resized = resize.Resize(Size, Size, img, resize.Lanczos3)
	}

	rb := resized.Bounds()
	data := make([]float32, SampleLen)
	for y := 0; y < Size; y++ {
		for x := 0; x < Size; x++ {
			c := color.NRGBAModel.Convert(resized.At(rb.Min.X+x, rb.Min.Y+y)).(color.NRGBA)
			i := (y*Size + x) * Channels
			data[i] = float32(c.R) / 255
			data[i+1] = float32(c.G) / 255
			data[i+2] = float32(c.B) / 255
		}
	}

	return tensor.New(tensor.WithShape(Size, Size, Channels), tensor.WithBacking(data))
}

func dropAlpha(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	out := image.NewRGBA(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.SetRGBA(x, y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return out
}

// Load decodes and preprocesses the image at path.
func Load(path string) (*tensor.Dense, error) {
	img, err := DecodeFile(path)
	if err != nil {
		return nil, err
	}
	return FromImage(img), nil
}

// Normalize accepts a (Size,Size,Channels) or (1,Size,Size,Channels)
// float32 tensor. Values above 1 are taken as 0–255 intensities and scaled
// down; a tensor already in [0,1] is returned as is, so applying Normalize to
// its own output changes nothing.
func Normalize(t *tensor.Dense) (*tensor.Dense, error) {
	shape := t.Shape()
	switch {
	case len(shape) == 3 && shape[0] == Size && shape[1] == Size && shape[2] == Channels:
	case len(shape) == 4 && shape[0] == 1 && shape[1] == Size && shape[2] == Size && shape[3] == Channels:
	default:
		return nil, fmt.Errorf("expected a %dx%dx%d image tensor, got shape %v", Size, Size, Channels, shape)
	}

	data, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 tensor, got %v", t.Dtype())
	}

	var lo, hi float32
	for _, v := range data {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo < 0 || hi > 255 {
		return nil, fmt.Errorf("tensor values out of range [%g, %g]", lo, hi)
	}
	if hi <= 1 {
		if len(shape) == 3 {
			return t, nil
		}
		return tensor.New(tensor.WithShape(Size, Size, Channels), tensor.WithBacking(data)), nil
	}

	scaled := make([]float32, len(data))
	for i, v := range data {
		scaled[i] = v / 255
	}
	return tensor.New(tensor.WithShape(Size, Size, Channels), tensor.WithBacking(scaled)), nil
}

// FromValues wraps a flat HWC float slice, as sent by API clients, and
// normalizes it.
func FromValues(values []float32) (*tensor.Dense, error) {
	if len(values) != SampleLen {
		return nil, fmt.Errorf("expected %d values, got %d", SampleLen, len(values))
	}
	buf := append([]float32(nil), values...)
	return Normalize(tensor.New(tensor.WithShape(Size, Size, Channels), tensor.WithBacking(buf)))
}

// ToImage renders a preprocessed (Size,Size,Channels) tensor back to an
// 8-bit RGBA image.
func ToImage(t *tensor.Dense) (*image.RGBA, error) {
	data, err := sampleData(t)
	if err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, Size, Size))
	for y := 0; y < Size; y++ {
		for x := 0; x < Size; x++ {
			i := (y*Size + x) * Channels
			img.SetRGBA(x, y, color.RGBA{
				R: toByte(data[i]),
				G: toByte(data[i+1]),
				B: toByte(data[i+2]),
				A: 255,
			})
		}
	}
	return img, nil
}

func toByte(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v*255 + 0.5)
}

func sampleData(t *tensor.Dense) ([]float32, error) {
	data, ok := t.Data().([]float32)
	if !ok || len(data) != SampleLen {
		return nil, fmt.Errorf("expected a %dx%dx%d float32 tensor, got shape %v", Size, Size, Channels, t.Shape())
	}
	return data, nil
}
