// Package explain renders class-activation heatmaps over the images they
// explain.
package explain

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/colornames"
	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/floats"

	"github.com/Brownie44l1/pneumo-api/internal/nn"
)

// Importance is a W×H spatial map, row-major, with values in [0,1].
type Importance struct {
	W, H   int
	Values []float64
}

// At returns the importance at (x, y).
func (m *Importance) At(x, y int) float64 {
	return m.Values[y*m.W+x]
}

// GradCAM combines the last convolutional activations with the gradient of
// the pneumonia logit into a normalized importance map. When pneumonia is
// false the map explains the NORMAL decision, whose score is the negated
// logit.
func GradCAM(act, grad *nn.Volume, pneumonia bool) (*Importance, error) {
	if act.H != grad.H || act.W != grad.W || act.C != grad.C {
		return nil, fmt.Errorf("activation %dx%dx%d does not match gradient %dx%dx%d",
			act.H, act.W, act.C, grad.H, grad.W, grad.C)
	}
	if act.Len() == 0 {
		return nil, errors.New("empty activation map")
	}

	sign := 1.0
	if !pneumonia {
		sign = -1
	}

	weights := make([]float64, act.C)
	for i, g := range grad.Data {
		weights[i%act.C] += g
	}
	floats.Scale(sign/float64(act.H*act.W), weights)

	imp := &Importance{W: act.W, H: act.H, Values: make([]float64, act.H*act.W)}
	for p := range imp.Values {
		v := floats.Dot(act.Data[p*act.C:(p+1)*act.C], weights)
		imp.Values[p] = math.Max(v, 0)
	}
	normalize(imp.Values)
	return imp, nil
}

// Placeholder is a smooth blob centered on a w×h map, used when the model
// exposes no activations.
func Placeholder(w, h int) *Importance {
	imp := &Importance{W: w, H: h, Values: make([]float64, w*h)}
	sigma := 0.15 * float64(min(w, h))
	cx, cy := float64(w-1)/2, float64(h-1)/2
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			imp.Values[y*w+x] = math.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma))
		}
	}
	normalize(imp.Values)
	return imp
}

// normalize rescales non-negative values so the maximum is 1. An all-zero
// map stays zero.
func normalize(v []float64) {
	if len(v) == 0 {
		return
	}
	if hi := floats.Max(v); hi > 0 {
		floats.Scale(1/hi, v)
	}
}

// Render upscales imp to the dimensions of original and blends a warm
// colormap onto it. Each pixel's colormap weight is alpha times its
// importance, so unimportant regions keep the original image.
//
// Both returned images have origin (0,0) and the size of original.
func Render(original image.Image, imp *Importance, alpha float64) (*image.Gray, *image.RGBA) {
	ob := original.Bounds()
	rect := image.Rect(0, 0, ob.Dx(), ob.Dy())

	small := image.NewGray(image.Rect(0, 0, imp.W, imp.H))
	for i, v := range imp.Values {
		small.Pix[i] = uint8(math.Round(v * 255))
	}
	heatmap := image.NewGray(rect)
	draw.BiLinear.Scale(heatmap, rect, small, small.Bounds(), draw.Src, nil)

	overlay := image.NewRGBA(rect)
	draw.Draw(overlay, rect, original, ob.Min, draw.Src)
	for y := 0; y < rect.Dy(); y++ {
		for x := 0; x < rect.Dx(); x++ {
			t := float64(heatmap.GrayAt(x, y).Y) / 255
			w := alpha * t
			if w == 0 {
				continue
			}
			base := overlay.RGBAAt(x, y)
			heat := Warm(t)
			overlay.SetRGBA(x, y, color.RGBA{
				R: blend(base.R, heat.R, w),
				G: blend(base.G, heat.G, w),
				B: blend(base.B, heat.B, w),
				A: 255,
			})
		}
	}
	return heatmap, overlay
}

func blend(a, b uint8, w float64) uint8 {
	return uint8(math.Round(float64(a)*(1-w) + float64(b)*w))
}

var warmStops = []struct {
	t float64
	c color.RGBA
}{
	{0, colornames.Darkred},
	{0.35, colornames.Red},
	{0.6, colornames.Darkorange},
	{0.85, colornames.Gold},
	{1, colornames.Lightyellow},
}

// Warm maps t in [0,1] onto a dark red to yellow colormap.
func Warm(t float64) color.RGBA {
	t = math.Min(math.Max(t, 0), 1)
	for i := 1; i < len(warmStops); i++ {
		lo, hi := warmStops[i-1], warmStops[i]
		if t > hi.t {
			continue
		}
		f := (t - lo.t) / (hi.t - lo.t)
		return color.RGBA{
			R: lerp(lo.c.R, hi.c.R, f),
			G: lerp(lo.c.G, hi.c.G, f),
			B: lerp(lo.c.B, hi.c.B, f),
			A: 255,
		}
	}
	return warmStops[len(warmStops)-1].c
}

func lerp(a, b uint8, f float64) uint8 {
	return uint8(math.Round(float64(a) + (float64(b)-float64(a))*f))
}
