// Package nn implements the small set of layers the classifiers are built
// from. Activations are channel-last volumes of float64.
//
// Layers hold only parameters. Forward never mutates a layer, so a trained
// network can serve concurrent forward passes; Backward writes parameter
// gradients only into the caller-supplied buffers.
package nn

import (
	"fmt"
	"math"
)

// Volume is an H×W×C activation stored channel-last.
type Volume struct {
	H, W, C int
	Data    []float64
}

// NewVolume allocates a zeroed volume.
func NewVolume(h, w, c int) *Volume {
	return &Volume{H: h, W: w, C: c, Data: make([]float64, h*w*c)}
}

// VolumeFrom copies float32 channel-last values into a new volume.
func VolumeFrom(h, w, c int, values []float32) (*Volume, error) {
	if len(values) != h*w*c {
		return nil, fmt.Errorf("expected %d values for a %dx%dx%d volume, got %d", h*w*c, h, w, c, len(values))
	}
	v := NewVolume(h, w, c)
	for i, x := range values {
		v.Data[i] = float64(x)
	}
	return v, nil
}

// Index returns the offset of (y, x, c) in Data.
func (v *Volume) Index(y, x, c int) int {
	return (y*v.W+x)*v.C + c
}

// At returns the value at (y, x, c).
func (v *Volume) At(y, x, c int) float64 {
	return v.Data[v.Index(y, x, c)]
}

// Len is the number of values.
func (v *Volume) Len() int {
	return len(v.Data)
}

// Clone returns a deep copy.
func (v *Volume) Clone() *Volume {
	out := &Volume{H: v.H, W: v.W, C: v.C, Data: make([]float64, len(v.Data))}
	copy(out.Data, v.Data)
	return out
}

// Sigmoid is the logistic function, stable for large |z|.
func Sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}

// BCEWithLogits returns the binary cross-entropy of logit z against target y
// and its derivative with respect to z.
func BCEWithLogits(z, y float64) (loss, dz float64) {
	loss = math.Max(z, 0) - z*y + math.Log1p(math.Exp(-math.Abs(z)))
	return loss, Sigmoid(z) - y
}
