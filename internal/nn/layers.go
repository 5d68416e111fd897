package nn

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Param is a named, flat block of trainable values.
type Param struct {
	Name  string
	Shape []int
	Value []float64
}

func newParam(name string, shape ...int) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{Name: name, Shape: shape, Value: make([]float64, n)}
}

// heInit fills p with N(0, 2/fanIn) draws.
func heInit(p *Param, fanIn int, rng *rand.Rand) {
	std := math.Sqrt(2 / float64(fanIn))
	for i := range p.Value {
		p.Value[i] = rng.NormFloat64() * std
	}
}

// Layer is one differentiable stage of a network.
//
// Backward receives the layer's input and output from the forward pass and
// the gradient of the loss with respect to the output. It returns the
// gradient with respect to the input and, when grads is non-nil, adds
// parameter gradients into grads (aligned with Params).
type Layer interface {
	Forward(in *Volume) *Volume
	Backward(in, out, gradOut *Volume, grads [][]float64) *Volume
	Params() []*Param
}

// Conv2D is a stride-1, unpadded convolution with square kernels.
type Conv2D struct {
	InC, OutC, K int
	Weight       *Param // [OutC][K][K][InC]
	Bias         *Param // [OutC]
}

// NewConv2D creates a He-initialized convolution.
func NewConv2D(name string, inC, outC, k int, rng *rand.Rand) *Conv2D {
	c := &Conv2D{
		InC:    inC,
		OutC:   outC,
		K:      k,
		Weight: newParam(name+".weight", outC, k, k, inC),
		Bias:   newParam(name+".bias", outC),
	}
	heInit(c.Weight, k*k*inC, rng)
	return c
}

func (c *Conv2D) Params() []*Param { return []*Param{c.Weight, c.Bias} }

func (c *Conv2D) Forward(in *Volume) *Volume {
	if in.C != c.InC {
		panic(fmt.Sprintf("conv: expected %d input channels, got %d", c.InC, in.C))
	}
	oh, ow := in.H-c.K+1, in.W-c.K+1
	out := NewVolume(oh, ow, c.OutC)
	w, b := c.Weight.Value, c.Bias.Value
	rowLen := c.K * c.InC

	for oy := 0; oy < oh; oy++ {
		for ox := 0; ox < ow; ox++ {
			o := out.Index(oy, ox, 0)
			for oc := 0; oc < c.OutC; oc++ {
				sum := b[oc]
				for ky := 0; ky < c.K; ky++ {
					src := in.Data[in.Index(oy+ky, ox, 0):][:rowLen]
					ker := w[(oc*c.K+ky)*rowLen:][:rowLen]
					sum += floats.Dot(src, ker)
				}
				out.Data[o+oc] = sum
			}
		}
	}
	return out
}

func (c *Conv2D) Backward(in, out, gradOut *Volume, grads [][]float64) *Volume {
	gradIn := NewVolume(in.H, in.W, in.C)
	w := c.Weight.Value
	rowLen := c.K * c.InC

	for oy := 0; oy < out.H; oy++ {
		for ox := 0; ox < out.W; ox++ {
			o := gradOut.Index(oy, ox, 0)
			for oc := 0; oc < c.OutC; oc++ {
				g := gradOut.Data[o+oc]
				if g == 0 {
					continue
				}
				if grads != nil {
					grads[1][oc] += g
				}
				for ky := 0; ky < c.K; ky++ {
					off := in.Index(oy+ky, ox, 0)
					koff := (oc*c.K + ky) * rowLen
					floats.AddScaled(gradIn.Data[off:off+rowLen], g, w[koff:koff+rowLen])
					if grads != nil {
						floats.AddScaled(grads[0][koff:koff+rowLen], g, in.Data[off:off+rowLen])
					}
				}
			}
		}
	}
	return gradIn
}

// ReLU clamps negatives to zero.
type ReLU struct{}

func (ReLU) Params() []*Param { return nil }

func (ReLU) Forward(in *Volume) *Volume {
	out := NewVolume(in.H, in.W, in.C)
	for i, v := range in.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	return out
}

func (ReLU) Backward(in, out, gradOut *Volume, _ [][]float64) *Volume {
	gradIn := NewVolume(in.H, in.W, in.C)
	for i, v := range out.Data {
		if v > 0 {
			gradIn.Data[i] = gradOut.Data[i]
		}
	}
	return gradIn
}

// MaxPool2D takes the maximum over non-overlapping 2×2 windows. Odd trailing
// rows and columns are dropped.
type MaxPool2D struct{}

func (MaxPool2D) Params() []*Param { return nil }

func (MaxPool2D) Forward(in *Volume) *Volume {
	out := NewVolume(in.H/2, in.W/2, in.C)
	for oy := 0; oy < out.H; oy++ {
		for ox := 0; ox < out.W; ox++ {
			for c := 0; c < in.C; c++ {
				_, _, m := argmax2x2(in, oy, ox, c)
				out.Data[out.Index(oy, ox, c)] = m
			}
		}
	}
	return out
}

func (MaxPool2D) Backward(in, out, gradOut *Volume, _ [][]float64) *Volume {
	gradIn := NewVolume(in.H, in.W, in.C)
	for oy := 0; oy < out.H; oy++ {
		for ox := 0; ox < out.W; ox++ {
			for c := 0; c < in.C; c++ {
				y, x, _ := argmax2x2(in, oy, ox, c)
				gradIn.Data[gradIn.Index(y, x, c)] += gradOut.Data[gradOut.Index(oy, ox, c)]
			}
		}
	}
	return gradIn
}

func argmax2x2(in *Volume, oy, ox, c int) (int, int, float64) {
	by, bx := 2*oy, 2*ox
	best := in.At(by, bx, c)
	for dy := 0; dy < 2; dy++ {
		for dx := 0; dx < 2; dx++ {
			if v := in.At(2*oy+dy, 2*ox+dx, c); v > best {
				best, by, bx = v, 2*oy+dy, 2*ox+dx
			}
		}
	}
	return by, bx, best
}

// GlobalAvgPool averages each channel to a 1×1×C volume.
type GlobalAvgPool struct{}

func (GlobalAvgPool) Params() []*Param { return nil }

func (GlobalAvgPool) Forward(in *Volume) *Volume {
	out := NewVolume(1, 1, in.C)
	for i, v := range in.Data {
		out.Data[i%in.C] += v
	}
	floats.Scale(1/float64(in.H*in.W), out.Data)
	return out
}

func (GlobalAvgPool) Backward(in, _, gradOut *Volume, _ [][]float64) *Volume {
	gradIn := NewVolume(in.H, in.W, in.C)
	scale := 1 / float64(in.H*in.W)
	for i := range gradIn.Data {
		gradIn.Data[i] = gradOut.Data[i%in.C] * scale
	}
	return gradIn
}

// Dense is a fully connected layer over the flattened input.
type Dense struct {
	In, Out int
	Weight  *Param // [Out][In]
	Bias    *Param // [Out]
}

// NewDense creates a He-initialized dense layer.
func NewDense(name string, in, out int, rng *rand.Rand) *Dense {
	d := &Dense{
		In:     in,
		Out:    out,
		Weight: newParam(name+".weight", out, in),
		Bias:   newParam(name+".bias", out),
	}
	heInit(d.Weight, in, rng)
	return d
}

func (d *Dense) Params() []*Param { return []*Param{d.Weight, d.Bias} }

func (d *Dense) Forward(in *Volume) *Volume {
	if in.Len() != d.In {
		panic(fmt.Sprintf("dense: expected %d inputs, got %d", d.In, in.Len()))
	}
	w := mat.NewDense(d.Out, d.In, d.Weight.Value)
	y := mat.NewVecDense(d.Out, nil)
	y.MulVec(w, mat.NewVecDense(d.In, in.Data))

	out := &Volume{H: 1, W: 1, C: d.Out, Data: y.RawVector().Data}
	floats.Add(out.Data, d.Bias.Value)
	return out
}

func (d *Dense) Backward(in, _, gradOut *Volume, grads [][]float64) *Volume {
	w := mat.NewDense(d.Out, d.In, d.Weight.Value)
	g := mat.NewVecDense(d.Out, gradOut.Data)

	gi := mat.NewVecDense(d.In, nil)
	gi.MulVec(w.T(), g)

	if grads != nil {
		gw := mat.NewDense(d.Out, d.In, grads[0])
		gw.RankOne(gw, 1, g, mat.NewVecDense(d.In, in.Data))
		floats.Add(grads[1], gradOut.Data)
	}
	return &Volume{H: in.H, W: in.W, C: in.C, Data: gi.RawVector().Data}
}

// Sequential chains layers.
type Sequential []Layer

// Forward returns every activation: acts[0] is the input and acts[i+1] the
// output of layer i.
func (s Sequential) Forward(in *Volume) []*Volume {
	acts := make([]*Volume, len(s)+1)
	acts[0] = in
	for i, l := range s {
		acts[i+1] = l.Forward(acts[i])
	}
	return acts
}

// Backward propagates gradOut from the last activation to the input. grads
// is aligned with Params and may be nil.
func (s Sequential) Backward(acts []*Volume, gradOut *Volume, grads [][]float64) *Volume {
	offsets := make([]int, len(s)+1)
	for i, l := range s {
		offsets[i+1] = offsets[i] + len(l.Params())
	}

	g := gradOut
	for i := len(s) - 1; i >= 0; i-- {
		var lg [][]float64
		if grads != nil {
			lg = grads[offsets[i]:offsets[i+1]]
		}
		g = s[i].Backward(acts[i], acts[i+1], g, lg)
	}
	return g
}

// Params returns the parameters of all layers in order.
func (s Sequential) Params() []*Param {
	var ps []*Param
	for _, l := range s {
		ps = append(ps, l.Params()...)
	}
	return ps
}

// NewGrads allocates zeroed gradient buffers aligned with params.
func NewGrads(params []*Param) [][]float64 {
	grads := make([][]float64, len(params))
	for i, p := range params {
		grads[i] = make([]float64, len(p.Value))
	}
	return grads
}

// ZeroGrads resets gradient buffers.
func ZeroGrads(grads [][]float64) {
	for _, g := range grads {
		for i := range g {
			g[i] = 0
		}
	}
}

// CountParams sums the sizes of params.
func CountParams(params []*Param) int {
	n := 0
	for _, p := range params {
		n += len(p.Value)
	}
	return n
}
