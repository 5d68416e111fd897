package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomVolume(rng *rand.Rand, h, w, c int) *Volume {
	v := NewVolume(h, w, c)
	for i := range v.Data {
		v.Data[i] = rng.NormFloat64()
	}
	return v
}

// scalarLoss reduces the network output to a scalar with fixed weights so
// every output element contributes a distinct gradient.
func scalarLoss(out *Volume) (float64, *Volume) {
	g := NewVolume(out.H, out.W, out.C)
	loss := 0.0
	for i, v := range out.Data {
		w := 0.5 + 0.1*float64(i%7)
		loss += w * v
		g.Data[i] = w
	}
	return loss, g
}

func checkGradients(t *testing.T, net Sequential, in *Volume) {
	t.Helper()
	const eps = 1e-5

	acts := net.Forward(in)
	_, gradOut := scalarLoss(acts[len(acts)-1])
	params := net.Params()
	grads := NewGrads(params)
	gradIn := net.Backward(acts, gradOut, grads)

	eval := func() float64 {
		acts := net.Forward(in)
		l, _ := scalarLoss(acts[len(acts)-1])
		return l
	}

	for pi, p := range params {
		for _, j := range []int{0, len(p.Value) / 2, len(p.Value) - 1} {
			orig := p.Value[j]
			p.Value[j] = orig + eps
			up := eval()
			p.Value[j] = orig - eps
			down := eval()
			p.Value[j] = orig

			numeric := (up - down) / (2 * eps)
			assert.InDelta(t, numeric, grads[pi][j], 1e-4, "%s[%d]", p.Name, j)
		}
	}

	for _, j := range []int{0, in.Len() / 3, in.Len() - 1} {
		orig := in.Data[j]
		in.Data[j] = orig + eps
		up := eval()
		in.Data[j] = orig - eps
		down := eval()
		in.Data[j] = orig

		numeric := (up - down) / (2 * eps)
		assert.InDelta(t, numeric, gradIn.Data[j], 1e-4, "input[%d]", j)
	}
}

func TestGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	t.Run("conv", func(t *testing.T) {
		checkGradients(t, Sequential{NewConv2D("c", 2, 3, 3, rng)}, randomVolume(rng, 5, 6, 2))
	})

	t.Run("dense", func(t *testing.T) {
		checkGradients(t, Sequential{NewDense("d", 12, 4, rng)}, randomVolume(rng, 2, 2, 3))
	})

	t.Run("stack", func(t *testing.T) {
		net := Sequential{
			NewConv2D("c1", 3, 4, 3, rng),
			ReLU{},
			MaxPool2D{},
			NewConv2D("c2", 4, 4, 3, rng),
			ReLU{},
			GlobalAvgPool{},
			NewDense("d1", 4, 5, rng),
			ReLU{},
			NewDense("d2", 5, 1, rng),
		}
		checkGradients(t, net, randomVolume(rng, 11, 11, 3))
	})
}

func TestBackwardWithoutParamGrads(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	net := Sequential{NewConv2D("c", 1, 2, 3, rng), ReLU{}, GlobalAvgPool{}, NewDense("d", 2, 1, rng)}
	in := randomVolume(rng, 6, 6, 1)

	acts := net.Forward(in)
	withGrads := net.Backward(acts, &Volume{H: 1, W: 1, C: 1, Data: []float64{1}}, NewGrads(net.Params()))
	without := net.Backward(acts, &Volume{H: 1, W: 1, C: 1, Data: []float64{1}}, nil)
	assert.Equal(t, withGrads.Data, without.Data)
}

func TestForwardShapes(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	in := randomVolume(rng, 9, 9, 3)

	out := NewConv2D("c", 3, 5, 3, rng).Forward(in)
	assert.Equal(t, []int{7, 7, 5}, []int{out.H, out.W, out.C})

	pooled := MaxPool2D{}.Forward(out)
	assert.Equal(t, []int{3, 3, 5}, []int{pooled.H, pooled.W, pooled.C})

	gap := GlobalAvgPool{}.Forward(pooled)
	assert.Equal(t, 5, gap.Len())
}

func TestForwardDoesNotMutate(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	net := Sequential{NewConv2D("c", 3, 2, 3, rng), ReLU{}, GlobalAvgPool{}, NewDense("d", 2, 1, rng)}
	in := randomVolume(rng, 5, 5, 3)
	before := in.Clone()

	a := net.Forward(in)
	b := net.Forward(in)
	assert.Equal(t, before.Data, in.Data)
	assert.Equal(t, a[len(a)-1].Data, b[len(b)-1].Data)
}

func TestBCEWithLogits(t *testing.T) {
	for _, z := range []float64{-30, -2, 0, 1.5, 40} {
		for _, y := range []float64{0, 1} {
			loss, dz := BCEWithLogits(z, y)
			p := Sigmoid(z)
			want := -(y*math.Log(math.Max(p, 1e-300)) + (1-y)*math.Log(math.Max(1-p, 1e-300)))
			if !math.IsInf(want, 0) && math.Abs(z) < 30 {
				assert.InDelta(t, want, loss, 1e-9)
			}
			assert.False(t, math.IsNaN(loss) || math.IsInf(loss, 0))
			assert.InDelta(t, p-y, dz, 1e-12)
		}
	}
	assert.InDelta(t, 0.5, Sigmoid(0), 1e-12)
}

func TestAdamMinimizesQuadratic(t *testing.T) {
	p := &Param{Name: "x", Shape: []int{2}, Value: []float64{3, -4}}
	target := []float64{1, 2}
	opt := NewAdam()
	grads := NewGrads([]*Param{p})

	for i := 0; i < 2000; i++ {
		for j := range p.Value {
			grads[0][j] = 2 * (p.Value[j] - target[j])
		}
		opt.Step([]*Param{p}, grads, 0.05)
	}

	require.Equal(t, 2000, opt.Steps())
	assert.InDelta(t, 1, p.Value[0], 1e-2)
	assert.InDelta(t, 2, p.Value[1], 1e-2)
}

func TestVolumeFrom(t *testing.T) {
	v, err := VolumeFrom(1, 2, 2, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 4.0, v.At(0, 1, 1))

	_, err = VolumeFrom(2, 2, 2, []float32{1})
	assert.Error(t, err)
}
