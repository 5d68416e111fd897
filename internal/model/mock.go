package model

import (
	"encoding/binary"
	"hash/fnv"
	"math"
	"math/rand"

	"gorgonia.org/tensor"

	"github.com/Brownie44l1/pneumo-api/internal/preprocess"
)

// Mock stands in for a trained network when no weights are available. Darker
// images get a higher pneumonia probability, plus a small jitter seeded by
// the image content, so the same image always gets the same answer.
//
// Mock exposes no activations and is not Explainable.
type Mock struct {
	seed int64
}

// NewMock returns a mock predictor.
func NewMock(seed int64) *Mock {
	return &Mock{seed: seed}
}

// IsMock reports whether m is the fallback predictor.
func IsMock(m Model) bool {
	_, ok := m.(*Mock)
	return ok
}

func (m *Mock) Config() Config { return Config{Arch: ArchMock, InputSize: 224, NumClasses: 2} }

func (m *Mock) Forward(batch *tensor.Dense) (*Output, error) {
	n := preprocess.BatchSize(batch)
	out := &Output{Probabilities: make([]float64, n), Logits: make([]float64, n)}

	for i := 0; i < n; i++ {
		data, err := preprocess.Sample(batch, i)
		if err != nil {
			return nil, err
		}
		p := m.probability(data)
		out.Probabilities[i] = p
		out.Logits[i] = math.Log(p / (1 - p))
	}
	return out, nil
}

func (m *Mock) probability(data []float32) float64 {
	h := fnv.New64a()
	var buf [4]byte
	sum := 0.0
	for _, v := range data {
		sum += float64(v)
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		h.Write(buf[:])
	}
	mean := sum / float64(len(data))

	rng := rand.New(rand.NewSource(m.seed ^ int64(h.Sum64())))
	p := 0.4 + 0.5*(1-mean) + (rng.Float64()*2-1)*0.08
	return math.Min(math.Max(p, 0.01), 0.99)
}
