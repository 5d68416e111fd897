package train

import (
	"context"
	"math"

	"github.com/Brownie44l1/pneumo-api/internal/dataset"
	"github.com/Brownie44l1/pneumo-api/internal/model"
	"github.com/Brownie44l1/pneumo-api/internal/nn"
)

// Metrics summarizes a model over one split. PNEUMONIA is the positive
// class.
type Metrics struct {
	Loss      float64 `json:"loss"`
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	Samples   int     `json:"samples"`
	Skipped   int     `json:"skipped"`
}

// ClassWeights returns loss weights that balance the classes of counts:
// each class is weighted by the largest class count over its own, so the
// majority class gets 1.
func ClassWeights(counts map[dataset.Class]int) map[dataset.Class]float64 {
	largest := 0
	for _, n := range counts {
		largest = max(largest, n)
	}

	weights := make(map[dataset.Class]float64, len(dataset.Classes))
	for _, cl := range dataset.Classes {
		if n := counts[cl]; n > 0 {
			weights[cl] = float64(largest) / float64(n)
		} else {
			weights[cl] = 1
		}
	}
	return weights
}

// evaluate runs m over samples in batches and computes unweighted metrics.
func evaluate(ctx context.Context, m model.Model, loader BatchLoader, samples []dataset.Sample, batchSize int) (Metrics, error) {
	var (
		met            Metrics
		total          float64
		tp, fp, fn, ok int
	)

	for start := 0; start < len(samples); start += batchSize {
		if err := ctx.Err(); err != nil {
			return met, err
		}
		b, err := loader.LoadBatch(ctx, samples[start:min(start+batchSize, len(samples))])
		if err != nil {
			return met, err
		}
		met.Skipped += len(b.Skipped)
		if b.X == nil {
			continue
		}

		out, err := m.Forward(b.X)
		if err != nil {
			return met, err
		}
		for i, y := range b.Labels {
			loss, _ := nn.BCEWithLogits(out.Logits[i], y)
			total += loss
			met.Samples++

			predicted := out.Probabilities[i] >= 0.5
			positive := y == 1
			switch {
			case predicted && positive:
				tp++
			case predicted && !positive:
				fp++
			case !predicted && positive:
				fn++
			}
			if predicted == positive {
				ok++
			}
		}
	}

	if met.Samples == 0 {
		met.Loss = math.NaN()
		return met, nil
	}
	met.Loss = total / float64(met.Samples)
	met.Accuracy = float64(ok) / float64(met.Samples)
	if tp+fp > 0 {
		met.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		met.Recall = float64(tp) / float64(tp+fn)
	}
	return met, nil
}
