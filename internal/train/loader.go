package train

import (
	"context"
	"fmt"

	"gorgonia.org/tensor"

	"github.com/Brownie44l1/pneumo-api/internal/dataset"
	"github.com/Brownie44l1/pneumo-api/internal/model"
	"github.com/Brownie44l1/pneumo-api/internal/preprocess"
)

// Batch is a loaded, preprocessed slice of samples. X is nil when every
// sample was skipped.
type Batch struct {
	X       *tensor.Dense
	Labels  []float64
	Classes []dataset.Class
	Skipped map[string]error
}

// BatchLoader turns samples into model input.
type BatchLoader interface {
	LoadBatch(ctx context.Context, samples []dataset.Sample) (*Batch, error)
}

// FileLoader reads samples from disk through the shared preprocessor.
type FileLoader struct {
	Workers int
}

func (l FileLoader) LoadBatch(ctx context.Context, samples []dataset.Sample) (*Batch, error) {
	paths := make([]string, len(samples))
	for i, s := range samples {
		paths[i] = s.Path
	}

	loaded, err := preprocess.LoadFiles(ctx, paths, l.Workers)
	if err != nil {
		return nil, err
	}

	b := &Batch{X: loaded.Batch, Skipped: loaded.Skipped}
	for _, i := range loaded.Index {
		b.Labels = append(b.Labels, float64(samples[i].Class.Index()))
		b.Classes = append(b.Classes, samples[i].Class)
	}
	return b, nil
}

// Checkpointer persists the network when validation improves.
type Checkpointer interface {
	Save(net model.Network, ckpt model.Checkpoint) error
}

// FileCheckpointer writes weights files atomically to Path.
type FileCheckpointer struct {
	Path string
}

func (c FileCheckpointer) Save(net model.Network, ckpt model.Checkpoint) error {
	if err := model.Save(c.Path, net, ckpt); err != nil {
		return fmt.Errorf("failed to checkpoint epoch %d: %w", ckpt.Epoch, err)
	}
	return nil
}
