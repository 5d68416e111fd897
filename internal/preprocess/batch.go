package preprocess

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"
)

// Batch stacks preprocessed samples into one (N,Size,Size,Channels) tensor
// in input order.
func Batch(samples []*tensor.Dense) (*tensor.Dense, error) {
	if len(samples) == 0 {
		return nil, errors.New("cannot batch zero samples")
	}
	buf := make([]float32, 0, len(samples)*SampleLen)
	for i, s := range samples {
		data, err := sampleData(s)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		buf = append(buf, data...)
	}
	return tensor.New(tensor.WithShape(len(samples), Size, Size, Channels), tensor.WithBacking(buf)), nil
}

// Sample returns the backing values of sample i of a batch without copying.
func Sample(batch *tensor.Dense, i int) ([]float32, error) {
	shape := batch.Shape()
	if len(shape) != 4 || shape[1] != Size || shape[2] != Size || shape[3] != Channels {
		return nil, fmt.Errorf("expected a (N,%d,%d,%d) batch, got shape %v", Size, Size, Channels, shape)
	}
	if i < 0 || i >= shape[0] {
		return nil, fmt.Errorf("sample %d out of range for batch of %d", i, shape[0])
	}
	data, ok := batch.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 batch, got %v", batch.Dtype())
	}
	return data[i*SampleLen : (i+1)*SampleLen], nil
}

// BatchSize returns N for a (N,Size,Size,Channels) tensor.
func BatchSize(batch *tensor.Dense) int {
	shape := batch.Shape()
	if len(shape) != 4 {
		return 0
	}
	return shape[0]
}

// Loaded is the result of LoadFiles. Index maps each row of Batch back to
// its position in the requested paths; Skipped holds the per-file errors of
// images that could not be used.
type Loaded struct {
	Batch   *tensor.Dense
	Index   []int
	Skipped map[string]error
}

// LoadFiles preprocesses paths with at most workers concurrent decoders.
// Unsupported or undecodable images are skipped and reported rather than
// failing the batch. Batch is nil when every file was skipped.
func LoadFiles(ctx context.Context, paths []string, workers int) (*Loaded, error) {
	if workers < 1 {
		workers = 1
	}

	results := make([]*tensor.Dense, len(paths))
	errs := make([]error, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, p := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, err := Load(p)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Loaded{Skipped: make(map[string]error)}
	var kept []*tensor.Dense
	for i, t := range results {
		if errs[i] != nil {
			out.Skipped[paths[i]] = errs[i]
			continue
		}
		kept = append(kept, t)
		out.Index = append(out.Index, i)
	}
	if len(kept) == 0 {
		return out, nil
	}

	batch, err := Batch(kept)
	if err != nil {
		return nil, err
	}
	out.Batch = batch
	return out, nil
}
