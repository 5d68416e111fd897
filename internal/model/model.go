// Package model builds the pneumonia classifiers and reads and writes their
// weights files.
//
// Both trainable architectures share one shape: a feature stage producing
// the last convolutional activation maps, followed by a head of global
// average pooling, a hidden dense layer and a single logit. The simple
// architecture trains its convolutional feature stage from scratch; the
// transfer architecture runs a frozen pretrained backbone and trains only the
// head.
package model

import (
	"errors"
	"fmt"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"github.com/Brownie44l1/pneumo-api/internal/nn"
	"github.com/Brownie44l1/pneumo-api/internal/preprocess"
)

// Model is anything that maps a preprocessed (N,224,224,3) batch to
// per-sample pneumonia probabilities.
type Model interface {
	Config() Config
	Forward(batch *tensor.Dense) (*Output, error)
}

// Explainable models expose the gradient of the logit with respect to their
// last convolutional activations.
type Explainable interface {
	Model
	LogitGradient(act *nn.Volume) (*nn.Volume, error)
}

// Network is a trainable, explainable model.
type Network interface {
	Explainable
	// Params returns the trainable parameters.
	Params() []*nn.Param
	// Gradients adds the gradients of the weighted mean binary cross-entropy
	// over the batch into grads (aligned with Params) and returns that loss.
	Gradients(batch *tensor.Dense, labels, weights []float64, grads [][]float64) (float64, error)
	Close() error
}

// FeatureExtractor is a frozen feature stage, such as a pretrained backbone.
type FeatureExtractor interface {
	Extract(batch *tensor.Dense) ([]*nn.Volume, error)
	Channels() int
	Close() error
}

// BuildOptions supplies collaborators that are not part of Config.
type BuildOptions struct {
	// Backbone is required for the transfer architecture.
	Backbone FeatureExtractor
	// Workers bounds per-sample parallelism; zero means GOMAXPROCS.
	Workers int
}

// Build constructs a freshly initialized network for cfg.
func Build(cfg Config, opts BuildOptions) (Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	n := &network{cfg: cfg, workers: workers}

	var channels int
	switch cfg.Arch {
	case ArchSimple:
		in := preprocess.Channels
		for i, f := range cfg.Filters {
			n.features = append(n.features, nn.NewConv2D(fmt.Sprintf("conv%d", i+1), in, f, 3, rng), nn.ReLU{})
			if i < len(cfg.Filters)-1 {
				n.features = append(n.features, nn.MaxPool2D{})
			}
			in = f
		}
		channels = in
	case ArchTransfer:
		if opts.Backbone == nil {
			return nil, errors.New("transfer architecture requires a backbone")
		}
		n.backbone = opts.Backbone
		channels = opts.Backbone.Channels()
	default:
		return nil, fmt.Errorf("architecture %q is not trainable", cfg.Arch)
	}

	n.channels = channels
	n.head = nn.Sequential{
		nn.GlobalAvgPool{},
		nn.NewDense("fc1", channels, cfg.HiddenUnits, rng),
		nn.ReLU{},
		nn.NewDense("fc2", cfg.HiddenUnits, 1, rng),
	}
	return n, nil
}

type network struct {
	cfg      Config
	features nn.Sequential
	backbone FeatureExtractor
	head     nn.Sequential
	channels int
	workers  int
}

func (n *network) Config() Config { return n.cfg }

func (n *network) Params() []*nn.Param {
	return append(n.features.Params(), n.head.Params()...)
}

func (n *network) Close() error {
	if n.backbone != nil {
		return n.backbone.Close()
	}
	return nil
}

func (n *network) Forward(batch *tensor.Dense) (*Output, error) {
	maps, err := n.featureMaps(batch)
	if err != nil {
		return nil, err
	}

	out := &Output{
		Probabilities: make([]float64, len(maps)),
		Logits:        make([]float64, len(maps)),
		Activations:   maps,
	}
	for i, m := range maps {
		acts := n.head.Forward(m)
		z := acts[len(acts)-1].Data[0]
		out.Logits[i] = z
		out.Probabilities[i] = nn.Sigmoid(z)
	}
	return out, nil
}

func (n *network) LogitGradient(act *nn.Volume) (*nn.Volume, error) {
	if act.C != n.channels {
		return nil, fmt.Errorf("activation has %d channels, head expects %d", act.C, n.channels)
	}
	acts := n.head.Forward(act)
	return n.head.Backward(acts, &nn.Volume{H: 1, W: 1, C: 1, Data: []float64{1}}, nil), nil
}

func (n *network) featureMaps(batch *tensor.Dense) ([]*nn.Volume, error) {
	if n.backbone != nil {
		return n.backbone.Extract(batch)
	}

	size := preprocess.BatchSize(batch)
	maps := make([]*nn.Volume, size)
	var g errgroup.Group
	g.SetLimit(n.workers)
	for i := 0; i < size; i++ {
		g.Go(func() error {
			in, err := sampleVolume(batch, i)
			if err != nil {
				return err
			}
			acts := n.features.Forward(in)
			maps[i] = acts[len(acts)-1]
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return maps, nil
}

func (n *network) Gradients(batch *tensor.Dense, labels, weights []float64, grads [][]float64) (float64, error) {
	size := preprocess.BatchSize(batch)
	if size == 0 || len(labels) != size || len(weights) != size {
		return 0, fmt.Errorf("batch of %d with %d labels and %d weights", size, len(labels), len(weights))
	}

	var maps []*nn.Volume
	if n.backbone != nil {
		var err error
		if maps, err = n.backbone.Extract(batch); err != nil {
			return 0, err
		}
	}

	nFeat := len(n.features.Params())
	params := n.Params()
	workers := min(n.workers, size)
	partial := make([][][]float64, workers)
	losses := make([]float64, workers)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			local := nn.NewGrads(params)
			for i := w; i < size; i += workers {
				var fm *nn.Volume
				var facts []*nn.Volume
				if maps != nil {
					fm = maps[i]
				} else {
					in, err := sampleVolume(batch, i)
					if err != nil {
						return err
					}
					facts = n.features.Forward(in)
					fm = facts[len(facts)-1]
				}

				hacts := n.head.Forward(fm)
				loss, dz := nn.BCEWithLogits(hacts[len(hacts)-1].Data[0], labels[i])
				losses[w] += weights[i] * loss

				dl := weights[i] * dz / float64(size)
				gradMap := n.head.Backward(hacts, &nn.Volume{H: 1, W: 1, C: 1, Data: []float64{dl}}, local[nFeat:])
				if facts != nil {
					n.features.Backward(facts, gradMap, local[:nFeat])
				}
			}
			partial[w] = local
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	total := 0.0
	for w := range partial {
		total += losses[w]
		for p, buf := range partial[w] {
			for j, v := range buf {
				grads[p][j] += v
			}
		}
	}
	return total / float64(size), nil
}

func sampleVolume(batch *tensor.Dense, i int) (*nn.Volume, error) {
	data, err := preprocess.Sample(batch, i)
	if err != nil {
		return nil, err
	}
	return nn.VolumeFrom(preprocess.Size, preprocess.Size, preprocess.Channels, data)
}
