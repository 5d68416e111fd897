// Package train fits a network to a dataset with class-balanced loss,
// learning-rate reduction on plateau, early stopping and save-best
// checkpointing.
package train

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/pneumo-api/internal/dataset"
	"github.com/Brownie44l1/pneumo-api/internal/model"
	"github.com/Brownie44l1/pneumo-api/internal/nn"
)

// State is the trainer's position in its epoch loop.
type State string

const (
	StateInitializing  State = "initializing"
	StateTraining      State = "training"
	StateValidating    State = "validating"
	StateCheckpointing State = "checkpointing"
	StateSkipping      State = "skipping"
	StateEarlyStopped  State = "early_stopped"
	StateCompleted     State = "completed"
)

// Options controls a training run.
type Options struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	// LRPatience is the number of epochs without improvement before the
	// learning rate is multiplied by LRFactor, never going below MinLR.
	LRPatience int
	LRFactor   float64
	MinLR      float64
	// StopPatience is the number of epochs without improvement after which
	// training stops.
	StopPatience int
	// MinDelta is how much validation loss must drop to count as improved.
	MinDelta float64
	// ValidationSplit is held out of each class when the dataset has a
	// flat layout.
	ValidationSplit float64
	Seed            int64
}

// DefaultOptions returns the standard schedule.
func DefaultOptions() Options {
	return Options{
		Epochs:          20,
		BatchSize:       32,
		LearningRate:    1e-3,
		LRPatience:      5,
		LRFactor:        0.5,
		MinLR:           1e-7,
		StopPatience:    10,
		ValidationSplit: 0.2,
		Seed:            42,
	}
}

func (o Options) validate() error {
	switch {
	case o.Epochs < 1:
		return errors.New("epochs must be at least 1")
	case o.BatchSize < 1:
		return errors.New("batch size must be at least 1")
	case o.LearningRate <= 0:
		return errors.New("learning rate must be positive")
	case o.LRFactor <= 0 || o.LRFactor >= 1:
		return errors.New("lr factor must be in (0,1)")
	case o.LRPatience < 1 || o.StopPatience < 1:
		return errors.New("patience must be at least 1")
	case o.MinDelta < 0:
		return errors.New("min delta must not be negative")
	}
	return nil
}

// EpochResult records one pass over the training split.
type EpochResult struct {
	Epoch     int     `json:"epoch"`
	TrainLoss float64 `json:"train_loss"`
	Val       Metrics `json:"val"`
	// LearningRate is the rate used during this epoch.
	LearningRate float64 `json:"learning_rate"`
	State        State   `json:"state"`
	Skipped      int     `json:"skipped"`
}

// Report summarizes a training run.
type Report struct {
	RunID        string                    `json:"run_id"`
	Splits       dataset.Counts            `json:"splits"`
	ClassWeights map[dataset.Class]float64 `json:"class_weights"`
	History      []EpochResult             `json:"history"`
	BestEpoch    int                       `json:"best_epoch"`
	BestValLoss  float64                   `json:"best_val_loss"`
	Checkpoints  []int                     `json:"checkpoints"`
	Final        State                     `json:"final"`
	Test         *Metrics                  `json:"test,omitempty"`
}

// Trainer runs the epoch loop for one network.
type Trainer struct {
	net    model.Network
	opts   Options
	loader BatchLoader
	ckpt   Checkpointer
	logger *zap.Logger

	state State
	// OnState, when set, observes every state transition.
	OnState func(epoch int, s State)
}

// New returns a trainer for net.
func New(net model.Network, opts Options, loader BatchLoader, ckpt Checkpointer, logger *zap.Logger) (*Trainer, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Trainer{
		net:    net,
		opts:   opts,
		loader: loader,
		ckpt:   ckpt,
		logger: logger,
		state:  StateInitializing,
	}, nil
}

// State returns the current state.
func (t *Trainer) State() State { return t.state }

func (t *Trainer) enter(epoch int, s State) {
	t.state = s
	if t.OnState != nil {
		t.OnState(epoch, s)
	}
}

// Run trains on ds. A flat dataset is split into train and validation in
// memory; a pre-split dataset must have non-empty train and val splits. On
// return the network holds the best validation weights, which are also the
// last checkpoint written.
//
// A *DivergedTrainingError aborts the run; the report covers the epochs
// completed before it.
func (t *Trainer) Run(ctx context.Context, ds *dataset.Dataset) (*Report, error) {
	t.enter(0, StateInitializing)

	ds, err := t.prepare(ds)
	if err != nil {
		return nil, err
	}
	trainSet := ds.Select(dataset.Train)
	valSet := ds.Select(dataset.Val)
	testSet := ds.Select(dataset.Test)

	counts := ds.Counts()
	weights := ClassWeights(counts[dataset.Train])

	report := &Report{
		RunID:        uuid.NewString(),
		Splits:       counts,
		ClassWeights: weights,
		BestValLoss:  math.Inf(1),
	}
	log := t.logger.With(zap.String("run_id", report.RunID))
	log.Info("training started",
		zap.String("arch", string(t.net.Config().Arch)),
		zap.Int("train", len(trainSet)),
		zap.Int("val", len(valSet)),
		zap.Int("test", len(testSet)),
		zap.Float64("weight_normal", weights[dataset.Normal]),
		zap.Float64("weight_pneumonia", weights[dataset.Pneumonia]),
	)

	params := t.net.Params()
	grads := nn.NewGrads(params)
	opt := nn.NewAdam()
	rng := rand.New(rand.NewSource(t.opts.Seed))
	lr := t.opts.LearningRate

	var (
		best          [][]float64
		sinceBest     int
		sinceLRChange int
		order         = make([]int, len(trainSet))
		batchSamples  []dataset.Sample
		stoppedEarly  bool
	)
	for i := range order {
		order[i] = i
	}

	for epoch := 1; epoch <= t.opts.Epochs; epoch++ {
		start := time.Now()
		res := EpochResult{Epoch: epoch, LearningRate: lr}

		t.enter(epoch, StateTraining)
		rng.Shuffle(len(order), func(a, b int) { order[a], order[b] = order[b], order[a] })

		var lossSum float64
		var seen int
		for bi, from := 0, 0; from < len(order); bi, from = bi+1, from+t.opts.BatchSize {
			if err := ctx.Err(); err != nil {
				return report, err
			}

			batchSamples = batchSamples[:0]
			for _, i := range order[from:min(from+t.opts.BatchSize, len(order))] {
				batchSamples = append(batchSamples, trainSet[i])
			}
			b, err := t.loader.LoadBatch(ctx, batchSamples)
			if err != nil {
				return report, fmt.Errorf("epoch %d: %w", epoch, err)
			}
			res.Skipped += len(b.Skipped)
			if b.X == nil {
				continue
			}

			sampleWeights := make([]float64, len(b.Classes))
			for i, cl := range b.Classes {
				sampleWeights[i] = weights[cl]
			}

			nn.ZeroGrads(grads)
			loss, err := t.net.Gradients(b.X, b.Labels, sampleWeights, grads)
			if err != nil {
				return report, fmt.Errorf("epoch %d batch %d: %w", epoch, bi+1, err)
			}
			if math.IsNaN(loss) || math.IsInf(loss, 0) {
				log.Error("training diverged", zap.Int("epoch", epoch), zap.Int("batch", bi+1), zap.Float64("loss", loss))
				return report, &DivergedTrainingError{Epoch: epoch, Batch: bi + 1, Loss: loss}
			}
			opt.Step(params, grads, lr)

			lossSum += loss * float64(len(b.Labels))
			seen += len(b.Labels)
		}
		if seen == 0 {
			return report, fmt.Errorf("epoch %d: no training image could be loaded", epoch)
		}
		res.TrainLoss = lossSum / float64(seen)

		t.enter(epoch, StateValidating)
		res.Val, err = evaluate(ctx, t.net, t.loader, valSet, t.opts.BatchSize)
		if err != nil {
			return report, fmt.Errorf("epoch %d validation: %w", epoch, err)
		}
		if res.Val.Samples == 0 {
			return report, fmt.Errorf("epoch %d: no validation image could be loaded", epoch)
		}
		res.Skipped += res.Val.Skipped
		if math.IsNaN(res.Val.Loss) || math.IsInf(res.Val.Loss, 0) {
			log.Error("training diverged", zap.Int("epoch", epoch), zap.Float64("val_loss", res.Val.Loss))
			return report, &DivergedTrainingError{Epoch: epoch, Loss: res.Val.Loss}
		}

		if res.Val.Loss < report.BestValLoss-t.opts.MinDelta {
			t.enter(epoch, StateCheckpointing)
			ckpt := model.Checkpoint{RunID: report.RunID, Epoch: epoch, ValLoss: res.Val.Loss}
			if err := t.ckpt.Save(t.net, ckpt); err != nil {
				return report, err
			}
			log.Info("checkpoint saved", zap.Int("epoch", epoch), zap.Float64("val_loss", res.Val.Loss))

			report.BestEpoch, report.BestValLoss = epoch, res.Val.Loss
			report.Checkpoints = append(report.Checkpoints, epoch)
			best = model.Snapshot(t.net)
			sinceBest, sinceLRChange = 0, 0
			res.State = StateCheckpointing
		} else {
			t.enter(epoch, StateSkipping)
			sinceBest++
			sinceLRChange++
			res.State = StateSkipping

			if sinceLRChange >= t.opts.LRPatience {
				sinceLRChange = 0
				if next := math.Max(lr*t.opts.LRFactor, t.opts.MinLR); next < lr {
					log.Info("reducing learning rate", zap.Int("epoch", epoch), zap.Float64("from", lr), zap.Float64("to", next))
					lr = next
				}
			}
			if sinceBest >= t.opts.StopPatience {
				stoppedEarly = true
			}
		}

		if res.Skipped > 0 {
			log.Warn("skipped unreadable images", zap.Int("epoch", epoch), zap.Int("count", res.Skipped))
		}
		log.Info("epoch finished",
			zap.Int("epoch", epoch),
			zap.Float64("train_loss", res.TrainLoss),
			zap.Float64("val_loss", res.Val.Loss),
			zap.Float64("val_accuracy", res.Val.Accuracy),
			zap.Float64("val_precision", res.Val.Precision),
			zap.Float64("val_recall", res.Val.Recall),
			zap.Float64("lr", res.LearningRate),
			zap.String("state", string(res.State)),
			zap.Duration("took", time.Since(start)),
		)
		report.History = append(report.History, res)

		if stoppedEarly {
			break
		}
	}

	if stoppedEarly {
		t.enter(len(report.History), StateEarlyStopped)
		log.Info("early stopping", zap.Int("epoch", len(report.History)), zap.Int("best_epoch", report.BestEpoch))
	} else {
		t.enter(len(report.History), StateCompleted)
	}
	report.Final = t.state

	if best != nil {
		model.Restore(t.net, best)
	}

	if len(testSet) > 0 {
		m, err := evaluate(ctx, t.net, t.loader, testSet, t.opts.BatchSize)
		if err != nil {
			return report, fmt.Errorf("test evaluation: %w", err)
		}
		report.Test = &m
		log.Info("test evaluation",
			zap.Float64("loss", m.Loss),
			zap.Float64("accuracy", m.Accuracy),
			zap.Float64("precision", m.Precision),
			zap.Float64("recall", m.Recall),
		)
	}

	log.Info("training finished",
		zap.String("state", string(report.Final)),
		zap.Int("best_epoch", report.BestEpoch),
		zap.Float64("best_val_loss", report.BestValLoss),
	)
	return report, nil
}

// prepare splits a flat dataset in memory and checks the splits training
// needs.
func (t *Trainer) prepare(ds *dataset.Dataset) (*dataset.Dataset, error) {
	if ds.Layout == dataset.LayoutFlat {
		vs := t.opts.ValidationSplit
		if vs <= 0 || vs >= 1 {
			return nil, fmt.Errorf("validation split must be in (0,1), got %v", vs)
		}
		planned, err := dataset.Plan(ds, dataset.Ratios{Train: 1 - vs, Val: vs}, t.opts.Seed)
		if err != nil {
			return nil, err
		}
		ds = planned
	}
	if err := ds.Require(dataset.Train, dataset.Val); err != nil {
		return nil, err
	}
	return ds, nil
}
