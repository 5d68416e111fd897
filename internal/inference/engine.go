package inference

import (
	"errors"
	"fmt"
	"image"
	"math"
	"time"

	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/Brownie44l1/pneumo-api/internal/explain"
	"github.com/Brownie44l1/pneumo-api/internal/metrics"
	"github.com/Brownie44l1/pneumo-api/internal/model"
	"github.com/Brownie44l1/pneumo-api/internal/preprocess"
)

const (
	LabelNormal    = "NORMAL"
	LabelPneumonia = "PNEUMONIA"
)

// Result is the outcome of one prediction.
type Result struct {
	Label string
	// Confidence is the probability of Label.
	Confidence float64
	// Probability is P(PNEUMONIA).
	Probability float64
	// Heatmap and Overlay have the dimensions of the submitted image.
	Heatmap *image.Gray
	Overlay *image.RGBA
	// IsMock is set when the fallback predictor produced the result.
	IsMock bool
}

// Decide thresholds a pneumonia probability at 0.5.
func Decide(p float64) (label string, confidence float64) {
	if p >= 0.5 {
		return LabelPneumonia, p
	}
	return LabelNormal, 1 - p
}

// Options configures an Engine.
type Options struct {
	OverlayAlpha float64
	MockSeed     int64
}

// Engine runs predictions. It holds no per-request state and is safe for
// concurrent use.
type Engine struct {
	opts   Options
	mock   *model.Mock
	logger *zap.Logger
}

// NewEngine returns an engine that degrades to a mock seeded with
// opts.MockSeed when a model fails.
func NewEngine(opts Options, logger *zap.Logger) *Engine {
	return &Engine{opts: opts, mock: model.NewMock(opts.MockSeed), logger: logger}
}

// PredictBytes decodes an uploaded image and predicts on it. Only an
// undecodable image is an error.
func (e *Engine) PredictBytes(m model.Model, data []byte) (*Result, error) {
	img, err := preprocess.DecodeBytes(data, "upload")
	if err != nil {
		var formatErr *preprocess.UnsupportedFormatError
		if errors.As(err, &formatErr) {
			metrics.RecordRejectedImage()
		}
		return nil, err
	}
	return e.Predict(m, img), nil
}

// Predict classifies img with m and explains the decision. Model failures
// fall back to the mock and never surface as errors.
func (e *Engine) Predict(m model.Model, img image.Image) *Result {
	return e.predict(m, preprocess.FromImage(img), img)
}

// PredictTensor classifies an already preprocessed (224,224,3) tensor. The
// heatmap is rendered over the tensor's own image.
func (e *Engine) PredictTensor(m model.Model, t *tensor.Dense) (*Result, error) {
	norm, err := preprocess.Normalize(t)
	if err != nil {
		return nil, err
	}
	img, err := preprocess.ToImage(norm)
	if err != nil {
		return nil, err
	}
	return e.predict(m, norm, img), nil
}

func (e *Engine) predict(m model.Model, sample *tensor.Dense, original image.Image) *Result {
	start := time.Now()

	batch, err := preprocess.Batch([]*tensor.Dense{sample})
	if err != nil {
		// A FromImage or Normalize result always batches.
		panic(err)
	}

	out, err := e.forward(m, batch)
	if err != nil {
		e.logger.Warn("inference failed, using mock predictor", zap.Error(err))
		m = e.mock
		out, _ = e.mock.Forward(batch)
	}

	p := out.Probabilities[0]
	label, confidence := Decide(p)
	res := &Result{
		Label:       label,
		Confidence:  confidence,
		Probability: p,
		IsMock:      model.IsMock(m),
	}

	imp := e.importance(m, out, label)
	res.Heatmap, res.Overlay = explain.Render(original, imp, e.opts.OverlayAlpha)

	metrics.RecordPrediction(label, res.IsMock, time.Since(start))
	return res
}

func (e *Engine) forward(m model.Model, batch *tensor.Dense) (*model.Output, error) {
	out, err := m.Forward(batch)
	if err != nil {
		return nil, err
	}
	if len(out.Probabilities) != 1 {
		return nil, fmt.Errorf("model returned %d probabilities for one image", len(out.Probabilities))
	}
	if p := out.Probabilities[0]; math.IsNaN(p) || p < 0 || p > 1 {
		return nil, fmt.Errorf("model returned probability %v", p)
	}
	return out, nil
}

// importance computes Grad-CAM when m exposes activations and a centered
// placeholder otherwise.
func (e *Engine) importance(m model.Model, out *model.Output, label string) *explain.Importance {
	ex, ok := m.(model.Explainable)
	if !ok || len(out.Activations) == 0 {
		return explain.Placeholder(preprocess.Size, preprocess.Size)
	}

	act := out.Activations[0]
	grad, err := ex.LogitGradient(act)
	if err == nil {
		var imp *explain.Importance
		if imp, err = explain.GradCAM(act, grad, label == LabelPneumonia); err == nil {
			return imp
		}
	}
	e.logger.Warn("failed to compute heatmap, using placeholder", zap.Error(err))
	return explain.Placeholder(preprocess.Size, preprocess.Size)
}
