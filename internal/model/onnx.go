package model

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/Brownie44l1/pneumo-api/internal/nn"
	"github.com/Brownie44l1/pneumo-api/internal/preprocess"
)

var runtimeMu sync.Mutex

// InitRuntime loads the ONNX Runtime shared library. An empty libPath uses
// the platform default. Repeated calls are no-ops.
func InitRuntime(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// ShutdownRuntime releases the ONNX environment. Backbones must be closed
// first.
func ShutdownRuntime() {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		ort.DestroyEnvironment()
	}
}

// LoadBackboneMetadata reads the JSON description exported with a backbone.
func LoadBackboneMetadata(path string) (BackboneMetadata, error) {
	var meta BackboneMetadata
	raw, err := os.ReadFile(path)
	if err != nil {
		return meta, fmt.Errorf("failed to read metadata: %w", err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return meta, fmt.Errorf("failed to parse metadata: %w", err)
	}

	if meta.InputName == "" {
		meta.InputName = "input"
	}
	if meta.OutputName == "" {
		meta.OutputName = "output"
	}
	if meta.Scale == 0 {
		// MobileNetV2 expects [-1,1].
		meta.Scale, meta.Offset = 2, -1
	}
	if len(meta.InputShape) != 4 || meta.InputShape[1] != preprocess.Size ||
		meta.InputShape[2] != preprocess.Size || meta.InputShape[3] != preprocess.Channels {
		return meta, fmt.Errorf("backbone input shape %v is not (N,%d,%d,%d)", meta.InputShape, preprocess.Size, preprocess.Size, preprocess.Channels)
	}
	if len(meta.OutputShape) != 4 || meta.OutputShape[1] < 1 || meta.OutputShape[2] < 1 || meta.OutputShape[3] < 1 {
		return meta, fmt.Errorf("backbone output shape %v is not (N,H,W,C)", meta.OutputShape)
	}
	return meta, nil
}

// ONNXBackbone runs a frozen, channel-last feature extractor exported to
// ONNX, such as MobileNetV2 without its classification top.
type ONNXBackbone struct {
	session  *ort.DynamicAdvancedSession
	Metadata BackboneMetadata
}

// NewONNXBackbone opens modelPath described by metadataPath. InitRuntime
// must have been called.
func NewONNXBackbone(modelPath, metadataPath string) (*ONNXBackbone, error) {
	meta, err := LoadBackboneMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{meta.InputName}, []string{meta.OutputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNXBackbone{session: session, Metadata: meta}, nil
}

func (b *ONNXBackbone) Channels() int { return int(b.Metadata.OutputShape[3]) }

// Extract runs the whole batch through the backbone in one session call.
func (b *ONNXBackbone) Extract(batch *tensor.Dense) ([]*nn.Volume, error) {
	n := preprocess.BatchSize(batch)
	if n == 0 {
		return nil, fmt.Errorf("expected a (N,%d,%d,%d) batch, got shape %v", preprocess.Size, preprocess.Size, preprocess.Channels, batch.Shape())
	}
	src, ok := batch.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("expected float32 batch, got %v", batch.Dtype())
	}

	scaled := make([]float32, len(src))
	for i, v := range src {
		scaled[i] = v*b.Metadata.Scale + b.Metadata.Offset
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(int64(n), preprocess.Size, preprocess.Size, preprocess.Channels), scaled)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	oh, ow, oc := b.Metadata.OutputShape[1], b.Metadata.OutputShape[2], b.Metadata.OutputShape[3]
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(int64(n), oh, ow, oc))
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := b.session.Run([]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor}); err != nil {
		return nil, fmt.Errorf("backbone inference failed: %w", err)
	}

	out := outputTensor.GetData()
	per := int(oh * ow * oc)
	maps := make([]*nn.Volume, n)
	for i := range maps {
		v, err := nn.VolumeFrom(int(oh), int(ow), int(oc), out[i*per:(i+1)*per])
		if err != nil {
			return nil, err
		}
		maps[i] = v
	}
	return maps, nil
}

func (b *ONNXBackbone) Close() error {
	if b.session != nil {
		return b.session.Destroy()
	}
	return nil
}

// BackboneFactory returns a constructor for the ONNX backbone that first
// initializes the runtime from libPath.
func BackboneFactory(libPath, modelPath, metadataPath string) func() (FeatureExtractor, error) {
	return func() (FeatureExtractor, error) {
		if err := InitRuntime(libPath); err != nil {
			return nil, err
		}
		return NewONNXBackbone(modelPath, metadataPath)
	}
}
