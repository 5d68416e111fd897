package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"net/http"

	"go.uber.org/zap"
	"gorgonia.org/tensor"

	"github.com/Brownie44l1/pneumo-api/internal/inference"
	"github.com/Brownie44l1/pneumo-api/internal/model"
	"github.com/Brownie44l1/pneumo-api/internal/preprocess"
)

const maxUploadBytes = 10 << 20

type Handler struct {
	cache     *inference.Cache
	engine    *inference.Engine
	modelPath string
	logger    *zap.Logger
}

// NewHandler serves predictions from the model cached for modelPath.
func NewHandler(cache *inference.Cache, engine *inference.Engine, modelPath string, logger *zap.Logger) *Handler {
	return &Handler{
		cache:     cache,
		engine:    engine,
		modelPath: modelPath,
		logger:    logger,
	}
}

// model returns the current model and a func to call when done with it.
func (h *Handler) model() (model.Model, func()) {
	return h.cache.Acquire(h.modelPath)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	m, release := h.model()
	defer release()
	writeJSON(w, HealthResponse{
		Status: "healthy",
		Arch:   string(m.Config().Arch),
		IsMock: model.IsMock(m),
	})
}

// Predict classifies a JSON array of preprocessed pixel values.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var req PredictionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if len(req.Image) != preprocess.SampleLen {
		http.Error(w, "Expected 150528 values (224x224x3, channel-last)", http.StatusBadRequest)
		return
	}

	t := tensor.New(tensor.WithShape(preprocess.Size, preprocess.Size, preprocess.Channels), tensor.WithBacking(req.Image))
	m, release := h.model()
	defer release()
	result, err := h.engine.PredictTensor(m, t)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.respond(w, result)
}

// PredictFromImage classifies a multipart upload in the "image" field.
func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "No image file provided. Use 'image' as the form field name", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Failed to read upload", http.StatusBadRequest)
		return
	}

	h.logger.Debug("received image", zap.String("filename", header.Filename), zap.Int64("size", header.Size))

	m, release := h.model()
	defer release()
	result, err := h.engine.PredictBytes(m, data)
	if err != nil {
		var formatErr *preprocess.UnsupportedFormatError
		if errors.As(err, &formatErr) {
			http.Error(w, "Invalid image format. Supported: PNG, JPEG, JFIF", http.StatusUnsupportedMediaType)
			return
		}
		h.logger.Warn("failed to read uploaded image", zap.Error(err))
		http.Error(w, "Invalid image", http.StatusBadRequest)
		return
	}

	h.respond(w, result)
}

func (h *Handler) respond(w http.ResponseWriter, result *inference.Result) {
	heatmap, err := encodePNG(result.Heatmap)
	if err != nil {
		h.logger.Error("failed to encode heatmap", zap.Error(err))
		http.Error(w, "Prediction failed", http.StatusInternalServerError)
		return
	}
	overlay, err := encodePNG(result.Overlay)
	if err != nil {
		h.logger.Error("failed to encode overlay", zap.Error(err))
		http.Error(w, "Prediction failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, PredictionResponse{
		Label:      result.Label,
		Confidence: result.Confidence,
		Predictions: map[string]float64{
			inference.LabelNormal:    1 - result.Probability,
			inference.LabelPneumonia: result.Probability,
		},
		Heatmap: heatmap,
		Overlay: overlay,
		IsMock:  result.IsMock,
	})
}

func encodePNG(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
