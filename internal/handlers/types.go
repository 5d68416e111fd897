package handlers

// PredictionRequest carries one preprocessed 224x224x3 image, channel-last,
// with values in [0,1] or [0,255].
type PredictionRequest struct {
	Image []float32 `json:"image"`
}

type PredictionResponse struct {
	Label       string             `json:"label"`
	Confidence  float64            `json:"confidence"`
	Predictions map[string]float64 `json:"predictions"`
	// Heatmap and Overlay are base64-encoded PNGs at the submitted image's
	// dimensions.
	Heatmap string `json:"heatmap"`
	Overlay string `json:"overlay"`
	IsMock  bool   `json:"isMock"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Arch   string `json:"arch"`
	IsMock bool   `json:"isMock"`
}
