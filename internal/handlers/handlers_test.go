package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Brownie44l1/pneumo-api/internal/inference"
	"github.com/Brownie44l1/pneumo-api/internal/model"
	"github.com/Brownie44l1/pneumo-api/internal/model/modeltest"
	"github.com/Brownie44l1/pneumo-api/internal/preprocess"
)

func newTestServer(t *testing.T, weights string) *httptest.Server {
	t.Helper()
	cache := inference.NewCache(inference.FileOpener(model.OpenOptions{}), model.NewMock(1), zap.NewNop())
	engine := inference.NewEngine(inference.Options{OverlayAlpha: 0.45, MockSeed: 1}, zap.NewNop())
	srv := httptest.NewServer(NewHandler(cache, engine, weights, zap.NewNop()).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func trainedWeights(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pneumonia_model.pnw")
	require.NoError(t, model.Save(path, modeltest.Tiny(t), model.Checkpoint{Epoch: 1}))
	return path
}

func upload(t *testing.T, url, field string, data []byte) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, "xray.png")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(url+"/predict/image", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func xrayPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x ^ y)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decodeResponse(t *testing.T, resp *http.Response) PredictionResponse {
	t.Helper()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out PredictionResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func decodeImage(t *testing.T, b64 string) image.Image {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	return img
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, filepath.Join(t.TempDir(), "missing.pnw"))

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.True(t, health.IsMock)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestPredictFromImage(t *testing.T) {
	srv := newTestServer(t, trainedWeights(t))

	out := decodeResponse(t, upload(t, srv.URL, "image", xrayPNG(t, 320, 240)))
	assert.False(t, out.IsMock)
	assert.Contains(t, []string{"NORMAL", "PNEUMONIA"}, out.Label)
	assert.InDelta(t, out.Confidence, out.Predictions[out.Label], 1e-12)
	assert.InDelta(t, 1, out.Predictions["NORMAL"]+out.Predictions["PNEUMONIA"], 1e-12)

	heat := decodeImage(t, out.Heatmap)
	assert.Equal(t, image.Rect(0, 0, 320, 240), heat.Bounds())
	assert.Equal(t, heat.Bounds(), decodeImage(t, out.Overlay).Bounds())

	t.Run("unsupported format", func(t *testing.T) {
		resp := upload(t, srv.URL, "image", []byte("GIF89a not really"))
		assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)
	})

	t.Run("wrong field", func(t *testing.T) {
		resp := upload(t, srv.URL, "file", xrayPNG(t, 10, 10))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("method", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/predict/image")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})
}

func TestPredictFallsBackToMock(t *testing.T) {
	srv := newTestServer(t, filepath.Join(t.TempDir(), "missing.pnw"))
	out := decodeResponse(t, upload(t, srv.URL, "image", xrayPNG(t, 64, 64)))
	assert.True(t, out.IsMock)
	assert.Equal(t, image.Rect(0, 0, 64, 64), decodeImage(t, out.Heatmap).Bounds())
}

func TestPredictRawArray(t *testing.T) {
	srv := newTestServer(t, trainedWeights(t))

	values := make([]float32, preprocess.SampleLen)
	for i := range values {
		values[i] = float32(i%255) / 255
	}
	body, err := json.Marshal(PredictionRequest{Image: values})
	require.NoError(t, err)

	resp, err := http.Post(srv.URL+"/predict", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	out := decodeResponse(t, resp)
	assert.False(t, out.IsMock)
	assert.Equal(t, image.Rect(0, 0, preprocess.Size, preprocess.Size), decodeImage(t, out.Heatmap).Bounds())

	t.Run("wrong length", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/predict", "application/json", strings.NewReader(`{"image":[1,2,3]}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("invalid json", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/predict", "application/json", strings.NewReader(`{`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, filepath.Join(t.TempDir(), "missing.pnw"))
	decodeResponse(t, upload(t, srv.URL, "image", xrayPNG(t, 32, 32)))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "pneumo_predictions_total")
}
