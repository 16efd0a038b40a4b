package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/inferflow-go/internal/protocol"
	"github.com/inferflow-go/internal/worker/agent"
	"github.com/inferflow-go/internal/worker/executor"
	"github.com/inferflow-go/pkg/config"
	"github.com/inferflow-go/pkg/gpu"
	"github.com/inferflow-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) (*agent.Agent, http.Handler) {
	t.Helper()

	log := logger.NewNop()
	cfg := config.WorkerConfig{
		CoordinatorURL:    "http://localhost:0",
		AdvertiseHost:     "127.0.0.1",
		Port:              18081,
		HeartbeatInterval: 1,
		LockTimeoutMs:     100,
		NetworkTimeout:    3,
		SupportedModels:   []string{"stable_diffusion", "covid_xray"},
	}
	probe := &gpu.StaticProbe{Info: protocol.GPUInfo{TotalMemoryMiB: 16384, FreeMiB: 12000}}

	a := agent.New(cfg, executor.NewLocalExecutor(log), probe, log)
	return a, setupRouter(a, log)
}

func doJSON(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var data []byte
	if body != nil {
		var err error
		data, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestWorkerPredict_HappyPath(t *testing.T) {
	_, router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/predict", map[string]interface{}{
		"model_type":     "stable_diffusion",
		"model_cid":      "cid-a",
		"prompt":         "cat",
		"quality_preset": "balanced",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp protocol.PredictionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, float64(30), resp.Parameters["inference_steps"])
}

func TestWorkerPredict_ValidationErrors(t *testing.T) {
	_, router := newTestRouter(t)

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"empty prompt", map[string]interface{}{
			"model_type": "stable_diffusion", "model_cid": "cid-a",
			"prompt": "", "quality_preset": "fast",
		}},
		{"missing image_url", map[string]interface{}{
			"model_type": "covid_xray", "model_cid": "cid-b",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, http.MethodPost, "/predict", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

// failingExecutor errors on every inference.
type failingExecutor struct{}

func (failingExecutor) Initialize(ctx context.Context) error { return nil }
func (failingExecutor) Load(ctx context.Context, modelCID string, modelType protocol.ModelType) error {
	return nil
}
func (failingExecutor) Infer(ctx context.Context, req protocol.PredictionRequest) (protocol.PredictionResponse, error) {
	return protocol.PredictionResponse{}, errors.New("CUDA out of memory")
}

func TestWorkerPredict_InferenceErrorIs200WithFailure(t *testing.T) {
	log := logger.NewNop()
	cfg := config.WorkerConfig{
		AdvertiseHost: "127.0.0.1", Port: 18081,
		LockTimeoutMs: 100, NetworkTimeout: 3,
	}
	probe := &gpu.StaticProbe{Info: protocol.GPUInfo{TotalMemoryMiB: 16384}}
	a := agent.New(cfg, failingExecutor{}, probe, log)
	router := setupRouter(a, log)

	w := doJSON(t, router, http.MethodPost, "/predict", map[string]interface{}{
		"model_type": "covid_xray",
		"model_cid":  "cid-b",
		"image_url":  "http://example.com/xray.png",
	})
	require.Equal(t, http.StatusOK, w.Code, "inference failures ride inside the response body")

	var resp protocol.PredictionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Contains(t, *resp.Error, "CUDA out of memory")
}

func TestWorkerHealth(t *testing.T) {
	_, router := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestWorkerStatus(t *testing.T) {
	a, router := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var report protocol.WorkerStatusReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, a.ID(), report.ID)
	assert.Equal(t, 18081, report.Port)
	assert.Equal(t, protocol.StatusOnline, report.Status)
}
