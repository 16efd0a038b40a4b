package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/inferflow-go/internal/coordinator/proxy"
	"github.com/inferflow-go/internal/coordinator/registry"
	"github.com/inferflow-go/internal/protocol"
	"github.com/inferflow-go/pkg/config"
	"github.com/inferflow-go/pkg/logger"
	"github.com/inferflow-go/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	registry *registry.Registry
	router   *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := logger.NewNop()
	reg := registry.New(registry.DefaultConfig(), nil, log)
	handlers := NewHandlers(reg, proxy.NewClient(log), nil, log)

	cfg := &config.Config{}
	router := setupRouter(handlers, cfg, telemetry.NewNop(), log)

	return &fixture{registry: reg, router: router}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

// newFakeWorker stands in for a worker's /predict endpoint.
func newFakeWorker(t *testing.T, handler http.HandlerFunc) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, strings.TrimPrefix(srv.URL, "http://")
}

func registerWorker(t *testing.T, f *fixture, id, endpoint string, totalMiB int64) {
	t.Helper()
	rec := protocol.WorkerRecord{
		ID:       id,
		Endpoint: endpoint,
		GPU: protocol.GPUInfo{
			DeviceName:     "NVIDIA GeForce RTX 4090",
			TotalMemoryMiB: totalMiB,
			FreeMiB:        totalMiB,
		},
		Capabilities: protocol.Capabilities{
			SupportedModels: []string{"stable_diffusion", "covid_xray"},
			GPUAvailable:    totalMiB > 0,
		},
		Status:        protocol.StatusOnline,
		LastHeartbeat: time.Now().UTC(),
	}
	w := f.do(t, http.MethodPost, "/register", rec)
	require.Equal(t, http.StatusOK, w.Code)
}

func sdRequest() map[string]interface{} {
	return map[string]interface{}{
		"model_type":     "stable_diffusion",
		"model_cid":      "cid-a",
		"prompt":         "cat",
		"quality_preset": "fast",
	}
}

func TestPredict_SingleWorkerHappyPath(t *testing.T) {
	f := newFixture(t)

	_, endpoint := newFakeWorker(t, func(w http.ResponseWriter, r *http.Request) {
		var req protocol.PredictionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, protocol.ModelStableDiffusion, req.ModelType)

		json.NewEncoder(w).Encode(protocol.PredictionResponse{Success: true, Prompt: req.Prompt})
	})

	registerWorker(t, f, "w1", endpoint, 16384)

	w := f.do(t, http.MethodPost, "/predict", sdRequest())
	require.Equal(t, http.StatusOK, w.Code)

	var resp protocol.PredictionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)

	// The selection left its speculative hint on the record.
	active := f.registry.ListActive()
	require.Len(t, active, 1)
	assert.Contains(t, active[0].LoadedModels, "stable_diffusion")
}

func TestPredict_NoWorkerAvailable(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/predict", sdRequest())
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "stable_diffusion")
}

func TestPredict_VRAMFilterRoutesToLargeWorker(t *testing.T) {
	f := newFixture(t)

	hits := 0
	_, endpoint := newFakeWorker(t, func(w http.ResponseWriter, r *http.Request) {
		hits++
		json.NewEncoder(w).Encode(protocol.PredictionResponse{Success: true})
	})

	// w1 is too small for stable_diffusion; its endpoint would refuse
	// connections, so reaching it would fail loudly.
	registerWorker(t, f, "w1", "127.0.0.1:1", 4096)
	registerWorker(t, f, "w2", endpoint, 12288)

	for i := 0; i < 3; i++ {
		w := f.do(t, http.MethodPost, "/predict", sdRequest())
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, 3, hits)
}

func TestPredict_StaleWorkerEvicted(t *testing.T) {
	f := newFixture(t)

	rec := protocol.WorkerRecord{
		ID:       "w1",
		Endpoint: "127.0.0.1:9000",
		GPU:      protocol.GPUInfo{TotalMemoryMiB: 16384, FreeMiB: 10000},
		Capabilities: protocol.Capabilities{
			SupportedModels: []string{"stable_diffusion"},
			GPUAvailable:    true,
		},
		Status:        protocol.StatusOnline,
		LastHeartbeat: time.Now().UTC().Add(-31 * time.Second),
	}
	w := f.do(t, http.MethodPost, "/register", rec)
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/predict", sdRequest())
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, 0, f.registry.Len())
}

func TestPredict_TransportFailureMarksWorkerError(t *testing.T) {
	f := newFixture(t)

	// A server that is already closed: the port refuses connections.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := strings.TrimPrefix(dead.URL, "http://")
	dead.Close()

	registerWorker(t, f, "w1", endpoint, 16384)

	w := f.do(t, http.MethodPost, "/predict", sdRequest())
	require.Equal(t, http.StatusInternalServerError, w.Code)

	// The failure write is visible on /clients immediately.
	w = f.do(t, http.MethodGet, "/clients", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var clients []protocol.WorkerRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &clients))
	require.Len(t, clients, 1)
	assert.Equal(t, protocol.StatusError, clients[0].Status)

	// And the next identical request finds nobody eligible.
	w = f.do(t, http.MethodPost, "/predict", sdRequest())
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestPredict_WorkerRejectionMarksWorkerError(t *testing.T) {
	f := newFixture(t)

	_, endpoint := newFakeWorker(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model blew up", http.StatusInternalServerError)
	})
	registerWorker(t, f, "w1", endpoint, 16384)

	w := f.do(t, http.MethodPost, "/predict", sdRequest())
	require.Equal(t, http.StatusInternalServerError, w.Code)

	active := f.registry.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, protocol.StatusError, active[0].Status)
}

func TestPredict_ValidationFailsBeforeSelection(t *testing.T) {
	tests := []struct {
		name string
		body map[string]interface{}
		want string
	}{
		{
			name: "empty prompt",
			body: map[string]interface{}{
				"model_type":     "stable_diffusion",
				"model_cid":      "cid-a",
				"prompt":         "",
				"quality_preset": "fast",
			},
			want: "empty prompt",
		},
		{
			name: "missing image_url",
			body: map[string]interface{}{
				"model_type": "covid_xray",
				"model_cid":  "cid-b",
			},
			want: "image_url is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			// A live worker exists; a 400 must not touch it.
			registerWorker(t, f, "w1", "127.0.0.1:9000", 16384)

			w := f.do(t, http.MethodPost, "/predict", tt.body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.want)

			active := f.registry.ListActive()
			require.Len(t, active, 1)
			assert.Empty(t, active[0].LoadedModels, "select must not run for invalid requests")
		})
	}
}

func TestHeartbeat_UnknownWorkerSignalledInBody(t *testing.T) {
	f := newFixture(t)

	hb := protocol.HeartbeatUpdate{
		ID:            "ghost",
		Status:        protocol.StatusOnline,
		LastHeartbeat: time.Now().UTC(),
	}

	w := f.do(t, http.MethodPost, "/heartbeat/ghost", hb)
	require.Equal(t, http.StatusOK, w.Code, "registry errors ride in the body, not the HTTP code")

	var resp protocol.ServerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, protocol.ResponseStatusError, resp.Status)
	assert.Equal(t, "client not found", resp.Message)
}

func TestHeartbeat_UpdatesRecord(t *testing.T) {
	f := newFixture(t)
	registerWorker(t, f, "w1", "127.0.0.1:9000", 16384)

	hb := protocol.HeartbeatUpdate{
		ID:            "w1",
		LoadedModels:  []string{"stable_diffusion"},
		Status:        protocol.StatusOnline,
		LastHeartbeat: time.Now().UTC(),
		Capabilities: protocol.Capabilities{
			SupportedModels: []string{"stable_diffusion"},
			GPUAvailable:    true,
		},
		GPU: protocol.GPUInfo{TotalMemoryMiB: 16384, FreeMiB: 9000},
	}

	w := f.do(t, http.MethodPost, "/heartbeat/w1", hb)
	require.Equal(t, http.StatusOK, w.Code)

	var resp protocol.ServerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, protocol.ResponseStatusSuccess, resp.Status)

	active := f.registry.ListActive()
	require.Len(t, active, 1)
	assert.Equal(t, []string{"stable_diffusion"}, active[0].LoadedModels)
	assert.Equal(t, int64(9000), active[0].GPU.FreeMiB)
}

func TestClients_EmptyRegistry(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/clients", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var clients []protocol.WorkerRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &clients))
	assert.Empty(t, clients)
}

func TestRegister_RejectsMissingID(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/register", protocol.WorkerRecord{Endpoint: "127.0.0.1:9000"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
