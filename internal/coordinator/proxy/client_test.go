package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/inferflow-go/internal/protocol"
	"github.com/inferflow-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func workerFor(endpoint string) protocol.WorkerRecord {
	return protocol.WorkerRecord{ID: "w1", Endpoint: endpoint}
}

func sdRequest() protocol.PredictionRequest {
	prompt := "cat"
	preset := protocol.PresetFast
	return protocol.PredictionRequest{
		ModelType:     protocol.ModelStableDiffusion,
		ModelCID:      "cid-a",
		Prompt:        &prompt,
		QualityPreset: &preset,
	}
}

func TestClient_PredictSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/predict", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req protocol.PredictionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(protocol.PredictionResponse{Success: true, Prompt: req.Prompt})
	}))
	defer srv.Close()

	client := NewClient(logger.NewNop())
	resp, err := client.Predict(context.Background(), workerFor(strings.TrimPrefix(srv.URL, "http://")), sdRequest())
	require.NoError(t, err)
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Prompt)
	assert.Equal(t, "cat", *resp.Prompt)
}

func TestClient_PredictTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	endpoint := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	client := NewClient(logger.NewNop())
	_, err := client.Predict(context.Background(), workerFor(endpoint), sdRequest())
	assert.ErrorIs(t, err, protocol.ErrWorkerTransport)
}

func TestClient_PredictNon2xxIsRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(logger.NewNop())
	_, err := client.Predict(context.Background(), workerFor(strings.TrimPrefix(srv.URL, "http://")), sdRequest())
	require.ErrorIs(t, err, protocol.ErrWorkerRejected)
	assert.Contains(t, err.Error(), "502")
}

func TestClient_PredictInvalidBodyIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	client := NewClient(logger.NewNop())
	_, err := client.Predict(context.Background(), workerFor(strings.TrimPrefix(srv.URL, "http://")), sdRequest())
	assert.ErrorIs(t, err, protocol.ErrWorkerTransport)
}

func TestClient_CanceledContextAbandonsForward(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server watches the connection and cancels
		// r.Context() when the client goes away.
		io.Copy(io.Discard, r.Body)
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	client := NewClient(logger.NewNop())
	_, err := client.Predict(ctx, workerFor(strings.TrimPrefix(srv.URL, "http://")), sdRequest())
	assert.ErrorIs(t, err, protocol.ErrWorkerTransport)
}
