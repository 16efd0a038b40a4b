package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/inferflow-go/internal/protocol"
	"github.com/inferflow-go/pkg/logger"
	"github.com/inferflow-go/pkg/metrics"
	"github.com/inferflow-go/pkg/resilience"
)

// Client forwards prediction requests to workers. One circuit breaker per
// worker id keeps a flapping worker from absorbing traffic while its
// registry status catches up; there is never a retry.
type Client struct {
	http     *http.Client
	breakers *resilience.CircuitBreakerRegistry
	logger   logger.Logger
}

// NewClient creates a proxy client. The forwarded request inherits the
// caller's context, so a disconnecting client abandons the upstream call.
func NewClient(log logger.Logger) *Client {
	return &Client{
		http:     &http.Client{},
		breakers: resilience.NewCircuitBreakerRegistry(resilience.DefaultCircuitBreakerConfig("worker")),
		logger:   log,
	}
}

// Predict issues a single POST /predict to the worker. Failures are wrapped
// in protocol.ErrWorkerTransport or protocol.ErrWorkerRejected so the caller
// can mark the worker in the registry.
func (c *Client) Predict(ctx context.Context, worker protocol.WorkerRecord, req protocol.PredictionRequest) (*protocol.PredictionResponse, error) {
	url := fmt.Sprintf("http://%s/predict", worker.Endpoint)

	c.logger.Info("Forwarding prediction request",
		"workerId", worker.ID,
		"url", url,
		"model", req.ModelType,
	)

	breaker := c.breakers.Get(worker.ID)
	result, err := breaker.Execute(func() (interface{}, error) {
		return c.forward(ctx, url, req)
	})
	if err != nil {
		if err == resilience.ErrCircuitOpen {
			metrics.ProxyFailuresTotal.WithLabelValues("circuit_open").Inc()
			return nil, fmt.Errorf("%w: circuit open for worker %s", protocol.ErrWorkerTransport, worker.ID)
		}
		return nil, err
	}

	return result.(*protocol.PredictionResponse), nil
}

func (c *Client) forward(ctx context.Context, url string, req protocol.PredictionRequest) (*protocol.PredictionResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.ProxyFailuresTotal.WithLabelValues("transport").Inc()
		return nil, fmt.Errorf("%w: %v", protocol.ErrWorkerTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ProxyFailuresTotal.WithLabelValues("rejected").Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: worker returned %d: %s", protocol.ErrWorkerRejected, resp.StatusCode, string(body))
	}

	var prediction protocol.PredictionResponse
	if err := json.NewDecoder(resp.Body).Decode(&prediction); err != nil {
		metrics.ProxyFailuresTotal.WithLabelValues("decode").Inc()
		return nil, fmt.Errorf("%w: invalid response: %v", protocol.ErrWorkerTransport, err)
	}

	return &prediction, nil
}
