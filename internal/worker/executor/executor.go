package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/inferflow-go/internal/protocol"
	"github.com/inferflow-go/pkg/logger"
)

// Executor is the model-execution capability a worker delegates to. Real ML
// runtimes live behind this interface; the broker only depends on its shape.
type Executor interface {
	// Initialize prepares the runtime. Idempotent and safe for concurrent use.
	Initialize(ctx context.Context) error
	// Load makes the model identified by modelCID available for inference.
	Load(ctx context.Context, modelCID string, modelType protocol.ModelType) error
	// Infer runs one prediction. Errors are inference failures, not agent
	// failures.
	Infer(ctx context.Context, req protocol.PredictionRequest) (protocol.PredictionResponse, error)
}

// LocalExecutor is the in-process default. It synthesizes deterministic
// responses so the broker path can run end-to-end without a GPU runtime.
type LocalExecutor struct {
	mu          sync.Mutex
	initialized bool
	loaded      map[protocol.ModelType]string
	logger      logger.Logger
}

func NewLocalExecutor(log logger.Logger) *LocalExecutor {
	return &LocalExecutor{
		loaded: make(map[protocol.ModelType]string),
		logger: log,
	}
}

func (e *LocalExecutor) Initialize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return nil
	}
	e.initialized = true
	e.logger.Info("Model executor initialized")
	return nil
}

func (e *LocalExecutor) Load(ctx context.Context, modelCID string, modelType protocol.ModelType) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return fmt.Errorf("executor not initialized")
	}
	if cid, ok := e.loaded[modelType]; ok && cid == modelCID {
		return nil
	}
	e.loaded[modelType] = modelCID
	e.logger.Info("Model loaded", "model", modelType, "cid", modelCID)
	return nil
}

func (e *LocalExecutor) Infer(ctx context.Context, req protocol.PredictionRequest) (protocol.PredictionResponse, error) {
	start := time.Now()

	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return protocol.PredictionResponse{}, fmt.Errorf("executor not initialized")
	}
	if _, ok := e.loaded[req.ModelType]; !ok {
		e.mu.Unlock()
		return protocol.PredictionResponse{}, fmt.Errorf("model %s not loaded", req.ModelType)
	}
	e.mu.Unlock()

	switch req.ModelType {
	case protocol.ModelStableDiffusion:
		return e.inferStableDiffusion(req, start)
	case protocol.ModelCovidXRay:
		return e.inferCovidXRay(req, start)
	default:
		return protocol.PredictionResponse{}, fmt.Errorf("unsupported model type %q", req.ModelType)
	}
}

func (e *LocalExecutor) inferStableDiffusion(req protocol.PredictionRequest, start time.Time) (protocol.PredictionResponse, error) {
	preset := *req.QualityPreset
	image := base64.StdEncoding.EncodeToString(digest(*req.Prompt, req.ModelCID))
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	ts := time.Now().UTC().Format(time.RFC3339)

	return protocol.PredictionResponse{
		Success:          true,
		Prompt:           req.Prompt,
		GenerationTimeMs: &elapsed,
		Parameters: map[string]float64{
			"inference_steps": float64(preset.InferenceSteps()),
			"guidance_scale":  preset.GuidanceScale(),
		},
		Timestamp:   &ts,
		ImageBase64: &image,
	}, nil
}

func (e *LocalExecutor) inferCovidXRay(req protocol.PredictionRequest, start time.Time) (protocol.PredictionResponse, error) {
	// Deterministic pseudo-probability so repeated runs over the same image
	// agree.
	h := fnv.New64a()
	h.Write([]byte(*req.ImageURL))
	p := float64(h.Sum64()%1000) / 1000.0
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	ts := time.Now().UTC().Format(time.RFC3339)

	return protocol.PredictionResponse{
		Success:          true,
		GenerationTimeMs: &elapsed,
		Parameters: map[string]float64{
			"covid_probability":  p,
			"normal_probability": 1 - p,
		},
		Timestamp: &ts,
	}, nil
}

func digest(parts ...string) []byte {
	h := fnv.New64a()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return h.Sum(nil)
}
