package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/inferflow-go/internal/protocol"
	"github.com/inferflow-go/internal/worker/executor"
	"github.com/inferflow-go/pkg/config"
	"github.com/inferflow-go/pkg/gpu"
	"github.com/inferflow-go/pkg/logger"
	"github.com/inferflow-go/pkg/metrics"
)

// State is the agent lifecycle state.
type State int32

const (
	StateInit State = iota
	StateUp
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUp:
		return "up"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "init"
	}
}

// Agent keeps one worker registered and fresh at the coordinator while its
// HTTP server serves inference. The heartbeat loop runs on its own goroutine
// and each heartbeat acquires worker state only with a bounded timeout, so a
// stalled inference can never make this worker look dead. A re-registration,
// which runs on the same goroutine, takes the state lock without a timeout.
type Agent struct {
	cfg    config.WorkerConfig
	logger logger.Logger
	exec   executor.Executor
	probe  gpu.Probe

	id       string
	endpoint string
	http     *http.Client

	state      atomic.Int32
	running    atomic.Bool
	reregister atomic.Bool

	// mu guards status, loadedModels and modelCIDs, shared between the
	// inference handler and the heartbeat emitter.
	mu           *timedMutex
	status       protocol.WorkerStatus
	loadedModels []string
	modelCIDs    map[string]string

	lastHeartbeat atomic.Value // time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// hbSnapshot is the heartbeat loop's last-known view of worker state, used
// when the state lock cannot be acquired within the bounded timeout.
type hbSnapshot struct {
	models []string
	cids   map[string]string
	status protocol.WorkerStatus
}

func New(cfg config.WorkerConfig, exec executor.Executor, probe gpu.Probe, log logger.Logger) *Agent {
	cids := make(map[string]string, len(cfg.ModelCIDs))
	for k, v := range cfg.ModelCIDs {
		cids[k] = v
	}

	a := &Agent{
		cfg:       cfg,
		logger:    log,
		exec:      exec,
		probe:     probe,
		id:        uuid.New().String(),
		endpoint:  cfg.Endpoint(),
		http:      &http.Client{Timeout: cfg.NetworkTimeoutDuration()},
		mu:        newTimedMutex(),
		status:    protocol.StatusOnline,
		modelCIDs: cids,
		stopCh:    make(chan struct{}),
	}
	a.lastHeartbeat.Store(time.Time{})
	return a
}

func (a *Agent) ID() string       { return a.id }
func (a *Agent) Endpoint() string { return a.endpoint }
func (a *Agent) Port() int        { return a.cfg.Port }

func (a *Agent) State() State {
	return State(a.state.Load())
}

// MarkFailed records a non-recoverable failure (e.g. listen failure).
func (a *Agent) MarkFailed() {
	a.state.Store(int32(StateFailed))
	a.running.Store(false)
}

// Start registers with the coordinator and launches the heartbeat loop. A
// failed first registration is fatal.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.register(ctx); err != nil {
		a.state.Store(int32(StateFailed))
		return fmt.Errorf("failed to register with coordinator: %w", err)
	}

	a.state.Store(int32(StateUp))
	a.running.Store(true)

	a.wg.Add(1)
	go a.heartbeatLoop()

	a.logger.Info("Worker agent up",
		"workerId", a.id,
		"endpoint", a.endpoint,
		"coordinator", a.cfg.CoordinatorURL,
	)
	return nil
}

// Stop flips the running flag; the heartbeat loop exits at its next wake.
func (a *Agent) Stop(ctx context.Context) error {
	a.running.Store(false)
	a.stopOnce.Do(func() { close(a.stopCh) })

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("Timed out waiting for heartbeat loop")
	}

	if a.State() != StateFailed {
		a.state.Store(int32(StateStopped))
	}
	a.logger.Info("Worker agent stopped", "workerId", a.id)
	return nil
}

// register posts the full worker record. Also used to recover transparently
// after a coordinator restart.
func (a *Agent) register(ctx context.Context) error {
	rec := a.buildRecord(ctx)

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.CoordinatorURL+"/register", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("registration request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("coordinator rejected registration: %d: %s", resp.StatusCode, string(body))
	}

	var sr protocol.ServerResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return fmt.Errorf("invalid registration response: %w", err)
	}
	if sr.Status != protocol.ResponseStatusSuccess {
		return fmt.Errorf("coordinator rejected registration: %s", sr.Message)
	}

	a.logger.Info("Registered with coordinator", "workerId", a.id)
	return nil
}

// buildRecord assembles the wire record with a fresh GPU snapshot. The probe
// shares no locks with inference.
func (a *Agent) buildRecord(ctx context.Context) protocol.WorkerRecord {
	gpuInfo := a.probe.Snapshot(ctx)

	a.mu.Lock()
	models := append([]string(nil), a.loadedModels...)
	cids := copyCIDs(a.modelCIDs)
	status := a.status
	a.mu.Unlock()

	return protocol.WorkerRecord{
		ID:       a.id,
		Endpoint: a.endpoint,
		GPU:      gpuInfo,
		Capabilities: protocol.Capabilities{
			SupportedModels: append([]string(nil), a.cfg.SupportedModels...),
			ModelCIDs:       cids,
			GPUAvailable:    gpuInfo.TotalMemoryMiB > 0,
		},
		LoadedModels:  models,
		Status:        status,
		LastHeartbeat: time.Now().UTC(),
	}
}

func (a *Agent) heartbeatLoop() {
	defer a.wg.Done()

	interval := a.cfg.HeartbeatIntervalDuration()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := &hbSnapshot{
		status: protocol.StatusOnline,
		cids:   copyCIDs(a.modelCIDs),
	}

	a.logger.Info("Heartbeat loop started", "interval", interval)
	for {
		select {
		case <-a.stopCh:
			a.logger.Info("Heartbeat loop stopped")
			return
		case <-ticker.C:
			if !a.running.Load() {
				a.logger.Info("Heartbeat loop stopped")
				return
			}

			if a.reregister.CompareAndSwap(true, false) {
				ctx, cancel := context.WithTimeout(context.Background(), a.cfg.NetworkTimeoutDuration())
				if err := a.register(ctx); err != nil {
					a.logger.Error("Re-registration failed", "error", err)
					a.reregister.Store(true)
				}
				cancel()
			}

			if err := a.sendHeartbeat(last); err != nil {
				// Transient by contract; the next tick tries again.
				metrics.HeartbeatSendsTotal.WithLabelValues("failed").Inc()
				a.logger.Error("Failed to send heartbeat", "error", err)
			} else {
				metrics.HeartbeatSendsTotal.WithLabelValues("ok").Inc()
			}
		}
	}
}

// sendHeartbeat posts the current worker view. State locks are acquired with
// a bounded timeout; on timeout the last-known values go out instead, so
// forward progress never depends on the inference path.
func (a *Agent) sendHeartbeat(last *hbSnapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.NetworkTimeoutDuration())
	defer cancel()

	gpuInfo := a.probe.Snapshot(ctx)

	if a.mu.TryLockTimeout(a.cfg.LockTimeout()) {
		last.models = append([]string(nil), a.loadedModels...)
		last.cids = copyCIDs(a.modelCIDs)
		last.status = a.status
		a.mu.Unlock()
	} else {
		a.logger.Warn("Timeout acquiring state lock for heartbeat, using last-known values")
	}

	update := protocol.HeartbeatUpdate{
		ID:            a.id,
		LoadedModels:  last.models,
		ModelCIDs:     last.cids,
		Status:        last.status,
		LastHeartbeat: time.Now().UTC(),
		Endpoint:      a.endpoint,
		Capabilities: protocol.Capabilities{
			SupportedModels: append([]string(nil), a.cfg.SupportedModels...),
			ModelCIDs:       last.cids,
			GPUAvailable:    gpuInfo.TotalMemoryMiB > 0,
		},
		GPU: gpuInfo,
	}

	payload, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}

	url := fmt.Sprintf("%s/heartbeat/%s", a.cfg.CoordinatorURL, a.id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("heartbeat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("coordinator rejected heartbeat: %d: %s", resp.StatusCode, string(body))
	}

	var sr protocol.ServerResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return fmt.Errorf("invalid heartbeat response: %w", err)
	}

	if sr.Status == protocol.ResponseStatusError {
		if strings.Contains(strings.ToLower(sr.Message), "not found") {
			// Coordinator restarted and lost the registry; recover before the
			// next heartbeat.
			a.logger.Warn("Coordinator does not know this worker, re-registering")
			a.reregister.Store(true)
			return nil
		}
		return fmt.Errorf("coordinator rejected heartbeat: %s", sr.Message)
	}

	a.lastHeartbeat.Store(time.Now().UTC())
	return nil
}

// HandlePredict runs one inference, flipping status busy/online around it.
// Inference errors become success=false bodies, never agent failures.
func (a *Agent) HandlePredict(ctx context.Context, req protocol.PredictionRequest) protocol.PredictionResponse {
	start := time.Now()
	model := req.ModelType.Name()

	a.setStatus(protocol.StatusBusy)
	defer a.setStatus(protocol.StatusOnline)

	if err := a.exec.Initialize(ctx); err != nil {
		metrics.RecordInference(model, "failed")
		return protocol.FailedPrediction(fmt.Errorf("executor initialization failed: %w", err))
	}

	if err := a.exec.Load(ctx, req.ModelCID, req.ModelType); err != nil {
		metrics.RecordInference(model, "failed")
		return protocol.FailedPrediction(fmt.Errorf("failed to load model %s: %w", model, err))
	}
	a.recordLoaded(model, req.ModelCID)

	resp, err := a.exec.Infer(ctx, req)
	if err != nil {
		metrics.RecordInference(model, "failed")
		return protocol.FailedPrediction(err)
	}

	metrics.RecordInference(model, "ok")
	metrics.RecordInferenceDuration(model, time.Since(start).Seconds())
	return resp
}

// StatusReport builds the /status body.
func (a *Agent) StatusReport() protocol.WorkerStatusReport {
	report := protocol.WorkerStatusReport{
		ID:       a.id,
		Endpoint: a.endpoint,
		Port:     a.cfg.Port,
		Status:   protocol.StatusOnline,
	}
	if hb, ok := a.lastHeartbeat.Load().(time.Time); ok {
		report.LastHeartbeat = hb
	}

	if a.mu.TryLockTimeout(a.cfg.LockTimeout()) {
		report.Status = a.status
		report.LoadedModels = append([]string(nil), a.loadedModels...)
		a.mu.Unlock()
	}
	return report
}

func (a *Agent) setStatus(s protocol.WorkerStatus) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

func (a *Agent) recordLoaded(model, cid string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	found := false
	for _, m := range a.loadedModels {
		if m == model {
			found = true
			break
		}
	}
	if !found {
		a.loadedModels = append(a.loadedModels, model)
	}
	if cid != "" {
		a.modelCIDs[model] = cid
	}
}

func copyCIDs(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
