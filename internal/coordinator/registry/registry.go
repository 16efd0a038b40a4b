package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/inferflow-go/internal/protocol"
	"github.com/inferflow-go/pkg/events"
	"github.com/inferflow-go/pkg/logger"
	"github.com/inferflow-go/pkg/metrics"
)

// Config contains registry tuning knobs.
type Config struct {
	LivenessWindow time.Duration
	MinVRAMMiB     map[string]int64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		LivenessWindow: 30 * time.Second,
		MinVRAMMiB: map[string]int64{
			protocol.ModelStableDiffusion.Name(): 8192,
		},
	}
}

// Registry is the in-memory directory of known workers. It is the sole owner
// of its records; every value returned to a caller is a copy. All operations
// hold the single RW lock while they read or change the map, and do no I/O
// under it; metrics, logging and event publishing run after it is released.
type Registry struct {
	mu       sync.RWMutex
	workers  map[string]*protocol.WorkerRecord
	window   time.Duration
	minVRAM  map[string]int64
	eventBus events.EventBus
	logger   logger.Logger
}

// New creates a registry. bus may be nil when no lifecycle events are wanted.
func New(cfg Config, bus events.EventBus, log logger.Logger) *Registry {
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = 30 * time.Second
	}
	if cfg.MinVRAMMiB == nil {
		cfg.MinVRAMMiB = DefaultConfig().MinVRAMMiB
	}
	return &Registry{
		workers:  make(map[string]*protocol.WorkerRecord),
		window:   cfg.LivenessWindow,
		minVRAM:  cfg.MinVRAMMiB,
		eventBus: bus,
		logger:   log,
	}
}

// Register inserts the record, replacing any prior record with the same id.
func (r *Registry) Register(rec protocol.WorkerRecord) {
	clone := rec.Clone()

	r.mu.Lock()
	r.workers[rec.ID] = &clone
	size := len(r.workers)
	r.mu.Unlock()

	metrics.RegistrationsTotal.Inc()
	metrics.WorkersActive.Set(float64(size))

	r.logger.Info("Worker registered",
		"workerId", rec.ID,
		"endpoint", rec.Endpoint,
		"gpu", rec.GPU.DeviceName,
		"totalMemoryMiB", rec.GPU.TotalMemoryMiB,
	)

	r.publish(events.NewEvent(events.WorkerRegistered, rec.ID, map[string]interface{}{
		"endpoint": rec.Endpoint,
	}))
}

// Update applies a heartbeat. Last writer wins; the heartbeat's view of
// loaded models overwrites any speculative append made by Select.
func (r *Registry) Update(id string, hb protocol.HeartbeatUpdate) (protocol.WorkerRecord, error) {
	r.mu.Lock()
	rec, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		metrics.HeartbeatsTotal.WithLabelValues("unknown").Inc()
		return protocol.WorkerRecord{}, protocol.ErrWorkerNotFound
	}

	rec.LoadedModels = append([]string(nil), hb.LoadedModels...)
	rec.Status = hb.Status
	rec.LastHeartbeat = hb.LastHeartbeat
	rec.Capabilities = hb.Capabilities
	if hb.ModelCIDs != nil {
		rec.Capabilities.ModelCIDs = hb.ModelCIDs
	}
	rec.GPU = hb.GPU
	if hb.Endpoint != "" {
		rec.Endpoint = hb.Endpoint
	}
	snapshot := rec.Clone()
	r.mu.Unlock()

	metrics.HeartbeatsTotal.WithLabelValues("accepted").Inc()

	if hb.Status == protocol.StatusError {
		r.publish(events.NewEvent(events.WorkerErrored, id, nil))
	}
	return snapshot, nil
}

// ListActive returns copies of all live records. It filters by liveness but
// never mutates, so it runs under the read lock.
func (r *Registry) ListActive() []protocol.WorkerRecord {
	now := time.Now().UTC()

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.WorkerRecord, 0, len(r.workers))
	for _, rec := range r.workers {
		if now.Sub(rec.LastHeartbeat) < r.window {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// Select picks the best live worker for model, or reports none. Selection is
// self-maintaining: stale records are evicted in place before filtering.
func (r *Registry) Select(model string) (protocol.WorkerRecord, bool) {
	now := time.Now().UTC()

	r.mu.Lock()
	evicted := r.evictStaleLocked(now)

	candidates := make([]*protocol.WorkerRecord, 0, len(r.workers))
	for _, rec := range r.workers {
		if r.eligible(rec, model) {
			candidates = append(candidates, rec)
		}
	}

	if len(candidates) == 0 {
		size := len(r.workers)
		r.mu.Unlock()
		metrics.WorkersActive.Set(float64(size))
		metrics.RecordSelection(model, "none")
		r.publishEvicted(evicted)
		r.logger.Warn("No suitable worker found", "model", model)
		return protocol.WorkerRecord{}, false
	}

	// Rank by total VRAM, then free VRAM, highest first. Ties broken by id
	// so repeated selections are deterministic.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.GPU.TotalMemoryMiB != b.GPU.TotalMemoryMiB {
			return a.GPU.TotalMemoryMiB > b.GPU.TotalMemoryMiB
		}
		if a.GPU.FreeMiB != b.GPU.FreeMiB {
			return a.GPU.FreeMiB > b.GPU.FreeMiB
		}
		return a.ID < b.ID
	})

	chosen := candidates[0]

	// Speculative load hint: concurrent selections should not all pile onto
	// the same worker believing the model is absent. The worker's next
	// heartbeat is authoritative and overwrites this.
	if !chosen.HasLoaded(model) {
		chosen.LoadedModels = append(chosen.LoadedModels, model)
	}

	snapshot := chosen.Clone()
	size := len(r.workers)
	r.mu.Unlock()

	metrics.WorkersActive.Set(float64(size))
	metrics.RecordSelection(model, "hit")
	r.publishEvicted(evicted)

	r.logger.Info("Worker selected",
		"model", model,
		"workerId", snapshot.ID,
		"totalMemoryMiB", snapshot.GPU.TotalMemoryMiB,
		"freeMiB", snapshot.GPU.FreeMiB,
	)
	return snapshot, true
}

// Scan evicts all non-live records and returns how many were removed.
func (r *Registry) Scan() int {
	now := time.Now().UTC()

	r.mu.Lock()
	evicted := r.evictStaleLocked(now)
	size := len(r.workers)
	r.mu.Unlock()

	metrics.WorkersActive.Set(float64(size))
	r.publishEvicted(evicted)
	return len(evicted)
}

// Len returns the number of records, live or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// eligible applies the selection filter of one record against model.
func (r *Registry) eligible(rec *protocol.WorkerRecord, model string) bool {
	if rec.Status != protocol.StatusOnline {
		return false
	}
	if rec.GPU.TotalMemoryMiB <= 0 {
		return false
	}
	if rec.HasLoaded(model) {
		return true
	}
	return rec.GPU.TotalMemoryMiB >= r.minVRAM[model]
}

// evictStaleLocked removes records at or past the liveness window. Callers
// must hold the write lock; returned ids are published after unlock.
func (r *Registry) evictStaleLocked(now time.Time) []string {
	var evicted []string
	for id, rec := range r.workers {
		if now.Sub(rec.LastHeartbeat) >= r.window {
			delete(r.workers, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

func (r *Registry) publishEvicted(ids []string) {
	for _, id := range ids {
		metrics.EvictionsTotal.Inc()
		r.logger.Info("Evicted stale worker", "workerId", id)
		r.publish(events.NewEvent(events.WorkerEvicted, id, nil))
	}
}

func (r *Registry) publish(event events.Event) {
	if r.eventBus == nil {
		return
	}
	if err := r.eventBus.Publish(context.Background(), event); err != nil {
		r.logger.Warn("Failed to publish registry event", "type", event.Type, "error", err)
	}
}
