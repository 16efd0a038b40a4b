package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/inferflow-go/internal/coordinator/hub"
	"github.com/inferflow-go/internal/coordinator/proxy"
	"github.com/inferflow-go/internal/coordinator/registry"
	"github.com/inferflow-go/internal/protocol"
	"github.com/inferflow-go/pkg/logger"
	"github.com/inferflow-go/pkg/metrics"
)

// Handlers owns the coordinator's HTTP endpoints.
type Handlers struct {
	registry *registry.Registry
	proxy    *proxy.Client
	hub      *hub.Hub
	logger   logger.Logger
}

func NewHandlers(reg *registry.Registry, px *proxy.Client, h *hub.Hub, log logger.Logger) *Handlers {
	return &Handlers{
		registry: reg,
		proxy:    px,
		hub:      h,
		logger:   log,
	}
}

// Register handles POST /register with a full WorkerRecord body.
func (h *Handlers) Register(c *gin.Context) {
	var rec protocol.WorkerRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, protocol.ServerResponse{
			Status:  protocol.ResponseStatusError,
			Message: "invalid worker record: " + err.Error(),
		})
		return
	}
	if rec.ID == "" {
		c.JSON(http.StatusBadRequest, protocol.ServerResponse{
			Status:  protocol.ResponseStatusError,
			Message: "worker id is required",
		})
		return
	}
	if rec.LastHeartbeat.IsZero() {
		rec.LastHeartbeat = time.Now().UTC()
	}

	h.registry.Register(rec)
	h.broadcastTable()

	c.JSON(http.StatusOK, protocol.ServerResponse{
		Status:  protocol.ResponseStatusSuccess,
		Message: "Client registered successfully",
	})
}

// Heartbeat handles POST /heartbeat/:id. An unknown id is reported with a
// 200 body carrying status=error; the worker keys re-registration off the
// message, not the HTTP code.
func (h *Handlers) Heartbeat(c *gin.Context) {
	id := c.Param("id")

	var hb protocol.HeartbeatUpdate
	if err := c.ShouldBindJSON(&hb); err != nil {
		c.JSON(http.StatusBadRequest, protocol.ServerResponse{
			Status:  protocol.ResponseStatusError,
			Message: "invalid heartbeat: " + err.Error(),
		})
		return
	}

	if _, err := h.registry.Update(id, hb); err != nil {
		if errors.Is(err, protocol.ErrWorkerNotFound) {
			c.JSON(http.StatusOK, protocol.ServerResponse{
				Status:  protocol.ResponseStatusError,
				Message: "client not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, protocol.ServerResponse{
			Status:  protocol.ResponseStatusError,
			Message: err.Error(),
		})
		return
	}

	h.broadcastTable()

	c.JSON(http.StatusOK, protocol.ServerResponse{
		Status:  protocol.ResponseStatusSuccess,
		Message: "Heartbeat updated",
	})
}

// ListClients handles GET /clients with a snapshot of live workers.
func (h *Handlers) ListClients(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.ListActive())
}

// Predict handles POST /predict: validate, select one worker, forward once.
// There is no retry; a failed forward marks the worker error so subsequent
// selections steer around it.
func (h *Handlers) Predict(c *gin.Context) {
	start := time.Now()

	var req protocol.PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		perr := protocol.NewInvalidRequest("invalid request body: " + err.Error())
		c.JSON(perr.Status, perr)
		return
	}

	model := req.ModelType.Name()

	if err := req.Validate(); err != nil {
		perr := protocol.AsPredictionError(err)
		metrics.RecordPrediction(model, "invalid")
		c.JSON(perr.Status, perr)
		return
	}

	worker, ok := h.registry.Select(model)
	if !ok {
		perr := protocol.NewWorkerUnavailable(model)
		metrics.RecordPrediction(model, "unavailable")
		c.JSON(perr.Status, perr)
		return
	}

	resp, err := h.proxy.Predict(c.Request.Context(), worker, req)
	if err != nil {
		h.logger.Error("Prediction forward failed",
			"workerId", worker.ID,
			"model", model,
			"error", err,
		)
		h.markWorkerError(worker)
		h.broadcastTable()

		perr := protocol.NewUpstreamFailure(err)
		metrics.RecordPrediction(model, "failed")
		c.JSON(perr.Status, perr)
		return
	}

	metrics.RecordPrediction(model, "ok")
	metrics.RecordPredictionDuration(model, time.Since(start).Seconds())
	c.JSON(http.StatusOK, resp)
}

// HealthLive reports process liveness.
func (h *Handlers) HealthLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HealthReady reports readiness; the registry is always ready once built.
func (h *Handlers) HealthReady(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "workers": h.registry.Len()})
}

// ServeWS upgrades to the live worker-table stream.
func (h *Handlers) ServeWS(c *gin.Context) {
	h.hub.ServeWS(c.Writer, c.Request)
}

// markWorkerError writes status=error through an internally synthesized
// heartbeat that preserves every other field. This is the only path by which
// the coordinator writes error status into the registry.
func (h *Handlers) markWorkerError(worker protocol.WorkerRecord) {
	hb := protocol.HeartbeatUpdate{
		ID:            worker.ID,
		LoadedModels:  worker.LoadedModels,
		ModelCIDs:     worker.Capabilities.ModelCIDs,
		Status:        protocol.StatusError,
		LastHeartbeat: time.Now().UTC(),
		Endpoint:      worker.Endpoint,
		Capabilities:  worker.Capabilities,
		GPU:           worker.GPU,
	}
	if _, err := h.registry.Update(worker.ID, hb); err != nil {
		h.logger.Warn("Failed to mark worker error", "workerId", worker.ID, "error", err)
	}
}

func (h *Handlers) broadcastTable() {
	if h.hub != nil {
		h.hub.BroadcastWorkers(h.registry.ListActive())
	}
}
