package protocol

import (
	"time"
)

// WorkerStatus is the serving state a worker reports about itself.
type WorkerStatus string

const (
	StatusOnline  WorkerStatus = "online"
	StatusBusy    WorkerStatus = "busy"
	StatusError   WorkerStatus = "error"
	StatusOffline WorkerStatus = "offline"
)

// GPUInfo is a point-in-time snapshot of a worker's GPU. TotalMemoryMiB == 0
// is the CPU-only sentinel.
type GPUInfo struct {
	DeviceName        string `json:"device_name"`
	TotalMemoryMiB    int64  `json:"total_memory_mib"`
	AllocatedMiB      int64  `json:"allocated_mib"`
	ReservedMiB       int64  `json:"reserved_mib"`
	FreeMiB           int64  `json:"free_mib"`
	CUDAVersion       string `json:"cuda_version"`
	ComputeCapability string `json:"compute_capability"`
}

// Capabilities describes what a worker can serve.
type Capabilities struct {
	SupportedModels []string          `json:"supported_models"`
	ModelCIDs       map[string]string `json:"model_cids"`
	GPUAvailable    bool              `json:"gpu_available"`
}

// WorkerRecord is the authoritative registry entity for one worker.
type WorkerRecord struct {
	ID            string       `json:"id"`
	Endpoint      string       `json:"endpoint"`
	GPU           GPUInfo      `json:"gpu"`
	Capabilities  Capabilities `json:"capabilities"`
	LoadedModels  []string     `json:"loaded_models"`
	Status        WorkerStatus `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// HasLoaded reports whether the record lists model as resident.
func (r *WorkerRecord) HasLoaded(model string) bool {
	for _, m := range r.LoadedModels {
		if m == model {
			return true
		}
	}
	return false
}

// Clone returns a deep copy; registry callers only ever see copies.
func (r *WorkerRecord) Clone() WorkerRecord {
	out := *r
	out.LoadedModels = append([]string(nil), r.LoadedModels...)
	out.Capabilities.SupportedModels = append([]string(nil), r.Capabilities.SupportedModels...)
	if r.Capabilities.ModelCIDs != nil {
		out.Capabilities.ModelCIDs = make(map[string]string, len(r.Capabilities.ModelCIDs))
		for k, v := range r.Capabilities.ModelCIDs {
			out.Capabilities.ModelCIDs[k] = v
		}
	}
	return out
}

// HeartbeatUpdate is the periodic refresh a worker posts to the coordinator.
// Endpoint is optional; when present it replaces the stored endpoint.
type HeartbeatUpdate struct {
	ID            string            `json:"id"`
	LoadedModels  []string          `json:"loaded_models"`
	ModelCIDs     map[string]string `json:"model_cids"`
	Status        WorkerStatus      `json:"status"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Endpoint      string            `json:"endpoint,omitempty"`
	Capabilities  Capabilities      `json:"capabilities"`
	GPU           GPUInfo           `json:"gpu"`
}

// ServerResponse is the body of the bookkeeping endpoints. The wire contract
// signals registry errors via Status, not the HTTP code.
type ServerResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

const (
	ResponseStatusSuccess = "success"
	ResponseStatusError   = "error"
)

// ModelType tags a prediction request with the model family it targets.
type ModelType string

const (
	ModelCovidXRay       ModelType = "covid_xray"
	ModelStableDiffusion ModelType = "stable_diffusion"
)

// Name returns the registry model name for the type.
func (m ModelType) Name() string {
	return string(m)
}

// QualityPreset is the symbolic quality knob for generative models.
type QualityPreset string

const (
	PresetFast     QualityPreset = "fast"
	PresetBalanced QualityPreset = "balanced"
	PresetQuality  QualityPreset = "quality"
)

// InferenceSteps maps the preset to the diffusion step count.
func (q QualityPreset) InferenceSteps() int {
	switch q {
	case PresetBalanced:
		return 30
	case PresetQuality:
		return 50
	default:
		return 20
	}
}

// GuidanceScale maps the preset to the classifier-free guidance scale.
func (q QualityPreset) GuidanceScale() float64 {
	switch q {
	case PresetBalanced:
		return 8.5
	case PresetQuality:
		return 9.5
	default:
		return 7.5
	}
}

func (q QualityPreset) valid() bool {
	switch q {
	case PresetFast, PresetBalanced, PresetQuality:
		return true
	}
	return false
}

// PredictionRequest crosses both hops: client to coordinator, coordinator to
// worker.
type PredictionRequest struct {
	ModelType ModelType `json:"model_type"`
	ModelCID  string    `json:"model_cid"`
	// covid_xray
	ImageURL *string `json:"image_url,omitempty"`
	// stable_diffusion
	Prompt        *string        `json:"prompt,omitempty"`
	QualityPreset *QualityPreset `json:"quality_preset,omitempty"`
}

// Validate enforces the per-variant payload rules. Both the coordinator and
// the worker run the same checks.
func (r *PredictionRequest) Validate() error {
	switch r.ModelType {
	case ModelCovidXRay:
		if r.ImageURL == nil || *r.ImageURL == "" {
			return NewInvalidRequest("image_url is required for COVID X-Ray model")
		}
	case ModelStableDiffusion:
		if r.Prompt == nil || r.QualityPreset == nil {
			return NewInvalidRequest("prompt and quality_preset are required for Stable Diffusion model")
		}
		if *r.Prompt == "" {
			return NewInvalidRequest("empty prompt")
		}
		if !r.QualityPreset.valid() {
			return NewInvalidRequest("unknown quality_preset")
		}
	default:
		return NewInvalidRequest("unknown model_type")
	}
	return nil
}

// PredictionResponse is returned by the worker and relayed verbatim by the
// coordinator. Error is set iff Success is false.
type PredictionResponse struct {
	Success          bool               `json:"success"`
	Prompt           *string            `json:"prompt,omitempty"`
	GenerationTimeMs *float64           `json:"generation_time_ms,omitempty"`
	Parameters       map[string]float64 `json:"parameters,omitempty"`
	Timestamp        *string            `json:"timestamp,omitempty"`
	ImageBase64      *string            `json:"image_base64,omitempty"`
	Error            *string            `json:"error,omitempty"`
}

// FailedPrediction builds the success=false body for inference errors.
func FailedPrediction(err error) PredictionResponse {
	msg := err.Error()
	return PredictionResponse{Success: false, Error: &msg}
}

// WorkerStatusReport is the body of the worker's /status endpoint.
type WorkerStatusReport struct {
	ID            string       `json:"id"`
	Endpoint      string       `json:"endpoint"`
	Port          int          `json:"port"`
	Status        WorkerStatus `json:"status"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	LoadedModels  []string     `json:"loaded_models"`
}
