package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrWorkerNotFound is returned by the registry for heartbeats naming an
// unknown id. The heartbeat endpoint maps it to a 200 body with
// status=error so the worker can re-register.
var ErrWorkerNotFound = errors.New("client not found")

// Proxy failure sentinels; both mark the worker error in the registry.
var (
	ErrWorkerTransport = errors.New("worker transport failure")
	ErrWorkerRejected  = errors.New("worker rejected request")
)

// PredictionError is the JSON error body of the prediction endpoints,
// carrying the HTTP status it should be served with.
type PredictionError struct {
	Message string `json:"error"`
	Status  int    `json:"status"`
}

func (e *PredictionError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// NewInvalidRequest builds the 400 error for payloads failing variant
// validation.
func NewInvalidRequest(msg string) *PredictionError {
	return &PredictionError{Status: http.StatusBadRequest, Message: msg}
}

// NewWorkerUnavailable builds the 503 error for a selection miss.
func NewWorkerUnavailable(model string) *PredictionError {
	return &PredictionError{
		Status:  http.StatusServiceUnavailable,
		Message: fmt.Sprintf("no available worker found for model type %s", model),
	}
}

// NewUpstreamFailure builds the 500 error for transport failures or non-2xx
// replies from the chosen worker.
func NewUpstreamFailure(err error) *PredictionError {
	return &PredictionError{Status: http.StatusInternalServerError, Message: err.Error()}
}

// AsPredictionError unwraps err into a *PredictionError, defaulting to a 500.
func AsPredictionError(err error) *PredictionError {
	var pe *PredictionError
	if errors.As(err, &pe) {
		return pe
	}
	return NewUpstreamFailure(err)
}
