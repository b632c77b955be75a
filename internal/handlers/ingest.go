package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"faultwatch/internal/coordinator"
	"faultwatch/internal/logger"
	"faultwatch/internal/metrics"
	"faultwatch/internal/models"
)

// Ingester stores telemetry readings
type Ingester interface {
	Ingest(ctx context.Context, in *models.TelemetryInput) (*coordinator.IngestResult, error)
}

// IngestHandler handles telemetry ingestion via HTTP
type IngestHandler struct {
	ingester Ingester

	// Max body size (default 1MB)
	maxBodySize int64
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	Ingester    Ingester
	MaxBodySize int64
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20
	}

	return &IngestHandler{
		ingester:    cfg.Ingester,
		maxBodySize: maxBodySize,
	}
}

// IngestResponse is returned for a single reading. The embedded state is
// the pending record the reading produced.
type IngestResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	StateResponse
	HistoryLogged bool `json:"history_logged"`
	Superseded    bool `json:"superseded,omitempty"`
}

// BatchResponse is returned when the body is an array of readings
type BatchResponse struct {
	Success  bool          `json:"success"`
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Errors   []IngestError `json:"errors,omitempty"`
}

// IngestError describes a rejected reading inside a batch
type IngestError struct {
	Index     int    `json:"index"`
	MachineID string `json:"machine_id,omitempty"`
	Error     string `json:"error"`
}

// ServeHTTP handles the ingest HTTP request
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		h.serveBatch(w, r, trimmed)
		return
	}

	var in models.TelemetryInput
	if err := json.Unmarshal(trimmed, &in); err != nil {
		metrics.IngestReadingsTotal.WithLabelValues("http", "rejected").Inc()
		writeError(w, http.StatusBadRequest, "invalid JSON: expected a reading object or an array of readings")
		return
	}

	res, err := h.ingester.Ingest(r.Context(), &in)
	if err != nil {
		status, msg := ingestErrorStatus(err)
		if status == http.StatusInternalServerError {
			metrics.IngestReadingsTotal.WithLabelValues("http", "failed").Inc()
			log := logger.WithRequestID(r.Header.Get("X-Request-ID"))
			log.Error().Err(err).Msg("ingest failed")
		} else {
			metrics.IngestReadingsTotal.WithLabelValues("http", "rejected").Inc()
		}
		writeError(w, status, msg)
		return
	}

	metrics.IngestReadingsTotal.WithLabelValues("http", "accepted").Inc()
	st := res.State
	if st == nil {
		st = models.PendingState(res.Reading, nil)
	}
	writeJSON(w, http.StatusOK, IngestResponse{
		Success:       true,
		Message:       "Data stored successfully",
		StateResponse: NewStateResponse(st),
		HistoryLogged: res.HistoryLogged(),
		Superseded:    res.Superseded,
	})
}

// serveBatch ingests each element independently
func (h *IngestHandler) serveBatch(w http.ResponseWriter, r *http.Request, body []byte) {
	var inputs []models.TelemetryInput
	if err := json.Unmarshal(body, &inputs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: expected an array of readings")
		return
	}
	if len(inputs) == 0 {
		writeError(w, http.StatusBadRequest, "no readings provided")
		return
	}

	response := BatchResponse{Errors: make([]IngestError, 0)}
	storageFailed := false

	for i := range inputs {
		in := &inputs[i]
		if _, err := h.ingester.Ingest(r.Context(), in); err != nil {
			status, msg := ingestErrorStatus(err)
			if status == http.StatusInternalServerError {
				storageFailed = true
				metrics.IngestReadingsTotal.WithLabelValues("http", "failed").Inc()
			} else {
				metrics.IngestReadingsTotal.WithLabelValues("http", "rejected").Inc()
			}
			response.Errors = append(response.Errors, IngestError{
				Index:     i,
				MachineID: models.NormalizeMachineID(in.MachineID),
				Error:     msg,
			})
			response.Rejected++
			continue
		}
		metrics.IngestReadingsTotal.WithLabelValues("http", "accepted").Inc()
		response.Accepted++
	}

	response.Success = response.Rejected == 0
	status := http.StatusOK
	if response.Accepted == 0 {
		status = http.StatusBadRequest
		if storageFailed {
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, response)
}

// ingestErrorStatus maps an ingest error onto an HTTP status and message
func ingestErrorStatus(err error) (int, string) {
	var vErr *models.ValidationError
	if errors.As(err, &vErr) {
		return http.StatusBadRequest, "Invalid input: " + vErr.Error()
	}
	var sErr *coordinator.StorageError
	if errors.As(err, &sErr) {
		return http.StatusInternalServerError, "Storage error: " + sErr.Err.Error()
	}
	return http.StatusInternalServerError, err.Error()
}
