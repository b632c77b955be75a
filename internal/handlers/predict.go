package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"faultwatch/internal/coordinator"
	"faultwatch/internal/models"
)

// unknownMachineID labels predictions whose payload names no machine
const unknownMachineID = "UNKNOWN"

// Predictor scores a reading without storing it
type Predictor interface {
	Predict(ctx context.Context, in *models.TelemetryInput) (*coordinator.QueryResult, error)
}

// PredictResponse is the stateless scoring result
type PredictResponse struct {
	QueryResponse
	MessageID *string   `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// PredictHandler handles POST /v1/predict
type PredictHandler struct {
	predictor   Predictor
	maxBodySize int64
}

func NewPredictHandler(p Predictor, maxBodySize int64) *PredictHandler {
	if maxBodySize <= 0 {
		maxBodySize = 1 << 20
	}
	return &PredictHandler{predictor: p, maxBodySize: maxBodySize}
}

func (h *PredictHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	var in models.TelemetryInput
	if err := json.Unmarshal(body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: expected a reading object")
		return
	}
	if models.NormalizeMachineID(in.MachineID) == "" {
		in.MachineID = unknownMachineID
	}

	res, err := h.predictor.Predict(r.Context(), &in)
	if err != nil {
		var vErr *models.ValidationError
		if errors.As(err, &vErr) {
			writeError(w, http.StatusBadRequest, "Invalid input: "+vErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := PredictResponse{
		QueryResponse: NewQueryResponse(res),
		Timestamp:     res.State.ObservedAt,
	}
	if res.DeliveryID != "" {
		id := res.DeliveryID
		resp.MessageID = &id
	}
	writeJSON(w, http.StatusOK, resp)
}
