package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"faultwatch/internal/coordinator"
	"faultwatch/internal/logger"
	"faultwatch/internal/models"
)

// Querier classifies and reads back machine state
type Querier interface {
	Query(ctx context.Context, machineID string) (*coordinator.QueryResult, error)
	Recent(ctx context.Context, machineID string, limit int) ([]models.Reading, error)
}

// Lister lists the latest stored state of every machine
type Lister interface {
	List(ctx context.Context) ([]*models.MachineState, error)
}

// MachineHandler serves the read side of the API
type MachineHandler struct {
	querier          Querier
	lister           Lister
	defaultMachineID string
}

// NewMachineHandler creates a handler. defaultMachineID is used by Query
// when the request names no machine.
func NewMachineHandler(q Querier, l Lister, defaultMachineID string) *MachineHandler {
	return &MachineHandler{querier: q, lister: l, defaultMachineID: defaultMachineID}
}

// Query handles GET /query?machine_id=...
func (h *MachineHandler) Query(w http.ResponseWriter, r *http.Request) {
	machineID := models.NormalizeMachineID(r.URL.Query().Get("machine_id"))
	if machineID == "" {
		machineID = h.defaultMachineID
	}
	h.query(w, r, machineID)
}

// Get handles GET /v1/machines/{machineID}
func (h *MachineHandler) Get(w http.ResponseWriter, r *http.Request) {
	h.query(w, r, chi.URLParam(r, "machineID"))
}

func (h *MachineHandler) query(w http.ResponseWriter, r *http.Request, machineID string) {
	res, err := h.querier.Query(r.Context(), machineID)
	if err != nil {
		var vErr *models.ValidationError
		switch {
		case errors.Is(err, coordinator.ErrNoData):
			writeError(w, http.StatusNotFound, "No data found for machine")
		case errors.As(err, &vErr):
			writeError(w, http.StatusBadRequest, "Invalid input: "+vErr.Error())
		default:
			log := logger.WithRequestID(r.Header.Get("X-Request-ID"))
			log.Error().
				Err(err).
				Str("machine_id", machineID).
				Msg("query failed")
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, NewQueryResponse(res))
}

// List handles GET /v1/machines. States are returned as stored, without
// classifying pending readings.
func (h *MachineHandler) List(w http.ResponseWriter, r *http.Request) {
	states, err := h.lister.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]StateResponse, 0, len(states))
	for _, st := range states {
		out = append(out, NewStateResponse(st))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"machines": out,
		"count":    len(out),
	})
}

// Readings handles GET /v1/machines/{machineID}/readings?limit=N
func (h *MachineHandler) Readings(w http.ResponseWriter, r *http.Request) {
	machineID := chi.URLParam(r, "machineID")

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	readings, err := h.querier.Recent(r.Context(), machineID, limit)
	if errors.Is(err, coordinator.ErrHistoryUnavailable) {
		writeError(w, http.StatusNotImplemented, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"machine_id": machineID,
		"readings":   readings,
	})
}
