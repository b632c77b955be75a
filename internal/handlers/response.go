package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"faultwatch/internal/coordinator"
	"faultwatch/internal/models"
)

// StateResponse is the wire form of a machine state. Confidence is rounded
// to two decimals here and nowhere else.
type StateResponse struct {
	MachineID       string                `json:"machine_id"`
	Temperature     float64               `json:"temperature"`
	Vibration       float64               `json:"vibration"`
	Classification  models.Classification `json:"classification"`
	Confidence      float64               `json:"confidence"`
	ObservedAt      time.Time             `json:"observed_at"`
	LastAlertSentAt *time.Time            `json:"last_alert_sent_at,omitempty"`
}

// NewStateResponse converts st for output.
func NewStateResponse(st *models.MachineState) StateResponse {
	return StateResponse{
		MachineID:       st.MachineID,
		Temperature:     st.Temperature,
		Vibration:       st.Vibration,
		Classification:  st.Classification,
		Confidence:      models.RoundConfidence(st.Confidence),
		ObservedAt:      st.ObservedAt,
		LastAlertSentAt: st.LastAlertSentAt,
	}
}

// QueryResponse adds the alert outcome to a classified state.
type QueryResponse struct {
	StateResponse
	AlertSent   bool                    `json:"alert_sent"`
	AlertStatus coordinator.AlertStatus `json:"alert_status"`
	DeliveryID  string                  `json:"delivery_id,omitempty"`
}

// NewQueryResponse converts a query result for output.
func NewQueryResponse(res *coordinator.QueryResult) QueryResponse {
	return QueryResponse{
		StateResponse: NewStateResponse(res.State),
		AlertSent:     res.AlertSent(),
		AlertStatus:   res.AlertStatus,
		DeliveryID:    res.DeliveryID,
	}
}

// writeJSON writes v with the given status
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
