package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"

	"faultwatch/internal/alerts"
	"faultwatch/internal/coordinator"
	"faultwatch/internal/models"
	"faultwatch/internal/state"
	"faultwatch/internal/storage"
)

type countingAlerter struct{ calls atomic.Int64 }

func (a *countingAlerter) Notify(context.Context, alerts.Notification) (string, error) {
	a.calls.Add(1)
	return "msg-1", nil
}

type brokenStore struct{ *state.MemoryStore }

func (brokenStore) Put(context.Context, *models.MachineState) error { return errors.New("disk full") }

type testServer struct {
	router  http.Handler
	store   *state.MemoryStore
	alerter *countingAlerter
}

func newTestServer(t *testing.T, store state.Store) *testServer {
	t.Helper()
	mem := state.NewMemoryStore()
	if store == nil {
		store = mem
	}
	alerter := &countingAlerter{}
	coord, err := coordinator.New(coordinator.Config{
		Store:   store,
		History: storage.NewMemoryHistory(0),
		Alerter: alerter,
	})
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}

	machines := NewMachineHandler(coord, store, "M-202")
	r := chi.NewRouter()
	r.Method(http.MethodPost, "/ingest", NewIngestHandler(IngestConfig{Ingester: coord, MaxBodySize: 1024}))
	r.Get("/query", machines.Query)
	r.Get("/v1/machines", machines.List)
	r.Get("/v1/machines/{machineID}", machines.Get)
	r.Get("/v1/machines/{machineID}/readings", machines.Readings)
	r.Method(http.MethodPost, "/v1/predict", NewPredictHandler(coord, 1024))

	return &testServer{router: r, store: mem, alerter: alerter}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode %s %s response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, out
}

func TestIngestHandler_SingleReading(t *testing.T) {
	s := newTestServer(t, nil)
	rec, out := s.do(t, http.MethodPost, "/ingest", `{"machine_id":"M-202","temperature":65.0,"vibration":1.4}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (%v)", rec.Code, out)
	}
	if out["success"] != true || out["message"] != "Data stored successfully" {
		t.Errorf("body: got %v", out)
	}
	if out["history_logged"] != true {
		t.Errorf("history_logged: got %v", out["history_logged"])
	}
	if out["classification"] != "PENDING" {
		t.Errorf("classification: got %v, want PENDING", out["classification"])
	}
	if c, ok := out["confidence"].(float64); !ok || c != 0 {
		t.Errorf("confidence: got %v, want 0", out["confidence"])
	}
	if out["machine_id"] != "M-202" || out["temperature"] != 65.0 || out["vibration"] != 1.4 {
		t.Errorf("reading fields: got %v", out)
	}
	if _, err := s.store.Get(context.Background(), "M-202"); err != nil {
		t.Errorf("state not stored: %v", err)
	}
}

func TestIngestHandler_NumericStrings(t *testing.T) {
	s := newTestServer(t, nil)
	rec, out := s.do(t, http.MethodPost, "/ingest", `{"machine_id":"M-1","temperature":"71.5","vibration":"1.9"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (%v)", rec.Code, out)
	}
	if out["temperature"] != 71.5 {
		t.Errorf("temperature: got %v, want 71.5", out["temperature"])
	}
}

func TestIngestHandler_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing machine", `{"temperature":70,"vibration":1}`, "machine_id"},
		{"missing temperature", `{"machine_id":"M-1","vibration":1}`, "temperature"},
		{"null vibration", `{"machine_id":"M-1","temperature":70,"vibration":null}`, "vibration"},
		{"not a number", `{"machine_id":"M-1","temperature":"abc","vibration":1}`, "temperature"},
		{"bad json", `{"machine_id":`, "invalid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil)
			rec, out := s.do(t, http.MethodPost, "/ingest", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status: got %d, want 400", rec.Code)
			}
			if msg, _ := out["error"].(string); !strings.Contains(msg, tt.want) {
				t.Errorf("error: got %q, want mention of %q", msg, tt.want)
			}
			if s.store.Count() != 0 {
				t.Error("rejected reading was stored")
			}
		})
	}
}

func TestIngestHandler_StorageFailure(t *testing.T) {
	s := newTestServer(t, brokenStore{state.NewMemoryStore()})
	rec, out := s.do(t, http.MethodPost, "/ingest", `{"machine_id":"M-1","temperature":70,"vibration":1.2}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status: got %d, want 500", rec.Code)
	}
	if msg, _ := out["error"].(string); !strings.HasPrefix(msg, "Storage error") {
		t.Errorf("error: got %q", msg)
	}
}

func TestIngestHandler_Batch(t *testing.T) {
	s := newTestServer(t, nil)
	rec, out := s.do(t, http.MethodPost, "/ingest", `[
		{"machine_id":"M-1","temperature":66,"vibration":1.2},
		{"machine_id":"M-2","vibration":1.2},
		{"machine_id":"M-3","temperature":67,"vibration":1.3}
	]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}
	if out["accepted"] != float64(2) || out["rejected"] != float64(1) || out["success"] != false {
		t.Errorf("body: got %v", out)
	}
	errs, _ := out["errors"].([]interface{})
	if len(errs) != 1 || errs[0].(map[string]interface{})["index"] != float64(1) {
		t.Errorf("errors: got %v", errs)
	}

	rec, _ = s.do(t, http.MethodPost, "/ingest", `[]`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty batch: got %d, want 400", rec.Code)
	}
}

func TestIngestHandler_MethodAndContentType(t *testing.T) {
	h := NewIngestHandler(IngestConfig{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ingest", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: got %d, want 405", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader("x"))
	req.Header.Set("Content-Type", "text/plain")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("text/plain: got %d, want 415", rec.Code)
	}
}

func TestIngestHandler_BodyTooLarge(t *testing.T) {
	s := newTestServer(t, nil)
	big := `{"machine_id":"` + strings.Repeat("x", 2048) + `","temperature":1,"vibration":1}`
	rec, _ := s.do(t, http.MethodPost, "/ingest", big)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status: got %d, want 413", rec.Code)
	}
}

func TestQuery_ClassifiesAndRoundsConfidence(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, http.MethodPost, "/ingest", `{"machine_id":"M-202","temperature":84.0,"vibration":3.1}`)

	rec, out := s.do(t, http.MethodGet, "/query", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (%v)", rec.Code, out)
	}
	if out["machine_id"] != "M-202" || out["classification"] != "FAULT_SOON" {
		t.Errorf("body: got %v", out)
	}
	conf, _ := out["confidence"].(float64)
	if conf < 0.85 || conf > 1 || models.RoundConfidence(conf) != conf {
		t.Errorf("confidence: got %v, want a 2dp value >= 0.85", conf)
	}
	if out["alert_sent"] != true || out["alert_status"] != "sent" || out["delivery_id"] != "msg-1" {
		t.Errorf("alert fields: got %v", out)
	}
	if s.alerter.calls.Load() != 1 {
		t.Errorf("alerts: got %d, want 1", s.alerter.calls.Load())
	}
}

func TestQuery_NamedMachine(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, http.MethodPost, "/ingest", `{"machine_id":"M-7","temperature":76.0,"vibration":2.5}`)

	for _, path := range []string{"/query?machine_id=M-7", "/v1/machines/M-7"} {
		rec, out := s.do(t, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", path, rec.Code)
		}
		if out["classification"] != "WARNING" || out["alert_sent"] != false || out["alert_status"] != "not_applicable" {
			t.Errorf("%s: got %v", path, out)
		}
	}
	if s.alerter.calls.Load() != 0 {
		t.Errorf("alerts for WARNING under default policy: got %d", s.alerter.calls.Load())
	}
}

func TestQuery_UnknownMachine(t *testing.T) {
	s := newTestServer(t, nil)
	rec, out := s.do(t, http.MethodGet, "/v1/machines/unknown-machine", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", rec.Code)
	}
	if out["error"] != "No data found for machine" {
		t.Errorf("error: got %v", out["error"])
	}
}

func TestList(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, http.MethodPost, "/ingest", `{"machine_id":"M-2","temperature":66,"vibration":1.2}`)
	s.do(t, http.MethodPost, "/ingest", `{"machine_id":"M-1","temperature":67,"vibration":1.3}`)

	rec, out := s.do(t, http.MethodGet, "/v1/machines", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	machines, _ := out["machines"].([]interface{})
	if len(machines) != 2 {
		t.Fatalf("machines: got %d, want 2", len(machines))
	}
	first := machines[0].(map[string]interface{})
	if first["machine_id"] != "M-1" || first["classification"] != "PENDING" {
		t.Errorf("first: got %v", first)
	}
}

func TestReadings(t *testing.T) {
	s := newTestServer(t, nil)
	for _, body := range []string{
		`{"machine_id":"M-1","temperature":66,"vibration":1.2}`,
		`{"machine_id":"M-1","temperature":67,"vibration":1.3}`,
		`{"machine_id":"M-1","temperature":68,"vibration":1.4}`,
	} {
		s.do(t, http.MethodPost, "/ingest", body)
	}

	rec, out := s.do(t, http.MethodGet, "/v1/machines/M-1/readings?limit=2", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d", rec.Code)
	}
	readings, _ := out["readings"].([]interface{})
	if len(readings) != 2 {
		t.Fatalf("readings: got %d, want 2", len(readings))
	}
	if readings[0].(map[string]interface{})["temperature"] != float64(68) {
		t.Errorf("newest first: got %v", readings[0])
	}

	rec, _ = s.do(t, http.MethodGet, "/v1/machines/M-1/readings?limit=zero", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit: got %d, want 400", rec.Code)
	}
}

func TestPredict(t *testing.T) {
	s := newTestServer(t, nil)

	rec, out := s.do(t, http.MethodPost, "/v1/predict", `{"machine_id":"M-5","temperature":84.0,"vibration":3.1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d (%v)", rec.Code, out)
	}
	if out["classification"] != "FAULT_SOON" || out["alert_sent"] != true || out["message_id"] != "msg-1" {
		t.Errorf("body: got %v", out)
	}
	if s.store.Count() != 0 {
		t.Error("predict stored state")
	}

	_, out = s.do(t, http.MethodPost, "/v1/predict", `{"temperature":65.0,"vibration":1.2}`)
	if out["machine_id"] != "UNKNOWN" || out["alert_sent"] != false || out["message_id"] != nil {
		t.Errorf("normal predict: got %v", out)
	}

	rec, _ = s.do(t, http.MethodPost, "/v1/predict", `{"machine_id":"M-5","temperature":65.0}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing vibration: got %d, want 400", rec.Code)
	}
}
