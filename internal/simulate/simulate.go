// Package simulate drives a running service with synthetic telemetry: a run
// of normal readings followed by one reading that crosses the fault
// thresholds.
package simulate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"faultwatch/internal/logger"
)

// Defaults of a simulation run
const (
	DefaultNormalReadings = 10
	DefaultInterval       = 2 * time.Second

	FaultTemperature = 84.0
	FaultVibration   = 3.1
)

// Normal operating ranges
const (
	normalTempMin = 65.0
	normalTempMax = 70.0
	normalVibMin  = 1.2
	normalVibMax  = 1.6
)

// Config describes one simulation run
type Config struct {
	// BaseURL of the service, e.g. http://localhost:8080
	BaseURL   string
	MachineID string

	NormalReadings int
	Interval       time.Duration

	// Query asks for a classification after the fault reading, which is
	// what triggers the alert
	Query bool

	// APIKey is sent in APIKeyHeader when set
	APIKey       string
	APIKeyHeader string

	Client *http.Client
	Rand   *rand.Rand

	// Out receives a human-readable transcript; nil discards it
	Out io.Writer
}

// reading is the ingest payload
type reading struct {
	MachineID   string  `json:"machine_id"`
	Temperature float64 `json:"temperature"`
	Vibration   float64 `json:"vibration"`
}

// Result summarizes a run
type Result struct {
	Sent   int
	Failed int

	// Final is the raw query response when Query is set
	Final json.RawMessage
}

// Run sends NormalReadings readings within normal ranges, then one fault
// reading. It stops early when ctx is cancelled.
func Run(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("simulate: base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("simulate: base url: %w", err)
	}
	if cfg.MachineID == "" {
		return nil, fmt.Errorf("simulate: machine id is required")
	}
	if cfg.NormalReadings < 0 {
		cfg.NormalReadings = DefaultNormalReadings
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	if cfg.Out == nil {
		cfg.Out = io.Discard
	}
	if cfg.APIKeyHeader == "" {
		cfg.APIKeyHeader = "X-API-Key"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	log := logger.WithMachine("simulate", cfg.MachineID)
	res := &Result{}

	fmt.Fprintf(cfg.Out, "Starting machine simulation for %s...\n\n", cfg.MachineID)

	for i := 0; i < cfg.NormalReadings; i++ {
		in := reading{
			MachineID:   cfg.MachineID,
			Temperature: between(cfg.Rand, normalTempMin, normalTempMax),
			Vibration:   between(cfg.Rand, normalVibMin, normalVibMax),
		}
		send(ctx, cfg, in, res)

		if err := sleep(ctx, cfg.Interval); err != nil {
			return res, err
		}
	}

	fmt.Fprintf(cfg.Out, "\nSending fault-indicating data...\n\n")
	send(ctx, cfg, reading{
		MachineID:   cfg.MachineID,
		Temperature: FaultTemperature,
		Vibration:   FaultVibration,
	}, res)

	if cfg.Query {
		body, err := query(ctx, cfg)
		if err != nil {
			log.Error().Err(err).Msg("query failed")
			return res, err
		}
		res.Final = body
		fmt.Fprintf(cfg.Out, "Query: %s\n", bytes.TrimSpace(body))
	}

	fmt.Fprintf(cfg.Out, "\nSimulation completed: %d sent, %d failed.\n", res.Sent, res.Failed)
	log.Info().Int("sent", res.Sent).Int("failed", res.Failed).Msg("simulation completed")
	return res, nil
}

func send(ctx context.Context, cfg Config, in reading, res *Result) {
	payload, _ := json.Marshal(in)
	fmt.Fprintf(cfg.Out, "Sent: %s\n", payload)

	body, status, err := do(ctx, cfg, http.MethodPost, cfg.BaseURL+"/ingest", payload)
	switch {
	case err != nil:
		res.Failed++
		fmt.Fprintf(cfg.Out, "Error: %v\n", err)
	case status != http.StatusOK:
		res.Failed++
		fmt.Fprintf(cfg.Out, "Response (%d): %s\n", status, bytes.TrimSpace(body))
	default:
		res.Sent++
		fmt.Fprintf(cfg.Out, "Response: %s\n", bytes.TrimSpace(body))
	}
	fmt.Fprintln(cfg.Out, strings.Repeat("-", 40))
}

func query(ctx context.Context, cfg Config) ([]byte, error) {
	u := cfg.BaseURL + "/query?machine_id=" + url.QueryEscape(cfg.MachineID)
	body, status, err := do(ctx, cfg, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return body, fmt.Errorf("simulate: query returned %d: %s", status, bytes.TrimSpace(body))
	}
	return body, nil
}

func do(ctx context.Context, cfg Config, method, u string, payload []byte) ([]byte, int, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cfg.APIKey != "" {
		req.Header.Set(cfg.APIKeyHeader, cfg.APIKey)
	}

	resp, err := cfg.Client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return body, resp.StatusCode, err
}

func between(r *rand.Rand, lo, hi float64) float64 {
	return lo + r.Float64()*(hi-lo)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
