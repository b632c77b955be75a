// Package coordinator ties the scorer, the latest-state store, the history
// log and the alerter together. Ingest stores a pending reading; Query
// classifies the stored reading, writes the result back and decides whether
// to alert.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"faultwatch/internal/alerts"
	"faultwatch/internal/logger"
	"faultwatch/internal/metrics"
	"faultwatch/internal/models"
	"faultwatch/internal/scoring"
	"faultwatch/internal/state"
	"faultwatch/internal/storage"
)

// DefaultAlertTimeout bounds a delivery when none is configured.
const DefaultAlertTimeout = 3 * time.Second

var (
	// ErrNoData is returned by Query for a machine that was never ingested.
	ErrNoData = errors.New("no data found for machine")

	// ErrHistoryUnavailable is returned by Recent when the history log
	// cannot serve reads.
	ErrHistoryUnavailable = errors.New("history log does not support reads")
)

// StorageError reports a latest-state store failure during op.
type StorageError struct {
	Op        string
	MachineID string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("coordinator: %s %q: %v", e.Op, e.MachineID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// AlertStatus is the alert outcome attached to a query result.
type AlertStatus string

const (
	AlertNotApplicable AlertStatus = "not_applicable"
	AlertSent          AlertStatus = "sent"
	AlertSuppressed    AlertStatus = "suppressed"
	AlertFailed        AlertStatus = "failed"
)

// IngestResult describes a stored reading.
type IngestResult struct {
	Reading models.Reading

	// State is the pending record written for Reading.
	State *models.MachineState

	// HistoryErr is set when the history append failed. The latest state
	// was still written.
	HistoryErr error

	// Superseded is set when a reading observed later was already stored.
	Superseded bool
}

// HistoryLogged reports whether the reading reached the history log.
func (r *IngestResult) HistoryLogged() bool { return r.HistoryErr == nil }

// QueryResult is a classified state plus the alert outcome.
type QueryResult struct {
	State       *models.MachineState
	AlertStatus AlertStatus
	DeliveryID  string

	// AlertErr carries the delivery failure when AlertStatus is failed.
	AlertErr error

	// WriteBackErr is set when the classified state could not be stored.
	WriteBackErr error
}

// AlertSent reports whether a notification was delivered for this result.
func (r *QueryResult) AlertSent() bool { return r.AlertStatus == AlertSent }

// Config holds the coordinator's collaborators.
type Config struct {
	Store   state.Store
	History storage.HistoryLog
	Scorer  *scoring.Scorer
	Alerter alerts.Alerter

	Policy       alerts.Policy
	AlertTimeout time.Duration

	// Now defaults to time.Now
	Now func() time.Time
}

// Coordinator is safe for concurrent use. It holds no locks across store
// or alerter calls; per-machine ordering is enforced by the store.
type Coordinator struct {
	store   state.Store
	history storage.HistoryLog
	scorer  *scoring.Scorer
	alerter alerts.Alerter

	policy       atomic.Pointer[alerts.Policy]
	alertTimeout atomic.Int64

	now func() time.Time
}

// New builds a Coordinator. Store and Alerter are required.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("coordinator: store is required")
	}
	if cfg.Alerter == nil {
		return nil, errors.New("coordinator: alerter is required")
	}
	if cfg.History == nil {
		cfg.History = storage.NewNopHistory()
	}
	if cfg.Scorer == nil {
		cfg.Scorer = scoring.New(scoring.DefaultThresholds)
	}
	if cfg.Policy.Alertable == nil {
		cfg.Policy = alerts.DefaultPolicy()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Coordinator{
		store:   cfg.Store,
		history: cfg.History,
		scorer:  cfg.Scorer,
		alerter: cfg.Alerter,
		now:     cfg.Now,
	}
	c.SetPolicy(cfg.Policy, cfg.AlertTimeout)
	return c, nil
}

// SetPolicy swaps the alert policy and delivery timeout. Queries already in
// flight keep the policy they started with.
func (c *Coordinator) SetPolicy(p alerts.Policy, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultAlertTimeout
	}
	c.policy.Store(&p)
	c.alertTimeout.Store(int64(timeout))
}

// Policy returns the active alert policy.
func (c *Coordinator) Policy() alerts.Policy {
	return *c.policy.Load()
}

// Ingest validates a raw payload and stores it.
func (c *Coordinator) Ingest(ctx context.Context, in *models.TelemetryInput) (*IngestResult, error) {
	r, err := in.ToReading()
	if err != nil {
		var vErr *models.ValidationError
		if errors.As(err, &vErr) {
			metrics.IngestValidationErrors.WithLabelValues(vErr.Field).Inc()
		}
		return nil, err
	}
	return c.IngestReading(ctx, r)
}

// IngestReading appends r to the history log and replaces the machine's
// latest state with a pending record. A zero ObservedAt is stamped with the
// current time.
func (c *Coordinator) IngestReading(ctx context.Context, r models.Reading) (*IngestResult, error) {
	r.MachineID = models.NormalizeMachineID(r.MachineID)
	if r.ObservedAt.IsZero() {
		r.ObservedAt = c.now().UTC()
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	log := logger.WithMachine("coordinator", r.MachineID)
	res := &IngestResult{Reading: r}

	if err := c.history.Append(ctx, r); err != nil {
		res.HistoryErr = err
		metrics.HistoryAppendTotal.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("history append failed")
	} else {
		metrics.HistoryAppendTotal.WithLabelValues("success").Inc()
	}

	prev, err := c.store.Get(ctx, r.MachineID)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		metrics.StateWriteFailures.WithLabelValues("ingest").Inc()
		return nil, &StorageError{Op: "ingest", MachineID: r.MachineID, Err: err}
	}

	res.State = models.PendingState(r, prev)
	err = c.store.Put(ctx, res.State)
	switch {
	case err == nil:
	case errors.Is(err, state.ErrStaleWrite):
		res.Superseded = true
		metrics.StaleWritesTotal.WithLabelValues("ingest").Inc()
		log.Debug().Time("observed_at", r.ObservedAt).Msg("reading superseded by a fresher one")
	default:
		metrics.StateWriteFailures.WithLabelValues("ingest").Inc()
		return nil, &StorageError{Op: "ingest", MachineID: r.MachineID, Err: err}
	}

	log.Debug().
		Float64("temperature", r.Temperature).
		Float64("vibration", r.Vibration).
		Bool("history_logged", res.HistoryLogged()).
		Msg("reading ingested")

	return res, nil
}

// Query classifies the latest reading of machineID, writes the
// classification back and applies the alert policy.
func (c *Coordinator) Query(ctx context.Context, machineID string) (*QueryResult, error) {
	machineID = models.NormalizeMachineID(machineID)
	if machineID == "" {
		return nil, &models.ValidationError{Field: "machine_id", Err: models.ErrEmptyMachineID}
	}

	st, err := c.store.Get(ctx, machineID)
	if errors.Is(err, state.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoData, machineID)
	}
	if err != nil {
		return nil, &StorageError{Op: "query", MachineID: machineID, Err: err}
	}

	log := logger.WithMachine("coordinator", machineID)

	st.Classification, st.Confidence = c.scorer.Score(st.Temperature, st.Vibration)
	metrics.QueriesTotal.WithLabelValues(string(st.Classification)).Inc()
	metrics.ConfidenceObserved.WithLabelValues(string(st.Classification)).Observe(st.Confidence)

	res := &QueryResult{State: st, AlertStatus: AlertNotApplicable}
	res.WriteBackErr = c.bestEffortPut(ctx, "writeback", st)

	now := c.now().UTC()
	switch c.Policy().Decide(st, now) {
	case alerts.Skip:
		return res, nil
	case alerts.Suppress:
		res.AlertStatus = AlertSuppressed
		metrics.AlertsTotal.WithLabelValues("policy", "suppressed").Inc()
		log.Info().
			Str("classification", string(st.Classification)).
			Time("last_alert_sent_at", *st.LastAlertSentAt).
			Msg("alert suppressed inside minimum interval")
		return res, nil
	}

	id, err := c.deliver(ctx, alerts.NewNotification(st, now))
	if err != nil {
		res.AlertStatus = AlertFailed
		res.AlertErr = err
		log.Error().Err(err).Str("classification", string(st.Classification)).Msg("alert delivery failed")
		return res, nil
	}

	res.AlertStatus = AlertSent
	res.DeliveryID = id
	log.Info().
		Str("classification", string(st.Classification)).
		Str("delivery_id", id).
		Msg("alert sent")

	c.stampAlert(ctx, st, now)
	return res, nil
}

// stampAlert records a delivered alert on st. When a fresher ingest replaced
// the record after it was read, the stamp is carried onto the fresher one so
// suppression still sees it.
func (c *Coordinator) stampAlert(ctx context.Context, st *models.MachineState, at time.Time) {
	st.LastAlertSentAt = &at
	err := c.store.Put(ctx, st)
	if errors.Is(err, state.ErrStaleWrite) {
		var cur *models.MachineState
		if cur, err = c.store.Get(ctx, st.MachineID); err == nil {
			cur.LastAlertSentAt = &at
			err = c.store.Put(ctx, cur)
		}
	}
	switch {
	case err == nil:
	case errors.Is(err, state.ErrStaleWrite):
		metrics.StaleWritesTotal.WithLabelValues("alert_stamp").Inc()
	default:
		metrics.StateWriteFailures.WithLabelValues("alert_stamp").Inc()
		log := logger.WithMachine("coordinator", st.MachineID)
		log.Error().Err(err).Msg("alert stamp write failed")
	}
}

// Predict scores a reading without touching the stores and alerts on it
// under the active policy. Suppression does not apply since nothing is
// remembered between calls.
func (c *Coordinator) Predict(ctx context.Context, in *models.TelemetryInput) (*QueryResult, error) {
	r, err := in.ToReading()
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	st := &models.MachineState{
		MachineID:   r.MachineID,
		Temperature: r.Temperature,
		Vibration:   r.Vibration,
		ObservedAt:  now,
	}
	st.Classification, st.Confidence = c.scorer.Score(r.Temperature, r.Vibration)

	res := &QueryResult{State: st, AlertStatus: AlertNotApplicable}
	if c.Policy().Decide(st, now) != alerts.Send {
		return res, nil
	}

	id, err := c.deliver(ctx, alerts.NewNotification(st, now))
	if err != nil {
		res.AlertStatus = AlertFailed
		res.AlertErr = err
		log := logger.WithMachine("coordinator", r.MachineID)
		log.Error().Err(err).Msg("predict alert delivery failed")
		return res, nil
	}
	res.AlertStatus = AlertSent
	res.DeliveryID = id
	return res, nil
}

// Recent returns up to limit historical readings for machineID, newest first.
func (c *Coordinator) Recent(ctx context.Context, machineID string, limit int) ([]models.Reading, error) {
	reader, ok := c.history.(storage.HistoryReader)
	if !ok {
		return nil, ErrHistoryUnavailable
	}
	return reader.Recent(ctx, models.NormalizeMachineID(machineID), limit)
}

// deliver calls the alerter with the configured timeout. The alerter runs
// in its own goroutine so a channel that ignores ctx cannot hold the query.
func (c *Coordinator) deliver(ctx context.Context, n alerts.Notification) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(c.alertTimeout.Load()))
	defer cancel()

	type outcome struct {
		id  string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		id, err := c.alerter.Notify(ctx, n)
		done <- outcome{id, err}
	}()

	select {
	case o := <-done:
		return o.id, o.err
	case <-ctx.Done():
		return "", &alerts.DeliveryError{Channel: "alerter", Err: fmt.Errorf("%w: %v", alerts.ErrDeliveryTimeout, ctx.Err())}
	}
}

// bestEffortPut writes st and only logs failures. Losing to a fresher
// ingest is expected and not reported.
func (c *Coordinator) bestEffortPut(ctx context.Context, op string, st *models.MachineState) error {
	err := c.store.Put(ctx, st)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, state.ErrStaleWrite):
		metrics.StaleWritesTotal.WithLabelValues(op).Inc()
		log := logger.WithMachine("coordinator", st.MachineID)
		log.Debug().Str("op", op).Msg("state write superseded by a fresher reading")
		return nil
	default:
		metrics.StateWriteFailures.WithLabelValues(op).Inc()
		log := logger.WithMachine("coordinator", st.MachineID)
		log.Error().Err(err).Str("op", op).Msg("state write failed")
		return &StorageError{Op: op, MachineID: st.MachineID, Err: err}
	}
}
