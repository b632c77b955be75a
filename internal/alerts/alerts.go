// Package alerts decides when a classified machine warrants a notification
// and delivers it over one of several channels.
package alerts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"faultwatch/internal/metrics"
	"faultwatch/internal/models"
)

// Notification is the payload handed to an Alerter.
type Notification struct {
	MachineID      string                `json:"machine_id"`
	Temperature    float64               `json:"temperature"`
	Vibration      float64               `json:"vibration"`
	Classification models.Classification `json:"classification"`
	Confidence     float64               `json:"confidence"`
	ObservedAt     time.Time             `json:"observed_at"`
	SentAt         time.Time             `json:"sent_at"`
}

// NewNotification builds a notification for a classified state.
func NewNotification(st *models.MachineState, now time.Time) Notification {
	return Notification{
		MachineID:      st.MachineID,
		Temperature:    st.Temperature,
		Vibration:      st.Vibration,
		Classification: st.Classification,
		Confidence:     st.Confidence,
		ObservedAt:     st.ObservedAt,
		SentAt:         now.UTC(),
	}
}

// Alerter delivers a notification and returns an identifier for the delivery.
type Alerter interface {
	Notify(ctx context.Context, n Notification) (deliveryID string, err error)
}

// ErrDeliveryTimeout is wrapped by a DeliveryError when the channel did not
// answer within the configured timeout.
var ErrDeliveryTimeout = errors.New("alert delivery timed out")

// DeliveryError reports a failed delivery on a named channel.
type DeliveryError struct {
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("alerts: %s delivery failed: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Decision is the outcome of applying a Policy to a classified state.
type Decision int

const (
	// Skip means the classification is not alertable.
	Skip Decision = iota
	// Send means a notification should go out.
	Send
	// Suppress means the classification is alertable but the machine was
	// alerted within the minimum interval.
	Suppress
)

func (d Decision) String() string {
	switch d {
	case Send:
		return "send"
	case Suppress:
		return "suppress"
	default:
		return "skip"
	}
}

// Policy selects which classifications alert and how often.
type Policy struct {
	Alertable map[models.Classification]bool

	// MinInterval suppresses repeats inside the window; zero alerts on
	// every qualifying query.
	MinInterval time.Duration
}

// DefaultPolicy alerts on FAULT_SOON only, with no suppression.
func DefaultPolicy() Policy {
	return Policy{
		Alertable: map[models.Classification]bool{models.ClassificationFaultSoon: true},
	}
}

// Decide applies the policy to st at time now.
func (p Policy) Decide(st *models.MachineState, now time.Time) Decision {
	if !p.Alertable[st.Classification] {
		return Skip
	}
	if p.MinInterval > 0 && st.LastAlertSentAt != nil && now.Sub(*st.LastAlertSentAt) < p.MinInterval {
		return Suppress
	}
	return Send
}

// Instrument wraps a so that delivery outcomes and latency are recorded
// under channel. Plain errors are wrapped in a DeliveryError.
func Instrument(channel string, a Alerter) Alerter {
	return &instrumented{channel: channel, next: a}
}

type instrumented struct {
	channel string
	next    Alerter
}

func (i *instrumented) Notify(ctx context.Context, n Notification) (string, error) {
	start := time.Now()
	id, err := i.next.Notify(ctx, n)
	metrics.AlertDeliveryDuration.WithLabelValues(i.channel).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.AlertsTotal.WithLabelValues(i.channel, "failed").Inc()
		var dErr *DeliveryError
		if !errors.As(err, &dErr) {
			err = &DeliveryError{Channel: i.channel, Err: err}
		}
		return "", err
	}
	metrics.AlertsTotal.WithLabelValues(i.channel, "sent").Inc()
	return id, nil
}
