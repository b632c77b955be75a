package alerts

import (
	"context"

	"github.com/google/uuid"

	"faultwatch/internal/logger"
)

// LogAlerter writes alerts to the service log. Useful when no external
// channel is configured.
type LogAlerter struct{}

func (LogAlerter) Notify(_ context.Context, n Notification) (string, error) {
	id := uuid.New().String()
	msg := FormatMessage(n)

	log := logger.WithMachine("alerts", n.MachineID)
	log.Warn().
		Str("delivery_id", id).
		Str("classification", string(n.Classification)).
		Float64("confidence", n.Confidence).
		Float64("temperature", n.Temperature).
		Float64("vibration", n.Vibration).
		Str("subject", msg.Subject).
		Msg("machine alert")

	return id, nil
}
