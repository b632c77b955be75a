package alerts

import (
	"fmt"
	"strings"
	"time"

	"faultwatch/internal/models"
)

// Message is the human-readable rendering of a Notification.
type Message struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// FormatMessage renders n for operators.
func FormatMessage(n Notification) Message {
	var b strings.Builder
	b.WriteString("Manufacturing Alert System\n\n")
	fmt.Fprintf(&b, "Machine ID: %s\n", n.MachineID)
	fmt.Fprintf(&b, "Temperature: %.1f°C\n", n.Temperature)
	fmt.Fprintf(&b, "Vibration: %.2f Hz\n\n", n.Vibration)
	fmt.Fprintf(&b, "Prediction: %s\n", n.Classification)
	fmt.Fprintf(&b, "Confidence: %.0f%%\n\n", n.Confidence*100)

	if n.Classification == models.ClassificationFaultSoon {
		b.WriteString("Status: FAULT EXPECTED SOON\n")
		b.WriteString("Action Required: Immediate inspection recommended.\n\n")
	} else {
		b.WriteString("Status: Warning - monitor closely\n\n")
	}

	fmt.Fprintf(&b, "Observed: %s\n", n.ObservedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Timestamp: %s\n", n.SentAt.UTC().Format(time.RFC3339))

	return Message{
		Subject: fmt.Sprintf("Machine Alert: %s - %s", n.Classification, n.MachineID),
		Body:    b.String(),
	}
}
