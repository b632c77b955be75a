package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"faultwatch/internal/models"
)

// WebhookAlerter posts alerts to a Slack, Teams or generic HTTP endpoint.
type WebhookAlerter struct {
	kind   string
	url    string
	client *http.Client
}

// NewWebhookAlerter creates an alerter for kind (slack | teams | http).
func NewWebhookAlerter(kind, url string) (*WebhookAlerter, error) {
	switch kind {
	case "slack", "teams", "http":
	default:
		return nil, fmt.Errorf("alerts: unknown webhook type %q", kind)
	}
	if url == "" {
		return nil, fmt.Errorf("alerts: %s webhook url is empty", kind)
	}
	return &WebhookAlerter{
		kind:   kind,
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (w *WebhookAlerter) Notify(ctx context.Context, n Notification) (string, error) {
	id := uuid.New().String()
	msg := FormatMessage(n)

	var payload any
	switch w.kind {
	case "slack":
		payload = map[string]string{
			"text": fmt.Sprintf("*%s*\n%s", msg.Subject, msg.Body),
		}
	case "teams":
		payload = map[string]interface{}{
			"@type":      "MessageCard",
			"@context":   "http://schema.org/extensions",
			"themeColor": classificationColor(n.Classification),
			"summary":    msg.Subject,
			"title":      msg.Subject,
			"text":       msg.Body,
		}
	default:
		payload = map[string]interface{}{
			"delivery_id": id,
			"alert":       n,
			"subject":     msg.Subject,
			"body":        msg.Body,
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", &DeliveryError{Channel: "webhook", Err: err}
	}
	if err := w.post(ctx, body); err != nil {
		return "", &DeliveryError{Channel: "webhook", Err: err}
	}
	return id, nil
}

func (w *WebhookAlerter) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func classificationColor(c models.Classification) string {
	switch c {
	case models.ClassificationFaultSoon:
		return "FF4F6A"
	case models.ClassificationWarning:
		return "FFAB40"
	default:
		return "00D4FF"
	}
}
