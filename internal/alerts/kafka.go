package alerts

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// MessagePublisher is satisfied by kafka.Producer.
type MessagePublisher interface {
	PublishMessage(ctx context.Context, key string, value []byte, headers map[string]string) error
}

// KafkaAlerter publishes alerts to a topic keyed by machine id.
type KafkaAlerter struct {
	pub MessagePublisher
}

func NewKafkaAlerter(pub MessagePublisher) *KafkaAlerter {
	return &KafkaAlerter{pub: pub}
}

type kafkaAlert struct {
	DeliveryID string `json:"delivery_id"`
	Notification
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (k *KafkaAlerter) Notify(ctx context.Context, n Notification) (string, error) {
	id := uuid.New().String()
	msg := FormatMessage(n)

	value, err := json.Marshal(kafkaAlert{
		DeliveryID:   id,
		Notification: n,
		Subject:      msg.Subject,
		Body:         msg.Body,
	})
	if err != nil {
		return "", &DeliveryError{Channel: "kafka", Err: err}
	}

	headers := map[string]string{
		"delivery_id":    id,
		"classification": string(n.Classification),
	}
	if err := k.pub.PublishMessage(ctx, n.MachineID, value, headers); err != nil {
		return "", &DeliveryError{Channel: "kafka", Err: err}
	}
	return id, nil
}
