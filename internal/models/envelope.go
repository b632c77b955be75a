package models

import "time"

// EnvelopeVersion is bumped when the history record layout changes
const EnvelopeVersion = 1

// Envelope is the record appended to an external history log. It carries the
// reading plus enough routing metadata for downstream consumers to replay a
// machine's stream in order.
type Envelope struct {
	Version      int       `json:"version"`
	Reading      Reading   `json:"reading"`
	ReceivedAt   time.Time `json:"received_at"`
	IngestNode   string    `json:"ingest_node"`
	PartitionKey string    `json:"partition_key"`
}

// NewEnvelope stamps r for the history log. Records are keyed by machine.
func NewEnvelope(r Reading, ingestNode string) *Envelope {
	return &Envelope{
		Version:      EnvelopeVersion,
		Reading:      r,
		ReceivedAt:   time.Now().UTC(),
		IngestNode:   ingestNode,
		PartitionKey: r.MachineID,
	}
}
