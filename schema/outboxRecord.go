package schema

import (
	"time"

	"github.com/google/uuid"
)

// OutboxRecord is a row in the outbox table. Producers insert it in the same
// transaction as the business write; the dispatcher only ever reads the
// content written at insert time and flips Processed.
type OutboxRecord struct {
	ID            string    `json:"id" bson:"id"`
	AggregateID   string    `json:"aggregate_id" bson:"aggregate_id"`
	AggregateType string    `json:"aggregate_type" bson:"aggregate_type"`
	Type          string    `json:"type" bson:"type"`
	Payload       string    `json:"payload" bson:"payload"`
	Headers       string    `json:"headers,omitempty" bson:"headers,omitempty"`
	OccurredAt    time.Time `json:"occurred_at" bson:"occurred_at"`
	PartitionKey  string    `json:"partition_key,omitempty" bson:"partition_key,omitempty"`
	Processed     bool      `json:"processed" bson:"processed"`

	// Retry bookkeeping maintained by the dispatcher.
	RetryCount     int        `json:"retry_count" bson:"retry_count"`
	NextAttemptAt  time.Time  `json:"next_attempt_at" bson:"next_attempt_at"`
	DeadLetteredAt *time.Time `json:"dead_lettered_at,omitempty" bson:"dead_lettered_at,omitempty"`
}

// NewOutboxRecord creates a record with required fields and sensible defaults.
// The partition key defaults to the aggregate id.
func NewOutboxRecord(aggregateID, aggregateType, eventType, payload string) *OutboxRecord {
	now := time.Now().UTC()
	return &OutboxRecord{
		ID:            uuid.NewString(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Type:          eventType,
		Payload:       payload,
		OccurredAt:    now,
		PartitionKey:  aggregateID,
		NextAttemptAt: now,
	}
}

// BrokerKey is the partition key used for broker partition assignment.
func (r *OutboxRecord) BrokerKey() string {
	if r.PartitionKey != "" {
		return r.PartitionKey
	}
	return r.AggregateID
}
