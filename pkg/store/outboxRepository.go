package store

import (
	"context"
	"time"

	"github.com/crewplan/outbox-dispatcher/schema"
)

// OutboxRepository defines the database operations for outbox records.
type OutboxRepository interface {
	// Insert appends a record, typically inside the producer's own transaction.
	Insert(ctx context.Context, record *schema.OutboxRecord) error
	// FetchUnprocessed retrieves records that are not processed, not
	// dead-lettered, and due for an attempt, ordered by (occurred_at, id)
	// ascending. The tie-break on id keeps equal timestamps in insertion order.
	FetchUnprocessed(ctx context.Context, batchSize int) ([]schema.OutboxRecord, error)
	// MarkProcessed flips processed to true in its own transaction. Marking an
	// already-processed record is a no-op, not an error.
	MarkProcessed(ctx context.Context, recordID string) error
	// MarkFailedAttempt increments the retry count and schedules the next
	// attempt.
	MarkFailedAttempt(ctx context.Context, recordID string, nextAttemptAt time.Time) error
	// MarkDeadLettered takes the record out of rotation permanently.
	MarkDeadLettered(ctx context.Context, recordID string) error
}
