package store

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/crewplan/outbox-dispatcher/schema"
)

const fetchUnprocessedSQL = `SELECT id, aggregate_id, aggregate_type, type, payload, headers, occurred_at, partition_key, retry_count
             FROM outbox
             WHERE processed = false AND dead_lettered_at IS NULL AND next_attempt_at <= $1
             ORDER BY occurred_at, id
             LIMIT $2`

type PostgresRepository struct {
	db *sql.DB // using database/sql
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (p *PostgresRepository) Insert(ctx context.Context, record *schema.OutboxRecord) error {
	return p.withTransaction(ctx, "Insert", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO outbox (id, aggregate_id, aggregate_type, type, payload, headers, occurred_at, partition_key, processed, retry_count, next_attempt_at)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, 0, $9)`,
			record.ID, record.AggregateID, record.AggregateType, record.Type,
			record.Payload, nullIfEmpty(record.Headers), record.OccurredAt,
			nullIfEmpty(record.PartitionKey), record.NextAttemptAt)
		return err
	})
}

func (p *PostgresRepository) FetchUnprocessed(ctx context.Context, batchSize int) ([]schema.OutboxRecord, error) {
	var records []schema.OutboxRecord
	err := p.withTransaction(ctx, "FetchUnprocessed", func(ctx context.Context, tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, fetchUnprocessedSQL, time.Now(), batchSize)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var record schema.OutboxRecord
			var headers, partitionKey sql.NullString
			if err := rows.Scan(&record.ID, &record.AggregateID, &record.AggregateType,
				&record.Type, &record.Payload, &headers, &record.OccurredAt,
				&partitionKey, &record.RetryCount); err != nil {
				return err
			}
			record.Headers = headers.String
			record.PartitionKey = partitionKey.String
			records = append(records, record)
		}

		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (p *PostgresRepository) MarkProcessed(ctx context.Context, recordID string) error {
	return p.withTransaction(ctx, "MarkProcessed", func(ctx context.Context, tx *sql.Tx) error {
		// Already-processed rows are left untouched so retried marks are safe.
		_, err := tx.ExecContext(ctx,
			`UPDATE outbox SET processed = true WHERE id = $1 AND processed = false`,
			recordID)
		return err
	})
}

func (p *PostgresRepository) MarkFailedAttempt(ctx context.Context, recordID string, nextAttemptAt time.Time) error {
	return p.withTransaction(ctx, "MarkFailedAttempt", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE outbox SET retry_count = retry_count + 1, next_attempt_at = $1 WHERE id = $2 AND processed = false`,
			nextAttemptAt, recordID)
		return err
	})
}

func (p *PostgresRepository) MarkDeadLettered(ctx context.Context, recordID string) error {
	return p.withTransaction(ctx, "MarkDeadLettered", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE outbox SET retry_count = retry_count + 1, dead_lettered_at = $1 WHERE id = $2 AND dead_lettered_at IS NULL`,
			time.Now(), recordID)
		return err
	})
}

func (p *PostgresRepository) withTransaction(ctx context.Context, spanName string, fn func(ctx context.Context, tx *sql.Tx) error) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	start := time.Now()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if err := fn(ctx, tx); err != nil {
		span.RecordError(err)
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "postgresql", spanName, 0, time.Since(start))

	return nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
