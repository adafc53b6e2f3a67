package store

import (
	"context"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"

	"github.com/crewplan/outbox-dispatcher/schema"
)

type SpannerRepository struct {
	client *spanner.Client
}

func (s *SpannerRepository) Insert(ctx context.Context, record *schema.OutboxRecord) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		stmt := spanner.Statement{
			SQL: `INSERT INTO outbox (id, aggregate_id, aggregate_type, type, payload, headers, occurred_at, partition_key, processed, retry_count, next_attempt_at)
                  VALUES (@id, @aggregateId, @aggregateType, @type, @payload, @headers, @occurredAt, @partitionKey, false, 0, @nextAttemptAt)`,
			Params: map[string]interface{}{
				"id":            record.ID,
				"aggregateId":   record.AggregateID,
				"aggregateType": record.AggregateType,
				"type":          record.Type,
				"payload":       record.Payload,
				"headers":       record.Headers,
				"occurredAt":    record.OccurredAt,
				"partitionKey":  record.PartitionKey,
				"nextAttemptAt": record.NextAttemptAt,
			},
		}
		_, err := txn.Update(ctx, stmt)
		return err
	})
	return err
}

func (s *SpannerRepository) FetchUnprocessed(ctx context.Context, batchSize int) ([]schema.OutboxRecord, error) {
	stmt := spanner.Statement{
		SQL: `SELECT id, aggregate_id, aggregate_type, type, payload, headers, occurred_at, partition_key, retry_count FROM outbox
              WHERE processed = false AND dead_lettered_at IS NULL AND next_attempt_at <= @now
              ORDER BY occurred_at, id
              LIMIT @batchSize`,
		Params: map[string]interface{}{
			"now":       time.Now(),
			"batchSize": batchSize,
		},
	}

	iter := s.client.Single().Query(ctx, stmt)
	defer iter.Stop()

	var records []schema.OutboxRecord
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}

		var record schema.OutboxRecord
		var headers, partitionKey spanner.NullString
		if err := row.Columns(
			&record.ID,
			&record.AggregateID,
			&record.AggregateType,
			&record.Type,
			&record.Payload,
			&headers,
			&record.OccurredAt,
			&partitionKey,
			&record.RetryCount); err != nil {
			return nil, err
		}
		record.Headers = headers.StringVal
		record.PartitionKey = partitionKey.StringVal
		records = append(records, record)
	}

	return records, nil
}

func (s *SpannerRepository) MarkProcessed(ctx context.Context, recordID string) error {
	return s.update(ctx, `UPDATE outbox SET processed = true WHERE id = @id AND processed = false`, recordID, nil)
}

func (s *SpannerRepository) MarkFailedAttempt(ctx context.Context, recordID string, nextAttemptAt time.Time) error {
	return s.update(ctx,
		`UPDATE outbox SET retry_count = retry_count + 1, next_attempt_at = @nextAttemptAt WHERE id = @id AND processed = false`,
		recordID, map[string]interface{}{"nextAttemptAt": nextAttemptAt})
}

func (s *SpannerRepository) MarkDeadLettered(ctx context.Context, recordID string) error {
	return s.update(ctx,
		`UPDATE outbox SET retry_count = retry_count + 1, dead_lettered_at = CURRENT_TIMESTAMP() WHERE id = @id AND dead_lettered_at IS NULL`,
		recordID, nil)
}

func (s *SpannerRepository) update(ctx context.Context, sql, recordID string, extra map[string]interface{}) error {
	_, err := s.client.ReadWriteTransaction(ctx, func(ctx context.Context, txn *spanner.ReadWriteTransaction) error {
		params := map[string]interface{}{"id": recordID}
		for k, v := range extra {
			params[k] = v
		}
		_, err := txn.Update(ctx, spanner.Statement{SQL: sql, Params: params})
		return err
	})
	return err
}
