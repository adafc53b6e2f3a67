package dispatcher

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/crewplan/outbox-dispatcher/pkg/broker"
	"github.com/crewplan/outbox-dispatcher/pkg/bus"
	"github.com/crewplan/outbox-dispatcher/pkg/config"
	"github.com/crewplan/outbox-dispatcher/pkg/envelope"
	"github.com/crewplan/outbox-dispatcher/pkg/flags"
	"github.com/crewplan/outbox-dispatcher/pkg/store"
	"github.com/crewplan/outbox-dispatcher/pkg/telemetry"
	"github.com/crewplan/outbox-dispatcher/pkg/topics"
	"github.com/crewplan/outbox-dispatcher/schema"
)

// A failing record backs off exponentially but never further than this, so a
// transient outage does not park records for hours.
const maxRetryDelay = 10 * time.Minute

// Dispatcher relays outbox records to the external broker and the internal
// bus. One instance per process; overlapping ticks are skipped via a
// process-local single-flight guard.
type Dispatcher struct {
	repo      store.OutboxRepository
	publisher broker.EventPublisher
	eventBus  bus.EventBus
	flagSrc   flags.Source
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	tracer    trace.Tracer

	simple *simpleStrategy
	fanout *fanoutStrategy

	pollInterval    time.Duration
	batchSize       int
	maxRetries      int
	retryBackoff    time.Duration
	deadLetterTopic string
	requireAck      bool
	rangeEventType  string
	busPrefix       string

	running atomic.Bool
}

func NewDispatcher(
	repo store.OutboxRepository,
	publisher broker.EventPublisher,
	eventBus bus.EventBus,
	mapper topics.TopicMapper,
	flagSrc flags.Source,
	metrics *telemetry.Metrics,
	logger zerolog.Logger,
	cfg *config.Settings,
) *Dispatcher {
	return &Dispatcher{
		repo:            repo,
		publisher:       publisher,
		eventBus:        eventBus,
		flagSrc:         flagSrc,
		logger:          logger,
		metrics:         metrics,
		tracer:          otel.Tracer("outbox-dispatcher"),
		simple:          newSimpleStrategy(mapper, cfg.DeletionEventType, cfg.AnchorDate),
		fanout:          newFanoutStrategy(mapper),
		pollInterval:    cfg.PollInterval,
		batchSize:       cfg.BatchSize,
		maxRetries:      cfg.MaxRetries,
		retryBackoff:    cfg.RetryBackoff,
		deadLetterTopic: cfg.DeadLetterTopic,
		requireAck:      cfg.Broker.RequireAck,
		rangeEventType:  cfg.RangeEventType,
		busPrefix:       cfg.Bus.AddressPrefix,
	}
}

// Run polls on the configured interval until the context is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Dispatch(ctx)
		}
	}
}

// Dispatch runs one cycle: fetch a bounded batch of unprocessed records and
// process them sequentially in (occurred_at, id) order. A failure on one
// record never aborts the rest of the batch.
func (d *Dispatcher) Dispatch(ctx context.Context) {
	if !d.flagSrc.IsEnabled(ctx, flags.DispatcherEnabled) {
		return
	}
	brokerEnabled := d.flagSrc.IsEnabled(ctx, flags.BrokerPublishEnabled)
	busEnabled := d.flagSrc.IsEnabled(ctx, flags.BusPublishEnabled)
	if !brokerEnabled && !busEnabled {
		return
	}

	// Single-flight: overlapping ticks are expected under short intervals and
	// skipped without noise.
	if !d.running.CompareAndSwap(false, true) {
		d.logger.Debug().Msg("dispatch already running, skipping tick")
		return
	}
	defer d.running.Store(false)

	ctx, span := d.tracer.Start(ctx, "DispatchCycle")
	defer span.End()

	records, err := d.repo.FetchUnprocessed(ctx, d.batchSize)
	if err != nil {
		d.logger.Error().Err(err).Msg("failed to fetch outbox records")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	if len(records) == 0 {
		return
	}

	span.SetAttributes(attribute.Int("outbox.batch_size", len(records)))

	for i := range records {
		record := &records[i]
		result := d.process(ctx, record, brokerEnabled, busEnabled)

		switch result.outcome {
		case outcomePublished, outcomeSkipped:
			d.complete(ctx, record, result)
		case outcomeRetry:
			d.scheduleRetry(ctx, record, result.err)
		}
	}

	d.metrics.DispatchCycles.Inc()
}

// process runs the normalize -> route -> publish pipeline for one record.
func (d *Dispatcher) process(ctx context.Context, record *schema.OutboxRecord, brokerEnabled, busEnabled bool) recordResult {
	ctx, span := d.tracer.Start(ctx, "ProcessOutboxRecord", trace.WithAttributes(
		attribute.String("record.id", record.ID),
		attribute.String("record.type", record.Type),
		attribute.String("record.aggregate_id", record.AggregateID),
		attribute.Int("record.retry_count", record.RetryCount),
	))
	defer span.End()

	env, format := envelope.Normalize(record)
	span.SetAttributes(attribute.String("record.payload_format", format.String()))

	published := 0

	if brokerEnabled {
		messages, err := d.strategyFor(env.EventType).messages(record, env)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return recordResult{outcome: outcomeRetry, err: err}
		}
		if len(messages) == 0 {
			// Unmapped type: deliberate no-op, debug only.
			d.logger.Debug().
				Str("record_id", record.ID).
				Str("event_type", env.EventType).
				Msg("no topic mapping, skipping external publish")
		}

		for _, msg := range messages {
			start := time.Now()
			err := d.publisher.SendWithHeaders(ctx, msg.topic, msg.key, msg.body, msg.headers, d.requireAck)
			d.metrics.PublishDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return recordResult{outcome: outcomeRetry, err: err, published: published}
			}
			published++
		}
	}

	if busEnabled {
		body, err := env.ToJSON()
		if err != nil {
			span.RecordError(err)
			return recordResult{outcome: outcomeRetry, err: err, published: published}
		}
		address := bus.AddressForType(d.busPrefix, env.EventType)
		if err := d.eventBus.Publish(ctx, address, body); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return recordResult{outcome: outcomeRetry, err: err, published: published}
		}
		published++
	}

	if published == 0 {
		return recordResult{outcome: outcomeSkipped}
	}
	return recordResult{outcome: outcomePublished, published: published}
}

func (d *Dispatcher) strategyFor(eventType string) publishStrategy {
	if eventType == d.rangeEventType {
		return d.fanout
	}
	return d.simple
}

// complete marks the record processed in its own transaction. A failed mark
// only means redelivery on a later cycle; consumers dedupe on the
// idempotency-key header.
func (d *Dispatcher) complete(ctx context.Context, record *schema.OutboxRecord, result recordResult) {
	if err := d.repo.MarkProcessed(ctx, record.ID); err != nil {
		d.logger.Error().Err(err).
			Str("record_id", record.ID).
			Str("event_type", record.Type).
			Msg("failed to mark record processed, will redeliver")
		return
	}

	if result.outcome == outcomeSkipped {
		d.metrics.RecordsSkipped.WithLabelValues(record.Type).Inc()
		return
	}
	d.metrics.RecordsPublished.WithLabelValues(record.Type).Inc()
}

// scheduleRetry backs the record off, or dead-letters it once retries are
// exhausted.
func (d *Dispatcher) scheduleRetry(ctx context.Context, record *schema.OutboxRecord, cause error) {
	if record.RetryCount+1 >= d.maxRetries {
		d.logger.Error().Err(cause).
			Str("record_id", record.ID).
			Str("event_type", record.Type).
			Int("retry_count", record.RetryCount).
			Msg("retries exhausted, dead-lettering record")

		d.publishDeadLetter(ctx, record)

		if err := d.repo.MarkDeadLettered(ctx, record.ID); err != nil {
			d.logger.Error().Err(err).Str("record_id", record.ID).Msg("failed to mark record dead-lettered")
			return
		}
		d.metrics.RecordsDeadLetters.Inc()
		return
	}

	delay := d.retryBackoff << record.RetryCount
	if delay > maxRetryDelay || delay <= 0 {
		delay = maxRetryDelay
	}

	d.logger.Error().Err(cause).
		Str("record_id", record.ID).
		Str("event_type", record.Type).
		Int("retry_count", record.RetryCount).
		Dur("retry_in", delay).
		Msg("failed to process record, scheduling retry")

	if err := d.repo.MarkFailedAttempt(ctx, record.ID, time.Now().Add(delay)); err != nil {
		d.logger.Error().Err(err).Str("record_id", record.ID).Msg("failed to schedule retry")
		return
	}
	d.metrics.RecordsRetried.Inc()
}

// publishDeadLetter forwards the raw record to the dead-letter topic,
// best-effort. The record is dead-lettered either way.
func (d *Dispatcher) publishDeadLetter(ctx context.Context, record *schema.OutboxRecord) {
	if d.deadLetterTopic == "" {
		return
	}

	env, _ := envelope.Normalize(record)
	body, err := env.ToJSON()
	if err != nil {
		return
	}

	headers := baseHeaders(record, env)
	if err := d.publisher.SendWithHeaders(ctx, d.deadLetterTopic, record.BrokerKey(), body, headers, d.requireAck); err != nil {
		d.logger.Warn().Err(err).Str("record_id", record.ID).Msg("failed to publish dead-letter copy")
	}
}
