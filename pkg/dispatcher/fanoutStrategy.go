package dispatcher

import (
	"fmt"
	"time"

	"github.com/crewplan/outbox-dispatcher/pkg/envelope"
	"github.com/crewplan/outbox-dispatcher/pkg/topics"
	"github.com/crewplan/outbox-dispatcher/schema"
)

// fanoutStrategy expands a range-modification event into one message per
// calendar month covered by its validity interval. Each message carries its
// own idempotency key ({outboxId}:{yyyy-MM}) so a retry of the whole record
// re-emits the same key set instead of colliding on one.
type fanoutStrategy struct {
	mapper topics.TopicMapper
}

func newFanoutStrategy(mapper topics.TopicMapper) *fanoutStrategy {
	return &fanoutStrategy{mapper: mapper}
}

func (s *fanoutStrategy) messages(record *schema.OutboxRecord, env *envelope.DomainEventEnvelope) ([]outboundMessage, error) {
	topic, ok := s.mapper.TopicForType(env.EventType)
	if !ok {
		return nil, nil
	}

	activeFrom, activeTo, err := activeRange(env)
	if err != nil {
		return nil, err
	}

	months := monthsBetween(activeFrom, activeTo)

	messages := make([]outboundMessage, 0, len(months))
	for _, month := range months {
		body, err := dispatchMessage{
			Key:  env.AggregateID,
			Date: month,
		}.marshal()
		if err != nil {
			return nil, err
		}

		headers := baseHeaders(record, env)
		headers["idempotency-key"] = record.ID + ":" + month

		messages = append(messages, outboundMessage{
			topic:   topic,
			key:     record.BrokerKey(),
			body:    body,
			headers: headers,
		})
	}

	return messages, nil
}

func activeRange(env *envelope.DomainEventEnvelope) (time.Time, time.Time, error) {
	from, err := dateField(env, "activeFrom")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := dateField(env, "activeTo")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("activeTo %s precedes activeFrom %s",
			to.Format(dayFormat), from.Format(dayFormat))
	}
	return from, to, nil
}

func dateField(env *envelope.DomainEventEnvelope, name string) (time.Time, error) {
	value, ok := env.PayloadField(name)
	if !ok {
		return time.Time{}, fmt.Errorf("payload is missing %s", name)
	}
	parsed, err := time.Parse(dayFormat, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	return parsed, nil
}
