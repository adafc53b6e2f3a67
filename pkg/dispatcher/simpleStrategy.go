package dispatcher

import (
	"time"

	"github.com/crewplan/outbox-dispatcher/pkg/envelope"
	"github.com/crewplan/outbox-dispatcher/pkg/topics"
	"github.com/crewplan/outbox-dispatcher/schema"
)

// simpleStrategy publishes one message per record. Records whose type has no
// topic mapping produce no messages: unmapped types are an expected steady
// state, not a fault.
type simpleStrategy struct {
	mapper            topics.TopicMapper
	deletionEventType string
	anchorDate        string
	now               func() time.Time
}

func newSimpleStrategy(mapper topics.TopicMapper, deletionEventType, anchorDate string) *simpleStrategy {
	return &simpleStrategy{
		mapper:            mapper,
		deletionEventType: deletionEventType,
		anchorDate:        anchorDate,
		now:               time.Now,
	}
}

func (s *simpleStrategy) messages(record *schema.OutboxRecord, env *envelope.DomainEventEnvelope) ([]outboundMessage, error) {
	topic, ok := s.mapper.TopicForType(env.EventType)
	if !ok {
		return nil, nil
	}

	body, err := dispatchMessage{
		Key:  env.AggregateID,
		Date: s.publishDate(env),
	}.marshal()
	if err != nil {
		return nil, err
	}

	return []outboundMessage{{
		topic:   topic,
		key:     record.BrokerKey(),
		body:    body,
		headers: baseHeaders(record, env),
	}}, nil
}

// publishDate picks the message date. Deletion events always carry the anchor
// date (the start of the operational calendar) so consumers wipe the full
// history regardless of when the deletion happened.
func (s *simpleStrategy) publishDate(env *envelope.DomainEventEnvelope) string {
	if env.EventType == s.deletionEventType {
		return s.anchorDate
	}
	if env.EffectiveDate != "" {
		if _, err := time.Parse(dayFormat, env.EffectiveDate); err == nil {
			return env.EffectiveDate
		}
	}
	if !env.OccurredAt.IsZero() {
		return env.OccurredAt.Format(dayFormat)
	}
	return s.now().Format(dayFormat)
}
