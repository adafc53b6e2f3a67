package broker

import (
	"context"
	"time"

	"github.com/sony/gobreaker/v2"
)

// breakerPublisher trips the external publish path after repeated failures so
// a down broker is skipped instead of hammered on every poll. While open,
// publishes fail fast and the affected records stay unprocessed for retry.
type breakerPublisher struct {
	inner EventPublisher
	cb    *gobreaker.CircuitBreaker[any]
}

// NewBreakerPublisher wraps a publisher with a circuit breaker that opens
// after maxFailures consecutive failures.
func NewBreakerPublisher(inner EventPublisher, maxFailures uint32) EventPublisher {
	if maxFailures == 0 {
		maxFailures = 5
	}
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    "outbox-broker",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
	})
	return &breakerPublisher{inner: inner, cb: cb}
}

func (b *breakerPublisher) SendWithHeaders(ctx context.Context, topic, key string, body []byte, headers map[string]string, requireAck bool) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.SendWithHeaders(ctx, topic, key, body, headers, requireAck)
	})
	return err
}

func (b *breakerPublisher) Close() error {
	return b.inner.Close()
}
