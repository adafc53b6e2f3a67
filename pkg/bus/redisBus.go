package bus

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/crewplan/outbox-dispatcher/pkg/config"
)

const tracerName = "outbox-dispatcher"

// RedisBus publishes envelopes over redis pub/sub channels.
type RedisBus struct {
	client *redis.Client
}

func NewRedisBus(cfg config.BusSettings) *RedisBus {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisBus{client: client}
}

// NewRedisBusWithClient is used by tests to supply a preconnected client.
func NewRedisBusWithClient(client *redis.Client) *RedisBus {
	return &RedisBus{client: client}
}

func (b *RedisBus) Publish(ctx context.Context, address string, body []byte) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "BusPublish")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "redis"),
		attribute.String("messaging.destination", address),
		attribute.Int("messaging.message_payload_size_bytes", len(body)),
	)

	if err := b.client.Publish(ctx, address, body).Err(); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
