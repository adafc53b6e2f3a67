package broker

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/crewplan/outbox-dispatcher/pkg/config"
)

const tracerName = "outbox-dispatcher"

func NewBroker(ctx context.Context, cfg *config.BrokerSettings, logger zerolog.Logger) (EventPublisher, error) {
	var (
		publisher EventPublisher
		err       error
	)

	switch cfg.Type {
	case "rabbitmq":
		publisher, err = NewRabbitMqBroker(ctx, cfg, logger)
	case "gcp-pubsub":
		publisher, err = NewPubSubClient(ctx, cfg)
	case "kafka":
		publisher, err = NewKafkaBroker(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if cfg.BreakerEnabled {
		publisher = NewBreakerPublisher(publisher, cfg.BreakerMaxFailures)
	}

	return publisher, nil
}
