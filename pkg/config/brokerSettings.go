package config

// BrokerSettings holds configuration for connecting to the external broker.
type BrokerSettings struct {
	Type      string `mapstructure:"type" validate:"required,oneof=rabbitmq gcp-pubsub kafka"`
	URL       string `mapstructure:"url"`
	ProjectID string `mapstructure:"projectID"` // GCP Pub/Sub
	Brokers   string `mapstructure:"brokers"`   // Kafka, comma-separated
	PoolSize  int    `mapstructure:"pool_size"` // RabbitMQ channel pool
	// RequireAck makes publishes wait for a broker acknowledgement before the
	// record can be marked processed.
	RequireAck bool `mapstructure:"require_ack"`
	// Breaker trips the external publish path after repeated failures so a
	// down broker is not hammered on every poll.
	BreakerEnabled     bool   `mapstructure:"breaker_enabled"`
	BreakerMaxFailures uint32 `mapstructure:"breaker_max_failures"`
}
