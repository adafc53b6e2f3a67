package broker

import "context"

// EventPublisher defines the operations to publish messages to the external
// broker. Failures surface as returned errors; the dispatcher decides whether
// to retry the record.
type EventPublisher interface {
	// SendWithHeaders publishes one message to the topic. The key drives
	// broker partition assignment. When requireAck is set the call blocks
	// until the broker acknowledges the message.
	SendWithHeaders(ctx context.Context, topic, key string, body []byte, headers map[string]string, requireAck bool) error
	// Close cleans up any resources (connections).
	Close() error
}
