package bus

import "context"

// EventBus is the internal publish/subscribe bus. Publishes are
// fire-and-forget; no delivery guarantee is expected from in-process
// subscribers.
type EventBus interface {
	Publish(ctx context.Context, address string, body []byte) error
	Close() error
}

// AddressForType derives the bus address for an event type. The derivation is
// deterministic so subscribers can compute the same address independently.
func AddressForType(prefix, eventType string) string {
	if prefix == "" {
		prefix = "events"
	}
	return prefix + "." + eventType
}
