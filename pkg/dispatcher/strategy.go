package dispatcher

import (
	"encoding/json"

	"github.com/crewplan/outbox-dispatcher/pkg/envelope"
	"github.com/crewplan/outbox-dispatcher/schema"
)

// outboundMessage is one message bound for the external broker.
type outboundMessage struct {
	topic   string
	key     string // broker partition key
	body    []byte
	headers map[string]string
}

// publishStrategy turns a normalized record into zero or more outbound
// messages. Zero messages means the external publish is skipped for this
// record; an error means the record must be retried.
type publishStrategy interface {
	messages(record *schema.OutboxRecord, env *envelope.DomainEventEnvelope) ([]outboundMessage, error)
}

// dispatchMessage is the outbound body shared by both strategies.
type dispatchMessage struct {
	Key  string `json:"key"`
	Date string `json:"date"` // yyyy-MM-dd, or yyyy-MM for fan-out
}

func (m dispatchMessage) marshal() ([]byte, error) {
	return json.Marshal(m)
}

// baseHeaders builds the standard message headers, favoring any headers the
// producer stored on the record. The idempotency key defaults to the record's
// own id.
func baseHeaders(record *schema.OutboxRecord, env *envelope.DomainEventEnvelope) map[string]string {
	headers := parseStoredHeaders(record.Headers)
	headers["event-id"] = env.EventID
	headers["event-type"] = env.EventType
	headers["aggregate-id"] = env.AggregateID
	if headers["idempotency-key"] == "" {
		headers["idempotency-key"] = record.ID
	}
	return headers
}

// parseStoredHeaders decodes the optional serialized header blob. Headers are
// not required for correctness, so a malformed blob is simply dropped.
func parseStoredHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	if raw == "" {
		return headers
	}
	var decoded map[string]string
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return headers
	}
	for k, v := range decoded {
		headers[k] = v
	}
	return headers
}
