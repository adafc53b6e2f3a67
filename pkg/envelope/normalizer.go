package envelope

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/crewplan/outbox-dispatcher/schema"
)

// canonicalBody mirrors the envelope JSON written by current producers. The
// payload stays raw so the original bytes survive the round trip untouched.
type canonicalBody struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	OccurredAt    time.Time       `json:"occurredAt"`
	Version       int             `json:"version"`
	Payload       json.RawMessage `json:"payload"`
	Actor         string          `json:"actor"`
	EffectiveDate string          `json:"effectiveDate"`
}

// DetectFormat classifies a stored payload body without ever failing.
func DetectFormat(body string) Format {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return FormatRawPassthrough
	}

	switch trimmed[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
			return FormatRawPassthrough
		}
		if _, ok := obj["eventType"]; ok {
			if parses(trimmed) {
				return FormatCanonical
			}
		}
		if _, ok := obj["eventId"]; ok {
			if parses(trimmed) {
				return FormatCanonical
			}
		}
		return FormatLegacyWrapped
	case '[':
		if json.Valid([]byte(trimmed)) {
			return FormatLegacyWrapped
		}
		return FormatRawPassthrough
	default:
		return FormatRawPassthrough
	}
}

func parses(body string) bool {
	var c canonicalBody
	return json.Unmarshal([]byte(body), &c) == nil
}

// Normalize converts an outbox record into the canonical envelope. It is total
// and deterministic: a malformed legacy row degrades to a best-effort envelope
// instead of failing, so it cannot block the rest of a batch.
func Normalize(record *schema.OutboxRecord) (*DomainEventEnvelope, Format) {
	format := DetectFormat(record.Payload)
	switch format {
	case FormatCanonical:
		return normalizeCanonical(record), format
	case FormatLegacyWrapped:
		return normalizeLegacyWrapped(record), format
	default:
		return normalizeRawPassthrough(record), format
	}
}

func normalizeCanonical(record *schema.OutboxRecord) *DomainEventEnvelope {
	var body canonicalBody
	// DetectFormat already proved this parses.
	json.Unmarshal([]byte(strings.TrimSpace(record.Payload)), &body)

	env := &DomainEventEnvelope{
		EventID:       body.EventID,
		EventType:     body.EventType,
		AggregateType: body.AggregateType,
		AggregateID:   body.AggregateID,
		OccurredAt:    body.OccurredAt,
		Version:       body.Version,
		Payload:       rawToString(body.Payload),
		Actor:         body.Actor,
		EffectiveDate: body.EffectiveDate,
	}

	backfillFromRecord(env, record)

	if env.Payload == "" && strings.TrimSpace(record.Payload) != "" {
		env.Payload = extractPayload(record.Payload)
	}

	return env
}

func normalizeLegacyWrapped(record *schema.OutboxRecord) *DomainEventEnvelope {
	env := &DomainEventEnvelope{
		EventID:       record.ID,
		EventType:     record.Type,
		AggregateType: record.AggregateType,
		AggregateID:   record.AggregateID,
		OccurredAt:    record.OccurredAt,
		Version:       1,
	}

	trimmed := strings.TrimSpace(record.Payload)

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		if actor, ok := stringField(obj, "eventUser"); ok {
			env.Actor = actor
		}
		if env.AggregateID == "" {
			if id, ok := stringField(obj, "aggregateRootUUID"); ok {
				env.AggregateID = id
			}
		}
		if effective, ok := stringField(obj, "effectiveDate"); ok {
			env.EffectiveDate = effective
		}
	}

	env.Payload = extractPayload(trimmed)

	return env
}

func normalizeRawPassthrough(record *schema.OutboxRecord) *DomainEventEnvelope {
	return &DomainEventEnvelope{
		EventID:       record.ID,
		EventType:     record.Type,
		AggregateType: record.AggregateType,
		AggregateID:   record.AggregateID,
		OccurredAt:    record.OccurredAt,
		Version:       1,
		Payload:       record.Payload,
	}
}

// backfillFromRecord fills fields a canonical body left empty from the outbox
// row itself.
func backfillFromRecord(env *DomainEventEnvelope, record *schema.OutboxRecord) {
	if env.EventID == "" {
		env.EventID = record.ID
	}
	if env.EventType == "" {
		env.EventType = record.Type
	}
	if env.AggregateType == "" {
		env.AggregateType = record.AggregateType
	}
	if env.AggregateID == "" {
		env.AggregateID = record.AggregateID
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = record.OccurredAt
	}
	if env.Version == 0 {
		env.Version = 1
	}
}

// extractPayload pulls the event content out of a raw body: an explicit
// payload field wins, then eventContent, then the whole body when it is a JSON
// object or array. Returns "" when nothing extractable is found.
func extractPayload(body string) string {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return ""
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		if raw, ok := obj["payload"]; ok {
			return rawToString(raw)
		}
		if raw, ok := obj["eventContent"]; ok {
			return rawToString(raw)
		}
		return trimmed
	}

	if (trimmed[0] == '[') && json.Valid([]byte(trimmed)) {
		return trimmed
	}

	return ""
}

func stringField(obj map[string]json.RawMessage, name string) (string, bool) {
	raw, ok := obj[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

// rawToString unwraps a JSON string literal, otherwise returns the raw bytes
// verbatim so nested JSON keeps its original formatting.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
