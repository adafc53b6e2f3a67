package envelope

import (
	"encoding/json"
	"time"
)

// Format tags the shape an outbox payload was stored in. Historical producers
// wrote several shapes; each gets its own normalization path.
type Format int

const (
	// FormatCanonical is the current envelope JSON written by producers.
	FormatCanonical Format = iota
	// FormatLegacyWrapped is a JSON body that is not a canonical envelope
	// (older producers wrapped the event content in ad-hoc fields).
	FormatLegacyWrapped
	// FormatRawPassthrough is anything that is not a JSON object or array.
	FormatRawPassthrough
)

func (f Format) String() string {
	switch f {
	case FormatCanonical:
		return "canonical"
	case FormatLegacyWrapped:
		return "legacy-wrapped"
	default:
		return "raw-passthrough"
	}
}

// DomainEventEnvelope is the canonical in-memory event representation. It is
// built fresh per dispatch attempt and never persisted, so a retried record is
// renormalized from scratch.
type DomainEventEnvelope struct {
	EventID       string    `json:"eventId"`
	EventType     string    `json:"eventType"`
	AggregateType string    `json:"aggregateType,omitempty"`
	AggregateID   string    `json:"aggregateId"`
	OccurredAt    time.Time `json:"occurredAt"`
	Version       int       `json:"version"`
	Payload       string    `json:"payload,omitempty"`
	Actor         string    `json:"actor,omitempty"`
	EffectiveDate string    `json:"effectiveDate,omitempty"`
}

// ToJSON serializes the envelope for the internal bus.
func (e *DomainEventEnvelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// PayloadField returns the named field from the envelope payload, when the
// payload is a JSON object.
func (e *DomainEventEnvelope) PayloadField(name string) (string, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(e.Payload), &obj); err != nil {
		return "", false
	}
	raw, ok := obj[name]
	if !ok {
		return "", false
	}
	return rawToString(raw), true
}
