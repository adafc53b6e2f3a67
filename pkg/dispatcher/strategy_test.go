package dispatcher

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewplan/outbox-dispatcher/pkg/envelope"
	"github.com/crewplan/outbox-dispatcher/pkg/topics"
	"github.com/crewplan/outbox-dispatcher/schema"
)

func testMapper() topics.TopicMapper {
	return topics.NewStaticTopicMapper(map[string]string{
		"consultant.created":            "consultant-events",
		"consultant.status.deleted":     "consultant-events",
		"consultant.allocation.changed": "allocation-events",
	})
}

func testRecord(eventType, payload string) *schema.OutboxRecord {
	record := schema.NewOutboxRecord("agg-1", "consultant", eventType, payload)
	record.ID = "rec-1"
	record.OccurredAt = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	return record
}

func TestSimpleStrategy_MappedType(t *testing.T) {
	strategy := newSimpleStrategy(testMapper(), "consultant.status.deleted", "2010-01-01")

	record := testRecord("consultant.created", `{"name":"alice"}`)
	env, _ := envelope.Normalize(record)

	messages, err := strategy.messages(record, env)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	msg := messages[0]
	assert.Equal(t, "consultant-events", msg.topic)
	assert.Equal(t, "agg-1", msg.key)
	assert.Equal(t, "rec-1", msg.headers["idempotency-key"])
	assert.Equal(t, "consultant.created", msg.headers["event-type"])

	var body dispatchMessage
	require.NoError(t, json.Unmarshal(msg.body, &body))
	assert.Equal(t, "agg-1", body.Key)
	assert.Equal(t, "2024-06-10", body.Date)
}

func TestSimpleStrategy_UnmappedType(t *testing.T) {
	strategy := newSimpleStrategy(testMapper(), "consultant.status.deleted", "2010-01-01")

	record := testRecord("consultant.unknown", `{}`)
	env, _ := envelope.Normalize(record)

	messages, err := strategy.messages(record, env)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestSimpleStrategy_DeletionUsesAnchorDate(t *testing.T) {
	strategy := newSimpleStrategy(testMapper(), "consultant.status.deleted", "2010-01-01")

	record := testRecord("consultant.status.deleted", `{"effectiveDate":"2024-06-01"}`)
	env, _ := envelope.Normalize(record)

	messages, err := strategy.messages(record, env)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	var body dispatchMessage
	require.NoError(t, json.Unmarshal(messages[0].body, &body))
	assert.Equal(t, "2010-01-01", body.Date)
}

func TestSimpleStrategy_PublishDatePreference(t *testing.T) {
	strategy := newSimpleStrategy(testMapper(), "consultant.status.deleted", "2010-01-01")
	strategy.now = func() time.Time {
		return time.Date(2024, 12, 24, 9, 0, 0, 0, time.UTC)
	}

	tests := []struct {
		name string
		env  *envelope.DomainEventEnvelope
		want string
	}{
		{
			name: "effective date wins",
			env: &envelope.DomainEventEnvelope{
				EventType:     "consultant.created",
				EffectiveDate: "2024-03-01",
				OccurredAt:    time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC),
			},
			want: "2024-03-01",
		},
		{
			name: "malformed effective date falls back to occurred at",
			env: &envelope.DomainEventEnvelope{
				EventType:     "consultant.created",
				EffectiveDate: "not-a-date",
				OccurredAt:    time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC),
			},
			want: "2024-06-10",
		},
		{
			name: "zero occurred at falls back to now",
			env: &envelope.DomainEventEnvelope{
				EventType: "consultant.created",
			},
			want: "2024-12-24",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, strategy.publishDate(tc.env))
		})
	}
}

func TestFanoutStrategy_OneMessagePerMonth(t *testing.T) {
	strategy := newFanoutStrategy(testMapper())

	record := testRecord("consultant.allocation.changed",
		`{"activeFrom":"2024-01-15","activeTo":"2024-03-10"}`)
	env, _ := envelope.Normalize(record)

	messages, err := strategy.messages(record, env)
	require.NoError(t, err)
	require.Len(t, messages, 3)

	wantMonths := []string{"2024-01", "2024-02", "2024-03"}
	seenKeys := make(map[string]bool)
	for i, msg := range messages {
		assert.Equal(t, "allocation-events", msg.topic)

		var body dispatchMessage
		require.NoError(t, json.Unmarshal(msg.body, &body))
		assert.Equal(t, wantMonths[i], body.Date)

		key := msg.headers["idempotency-key"]
		assert.Equal(t, "rec-1:"+wantMonths[i], key)
		assert.False(t, seenKeys[key], "idempotency keys must be distinct")
		seenKeys[key] = true
	}
}

func TestFanoutStrategy_SingleMonthRange(t *testing.T) {
	strategy := newFanoutStrategy(testMapper())

	record := testRecord("consultant.allocation.changed",
		`{"activeFrom":"2024-05-02","activeTo":"2024-05-28"}`)
	env, _ := envelope.Normalize(record)

	messages, err := strategy.messages(record, env)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "rec-1:2024-05", messages[0].headers["idempotency-key"])
}

func TestFanoutStrategy_InvalidRange(t *testing.T) {
	strategy := newFanoutStrategy(testMapper())

	tests := []struct {
		name    string
		payload string
	}{
		{"missing activeFrom", `{"activeTo":"2024-03-10"}`},
		{"missing activeTo", `{"activeFrom":"2024-01-15"}`},
		{"malformed date", `{"activeFrom":"15/01/2024","activeTo":"2024-03-10"}`},
		{"reversed range", `{"activeFrom":"2024-03-10","activeTo":"2024-01-15"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			record := testRecord("consultant.allocation.changed", tc.payload)
			env, _ := envelope.Normalize(record)

			messages, err := strategy.messages(record, env)
			assert.Error(t, err)
			assert.Nil(t, messages)
		})
	}
}

func TestFanoutStrategy_UnmappedType(t *testing.T) {
	strategy := newFanoutStrategy(topics.NewStaticTopicMapper(nil))

	record := testRecord("consultant.allocation.changed",
		`{"activeFrom":"2024-01-15","activeTo":"2024-03-10"}`)
	env, _ := envelope.Normalize(record)

	messages, err := strategy.messages(record, env)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestMonthsBetween_YearBoundary(t *testing.T) {
	months := monthsBetween(
		time.Date(2023, 11, 20, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC),
	)
	assert.Equal(t, []string{"2023-11", "2023-12", "2024-01", "2024-02"}, months)
}

func TestBaseHeaders_StoredHeadersPreserved(t *testing.T) {
	record := testRecord("consultant.created", `{}`)
	record.Headers = `{"trace-id":"abc","idempotency-key":"custom-key"}`
	env, _ := envelope.Normalize(record)

	headers := baseHeaders(record, env)
	assert.Equal(t, "abc", headers["trace-id"])
	assert.Equal(t, "custom-key", headers["idempotency-key"])
	assert.Equal(t, "consultant.created", headers["event-type"])
}

func TestBaseHeaders_MalformedStoredHeadersDropped(t *testing.T) {
	record := testRecord("consultant.created", `{}`)
	record.Headers = `not json`
	env, _ := envelope.Normalize(record)

	headers := baseHeaders(record, env)
	assert.Equal(t, "rec-1", headers["idempotency-key"])
}
