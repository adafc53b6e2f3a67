package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewplan/outbox-dispatcher/pkg/config"
	"github.com/crewplan/outbox-dispatcher/pkg/flags"
	"github.com/crewplan/outbox-dispatcher/pkg/telemetry"
	"github.com/crewplan/outbox-dispatcher/schema"
)

type mockRepository struct {
	records    []schema.OutboxRecord
	fetchErr   error
	fetchCalls int

	processed    []string
	failed       map[string]time.Time
	deadLettered []string
}

func newMockRepository(records ...schema.OutboxRecord) *mockRepository {
	return &mockRepository{records: records, failed: make(map[string]time.Time)}
}

func (m *mockRepository) Insert(_ context.Context, record *schema.OutboxRecord) error {
	m.records = append(m.records, *record)
	return nil
}

func (m *mockRepository) FetchUnprocessed(_ context.Context, batchSize int) ([]schema.OutboxRecord, error) {
	m.fetchCalls++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	if len(m.records) > batchSize {
		return m.records[:batchSize], nil
	}
	return m.records, nil
}

func (m *mockRepository) MarkProcessed(_ context.Context, recordID string) error {
	m.processed = append(m.processed, recordID)
	return nil
}

func (m *mockRepository) MarkFailedAttempt(_ context.Context, recordID string, nextAttemptAt time.Time) error {
	m.failed[recordID] = nextAttemptAt
	return nil
}

func (m *mockRepository) MarkDeadLettered(_ context.Context, recordID string) error {
	m.deadLettered = append(m.deadLettered, recordID)
	return nil
}

type sentMessage struct {
	topic   string
	key     string
	body    []byte
	headers map[string]string
}

type mockPublisher struct {
	sends      []sentMessage
	failKeys   map[string]error
	failTopics map[string]error
}

func (m *mockPublisher) SendWithHeaders(_ context.Context, topic, key string, body []byte, headers map[string]string, _ bool) error {
	if err := m.failKeys[key]; err != nil {
		return err
	}
	if err := m.failTopics[topic]; err != nil {
		return err
	}
	m.sends = append(m.sends, sentMessage{topic: topic, key: key, body: body, headers: headers})
	return nil
}

func (m *mockPublisher) Close() error { return nil }

type mockBus struct {
	published map[string][][]byte
	err       error
}

func newMockBus() *mockBus {
	return &mockBus{published: make(map[string][][]byte)}
}

func (m *mockBus) Publish(_ context.Context, address string, body []byte) error {
	if m.err != nil {
		return m.err
	}
	m.published[address] = append(m.published[address], body)
	return nil
}

func (m *mockBus) Close() error { return nil }

func testSettings() *config.Settings {
	return &config.Settings{
		Broker: config.BrokerSettings{
			Type:       "rabbitmq",
			RequireAck: true,
		},
		Bus: config.BusSettings{
			AddressPrefix: "events",
		},
		PollInterval:      5 * time.Second,
		BatchSize:         100,
		MaxRetries:        3,
		RetryBackoff:      2 * time.Second,
		DeadLetterTopic:   "outbox-dead-letter",
		DeletionEventType: "consultant.status.deleted",
		RangeEventType:    "consultant.allocation.changed",
		AnchorDate:        "2010-01-01",
	}
}

func testFlags(dispatcher, brokerPublish, busPublish bool) flags.Source {
	return flags.NewStaticSource(config.FlagSettings{
		DispatcherEnabled:    dispatcher,
		BrokerPublishEnabled: brokerPublish,
		BusPublishEnabled:    busPublish,
	})
}

func newTestDispatcher(repo *mockRepository, publisher *mockPublisher, eventBus *mockBus, flagSrc flags.Source) *Dispatcher {
	return NewDispatcher(
		repo,
		publisher,
		eventBus,
		testMapper(),
		flagSrc,
		telemetry.NewMetrics(prometheus.NewRegistry()),
		zerolog.Nop(),
		testSettings(),
	)
}

func recordWithID(id, eventType, payload string) schema.OutboxRecord {
	record := schema.NewOutboxRecord("agg-"+id, "consultant", eventType, payload)
	record.ID = id
	record.OccurredAt = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	return *record
}

func TestDispatch_PublishesAndCompletes(t *testing.T) {
	repo := newMockRepository(recordWithID("r1", "consultant.created", `{"name":"alice"}`))
	publisher := &mockPublisher{}
	eventBus := newMockBus()

	d := newTestDispatcher(repo, publisher, eventBus, testFlags(true, true, true))
	d.Dispatch(context.Background())

	require.Len(t, publisher.sends, 1)
	assert.Equal(t, "consultant-events", publisher.sends[0].topic)
	assert.Equal(t, "agg-r1", publisher.sends[0].key)
	assert.Equal(t, "r1", publisher.sends[0].headers["idempotency-key"])

	require.Len(t, eventBus.published["events.consultant.created"], 1)
	assert.Equal(t, []string{"r1"}, repo.processed)
}

func TestDispatch_DispatcherDisabled_NoFetch(t *testing.T) {
	repo := newMockRepository(recordWithID("r1", "consultant.created", `{}`))
	d := newTestDispatcher(repo, &mockPublisher{}, newMockBus(), testFlags(false, true, true))

	d.Dispatch(context.Background())

	assert.Zero(t, repo.fetchCalls)
}

func TestDispatch_AllPublishPathsDisabled_NoFetch(t *testing.T) {
	repo := newMockRepository(recordWithID("r1", "consultant.created", `{}`))
	d := newTestDispatcher(repo, &mockPublisher{}, newMockBus(), testFlags(true, false, false))

	d.Dispatch(context.Background())

	assert.Zero(t, repo.fetchCalls)
}

func TestDispatch_SingleFlight(t *testing.T) {
	repo := newMockRepository(recordWithID("r1", "consultant.created", `{}`))
	d := newTestDispatcher(repo, &mockPublisher{}, newMockBus(), testFlags(true, true, true))

	d.running.Store(true)
	d.Dispatch(context.Background())
	assert.Zero(t, repo.fetchCalls)

	d.running.Store(false)
	d.Dispatch(context.Background())
	assert.Equal(t, 1, repo.fetchCalls)
}

func TestDispatch_UnmappedTypeStillCompleted(t *testing.T) {
	repo := newMockRepository(recordWithID("r1", "consultant.unknown", `{}`))
	publisher := &mockPublisher{}

	d := newTestDispatcher(repo, publisher, newMockBus(), testFlags(true, true, false))
	d.Dispatch(context.Background())

	assert.Empty(t, publisher.sends)
	assert.Equal(t, []string{"r1"}, repo.processed)
}

func TestDispatch_PartialBatchFailure(t *testing.T) {
	repo := newMockRepository(
		recordWithID("r1", "consultant.created", `{}`),
		recordWithID("r2", "consultant.created", `{}`),
		recordWithID("r3", "consultant.created", `{}`),
	)
	publisher := &mockPublisher{failKeys: map[string]error{
		"agg-r2": errors.New("broker unavailable"),
	}}

	d := newTestDispatcher(repo, publisher, newMockBus(), testFlags(true, true, false))
	d.Dispatch(context.Background())

	assert.Equal(t, []string{"r1", "r3"}, repo.processed)
	assert.Contains(t, repo.failed, "r2")
	assert.Empty(t, repo.deadLettered)
}

func TestDispatch_RetryBackoffGrows(t *testing.T) {
	first := recordWithID("r1", "consultant.created", `{}`)
	second := recordWithID("r2", "consultant.created", `{}`)
	second.RetryCount = 1

	repo := newMockRepository(first, second)
	publisher := &mockPublisher{failKeys: map[string]error{
		"agg-r1": errors.New("down"),
		"agg-r2": errors.New("down"),
	}}

	d := newTestDispatcher(repo, publisher, newMockBus(), testFlags(true, true, false))
	before := time.Now()
	d.Dispatch(context.Background())

	firstDelay := repo.failed["r1"].Sub(before)
	secondDelay := repo.failed["r2"].Sub(before)
	assert.Greater(t, secondDelay, firstDelay)
}

func TestDispatch_DeadLetterAfterMaxRetries(t *testing.T) {
	record := recordWithID("r1", "consultant.created", `{}`)
	record.RetryCount = 2 // next failure is the third and last attempt

	repo := newMockRepository(record)
	publisher := &mockPublisher{failTopics: map[string]error{
		"consultant-events": errors.New("broker unavailable"),
	}}

	d := newTestDispatcher(repo, publisher, newMockBus(), testFlags(true, true, false))
	d.Dispatch(context.Background())

	assert.Equal(t, []string{"r1"}, repo.deadLettered)
	assert.Empty(t, repo.processed)

	require.Len(t, publisher.sends, 1)
	assert.Equal(t, "outbox-dead-letter", publisher.sends[0].topic)
}

func TestDispatch_BusFailureSchedulesRetry(t *testing.T) {
	repo := newMockRepository(recordWithID("r1", "consultant.created", `{}`))
	eventBus := newMockBus()
	eventBus.err = errors.New("redis down")

	d := newTestDispatcher(repo, &mockPublisher{}, eventBus, testFlags(true, false, true))
	d.Dispatch(context.Background())

	assert.Empty(t, repo.processed)
	assert.Contains(t, repo.failed, "r1")
}

func TestDispatch_FanoutRecord(t *testing.T) {
	repo := newMockRepository(recordWithID("r1", "consultant.allocation.changed",
		`{"activeFrom":"2024-01-15","activeTo":"2024-03-10"}`))
	publisher := &mockPublisher{}

	d := newTestDispatcher(repo, publisher, newMockBus(), testFlags(true, true, false))
	d.Dispatch(context.Background())

	require.Len(t, publisher.sends, 3)
	assert.Equal(t, "r1:2024-01", publisher.sends[0].headers["idempotency-key"])
	assert.Equal(t, "r1:2024-03", publisher.sends[2].headers["idempotency-key"])
	assert.Equal(t, []string{"r1"}, repo.processed)
}

func TestDispatch_FanoutBadRangeSchedulesRetry(t *testing.T) {
	repo := newMockRepository(recordWithID("r1", "consultant.allocation.changed",
		`{"activeFrom":"2024-03-10"}`))
	publisher := &mockPublisher{}

	d := newTestDispatcher(repo, publisher, newMockBus(), testFlags(true, true, false))
	d.Dispatch(context.Background())

	assert.Empty(t, publisher.sends)
	assert.Contains(t, repo.failed, "r1")
}

func TestDispatch_FetchError(t *testing.T) {
	repo := newMockRepository()
	repo.fetchErr = errors.New("connection refused")

	d := newTestDispatcher(repo, &mockPublisher{}, newMockBus(), testFlags(true, true, true))
	d.Dispatch(context.Background())

	assert.Equal(t, 1, repo.fetchCalls)
	assert.Empty(t, repo.processed)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	repo := newMockRepository()
	d := newTestDispatcher(repo, &mockPublisher{}, newMockBus(), testFlags(true, true, true))
	d.pollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := d.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, repo.fetchCalls, 0)
}
