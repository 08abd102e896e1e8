package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/824df9b7-1455-42d3-8a1f-d4e89ba190fd/trickle/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// mockBus records sent messages and fails on demand.
type mockBus struct {
	sent     []*Message
	dests    []string
	failures int
	err      error
}

func (m *mockBus) Send(ctx context.Context, destination string, msg *Message) error {
	if m.failures > 0 {
		m.failures--
		return m.err
	}
	m.sent = append(m.sent, msg)
	m.dests = append(m.dests, destination)
	return nil
}

// mockStore records schema and ingest calls and fails on demand.
type mockStore struct {
	ensured    []string
	ingested   []string
	bodies     [][]byte
	ensureErr  error
	ingestErrs int
	ingestErr  error
}

func (m *mockStore) EnsureSchema(ctx context.Context, database, table string) error {
	if m.ensureErr != nil {
		return m.ensureErr
	}
	m.ensured = append(m.ensured, database+"."+table)
	return nil
}

func (m *mockStore) Ingest(ctx context.Context, database, table string, body []byte) error {
	if m.ingestErrs > 0 {
		m.ingestErrs--
		return m.ingestErr
	}
	m.ingested = append(m.ingested, database+"."+table)
	m.bodies = append(m.bodies, body)
	return nil
}

func newTestPublisher(t *testing.T, bus *mockBus, store *mockStore) (*Publisher, *recordingSleep) {
	t.Helper()
	p := NewPublisher(bus, ClassifyBusError, store, func(error) ErrorClass { return ClassRetryable }, Options{}, zaptest.NewLogger(t).Sugar())
	sleep := &recordingSleep{}
	p.sleep = sleep.sleep
	return p, sleep
}

func alertEvent() *core.SecurityEvent {
	return &core.SecurityEvent{
		EventID:    "e1",
		EventType:  "AlertEvent",
		DetectedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		OwnerID:    "O1",
		Severity:   core.SeverityHigh,
		ResourceID: "r1",
	}
}

func TestPublish_EligibleEventHitsBothSinks(t *testing.T) {
	bus := &mockBus{}
	store := &mockStore{}
	p, _ := newTestPublisher(t, bus, store)

	res, err := p.Publish(context.Background(), alertEvent(), nil, "")
	require.NoError(t, err)

	require.Len(t, bus.sent, 1)
	msg := bus.sent[0]
	assert.Equal(t, "e1", msg.ID)
	assert.Equal(t, "e1", msg.CorrelationID)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, "AlertEvent", msg.Subject)
	assert.Equal(t, "security-events", bus.dests[0])

	// The store target derives from the lower-cased owner id
	require.Len(t, store.ingested, 1)
	assert.Equal(t, "trickle_o1.SecurityEvents", store.ingested[0])
	assert.Equal(t, []string{"trickle_o1.SecurityEvents"}, store.ensured)

	// Both sinks carry the same idempotency key
	var stored map[string]interface{}
	require.NoError(t, json.Unmarshal(store.bodies[0], &stored))
	assert.Equal(t, "e1", stored["eventId"])

	assert.True(t, res.Bus.Succeeded)
	assert.Equal(t, 1, res.Bus.Attempts)
	assert.True(t, res.Store.Succeeded)
	assert.Equal(t, 1, res.Store.Attempts)
}

func TestPublish_StandardMessageProperties(t *testing.T) {
	bus := &mockBus{}
	p, _ := newTestPublisher(t, bus, &mockStore{})

	_, err := p.Publish(context.Background(), alertEvent(), nil, "")
	require.NoError(t, err)

	props := bus.sent[0].Properties
	assert.Equal(t, "AlertEvent", props[PropEventType])
	assert.Equal(t, "O1", props[PropOwnerID])
	assert.Equal(t, "High", props[PropSeverity])
	assert.Equal(t, "r1", props[PropResourceID])
	assert.Equal(t, "2026-03-01T12:00:00Z", props[PropDetectedAt])

	// No active span, no trace properties
	_, hasTrace := props[PropTraceID]
	assert.False(t, hasTrace)
}

func TestPublish_OwnerFallsBackToUnknown(t *testing.T) {
	bus := &mockBus{}
	store := &mockStore{}
	p, _ := newTestPublisher(t, bus, store)

	ev := alertEvent()
	ev.OwnerID = ""
	_, err := p.Publish(context.Background(), ev, nil, "")
	require.NoError(t, err)

	assert.Equal(t, "unknown", bus.sent[0].Properties[PropOwnerID])
	assert.Equal(t, "trickle_unknown.SecurityEvents", store.ingested[0])
}

func TestPublish_NotificationEventSkipsStore(t *testing.T) {
	bus := &mockBus{}
	store := &mockStore{}
	p, _ := newTestPublisher(t, bus, store)

	ev := alertEvent()
	ev.EventID = "e2"
	ev.EventType = "FooNotificationEvent"

	res, err := p.Publish(context.Background(), ev, nil, "")
	require.NoError(t, err)

	assert.Len(t, bus.sent, 1)
	assert.Empty(t, store.ingested)
	assert.Empty(t, store.ensured)
	assert.True(t, res.Bus.Succeeded)
	assert.False(t, res.Store.Attempted)
}

func TestPublish_InvalidEventTouchesNoSink(t *testing.T) {
	bus := &mockBus{}
	store := &mockStore{}
	p, _ := newTestPublisher(t, bus, store)

	ev := alertEvent()
	ev.EventID = ""

	res, err := p.Publish(context.Background(), ev, nil, "")

	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "eventId is required")
	assert.Empty(t, bus.sent)
	assert.Empty(t, store.ingested)
	assert.False(t, res.Bus.Attempted)
	assert.False(t, res.Store.Attempted)
}

func TestPublish_NilEvent(t *testing.T) {
	p, _ := newTestPublisher(t, &mockBus{}, &mockStore{})

	_, err := p.Publish(context.Background(), nil, nil, "")
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestPublish_CustomPropertiesMergedLast(t *testing.T) {
	bus := &mockBus{}
	p, _ := newTestPublisher(t, bus, &mockStore{})

	_, err := p.Publish(context.Background(), alertEvent(), map[string]string{"Cluster": "prod-eu"}, "")
	require.NoError(t, err)
	assert.Equal(t, "prod-eu", bus.sent[0].Properties["Cluster"])
}

func TestPublish_CustomPropertyConflictIsCallerError(t *testing.T) {
	bus := &mockBus{}
	store := &mockStore{}
	p, _ := newTestPublisher(t, bus, store)

	_, err := p.Publish(context.Background(), alertEvent(), map[string]string{PropEventType: "Spoofed"}, "")

	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, bus.sent)
	assert.Empty(t, store.ingested)
}

func TestPublish_BusRetriesThenSucceeds(t *testing.T) {
	bus := &mockBus{failures: 2, err: errors.New("LOADING dataset")}
	store := &mockStore{}
	p, sleep := newTestPublisher(t, bus, store)

	res, err := p.Publish(context.Background(), alertEvent(), nil, "")
	require.NoError(t, err)

	assert.Equal(t, 3, res.Bus.Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, sleep.delays)
	assert.Len(t, bus.sent, 1)
	assert.Len(t, store.ingested, 1)
}

func TestPublish_BusFatalFailsImmediately(t *testing.T) {
	bus := &mockBus{failures: 1, err: errors.New("WRONGTYPE key")}
	store := &mockStore{}
	p, sleep := newTestPublisher(t, bus, store)

	res, err := p.Publish(context.Background(), alertEvent(), nil, "")

	var serr *core.SinkError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, core.SinkBus, serr.Sink)
	assert.False(t, serr.Transient)
	assert.Equal(t, 1, serr.Attempts)

	assert.Equal(t, 1, res.Bus.Attempts)
	assert.False(t, res.Bus.Succeeded)
	assert.Empty(t, sleep.delays)

	// The store is never attempted after a bus failure
	assert.Empty(t, store.ensured)
	assert.Empty(t, store.ingested)
	assert.False(t, res.Store.Attempted)
}

func TestPublish_BusRetriesExhausted(t *testing.T) {
	bus := &mockBus{failures: 5, err: errors.New("LOADING dataset")}
	p, _ := newTestPublisher(t, bus, &mockStore{})

	res, err := p.Publish(context.Background(), alertEvent(), nil, "")

	var serr *core.SinkError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, core.SinkBus, serr.Sink)
	assert.True(t, serr.Transient)
	assert.Equal(t, 3, serr.Attempts)
	assert.Equal(t, 3, res.Bus.Attempts)
}

func TestPublish_StoreFailureAfterBusSuccessStillFails(t *testing.T) {
	bus := &mockBus{}
	store := &mockStore{ingestErrs: 5, ingestErr: errors.New("too many parts")}
	p, _ := newTestPublisher(t, bus, store)

	res, err := p.Publish(context.Background(), alertEvent(), nil, "")

	var serr *core.SinkError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, core.SinkStore, serr.Sink)
	assert.Equal(t, 3, serr.Attempts)

	// The bus message went out; there is no rollback, the caller retries
	// with the same event id and consumers deduplicate
	assert.True(t, res.Bus.Succeeded)
	assert.Len(t, bus.sent, 1)
	assert.False(t, res.Store.Succeeded)
	assert.Equal(t, 3, res.Store.Attempts)
}

func TestPublish_DestinationOverride(t *testing.T) {
	bus := &mockBus{}
	p, _ := newTestPublisher(t, bus, &mockStore{})

	_, err := p.Publish(context.Background(), alertEvent(), nil, "alerts-priority")
	require.NoError(t, err)
	assert.Equal(t, "alerts-priority", bus.dests[0])
}

func TestPublish_CancellationIsDistinct(t *testing.T) {
	bus := &mockBus{failures: 5, err: errors.New("LOADING dataset")}
	p, _ := newTestPublisher(t, bus, &mockStore{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Publish(ctx, alertEvent(), nil, "")
	require.ErrorIs(t, err, context.Canceled)

	var serr *core.SinkError
	assert.False(t, errors.As(err, &serr))
}

func TestStoreOnly_SkipsBusAndEligibility(t *testing.T) {
	bus := &mockBus{}
	store := &mockStore{}
	p, _ := newTestPublisher(t, bus, store)

	// Even a retention-exempt notification event is stored on explicit request
	ev := alertEvent()
	ev.EventType = "FooNotificationEvent"

	out, err := p.StoreOnly(context.Background(), ev, "", "")
	require.NoError(t, err)

	assert.True(t, out.Succeeded)
	assert.Empty(t, bus.sent)
	assert.Len(t, store.ingested, 1)
}

func TestStoreOnly_Overrides(t *testing.T) {
	store := &mockStore{}
	p, _ := newTestPublisher(t, &mockBus{}, store)

	_, err := p.StoreOnly(context.Background(), alertEvent(), "archive", "Backfill")
	require.NoError(t, err)
	assert.Equal(t, []string{"archive.Backfill"}, store.ingested)
	assert.Equal(t, []string{"archive.Backfill"}, store.ensured)
}

func TestStoreOnly_NilEvent(t *testing.T) {
	p, _ := newTestPublisher(t, &mockBus{}, &mockStore{})
	_, err := p.StoreOnly(context.Background(), nil, "", "")
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
}
