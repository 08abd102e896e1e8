package messaging

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestBus(t *testing.T) (*RedisBus, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	bus := NewRedisBus(mr.Addr(), "", 0, 4, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { _ = bus.Close() })
	return bus, mr
}

func TestRedisBus_Ping(t *testing.T) {
	bus, _ := newTestBus(t)
	require.NoError(t, bus.Ping(context.Background()))
}

func TestRedisBus_SendAppendsToStream(t *testing.T) {
	bus, mr := newTestBus(t)

	msg := &Message{
		ID:            "e1",
		CorrelationID: "corr-1",
		ContentType:   "application/json",
		Subject:       "AlertEvent",
		Body:          []byte(`{"eventId":"e1"}`),
		Properties:    map[string]string{PropEventType: "AlertEvent", PropOwnerID: "o1"},
	}

	require.NoError(t, bus.Send(context.Background(), "security-events", msg))

	entries, err := mr.Stream("security-events")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	values := map[string]string{}
	for i := 0; i+1 < len(entries[0].Values); i += 2 {
		values[entries[0].Values[i]] = entries[0].Values[i+1]
	}
	assert.Equal(t, "e1", values["id"])
	assert.Equal(t, "corr-1", values["correlation_id"])
	assert.Equal(t, "application/json", values["content_type"])
	assert.Equal(t, "AlertEvent", values["subject"])
	assert.Equal(t, `{"eventId":"e1"}`, values["body"])

	var props map[string]string
	require.NoError(t, json.Unmarshal([]byte(values["properties"]), &props))
	assert.Equal(t, "AlertEvent", props[PropEventType])
	assert.Equal(t, "o1", props[PropOwnerID])
}

func TestRedisBus_SendToSeparateStreams(t *testing.T) {
	bus, mr := newTestBus(t)
	ctx := context.Background()

	msg := &Message{ID: "e1", Subject: "AlertEvent", Body: []byte(`{}`)}
	require.NoError(t, bus.Send(ctx, "alerts", msg))
	require.NoError(t, bus.Send(ctx, "alerts", msg))
	require.NoError(t, bus.Send(ctx, "audit", msg))

	alerts, err := mr.Stream("alerts")
	require.NoError(t, err)
	assert.Len(t, alerts, 2)

	audit, err := mr.Stream("audit")
	require.NoError(t, err)
	assert.Len(t, audit, 1)
}

func TestRedisBus_SendConnectionRefusedIsRetryable(t *testing.T) {
	bus, mr := newTestBus(t)
	mr.Close()

	err := bus.Send(context.Background(), "security-events", &Message{ID: "e1", Body: []byte(`{}`)})
	require.Error(t, err)
	assert.Equal(t, ClassRetryable, ClassifyBusError(err))
}
