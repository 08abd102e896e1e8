// Package messaging publishes security events to the message bus and,
// conditionally, to the analytical store.
package messaging

import "context"

// Standard bus message property names. Caller-supplied custom properties
// must not collide with these.
const (
	PropEventType  = "EventType"
	PropOwnerID    = "OwnerId"
	PropSeverity   = "Severity"
	PropResourceID = "ResourceId"
	PropDetectedAt = "DetectedAt"
	PropTraceID    = "TraceId"
	PropSpanID     = "SpanId"
)

// Message is the wire shape delivered to the bus. ID is the delivery
// idempotency key; consumers deduplicate on it.
type Message struct {
	ID            string
	CorrelationID string
	ContentType   string
	Subject       string
	Body          []byte
	Properties    map[string]string
}

// BusSink delivers a message to one destination on the message bus.
type BusSink interface {
	Send(ctx context.Context, destination string, msg *Message) error
}

// StoreSink provisions schema and ingests event records in the analytical
// store. EnsureSchema must be idempotent and tolerate concurrent
// first-writers from other processes.
type StoreSink interface {
	EnsureSchema(ctx context.Context, database, table string) error
	Ingest(ctx context.Context, database, table string, body []byte) error
}
