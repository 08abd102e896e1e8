package core

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity is the severity level of a security event.
type Severity string

const (
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// String returns the severity as a string.
func (s Severity) String() string {
	return string(s)
}

// retentionExemptSuffix marks event types that are delivered but never
// persisted to the analytical store.
const retentionExemptSuffix = "notificationevent"

// SecurityEvent is the common shape of every event flowing through the
// platform. EventID doubles as the idempotency key across both sinks, so a
// caller-side retry of a failed publish is safe for downstream consumers.
type SecurityEvent struct {
	// EventID uniquely identifies this event
	EventID string `json:"eventId"`

	// EventType drives routing and retention policy
	EventType string `json:"eventType"`

	// DetectedAt is when the event was detected
	DetectedAt time.Time `json:"detectedAt"`

	// OwnerID scopes the event to a tenant and selects the store database
	OwnerID string `json:"ownerId,omitempty"`

	// Severity is the severity level of the event
	Severity Severity `json:"severity"`

	// ResourceID is the resource this event relates to
	ResourceID string `json:"resourceId"`

	// CorrelationID links related events; defaults to EventID when empty
	CorrelationID string `json:"correlationId,omitempty"`

	// Metadata carries additional key-value context
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewSecurityEvent creates an event of the given type with a generated id,
// the current UTC detection time and Low severity.
func NewSecurityEvent(eventType string) *SecurityEvent {
	return &SecurityEvent{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		DetectedAt: time.Now().UTC(),
		Severity:   SeverityLow,
		Metadata:   make(map[string]string),
	}
}

// Validate checks the structural invariants of the event. It accumulates
// every violation instead of stopping at the first one, so callers see all
// problems in a single pass. No I/O is performed.
func (e *SecurityEvent) Validate() (bool, []string) {
	var errs []string

	if e.EventID == "" {
		errs = append(errs, "eventId is required")
	}
	if e.EventType == "" {
		errs = append(errs, "eventType is required")
	}
	if e.DetectedAt.IsZero() {
		errs = append(errs, "detectedAt is required")
	}
	if e.ResourceID == "" {
		errs = append(errs, "resourceId is required")
	}

	return len(errs) == 0, errs
}

// EffectiveCorrelationID returns the correlation id, falling back to the
// event id when none was set.
func (e *SecurityEvent) EffectiveCorrelationID() string {
	if e.CorrelationID != "" {
		return e.CorrelationID
	}
	return e.EventID
}

// RetentionEligible reports whether the event must be persisted to the
// analytical store in addition to being delivered on the bus. Notification
// events are delivery-only.
func (e *SecurityEvent) RetentionEligible() bool {
	return !strings.HasSuffix(strings.ToLower(e.EventType), retentionExemptSuffix)
}

// ToJSON serializes the event to compact camelCase JSON with empty optional
// fields omitted. This is the canonical wire body for both sinks.
func (e *SecurityEvent) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}
