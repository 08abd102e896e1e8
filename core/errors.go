package core

import (
	"errors"
	"fmt"
	"strings"
)

// Publishing error constants
var (
	// ErrLoadFailed wraps dimension loader failures
	ErrLoadFailed = errors.New("dimension load failed")

	// ErrUnknownFilterField is returned when a filter references a field the
	// dimension does not expose
	ErrUnknownFilterField = errors.New("unknown filter field")

	// ErrUnknownFilterOp is returned when a filter uses an unsupported operator
	ErrUnknownFilterOp = errors.New("unknown filter operator")
)

// Sink identifies an external delivery target.
type Sink string

const (
	// SinkBus is the message bus delivery target
	SinkBus Sink = "bus"
	// SinkStore is the analytical store delivery target
	SinkStore Sink = "store"
)

// ValidationError is returned when an event fails structural validation or a
// caller supplies conflicting message properties. No sink I/O was performed.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("security event validation failed: %s", strings.Join(e.Fields, ", "))
}

// SinkError is returned when a sink operation ultimately fails. Transient
// errors were retried up to the attempt budget before surfacing; permanent
// errors surface after a single attempt.
type SinkError struct {
	Sink      Sink
	Transient bool
	Attempts  int
	Err       error
}

func (e *SinkError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s sink failed (%s, %d attempts): %v", e.Sink, kind, e.Attempts, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}
