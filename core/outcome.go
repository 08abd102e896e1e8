package core

// PublishOutcome records what happened at one sink during a publish call.
// It exists for operational diagnosis and test assertions; the error returned
// by the publisher remains the authoritative success signal.
type PublishOutcome struct {
	// Sink is the delivery target this outcome describes
	Sink Sink `json:"sink"`

	// Attempted is false when the sink was skipped (validation failure,
	// retention-exempt event, or an earlier sink failing)
	Attempted bool `json:"attempted"`

	// Succeeded reports whether the sink operation completed
	Succeeded bool `json:"succeeded"`

	// Attempts is the number of attempts issued, including the first
	Attempts int `json:"attempts"`

	// LastError is the error from the final attempt, if any. Excluded from
	// JSON; the publisher's returned error carries the message.
	LastError error `json:"-"`
}

// PublishResult aggregates the per-sink outcomes of one publish call.
type PublishResult struct {
	Bus   PublishOutcome `json:"bus"`
	Store PublishOutcome `json:"store"`
}
