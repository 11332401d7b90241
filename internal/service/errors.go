package service

import "errors"

// Sentinel errors returned when a request cannot be accepted. None of them is a
// fault: they describe why nothing was invoked.
var (
	ErrUnknownService = errors.New("unknown service")
	ErrNotInstalled   = errors.New("service not installed")
	ErrBusy           = errors.New("already in progress")
)

// Messages used in outcomes.
const (
	MsgTimeout          = "operation took too long"
	MsgCancelled        = "cancelled by user or policy"
	MsgNothingAvailable = "nothing available"
)

// OutcomeKind classifies how a transition ended.
type OutcomeKind string

const (
	OutcomeOK OutcomeKind = "ok"
	// OutcomeTimeout: the control command exceeded its time bound.
	OutcomeTimeout OutcomeKind = "timeout"
	// OutcomeRejected: the control command exited nonzero, e.g. a dismissed
	// privilege prompt.
	OutcomeRejected OutcomeKind = "rejected"
	// OutcomeException: the control command could not be invoked.
	OutcomeException OutcomeKind = "exception"
)

// Outcome is the result of a transition. Executors never return errors; every
// failure path ends up here.
type Outcome struct {
	Success bool        `json:"success"`
	Kind    OutcomeKind `json:"kind"`
	// Error is the raw diagnostic for failed outcomes.
	Error string `json:"error,omitempty"`
	// Message is a user-facing notification line.
	Message string `json:"message,omitempty"`
	// State is the state observed by the verification probe, when one ran.
	State State `json:"state,omitempty"`
}

// OK builds a successful outcome.
func OK() Outcome { return Outcome{Success: true, Kind: OutcomeOK} }

// Failed builds a failed outcome of the given kind.
func Failed(kind OutcomeKind, msg string) Outcome {
	return Outcome{Success: false, Kind: kind, Error: msg}
}
