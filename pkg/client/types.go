package client

import (
	"fmt"
	"net/http"
	"time"
)

// ServiceRecord is the daemon's view of one service.
type ServiceRecord struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Backend   string    `json:"backend"`
	Exists    bool      `json:"exists"`
	State     string    `json:"state"`
	Busy      bool      `json:"busy"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   uint64    `json:"version"`
}

// Outcome is the result of a start or stop request.
type Outcome struct {
	Success bool   `json:"success"`
	Kind    string `json:"kind"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message"`
	State   string `json:"state"`
}

// GroupOutcome is one invocation made during a bulk transition.
type GroupOutcome struct {
	IDs     []string `json:"ids"`
	Outcome Outcome  `json:"outcome"`
}

// BulkResult reports a start-all or stop-all run.
type BulkResult struct {
	Action           string         `json:"action"`
	Attempted        []string       `json:"attempted"`
	Skipped          []string       `json:"skipped,omitempty"`
	Invocations      []GroupOutcome `json:"invocations,omitempty"`
	NothingAvailable bool           `json:"nothing_available"`
	Success          bool           `json:"success"`
	Message          string         `json:"message"`
}

// RefreshResult is returned by Refresh.
type RefreshResult struct {
	Refreshed int    `json:"refreshed"`
	Message   string `json:"message"`
}

// Update is one change event from the daemon.
type Update struct {
	ID     string        `json:"id"`
	Record ServiceRecord `json:"record"`
}

// ErrorResponse represents an error response from the API
type ErrorResponse struct {
	Error string `json:"error"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// NotFound reports an unknown service id.
func (e *APIError) NotFound() bool { return e.Status == http.StatusNotFound }

// Conflict reports a busy or not installed service.
func (e *APIError) Conflict() bool { return e.Status == http.StatusConflict }
