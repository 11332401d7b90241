package service

import (
	"fmt"
	"strings"
	"time"
)

// Backend identifies which control subsystem manages a service.
type Backend string

const (
	// BackendSystemd services are init-system units controlled through systemctl.
	BackendSystemd Backend = "systemd"
	// BackendPM2 services are applications hosted by the pm2 process manager.
	BackendPM2 Backend = "pm2"
)

// ParseBackend accepts the configuration spelling of a backend kind.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "systemd", "system", "":
		return BackendSystemd, nil
	case "pm2", "process-manager":
		return BackendPM2, nil
	}
	return "", fmt.Errorf("unknown backend %q (want systemd or pm2)", s)
}

// Action is a requested transition.
type Action string

const (
	ActionStart Action = "start"
	ActionStop  Action = "stop"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionStart:
		return ActionStart, nil
	case ActionStop:
		return ActionStop, nil
	}
	return "", fmt.Errorf("unknown action %q (want start or stop)", s)
}

// Descriptor is the static description of a supervised service.
type Descriptor struct {
	ID      string  `json:"id"`
	Label   string  `json:"label"`
	Backend Backend `json:"backend"`
}

// Record is the mutable view of one service. Only the supervisor writes it;
// everything handed out is a copy.
type Record struct {
	Descriptor
	Exists    bool      `json:"exists"`
	State     State     `json:"state"`
	Busy      bool      `json:"busy"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	// Version increases with every mutation of this record.
	Version uint64 `json:"version"`
}

// Update is what subscribers receive after every record mutation.
type Update struct {
	ID     string `json:"id"`
	Record Record `json:"record"`
}
