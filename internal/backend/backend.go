package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loykin/svcpanel/internal/metrics"
	"github.com/loykin/svcpanel/internal/runner"
	"github.com/loykin/svcpanel/internal/service"
)

// Default time bounds for external commands.
const (
	DefaultProbeTimeout      = 5 * time.Second
	DefaultTransitionTimeout = 30 * time.Second
	DefaultBulkTimeout       = 60 * time.Second
)

// Controller is the capability set of one backend kind.
// Implementations must be safe for concurrent use.
type Controller interface {
	// Exists reports whether the service is known to the backend. Failures
	// are logged and reported as false.
	Exists(ctx context.Context, id string) bool
	// QueryState returns the current run state. Failures map to
	// service.StateError, malformed answers to service.StateUnknown.
	QueryState(ctx context.Context, id string) service.State
	// Execute applies a transition. It never returns an error.
	Execute(ctx context.Context, id string, action service.Action) service.Outcome
	// Describe returns a human-readable description of the backend.
	Describe() string
}

// BatchExecutor is implemented by controllers that can transition several
// services with a single invocation.
type BatchExecutor interface {
	ExecuteBatch(ctx context.Context, ids []string, action service.Action) service.Outcome
}

// Timeouts bounds each kind of invocation.
type Timeouts struct {
	Probe      time.Duration
	Transition time.Duration
	Bulk       time.Duration
}

// DefaultTimeouts returns the standard bounds (5s probe, 30s transition, 60s bulk).
func DefaultTimeouts() Timeouts {
	return Timeouts{Probe: DefaultProbeTimeout, Transition: DefaultTransitionTimeout, Bulk: DefaultBulkTimeout}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Probe <= 0 {
		t.Probe = d.Probe
	}
	if t.Transition <= 0 {
		t.Transition = d.Transition
	}
	if t.Bulk <= 0 {
		t.Bulk = d.Bulk
	}
	return t
}

// classify turns a finished control command into an Outcome.
func classify(res runner.Result, err error) service.Outcome {
	switch {
	case errors.Is(err, runner.ErrTimeout):
		return service.Failed(service.OutcomeTimeout, service.MsgTimeout)
	case err != nil:
		return service.Failed(service.OutcomeException, err.Error())
	case res.ExitCode != 0:
		msg := res.Diagnostic()
		if msg == "" {
			msg = service.MsgCancelled
		}
		return service.Failed(service.OutcomeRejected, msg)
	}
	return service.OK()
}

// GroupOutcome is the result of one invocation made during a group transition.
type GroupOutcome struct {
	IDs     []string        `json:"ids"`
	Outcome service.Outcome `json:"outcome"`
}

// Set dispatches probes and transitions to the controller registered for each
// backend kind.
type Set struct {
	controllers map[service.Backend]Controller
	logger      *slog.Logger
}

// NewSet builds a dispatcher over the given controllers.
func NewSet(logger *slog.Logger, controllers map[service.Backend]Controller) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	cs := make(map[service.Backend]Controller, len(controllers))
	for k, c := range controllers {
		cs[k] = c
	}
	return &Set{controllers: cs, logger: logger}
}

// Options configures the standard controllers built by New.
type Options struct {
	Runner    runner.Runner
	Systemctl string
	PM2       string
	// Elevate is the privilege wrapper prepended to systemctl control
	// commands, e.g. ["pkexec"]. Empty means none.
	Elevate  []string
	Timeouts Timeouts
	Logger   *slog.Logger
}

// New returns a Set with the systemd and pm2 controllers.
func New(opts Options) *Set {
	if opts.Runner == nil {
		opts.Runner = runner.Exec{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	t := opts.Timeouts.withDefaults()
	return NewSet(opts.Logger, map[service.Backend]Controller{
		service.BackendSystemd: &Systemd{
			Runner:    opts.Runner,
			Systemctl: opts.Systemctl,
			Elevate:   opts.Elevate,
			Timeouts:  t,
			Logger:    opts.Logger,
		},
		service.BackendPM2: &PM2{
			Runner:   opts.Runner,
			Binary:   opts.PM2,
			Timeouts: t,
			Logger:   opts.Logger,
		},
	})
}

func (s *Set) controller(kind service.Backend) (Controller, bool) {
	c, ok := s.controllers[kind]
	return c, ok
}

// Exists checks whether the described service can be controlled on this host.
func (s *Set) Exists(ctx context.Context, d service.Descriptor) bool {
	c, ok := s.controller(d.Backend)
	if !ok {
		s.logger.Error("no controller for backend", "service", d.ID, "backend", d.Backend)
		return false
	}
	return c.Exists(ctx, d.ID)
}

// QueryState returns the current state of the described service.
func (s *Set) QueryState(ctx context.Context, d service.Descriptor) service.State {
	c, ok := s.controller(d.Backend)
	if !ok {
		s.logger.Error("no controller for backend", "service", d.ID, "backend", d.Backend)
		metrics.IncProbeFailure(d.ID)
		return service.StateError
	}
	return c.QueryState(ctx, d.ID)
}

// Execute applies one transition to the described service.
func (s *Set) Execute(ctx context.Context, d service.Descriptor, action service.Action) service.Outcome {
	c, ok := s.controller(d.Backend)
	if !ok {
		return service.Failed(service.OutcomeException, fmt.Sprintf("no controller for backend %q", d.Backend))
	}
	start := time.Now()
	out := c.Execute(ctx, d.ID, action)
	metrics.ObserveTransition(d.ID, string(action), string(out.Kind), time.Since(start).Seconds())
	return out
}

// ExecuteGroup transitions all ids of one backend kind. Controllers that
// support batching get a single invocation; others are invoked once per id,
// sequentially. A failed invocation does not stop the remaining ones.
func (s *Set) ExecuteGroup(ctx context.Context, kind service.Backend, ids []string, action service.Action) []GroupOutcome {
	if len(ids) == 0 {
		return nil
	}
	c, ok := s.controller(kind)
	if !ok {
		return []GroupOutcome{{
			IDs:     append([]string(nil), ids...),
			Outcome: service.Failed(service.OutcomeException, fmt.Sprintf("no controller for backend %q", kind)),
		}}
	}
	if b, ok := c.(BatchExecutor); ok {
		start := time.Now()
		out := b.ExecuteBatch(ctx, ids, action)
		for _, id := range ids {
			metrics.ObserveTransition(id, string(action), string(out.Kind), time.Since(start).Seconds())
		}
		return []GroupOutcome{{IDs: append([]string(nil), ids...), Outcome: out}}
	}
	res := make([]GroupOutcome, 0, len(ids))
	for _, id := range ids {
		start := time.Now()
		out := c.Execute(ctx, id, action)
		metrics.ObserveTransition(id, string(action), string(out.Kind), time.Since(start).Seconds())
		res = append(res, GroupOutcome{IDs: []string{id}, Outcome: out})
	}
	return res
}

// Describe lists the registered backends.
func (s *Set) Describe(kind service.Backend) string {
	if c, ok := s.controller(kind); ok {
		return c.Describe()
	}
	return "none"
}
