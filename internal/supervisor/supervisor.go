package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/svcpanel/internal/backend"
	"github.com/loykin/svcpanel/internal/metrics"
	"github.com/loykin/svcpanel/internal/service"
)

// Probe answers read-only questions about a service.
type Probe interface {
	Exists(ctx context.Context, d service.Descriptor) bool
	QueryState(ctx context.Context, d service.Descriptor) service.State
}

// Executor applies transitions.
type Executor interface {
	Execute(ctx context.Context, d service.Descriptor, action service.Action) service.Outcome
	ExecuteGroup(ctx context.Context, kind service.Backend, ids []string, action service.Action) []backend.GroupOutcome
}

// entry wraps a record with bookkeeping that is not part of the public view.
type entry struct {
	rec service.Record
	// gen increases whenever a transition is accepted, so a refresh that
	// started earlier can tell its result is stale.
	gen uint64
	// probing is set while a refresh owns the entry.
	probing bool
}

// Supervisor owns one record per configured service. All record mutations go
// through s.mu; at most one transition per service is in flight, guarded by
// Record.Busy.
type Supervisor struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*entry

	probe  Probe
	exec   Executor
	logger *slog.Logger
	settle time.Duration
	hub    *hub

	discover sync.Once
	workers  sync.WaitGroup
	closed   bool
}

// ErrClosed is returned by Request after Close.
var ErrClosed = errors.New("supervisor closed")

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger; slog.Default() otherwise.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSettleDelay waits d after a successful control command before the
// verification probe, giving slow units time to report their new state.
func WithSettleDelay(d time.Duration) Option {
	return func(s *Supervisor) { s.settle = d }
}

// New creates a supervisor for the given descriptors. Records start as not
// installed with unknown state until Discover runs.
func New(descs []service.Descriptor, probe Probe, exec Executor, opts ...Option) *Supervisor {
	s := &Supervisor{
		entries: make(map[string]*entry, len(descs)),
		probe:   probe,
		exec:    exec,
		logger:  slog.Default(),
		hub:     newHub(),
	}
	for _, o := range opts {
		o(s)
	}
	s.hub.onDrop = func(id int) {
		s.logger.Warn("subscriber fell behind; disconnected", "subscriber", id, "pending", maxPending)
	}
	for _, d := range descs {
		if _, dup := s.entries[d.ID]; dup {
			continue
		}
		s.order = append(s.order, d.ID)
		s.entries[d.ID] = &entry{rec: service.Record{Descriptor: d, State: service.StateUnknown}}
	}
	return s
}

// Discover checks once whether every service exists on this host, then
// refreshes the ones that do. Later calls are no-ops. The result is never
// re-derived: a service installed while running is only seen after restart.
func (s *Supervisor) Discover(ctx context.Context) {
	s.discover.Do(func() {
		descs := s.Descriptors()
		found := make([]bool, len(descs))
		var wg sync.WaitGroup
		for i, d := range descs {
			wg.Add(1)
			go func(i int, d service.Descriptor) {
				defer wg.Done()
				found[i] = s.probe.Exists(ctx, d)
			}(i, d)
		}
		wg.Wait()

		s.mu.Lock()
		for i, d := range descs {
			exists := found[i]
			if !exists {
				s.logger.Warn("service not installed; controls disabled", "service", d.ID, "backend", d.Backend)
			}
			s.mutateLocked(d.ID, func(r *service.Record) { r.Exists = exists })
		}
		s.mu.Unlock()

		s.RefreshAll(ctx)
	})
}

// Descriptors returns the configured descriptors in order.
func (s *Supervisor) Descriptors() []service.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]service.Descriptor, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].rec.Descriptor)
	}
	return out
}

// Get returns a copy of one record.
func (s *Supervisor) Get(id string) (service.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return service.Record{}, fmt.Errorf("%w: %s", service.ErrUnknownService, id)
	}
	return e.rec, nil
}

// Snapshot returns copies of all records in configuration order.
func (s *Supervisor) Snapshot() []service.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]service.Record, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].rec)
	}
	return out
}

// Subscribe returns a stream of updates, one per record mutation, in mutation
// order. A subscriber that falls more than buffer plus a fixed backlog behind
// has its channel closed; others are unaffected. The returned func
// unsubscribes and closes the channel.
func (s *Supervisor) Subscribe(buffer int) (<-chan service.Update, func()) {
	return s.hub.subscribe(buffer)
}

// mutateLocked applies fn to the record, stamps it and notifies subscribers.
// s.mu must be held.
func (s *Supervisor) mutateLocked(id string, fn func(r *service.Record)) {
	e := s.entries[id]
	prev := e.rec
	fn(&e.rec)
	e.rec.Version++
	e.rec.UpdatedAt = time.Now()
	if prev.Busy != e.rec.Busy {
		metrics.SetBusy(id, e.rec.Busy)
	}
	if prev.State != e.rec.State || prev.Version == 0 {
		metrics.SetState(id, string(prev.State), string(e.rec.State), stateNames)
	}
	s.hub.publish(service.Update{ID: id, Record: e.rec})
}

var stateNames = func() []string {
	all := service.AllStates()
	out := make([]string, len(all))
	for i, st := range all {
		out[i] = string(st)
	}
	return out
}()

// Request accepts a transition for one service and runs it in the
// background. It fails fast with service.ErrUnknownService,
// service.ErrNotInstalled or service.ErrBusy without invoking anything.
// The channel receives exactly one Outcome after the verification probe.
func (s *Supervisor) Request(id string, action service.Action) (<-chan service.Outcome, error) {
	s.mu.Lock()
	e, ok := s.entries[id]
	switch {
	case s.closed:
		s.mu.Unlock()
		return nil, ErrClosed
	case !ok:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", service.ErrUnknownService, id)
	case !e.rec.Exists:
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", service.ErrNotInstalled, id)
	case e.rec.Busy:
		s.mu.Unlock()
		metrics.IncBusyRejection(id)
		s.logger.Debug("transition rejected", "service", id, "action", action, "reason", service.ErrBusy)
		return nil, fmt.Errorf("%w: %s", service.ErrBusy, id)
	}
	e.gen++
	s.mutateLocked(id, func(r *service.Record) { r.Busy = true })
	d := e.rec.Descriptor
	s.workers.Add(1)
	s.mu.Unlock()

	s.logger.Info("transition requested", "service", id, "action", action)
	done := make(chan service.Outcome, 1)
	go func() {
		defer s.workers.Done()
		done <- s.transition(d, action)
	}()
	return done, nil
}

// Do is Request followed by waiting for the outcome. If ctx ends first the
// transition keeps running and ctx.Err() is returned.
func (s *Supervisor) Do(ctx context.Context, id string, action service.Action) (service.Outcome, error) {
	ch, err := s.Request(id, action)
	if err != nil {
		return service.Outcome{}, err
	}
	select {
	case out := <-ch:
		return out, nil
	case <-ctx.Done():
		return service.Outcome{}, ctx.Err()
	}
}

// transition runs the control command and then resolves the record to what
// the probe reports. The requested state is never written directly.
func (s *Supervisor) transition(d service.Descriptor, action service.Action) service.Outcome {
	// invocations are bounded by their own timeouts only
	ctx := context.Background()
	out := s.exec.Execute(ctx, d, action)
	if out.Success && s.settle > 0 {
		time.Sleep(s.settle)
	}
	st := s.probe.QueryState(ctx, d)
	out.State = st
	out.Message = transitionMessage(d, action, out)

	s.mu.Lock()
	s.mutateLocked(d.ID, func(r *service.Record) {
		r.State = st
		r.Busy = false
		if out.Success {
			r.LastError = ""
		} else {
			r.LastError = out.Error
		}
	})
	s.mu.Unlock()

	if out.Success {
		s.logger.Info(out.Message, "service", d.ID, "state", st)
	} else {
		s.logger.Error(out.Message, "service", d.ID, "kind", out.Kind, "state", st)
	}
	return out
}

func transitionMessage(d service.Descriptor, action service.Action, out service.Outcome) string {
	label := d.Label
	if label == "" {
		label = d.ID
	}
	if out.Success {
		if action == service.ActionStart {
			return fmt.Sprintf("service %s started", label)
		}
		return fmt.Sprintf("service %s stopped", label)
	}
	return fmt.Sprintf("failed to %s %s: %s", action, label, out.Error)
}

// Refresh probes one idle, installed service and records the result. It is a
// no-op (returns false) while the service is busy, not installed, or already
// being probed.
func (s *Supervisor) Refresh(ctx context.Context, id string) bool {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok || !e.rec.Exists || e.rec.Busy || e.probing {
		s.mu.Unlock()
		return false
	}
	e.probing = true
	gen := e.gen
	d := e.rec.Descriptor
	s.mu.Unlock()

	st := s.probe.QueryState(ctx, d)

	s.mu.Lock()
	defer s.mu.Unlock()
	e.probing = false
	if ctx.Err() != nil {
		// cancelled probes say nothing about the service
		return false
	}
	if e.rec.Busy || e.gen != gen {
		// a transition took over while we were probing; it owns the record
		return false
	}
	s.mutateLocked(id, func(r *service.Record) {
		r.State = st
		if st != service.StateError {
			r.LastError = ""
		}
	})
	return true
}

// RefreshAll refreshes every idle installed service in parallel and returns
// how many records were updated.
func (s *Supervisor) RefreshAll(ctx context.Context) int {
	s.mu.Lock()
	ids := append([]string(nil), s.order...)
	s.mu.Unlock()
	return s.refreshMany(ctx, ids)
}

func (s *Supervisor) refreshMany(ctx context.Context, ids []string) int {
	var wg sync.WaitGroup
	var mu sync.Mutex
	n := 0
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if s.Refresh(ctx, id) {
				mu.Lock()
				n++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return n
}

// Close waits for in-flight transitions (or ctx) and closes all subscriptions.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.hub.close()
	return err
}
