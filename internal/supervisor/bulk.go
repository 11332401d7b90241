package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/loykin/svcpanel/internal/backend"
	"github.com/loykin/svcpanel/internal/metrics"
	"github.com/loykin/svcpanel/internal/service"
)

// BulkResult reports a start-all/stop-all run.
type BulkResult struct {
	Action service.Action `json:"action"`
	// Attempted lists the services included in the fan-out.
	Attempted []string `json:"attempted"`
	// Skipped lists installed services left out because they were busy.
	Skipped          []string               `json:"skipped,omitempty"`
	Invocations      []backend.GroupOutcome `json:"invocations,omitempty"`
	NothingAvailable bool                   `json:"nothing_available"`
	Success          bool                   `json:"success"`
	Message          string                 `json:"message"`
}

// backendOrder is the order in which backend groups are invoked.
var backendOrder = map[service.Backend]int{service.BackendSystemd: 0, service.BackendPM2: 1}

// bulkTransition applies action to every installed service. Services are
// marked busy for the whole run so no single transition or refresh overlaps
// it. Per-backend invocations are best effort: a failure does not stop the
// rest. Afterwards every service is refreshed.
func (s *Supervisor) bulkTransition(ctx context.Context, action service.Action) BulkResult {
	res := BulkResult{Action: action}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		res.Message = ErrClosed.Error()
		return res
	}
	var held []service.Descriptor
	for _, id := range s.order {
		e := s.entries[id]
		if !e.rec.Exists {
			continue
		}
		if e.rec.Busy {
			res.Skipped = append(res.Skipped, id)
			continue
		}
		e.gen++
		s.mutateLocked(id, func(r *service.Record) { r.Busy = true })
		held = append(held, e.rec.Descriptor)
		res.Attempted = append(res.Attempted, id)
	}
	if len(held) > 0 {
		s.workers.Add(1)
		defer s.workers.Done()
	}
	s.mu.Unlock()

	if len(held) == 0 {
		if len(res.Skipped) == 0 {
			res.NothingAvailable = true
			res.Message = service.MsgNothingAvailable
			metrics.IncBulk(string(action), "empty")
			s.logger.Warn("bulk transition: nothing available", "action", action)
			return res
		}
		res.Message = fmt.Sprintf("all %d services are busy", len(res.Skipped))
		metrics.IncBulk(string(action), "busy")
		return res
	}

	s.logger.Info("bulk transition", "action", action, "services", len(held))

	groups := make(map[service.Backend][]string)
	var kinds []service.Backend
	for _, d := range held {
		if _, ok := groups[d.Backend]; !ok {
			kinds = append(kinds, d.Backend)
		}
		groups[d.Backend] = append(groups[d.Backend], d.ID)
	}
	sort.SliceStable(kinds, func(i, j int) bool { return rank(kinds[i]) < rank(kinds[j]) })

	// not cancellable mid-flight; timeouts bound each invocation
	runCtx := context.WithoutCancel(ctx)
	failedBy := make(map[string]string)
	failures := 0
	for _, k := range kinds {
		outs := s.exec.ExecuteGroup(runCtx, k, groups[k], action)
		for _, o := range outs {
			res.Invocations = append(res.Invocations, o)
			if o.Outcome.Success {
				continue
			}
			failures++
			for _, id := range o.IDs {
				failedBy[id] = o.Outcome.Error
			}
			s.logger.Error("bulk invocation failed", "action", action, "services", o.IDs, "kind", o.Outcome.Kind, "error", o.Outcome.Error)
		}
	}

	s.release(runCtx, held, failedBy)
	// held services were just probed; refresh the rest
	s.refreshMany(ctx, s.idsExcept(held))

	res.Success = failures == 0
	res.Message = bulkMessage(action, failures, len(res.Invocations), len(res.Skipped))
	result := "ok"
	if !res.Success {
		result = "partial"
	}
	metrics.IncBulk(string(action), result)
	return res
}

func (s *Supervisor) idsExcept(held []service.Descriptor) []string {
	skip := make(map[string]bool, len(held))
	for _, d := range held {
		skip[d.ID] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, id := range s.order {
		if !skip[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// bulkMessage is the user-facing summary of a bulk run that invoked something.
func bulkMessage(action service.Action, failures, invocations, skipped int) string {
	verb := "started"
	if action == service.ActionStop {
		verb = "stopped"
	}
	var msg string
	switch {
	case failures > 0:
		msg = fmt.Sprintf("%d of %d invocations failed", failures, invocations)
	case skipped > 0:
		msg = "all attempted services " + verb
	default:
		return "all services " + verb
	}
	if skipped > 0 {
		msg += fmt.Sprintf(" (%d busy, skipped)", skipped)
	}
	return msg
}

func rank(b service.Backend) int {
	if r, ok := backendOrder[b]; ok {
		return r
	}
	return len(backendOrder)
}

// release probes every held service in parallel and clears its busy flag.
func (s *Supervisor) release(ctx context.Context, held []service.Descriptor, failedBy map[string]string) {
	states := make([]service.State, len(held))
	var wg sync.WaitGroup
	for i, d := range held {
		wg.Add(1)
		go func(i int, d service.Descriptor) {
			defer wg.Done()
			states[i] = s.probe.QueryState(ctx, d)
		}(i, d)
	}
	wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range held {
		st := states[i]
		msg := failedBy[d.ID]
		s.mutateLocked(d.ID, func(r *service.Record) {
			r.State = st
			r.Busy = false
			r.LastError = msg
		})
	}
}
