package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// freshRegistry resets the registration gate so each test can register into
// its own registry.
func freshRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	regOK.Store(false)
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	return reg
}

func TestRegisterIdempotentAndCountersWork(t *testing.T) {
	reg := freshRegistry(t)
	// idempotent: calling again should be no-op
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}

	ObserveTransition("docker", "start", "ok", 0.4)
	IncProbeFailure("docker")
	IncBusyRejection("docker")
	SetBusy("docker", true)
	SetState("docker", "inactive", "active", []string{"active", "inactive"})
	IncBulk("stop", "ok")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	wantNames := map[string]bool{
		"svcpanel_service_transitions_total":           false,
		"svcpanel_service_transition_duration_seconds": false,
		"svcpanel_service_probe_failures_total":        false,
		"svcpanel_service_busy_rejections_total":       false,
		"svcpanel_service_busy":                        false,
		"svcpanel_service_state_changes_total":         false,
		"svcpanel_service_current_state":               false,
		"svcpanel_bulk_transitions_total":              false,
	}
	for _, mf := range mfs {
		n := mf.GetName()
		if _, ok := wantNames[n]; ok {
			wantNames[n] = true
			if len(mf.GetMetric()) == 0 {
				t.Fatalf("metric %s has no samples", n)
			}
		}
	}
	for n, ok := range wantNames {
		if !ok {
			t.Fatalf("expected to find metric %s", n)
		}
	}
}

func TestSetStateOneHot(t *testing.T) {
	freshRegistry(t)
	all := []string{"active", "inactive", "failed"}
	SetState("pg", "", "inactive", all)
	SetState("pg", "inactive", "active", all)

	if v := testutil.ToFloat64(currentStates.WithLabelValues("pg", "active")); v != 1 {
		t.Fatalf("active gauge = %v", v)
	}
	if v := testutil.ToFloat64(currentStates.WithLabelValues("pg", "inactive")); v != 0 {
		t.Fatalf("inactive gauge = %v", v)
	}
	if v := testutil.ToFloat64(stateChanges.WithLabelValues("pg", "inactive", "active")); v != 1 {
		t.Fatalf("state change counter = %v", v)
	}
	// same state again is not a change
	SetState("pg", "active", "active", all)
	if v := testutil.ToFloat64(stateChanges.WithLabelValues("pg", "inactive", "active")); v != 1 {
		t.Fatalf("state change counter after no-op = %v", v)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	// Handler serves the default registry.
	regOK.Store(false)
	if err := Register(prometheus.DefaultRegisterer); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	IncProbeFailure("x")

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != 200 {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	s := string(b)
	if !strings.Contains(s, "svcpanel_service_probe_failures_total") {
		t.Fatalf("metrics output missing probe_failures_total: %s", s[:min(200, len(s))])
	}
}

func TestConcurrentIncrements(t *testing.T) {
	reg := freshRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ObserveTransition("c", "stop", "rejected", 0.01)
			SetBusy("c", true)
			SetBusy("c", false)
		}()
	}
	wg.Wait()
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestMetricsBeforeRegister(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	// no-ops, must not panic
	ObserveTransition("test", "start", "ok", 1)
	IncProbeFailure("test")
	IncBusyRejection("test")
	SetBusy("test", true)
	SetState("test", "a", "b", []string{"a", "b"})
	IncBulk("start", "ok")
}

func TestRegisterError(t *testing.T) {
	originalState := regOK.Load()
	regOK.Store(false)
	defer regOK.Store(originalState)

	err := Register(&errorRegisterer{shouldError: true})
	if err == nil {
		t.Fatal("Register should return error from failing registerer")
	}
	if err.Error() != "test registration error" {
		t.Fatalf("unexpected error: %v", err)
	}
}

type errorRegisterer struct {
	shouldError bool
}

func (e *errorRegisterer) Register(prometheus.Collector) error {
	if e.shouldError {
		return errors.New("test registration error")
	}
	return nil
}

func (e *errorRegisterer) MustRegister(...prometheus.Collector) {}
func (e *errorRegisterer) Unregister(prometheus.Collector) bool { return false }
