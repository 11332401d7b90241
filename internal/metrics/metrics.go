package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcpanel",
			Subsystem: "service",
			Name:      "transitions_total",
			Help:      "Number of start/stop invocations by result kind.",
		}, []string{"service", "action", "result"},
	)
	transitionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "svcpanel",
			Subsystem: "service",
			Name:      "transition_duration_seconds",
			Help:      "Wall time of start/stop control commands.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"service", "action"},
	)
	probeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcpanel",
			Subsystem: "service",
			Name:      "probe_failures_total",
			Help:      "Number of state queries that could not be completed.",
		}, []string{"service"},
	)
	busyRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcpanel",
			Subsystem: "service",
			Name:      "busy_rejections_total",
			Help:      "Requests rejected because a transition was already in progress.",
		}, []string{"service"},
	)
	busy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "svcpanel",
			Subsystem: "service",
			Name:      "busy",
			Help:      "1 while a transition is in flight for the service.",
		}, []string{"service"},
	)
	stateChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcpanel",
			Subsystem: "service",
			Name:      "state_changes_total",
			Help:      "Number of observed state changes between probes.",
		}, []string{"service", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "svcpanel",
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current state of services (1 = in this state, 0 = not).",
		}, []string{"service", "state"},
	)
	bulkTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "svcpanel",
			Subsystem: "bulk",
			Name:      "transitions_total",
			Help:      "Number of start-all/stop-all runs by result.",
		}, []string{"action", "result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{transitions, transitionDuration, probeFailures, busyRejections, busy, stateChanges, currentStates, bulkTransitions}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func ObserveTransition(service, action, result string, seconds float64) {
	if regOK.Load() {
		transitions.WithLabelValues(service, action, result).Inc()
		transitionDuration.WithLabelValues(service, action).Observe(seconds)
	}
}

func IncProbeFailure(service string) {
	if regOK.Load() {
		probeFailures.WithLabelValues(service).Inc()
	}
}

func IncBusyRejection(service string) {
	if regOK.Load() {
		busyRejections.WithLabelValues(service).Inc()
	}
}

func SetBusy(service string, b bool) {
	if regOK.Load() {
		v := 0.0
		if b {
			v = 1
		}
		busy.WithLabelValues(service).Set(v)
	}
}

func IncBulk(action, result string) {
	if regOK.Load() {
		bulkTransitions.WithLabelValues(action, result).Inc()
	}
}

// SetState marks state as current for the service and clears the others.
// A change from a different previous state is counted.
func SetState(service, from, to string, all []string) {
	if !regOK.Load() {
		return
	}
	if from != "" && from != to {
		stateChanges.WithLabelValues(service, from, to).Inc()
	}
	for _, s := range all {
		v := 0.0
		if s == to {
			v = 1
		}
		currentStates.WithLabelValues(service, s).Set(v)
	}
}
