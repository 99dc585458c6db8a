package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portvisor"

// States reported by the state gauge.
var States = []string{"stopped", "running", "orphaned", "transitioning"}

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "operations_total",
			Help:      "Lifecycle operations by operation and result.",
		}, []string{"service", "op", "result"},
	)
	terminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "terminations_total",
			Help:      "Processes terminated, by how they ended (graceful, killed, gone, denied).",
		}, []string{"service", "outcome"},
	)
	launchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "launch_duration_seconds",
			Help:      "Time from spawn until the process was confirmed alive.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"service", "mode"},
	)
	candidates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "reconciled_candidates",
			Help:      "Candidate pids found by the last reconciliation.",
		}, []string{"service"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"service", "state"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{operations, terminations, launchDuration, candidates, currentState}
}

// Register registers all metrics with the provided registerer. Registering
// with the same registerer twice is a no-op.
func Register(r prometheus.Registerer) error {
	for _, c := range collectors() {
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

// HandlerFor serves metrics from g.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// WriteTextfile dumps g in the text exposition format for node_exporter's
// textfile collector. The file is replaced atomically.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncOperation(service, op, result string) {
	if regOK.Load() {
		operations.WithLabelValues(service, op, result).Inc()
	}
}

func AddTerminations(service, outcome string, n int) {
	if regOK.Load() && n > 0 {
		terminations.WithLabelValues(service, outcome).Add(float64(n))
	}
}

func ObserveLaunch(service, mode string, seconds float64) {
	if regOK.Load() {
		launchDuration.WithLabelValues(service, mode).Observe(seconds)
	}
}

func SetCandidates(service string, n int) {
	if regOK.Load() {
		candidates.WithLabelValues(service).Set(float64(n))
	}
}

// SetState marks state as the active one for service.
func SetState(service, state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		currentState.WithLabelValues(service, s).Set(v)
	}
}
