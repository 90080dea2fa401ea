// Package metrics records timer activity as Prometheus metrics.
package metrics

import (
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the controller and reconciler report into.
// A nil *PrometheusRecorder is a valid no-op recorder.
type Recorder interface {
	IncTransition(transition string)
	IncBackendError(op string)
	IncReconcile(result string)
	SetPhase(phase string)
	SetPendingFallbacks(n int)
}

var phaseLabels = []string{"idle", "work", "break", "longBreak"}

type PrometheusRecorder struct {
	reg         *prom.Registry
	transitions *prom.CounterVec
	backendErrs *prom.CounterVec
	reconciles  *prom.CounterVec
	phase       *prom.GaugeVec
	pending     prom.Gauge
}

// NewPrometheusRecorder constructs the metrics and registers them on reg.
// A nil reg gets a private registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{reg: reg}
	pr.transitions = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "pomosync",
		Name:      "transitions_total",
		Help:      "Timer state transitions by kind",
	}, []string{"transition"})
	pr.backendErrs = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "pomosync",
		Name:      "backend_errors_total",
		Help:      "Failed backend calls by operation",
	}, []string{"op"})
	pr.reconciles = prom.NewCounterVec(prom.CounterOpts{
		Namespace: "pomosync",
		Name:      "reconciliations_total",
		Help:      "Reconciliation runs by result",
	}, []string{"result"})
	pr.phase = prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: "pomosync",
		Name:      "phase",
		Help:      "1 for the current phase, 0 otherwise",
	}, []string{"phase"})
	pr.pending = prom.NewGauge(prom.GaugeOpts{
		Namespace: "pomosync",
		Name:      "pending_fallback_sessions",
		Help:      "Fallback sessions waiting to be registered with the backend",
	})
	reg.MustRegister(pr.transitions, pr.backendErrs, pr.reconciles, pr.phase, pr.pending)
	pr.SetPhase("idle")
	return pr
}

func (p *PrometheusRecorder) IncTransition(transition string) {
	if p == nil || p.transitions == nil {
		return
	}
	p.transitions.WithLabelValues(transition).Inc()
}

func (p *PrometheusRecorder) IncBackendError(op string) {
	if p == nil || p.backendErrs == nil {
		return
	}
	p.backendErrs.WithLabelValues(op).Inc()
}

func (p *PrometheusRecorder) IncReconcile(result string) {
	if p == nil || p.reconciles == nil {
		return
	}
	p.reconciles.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) SetPhase(phase string) {
	if p == nil || p.phase == nil {
		return
	}
	for _, l := range phaseLabels {
		v := 0.0
		if l == phase {
			v = 1
		}
		p.phase.WithLabelValues(l).Set(v)
	}
}

func (p *PrometheusRecorder) SetPendingFallbacks(n int) {
	if p == nil || p.pending == nil {
		return
	}
	p.pending.Set(float64(n))
}

// Handler serves the recorder's registry.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncTransition(string) {}
func (Nop) IncBackendError(string) {}
func (Nop) IncReconcile(string) {}
func (Nop) SetPhase(string) {}
func (Nop) SetPendingFallbacks(int) {}
