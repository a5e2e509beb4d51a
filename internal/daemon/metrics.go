package daemon

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the consume runner and its IPC
// surface. A nil *Metrics is valid and records nothing.
type Metrics struct {
	dispatched  *prometheus.CounterVec
	completions *prometheus.CounterVec
	inFlight    *prometheus.GaugeVec
	ipcCommands *prometheus.CounterVec
	agentHealth *prometheus.GaugeVec
}

// MustNewMetrics registers the collectors on reg and panics on conflicts.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fuel",
			Subsystem: "consume",
			Name:      "tasks_dispatched_total",
			Help:      "Agent processes spawned for ready tasks.",
		}, []string{"agent"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fuel",
			Subsystem: "consume",
			Name:      "completions_total",
			Help:      "Agent completions by classification.",
		}, []string{"agent", "result"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fuel",
			Subsystem: "consume",
			Name:      "in_flight",
			Help:      "Agent processes currently running.",
		}, []string{"agent"}),
		ipcCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fuel",
			Subsystem: "ipc",
			Name:      "commands_total",
			Help:      "IPC commands received by type.",
		}, []string{"type"}),
		agentHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "fuel",
			Subsystem: "health",
			Name:      "consecutive_failures",
			Help:      "Consecutive failures per agent.",
		}, []string{"agent"}),
	}
	reg.MustRegister(m.dispatched, m.completions, m.inFlight, m.ipcCommands, m.agentHealth)
	return m
}

func (m *Metrics) Dispatched(agent string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(agent).Inc()
	m.inFlight.WithLabelValues(agent).Inc()
}

func (m *Metrics) Completed(agent string, result CompletionType) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(agent, string(result)).Inc()
	m.inFlight.WithLabelValues(agent).Dec()
}

func (m *Metrics) Command(t string) {
	if m == nil {
		return
	}
	m.ipcCommands.WithLabelValues(t).Inc()
}

func (m *Metrics) Failures(agent string, n int) {
	if m == nil {
		return
	}
	m.agentHealth.WithLabelValues(agent).Set(float64(n))
}
