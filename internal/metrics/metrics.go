// Package metrics records worker lifecycle counters on a private Prometheus
// registry. The supervisor is a short-lived CLI, so the registry is flushed
// to a node-exporter textfile instead of being served.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors of one supervisor run. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	starts    *prometheus.CounterVec
	stops     *prometheus.CounterVec
	kills     *prometheus.CounterVec
	restarts  prometheus.Counter
	outcomes  *prometheus.CounterVec
	running   prometheus.Gauge
	workerRSS *prometheus.GaugeVec
	workerCPU *prometheus.GaugeVec
	threads   *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "servctl",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of worker spawns.",
		}, []string{"worker"}),
		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "servctl",
			Subsystem: "worker",
			Name:      "stops_total",
			Help:      "Number of pidfile stops by result.",
		}, []string{"result"}),
		kills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "servctl",
			Subsystem: "worker",
			Name:      "kills_total",
			Help:      "Number of pattern kills by target and outcome.",
		}, []string{"name", "outcome"}),
		restarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "servctl",
			Subsystem: "startup",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts after a failed startup.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "servctl",
			Subsystem: "startup",
			Name:      "outcomes_total",
			Help:      "Startup monitoring verdicts.",
		}, []string{"outcome"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "servctl",
			Subsystem: "worker",
			Name:      "running",
			Help:      "Workers whose pidfile points to a live process.",
		}),
		workerRSS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "servctl",
			Subsystem: "worker",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of a worker.",
		}, []string{"worker"}),
		workerCPU: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "servctl",
			Subsystem: "worker",
			Name:      "cpu_percent",
			Help:      "CPU usage of a worker since it started.",
		}, []string{"worker"}),
		threads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "servctl",
			Subsystem: "worker",
			Name:      "threads",
			Help:      "Thread count of a worker.",
		}, []string{"worker"}),
	}
	m.reg.MustRegister(m.starts, m.stops, m.kills, m.restarts, m.outcomes, m.running, m.workerRSS, m.workerCPU, m.threads)
	return m
}

// Registry exposes the registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) IncStart(worker string) {
	if m != nil {
		m.starts.WithLabelValues(worker).Inc()
	}
}

func (m *Metrics) IncStop(result string) {
	if m != nil {
		m.stops.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncKill(name, outcome string) {
	if m != nil {
		m.kills.WithLabelValues(name, outcome).Inc()
	}
}

func (m *Metrics) IncRestart() {
	if m != nil {
		m.restarts.Inc()
	}
}

func (m *Metrics) IncOutcome(outcome string) {
	if m != nil {
		m.outcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) SetRunning(n int) {
	if m != nil {
		m.running.Set(float64(n))
	}
}

// WriteTextfile writes the registry in the text exposition format to path,
// atomically, for the node-exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.reg)
}
