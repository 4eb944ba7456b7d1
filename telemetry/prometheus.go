package telemetry

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics records counters, histograms, and gauges via
// github.com/prometheus/client_golang, registered against a caller-supplied
// registry so a binary can expose them on its own /metrics handler.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheusMetrics constructs a Metrics recorder backed by reg. Pass
// prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer's underlying registry to share the process
// default.
func NewPrometheusMetrics(reg *prometheus.Registry) Metrics {
	return &PrometheusMetrics{
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

func tagLabels(tags []string) ([]string, prometheus.Labels) {
	labels := prometheus.Labels{}
	names := make([]string, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		name := sanitizeLabel(tags[i])
		val := ""
		if i+1 < len(tags) {
			val = tags[i+1]
		}
		names = append(names, name)
		labels[name] = val
	}
	return names, labels
}

func sanitizeLabel(s string) string {
	return strings.ReplaceAll(s, "-", "_")
}

func (m *PrometheusMetrics) IncCounter(name string, value float64, tags ...string) {
	names, labels := tagLabels(tags)
	m.mu.Lock()
	vec, ok := m.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name}, names)
		m.registry.MustRegister(vec)
		m.counters[name] = vec
	}
	m.mu.Unlock()
	vec.With(labels).Add(value)
}

func (m *PrometheusMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	names, labels := tagLabels(tags)
	m.mu.Lock()
	vec, ok := m.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name}, names)
		m.registry.MustRegister(vec)
		m.histograms[name] = vec
	}
	m.mu.Unlock()
	vec.With(labels).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordGauge(name string, value float64, tags ...string) {
	names, labels := tagLabels(tags)
	m.mu.Lock()
	vec, ok := m.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name}, names)
		m.registry.MustRegister(vec)
		m.gauges[name] = vec
	}
	m.mu.Unlock()
	vec.With(labels).Set(value)
}
