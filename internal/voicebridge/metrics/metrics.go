// Package metrics exposes Prometheus collectors for the bridge process.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "voicebridge"

// Frame directions.
const (
	DirectionInbound  = "inbound"  // caller -> agent
	DirectionOutbound = "outbound" // agent -> caller
)

// Metrics holds the process collectors and the registry they are bound to.
type Metrics struct {
	registry *prometheus.Registry

	bridgesActive     prometheus.Gauge
	bridgesTotal      *prometheus.CounterVec
	framesTotal       *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	interruptions     prometheus.Counter
	agentConnect      *prometheus.HistogramVec
	transcriptions    *prometheus.CounterVec
	transcribeLatency *prometheus.HistogramVec
}

// New creates collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		bridgesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridges_active",
			Help:      "Number of calls currently bridged",
		}),
		bridgesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridges_total",
			Help:      "Bridges ended, by reason",
		}, []string{"reason"}),
		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Audio frames forwarded, by direction",
		}, []string{"direction"}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames dropped, by reason",
		}, []string{"reason"}),
		interruptions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Agent interruptions forwarded to telephony as clear",
		}),
		agentConnect: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_connect_seconds",
			Help:      "Time to establish an agent session",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"result"}),
		transcriptions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcriptions_total",
			Help:      "Transcription attempts, by provider and result",
		}, []string{"provider", "result"}),
		transcribeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcription_seconds",
			Help:      "Batched transcription request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) BridgeStarted() {
	if m == nil {
		return
	}
	m.bridgesActive.Inc()
}

func (m *Metrics) BridgeEnded(reason string) {
	if m == nil {
		return
	}
	m.bridgesActive.Dec()
	m.bridgesTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) Frame(direction string) {
	if m == nil {
		return
	}
	m.framesTotal.WithLabelValues(direction).Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Interruption() {
	if m == nil {
		return
	}
	m.interruptions.Inc()
}

// AgentConnect records how long an agent handshake took.
func (m *Metrics) AgentConnect(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.agentConnect.WithLabelValues(result).Observe(d.Seconds())
}

// Transcription records one provider attempt.
func (m *Metrics) Transcription(provider string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.transcriptions.WithLabelValues(provider, result).Inc()
	if d > 0 {
		m.transcribeLatency.WithLabelValues(provider).Observe(d.Seconds())
	}
}

// TranscriptionSkipped records a buffer that was never sent to a provider.
func (m *Metrics) TranscriptionSkipped(provider, reason string) {
	if m == nil {
		return
	}
	m.transcriptions.WithLabelValues(provider, "skipped_"+reason).Inc()
}
