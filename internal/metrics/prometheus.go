// Package metrics exposes this agent's Prometheus counters/histograms/gauges,
// adapted from the teacher's internal/metrics/prometheus.go — same
// map-of-vectors registration pattern and ServeHTTP shape, with this
// domain's metric names.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hamzaKhattat/asterisk-call-agent/pkg/logger"
)

type PrometheusMetrics struct {
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

func NewPrometheusMetrics() *PrometheusMetrics {
	pm := &PrometheusMetrics{
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}

	pm.registerMetrics()
	return pm
}

func (pm *PrometheusMetrics) registerMetrics() {
	// Counters
	pm.counters["calls_consolidated"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_calls_consolidated_total",
			Help: "Total number of linkedids consolidated into a document",
		},
		[]string{"phase", "direction"},
	)

	pm.counters["shipments"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_shipments_total",
			Help: "Total shipment attempts by outcome",
		},
		[]string{"outcome"},
	)

	pm.counters["shipment_queue_dropped"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_shipment_queue_dropped_total",
			Help: "Documents dropped because the shipment queue was full",
		},
		[]string{},
	)

	pm.counters["recording_uploads"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_recording_uploads_total",
			Help: "Recording upload attempts by outcome",
		},
		[]string{"outcome"},
	)

	pm.counters["source_poll_errors"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_source_poll_errors_total",
			Help: "Errors encountered while polling a source reader",
		},
		[]string{"source"},
	)

	pm.counters["ami_reconnects"] = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_ami_reconnects_total",
			Help: "Total AMI reconnection attempts",
		},
		[]string{},
	)

	// Histograms
	pm.histograms["aggregation_tick_duration"] = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_aggregation_tick_duration_seconds",
			Help:    "Time to process one aggregator poll tick",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{},
	)

	pm.histograms["call_duration"] = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_call_duration_seconds",
			Help:    "Consolidated call duration",
			Buckets: []float64{5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"direction"},
	)

	pm.histograms["shipment_latency"] = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_shipment_latency_seconds",
			Help:    "Time from consolidation to successful shipment",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{},
	)

	// Gauges
	pm.gauges["shipment_queue_depth"] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agent_shipment_queue_depth",
			Help: "Current number of documents queued for shipment",
		},
		[]string{},
	)

	pm.gauges["recordings_pending_upload"] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agent_recordings_pending_upload",
			Help: "Recordings tracked but not yet uploaded",
		},
		[]string{},
	)

	pm.gauges["source_watermark_lag_seconds"] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agent_source_watermark_lag_seconds",
			Help: "Seconds between the source DB's clock and the agent's watermark",
		},
		[]string{},
	)

	pm.gauges["ami_connected"] = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agent_ami_connected",
			Help: "1 if the AMI connection is currently up, else 0",
		},
		[]string{},
	)

	for _, counter := range pm.counters {
		prometheus.MustRegister(counter)
	}
	for _, histogram := range pm.histograms {
		prometheus.MustRegister(histogram)
	}
	for _, gauge := range pm.gauges {
		prometheus.MustRegister(gauge)
	}
}

func (pm *PrometheusMetrics) IncrementCounter(name string, labels map[string]string) {
	if counter, exists := pm.counters[name]; exists {
		counter.With(prometheus.Labels(labels)).Inc()
	}
}

func (pm *PrometheusMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	if histogram, exists := pm.histograms[name]; exists {
		histogram.With(prometheus.Labels(labels)).Observe(value)
	}
}

func (pm *PrometheusMetrics) SetGauge(name string, value float64, labels map[string]string) {
	if gauge, exists := pm.gauges[name]; exists {
		if labels == nil {
			labels = make(map[string]string)
		}
		gauge.With(prometheus.Labels(labels)).Set(value)
	}
}

func (pm *PrometheusMetrics) ServeHTTP(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	logger.WithField("addr", addr).Info("metrics server started")
	return http.ListenAndServe(addr, mux)
}
