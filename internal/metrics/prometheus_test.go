package metrics

import "testing"

// NewPrometheusMetrics registers into the global default registry, so only
// one instance may be constructed per test binary (a second call would
// panic on duplicate registration) — everything this package needs to check
// is exercised through this single instance.
func TestPrometheusMetricsRecording(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.IncrementCounter("shipments", map[string]string{"outcome": "success"})
	pm.IncrementCounter("shipment_queue_dropped", map[string]string{})
	pm.ObserveHistogram("shipment_latency", 1.5, map[string]string{})
	pm.SetGauge("shipment_queue_depth", 42, map[string]string{})
	pm.SetGauge("ami_connected", 1, nil)

	// Unknown metric names must be silently ignored, not panic.
	pm.IncrementCounter("does_not_exist", map[string]string{})
	pm.ObserveHistogram("does_not_exist", 1, map[string]string{})
	pm.SetGauge("does_not_exist", 1, map[string]string{})

	if _, ok := pm.counters["shipments"]; !ok {
		t.Fatalf("expected shipments counter to be registered")
	}
	if _, ok := pm.histograms["shipment_latency"]; !ok {
		t.Fatalf("expected shipment_latency histogram to be registered")
	}
	if _, ok := pm.gauges["shipment_queue_depth"]; !ok {
		t.Fatalf("expected shipment_queue_depth gauge to be registered")
	}
}
