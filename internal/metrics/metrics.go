package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the streaming engine.
type Metrics struct {
	registry                    *prometheus.Registry
	segmentRequestsTotal        prometheus.Counter
	segmentBytesTotal           prometheus.Counter
	segmentRetriesTotal         prometheus.Counter
	manifestRefreshesTotal      prometheus.Counter
	rebufferingEventsTotal      prometheus.Counter
	representationSwitchesTotal prometheus.Counter
	currentBitrate              prometheus.Gauge
	bandwidthEstimate           prometheus.Gauge
	bufferGap                   prometheus.Gauge
}

// New creates and registers Prometheus metrics for the engine.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	segmentRequestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_segment_requests_total",
		Help: "Total number of segment requests started",
	})
	segmentBytesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_segment_bytes_total",
		Help: "Total number of media bytes downloaded",
	})
	segmentRetriesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_segment_retries_total",
		Help: "Total number of segment request retries after a retryable failure",
	})
	manifestRefreshesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_manifest_refreshes_total",
		Help: "Total number of manifest refreshes performed",
	})
	rebufferingEventsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_rebuffering_events_total",
		Help: "Total number of transitions into the rebuffering state",
	})
	representationSwitchesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_representation_switches_total",
		Help: "Total number of Representation changes decided by ABR",
	})
	currentBitrate := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_current_bitrate_bps",
		Help: "Bitrate of the currently selected Representation",
	})
	bandwidthEstimate := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_bandwidth_estimate_bps",
		Help: "Latest bandwidth estimate produced by the ABR estimator",
	})
	bufferGap := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_buffer_gap_seconds",
		Help: "Seconds of buffered media ahead of the playback position",
	})

	registry.MustRegister(
		segmentRequestsTotal,
		segmentBytesTotal,
		segmentRetriesTotal,
		manifestRefreshesTotal,
		rebufferingEventsTotal,
		representationSwitchesTotal,
		currentBitrate,
		bandwidthEstimate,
		bufferGap,
	)

	return &Metrics{
		registry:                    registry,
		segmentRequestsTotal:        segmentRequestsTotal,
		segmentBytesTotal:           segmentBytesTotal,
		segmentRetriesTotal:         segmentRetriesTotal,
		manifestRefreshesTotal:      manifestRefreshesTotal,
		rebufferingEventsTotal:      rebufferingEventsTotal,
		representationSwitchesTotal: representationSwitchesTotal,
		currentBitrate:              currentBitrate,
		bandwidthEstimate:           bandwidthEstimate,
		bufferGap:                   bufferGap,
	}
}

// IncSegmentRequests increments the segment request counter.
func (m *Metrics) IncSegmentRequests() {
	m.segmentRequestsTotal.Inc()
}

// AddSegmentBytes adds downloaded bytes to the byte counter.
func (m *Metrics) AddSegmentBytes(n int64) {
	m.segmentBytesTotal.Add(float64(n))
}

// IncSegmentRetries increments the retry counter.
func (m *Metrics) IncSegmentRetries() {
	m.segmentRetriesTotal.Inc()
}

// IncManifestRefreshes increments the manifest refresh counter.
func (m *Metrics) IncManifestRefreshes() {
	m.manifestRefreshesTotal.Inc()
}

// IncRebufferingEvents increments the rebuffering transition counter.
func (m *Metrics) IncRebufferingEvents() {
	m.rebufferingEventsTotal.Inc()
}

// IncRepresentationSwitches increments the ABR switch counter.
func (m *Metrics) IncRepresentationSwitches() {
	m.representationSwitchesTotal.Inc()
}

// SetCurrentBitrate sets the selected Representation bitrate gauge.
func (m *Metrics) SetCurrentBitrate(bps float64) {
	m.currentBitrate.Set(bps)
}

// SetBandwidthEstimate sets the bandwidth estimate gauge.
func (m *Metrics) SetBandwidthEstimate(bps float64) {
	m.bandwidthEstimate.Set(bps)
}

// SetBufferGap sets the buffer gap gauge.
func (m *Metrics) SetBufferGap(seconds float64) {
	m.bufferGap.Set(seconds)
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
