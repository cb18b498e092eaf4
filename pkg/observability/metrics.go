// Package observability exposes reduction counters, gauges and histograms
// through prometheus/client_golang.
package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nicktill/flightreduce/pkg/telemetry"
)

// Metrics holds the reduction collectors. A nil *Metrics is valid and
// records nothing, so engine callers never need to check.
type Metrics struct {
	messages     *prometheus.CounterVec
	invalid      prometheus.Counter
	outOfOrder   prometheus.Counter
	skippedLines prometheus.Counter
	phasesClosed *prometheus.CounterVec
	backfilled   prometheus.Counter
	jobs         *prometheus.CounterVec
	sinkLatency  prometheus.Histogram
	queueDepth   prometheus.Gauge
	activeJobs   prometheus.Gauge
	storageBytes prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flightreduce_messages_total",
			Help: "Messages processed, by retention strategy.",
		}, []string{"strategy"}),
		invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flightreduce_invalid_messages_total",
			Help: "Messages rejected for an empty type or non-finite timestamp.",
		}),
		outOfOrder: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flightreduce_ordering_violations_total",
			Help: "Reductions failed by a timestamp going backwards.",
		}),
		skippedLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flightreduce_skipped_lines_total",
			Help: "Input lines skipped by the decoder.",
		}),
		phasesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flightreduce_phases_closed_total",
			Help: "Flight phases closed, by track.",
		}, []string{"track"}),
		backfilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flightreduce_backfilled_total",
			Help: "Decisions released by end-of-stream backfill.",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flightreduce_jobs_total",
			Help: "Reduction jobs finished, by result.",
		}, []string{"result"}),
		sinkLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "flightreduce_sink_batch_latency_seconds",
			Help:    "Time to hand one decision batch to the sink.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flightreduce_queue_depth",
			Help: "Decision batches waiting for the sink.",
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flightreduce_active_jobs",
			Help: "Reduction jobs currently running.",
		}),
		storageBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flightreduce_storage_bytes",
			Help: "Bytes used by the record store.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flightreduce_http_requests_total",
			Help: "HTTP requests served, by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flightreduce_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"method", "route"}),
	}

	reg.MustRegister(m.messages, m.invalid, m.outOfOrder, m.skippedLines, m.phasesClosed,
		m.backfilled, m.jobs, m.sinkLatency, m.queueDepth, m.activeJobs, m.storageBytes,
		m.httpRequests, m.httpDuration)
	return m
}

// Decision counts one emitted decision.
func (m *Metrics) Decision(d telemetry.Decision) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(string(d.Strategy)).Inc()
	if d.Backfilled {
		m.backfilled.Inc()
	}
}

func (m *Metrics) InvalidMessage() {
	if m != nil {
		m.invalid.Inc()
	}
}

func (m *Metrics) OutOfOrder() {
	if m != nil {
		m.outOfOrder.Inc()
	}
}

func (m *Metrics) SkippedLines(n int) {
	if m != nil && n > 0 {
		m.skippedLines.Add(float64(n))
	}
}

// Boundary counts closed phases.
func (m *Metrics) Boundary(b telemetry.PhaseBoundary) {
	if m != nil && b.Kind == telemetry.BoundaryClosed {
		m.phasesClosed.WithLabelValues(b.Phase.Track).Inc()
	}
}

// JobFinished records a job result: "ok", "failed" or "aborted".
func (m *Metrics) JobFinished(result string) {
	if m != nil {
		m.jobs.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ObserveSinkLatency(seconds float64) {
	if m != nil {
		m.sinkLatency.Observe(seconds)
	}
}

func (m *Metrics) SetQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

// JobStarted increments the active job gauge; call the returned func when done.
func (m *Metrics) JobStarted() func() {
	if m == nil {
		return func() {}
	}
	m.activeJobs.Inc()
	return m.activeJobs.Dec
}

func (m *Metrics) SetStorageBytes(n uint64) {
	if m != nil {
		m.storageBytes.Set(float64(n))
	}
}

// HTTPRequest records one served request. route is the route template,
// never the raw path, so log IDs do not become label values.
func (m *Metrics) HTTPRequest(method, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(seconds)
}
