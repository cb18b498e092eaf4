package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nicktill/flightreduce/pkg/telemetry"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.Decision(telemetry.Decision{Strategy: telemetry.StrategyCritical})
	m.Decision(telemetry.Decision{Strategy: telemetry.StrategySampled})
	m.Decision(telemetry.Decision{Strategy: telemetry.StrategySampled, Backfilled: true})

	if got := testutil.ToFloat64(m.messages.WithLabelValues("sampled")); got != 2 {
		t.Fatalf("expected 2 sampled messages, got %f", got)
	}
	if got := testutil.ToFloat64(m.backfilled); got != 1 {
		t.Fatalf("expected 1 backfilled decision, got %f", got)
	}

	m.Boundary(telemetry.PhaseBoundary{Kind: telemetry.BoundaryOpened, Phase: telemetry.FlightPhase{Track: "mode"}})
	m.Boundary(telemetry.PhaseBoundary{Kind: telemetry.BoundaryClosed, Phase: telemetry.FlightPhase{Track: "mode"}})
	if got := testutil.ToFloat64(m.phasesClosed.WithLabelValues("mode")); got != 1 {
		t.Fatalf("expected only closed boundaries counted, got %f", got)
	}

	m.SkippedLines(3)
	m.SkippedLines(0)
	if got := testutil.ToFloat64(m.skippedLines); got != 3 {
		t.Fatalf("expected 3 skipped lines, got %f", got)
	}

	done := m.JobStarted()
	if got := testutil.ToFloat64(m.activeJobs); got != 1 {
		t.Fatalf("expected 1 active job, got %f", got)
	}
	done()
	m.JobFinished("ok")
	if got := testutil.ToFloat64(m.activeJobs); got != 0 {
		t.Fatalf("expected 0 active jobs, got %f", got)
	}
	if got := testutil.ToFloat64(m.jobs.WithLabelValues("ok")); got != 1 {
		t.Fatalf("expected 1 finished job, got %f", got)
	}

	m.ObserveSinkLatency(0.02)
	if samples := testutil.CollectAndCount(m.sinkLatency); samples != 1 {
		t.Fatalf("expected latency histogram to record 1 sample, got %d", samples)
	}

	m.SetQueueDepth(4)
	m.SetStorageBytes(1 << 20)
	if got := testutil.ToFloat64(m.queueDepth); got != 4 {
		t.Fatalf("expected queue depth 4, got %f", got)
	}

	m.HTTPRequest("GET", "/v1/logs/{log_id}", 200, 0.01)
	m.HTTPRequest("GET", "/v1/logs/{log_id}", 404, 0.002)
	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("GET", "/v1/logs/{log_id}", "404")); got != 1 {
		t.Fatalf("expected 1 not-found request, got %f", got)
	}
	if got := testutil.CollectAndCount(m.httpDuration); got != 1 {
		t.Fatalf("expected one latency series per route, got %d", got)
	}
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.Decision(telemetry.Decision{Strategy: telemetry.StrategyFull})
	m.InvalidMessage()
	m.OutOfOrder()
	m.SkippedLines(1)
	m.Boundary(telemetry.PhaseBoundary{Kind: telemetry.BoundaryClosed})
	m.JobFinished("failed")
	m.ObserveSinkLatency(1)
	m.SetQueueDepth(1)
	m.SetStorageBytes(1)
	m.HTTPRequest("GET", "/", 200, 0)
	m.JobStarted()()
}
