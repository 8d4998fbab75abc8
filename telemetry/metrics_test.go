package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestInitIdempotent(t *testing.T) {
	Init()
	first := EventsQueued
	Init()
	if EventsQueued != first {
		t.Fatal("Init re-registered metrics")
	}
	if WriteDuration == nil || SessionStates == nil || QueueDepth == nil {
		t.Fatal("metrics not initialized")
	}
}

func TestSessionStateChanged(t *testing.T) {
	Init()
	before := gaugeValue(t, SessionStates.WithLabelValues("connecting"))
	SessionStateChanged("", "connecting")
	SessionStateChanged("", "connecting")
	SessionStateChanged("connecting", "authenticated")
	if got := gaugeValue(t, SessionStates.WithLabelValues("connecting")); got != before+1 {
		t.Errorf("connecting gauge = %v, want %v", got, before+1)
	}
}

func TestQueueDepthAndWriterFatal(t *testing.T) {
	Init()
	SetQueueDepth(42)
	if got := gaugeValue(t, QueueDepth); got != 42 {
		t.Errorf("queue depth = %v, want 42", got)
	}
	SetWriterFatal(true)
	if got := gaugeValue(t, WriterFatal); got != 1 {
		t.Errorf("writer fatal = %v, want 1", got)
	}
	SetWriterFatal(false)
	if got := gaugeValue(t, WriterFatal); got != 0 {
		t.Errorf("writer fatal = %v, want 0", got)
	}
}

func TestPerRoomSeries(t *testing.T) {
	Init()
	SetPopularity(387, 1000)
	if got := gaugeValue(t, Popularity.WithLabelValues("387")); got != 1000 {
		t.Errorf("popularity = %v, want 1000", got)
	}
	IncReconnect(387)
	if got := counterValue(t, Reconnects.WithLabelValues("387")); got < 1 {
		t.Errorf("reconnects = %v, want >= 1", got)
	}
	ClearRoom(387)
	if got := gaugeValue(t, Popularity.WithLabelValues("387")); got != 0 {
		t.Errorf("popularity after clear = %v, want 0", got)
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	testHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})

	executed := false
	duration := TimeFunc(testHistogram, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})
	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if duration < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", duration)
	}

	metric := &dto.Metric{}
	if err := testHistogram.Write(metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if metric.GetHistogram().GetSampleCount() != 1 {
		t.Error("TimeFunc did not record observation in histogram")
	}
}

func TestHelpersWithoutInitDoNotPanic(t *testing.T) {
	var c prometheus.Counter
	Inc(c)
	_ = TimeFunc(nil, func() {})
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if got := GetCorrelation(ctx); got != "" {
		t.Errorf("empty context correlation = %q", got)
	}
	ctx = WithCorrelation(ctx, "abc")
	if got := GetCorrelation(ctx); got != "abc" {
		t.Errorf("correlation = %q, want abc", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("nil logger")
	}
}
