// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Ingestion
	SessionStates    *prometheus.GaugeVec   // sessions per connection state
	Reconnects       *prometheus.CounterVec // by room
	FramesReceived   *prometheus.CounterVec // by operation
	DecodeErrors     *prometheus.CounterVec // by stage: frame|command|chat
	CommandsReceived *prometheus.CounterVec // by command kind
	Popularity       *prometheus.GaugeVec   // by room
	ReconcileActions *prometheus.CounterVec // by action: start|stop

	// Pipeline
	EventsQueued  prometheus.Counter
	EventsWritten prometheus.Counter
	EventsDropped prometheus.Counter
	WriteRetries  prometheus.Counter
	QueueDepth    prometheus.Gauge
	WriterFatal   prometheus.Gauge // 1 once the writer gave up on storage
	WriteDuration prometheus.Observer
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		SessionStates = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "danmu_sessions", Help: "Connection sessions by state"}, []string{"state"})
		Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "danmu_reconnects_total", Help: "Websocket reconnect attempts"}, []string{"room"})
		FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "danmu_frames_received_total", Help: "Decoded protocol frames"}, []string{"op"})
		DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{Name: "danmu_decode_errors_total", Help: "Frames or payloads skipped because they could not be decoded"}, []string{"stage"})
		CommandsReceived = promauto.NewCounterVec(prometheus.CounterOpts{Name: "danmu_commands_total", Help: "Commands received by kind"}, []string{"kind"})
		Popularity = promauto.NewGaugeVec(prometheus.GaugeOpts{Name: "danmu_room_popularity", Help: "Last popularity value reported for a room"}, []string{"room"})
		ReconcileActions = promauto.NewCounterVec(prometheus.CounterOpts{Name: "danmu_reconcile_actions_total", Help: "Sessions started or stopped by reconciliation"}, []string{"action"})
		EventsQueued = promauto.NewCounter(prometheus.CounterOpts{Name: "danmu_events_queued_total", Help: "Chat events pushed onto the queue"})
		EventsWritten = promauto.NewCounter(prometheus.CounterOpts{Name: "danmu_events_written_total", Help: "Chat events persisted"})
		EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "danmu_events_dropped_total", Help: "Chat events dropped after exhausting write retries"})
		WriteRetries = promauto.NewCounter(prometheus.CounterOpts{Name: "danmu_write_retries_total", Help: "Storage write retries"})
		QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{Name: "danmu_queue_depth", Help: "Events waiting in the ingestion queue"})
		WriterFatal = promauto.NewGauge(prometheus.GaugeOpts{Name: "danmu_writer_fatal", Help: "1 when the persistence writer stopped because storage is unavailable"})
		WriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "danmu_write_duration_seconds", Help: "Duration of one chat event write including retries", Buckets: prometheus.DefBuckets})
	})
}

func roomLabel(room int64) string { return strconv.FormatInt(room, 10) }

// SessionStateChanged moves one session from one state gauge to another.
// An empty from or to skips that side.
func SessionStateChanged(from, to string) {
	if SessionStates == nil {
		return
	}
	if from != "" {
		SessionStates.WithLabelValues(from).Dec()
	}
	if to != "" {
		SessionStates.WithLabelValues(to).Inc()
	}
}

// IncReconnect counts one reconnect attempt for room.
func IncReconnect(room int64) {
	if Reconnects != nil {
		Reconnects.WithLabelValues(roomLabel(room)).Inc()
	}
}

// IncFrame counts one frame of operation op.
func IncFrame(op string) {
	if FramesReceived != nil {
		FramesReceived.WithLabelValues(op).Inc()
	}
}

// IncDecodeError counts one skipped frame or payload at stage.
func IncDecodeError(stage string) {
	if DecodeErrors != nil {
		DecodeErrors.WithLabelValues(stage).Inc()
	}
}

// IncCommand counts one command of kind.
func IncCommand(kind string) {
	if CommandsReceived != nil {
		CommandsReceived.WithLabelValues(kind).Inc()
	}
}

// SetPopularity records the last popularity value for room.
func SetPopularity(room int64, v uint32) {
	if Popularity != nil {
		Popularity.WithLabelValues(roomLabel(room)).Set(float64(v))
	}
}

// ClearRoom removes per-room series once a room is no longer watched.
func ClearRoom(room int64) {
	if Popularity != nil {
		Popularity.DeleteLabelValues(roomLabel(room))
	}
	if Reconnects != nil {
		Reconnects.DeleteLabelValues(roomLabel(room))
	}
}

// IncReconcile counts a reconciliation action ("start" or "stop").
func IncReconcile(action string) {
	if ReconcileActions != nil {
		ReconcileActions.WithLabelValues(action).Inc()
	}
}

// Inc increments c if it is initialized.
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// SetQueueDepth records the current queue length.
func SetQueueDepth(n int) {
	if QueueDepth != nil {
		QueueDepth.Set(float64(n))
	}
}

// SetWriterFatal flags the writer as stopped.
func SetWriterFatal(fatal bool) {
	if WriterFatal == nil {
		return
	}
	if fatal {
		WriterFatal.Set(1)
	} else {
		WriterFatal.Set(0)
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
