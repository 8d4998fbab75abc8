package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/onnwee/danmu-tender/danmu"
	"github.com/onnwee/danmu-tender/telemetry"
)

// ErrStorageUnavailable is returned by Writer.Run after too many consecutive
// events were dropped.
var ErrStorageUnavailable = errors.New("pipeline: storage unavailable")

// Store persists one chat event.
type Store interface {
	InsertChatEvent(ctx context.Context, ev *danmu.ChatEvent) error
}

// Writer drains a Queue into a Store.
type Writer struct {
	Queue *Queue
	Store Store

	// MaxTries bounds attempts per event, including the first.
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxConsecutiveDrops stops the writer once this many events in a row
	// were dropped. Zero disables the limit.
	MaxConsecutiveDrops int

	Logger *slog.Logger

	written atomic.Int64
	dropped atomic.Int64
	fatal   atomic.Bool
}

func (w *Writer) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default().With(slog.String("component", "writer"))
}

func (w *Writer) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if w.InitialInterval > 0 {
		b.InitialInterval = w.InitialInterval
	}
	if w.MaxInterval > 0 {
		b.MaxInterval = w.MaxInterval
	}
	return b
}

// Run persists events until the queue's end-of-stream marker is reached
// (returns nil), ctx is done (returns ctx.Err()), or storage is declared
// unavailable (returns ErrStorageUnavailable).
//
// Each event is written by its own call with its own retry budget; a failure
// never aborts the loop.
func (w *Writer) Run(ctx context.Context) error {
	if w.Queue == nil || w.Store == nil {
		return errors.New("pipeline: writer requires a queue and a store")
	}
	log := w.logger()
	log.Info("writer started")
	consecutive := 0
	for {
		ev, err := w.Queue.Pop(ctx)
		if errors.Is(err, ErrQueueClosed) {
			log.Info("writer drained queue", slog.Int64("written", w.written.Load()), slog.Int64("dropped", w.dropped.Load()))
			return nil
		}
		if err != nil {
			return err
		}

		if err := w.write(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.dropped.Add(1)
			consecutive++
			telemetry.Inc(telemetry.EventsDropped)
			log.Error("dropping chat event after retries",
				slog.String("event_id", ev.ID.String()),
				slog.Int64("room_id", ev.RoomID),
				slog.Int("consecutive", consecutive),
				slog.Any("err", err))
			if w.MaxConsecutiveDrops > 0 && consecutive >= w.MaxConsecutiveDrops {
				w.fatal.Store(true)
				telemetry.SetWriterFatal(true)
				log.Error("storage unavailable, writer stopping", slog.Int("consecutive_drops", consecutive))
				return fmt.Errorf("%w: %d consecutive drops: %v", ErrStorageUnavailable, consecutive, err)
			}
			continue
		}
		consecutive = 0
		w.written.Add(1)
	}
}

func (w *Writer) write(ctx context.Context, ev *danmu.ChatEvent) error {
	ctx, span := telemetry.StartSpan(ctx, "writer.insert",
		telemetry.RoomAttr(ev.RoomID),
		attribute.String("event.id", ev.ID.String()))
	defer span.End()

	tries := w.MaxTries
	if tries == 0 {
		tries = 1
	}
	attempt := 0
	var err error
	telemetry.TimeFunc(telemetry.WriteDuration, func() {
		_, err = backoff.Retry(ctx, func() (struct{}, error) {
			attempt++
			if attempt > 1 {
				telemetry.Inc(telemetry.WriteRetries)
			}
			return struct{}{}, w.Store.InsertChatEvent(ctx, ev)
		},
			backoff.WithBackOff(w.newBackOff()),
			backoff.WithMaxTries(tries),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				w.logger().Warn("chat event write failed, retrying",
					slog.String("event_id", ev.ID.String()),
					slog.Int("attempt", attempt),
					slog.Duration("next", next),
					slog.Any("err", err))
			}))
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.Inc(telemetry.EventsWritten)
	telemetry.SetSpanSuccess(span)
	return nil
}

// Stats returns the number of events written and dropped so far.
func (w *Writer) Stats() (written, dropped int64) { return w.written.Load(), w.dropped.Load() }

// Fatal reports whether Run stopped because storage was unavailable.
func (w *Writer) Fatal() bool { return w.fatal.Load() }
