// Package supervisor keeps one connection session running per watched room.
//
// Every poll interval the supervisor reads the desired room list and
// reconciles it against the running sessions: absent rooms are started,
// rooms no longer listed are stopped. Reconciliation is a pure set
// difference, so an unchanged list causes no churn.
package supervisor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/onnwee/danmu-tender/danmu"
	"github.com/onnwee/danmu-tender/session"
	"github.com/onnwee/danmu-tender/telemetry"
)

const (
	DefaultPollInterval = time.Second
	DefaultStopGrace    = 3 * time.Second
)

// ErrReadOnlySource is returned by AddRoom and RemoveRoom when the room
// source cannot be edited.
var ErrReadOnlySource = errors.New("supervisor: room source is read-only")

// RoomSource yields the desired set of short room ids.
type RoomSource interface {
	Rooms(ctx context.Context) ([]int64, error)
}

// RoomEditor is implemented by room sources that accept changes.
type RoomEditor interface {
	AddRoom(ctx context.Context, room int64) error
	RemoveRoom(ctx context.Context, room int64) error
}

// Runner is one room's connection session. *session.Session satisfies it.
type Runner interface {
	Run(ctx context.Context) error
	Stop()
	Done() <-chan struct{}
	State() session.State
	Room() danmu.RoomID
}

// SessionFactory builds an unstarted session for room.
type SessionFactory func(room int64) Runner

// Closer receives the end-of-stream signal once every session is stopped.
type Closer interface {
	Close()
}

// Options tunes a Supervisor. Zero values fall back to the defaults.
type Options struct {
	PollInterval time.Duration
	StopGrace    time.Duration
	// Queue is closed exactly once by Shutdown.
	Queue  Closer
	Logger *slog.Logger
}

// RoomStatus is a point-in-time view of one watched room.
type RoomStatus struct {
	Room      int64  `json:"room"`
	Canonical int64  `json:"canonical,omitempty"`
	State     string `json:"state"`
	Error     string `json:"error,omitempty"`
}

// Supervisor owns the watch list. All of its methods are safe for
// concurrent use.
type Supervisor struct {
	source  RoomSource
	factory SessionFactory
	opts    Options
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[int64]Runner
	failed   map[int64]error
	closing  bool
	wg       sync.WaitGroup

	kick      chan struct{}
	closeOnce sync.Once
}

// New builds a supervisor; nothing runs until Run or Reconcile is called.
func New(source RoomSource, factory SessionFactory, opts Options) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		source:   source,
		factory:  factory,
		opts:     opts,
		log:      log.With(slog.String("component", "supervisor")),
		sessions: make(map[int64]Runner),
		failed:   make(map[int64]error),
		kick:     make(chan struct{}, 1),
	}
}

// Run polls the room source until ctx is done. Shutdown must still be
// called afterwards to stop the sessions.
func (s *Supervisor) Run(ctx context.Context) error {
	s.log.Info("supervisor started", slog.Duration("poll_interval", s.opts.PollInterval))
	t := time.NewTicker(s.opts.PollInterval)
	defer t.Stop()
	for {
		s.poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		case <-s.kick:
		}
	}
}

func (s *Supervisor) poll(ctx context.Context) {
	rooms, err := s.source.Rooms(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Warn("room list read failed, skipping cycle", slog.Any("err", err))
		}
		return
	}
	s.Reconcile(ctx, rooms)
}

// Reconcile starts sessions for desired rooms that are not running and
// stops sessions whose room is no longer desired.
func (s *Supervisor) Reconcile(ctx context.Context, desired []int64) {
	want := make(map[int64]struct{}, len(desired))
	for _, id := range desired {
		if id <= 0 {
			s.log.Warn("ignoring invalid room id", slog.Int64("room", id))
			continue
		}
		want[id] = struct{}{}
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	for id := range s.failed {
		if _, ok := want[id]; !ok {
			delete(s.failed, id)
		}
	}
	var stop []Runner
	for id, r := range s.sessions {
		if _, ok := want[id]; ok {
			continue
		}
		delete(s.sessions, id)
		stop = append(stop, r)
		telemetry.IncReconcile("stop")
		telemetry.ClearRoom(id)
		s.log.Info("stopping session", slog.Int64("room", id))
	}
	var start []int64
	for id := range want {
		_, running := s.sessions[id]
		_, failed := s.failed[id]
		if !running && !failed {
			start = append(start, id)
		}
	}
	slices.Sort(start)
	// Sessions outlive the poll context; they end through Stop.
	runCtx := context.WithoutCancel(ctx)
	for _, id := range start {
		r := s.factory(id)
		s.sessions[id] = r
		telemetry.IncReconcile("start")
		s.log.Info("starting session", slog.Int64("room", id))
		s.wg.Add(1)
		go s.run(runCtx, id, r)
	}
	s.mu.Unlock()

	for _, r := range stop {
		r.Stop()
	}
}

func (s *Supervisor) run(ctx context.Context, id int64, r Runner) {
	defer s.wg.Done()
	err := r.Run(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[id]; ok && cur == r {
		delete(s.sessions, id)
	}
	switch {
	case err == nil:
		s.log.Debug("session exited", slog.Int64("room", id))
	case errors.Is(err, session.ErrStartup) && !s.closing:
		s.failed[id] = err
		s.log.Error("room will not be retried until re-added", slog.Int64("room", id), slog.Any("err", err))
	default:
		s.log.Warn("session exited with error", slog.Int64("room", id), slog.Any("err", err))
	}
}

// Shutdown stops every session, waits for each up to the stop grace, then
// closes the queue. Calls after the first only wait.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	runners := make([]Runner, 0, len(s.sessions))
	for id, r := range s.sessions {
		runners = append(runners, r)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	s.log.Info("stopping sessions", slog.Int("count", len(runners)))
	for _, r := range runners {
		r.Stop()
	}

	all := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(all)
	}()
	grace := time.NewTimer(s.opts.StopGrace)
	defer grace.Stop()
	var err error
	select {
	case <-all:
	case <-grace.C:
		err = fmt.Errorf("supervisor: sessions still running after %s", s.opts.StopGrace)
		s.log.Warn("sessions did not stop within grace period", slog.Duration("grace", s.opts.StopGrace))
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.closeOnce.Do(func() {
		if s.opts.Queue != nil {
			s.opts.Queue.Close()
		}
		s.log.Info("event queue closed")
	})
	return err
}

// Snapshot returns the watched rooms sorted by id, including rooms that
// failed permanently.
func (s *Supervisor) Snapshot() []RoomStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RoomStatus, 0, len(s.sessions)+len(s.failed))
	for id, r := range s.sessions {
		out = append(out, RoomStatus{Room: id, Canonical: r.Room().Canonical, State: r.State().String()})
	}
	for id, err := range s.failed {
		out = append(out, RoomStatus{Room: id, State: "failed", Error: err.Error()})
	}
	slices.SortFunc(out, func(a, b RoomStatus) int { return cmp.Compare(a.Room, b.Room) })
	return out
}

// Len returns the number of running sessions.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// AddRoom adds room to the source and triggers a reconcile.
func (s *Supervisor) AddRoom(ctx context.Context, room int64) error {
	ed, ok := s.source.(RoomEditor)
	if !ok {
		return ErrReadOnlySource
	}
	if err := ed.AddRoom(ctx, room); err != nil {
		return err
	}
	s.trigger()
	return nil
}

// RemoveRoom removes room from the source and triggers a reconcile.
func (s *Supervisor) RemoveRoom(ctx context.Context, room int64) error {
	ed, ok := s.source.(RoomEditor)
	if !ok {
		return ErrReadOnlySource
	}
	if err := ed.RemoveRoom(ctx, room); err != nil {
		return err
	}
	s.trigger()
	return nil
}

func (s *Supervisor) trigger() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}
