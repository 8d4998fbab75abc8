// Package session maintains one live chat websocket connection per room.
//
// A Session resolves the room's canonical id, connects, authenticates and then
// runs a receive loop and a heartbeat loop on that connection. When the
// transport closes it waits a fixed delay and reconnects, indefinitely, until
// Stop is called.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/onnwee/danmu-tender/danmu"
	"github.com/onnwee/danmu-tender/protocol"
	"github.com/onnwee/danmu-tender/telemetry"
)

const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultReconnectDelay    = 5 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultStopGrace         = 3 * time.Second
)

// Resolver maps a short room id to its canonical id.
type Resolver interface {
	ResolveRoom(ctx context.Context, shortID int64) (int64, error)
}

// EventSink receives decoded chat events. Push may block.
type EventSink interface {
	Push(ctx context.Context, ev *danmu.ChatEvent) error
}

// Options configures a Session. Zero durations fall back to the defaults.
type Options struct {
	Room     int64
	URL      string
	Resolver Resolver
	Dialer   Dialer
	Sink     EventSink

	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	ConnectTimeout    time.Duration
	StopGrace         time.Duration

	// CarryPartial buffers a frame split across websocket messages instead of
	// discarding the incomplete tail.
	CarryPartial bool

	Logger *slog.Logger
	Now    func() time.Time
}

// Session is the connection state machine for one room.
type Session struct {
	opts  Options
	log   *slog.Logger
	state atomic.Int32

	mu   sync.Mutex
	room danmu.RoomID

	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	heartbeat []byte
}

// New builds a session. It does not connect until Run is called.
func New(opts Options) *Session {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	if opts.Dialer == nil {
		opts.Dialer = &WSDialer{HandshakeTimeout: opts.ConnectTimeout}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	hb, _ := protocol.Encode(struct{}{}, protocol.OpSendHeartbeat)
	s := &Session{
		opts:      opts,
		log:       log.With(slog.String("component", "session"), slog.Int64("room", opts.Room)),
		room:      danmu.RoomID{Short: opts.Room},
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		heartbeat: hb,
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		telemetry.SessionStateChanged(old.String(), st.String())
		s.log.Debug("session state", slog.String("from", old.String()), slog.String("to", st.String()))
	}
}

// Room returns the room id pair; Canonical is zero until resolved.
func (s *Session) Room() danmu.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// StopGrace is how long callers should wait on Done after Stop.
func (s *Session) StopGrace() time.Duration { return s.opts.StopGrace }

// Stop cancels the session. It is safe to call more than once and before Run.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run drives the session until Stop is called or ctx is done, returning nil.
// It returns an error wrapping ErrStartup when the room cannot be resolved
// and retrying would not help. Run must be called at most once.
func (s *Session) Run(parent context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session: Run called twice")
	}
	telemetry.SessionStateChanged("", s.State().String())

	ctx, cancel := context.WithCancel(parent)
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		select {
		case <-s.stop:
			s.setState(StateClosing)
			cancel()
		case <-ctx.Done():
		}
	}()
	defer func() {
		cancel()
		<-watched
		s.setState(StateDisconnected)
		telemetry.SessionStateChanged(StateDisconnected.String(), "")
		close(s.done)
	}()

	select {
	case <-s.stop:
		return nil
	default:
	}

	if err := s.resolve(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		s.log.Error("room resolution failed", slog.Any("err", err))
		return fmt.Errorf("%w: room %d: %w", ErrStartup, s.opts.Room, err)
	}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			telemetry.IncReconnect(s.opts.Room)
		}
		err := s.serve(ctx)
		if ctx.Err() != nil {
			s.log.Info("session stopped")
			return nil
		}
		s.setState(StateDisconnected)
		s.log.Warn("connection lost, reconnecting",
			slog.Duration("delay", s.opts.ReconnectDelay),
			slog.Any("err", err))

		t := time.NewTimer(s.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			s.log.Info("session stopped")
			return nil
		case <-t.C:
		}
	}
}

func (s *Session) resolve(ctx context.Context) error {
	if s.Room().Resolved() {
		return nil
	}
	s.setState(StateResolving)
	if s.opts.Resolver == nil {
		// No lookup configured: the short id is used as is.
		s.mu.Lock()
		s.room.Canonical = s.opts.Room
		s.mu.Unlock()
		return nil
	}
	op := func() (int64, error) {
		rctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
		defer cancel()
		id, err := s.opts.Resolver.ResolveRoom(rctx, s.opts.Room)
		if err != nil && IsFatal(err) {
			return 0, backoff.Permanent(err)
		}
		return id, err
	}
	id, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Warn("room resolution failed, retrying", slog.Duration("next", next), slog.Any("err", err))
		}))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.room.Canonical = id
	s.mu.Unlock()
	s.log.Info("room resolved", slog.Int64("canonical", id))
	return nil
}

// conn serializes writes on one websocket connection.
type conn struct {
	mu sync.Mutex
	ws Conn
}

func (c *conn) write(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

type authParams struct {
	UID       int64  `json:"uid"`
	RoomID    int64  `json:"roomid"`
	ProtoVer  int    `json:"protover"`
	Platform  string `json:"platform"`
	ClientVer string `json:"clientver"`
}

// serve runs one connection from dial to close.
func (s *Session) serve(ctx context.Context) error {
	s.setState(StateConnecting)
	dctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	ws, err := s.opts.Dialer.Dial(dctx, s.opts.URL)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c := &conn{ws: ws}

	cctx, ccancel := context.WithCancel(ctx)
	defer ccancel()
	// Closing the socket is what unblocks the receive loop.
	context.AfterFunc(cctx, func() { ws.Close() })

	auth, err := protocol.Encode(authParams{
		RoomID:    s.Room().Canonical,
		ProtoVer:  1,
		Platform:  "web",
		ClientVer: "1.4.0",
	}, protocol.OpAuth)
	if err != nil {
		return err
	}
	if err := c.write(auth); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	s.setState(StateAuthenticated)
	s.log.Info("connected")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.heartbeatLoop(cctx, c); err != nil && cctx.Err() == nil {
			s.log.Warn("heartbeat failed", slog.Any("err", err))
			ccancel()
		}
	}()

	err = s.receiveLoop(cctx, c)
	ccancel()
	wg.Wait()
	return err
}

func (s *Session) heartbeatLoop(ctx context.Context, c *conn) error {
	t := time.NewTicker(s.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		if err := c.write(s.heartbeat); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (s *Session) receiveLoop(ctx context.Context, c *conn) error {
	var asm *protocol.Assembler
	if s.opts.CarryPartial {
		asm = &protocol.Assembler{}
	}
	for {
		mt, msg, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if mt != websocket.BinaryMessage {
			s.log.Debug("ignoring non-binary message", slog.Int("type", mt))
			continue
		}

		var frames []protocol.Frame
		if asm != nil {
			frames, err = asm.Feed(msg)
		} else {
			frames, err = protocol.Decode(msg)
		}
		if err != nil {
			telemetry.IncDecodeError("frame")
			s.log.Warn("malformed frame", slog.Int("bytes", len(msg)), slog.Any("err", err))
		}
		for _, f := range frames {
			if err := s.handleFrame(ctx, c, f); err != nil {
				return err
			}
		}
	}
}

// handleFrame returns an error only when the connection must be abandoned.
func (s *Session) handleFrame(ctx context.Context, c *conn, f protocol.Frame) error {
	telemetry.IncFrame(f.Operation.String())
	switch f.Operation {
	case protocol.OpRecvHeartbeat:
		if err := c.write(s.heartbeat); err != nil {
			return fmt.Errorf("heartbeat reply: %w", err)
		}
	case protocol.OpPopularity:
		if v, ok := protocol.PopularityValue(f); ok {
			telemetry.SetPopularity(s.opts.Room, v)
		}
	case protocol.OpCommand:
		cmds, err := danmu.ParseCommands(f.Body)
		if err != nil {
			telemetry.IncDecodeError("command")
			s.log.Warn("skipping malformed commands", slog.Int("kept", len(cmds)), slog.Any("err", err))
		}
		for _, cmd := range cmds {
			s.dispatch(ctx, cmd)
		}
	default:
		s.log.Debug("unhandled frame", slog.String("op", f.Operation.String()), slog.Int("bytes", len(f.Body)))
	}
	return nil
}

func (s *Session) dispatch(ctx context.Context, cmd danmu.Command) {
	telemetry.IncCommand(cmd.Kind.String())
	switch cmd.Kind {
	case danmu.KindDanmaku:
		ev, err := danmu.DecodeChat(cmd.Info, s.opts.Room, s.opts.Now())
		if err != nil {
			telemetry.IncDecodeError("chat")
			s.log.Warn("skipping chat message", slog.Any("err", err))
			return
		}
		s.log.Debug("chat", slog.String("uname", ev.User.Name), slog.String("msg", ev.Message))
		if s.opts.Sink == nil {
			return
		}
		if err := s.opts.Sink.Push(ctx, ev); err != nil && ctx.Err() == nil {
			s.log.Warn("chat event not queued", slog.String("event_id", ev.ID.String()), slog.Any("err", err))
		}
	case danmu.KindSysMsg, danmu.KindRoomBlockMsg:
		s.log.Info("room notice", slog.String("cmd", cmd.Cmd), slog.String("raw", string(cmd.Raw)))
	case danmu.KindUnrecognized:
		s.log.Info("unknown command", slog.String("cmd", cmd.Cmd))
	default:
		s.log.Debug("ignored command", slog.String("cmd", cmd.Cmd))
	}
}
