package session

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/onnwee/danmu-tender/danmu"
	"github.com/onnwee/danmu-tender/protocol"
)

// fakeConn is an in-memory websocket. The test plays the server side.
type fakeConn struct {
	in         chan []byte
	closed     chan struct{}
	remoteGone chan struct{}
	closeOnce  sync.Once
	dropOnce   sync.Once

	mu      sync.Mutex
	written []protocol.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:         make(chan []byte, 64),
		closed:     make(chan struct{}),
		remoteGone: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case msg := <-c.in:
		return websocket.BinaryMessage, msg, nil
	case <-c.remoteGone:
		return 0, nil, io.ErrUnexpectedEOF
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	case <-c.remoteGone:
		return io.ErrClosedPipe
	default:
	}
	frames, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, frames...)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// send delivers one server message.
func (c *fakeConn) send(msg []byte) { c.in <- msg }

// drop simulates the server abruptly closing the connection.
func (c *fakeConn) drop() { c.dropOnce.Do(func() { close(c.remoteGone) }) }

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) count(op protocol.Operation) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.written {
		if f.Operation == op {
			n++
		}
	}
	return n
}

func (c *fakeConn) frames() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Frame(nil), c.written...)
}

var errNoServer = errors.New("dial tcp: connection refused")

// fakeDialer hands out queued conns in order, then fails.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	dials int
	urls  []string
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.urls = append(d.urls, url)
	if len(d.conns) == 0 {
		return nil, errNoServer
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) dialedURLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

type resolverFunc func(ctx context.Context, shortID int64) (int64, error)

func (f resolverFunc) ResolveRoom(ctx context.Context, shortID int64) (int64, error) {
	return f(ctx, shortID)
}

func staticResolver(canonical int64) Resolver {
	return resolverFunc(func(context.Context, int64) (int64, error) { return canonical, nil })
}

type recordingSink struct {
	mu     sync.Mutex
	events []*danmu.ChatEvent
}

func (s *recordingSink) Push(_ context.Context, ev *danmu.ChatEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Message
	}
	return out
}

// blockingSink never accepts an event until ctx is done.
type blockingSink struct{}

func (blockingSink) Push(ctx context.Context, _ *danmu.ChatEvent) error {
	<-ctx.Done()
	return ctx.Err()
}
