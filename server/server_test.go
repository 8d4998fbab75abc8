package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/danmu-tender/roomlist"
	"github.com/onnwee/danmu-tender/session"
	"github.com/onnwee/danmu-tender/supervisor"
)

type fakeStore struct {
	pingErr  error
	count    int64
	countErr error
}

func (s *fakeStore) Ping(context.Context) error { return s.pingErr }

func (s *fakeStore) CountEvents(context.Context, int64) (int64, error) {
	return s.count, s.countErr
}

type fakeRooms struct {
	mu      sync.Mutex
	rooms   []int64
	editErr error
}

func (f *fakeRooms) Snapshot() []supervisor.RoomStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]supervisor.RoomStatus, 0, len(f.rooms))
	for _, id := range f.rooms {
		out = append(out, supervisor.RoomStatus{Room: id, Canonical: id, State: session.StateAuthenticated.String()})
	}
	return out
}

func (f *fakeRooms) AddRoom(_ context.Context, room int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	f.rooms = append(f.rooms, room)
	return nil
}

func (f *fakeRooms) RemoveRoom(_ context.Context, room int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.editErr != nil {
		return f.editErr
	}
	kept := f.rooms[:0]
	for _, id := range f.rooms {
		if id != room {
			kept = append(kept, id)
		}
	}
	f.rooms = kept
	return nil
}

func (f *fakeRooms) list() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.rooms...)
}

type fakeWriter struct {
	fatal            bool
	written, dropped int64
}

func (w *fakeWriter) Fatal() bool                     { return w.fatal }
func (w *fakeWriter) Stats() (written, dropped int64) { return w.written, w.dropped }

type fakeQueue struct{ n, c int }

func (q fakeQueue) Len() int { return q.n }
func (q fakeQueue) Cap() int { return q.c }

func newTestDeps() (Deps, *fakeRooms, *fakeStore, *fakeWriter) {
	store := &fakeStore{count: 42}
	rooms := &fakeRooms{rooms: []int64{5}}
	writer := &fakeWriter{written: 40, dropped: 2}
	return Deps{Store: store, Events: store, Rooms: rooms, Writer: writer, Queue: fakeQueue{n: 3, c: 100}}, rooms, store, writer
}

func serve(t *testing.T, h http.Handler, method, path string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	deps, _, store, _ := newTestDeps()
	store.pingErr = errors.New("db down")
	mux := NewMux(t.Context(), deps)

	rr := serve(t, mux, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr.Body.String() != "ok" {
		t.Fatalf("unexpected body %q", rr.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		pingErr    error
		fatal      bool
		wantStatus int
		wantCheck  string
	}{
		{name: "ready", wantStatus: http.StatusOK},
		{name: "database down", pingErr: errors.New("connection refused"), wantStatus: http.StatusServiceUnavailable, wantCheck: "database"},
		{name: "writer stopped", fatal: true, wantStatus: http.StatusServiceUnavailable, wantCheck: "writer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, _, store, writer := newTestDeps()
			store.pingErr = tt.pingErr
			writer.fatal = tt.fatal
			rr := serve(t, NewMux(t.Context(), deps), http.MethodGet, "/readyz", nil)
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d (%s)", tt.wantStatus, rr.Code, rr.Body.String())
			}
			var body map[string]string
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if tt.wantCheck == "" {
				if body["status"] != "ready" {
					t.Fatalf("unexpected body %v", body)
				}
				return
			}
			if body["status"] != "not_ready" || body["failed_check"] != tt.wantCheck {
				t.Fatalf("unexpected body %v", body)
			}
		})
	}
}

func TestReadyzWithoutDeps(t *testing.T) {
	rr := serve(t, NewMux(t.Context(), Deps{}), http.MethodGet, "/readyz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with no deps, got %d", rr.Code)
	}
}

func TestStatus(t *testing.T) {
	deps, _, _, _ := newTestDeps()
	rr := serve(t, NewMux(t.Context(), deps), http.MethodGet, "/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got statusResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Rooms) != 1 || got.Rooms[0].Room != 5 || got.Rooms[0].State != "authenticated" {
		t.Fatalf("unexpected rooms %+v", got.Rooms)
	}
	if got.QueueDepth != 3 || got.QueueCapacity != 100 {
		t.Fatalf("unexpected queue %d/%d", got.QueueDepth, got.QueueCapacity)
	}
	if got.Written != 40 || got.Dropped != 2 || got.WriterFatal {
		t.Fatalf("unexpected writer stats %+v", got)
	}
	if got.Stored == nil || *got.Stored != 42 {
		t.Fatalf("expected 42 stored events, got %v", got.Stored)
	}
}

func TestStatusCountFailureOmitsStored(t *testing.T) {
	deps, _, store, _ := newTestDeps()
	store.countErr = errors.New("timeout")
	rr := serve(t, NewMux(t.Context(), deps), http.MethodGet, "/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "events_stored") {
		t.Fatalf("events_stored should be omitted: %s", rr.Body.String())
	}
}

func TestRoomsList(t *testing.T) {
	deps, _, _, _ := newTestDeps()
	rr := serve(t, NewMux(t.Context(), deps), http.MethodGet, "/rooms", nil)
	var got []supervisor.RoomStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Room != 5 {
		t.Fatalf("unexpected rooms %+v", got)
	}

	rr = serve(t, NewMux(t.Context(), Deps{}), http.MethodGet, "/rooms", nil)
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %s", rr.Body.String())
	}
}

func TestAddAndRemoveRoom(t *testing.T) {
	deps, rooms, _, _ := newTestDeps()
	mux := NewMux(t.Context(), deps)

	rr := serve(t, mux, http.MethodPost, "/admin/rooms", strings.NewReader(`{"room": 7734200}`))
	if rr.Code != http.StatusCreated {
		t.Fatalf("add: expected 201, got %d (%s)", rr.Code, rr.Body.String())
	}
	if got := rooms.list(); len(got) != 2 || got[1] != 7734200 {
		t.Fatalf("unexpected rooms after add %v", got)
	}

	rr = serve(t, mux, http.MethodDelete, "/admin/rooms/5", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("remove: expected 204, got %d", rr.Code)
	}
	if got := rooms.list(); len(got) != 1 || got[0] != 7734200 {
		t.Fatalf("unexpected rooms after remove %v", got)
	}
}

func TestRoomEditErrors(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		editErr    error
		wantStatus int
	}{
		{name: "bad json", method: http.MethodPost, path: "/admin/rooms", body: `{room`, wantStatus: http.StatusBadRequest},
		{name: "zero room", method: http.MethodPost, path: "/admin/rooms", body: `{"room": 0}`, wantStatus: http.StatusBadRequest},
		{name: "non numeric path", method: http.MethodDelete, path: "/admin/rooms/abc", wantStatus: http.StatusBadRequest},
		{name: "read only source", method: http.MethodPost, path: "/admin/rooms", body: `{"room": 9}`, editErr: supervisor.ErrReadOnlySource, wantStatus: http.StatusConflict},
		{name: "invalid room from store", method: http.MethodDelete, path: "/admin/rooms/9", editErr: fmt.Errorf("%w: 9", roomlist.ErrInvalidRoom), wantStatus: http.StatusBadRequest},
		{name: "store failure", method: http.MethodDelete, path: "/admin/rooms/9", editErr: errors.New("disk full"), wantStatus: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, rooms, _, _ := newTestDeps()
			rooms.editErr = tt.editErr
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			rr := serve(t, NewMux(t.Context(), deps), tt.method, tt.path, body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d (%s)", tt.wantStatus, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestAdminRoutesRequireTokenWhenConfigured(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "s3cret")
	deps, rooms, _, _ := newTestDeps()
	mux := NewMux(t.Context(), deps)

	rr := serve(t, mux, http.MethodPost, "/admin/rooms", strings.NewReader(`{"room": 8}`))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/rooms", strings.NewReader(`{"room": 8}`))
	req.Header.Set("X-Admin-Token", "s3cret")
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 with token, got %d", rr.Code)
	}
	if got := rooms.list(); len(got) != 2 {
		t.Fatalf("expected room added, got %v", got)
	}

	// Read routes stay open.
	rr = serve(t, mux, http.MethodGet, "/rooms", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected open read route, got %d", rr.Code)
	}
}

func TestCorrelationIDHeader(t *testing.T) {
	mux := NewMux(t.Context(), Deps{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Correlation-ID"); got != "abc-123" {
		t.Fatalf("expected echoed correlation id, got %q", got)
	}

	rr = serve(t, mux, http.MethodGet, "/healthz", nil)
	if got := rr.Header().Get("X-Correlation-ID"); len(got) != 36 {
		t.Fatalf("expected generated uuid, got %q", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rr := serve(t, NewMux(t.Context(), Deps{}), http.MethodGet, "/metrics", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Fatal("expected default collectors in metrics output")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	rr := serve(t, NewMux(t.Context(), Deps{}), http.MethodPost, "/healthz", nil)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/admin/rooms/123": "/admin/rooms/{room}",
		"/admin/rooms":     "/admin/rooms",
		"/status":          "/status",
	}
	for in, want := range cases {
		if got := routeLabel(in); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	ready := make(chan string, 1)
	errc := make(chan error, 1)
	go func() { errc <- Start(ctx, Deps{}, "127.0.0.1:0", ready) }()

	var addr string
	select {
	case addr = <-ready:
	case err := <-errc:
		t.Fatalf("server exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestStartListenError(t *testing.T) {
	if err := Start(t.Context(), Deps{}, "256.0.0.1:bad", nil); err == nil {
		t.Fatal("expected listen error")
	}
}
