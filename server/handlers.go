package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/onnwee/danmu-tender/supervisor"
)

// Pinger reports storage reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EventCounter counts persisted chat events; room 0 means all rooms.
type EventCounter interface {
	CountEvents(ctx context.Context, roomID int64) (int64, error)
}

// Rooms is the supervisor surface the API needs.
type Rooms interface {
	Snapshot() []supervisor.RoomStatus
	AddRoom(ctx context.Context, room int64) error
	RemoveRoom(ctx context.Context, room int64) error
}

// WriterState exposes persistence writer health.
type WriterState interface {
	Fatal() bool
	Stats() (written, dropped int64)
}

// QueueState exposes ingestion queue depth.
type QueueState interface {
	Len() int
	Cap() int
}

// Deps are the collaborators behind the HTTP API. Nil fields disable the
// checks and fields that depend on them.
type Deps struct {
	Store  Pinger
	Events EventCounter
	Rooms  Rooms
	Writer WriterState
	Queue  QueueState
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
