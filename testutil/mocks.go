package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

// MockLiveServer fakes the room_init endpoint of the live-room API.
type MockLiveServer struct {
	*httptest.Server

	mu     sync.Mutex
	rooms  map[int64]int64
	status int
	hits   atomic.Int64
}

// NewMockLiveServer starts a server that knows no rooms yet.
func NewMockLiveServer(t *testing.T) *MockLiveServer {
	t.Helper()
	m := &MockLiveServer{rooms: make(map[int64]int64)}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /room/v1/Room/room_init", m.roomInit)
	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

// AddRoom maps a short id to its canonical id.
func (m *MockLiveServer) AddRoom(shortID, roomID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[shortID] = roomID
}

// FailWith makes every request answer with the given HTTP status; 0 restores normal behavior.
func (m *MockLiveServer) FailWith(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

// Hits reports how many room_init requests were served.
func (m *MockLiveServer) Hits() int64 { return m.hits.Load() }

func (m *MockLiveServer) roomInit(w http.ResponseWriter, r *http.Request) {
	m.hits.Add(1)
	m.mu.Lock()
	status := m.status
	m.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	roomID, ok := m.rooms[id]
	m.mu.Unlock()

	response := map[string]any{"code": 0, "msg": "ok", "message": "ok"}
	if !ok {
		response = map[string]any{"code": 60004, "msg": "direct bad room", "message": "direct bad room", "data": map[string]any{}}
	} else {
		response["data"] = map[string]any{"room_id": roomID, "short_id": id}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
}
