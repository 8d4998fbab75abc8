package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onnwee/danmu-tender/roomlist"
	"github.com/onnwee/danmu-tender/supervisor"
	"github.com/onnwee/danmu-tender/telemetry"
)

type statusResponse struct {
	Rooms         []supervisor.RoomStatus `json:"rooms"`
	QueueDepth    int                     `json:"queue_depth"`
	QueueCapacity int                     `json:"queue_capacity"`
	Written       int64                   `json:"events_written"`
	Dropped       int64                   `json:"events_dropped"`
	Stored        *int64                  `json:"events_stored,omitempty"`
	WriterFatal   bool                    `json:"writer_fatal"`
}

// HandleStatus reports watched rooms with their session state plus pipeline counters.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Rooms: []supervisor.RoomStatus{}}
	if h.deps.Rooms != nil {
		resp.Rooms = h.deps.Rooms.Snapshot()
	}
	if q := h.deps.Queue; q != nil {
		resp.QueueDepth, resp.QueueCapacity = q.Len(), q.Cap()
	}
	if wr := h.deps.Writer; wr != nil {
		resp.Written, resp.Dropped = wr.Stats()
		resp.WriterFatal = wr.Fatal()
	}
	if h.deps.Events != nil {
		if n, err := h.deps.Events.CountEvents(r.Context(), 0); err == nil {
			resp.Stored = &n
		} else {
			telemetry.LoggerWithCorr(r.Context()).Warn("count events failed", slog.Any("err", err), slog.String("component", "http"))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRooms lists watched rooms.
func (h *Handlers) HandleRooms(w http.ResponseWriter, r *http.Request) {
	if h.deps.Rooms == nil {
		writeJSON(w, http.StatusOK, []supervisor.RoomStatus{})
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Rooms.Snapshot())
}

type addRoomRequest struct {
	Room int64 `json:"room"`
}

// HandleAddRoom adds a room to the watch list from a {"room": N} body.
func (h *Handlers) HandleAddRoom(w http.ResponseWriter, r *http.Request) {
	if h.deps.Rooms == nil {
		writeError(w, http.StatusServiceUnavailable, "room list unavailable")
		return
	}
	var req addRoomRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Room <= 0 {
		writeError(w, http.StatusBadRequest, "room must be a positive integer")
		return
	}
	if err := h.deps.Rooms.AddRoom(r.Context(), req.Room); err != nil {
		h.roomError(w, r, req.Room, err)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("room added", slog.Int64("room", req.Room), slog.String("component", "http"))
	writeJSON(w, http.StatusCreated, map[string]int64{"room": req.Room})
}

// HandleRemoveRoom removes the room named in the path.
func (h *Handlers) HandleRemoveRoom(w http.ResponseWriter, r *http.Request) {
	if h.deps.Rooms == nil {
		writeError(w, http.StatusServiceUnavailable, "room list unavailable")
		return
	}
	room, err := strconv.ParseInt(r.PathValue("room"), 10, 64)
	if err != nil || room <= 0 {
		writeError(w, http.StatusBadRequest, "room must be a positive integer")
		return
	}
	if err := h.deps.Rooms.RemoveRoom(r.Context(), room); err != nil {
		h.roomError(w, r, room, err)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("room removed", slog.Int64("room", room), slog.String("component", "http"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) roomError(w http.ResponseWriter, r *http.Request, room int64, err error) {
	switch {
	case errors.Is(err, supervisor.ErrReadOnlySource):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, roomlist.ErrInvalidRoom):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		telemetry.LoggerWithCorr(r.Context()).Error("room list update failed", slog.Int64("room", room), slog.Any("err", err), slog.String("component", "http"))
		writeError(w, http.StatusInternalServerError, "room list update failed")
	}
}
