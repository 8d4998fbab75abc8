// Package danmu models chat events (danmaku) broadcast inside a live room and
// decodes them from the command payloads pushed over the room websocket.
//
// Command payloads are JSON objects carrying a "cmd" discriminator. Only the
// chat message command produces a ChatEvent; the other recognized kinds are
// listed so the session can route or ignore them explicitly.
package danmu

import (
	"time"

	"github.com/google/uuid"
)

// RoomID pairs the user-facing short id of a room with its resolved canonical id.
type RoomID struct {
	Short     int64
	Canonical int64
}

// Resolved reports whether the canonical id is known.
func (r RoomID) Resolved() bool { return r.Canonical != 0 }

// User is the sender of a chat message.
type User struct {
	ID      int64
	Name    string
	IsAdmin bool
	IsVIP   bool
}

// Badge is the fan-club medal shown next to a sender's name.
type Badge struct {
	Level      int
	Text       string
	HostName   string
	HostRoomID int64
}

// ChatEvent is one normalized chat message. ID is unique per decoded message
// and lets downstream consumers de-duplicate at-least-once deliveries.
type ChatEvent struct {
	ID        uuid.UUID
	RoomID    int64
	Timestamp time.Time
	FontSize  int
	Color     int
	Message   string
	User      User
	Badge     *Badge
	UserLevel int
}
