package danmu

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedChat is returned when a chat command's info array does not
// match the expected positional layout.
var ErrMalformedChat = errors.New("malformed chat info")

// Positional layout of the DANMU_MSG "info" array. The upstream format is
// positional and drifts over time, so every index is bounds-checked.
const (
	infoMeta      = 0 // [?, mode, fontsize, color, sendTimestamp, ...]
	infoMessage   = 1 // string
	infoUser      = 2 // [uid, uname, isAdmin, isVIP, ...]
	infoBadge     = 3 // [level, text, hostName, hostRoomId, ...] or []
	infoUserLevel = 4 // [level, ...]

	metaFontSize = 2
	metaColor    = 3

	userID      = 0
	userName    = 1
	userIsAdmin = 2
	userIsVIP   = 3

	badgeLevel      = 0
	badgeText       = 1
	badgeHostName   = 2
	badgeHostRoomID = 3
)

// DecodeChat builds a ChatEvent from the info array of a DANMU_MSG command.
// roomID is the id the event is recorded under and now its receive time.
func DecodeChat(info json.RawMessage, roomID int64, now time.Time) (*ChatEvent, error) {
	top, err := array(info, "info")
	if err != nil {
		return nil, err
	}
	if len(top) <= infoUserLevel {
		return nil, fmt.Errorf("%w: info has %d elements, want at least %d", ErrMalformedChat, len(top), infoUserLevel+1)
	}

	meta, err := array(top[infoMeta], "info.meta")
	if err != nil {
		return nil, err
	}
	user, err := array(top[infoUser], "info.user")
	if err != nil {
		return nil, err
	}
	level, err := array(top[infoUserLevel], "info.user_level")
	if err != nil {
		return nil, err
	}

	ev := &ChatEvent{
		ID:        uuid.New(),
		RoomID:    roomID,
		Timestamp: now,
	}
	var d fieldDecoder
	ev.FontSize = int(d.int(meta, metaFontSize, "meta.fontsize"))
	ev.Color = int(d.int(meta, metaColor, "meta.color"))
	ev.Message = d.string(top, infoMessage, "message")
	ev.User.ID = d.int(user, userID, "user.uid")
	ev.User.Name = d.string(user, userName, "user.uname")
	ev.User.IsAdmin = d.bool(user, userIsAdmin, "user.is_admin")
	ev.User.IsVIP = d.bool(user, userIsVIP, "user.is_vip")
	ev.UserLevel = int(d.int(level, 0, "user_level"))

	if badge, err := array(top[infoBadge], "info.badge"); err == nil && len(badge) > 0 {
		ev.Badge = &Badge{
			Level:      int(d.int(badge, badgeLevel, "badge.level")),
			Text:       d.string(badge, badgeText, "badge.text"),
			HostName:   d.string(badge, badgeHostName, "badge.host_name"),
			HostRoomID: d.int(badge, badgeHostRoomID, "badge.host_room_id"),
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return ev, nil
}

// array decodes raw as a JSON array. A JSON null is treated as empty.
func array(raw json.RawMessage, field string) ([]json.RawMessage, error) {
	var out []json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedChat, field, err)
	}
	return out, nil
}

// fieldDecoder keeps the first positional decode error so the caller can
// read every field and check once.
type fieldDecoder struct{ err error }

func (d *fieldDecoder) at(arr []json.RawMessage, i int, field string) (json.RawMessage, bool) {
	if d.err != nil {
		return nil, false
	}
	if i >= len(arr) {
		d.err = fmt.Errorf("%w: %s: index %d out of range (len %d)", ErrMalformedChat, field, i, len(arr))
		return nil, false
	}
	return arr[i], true
}

func (d *fieldDecoder) int(arr []json.RawMessage, i int, field string) int64 {
	raw, ok := d.at(arr, i, field)
	if !ok {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		d.err = fmt.Errorf("%w: %s: %v", ErrMalformedChat, field, err)
		return 0
	}
	if v, err := n.Int64(); err == nil {
		return v
	}
	f, err := n.Float64()
	if err != nil {
		d.err = fmt.Errorf("%w: %s: %v", ErrMalformedChat, field, err)
		return 0
	}
	return int64(f)
}

func (d *fieldDecoder) string(arr []json.RawMessage, i int, field string) string {
	raw, ok := d.at(arr, i, field)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		d.err = fmt.Errorf("%w: %s: %v", ErrMalformedChat, field, err)
		return ""
	}
	return s
}

// bool accepts JSON booleans as well as the 0/1 integers the server sends.
func (d *fieldDecoder) bool(arr []json.RawMessage, i int, field string) bool {
	raw, ok := d.at(arr, i, field)
	if !ok {
		return false
	}
	switch string(bytes.TrimSpace(raw)) {
	case "true":
		return true
	case "false", "null":
		return false
	}
	return d.int(arr, i, field) != 0
}
