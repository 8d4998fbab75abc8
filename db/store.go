package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/onnwee/danmu-tender/danmu"
)

// Store persists chat events into danmu_records.
type Store struct {
	DB *sql.DB
}

// NewStore returns a Store backed by db.
func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

// InsertChatEvent writes one event. Re-inserting an event with the same id is
// a no-op, so a retried write that actually succeeded does not duplicate it.
func (s *Store) InsertChatEvent(ctx context.Context, ev *danmu.ChatEvent) error {
	if ev == nil {
		return fmt.Errorf("insert chat event: nil event")
	}
	var (
		badgeLevel  sql.NullInt64
		badgeText   sql.NullString
		badgeHost   sql.NullString
		badgeRoomID sql.NullInt64
	)
	if b := ev.Badge; b != nil {
		badgeLevel = sql.NullInt64{Int64: int64(b.Level), Valid: true}
		badgeText = sql.NullString{String: b.Text, Valid: true}
		badgeHost = sql.NullString{String: b.HostName, Valid: true}
		badgeRoomID = sql.NullInt64{Int64: b.HostRoomID, Valid: true}
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO danmu_records
		(event_id, room_id, time, fontsize, color, msg, uid, uname, is_admin, is_vip,
		 badge_level, badge_text, badge_host_name, badge_host_room_id, user_level)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (event_id) DO NOTHING`,
		ev.ID.String(), ev.RoomID, ev.Timestamp.UTC(), ev.FontSize, ev.Color, ev.Message,
		ev.User.ID, ev.User.Name, ev.User.IsAdmin, ev.User.IsVIP,
		badgeLevel, badgeText, badgeHost, badgeRoomID, ev.UserLevel)
	if err != nil {
		return fmt.Errorf("insert chat event %s: %w", ev.ID, err)
	}
	return nil
}

// CountEvents returns the number of stored events for roomID, or for all
// rooms when roomID is zero.
func (s *Store) CountEvents(ctx context.Context, roomID int64) (int64, error) {
	var n int64
	var err error
	if roomID == 0 {
		err = s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM danmu_records`).Scan(&n)
	} else {
		err = s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM danmu_records WHERE room_id = $1`, roomID).Scan(&n)
	}
	return n, err
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }
