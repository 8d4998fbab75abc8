package roomlist

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLSource keeps the rooms in the watched_rooms table. The same queries
// run on Postgres and SQLite.
type SQLSource struct {
	DB *sql.DB
}

// NewSQLSource returns a source backed by db; the schema must already be migrated.
func NewSQLSource(db *sql.DB) *SQLSource { return &SQLSource{DB: db} }

// Rooms returns the watched rooms in insertion order.
func (s *SQLSource) Rooms(ctx context.Context) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT room_id FROM watched_rooms ORDER BY created_at, room_id`)
	if err != nil {
		return nil, fmt.Errorf("query watched rooms: %w", err)
	}
	defer rows.Close()
	var rooms []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		rooms = append(rooms, id)
	}
	return rooms, rows.Err()
}

// AddRoom inserts room; adding an existing room is a no-op.
func (s *SQLSource) AddRoom(ctx context.Context, room int64) error {
	if room <= 0 {
		return ErrInvalidRoom
	}
	if _, err := s.DB.ExecContext(ctx, `INSERT INTO watched_rooms (room_id) VALUES ($1) ON CONFLICT (room_id) DO NOTHING`, room); err != nil {
		return fmt.Errorf("add watched room %d: %w", room, err)
	}
	return nil
}

// RemoveRoom deletes room.
func (s *SQLSource) RemoveRoom(ctx context.Context, room int64) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM watched_rooms WHERE room_id = $1`, room); err != nil {
		return fmt.Errorf("remove watched room %d: %w", room, err)
	}
	return nil
}
