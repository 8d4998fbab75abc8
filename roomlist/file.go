// Package roomlist stores the set of rooms the supervisor should watch.
package roomlist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// DefaultFile is the room list path used when none is configured.
const DefaultFile = "rooms.json"

// Source is an editable room list.
type Source interface {
	Rooms(ctx context.Context) ([]int64, error)
	AddRoom(ctx context.Context, room int64) error
	RemoveRoom(ctx context.Context, room int64) error
}

// ErrInvalidRoom is returned when adding a non-positive room id.
var ErrInvalidRoom = errors.New("roomlist: room id must be positive")

// FileSource keeps the rooms as a JSON array of ids, e.g. [387, 5440].
// A missing file is an empty list. Writes replace the file atomically.
type FileSource struct {
	Path string

	mu sync.Mutex
}

// NewFileSource returns a source backed by path.
func NewFileSource(path string) *FileSource {
	if path == "" {
		path = DefaultFile
	}
	return &FileSource{Path: path}
}

// Rooms reads the file on every call so external edits are picked up.
func (f *FileSource) Rooms(_ context.Context) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

func (f *FileSource) read() ([]int64, error) {
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read room list: %w", err)
	}
	if len(b) == 0 {
		return nil, nil
	}
	var rooms []int64
	if err := json.Unmarshal(b, &rooms); err != nil {
		return nil, fmt.Errorf("parse room list %s: %w", f.Path, err)
	}
	return rooms, nil
}

func (f *FileSource) write(rooms []int64) error {
	if rooms == nil {
		rooms = []int64{}
	}
	b, err := json.Marshal(rooms)
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, ".rooms-*.json")
	if err != nil {
		return fmt.Errorf("write room list: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		return fmt.Errorf("write room list: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write room list: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("replace room list: %w", err)
	}
	return nil
}

// AddRoom appends room if it is not already listed.
func (f *FileSource) AddRoom(_ context.Context, room int64) error {
	if room <= 0 {
		return ErrInvalidRoom
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rooms, err := f.read()
	if err != nil {
		return err
	}
	if slices.Contains(rooms, room) {
		return nil
	}
	return f.write(append(rooms, room))
}

// RemoveRoom deletes every occurrence of room. Removing an absent room is a no-op.
func (f *FileSource) RemoveRoom(_ context.Context, room int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rooms, err := f.read()
	if err != nil {
		return err
	}
	kept := slices.DeleteFunc(slices.Clone(rooms), func(r int64) bool { return r == room })
	if len(kept) == len(rooms) {
		return nil
	}
	return f.write(kept)
}
