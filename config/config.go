// Package config loads environment variables and provides a typed Config used across the service.
// It applies the defaults a local run needs, so only DB_DSN and the room list usually need setting.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Room list backends.
const (
	RoomSourceFile = "file"
	RoomSourceDB   = "db"
)

type Config struct {
	// Database
	DBDriver string // pgx | sqlite
	DBDsn    string

	// Room list
	RoomSource string // file | db
	RoomsFile  string

	// Upstream endpoints
	RoomInitURL   string
	WSURL         string
	TLSSkipVerify bool

	// Session timing
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	PollInterval      time.Duration
	ConnectTimeout    time.Duration
	StopGrace         time.Duration
	CarryPartial      bool

	// Pipeline
	QueueCapacity       int
	WriteMaxTries       int
	WriteInitialBackoff time.Duration
	WriteMaxBackoff     time.Duration
	MaxConsecutiveDrops int

	// HTTP
	HTTPAddr string
}

// Load reads environment variables and applies defaults. Malformed numbers
// or durations are errors rather than silently falling back.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	cfg.DBDriver = strings.ToLower(os.Getenv("DB_DRIVER"))
	switch cfg.DBDriver {
	case "", "pgx", "postgres":
		cfg.DBDriver = "pgx"
	case "sqlite", "sqlite3":
		cfg.DBDriver = "sqlite"
	default:
		return nil, fmt.Errorf("invalid DB_DRIVER %q (want pgx or sqlite)", cfg.DBDriver)
	}
	// Empty DSN lets db.Connect pick the driver default.
	cfg.DBDsn = os.Getenv("DB_DSN")

	cfg.RoomSource = strings.ToLower(os.Getenv("ROOM_SOURCE"))
	switch cfg.RoomSource {
	case "":
		cfg.RoomSource = RoomSourceFile
	case RoomSourceFile, RoomSourceDB:
	default:
		return nil, fmt.Errorf("invalid ROOM_SOURCE %q (want file or db)", cfg.RoomSource)
	}
	cfg.RoomsFile = envOr("ROOMS_FILE", "rooms.json")

	cfg.RoomInitURL = envOr("ROOM_INIT_URL", "https://api.live.bilibili.com")
	cfg.WSURL = envOr("WS_URL", "wss://broadcastlv.chat.bilibili.com:2245/sub")
	cfg.TLSSkipVerify = os.Getenv("TLS_SKIP_VERIFY") == "1"
	cfg.CarryPartial = os.Getenv("FRAME_CARRY_PARTIAL") == "1"

	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval, 30 * time.Second},
		{"RECONNECT_DELAY", &cfg.ReconnectDelay, 5 * time.Second},
		{"POLL_INTERVAL", &cfg.PollInterval, time.Second},
		{"CONNECT_TIMEOUT", &cfg.ConnectTimeout, 10 * time.Second},
		{"STOP_GRACE", &cfg.StopGrace, 3 * time.Second},
		{"WRITE_INITIAL_BACKOFF", &cfg.WriteInitialBackoff, 200 * time.Millisecond},
		{"WRITE_MAX_BACKOFF", &cfg.WriteMaxBackoff, 5 * time.Second},
	}
	for _, d := range durations {
		if *d.dst, err = durationEnv(d.key, d.def); err != nil {
			return nil, err
		}
	}

	ints := []struct {
		key string
		dst *int
		def int
	}{
		{"QUEUE_CAPACITY", &cfg.QueueCapacity, 10000},
		{"WRITE_MAX_TRIES", &cfg.WriteMaxTries, 5},
		{"WRITER_MAX_CONSECUTIVE_DROPS", &cfg.MaxConsecutiveDrops, 20},
	}
	for _, i := range ints {
		if *i.dst, err = intEnv(i.key, i.def); err != nil {
			return nil, err
		}
	}

	cfg.HTTPAddr = envOr("HTTP_ADDR", ":8080")
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive, got %s", key, v)
	}
	return d, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative, got %d", key, n)
	}
	return n, nil
}
