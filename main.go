// Command danmu-tender records live-room chat into a database.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres or sqlite and runs idempotent migrations.
//   - Keeps one danmaku session per watched room, following the room list.
//   - Persists decoded chat events through a bounded queue and a single writer.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /rooms, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM: sessions stop first, then the writer
// drains what is already queued.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/danmu-tender/config"
	"github.com/onnwee/danmu-tender/db"
	"github.com/onnwee/danmu-tender/pipeline"
	"github.com/onnwee/danmu-tender/roomapi"
	"github.com/onnwee/danmu-tender/roomlist"
	"github.com/onnwee/danmu-tender/server"
	"github.com/onnwee/danmu-tender/session"
	"github.com/onnwee/danmu-tender/supervisor"
	"github.com/onnwee/danmu-tender/telemetry"
)

// drainTimeout bounds how long the writer may keep flushing after sessions stop.
const drainTimeout = 30 * time.Second

// App holds the long-lived collaborators built at startup.
type App struct {
	cfg      *config.Config
	db       *sql.DB
	store    *db.Store
	queue    *pipeline.Queue
	writer   *pipeline.Writer
	resolver *roomapi.Client
	dialer   *session.WSDialer
	sup      *supervisor.Supervisor
}

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("danmu-tender", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	app, err := newApp(cfg)
	if err != nil {
		slog.Error("startup failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := app.db.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startPprof()

	if err := app.run(ctx); err != nil {
		slog.Error("exited with error", slog.Any("err", err))
		os.Exit(1)
	}
}

// setupLogging configures the default logger. Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

func newApp(cfg *config.Config) (*App, error) {
	database, err := db.Connect(cfg.DBDriver, cfg.DBDsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate(database, cfg.DBDriver); err != nil {
		_ = database.Close()
		return nil, err
	}

	a := &App{
		cfg:   cfg,
		db:    database,
		store: db.NewStore(database),
		queue: pipeline.NewQueue(cfg.QueueCapacity),
		resolver: &roomapi.Client{
			BaseURL: cfg.RoomInitURL,
			Timeout: cfg.ConnectTimeout,
		},
		dialer: &session.WSDialer{
			HandshakeTimeout:   cfg.ConnectTimeout,
			InsecureSkipVerify: cfg.TLSSkipVerify,
		},
	}
	a.writer = &pipeline.Writer{
		Queue:               a.queue,
		Store:               a.store,
		MaxTries:            uint(cfg.WriteMaxTries),
		InitialInterval:     cfg.WriteInitialBackoff,
		MaxInterval:         cfg.WriteMaxBackoff,
		MaxConsecutiveDrops: cfg.MaxConsecutiveDrops,
	}

	var source supervisor.RoomSource
	switch cfg.RoomSource {
	case config.RoomSourceDB:
		source = roomlist.NewSQLSource(database)
	default:
		source = roomlist.NewFileSource(cfg.RoomsFile)
	}
	a.sup = supervisor.New(source, a.newSession, supervisor.Options{
		PollInterval: cfg.PollInterval,
		StopGrace:    cfg.StopGrace,
		Queue:        a.queue,
	})
	slog.Info("app initialized",
		slog.String("db_driver", cfg.DBDriver),
		slog.String("room_source", cfg.RoomSource),
		slog.Int("queue_capacity", a.queue.Cap()))
	return a, nil
}

// migrate runs versioned migrations on Postgres, falling back to the embedded
// schema for databases that predate them. sqlite only uses the embedded schema.
func migrate(database *sql.DB, driver string) error {
	ctx := context.Background()
	slog.Info("running database migrations", slog.String("component", "db_migrate"), slog.String("driver", driver))
	if driver == db.DriverSQLite {
		if err := db.Migrate(ctx, database, driver); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
		return nil
	}
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded schema",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database, driver); err != nil {
			return fmt.Errorf("migrate db (both versioned and embedded schema failed): %w", err)
		}
		return nil
	}
	slog.Info("versioned migrations completed successfully", slog.String("component", "db_migrate"))
	return nil
}

func (a *App) newSession(room int64) supervisor.Runner {
	return session.New(session.Options{
		Room:              room,
		URL:               a.cfg.WSURL,
		Resolver:          a.resolver,
		Dialer:            a.dialer,
		Sink:              a.queue,
		HeartbeatInterval: a.cfg.HeartbeatInterval,
		ReconnectDelay:    a.cfg.ReconnectDelay,
		ConnectTimeout:    a.cfg.ConnectTimeout,
		StopGrace:         a.cfg.StopGrace,
		CarryPartial:      a.cfg.CarryPartial,
	})
}

// run blocks until ctx is canceled or the writer gives up, then shuts down in
// two phases: stop every session (which closes the queue), then let the writer
// drain.
func (a *App) run(ctx context.Context) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// The writer outlives runCtx so it can drain after sessions stop.
	writerCtx, cancelWriter := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWriter()
	writerDone := make(chan error, 1)
	go func() {
		err := a.writer.Run(writerCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			cancel(err)
		}
		writerDone <- err
	}()

	go func() {
		_ = a.sup.Run(runCtx)
	}()

	go func() {
		deps := server.Deps{
			Store:  a.store,
			Events: a.store,
			Rooms:  a.sup,
			Writer: a.writer,
			Queue:  a.queue,
		}
		if err := server.Start(runCtx, deps, a.cfg.HTTPAddr, nil); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-runCtx.Done()
	cause := context.Cause(runCtx)
	slog.Info("shutting down", slog.Any("cause", cause))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.cfg.StopGrace+time.Second)
	defer cancelShutdown()
	if err := a.sup.Shutdown(shutdownCtx); err != nil {
		slog.Warn("sessions did not stop in time", slog.Any("err", err))
	}

	var writerErr error
	select {
	case writerErr = <-writerDone:
	case <-time.After(drainTimeout):
		slog.Warn("writer drain timed out", slog.Int("pending", a.queue.Len()))
		cancelWriter()
		writerErr = <-writerDone
	}
	written, dropped := a.writer.Stats()
	slog.Info("shutdown complete", slog.Int64("events_written", written), slog.Int64("events_dropped", dropped))

	if errors.Is(cause, pipeline.ErrStorageUnavailable) {
		return cause
	}
	if writerErr != nil && !errors.Is(writerErr, context.Canceled) {
		return writerErr
	}
	return nil
}

// startPprof enables profiling endpoints when ENABLE_PPROF=1.
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
		srv := &http.Server{
			Addr:              pprofAddr,
			Handler:           nil, // default mux exposes /debug/pprof
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
