// Command roomctl edits the watch list that a running danmu-tender follows.
// Changes are picked up on the next supervisor poll, no restart needed.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"github.com/onnwee/danmu-tender/config"
	"github.com/onnwee/danmu-tender/db"
	"github.com/onnwee/danmu-tender/roomlist"
)

func main() {
	_ = godotenv.Load()
	if err := newCommand(os.Stdout).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "roomctl:", err)
		os.Exit(1)
	}
}

func newCommand(out io.Writer) *cli.Command {
	root := &cli.Command{
		Name:   "roomctl",
		Usage:  "list and edit watched live rooms",
		Writer: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "source",
				Value:   config.RoomSourceFile,
				Usage:   "room list backend: file or db",
				Sources: cli.EnvVars("ROOM_SOURCE"),
			},
			&cli.StringFlag{
				Name:    "rooms-file",
				Value:   roomlist.DefaultFile,
				Usage:   "path of the JSON room list (file source)",
				Sources: cli.EnvVars("ROOMS_FILE"),
			},
			&cli.StringFlag{
				Name:    "db-driver",
				Value:   db.DriverPostgres,
				Usage:   "database driver: pgx or sqlite (db source)",
				Sources: cli.EnvVars("DB_DRIVER"),
			},
			&cli.StringFlag{
				Name:    "db-dsn",
				Usage:   "database DSN or sqlite path (db source)",
				Sources: cli.EnvVars("DB_DSN"),
			},
		},
	}

	withSource := func(fn func(ctx context.Context, src roomlist.Source, args []string) error) cli.ActionFunc {
		return func(ctx context.Context, cmd *cli.Command) error {
			src, closeFn, err := openSource(ctx, root)
			if err != nil {
				return err
			}
			defer closeFn()
			return fn(ctx, src, cmd.Args().Slice())
		}
	}

	root.Commands = []*cli.Command{
		{
			Name:  "list",
			Usage: "print watched rooms, one per line",
			Action: withSource(func(ctx context.Context, src roomlist.Source, _ []string) error {
				rooms, err := src.Rooms(ctx)
				if err != nil {
					return err
				}
				for _, id := range rooms {
					fmt.Fprintln(out, id)
				}
				return nil
			}),
		},
		{
			Name:      "add",
			Usage:     "add rooms to the watch list",
			ArgsUsage: "ROOM_ID...",
			Action: withSource(func(ctx context.Context, src roomlist.Source, args []string) error {
				ids, err := parseIDs(args)
				if err != nil {
					return err
				}
				for _, id := range ids {
					if err := src.AddRoom(ctx, id); err != nil {
						return fmt.Errorf("add %d: %w", id, err)
					}
				}
				return nil
			}),
		},
		{
			Name:      "remove",
			Aliases:   []string{"rm"},
			Usage:     "remove rooms from the watch list",
			ArgsUsage: "ROOM_ID...",
			Action: withSource(func(ctx context.Context, src roomlist.Source, args []string) error {
				ids, err := parseIDs(args)
				if err != nil {
					return err
				}
				for _, id := range ids {
					if err := src.RemoveRoom(ctx, id); err != nil {
						return fmt.Errorf("remove %d: %w", id, err)
					}
				}
				return nil
			}),
		},
	}
	return root
}

func openSource(ctx context.Context, root *cli.Command) (roomlist.Source, func(), error) {
	switch root.String("source") {
	case config.RoomSourceFile:
		return roomlist.NewFileSource(root.String("rooms-file")), func() {}, nil
	case config.RoomSourceDB:
		driver := root.String("db-driver")
		if driver == "postgres" {
			driver = db.DriverPostgres
		}
		database, err := db.Connect(driver, root.String("db-dsn"))
		if err != nil {
			return nil, nil, err
		}
		if err := db.Migrate(ctx, database, driver); err != nil {
			_ = database.Close()
			return nil, nil, err
		}
		return roomlist.NewSQLSource(database), closer(database), nil
	default:
		return nil, nil, fmt.Errorf("unknown source %q (want file or db)", root.String("source"))
	}
}

func closer(database *sql.DB) func() {
	return func() { _ = database.Close() }
}

func parseIDs(args []string) ([]int64, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("at least one room id is required")
	}
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%w: %q", roomlist.ErrInvalidRoom, a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
