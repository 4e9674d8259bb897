package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"thlogger-gateway/internal/config"
	"thlogger-gateway/internal/db"
	"thlogger-gateway/internal/logging"
	"thlogger-gateway/internal/migrate"
	"thlogger-gateway/internal/modules/history/repository"
)

var version = "dev"

const usage = `usage: %s <command>
  migrate        apply pending schema migrations
  purge [days]   delete measurements older than days (default DATA_RETENTION_DAYS)
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, usage, os.Args[0])
		os.Exit(1)
	}
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg, version, "thlogger-migrate")

	conn, err := db.Open(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "db open: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			slog.Error("db close", "err", closeErr)
		}
	}()

	ctx := context.Background()
	switch os.Args[1] {
	case "migrate":
		n, err := migrate.Run(ctx, conn, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%d migrations applied\n", n)
	case "purge":
		days := cfg.RetentionDays
		if len(os.Args) > 2 {
			days, err = strconv.Atoi(os.Args[2])
			if err != nil || days <= 0 {
				fmt.Fprintf(os.Stderr, "invalid days %q\n", os.Args[2])
				os.Exit(1)
			}
		}
		if days <= 0 {
			fmt.Fprintln(os.Stderr, "purge: no retention configured (set DATA_RETENTION_DAYS or pass days)")
			os.Exit(1)
		}
		cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour)
		n, err := repository.NewRepository(conn).PurgeBefore(ctx, cutoff)
		if err != nil {
			fmt.Fprintf(os.Stderr, "purge: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%d measurements older than %s deleted\n", n, cutoff.UTC().Format(time.RFC3339))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}
