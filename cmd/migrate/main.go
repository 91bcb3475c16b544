// Command migrate applies or reverts CoreFlow's PostgreSQL schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/coreflow/internal/infra/config"
	"github.com/coachpo/coreflow/internal/infra/persistence/migrations"
)

const (
	dsnEnvVar      = config.EnvPrefix + "DATABASE_DSN"
	defaultTimeout = 30 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dsn     = flag.String("database", os.Getenv(dsnEnvVar), "PostgreSQL DSN (defaults to $"+dsnEnvVar+")")
		dir     = flag.String("path", migrations.EmbeddedDir, "Directory containing SQL migrations, or \"embedded\" for the built-in set")
		timeout = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = flag.Bool("quiet", false, "Suppress informational logs")
	)
	flag.Parse()

	if strings.TrimSpace(*dsn) == "" {
		return errors.New("-database flag or " + dsnEnvVar + " is required")
	}
	if strings.TrimSpace(*dir) == "" {
		return errors.New("-path flag is required")
	}

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down|version)")
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(os.Stdout, "coreflow-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch args[0] {
	case "up":
		return migrations.Apply(ctx, *dsn, *dir, logger)
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		return migrations.Rollback(ctx, *dsn, *dir, steps, logger)
	case "version":
		version, dirty, err := migrations.Version(ctx, *dsn, *dir)
		if err != nil {
			return err
		}
		fmt.Printf("version=%d dirty=%t\n", version, dirty)
		return nil
	default:
		return fmt.Errorf("unknown command %q (expected up, down or version)", args[0])
	}
}
