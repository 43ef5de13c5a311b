// Command durable runs the workflow engine: the HTTP API, the worker that
// drives executions, or both in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:                  "durable",
		Usage:                 "Durable workflow engine",
		EnableShellCompletion: true,
		Flags:                 globalFlags(),
		Commands: []*cli.Command{
			NewServerCommand(),
			NewWorkerCommand(),
			NewAllCommand(),
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "backend",
			Usage:   "Event store backend (memory, sqlite, postgres, redis)",
			Value:   "sqlite",
			Sources: cli.EnvVars("DURABLE_BACKEND"),
		},
		&cli.StringFlag{
			Name:    "dsn",
			Usage:   "SQLite file or Postgres connection string",
			Value:   "file:durable.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
			Sources: cli.EnvVars("DURABLE_DSN"),
		},
		&cli.StringFlag{
			Name:    "redis-addr",
			Usage:   "Redis address for the redis backend",
			Value:   "localhost:6379",
			Sources: cli.EnvVars("DURABLE_REDIS_ADDR"),
		},
		&cli.StringFlag{
			Name:    "registry-file",
			Usage:   "YAML file with trusted workflow prefixes, aliases and input schemas",
			Sources: cli.EnvVars("DURABLE_REGISTRY_FILE"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("DURABLE_LOG_LEVEL"),
		},
		&cli.BoolFlag{
			Name:    "otel",
			Usage:   "Export traces over OTLP HTTP (configured by OTEL_EXPORTER_OTLP_*)",
			Sources: cli.EnvVars("DURABLE_OTEL"),
		},
	}
}

func serverFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "listen",
			Usage:   "HTTP listen address",
			Value:   ":8080",
			Sources: cli.EnvVars("DURABLE_LISTEN"),
		},
		&cli.BoolFlag{
			Name:    "hide-not-found",
			Usage:   "Answer unknown executions with 403 instead of 404",
			Value:   true,
			Sources: cli.EnvVars("DURABLE_HIDE_NOT_FOUND"),
		},
		&cli.BoolFlag{
			Name:    "access-log",
			Usage:   "Log every HTTP request",
			Sources: cli.EnvVars("DURABLE_ACCESS_LOG"),
		},
	}
}

func workerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "workers",
			Usage:   "Executions driven concurrently",
			Value:   10,
			Sources: cli.EnvVars("DURABLE_WORKERS"),
		},
		&cli.DurationFlag{
			Name:    "lock-duration",
			Usage:   "How long a claimed execution stays locked",
			Value:   10 * time.Minute,
			Sources: cli.EnvVars("DURABLE_LOCK_DURATION"),
		},
		&cli.DurationFlag{
			Name:    "idle-delay",
			Usage:   "Wait between claims when nothing is due",
			Value:   15 * time.Second,
			Sources: cli.EnvVars("DURABLE_IDLE_DELAY"),
		},
		&cli.FloatFlag{
			Name:    "claim-rate",
			Usage:   "Maximum claim queries per second (0 = unlimited)",
			Sources: cli.EnvVars("DURABLE_CLAIM_RATE"),
		},
	}
}

func NewServerCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Serve the HTTP API",
		Flags: serverFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			return run(ctx, command, roleServer)
		},
	}
}

func NewWorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Drive executions with due events",
		Flags: workerFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			return run(ctx, command, roleWorker)
		},
	}
}

func NewAllCommand() *cli.Command {
	return &cli.Command{
		Name:  "all",
		Usage: "Serve the HTTP API and drive executions in one process",
		Flags: append(serverFlags(), workerFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			return run(ctx, command, roleServer|roleWorker)
		},
	}
}
