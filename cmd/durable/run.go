package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	cli "github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/petrijr/durable"
	"github.com/petrijr/durable/internal/log"
	"github.com/petrijr/durable/internal/telemetry"
)

type role int

const (
	roleServer role = 1 << iota
	roleWorker
)

func run(ctx context.Context, command *cli.Command, r role) error {
	logger, err := log.Setup(command.String("log-level"))
	if err != nil {
		return err
	}

	if command.Bool("otel") {
		tp, err := telemetry.NewTracerProvider(ctx, "durable")
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		defer func() {
			if err := tp.Shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Error("failed to shutdown tracer provider", slog.Any("error", err))
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := telemetry.NewPrometheusObserver(reg)
	if err != nil {
		return err
	}

	cfg := durable.Config{
		Store: durable.StoreConfig{
			Kind:      durable.BackendKind(command.String("backend")),
			DSN:       command.String("dsn"),
			RedisAddr: command.String("redis-addr"),
		},
		RegistryFile: command.String("registry-file"),
		Gatherer:     reg,
		Observer:     durable.NewCompositeObserver(metrics, durable.NewLoggingObserver(logger)),
		HTTPClient:   telemetry.HTTPClient(),
		Logger:       logger,
	}
	if r&roleWorker != 0 {
		cfg.Workers = int(command.Int("workers"))
		cfg.LockDuration = command.Duration("lock-duration")
		cfg.IdleDelay = command.Duration("idle-delay")
		cfg.ClaimRate = rate.Limit(command.Float("claim-rate"))
	}
	if r&roleServer != 0 {
		cfg.HideNotFound = command.Bool("hide-not-found")
		cfg.AccessLog = command.Bool("access-log")
	}

	eng, err := durable.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("failed to close engine", slog.Any("error", err))
		}
	}()

	logger.Info("durable starting",
		slog.String("backend", command.String("backend")),
		slog.Bool("server", r&roleServer != 0),
		slog.Bool("worker", r&roleWorker != 0),
	)

	g, ctx := errgroup.WithContext(ctx)
	if r&roleWorker != 0 {
		g.Go(func() error { return eng.RunWorker(ctx) })
	}
	if r&roleServer != 0 {
		addr := command.String("listen")
		g.Go(func() error { return eng.Serve(ctx, addr) })
	}
	return g.Wait()
}
