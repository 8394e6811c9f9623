package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sgerhart/siemflux/internal/api"
	"github.com/sgerhart/siemflux/internal/collectors"
	"github.com/sgerhart/siemflux/internal/metrics"
	"github.com/sgerhart/siemflux/internal/service"
	"github.com/sgerhart/siemflux/internal/sink"
	"github.com/sgerhart/siemflux/internal/store"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collectors, the processing loop and the HTTP API",
	Long: `Start the SIEM service. Enabled collectors (syslog, NATS) fill a bounded
buffer that is drained through the pipeline every processing interval.
Alerts are kept in memory, optionally persisted to Postgres and published
to NATS and Kafka. The HTTP API serves alerts, statistics and metrics.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Log, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	logger.Info("Starting SIEMFlux",
		"version", version,
		"http_addr", cfg.HTTP.Addr,
		"llm_provider", cfg.LLM.Provider,
		"batch_size", cfg.Pipeline.BatchSize,
		"max_concurrent", cfg.Pipeline.MaxConcurrent,
		"processing_interval", cfg.Pipeline.ProcessingInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics()

	router, budget, err := newRouter(cfg.LLM, logger)
	if err != nil {
		return err
	}
	p, err := newPipeline(cfg, router, m, logger)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	alerts, err := store.NewMemoryStore(cfg.Store.MaxAlerts, cfg.Store.DedupeSize, logger)
	if err != nil {
		return fmt.Errorf("failed to create alert store: %w", err)
	}
	sinks := []sink.Sink{sink.NewStoreSink("memory", alerts, logger)}
	readyChecks := map[string]api.ReadyCheck{"pipeline": p.Health}

	var archive service.Archive
	if cfg.Postgres.DSN != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Postgres.DSN, logger)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		sinks = append(sinks, sink.NewStoreSink("postgres", pg, logger))
		archive = pg
		readyChecks["postgres"] = pg.Health
		logger.Info("Postgres persistence enabled")
	}

	var cols []collectors.Collector
	if cfg.NATS.Enabled {
		nc, err := collectors.DialNATS(cfg.NATS.URL, "siemflux", logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		cols = append(cols, collectors.NewNATSCollector(nc, cfg.NATS.RawSubject, cfg.NATS.Queue, logger, m))
		sinks = append(sinks, sink.NewNATSPublisherWithConn(nc, cfg.NATS.AlertSubject, logger))
		readyChecks["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		}
		logger.Info("Connected to NATS", "url", cfg.NATS.URL, "raw_subject", cfg.NATS.RawSubject, "alert_subject", cfg.NATS.AlertSubject)
	}
	if cfg.Kafka.Enabled {
		ks, err := sink.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		if err != nil {
			return err
		}
		defer ks.Close()
		sinks = append(sinks, ks)
		logger.Info("Kafka alert sink enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}
	if cfg.Syslog.Enabled {
		cols = append(cols, collectors.NewSyslogCollector(cfg.Syslog.Addr, logger, m))
	}

	fanout := sink.NewFanout(logger, m, sinks...)
	runner, err := service.New(service.Config{
		ProcessingInterval: cfg.Pipeline.ProcessingInterval,
		BufferCapacity:     cfg.Pipeline.BufferCapacity,
		BufferKeep:         cfg.Pipeline.BufferKeep,
	}, service.Deps{
		Processor:  p,
		Collectors: cols,
		Sink:       fanout,
		Archive:    archive,
		Recorder:   m,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	if len(cols) > 0 {
		readyChecks["collectors"] = func(context.Context) error {
			var down []string
			for name, ok := range runner.CollectorHealth() {
				if !ok {
					down = append(down, name)
				}
			}
			if len(down) > 0 {
				sort.Strings(down)
				return fmt.Errorf("collectors not running: %s", strings.Join(down, ", "))
			}
			return nil
		}
	}

	apiServer, err := api.NewServer(alerts, p, api.Options{
		CORSOrigins: cfg.HTTP.CORSOrigins,
		Metrics:     m.Handler(),
		Publisher:   fanout,
		ReadyChecks: readyChecks,
	}, logger)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      apiServer.Routes(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	errCh := make(chan error, 1)
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		if err := runner.Run(runCtx); err != nil {
			select {
			case errCh <- err:
			default:
			}
		}
	}()
	go func() {
		logger.Info("Starting HTTP server", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case errCh <- fmt.Errorf("HTTP server failed: %w", err):
			default:
			}
		}
	}()

	logger.Info("SIEMFlux started", "collectors", len(cols), "sinks", len(sinks))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down SIEMFlux")
	case runErr = <-errCh:
		logger.Error("SIEMFlux failed", "error", runErr)
	}

	p.Close()
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	select {
	case <-runnerDone:
	case <-shutdownCtx.Done():
		logger.Warn("Processing loop did not stop before shutdown timeout")
	}

	logger.Info("SIEMFlux stopped",
		"pipeline", p.GetStats(),
		"service", runner.GetStats(),
		"llm_budget", budget.GetStats())
	return runErr
}
