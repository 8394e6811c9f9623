// Package service runs the long-lived SIEM loop: collectors fill a bounded
// buffer and a processing loop periodically drains it through the pipeline
// and hands the resulting alerts to the sinks.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sgerhart/siemflux/internal/collectors"
	"github.com/sgerhart/siemflux/internal/model"
	"github.com/sgerhart/siemflux/internal/sink"
)

// Processor is the slice of *pipeline.Pipeline the runner drives
type Processor interface {
	ProcessLogs(ctx context.Context, raws []model.RawLogEntry) ([]model.Alert, error)
	Stats() model.ProcessingStats
}

// Archive persists raw entries and statistics; *store.PostgresStore implements it
type Archive interface {
	SaveLogs(ctx context.Context, raws []model.RawLogEntry) error
	SaveStats(ctx context.Context, stats model.ProcessingStats) error
}

// Recorder publishes the buffer depth; metrics.Metrics implements it
type Recorder interface {
	SetBufferSize(n int)
}

type nopRecorder struct{}

func (nopRecorder) SetBufferSize(int) {}

// Config holds the runner settings
type Config struct {
	ProcessingInterval time.Duration
	BufferCapacity     int
	BufferKeep         int
}

// Deps are the collaborators of a runner. Sink and Archive are optional.
type Deps struct {
	Processor  Processor
	Collectors []collectors.Collector
	Sink       sink.Sink
	Archive    Archive
	Recorder   Recorder
	Logger     *slog.Logger
}

// Runner owns the collection and processing loops
type Runner struct {
	cfg        Config
	processor  Processor
	collectors []collectors.Collector
	sink       sink.Sink
	archive    Archive
	recorder   Recorder
	logger     *slog.Logger
	buffer     *Buffer

	cycles atomic.Int64
	alerts atomic.Int64
}

// New creates a runner
func New(cfg Config, deps Deps) (*Runner, error) {
	if deps.Processor == nil {
		return nil, errors.New("service requires a processor")
	}
	if cfg.ProcessingInterval <= 0 {
		return nil, fmt.Errorf("processing interval must be positive, got %s", cfg.ProcessingInterval)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var recorder Recorder = nopRecorder{}
	if deps.Recorder != nil {
		recorder = deps.Recorder
	}
	return &Runner{
		cfg:        cfg,
		processor:  deps.Processor,
		collectors: deps.Collectors,
		sink:       deps.Sink,
		archive:    deps.Archive,
		recorder:   recorder,
		logger:     logger,
		buffer:     NewBuffer(cfg.BufferCapacity, cfg.BufferKeep),
	}, nil
}

// Buffer exposes the collection buffer
func (r *Runner) Buffer() *Buffer {
	return r.buffer
}

// Enqueue adds entries to the buffer as a collector would
func (r *Runner) Enqueue(entries ...model.RawLogEntry) {
	r.recorder.SetBufferSize(r.buffer.Add(entries...))
}

// Run starts every collector and the processing loop and blocks until ctx
// is cancelled or a collector fails.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, c := range r.collectors {
		c := c
		g.Go(func() error {
			r.logger.Info("Starting collector", "collector", c.Name())
			if err := c.Run(ctx, r.Enqueue); err != nil {
				return fmt.Errorf("collector %s failed: %w", c.Name(), err)
			}
			return nil
		})
	}

	g.Go(func() error {
		r.processLoop(ctx)
		return nil
	})

	err := g.Wait()
	r.logger.Info("Service stopped", "cycles", r.cycles.Load(), "alerts", r.alerts.Load(), "buffered", r.buffer.Len())
	return err
}

func (r *Runner) processLoop(ctx context.Context) {
	r.logger.Info("Starting processing loop", "interval", r.cfg.ProcessingInterval)
	ticker := time.NewTicker(r.cfg.ProcessingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Cycle(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Processing cycle failed", "error", err)
			}
		}
	}
}

// Cycle drains the buffer once: archive the raw entries, run the pipeline,
// publish the alerts and archive the statistics. It returns the number of
// alerts generated.
func (r *Runner) Cycle(ctx context.Context) (int, error) {
	raws := r.buffer.Drain()
	r.recorder.SetBufferSize(0)
	if len(raws) == 0 {
		return 0, nil
	}
	r.cycles.Add(1)
	r.logger.Info("Processing buffered logs", "logs", len(raws))

	if r.archive != nil {
		if err := r.archive.SaveLogs(ctx, raws); err != nil {
			r.logger.Warn("Failed to archive raw logs", "logs", len(raws), "error", err)
		}
	}

	alerts, runErr := r.processor.ProcessLogs(ctx, raws)
	r.alerts.Add(int64(len(alerts)))

	var errs []error
	if runErr != nil {
		errs = append(errs, fmt.Errorf("pipeline run: %w", runErr))
	}
	if r.sink != nil && len(alerts) > 0 {
		if err := r.sink.Publish(ctx, alerts); err != nil {
			errs = append(errs, fmt.Errorf("publish alerts: %w", err))
		}
	}
	if r.archive != nil {
		if err := r.archive.SaveStats(ctx, r.processor.Stats()); err != nil {
			r.logger.Warn("Failed to archive processing stats", "error", err)
		}
	}

	for _, a := range alerts {
		r.logger.Info("Alert generated", "alert_id", a.ID, "title", a.Title, "severity", a.Severity, "confidence", a.Confidence)
	}
	r.logger.Info("Processing cycle complete", "logs", len(raws), "alerts", len(alerts))
	return len(alerts), errors.Join(errs...)
}

// CollectorHealth reports each collector's health by name
func (r *Runner) CollectorHealth() map[string]bool {
	out := make(map[string]bool, len(r.collectors))
	for _, c := range r.collectors {
		out[c.Name()] = c.Healthy()
	}
	return out
}

// GetStats returns runner statistics
func (r *Runner) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"cycles":         r.cycles.Load(),
		"alerts":         r.alerts.Load(),
		"buffered":       r.buffer.Len(),
		"buffer_dropped": r.buffer.Dropped(),
		"collectors":     r.CollectorHealth(),
	}
}
