// Package pipeline drives raw log entries through normalization and the
// four inference stages, batch by batch, and keeps the running statistics.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sgerhart/siemflux/internal/gate"
	"github.com/sgerhart/siemflux/internal/history"
	"github.com/sgerhart/siemflux/internal/llm"
	"github.com/sgerhart/siemflux/internal/model"
	"github.com/sgerhart/siemflux/internal/normalize"
	"github.com/sgerhart/siemflux/internal/stages"
)

// Config holds the pipeline tunables
type Config struct {
	BatchSize         int
	AlertThreshold    float64
	MaxConcurrent     int
	BatchInterval     time.Duration
	HistoryWindow     time.Duration
	HistoryMaxEntries int
	RelatedWindow     time.Duration
	MaxRelated        int
}

// DefaultConfig returns the built-in pipeline settings
func DefaultConfig() Config {
	return Config{
		BatchSize:         100,
		AlertThreshold:    0.7,
		MaxConcurrent:     5,
		BatchInterval:     100 * time.Millisecond,
		HistoryWindow:     24 * time.Hour,
		HistoryMaxEntries: 10000,
		RelatedWindow:     2 * time.Hour,
		MaxRelated:        10,
	}
}

// Validate checks the configuration for values the pipeline cannot run with
func (c Config) Validate() error {
	switch {
	case c.BatchSize < 1:
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	case c.AlertThreshold < 0 || c.AlertThreshold > 1:
		return fmt.Errorf("alert threshold must be within [0,1], got %v", c.AlertThreshold)
	case c.MaxConcurrent < 1:
		return fmt.Errorf("max concurrent must be at least 1, got %d", c.MaxConcurrent)
	case c.BatchInterval < 0:
		return fmt.Errorf("batch interval must not be negative, got %s", c.BatchInterval)
	}
	return nil
}

// ClientSource resolves the inference client for a stage role; *llm.Router implements it
type ClientSource interface {
	ClientFor(role string) (llm.Client, error)
}

// Recorder receives pipeline observations; metrics.Metrics implements it
type Recorder interface {
	stages.Recorder
	ObserveBatch(size int, d time.Duration, err error)
	ObserveRun(stats model.ProcessingStats)
}

type nopRecorder struct{}

func (nopRecorder) ObserveInference(string, time.Duration, error) {}
func (nopRecorder) IncFallback(string, string)                    {}
func (nopRecorder) IncShortCircuit(string)                        {}
func (nopRecorder) ObserveBatch(int, time.Duration, error)        {}
func (nopRecorder) ObserveRun(model.ProcessingStats)              {}

// Deps are the collaborators of a pipeline
type Deps struct {
	Clients    ClientSource
	Indicators *stages.Indicators
	Assets     map[string]stages.Asset
	Users      map[string]stages.UserProfile
	Logger     *slog.Logger
	Recorder   Recorder
}

// Pipeline is the multi-stage orchestrator. It is safe for concurrent use;
// overlapping ProcessLogs calls share the gate, history and statistics.
type Pipeline struct {
	cfg          Config
	logger       *slog.Logger
	recorder     Recorder
	gate         *gate.Gate
	history      *history.History
	healthClient llm.Client

	anomaly     *stages.Anomaly
	threatIntel *stages.ThreatIntel
	correlation *stages.Correlation
	alerts      *stages.AlertGenerator

	stopped atomic.Bool

	mu    sync.Mutex
	stats model.ProcessingStats
}

// New wires the stages together. It fails on invalid configuration or
// missing collaborators.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	if deps.Clients == nil {
		return nil, errors.New("pipeline requires an inference client source")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var recorder Recorder = nopRecorder{}
	if deps.Recorder != nil {
		recorder = deps.Recorder
	}

	g, err := gate.New(cfg.MaxConcurrent)
	if err != nil {
		return nil, fmt.Errorf("failed to create concurrency gate: %w", err)
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 24 * time.Hour
	}

	p := &Pipeline{
		cfg:      cfg,
		logger:   logger,
		recorder: recorder,
		gate:     g,
		history:  history.New(cfg.HistoryWindow, cfg.HistoryMaxEntries),
	}

	stageDeps := func(role string) (stages.Deps, error) {
		client, err := deps.Clients.ClientFor(role)
		if err != nil {
			return stages.Deps{}, fmt.Errorf("failed to resolve %s client: %w", role, err)
		}
		return stages.Deps{Client: client, Gate: g, Logger: logger, Recorder: recorder}, nil
	}

	d, err := stageDeps(llm.RoleAnomaly)
	if err != nil {
		return nil, err
	}
	p.healthClient = d.Client
	if p.anomaly, err = stages.NewAnomaly(d); err != nil {
		return nil, err
	}

	if d, err = stageDeps(llm.RoleThreatIntel); err != nil {
		return nil, err
	}
	indicators := stages.DefaultIndicators()
	if deps.Indicators != nil {
		indicators = *deps.Indicators
	}
	if p.threatIntel, err = stages.NewThreatIntel(d, indicators); err != nil {
		return nil, err
	}

	if d, err = stageDeps(llm.RoleCorrelation); err != nil {
		return nil, err
	}
	p.correlation, err = stages.NewCorrelation(d, stages.CorrelationConfig{
		AlertThreshold: cfg.AlertThreshold,
		RelatedWindow:  cfg.RelatedWindow,
		MaxRelated:     cfg.MaxRelated,
		Assets:         deps.Assets,
		Users:          deps.Users,
	}, p.history)
	if err != nil {
		return nil, err
	}

	if d, err = stageDeps(llm.RoleAlert); err != nil {
		return nil, err
	}
	if p.alerts, err = stages.NewAlertGenerator(d, cfg.AlertThreshold); err != nil {
		return nil, err
	}

	return p, nil
}

type batchResult struct {
	alerts    []model.Alert
	anomalies int64
	threats   int64
	fallbacks int64
}

// ProcessLogs normalizes raws and runs them through every stage in batches
// of BatchSize, returning the alerts of all successful batches in order.
// A failing batch is logged and counted and contributes no alerts. Stop or
// context cancellation ends the run between batches; the alerts gathered
// so far are returned together with the context error, if any.
func (p *Pipeline) ProcessLogs(ctx context.Context, raws []model.RawLogEntry) ([]model.Alert, error) {
	start := time.Now()
	entries := p.normalize(raws)

	var (
		alerts    []model.Alert
		totals    batchResult
		runErr    error
		processed = int64(len(raws) - len(entries))
	)
	batches := split(entries, p.cfg.BatchSize)
	for i, batch := range batches {
		if p.stopped.Load() {
			p.logger.Info("Pipeline stopped, skipping remaining batches", "remaining", len(batches)-i)
			break
		}
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("processing cancelled before batch %d: %w", i+1, err)
			break
		}

		batchStart := time.Now()
		processed += int64(len(batch))
		res, err := p.processBatch(ctx, i+1, batch)
		p.recorder.ObserveBatch(len(batch), time.Since(batchStart), err)
		if err != nil {
			p.logger.Error("Batch processing failed", "batch", i+1, "size", len(batch), "error", err)
			p.mu.Lock()
			p.stats.FailedBatches++
			p.mu.Unlock()
		} else {
			alerts = append(alerts, res.alerts...)
			totals.anomalies += res.anomalies
			totals.threats += res.threats
			totals.fallbacks += res.fallbacks
			p.logger.Debug("Batch processed", "batch", i+1, "size", len(batch), "alerts", len(res.alerts))
		}

		if i < len(batches)-1 && p.cfg.BatchInterval > 0 {
			if err := sleep(ctx, p.cfg.BatchInterval); err != nil {
				runErr = fmt.Errorf("processing cancelled after batch %d: %w", i+1, err)
				break
			}
		}
	}

	elapsed := time.Since(start).Seconds()
	p.mu.Lock()
	p.stats.TotalLogsProcessed += processed
	p.stats.AlertsGenerated += int64(len(alerts))
	p.stats.AnomaliesDetected += totals.anomalies
	p.stats.ThreatsVerified += totals.threats
	p.stats.FallbackResults += totals.fallbacks
	if p.stats.ProcessingTimeAvg == 0 {
		p.stats.ProcessingTimeAvg = elapsed
	} else {
		p.stats.ProcessingTimeAvg = (p.stats.ProcessingTimeAvg + elapsed) / 2
	}
	p.stats.LastUpdated = time.Now().UTC()
	snapshot := p.stats
	p.mu.Unlock()
	p.recorder.ObserveRun(snapshot)

	p.logger.Info("Processed log entries",
		"logs", len(raws),
		"normalized", len(entries),
		"batches", len(batches),
		"alerts", len(alerts),
		"duration_s", elapsed)

	return alerts, runErr
}

// ProcessSingle runs one raw entry through the pipeline
func (p *Pipeline) ProcessSingle(ctx context.Context, raw model.RawLogEntry) ([]model.Alert, error) {
	return p.ProcessLogs(ctx, []model.RawLogEntry{raw})
}

func (p *Pipeline) normalize(raws []model.RawLogEntry) []model.NormalizedLogEntry {
	entries := make([]model.NormalizedLogEntry, 0, len(raws))
	seen := make(map[string]struct{}, len(raws))
	var dropped int64
	for _, raw := range raws {
		if err := normalize.Validate(raw); err != nil {
			p.logger.Warn("Dropping raw log entry", "id", raw.ID, "source", raw.Source, "error", err)
			dropped++
			continue
		}
		entry := normalize.Normalize(raw)
		if _, dup := seen[entry.ID]; dup {
			id := uniqueID(entry.ID, seen)
			p.logger.Warn("Duplicate log entry ID, renaming", "id", entry.ID, "new_id", id, "source", entry.Source)
			entry.ID = id
		}
		seen[entry.ID] = struct{}{}
		entries = append(entries, entry)
	}
	if dropped > 0 {
		p.mu.Lock()
		p.stats.NormalizationErrors += dropped
		p.mu.Unlock()
	}
	return entries
}

// uniqueID suffixes id with the first counter not already in seen. Stage
// results are keyed by ID, so every entry of one run needs its own.
func uniqueID(id string, seen map[string]struct{}) string {
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s-%d", id, n)
		if _, ok := seen[candidate]; !ok {
			return candidate
		}
	}
}

// processBatch runs the four stages in sequence. Any stage error or panic
// fails the whole batch.
func (p *Pipeline) processBatch(ctx context.Context, index int, batch []model.NormalizedLogEntry) (res batchResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch %d panicked: %v\n%s", index, r, debug.Stack())
		}
	}()

	anomalies, err := p.anomaly.Process(ctx, batch)
	if err != nil {
		return res, fmt.Errorf("anomaly stage: %w", err)
	}
	threats, err := p.threatIntel.Process(ctx, batch, anomalies)
	if err != nil {
		return res, fmt.Errorf("threat-intel stage: %w", err)
	}
	correlations, err := p.correlation.Process(ctx, batch, threats)
	if err != nil {
		return res, fmt.Errorf("correlation stage: %w", err)
	}
	alerts, err := p.alerts.Process(ctx, batch, correlations)
	if err != nil {
		return res, fmt.Errorf("alert stage: %w", err)
	}

	res.alerts = alerts
	for _, a := range anomalies {
		if a.IsAnomalous {
			res.anomalies++
		}
		if a.Fallback {
			res.fallbacks++
		}
	}
	for _, t := range threats {
		if t.IsThreat {
			res.threats++
		}
		if t.Fallback {
			res.fallbacks++
		}
	}
	for _, c := range correlations {
		if c.Fallback {
			res.fallbacks++
		}
	}
	for _, a := range alerts {
		if a.Fallback {
			res.fallbacks++
		}
	}
	return res, nil
}

// Stop makes running and future ProcessLogs calls finish after their current batch
func (p *Pipeline) Stop() {
	p.stopped.Store(true)
}

// Close stops the pipeline for good: the current batch finishes, later
// batches are skipped and any further inference call, including Health,
// fails with gate.ErrClosed.
func (p *Pipeline) Close() {
	p.Stop()
	p.gate.Close()
}

// Resume clears a previous Stop
func (p *Pipeline) Resume() {
	p.stopped.Store(false)
}

// Stopped reports whether Stop has been called
func (p *Pipeline) Stopped() bool {
	return p.stopped.Load()
}

// Stats returns a snapshot of the running statistics
func (p *Pipeline) Stats() model.ProcessingStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// GetStats returns the running statistics together with gate and history state
func (p *Pipeline) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"processing": p.Stats(),
		"gate":       p.gate.GetStats(),
		"history":    p.history.GetStats(),
		"stopped":    p.Stopped(),
	}
}

// Health sends a minimal prompt to the anomaly client through the gate
func (p *Pipeline) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := p.gate.Do(ctx, func(ctx context.Context) error {
		_, err := p.healthClient.Generate(ctx, "Health check. Reply with OK.", "You are a health check endpoint.")
		return err
	})
	if err != nil {
		return fmt.Errorf("inference client %s unhealthy: %w", p.healthClient.GetProvider(), err)
	}
	return nil
}

func split(entries []model.NormalizedLogEntry, size int) [][]model.NormalizedLogEntry {
	var batches [][]model.NormalizedLogEntry
	for start := 0; start < len(entries); start += size {
		end := start + size
		if end > len(entries) {
			end = len(entries)
		}
		batches = append(batches, entries[start:end])
	}
	return batches
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
