// Package sink delivers generated alerts to their destinations: the alert
// store, NATS subscribers and a Kafka topic.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sgerhart/siemflux/internal/model"
	"github.com/sgerhart/siemflux/internal/store"
)

// Sink receives alerts after every processing cycle
type Sink interface {
	Name() string
	Publish(ctx context.Context, alerts []model.Alert) error
}

// Recorder counts deliveries; metrics.Metrics implements it
type Recorder interface {
	IncrementAlertsPublished(sink string, n int)
	IncrementSinkErrors(sink string)
}

// Fanout publishes to every sink. A failing sink does not stop the others.
type Fanout struct {
	sinks    []Sink
	logger   *slog.Logger
	recorder Recorder
}

// NewFanout creates a fanout over sinks; recorder may be nil
func NewFanout(logger *slog.Logger, recorder Recorder, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{sinks: sinks, logger: logger, recorder: recorder}
}

// Name implements Sink
func (f *Fanout) Name() string {
	return "fanout"
}

// Publish delivers alerts to every sink and joins their errors
func (f *Fanout) Publish(ctx context.Context, alerts []model.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, alerts); err != nil {
			f.logger.Error("Failed to publish alerts", "sink", s.Name(), "alerts", len(alerts), "error", err)
			if f.recorder != nil {
				f.recorder.IncrementSinkErrors(s.Name())
			}
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		if f.recorder != nil {
			f.recorder.IncrementAlertsPublished(s.Name(), len(alerts))
		}
	}
	return errors.Join(errs...)
}

// Sinks returns the wrapped sinks
func (f *Fanout) Sinks() []Sink {
	return f.sinks
}

// StoreSink saves alerts to an AlertStore
type StoreSink struct {
	name   string
	store  store.AlertStore
	logger *slog.Logger
}

// NewStoreSink wraps an alert store
func NewStoreSink(name string, s store.AlertStore, logger *slog.Logger) *StoreSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSink{name: name, store: s, logger: logger}
}

// Name implements Sink
func (s *StoreSink) Name() string {
	return s.name
}

// Publish implements Sink
func (s *StoreSink) Publish(ctx context.Context, alerts []model.Alert) error {
	added, err := s.store.Save(ctx, alerts)
	if err != nil {
		return fmt.Errorf("failed to save alerts: %w", err)
	}
	s.logger.Debug("Alerts stored", "sink", s.name, "received", len(alerts), "added", added)
	return nil
}
