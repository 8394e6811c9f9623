// Package collectors turns external log feeds into raw log entries. Each
// collector runs until its context is cancelled and hands every entry it
// accepts to an Emit callback.
package collectors

import (
	"context"

	"github.com/sgerhart/siemflux/internal/model"
)

// Emit receives entries accepted by a collector
type Emit func(entries ...model.RawLogEntry)

// Collector is a long-running log source
type Collector interface {
	Name() string
	Run(ctx context.Context, emit Emit) error
	Healthy() bool
}

// Recorder counts ingested and rejected records; metrics.Metrics implements it
type Recorder interface {
	IncrementLogsIngested(source string, n int)
	IncrementLogsInvalid()
}

type nopRecorder struct{}

func (nopRecorder) IncrementLogsIngested(string, int) {}
func (nopRecorder) IncrementLogsInvalid()             {}
