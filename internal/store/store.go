package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/sgerhart/siemflux/internal/model"
)

// ErrNotFound is returned when an alert ID is unknown
var ErrNotFound = errors.New("alert not found")

// ErrInvalidStatus is returned by UpdateStatus for unknown alert states
var ErrInvalidStatus = errors.New("invalid alert status")

// AlertStore defines the interface for storing and retrieving alerts
type AlertStore interface {
	// Save stores alerts, returning how many were new
	Save(ctx context.Context, alerts []model.Alert) (int, error)
	// Get an alert by ID
	Get(ctx context.Context, id string) (model.Alert, error)
	// List alerts matching the filter, newest first
	List(ctx context.Context, filter Filter) ([]model.Alert, error)
	// UpdateStatus moves an alert through its lifecycle
	UpdateStatus(ctx context.Context, id string, update StatusUpdate) (model.Alert, error)
}

// Filter narrows List results
type Filter struct {
	MinSeverity string
	Status      string
	Limit       int
}

// StatusUpdate is an analyst's change to an alert
type StatusUpdate struct {
	Status              string `json:"status"`
	AnalystNotes        string `json:"analyst_notes,omitempty"`
	FalsePositiveReason string `json:"false_positive_reason,omitempty"`
}

// Matches reports whether an alert passes the filter
func (f Filter) Matches(a model.Alert) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.MinSeverity != "" && model.SeverityLevels[a.Severity] < model.SeverityLevels[f.MinSeverity] {
		return false
	}
	return true
}

func apply(update StatusUpdate, a *model.Alert) error {
	if !model.IsValidStatus(update.Status) {
		return ErrInvalidStatus
	}
	a.Status = update.Status
	if update.AnalystNotes != "" {
		a.AnalystNotes = update.AnalystNotes
	}
	if update.FalsePositiveReason != "" {
		a.FalsePositiveReason = update.FalsePositiveReason
	}
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// dedupeKey identifies alerts raised for the same source entries
func dedupeKey(a model.Alert) string {
	ids := append([]string(nil), a.SourceLogIDs...)
	sort.Strings(ids)
	return strings.Join(ids, ",") + "|" + a.Title
}

func newestFirst(alerts []model.Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
}
