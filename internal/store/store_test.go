package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/siemflux/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testAlert(id, severity string, created time.Time, logIDs ...string) model.Alert {
	return model.Alert{
		ID:                 id,
		Title:              "Alert " + id,
		Description:        "description",
		Severity:           severity,
		Confidence:         0.8,
		SourceLogIDs:       logIDs,
		Entities:           map[string][]string{model.EntityIPs: {"10.0.0.1"}},
		RecommendedActions: []string{"investigate"},
		Status:             model.StatusNew,
		CreatedAt:          created,
		UpdatedAt:          created,
	}
}

func TestMemoryStore_SaveDedupesAndEvicts(t *testing.T) {
	s, err := NewMemoryStore(3, 100, testLogger())
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now()

	added, err := s.Save(ctx, []model.Alert{
		testAlert("a1", model.SeverityLow, now, "l1"),
		testAlert("a1", model.SeverityLow, now, "l1"),
		testAlert("a2", model.SeverityHigh, now.Add(time.Second), "l2"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, added)

	_, err = s.Save(ctx, []model.Alert{
		testAlert("a3", model.SeverityMedium, now.Add(2*time.Second), "l3"),
		testAlert("a4", model.SeverityCritical, now.Add(3*time.Second), "l4"),
	})
	require.NoError(t, err)

	_, err = s.Get(ctx, "a1")
	assert.True(t, errors.Is(err, ErrNotFound), "oldest alert should be evicted")

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a4", all[0].ID)
	assert.Equal(t, "a2", all[2].ID)
	assert.Equal(t, 3, s.GetStats()["total_alerts"])
}

func TestMemoryStore_ListFilters(t *testing.T) {
	s, err := NewMemoryStore(10, 10, testLogger())
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now()

	_, err = s.Save(ctx, []model.Alert{
		testAlert("low", model.SeverityLow, now, "1"),
		testAlert("med", model.SeverityMedium, now.Add(time.Second), "2"),
		testAlert("high", model.SeverityHigh, now.Add(2*time.Second), "3"),
		testAlert("crit", model.SeverityCritical, now.Add(3*time.Second), "4"),
	})
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, "high", StatusUpdate{Status: model.StatusResolved})
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"crit", "high", "med", "low"}},
		{"min high", Filter{MinSeverity: model.SeverityHigh}, []string{"crit", "high"}},
		{"status new", Filter{Status: model.StatusNew}, []string{"crit", "med", "low"}},
		{"combined", Filter{MinSeverity: model.SeverityMedium, Status: model.StatusNew}, []string{"crit", "med"}},
		{"limit", Filter{Limit: 2}, []string{"crit", "high"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			alerts, err := s.List(ctx, tt.filter)
			require.NoError(t, err)
			var ids []string
			for _, a := range alerts {
				ids = append(ids, a.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestMemoryStore_UpdateStatus(t *testing.T) {
	s, err := NewMemoryStore(10, 10, testLogger())
	require.NoError(t, err)
	ctx := context.Background()
	created := time.Now().Add(-time.Hour)

	_, err = s.Save(ctx, []model.Alert{testAlert("a", model.SeverityHigh, created, "1")})
	require.NoError(t, err)

	updated, err := s.UpdateStatus(ctx, "a", StatusUpdate{
		Status:              model.StatusResolved,
		AnalystNotes:        "benign scanner",
		FalsePositiveReason: "internal vulnerability scan",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, updated.Status)
	assert.Equal(t, "benign scanner", updated.AnalystNotes)
	assert.Equal(t, "internal vulnerability scan", updated.FalsePositiveReason)
	assert.True(t, updated.UpdatedAt.After(created))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, updated, got)

	_, err = s.UpdateStatus(ctx, "a", StatusUpdate{Status: "closed"})
	assert.ErrorIs(t, err, ErrInvalidStatus)
	_, err = s.UpdateStatus(ctx, "missing", StatusUpdate{Status: model.StatusNew})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Clear(t *testing.T) {
	s, err := NewMemoryStore(5, 5, testLogger())
	require.NoError(t, err)
	ctx := context.Background()

	a := testAlert("a", model.SeverityLow, time.Now(), "1")
	_, err = s.Save(ctx, []model.Alert{a})
	require.NoError(t, err)
	s.Clear()

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, all)

	added, err := s.Save(ctx, []model.Alert{a})
	require.NoError(t, err)
	assert.Equal(t, 1, added)
}

func TestNewMemoryStore_RejectsBadCapacity(t *testing.T) {
	_, err := NewMemoryStore(0, 10, nil)
	assert.Error(t, err)
	_, err = NewMemoryStore(10, 0, nil)
	assert.Error(t, err)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("SIEM_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SIEM_TEST_POSTGRES_DSN not set, skipping Postgres test")
	}
	ctx := context.Background()

	s, err := NewPostgresStore(ctx, dsn, testLogger())
	if err != nil {
		t.Skipf("Postgres not reachable: %v", err)
	}
	defer s.Close()
	require.NoError(t, s.Migrate(ctx))

	logID := uuid.NewString()
	require.NoError(t, s.SaveLogs(ctx, []model.RawLogEntry{{
		ID: logID, Source: model.SourceSyslog, Timestamp: time.Now(), Raw: "sshd: failed password",
	}}))

	id := uuid.NewString()
	a := testAlert(id, model.SeverityCritical, time.Now().UTC().Truncate(time.Millisecond), logID)
	added, err := s.Save(ctx, []model.Alert{a, a})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{logID}, got.SourceLogIDs)
	assert.Equal(t, a.Entities, got.Entities)

	list, err := s.List(ctx, Filter{MinSeverity: model.SeverityHigh, Status: model.StatusNew, Limit: 50})
	require.NoError(t, err)
	assert.NotEmpty(t, list)

	updated, err := s.UpdateStatus(ctx, id, StatusUpdate{Status: model.StatusInvestigating, AnalystNotes: "looking"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusInvestigating, updated.Status)
	assert.Equal(t, "looking", updated.AnalystNotes)

	_, err = s.Get(ctx, fmt.Sprintf("missing-%s", id))
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveStats(ctx, model.ProcessingStats{TotalLogsProcessed: 10, AlertsGenerated: 1}))
}
