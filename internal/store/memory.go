package store

import (
	"container/ring"
	"context"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sgerhart/siemflux/internal/model"
)

// MemoryStore keeps the most recent alerts in a ring buffer and drops
// duplicates for the same source entries through an LRU cache
type MemoryStore struct {
	mu        sync.RWMutex
	alerts    *ring.Ring
	byID      map[string]*model.Alert
	dedupe    *lru.Cache[string, struct{}]
	maxAlerts int
	dedupeCap int
	logger    *slog.Logger
}

// NewMemoryStore creates a new memory store with specified capacities
func NewMemoryStore(maxAlerts, dedupeCap int, logger *slog.Logger) (*MemoryStore, error) {
	if maxAlerts < 1 {
		return nil, fmt.Errorf("max alerts must be at least 1, got %d", maxAlerts)
	}
	dedupe, err := lru.New[string, struct{}](dedupeCap)
	if err != nil {
		return nil, fmt.Errorf("failed to create dedupe cache: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		alerts:    ring.New(maxAlerts),
		byID:      make(map[string]*model.Alert, maxAlerts),
		dedupe:    dedupe,
		maxAlerts: maxAlerts,
		dedupeCap: dedupeCap,
		logger:    logger,
	}, nil
}

// Save adds alerts to the ring buffer, skipping duplicates
func (s *MemoryStore) Save(ctx context.Context, alerts []model.Alert) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for i := range alerts {
		key := dedupeKey(alerts[i])
		if s.dedupe.Contains(key) {
			s.logger.Debug("Skipping duplicate alert", "alert_id", alerts[i].ID, "source_log_ids", alerts[i].SourceLogIDs)
			continue
		}
		s.dedupe.Add(key, struct{}{})

		if old, ok := s.alerts.Value.(*model.Alert); ok {
			delete(s.byID, old.ID)
		}
		a := alerts[i]
		s.alerts.Value = &a
		s.byID[a.ID] = &a
		s.alerts = s.alerts.Next()
		added++
	}
	return added, nil
}

// Get retrieves an alert by ID
func (s *MemoryStore) Get(ctx context.Context, id string) (model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.byID[id]
	if !ok {
		return model.Alert{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *a, nil
}

// List returns alerts matching the filter, newest first
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]model.Alert, error) {
	s.mu.RLock()
	var alerts []model.Alert
	s.alerts.Do(func(value interface{}) {
		if a, ok := value.(*model.Alert); ok && filter.Matches(*a) {
			alerts = append(alerts, *a)
		}
	})
	s.mu.RUnlock()

	newestFirst(alerts)
	if filter.Limit > 0 && len(alerts) > filter.Limit {
		alerts = alerts[:filter.Limit]
	}
	return alerts, nil
}

// UpdateStatus sets status, notes and false-positive reason on an alert
func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, update StatusUpdate) (model.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.byID[id]
	if !ok {
		return model.Alert{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := apply(update, a); err != nil {
		return model.Alert{}, err
	}
	s.logger.Info("Alert status updated", "alert_id", id, "status", a.Status)
	return *a, nil
}

// Clear removes all alerts and clears the dedupe cache
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < s.alerts.Len(); i++ {
		s.alerts.Value = nil
		s.alerts = s.alerts.Next()
	}
	s.byID = make(map[string]*model.Alert, s.maxAlerts)
	s.dedupe.Purge()
}

// GetStats returns store statistics
func (s *MemoryStore) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bySeverity := make(map[string]int)
	byStatus := make(map[string]int)
	for _, a := range s.byID {
		bySeverity[a.Severity]++
		byStatus[a.Status]++
	}

	return map[string]interface{}{
		"total_alerts": len(s.byID),
		"max_alerts":   s.maxAlerts,
		"dedupe_cap":   s.dedupeCap,
		"dedupe_size":  s.dedupe.Len(),
		"by_severity":  bySeverity,
		"by_status":    byStatus,
		"utilization":  float64(len(s.byID)) / float64(s.maxAlerts),
	}
}
