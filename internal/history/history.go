// Package history keeps the rolling window of normalized entries the
// correlation stage searches for related events.
package history

import (
	"sort"
	"sync"
	"time"

	"github.com/sgerhart/siemflux/internal/model"
)

// Relationship types in precedence order
const (
	RelSameUser      = "same_user"
	RelSameSourceIP  = "same_source_ip"
	RelIPCorrelation = "ip_correlation"
	RelSameProcess   = "same_process"
)

const relatedMessageLimit = 100

// MaxClockSkew bounds how far past the wall clock an entry timestamp may
// advance the window
const MaxClockSkew = 5 * time.Minute

// History is the rolling, time-bounded record of normalized entries used by
// the correlation stage. Age is measured against the newest event timestamp
// seen, so replayed datasets with old timestamps still correlate. That mark
// never moves more than MaxClockSkew past the wall clock.
type History struct {
	mu         sync.RWMutex
	entries    []model.NormalizedLogEntry
	maxAge     time.Duration
	maxEntries int
	latest     time.Time
}

// New creates a history keeping entries up to maxAge old and at most
// maxEntries in total (0 means unbounded)
func New(maxAge time.Duration, maxEntries int) *History {
	return &History{
		maxAge:     maxAge,
		maxEntries: maxEntries,
	}
}

// Add appends entries and prunes anything outside the window
func (h *History) Add(entries ...model.NormalizedLogEntry) {
	if len(entries) == 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ceiling := time.Now().Add(MaxClockSkew)
	for _, e := range entries {
		h.entries = append(h.entries, e)
		ts := e.Timestamp
		if ts.After(ceiling) {
			ts = ceiling
		}
		if ts.After(h.latest) {
			h.latest = ts
		}
	}
	h.prune(h.latest)
}

// Prune drops entries older than maxAge before reference
func (h *History) Prune(reference time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prune(reference)
}

func (h *History) prune(reference time.Time) {
	cutoff := reference.Add(-h.maxAge)

	kept := h.entries[:0]
	for _, e := range h.entries {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	// Zero the tail so dropped entries can be collected
	for i := len(kept); i < len(h.entries); i++ {
		h.entries[i] = model.NormalizedLogEntry{}
	}
	h.entries = kept

	if h.maxEntries > 0 && len(h.entries) > h.maxEntries {
		drop := len(h.entries) - h.maxEntries
		h.entries = append([]model.NormalizedLogEntry(nil), h.entries[drop:]...)
	}
}

// Related returns up to limit history entries within window of entry's
// timestamp that share a user, source IP, cross IP, or process with it,
// most recent first. The entry itself is never included.
func (h *History) Related(entry model.NormalizedLogEntry, window time.Duration, limit int) []model.RelatedEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	start := entry.Timestamp.Add(-window)
	end := entry.Timestamp.Add(window)

	var related []model.RelatedEvent
	for _, candidate := range h.entries {
		if candidate.ID == entry.ID {
			continue
		}
		if candidate.Timestamp.Before(start) || candidate.Timestamp.After(end) {
			continue
		}

		rel := Relationship(entry, candidate)
		if rel == "" {
			continue
		}
		related = append(related, model.RelatedEvent{
			LogID:        candidate.ID,
			Relationship: rel,
			EventType:    candidate.EventType,
			Message:      truncateRunes(candidate.Message, relatedMessageLimit),
			Timestamp:    candidate.Timestamp,
		})
	}

	sort.SliceStable(related, func(i, j int) bool {
		return related[i].Timestamp.After(related[j].Timestamp)
	})
	if limit > 0 && len(related) > limit {
		related = related[:limit]
	}
	return related
}

// Relationship returns the first matching relationship type between two
// entries, or "" when they are unrelated
func Relationship(entry, candidate model.NormalizedLogEntry) string {
	switch {
	case entry.User != "" && entry.User == candidate.User:
		return RelSameUser
	case entry.SourceIP != "" && entry.SourceIP == candidate.SourceIP:
		return RelSameSourceIP
	case entry.SourceIP != "" && entry.SourceIP == candidate.DestinationIP,
		entry.DestinationIP != "" && entry.DestinationIP == candidate.SourceIP:
		return RelIPCorrelation
	case entry.Process != "" && entry.Process == candidate.Process:
		return RelSameProcess
	}
	return ""
}

// Len returns the number of retained entries
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// GetStats returns statistics about the history
func (h *History) GetStats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var oldest *time.Time
	if len(h.entries) > 0 {
		ts := h.entries[0].Timestamp
		oldest = &ts
	}
	return map[string]interface{}{
		"total_events": len(h.entries),
		"max_age":      h.maxAge.String(),
		"max_entries":  h.maxEntries,
		"oldest_event": oldest,
		"newest_event": h.latest,
	}
}

// Clear removes all entries
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries = nil
	h.latest = time.Time{}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
