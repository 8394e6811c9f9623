package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sgerhart/siemflux/internal/history"
	"github.com/sgerhart/siemflux/internal/model"
)

const correlationSystemPrompt = `You are a SOC analyst correlating a verified threat with surrounding activity.
Consider related events, asset criticality, user risk and multi-stage attack patterns.
Respond with a single JSON object: {"correlation_score": 0.0-1.0, "attack_pattern": string, "context": object, "reasoning": string, "confidence": 0.0-1.0}.`

// CorrelationConfig tunes the correlation stage
type CorrelationConfig struct {
	// AlertThreshold is the minimum correlation score for an alert
	AlertThreshold float64
	// RelatedWindow is how far either side of an entry related events are searched
	RelatedWindow time.Duration
	// MaxRelated caps the related events attached to a result
	MaxRelated int

	Assets map[string]Asset
	Users  map[string]UserProfile
}

// Correlation enriches verified threats with asset, user and history context
type Correlation struct {
	base
	cfg     CorrelationConfig
	history *history.History
}

// NewCorrelation creates the correlation stage; hist is shared across batches
func NewCorrelation(d Deps, cfg CorrelationConfig, hist *history.History) (*Correlation, error) {
	b, err := newBase(NameCorrelation, d)
	if err != nil {
		return nil, err
	}
	if hist == nil {
		return nil, fmt.Errorf("correlation stage: history is required")
	}
	if cfg.RelatedWindow <= 0 {
		cfg.RelatedWindow = 2 * time.Hour
	}
	if cfg.MaxRelated <= 0 {
		cfg.MaxRelated = 10
	}
	if cfg.Assets == nil {
		cfg.Assets = DefaultAssets()
	}
	if cfg.Users == nil {
		cfg.Users = DefaultUsers()
	}
	return &Correlation{base: b, cfg: cfg, history: hist}, nil
}

type correlationAnswer struct {
	Score         *float64               `json:"correlation_score"`
	AttackPattern string                 `json:"attack_pattern"`
	Context       map[string]interface{} `json:"context"`
	Reasoning     string                 `json:"reasoning"`
	Confidence    *float64               `json:"confidence"`
}

type correlationPair struct {
	entry  model.NormalizedLogEntry
	threat model.ThreatIntelResult
}

// Process adds the batch to the rolling history, then returns one result per
// threat result whose entry is present. Non-threats are short-circuited.
func (s *Correlation) Process(ctx context.Context, entries []model.NormalizedLogEntry, threats []model.ThreatIntelResult) ([]model.CorrelationResult, error) {
	s.history.Add(entries...)

	byID := indexEntries(entries)
	pairs := make([]correlationPair, 0, len(threats))
	for _, t := range threats {
		entry, ok := byID[t.LogID]
		if !ok {
			s.logger.Warn("No log entry for threat-intel result", "log_id", t.LogID)
			continue
		}
		pairs = append(pairs, correlationPair{entry: entry, threat: t})
	}

	return forEach(ctx, &s.base, len(pairs), func(ctx context.Context, i int) model.CorrelationResult {
		return s.processOne(ctx, pairs[i].entry, pairs[i].threat)
	})
}

func (s *Correlation) processOne(ctx context.Context, entry model.NormalizedLogEntry, threat model.ThreatIntelResult) model.CorrelationResult {
	result := model.CorrelationResult{
		LogID:            entry.ID,
		ThreatScore:      threat.Score,
		RelatedEvents:    []model.RelatedEvent{},
		AssetCriticality: s.assetCriticality(entry),
		UserRiskLevel:    s.userRisk(entry),
		CreatedAt:        time.Now().UTC(),
	}

	if !threat.IsThreat {
		s.recorder.IncShortCircuit(s.name)
		result.Reasoning = "Not identified as a threat"
		result.Confidence = skipConfidence
		return result
	}

	result.RelatedEvents = s.history.Related(entry, s.cfg.RelatedWindow, s.cfg.MaxRelated)
	result.Context = s.context(entry, result.RelatedEvents)

	raw, err := s.infer(ctx, s.prompt(entry, threat, result), correlationSystemPrompt)
	if err != nil {
		s.logger.Warn("Correlation inference failed, using fallback", "log_id", entry.ID, "error", err)
		s.recorder.IncFallback(s.name, "call_error")
		result.Reasoning = callErrorText(err)
		result.Fallback = true
		return result
	}

	var answer correlationAnswer
	if err := decodeAnswer(raw, &answer); err != nil {
		s.logger.Warn("Correlation answer unparseable, using fallback", "log_id", entry.ID, "error", err)
		s.recorder.IncFallback(s.name, "parse_error")
		result.Score = 0.3
		result.Confidence = 0.2
		result.Reasoning = truncate(raw, reasoningLimit)
		result.Fallback = true
		result.AboveThreshold = result.Score >= s.cfg.AlertThreshold
		return result
	}

	result.Score = Clamp01(floatOr(answer.Score, 0))
	result.AboveThreshold = result.Score >= s.cfg.AlertThreshold
	result.AttackPattern = answer.AttackPattern
	result.Reasoning = answer.Reasoning
	result.Confidence = Clamp01(floatOr(answer.Confidence, 0.5))
	for k, v := range answer.Context {
		result.Context[k] = v
	}
	return result
}

func (s *Correlation) assetCriticality(entry model.NormalizedLogEntry) string {
	for _, ip := range []string{entry.SourceIP, entry.DestinationIP} {
		if asset, ok := s.cfg.Assets[ip]; ok && ip != "" {
			return asset.Criticality
		}
	}
	return "unknown"
}

func (s *Correlation) userRisk(entry model.NormalizedLogEntry) string {
	if profile, ok := s.cfg.Users[strings.ToLower(entry.User)]; ok && entry.User != "" {
		return profile.RiskLevel
	}
	return "unknown"
}

func (s *Correlation) context(entry model.NormalizedLogEntry, related []model.RelatedEvent) map[string]interface{} {
	ctx := map[string]interface{}{
		"related_event_count": len(related),
	}
	if asset, ok := s.cfg.Assets[entry.SourceIP]; ok && entry.SourceIP != "" {
		ctx["source_asset"] = asset
	}
	if asset, ok := s.cfg.Assets[entry.DestinationIP]; ok && entry.DestinationIP != "" {
		ctx["destination_asset"] = asset
	}
	if profile, ok := s.cfg.Users[strings.ToLower(entry.User)]; ok && entry.User != "" {
		ctx["user_profile"] = profile
	}
	counts := map[string]int{}
	for _, r := range related {
		counts[r.Relationship]++
	}
	if len(counts) > 0 {
		ctx["relationships"] = counts
	}
	return ctx
}

func (s *Correlation) prompt(entry model.NormalizedLogEntry, threat model.ThreatIntelResult, result model.CorrelationResult) string {
	var b strings.Builder
	b.WriteString("Correlate this verified threat with its context.\n\n")
	b.WriteString(entryFields(entry).String())
	fmt.Fprintf(&b, "threat_score: %.2f\n", threat.Score)
	if threat.ThreatType != "" {
		fmt.Fprintf(&b, "threat_type: %s\n", threat.ThreatType)
	}
	if len(threat.IOCMatches) > 0 {
		fmt.Fprintf(&b, "ioc_matches: %s\n", strings.Join(threat.IOCMatches, ", "))
	}
	fmt.Fprintf(&b, "asset_criticality: %s\n", result.AssetCriticality)
	fmt.Fprintf(&b, "user_risk_level: %s\n", result.UserRiskLevel)
	fmt.Fprintf(&b, "related_events: %d\n", len(result.RelatedEvents))
	for _, r := range result.RelatedEvents {
		fmt.Fprintf(&b, "- %s %s [%s] %s\n", r.Timestamp.Format(time.RFC3339), r.Relationship, r.EventType, r.Message)
	}
	return b.String()
}
