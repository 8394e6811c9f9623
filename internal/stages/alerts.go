package stages

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/sgerhart/siemflux/internal/model"
)

const alertSystemPrompt = `You are a SOC lead writing an actionable security alert for an analyst.
Summarise what happened, why it matters, the affected entities and concrete next steps.
Respond with a single JSON object: {"title": string, "description": string, "severity": "low|medium|high|critical", "confidence": 0.0-1.0, "attack_vector": string, "entities": {"ips": [], "users": [], "processes": [], "files": [], "hosts": []}, "recommended_actions": [string]}.`

var defaultActions = []string{
	"Investigate the source IP and user activity",
	"Check for additional related events",
	"Verify if this is legitimate business activity",
	"Consider blocking suspicious IPs if confirmed malicious",
}

var entityCategories = []string{model.EntityIPs, model.EntityUsers, model.EntityProcesses, model.EntityFiles, model.EntityHosts}

// AlertGenerator turns correlation results above the alert threshold into alerts
type AlertGenerator struct {
	base
	threshold float64
}

// NewAlertGenerator creates the alert-generation stage
func NewAlertGenerator(d Deps, threshold float64) (*AlertGenerator, error) {
	b, err := newBase(NameAlert, d)
	if err != nil {
		return nil, err
	}
	return &AlertGenerator{base: b, threshold: threshold}, nil
}

type alertAnswer struct {
	Title              string                 `json:"title"`
	Description        string                 `json:"description"`
	Severity           string                 `json:"severity"`
	Confidence         *float64               `json:"confidence"`
	AttackVector       string                 `json:"attack_vector"`
	Entities           map[string]interface{} `json:"entities"`
	RecommendedActions []string               `json:"recommended_actions"`
}

type alertPair struct {
	entry       model.NormalizedLogEntry
	correlation model.CorrelationResult
}

// Process returns one alert per qualifying correlation result, in input order
func (s *AlertGenerator) Process(ctx context.Context, entries []model.NormalizedLogEntry, correlations []model.CorrelationResult) ([]model.Alert, error) {
	byID := indexEntries(entries)
	pairs := make([]alertPair, 0, len(correlations))
	for _, c := range correlations {
		if !c.AboveThreshold || c.Score < s.threshold {
			continue
		}
		entry, ok := byID[c.LogID]
		if !ok {
			s.logger.Warn("No log entry for correlation result", "log_id", c.LogID)
			continue
		}
		pairs = append(pairs, alertPair{entry: entry, correlation: c})
	}

	return forEach(ctx, &s.base, len(pairs), func(ctx context.Context, i int) model.Alert {
		return s.processOne(ctx, pairs[i].entry, pairs[i].correlation)
	})
}

func (s *AlertGenerator) processOne(ctx context.Context, entry model.NormalizedLogEntry, corr model.CorrelationResult) model.Alert {
	raw, err := s.infer(ctx, s.prompt(entry, corr), alertSystemPrompt)
	if err != nil {
		s.logger.Warn("Alert inference failed, using fallback", "log_id", entry.ID, "error", err)
		s.recorder.IncFallback(s.name, "call_error")
		return FallbackAlert(entry, corr, "")
	}

	var answer alertAnswer
	if err := decodeAnswer(raw, &answer); err != nil {
		s.logger.Warn("Alert answer unparseable, using fallback", "log_id", entry.ID, "error", err)
		s.recorder.IncFallback(s.name, "parse_error")
		return FallbackAlert(entry, corr, raw)
	}

	severity := model.SeverityMedium
	if _, ok := model.SeverityLevels[strings.ToLower(answer.Severity)]; ok {
		severity = strings.ToLower(answer.Severity)
	}

	now := time.Now().UTC()
	alert := model.Alert{
		ID:                 uuid.NewString(),
		Title:              answer.Title,
		Description:        answer.Description,
		Severity:           severity,
		Confidence:         Clamp01(floatOr(answer.Confidence, corr.Confidence)),
		SourceLogIDs:       []string{entry.ID},
		Entities:           MergeEntities(answer.Entities, entry),
		AttackVector:       answer.AttackVector,
		RecommendedActions: answer.RecommendedActions,
		Status:             model.StatusNew,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if alert.Title == "" {
		alert.Title = defaultTitle(entry)
	}
	if alert.Description == "" {
		alert.Description = "Security incident detected"
	}
	if alert.AttackVector == "" {
		alert.AttackVector = corr.AttackPattern
	}
	if alert.RecommendedActions == nil {
		alert.RecommendedActions = []string{}
	}
	return alert
}

// FallbackAlert builds an alert without model output. Severity follows the
// correlation score and asset criticality; confidence is reduced to 70% of
// the correlation confidence.
func FallbackAlert(entry model.NormalizedLogEntry, corr model.CorrelationResult, response string) model.Alert {
	severity := model.SeverityLow
	switch {
	case corr.Score >= 0.8 || corr.AssetCriticality == model.SeverityCritical:
		severity = model.SeverityHigh
	case corr.Score >= 0.6 || corr.AssetCriticality == model.SeverityHigh:
		severity = model.SeverityMedium
	}

	description := fmt.Sprintf("Suspicious activity detected: %s", truncate(entry.Message, 200))
	if response != "" {
		description += fmt.Sprintf("\n\nNote: alert generated from partial analysis: %s", truncate(response, 100))
	}

	now := time.Now().UTC()
	return model.Alert{
		ID:                 uuid.NewString(),
		Title:              defaultTitle(entry),
		Description:        description,
		Severity:           severity,
		Confidence:         Clamp01(corr.Confidence * 0.7),
		SourceLogIDs:       []string{entry.ID},
		Entities:           MergeEntities(nil, entry),
		AttackVector:       corr.AttackPattern,
		RecommendedActions: append([]string(nil), defaultActions...),
		Status:             model.StatusNew,
		Fallback:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// MergeEntities combines model-declared entities with those extracted from
// the entry, deduplicated by value within each category. Every category is
// present in the result.
func MergeEntities(declared map[string]interface{}, entry model.NormalizedLogEntry) map[string][]string {
	out := make(map[string][]string, len(entityCategories))
	seen := make(map[string]map[string]bool, len(entityCategories))
	add := func(category, value string) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		if seen[category] == nil {
			seen[category] = map[string]bool{}
		}
		if seen[category][value] {
			return
		}
		seen[category][value] = true
		out[category] = append(out[category], value)
	}

	for _, category := range entityCategories {
		out[category] = []string{}
		switch values := declared[category].(type) {
		case []interface{}:
			for _, v := range values {
				if str, ok := v.(string); ok {
					add(category, str)
				}
			}
		case string:
			add(category, values)
		}
	}

	add(model.EntityIPs, entry.SourceIP)
	add(model.EntityIPs, entry.DestinationIP)
	add(model.EntityUsers, entry.User)
	add(model.EntityProcesses, entry.Process)
	add(model.EntityFiles, entry.FilePath)
	for _, key := range []string{"hostname", "computer"} {
		if host, ok := entry.Metadata[key].(string); ok {
			add(model.EntityHosts, host)
		}
	}
	return out
}

func defaultTitle(entry model.NormalizedLogEntry) string {
	words := strings.Fields(strings.ReplaceAll(entry.EventType, "_", " "))
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + w[size:]
	}
	return "Security Alert: " + strings.Join(words, " ")
}

func (s *AlertGenerator) prompt(entry model.NormalizedLogEntry, corr model.CorrelationResult) string {
	var b strings.Builder
	b.WriteString("Write a security alert for this correlated threat.\n\n")
	b.WriteString(entryFields(entry).String())
	fmt.Fprintf(&b, "correlation_score: %.2f\n", corr.Score)
	fmt.Fprintf(&b, "threat_score: %.2f\n", corr.ThreatScore)
	fmt.Fprintf(&b, "asset_criticality: %s\n", corr.AssetCriticality)
	fmt.Fprintf(&b, "user_risk_level: %s\n", corr.UserRiskLevel)
	if corr.AttackPattern != "" {
		fmt.Fprintf(&b, "attack_pattern: %s\n", corr.AttackPattern)
	}
	fmt.Fprintf(&b, "related_events: %d\n", len(corr.RelatedEvents))
	if corr.Reasoning != "" {
		fmt.Fprintf(&b, "correlation_reasoning: %s\n", strings.ReplaceAll(corr.Reasoning, "\n", " "))
	}
	return b.String()
}
