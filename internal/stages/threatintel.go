package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sgerhart/siemflux/internal/model"
)

const threatSystemPrompt = `You are a threat intelligence analyst verifying whether an anomalous log entry is a real threat.
Weigh the indicator matches, known attacker tooling and techniques, and the anomaly assessment.
Respond with a single JSON object: {"threat_score": 0.0-1.0, "is_threat": bool, "threat_type": string, "ioc_matches": [string], "reasoning": string, "confidence": 0.0-1.0}.`

// ThreatIntel verifies anomalous entries against static indicators and the model
type ThreatIntel struct {
	base
	indicators Indicators
}

// NewThreatIntel creates the threat-intel stage
func NewThreatIntel(d Deps, indicators Indicators) (*ThreatIntel, error) {
	b, err := newBase(NameThreatIntel, d)
	if err != nil {
		return nil, err
	}
	return &ThreatIntel{base: b, indicators: indicators}, nil
}

type threatAnswer struct {
	Score      *float64 `json:"threat_score"`
	IsThreat   *bool    `json:"is_threat"`
	ThreatType string   `json:"threat_type"`
	IOCMatches []string `json:"ioc_matches"`
	Reasoning  string   `json:"reasoning"`
	Confidence *float64 `json:"confidence"`
}

// Process returns one result per anomaly result whose entry is present, in
// input order. Entries not flagged as anomalous are short-circuited.
func (s *ThreatIntel) Process(ctx context.Context, entries []model.NormalizedLogEntry, anomalies []model.AnomalyResult) ([]model.ThreatIntelResult, error) {
	byID := indexEntries(entries)
	pairs := make([]threatPair, 0, len(anomalies))
	for _, a := range anomalies {
		entry, ok := byID[a.LogID]
		if !ok {
			s.logger.Warn("No log entry for anomaly result", "log_id", a.LogID)
			continue
		}
		pairs = append(pairs, threatPair{entry: entry, anomaly: a})
	}

	return forEach(ctx, &s.base, len(pairs), func(ctx context.Context, i int) model.ThreatIntelResult {
		return s.processOne(ctx, pairs[i].entry, pairs[i].anomaly)
	})
}

type threatPair struct {
	entry   model.NormalizedLogEntry
	anomaly model.AnomalyResult
}

func (s *ThreatIntel) processOne(ctx context.Context, entry model.NormalizedLogEntry, anomaly model.AnomalyResult) model.ThreatIntelResult {
	result := model.ThreatIntelResult{
		LogID:        entry.ID,
		AnomalyScore: anomaly.Score,
		CreatedAt:    time.Now().UTC(),
	}

	if !anomaly.IsAnomalous {
		s.recorder.IncShortCircuit(s.name)
		result.Reasoning = "Not flagged as anomalous"
		result.Confidence = skipConfidence
		return result
	}

	matches := s.indicators.Match(entry)
	raw, err := s.infer(ctx, s.prompt(entry, anomaly, matches), threatSystemPrompt)
	if err != nil {
		s.logger.Warn("Threat-intel inference failed, using fallback", "log_id", entry.ID, "error", err)
		s.recorder.IncFallback(s.name, "call_error")
		result.IOCMatches = matches
		result.Reasoning = callErrorText(err)
		result.Fallback = true
		return result
	}

	var answer threatAnswer
	if err := decodeAnswer(raw, &answer); err != nil {
		s.logger.Warn("Threat-intel answer unparseable, using fallback", "log_id", entry.ID, "error", err)
		s.recorder.IncFallback(s.name, "parse_error")
		result.IsThreat = keywordVerdict(raw, "threat")
		result.Score = 0.1
		if result.IsThreat {
			result.Score = 0.7
		}
		result.IOCMatches = matches
		result.ThreatType = threatTypeFrom(matches)
		result.Reasoning = truncate(raw, reasoningLimit)
		result.Confidence = parseFailConf
		result.Fallback = true
		return result
	}

	result.Score = Clamp01(floatOr(answer.Score, 0))
	result.IsThreat = result.Score >= 0.5
	if answer.IsThreat != nil {
		result.IsThreat = *answer.IsThreat
	}
	result.ThreatType = answer.ThreatType
	if result.ThreatType == "" {
		result.ThreatType = threatTypeFrom(matches)
	}
	result.IOCMatches = answer.IOCMatches
	if len(result.IOCMatches) == 0 {
		result.IOCMatches = matches
	}
	result.Reasoning = answer.Reasoning
	result.Confidence = Clamp01(floatOr(answer.Confidence, 0.5))
	return result
}

func (s *ThreatIntel) prompt(entry model.NormalizedLogEntry, anomaly model.AnomalyResult, matches []string) string {
	var b strings.Builder
	b.WriteString("Verify whether this anomalous log entry represents a real threat.\n\n")
	b.WriteString(entryFields(entry).String())
	fmt.Fprintf(&b, "anomaly_score: %.2f\n", anomaly.Score)
	if anomaly.AnomalyType != "" {
		fmt.Fprintf(&b, "anomaly_type: %s\n", anomaly.AnomalyType)
	}
	if anomaly.Reasoning != "" {
		fmt.Fprintf(&b, "anomaly_reasoning: %s\n", strings.ReplaceAll(anomaly.Reasoning, "\n", " "))
	}
	if len(matches) == 0 {
		b.WriteString("ioc_matches: none\n")
	} else {
		fmt.Fprintf(&b, "ioc_matches: %s\n", strings.Join(matches, ", "))
	}
	return b.String()
}

func threatTypeFrom(matches []string) string {
	if len(matches) == 0 {
		return "unknown"
	}
	category, _, _ := strings.Cut(matches[0], ":")
	return category
}

func indexEntries(entries []model.NormalizedLogEntry) map[string]model.NormalizedLogEntry {
	byID := make(map[string]model.NormalizedLogEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}
	return byID
}
