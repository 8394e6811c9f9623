package stages

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sgerhart/siemflux/internal/llm"
	"github.com/sgerhart/siemflux/internal/model"
)

const anomalySystemPrompt = `You are a security analyst scoring log entries for anomalous behaviour.
Consider unusual access patterns, suspicious processes, abnormal timing and known attack indicators.
Respond with a single JSON object: {"anomaly_score": 0.0-1.0, "is_anomalous": bool, "anomaly_type": string, "reasoning": string, "confidence": 0.0-1.0}.`

// Anomaly scores each normalized entry for anomalous behaviour
type Anomaly struct {
	base
}

// NewAnomaly creates the anomaly stage
func NewAnomaly(d Deps) (*Anomaly, error) {
	b, err := newBase(NameAnomaly, d)
	if err != nil {
		return nil, err
	}
	return &Anomaly{base: b}, nil
}

type anomalyAnswer struct {
	Score       *float64 `json:"anomaly_score"`
	IsAnomalous *bool    `json:"is_anomalous"`
	AnomalyType string   `json:"anomaly_type"`
	Reasoning   string   `json:"reasoning"`
	Confidence  *float64 `json:"confidence"`
}

// Process returns one result per entry, in input order
func (s *Anomaly) Process(ctx context.Context, entries []model.NormalizedLogEntry) ([]model.AnomalyResult, error) {
	return forEach(ctx, &s.base, len(entries), func(ctx context.Context, i int) model.AnomalyResult {
		return s.processOne(ctx, entries[i])
	})
}

func (s *Anomaly) processOne(ctx context.Context, entry model.NormalizedLogEntry) model.AnomalyResult {
	raw, err := s.infer(ctx, s.prompt(entry), anomalySystemPrompt)
	if err != nil {
		s.logger.Warn("Anomaly inference failed, using fallback", "log_id", entry.ID, "error", err)
		s.recorder.IncFallback(s.name, "call_error")
		return model.AnomalyResult{
			LogID:     entry.ID,
			Reasoning: callErrorText(err),
			Fallback:  true,
			CreatedAt: time.Now().UTC(),
		}
	}

	var answer anomalyAnswer
	if err := decodeAnswer(raw, &answer); err != nil {
		s.logger.Warn("Anomaly answer unparseable, using fallback", "log_id", entry.ID, "error", err)
		s.recorder.IncFallback(s.name, "parse_error")
		anomalous := keywordVerdict(raw, "anomalous")
		score := 0.1
		if anomalous {
			score = 0.5
		}
		return model.AnomalyResult{
			LogID:       entry.ID,
			Score:       score,
			IsAnomalous: anomalous,
			Reasoning:   truncate(raw, reasoningLimit),
			Confidence:  parseFailConf,
			Fallback:    true,
			CreatedAt:   time.Now().UTC(),
		}
	}

	score := Clamp01(floatOr(answer.Score, 0))
	anomalous := score >= 0.5
	if answer.IsAnomalous != nil {
		anomalous = *answer.IsAnomalous
	}
	return model.AnomalyResult{
		LogID:       entry.ID,
		Score:       score,
		IsAnomalous: anomalous,
		AnomalyType: answer.AnomalyType,
		Reasoning:   answer.Reasoning,
		Confidence:  Clamp01(floatOr(answer.Confidence, 0.5)),
		CreatedAt:   time.Now().UTC(),
	}
}

func (s *Anomaly) prompt(entry model.NormalizedLogEntry) string {
	var b strings.Builder
	b.WriteString("Analyze the following log entry for anomalous behaviour.\n\n")
	b.WriteString(entryFields(entry).String())
	if len(entry.Tags) > 0 {
		fmt.Fprintf(&b, "tags: %s\n", strings.Join(entry.Tags, ", "))
	}
	return b.String()
}

// entryFields renders the normalized entry fields shared by every prompt
func entryFields(entry model.NormalizedLogEntry) llm.Fields {
	port := ""
	if entry.Port > 0 {
		port = fmt.Sprint(entry.Port)
	}
	return llm.Fields{
		{Key: "log_id", Value: entry.ID},
		{Key: "timestamp", Value: entry.Timestamp.Format(time.RFC3339)},
		{Key: "source", Value: string(entry.Source)},
		{Key: "event_type", Value: entry.EventType},
		{Key: "severity", Value: entry.Severity},
		{Key: "source_ip", Value: entry.SourceIP},
		{Key: "destination_ip", Value: entry.DestinationIP},
		{Key: "user", Value: entry.User},
		{Key: "process", Value: entry.Process},
		{Key: "command", Value: entry.Command},
		{Key: "file_path", Value: entry.FilePath},
		{Key: "port", Value: port},
		{Key: "protocol", Value: entry.Protocol},
		{Key: "message", Value: entry.Message},
	}
}
