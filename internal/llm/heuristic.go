package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Field is one "key: value" line of a structured prompt block
type Field struct {
	Key   string
	Value string
}

// Fields renders as one "key: value" line per entry
type Fields []Field

func (f Fields) String() string {
	var b strings.Builder
	for _, field := range f {
		if field.Value == "" {
			continue
		}
		b.WriteString(field.Key)
		b.WriteString(": ")
		b.WriteString(strings.ReplaceAll(field.Value, "\n", " "))
		b.WriteString("\n")
	}
	return b.String()
}

// ParseFields extracts "key: value" lines from a prompt. Keys are lowercased;
// the first occurrence of a key wins.
func ParseFields(prompt string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(prompt, "\n") {
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" || strings.Contains(key, " ") {
			continue
		}
		if _, seen := out[key]; !seen {
			out[key] = strings.TrimSpace(value)
		}
	}
	return out
}

// HeuristicClient answers stage prompts from keyword heuristics, so the
// pipeline can run without a model endpoint. Output is deterministic.
type HeuristicClient struct {
	role string
}

// NewHeuristicClient creates an offline client for one stage role
func NewHeuristicClient(role string) *HeuristicClient {
	return &HeuristicClient{role: role}
}

// GetProvider returns the provider name
func (c *HeuristicClient) GetProvider() string {
	return ProviderHeuristic
}

var attackWords = []string{"attack", "malware", "exploit", "breach", "mimikatz", "brute", "failed", "denied", "unauthorized", "injection"}

var severityBase = map[string]float64{
	"critical": 0.9,
	"high":     0.7,
	"medium":   0.45,
	"low":      0.15,
}

// Generate returns a JSON answer shaped for the client's role
func (c *HeuristicClient) Generate(ctx context.Context, prompt, system string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fields := ParseFields(prompt)

	var answer interface{}
	switch c.role {
	case RoleAnomaly:
		answer = c.anomaly(fields)
	case RoleThreatIntel:
		answer = c.threat(fields)
	case RoleCorrelation:
		answer = c.correlation(fields)
	case RoleAlert:
		answer = c.alert(fields)
	default:
		return "", fmt.Errorf("heuristic provider has no answer for role %q", c.role)
	}

	data, err := json.Marshal(answer)
	if err != nil {
		return "", fmt.Errorf("failed to marshal heuristic answer: %w", err)
	}
	return string(data), nil
}

func (c *HeuristicClient) anomaly(f map[string]string) map[string]interface{} {
	score := severityBase[f["severity"]]
	message := strings.ToLower(f["message"])
	hits := 0
	for _, w := range attackWords {
		if strings.Contains(message, w) {
			hits++
		}
	}
	score += 0.1 * float64(hits)
	if score > 1 {
		score = 1
	}

	anomalyType := "none"
	if score >= 0.6 {
		anomalyType = f["event_type"]
	}
	return map[string]interface{}{
		"anomaly_score": score,
		"is_anomalous":  score >= 0.6,
		"anomaly_type":  anomalyType,
		"reasoning":     fmt.Sprintf("severity %s with %d attack keyword(s)", f["severity"], hits),
		"confidence":    0.6,
	}
}

func (c *HeuristicClient) threat(f map[string]string) map[string]interface{} {
	score := parseFloat(f["anomaly_score"])
	var matches []string
	if iocs := f["ioc_matches"]; iocs != "" && iocs != "none" {
		matches = strings.Split(iocs, ", ")
	}
	score += 0.15 * float64(len(matches))
	if score > 1 {
		score = 1
	}

	threatType := "unknown"
	if len(matches) > 0 {
		threatType, _, _ = strings.Cut(matches[0], ":")
	}
	return map[string]interface{}{
		"threat_score": score,
		"is_threat":    score >= 0.6,
		"threat_type":  threatType,
		"ioc_matches":  matches,
		"reasoning":    fmt.Sprintf("%d indicator match(es)", len(matches)),
		"confidence":   0.6,
	}
}

func (c *HeuristicClient) correlation(f map[string]string) map[string]interface{} {
	score := parseFloat(f["threat_score"])
	switch f["asset_criticality"] {
	case "critical":
		score += 0.1
	case "high":
		score += 0.05
	}
	related, _ := strconv.Atoi(f["related_events"])
	if related > 5 {
		related = 5
	}
	score += 0.02 * float64(related)
	if score > 1 {
		score = 1
	}

	pattern := "isolated"
	if related > 0 {
		pattern = "repeated_activity"
	}
	return map[string]interface{}{
		"correlation_score": score,
		"attack_pattern":    pattern,
		"reasoning":         fmt.Sprintf("%d related event(s), asset criticality %s", related, f["asset_criticality"]),
		"confidence":        0.6,
	}
}

func (c *HeuristicClient) alert(f map[string]string) map[string]interface{} {
	score := parseFloat(f["correlation_score"])
	severity := "low"
	switch {
	case score >= 0.9:
		severity = "critical"
	case score >= 0.8:
		severity = "high"
	case score >= 0.6:
		severity = "medium"
	}
	eventType := f["event_type"]
	if eventType == "" {
		eventType = "activity"
	}
	return map[string]interface{}{
		"title":         fmt.Sprintf("Suspicious %s", strings.ReplaceAll(eventType, "_", " ")),
		"description":   f["message"],
		"severity":      severity,
		"confidence":    0.6,
		"attack_vector": f["attack_pattern"],
		"recommended_actions": []string{
			"Review the source log entries",
			"Validate the activity with the asset owner",
		},
	}
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
