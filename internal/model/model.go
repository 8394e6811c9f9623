package model

import (
	"time"
)

// Source identifies which collector produced a raw log entry
type Source string

const (
	SourceSyslog       Source = "syslog"
	SourceDatabase     Source = "database"
	SourceWindowsEvent Source = "windows_event"
	SourceDataset      Source = "dataset"
)

// Severity levels shared by normalized entries and alerts
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert lifecycle states
const (
	StatusNew           = "new"
	StatusInvestigating = "investigating"
	StatusResolved      = "resolved"
)

// Entity categories used in Alert.Entities
const (
	EntityIPs       = "ips"
	EntityUsers     = "users"
	EntityProcesses = "processes"
	EntityFiles     = "files"
	EntityHosts     = "hosts"
)

// SeverityLevels orders severities for threshold comparisons
var SeverityLevels = map[string]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// RawLogEntry is a minimally parsed record as produced by a collector or dataset loader
type RawLogEntry struct {
	ID            string                 `json:"id"`
	Source        Source                 `json:"source"`
	Timestamp     time.Time              `json:"timestamp"`
	Raw           string                 `json:"raw"`
	Structured    map[string]interface{} `json:"structured,omitempty"`
	SourceIP      string                 `json:"source_ip,omitempty"`
	DestinationIP string                 `json:"destination_ip,omitempty"`
	User          string                 `json:"user,omitempty"`
	EventType     string                 `json:"event_type,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// NormalizedLogEntry is the canonical schema consumed by every pipeline stage
type NormalizedLogEntry struct {
	ID            string                 `json:"id"`
	Source        Source                 `json:"source"`
	Timestamp     time.Time              `json:"timestamp"`
	EventType     string                 `json:"event_type"`
	SourceIP      string                 `json:"source_ip,omitempty"`
	DestinationIP string                 `json:"destination_ip,omitempty"`
	User          string                 `json:"user,omitempty"`
	Process       string                 `json:"process,omitempty"`
	Command       string                 `json:"command,omitempty"`
	FilePath      string                 `json:"file_path,omitempty"`
	Port          int                    `json:"port,omitempty"`
	Protocol      string                 `json:"protocol,omitempty"`
	StatusCode    int                    `json:"status_code,omitempty"`
	Message       string                 `json:"message"`
	Severity      string                 `json:"severity"`
	Tags          []string               `json:"tags"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// AnomalyResult is the output of the anomaly stage
type AnomalyResult struct {
	LogID       string    `json:"log_id"`
	Score       float64   `json:"anomaly_score"` // 0.0 to 1.0
	IsAnomalous bool      `json:"is_anomalous"`
	AnomalyType string    `json:"anomaly_type,omitempty"`
	Reasoning   string    `json:"reasoning"`
	Confidence  float64   `json:"confidence"` // 0.0 to 1.0
	Fallback    bool      `json:"fallback"`
	CreatedAt   time.Time `json:"created_at"`
}

// ThreatIntelResult is the output of the threat-intel stage
type ThreatIntelResult struct {
	LogID        string    `json:"log_id"`
	AnomalyScore float64   `json:"anomaly_score"`
	Score        float64   `json:"threat_score"`
	IsThreat     bool      `json:"is_threat"`
	ThreatType   string    `json:"threat_type,omitempty"`
	IOCMatches   []string  `json:"ioc_matches,omitempty"`
	Reasoning    string    `json:"reasoning"`
	Confidence   float64   `json:"confidence"`
	Fallback     bool      `json:"fallback"`
	CreatedAt    time.Time `json:"created_at"`
}

// RelatedEvent is a history entry linked to the entry under correlation
type RelatedEvent struct {
	LogID        string    `json:"log_id"`
	Relationship string    `json:"relationship"` // same_user, same_source_ip, ip_correlation, same_process
	EventType    string    `json:"event_type"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

// CorrelationResult is the output of the correlation stage
type CorrelationResult struct {
	LogID            string                 `json:"log_id"`
	ThreatScore      float64                `json:"threat_score"`
	Score            float64                `json:"correlation_score"`
	AboveThreshold   bool                   `json:"above_threshold"`
	RelatedEvents    []RelatedEvent         `json:"related_events"`
	Context          map[string]interface{} `json:"context,omitempty"`
	AssetCriticality string                 `json:"asset_criticality"`
	UserRiskLevel    string                 `json:"user_risk_level"`
	AttackPattern    string                 `json:"attack_pattern,omitempty"`
	Reasoning        string                 `json:"reasoning"`
	Confidence       float64                `json:"confidence"`
	Fallback         bool                   `json:"fallback"`
	CreatedAt        time.Time              `json:"created_at"`
}

// Alert is the terminal artifact of the pipeline
type Alert struct {
	ID                  string              `json:"id"`
	Title               string              `json:"title"`
	Description         string              `json:"description"`
	Severity            string              `json:"severity"`
	Confidence          float64             `json:"confidence"`
	SourceLogIDs        []string            `json:"source_log_ids"`
	Entities            map[string][]string `json:"entities"`
	AttackVector        string              `json:"attack_vector,omitempty"`
	RecommendedActions  []string            `json:"recommended_actions"`
	Status              string              `json:"status"`
	AnalystNotes        string              `json:"analyst_notes,omitempty"`
	FalsePositiveReason string              `json:"false_positive_reason,omitempty"`
	Fallback            bool                `json:"fallback"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// ProcessingStats are the process-wide running counters of a pipeline
type ProcessingStats struct {
	TotalLogsProcessed  int64     `json:"total_logs_processed"`
	AlertsGenerated     int64     `json:"alerts_generated"`
	AnomaliesDetected   int64     `json:"anomalies_detected"`
	ThreatsVerified     int64     `json:"threats_verified"`
	FallbackResults     int64     `json:"fallback_results"`
	FailedBatches       int64     `json:"failed_batches"`
	NormalizationErrors int64     `json:"normalization_errors"`
	ProcessingTimeAvg   float64   `json:"processing_time_avg"` // seconds
	LastUpdated         time.Time `json:"last_updated"`
}

// IsValidStatus reports whether s is a known alert status
func IsValidStatus(s string) bool {
	switch s {
	case StatusNew, StatusInvestigating, StatusResolved:
		return true
	}
	return false
}
