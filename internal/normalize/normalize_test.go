package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/siemflux/internal/model"
)

func TestNormalize_NeverEmpty(t *testing.T) {
	tests := []struct {
		name string
		raw  model.RawLogEntry
	}{
		{"zero value", model.RawLogEntry{}},
		{"empty syslog", model.RawLogEntry{Source: model.SourceSyslog}},
		{"whitespace payload", model.RawLogEntry{Source: model.SourceDataset, Raw: "   \t "}},
		{"windows garbage", model.RawLogEntry{Source: model.SourceWindowsEvent, Raw: "{not json"}},
		{"windows empty object", model.RawLogEntry{Source: model.SourceWindowsEvent, Raw: "{}"}},
		{"database nil metadata", model.RawLogEntry{Source: model.SourceDatabase}},
		{"unknown source", model.RawLogEntry{Source: "carrier-pigeon", Raw: "coo"}},
		{"odd metadata types", model.RawLogEntry{
			Source:   model.SourceDataset,
			Metadata: map[string]interface{}{"port": []int{1}, "message": nil, "severity": 3.5},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var entry model.NormalizedLogEntry
			require.NotPanics(t, func() { entry = Normalize(tt.raw) })
			assert.NotEmpty(t, entry.Message)
			assert.NotEmpty(t, entry.EventType)
			assert.NotEmpty(t, entry.ID)
			assert.Contains(t, []string{"low", "medium", "high", "critical"}, entry.Severity)
			assert.False(t, entry.Timestamp.IsZero())
			assert.NotNil(t, entry.Tags)
		})
	}
}

func TestNormalize_Syslog(t *testing.T) {
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	raw := model.RawLogEntry{
		ID:        "log-1",
		Source:    model.SourceSyslog,
		Timestamp: ts,
		Raw:       "Failed password for invalid user admin from 10.0.0.5 to 192.168.1.10:22 via ssh",
		Metadata:  map[string]interface{}{"process": "sshd", "hostname": "bastion"},
	}

	entry := Normalize(raw)

	assert.Equal(t, "log-1", entry.ID)
	assert.Equal(t, ts, entry.Timestamp)
	assert.Equal(t, "10.0.0.5", entry.SourceIP)
	assert.Equal(t, "192.168.1.10", entry.DestinationIP)
	assert.Equal(t, "admin", entry.User)
	assert.Equal(t, "sshd", entry.Process)
	assert.Equal(t, 22, entry.Port)
	assert.Equal(t, "ssh", entry.Protocol)
	assert.Equal(t, "high", entry.Severity)
	assert.Equal(t, "general", entry.EventType)
	assert.Equal(t, "bastion", entry.Metadata["hostname"])
	assert.Contains(t, entry.Tags, "syslog")
	assert.Contains(t, entry.Tags, "authentication")
}

func TestNormalize_Windows(t *testing.T) {
	raw := model.RawLogEntry{
		ID:     "win-1",
		Source: model.SourceWindowsEvent,
		Raw:    `{"EventID": 4625, "LogType": "Security", "Level": "Warning", "TargetUserName": "jdoe", "IpAddress": "192.168.1.100", "ProcessName": "winlogon.exe"}`,
	}

	entry := Normalize(raw)

	assert.Equal(t, "windows_security_4625", entry.EventType)
	assert.Equal(t, "Failed logon attempt", entry.Message)
	assert.Equal(t, "medium", entry.Severity)
	assert.Equal(t, "jdoe", entry.User)
	assert.Equal(t, "192.168.1.100", entry.SourceIP)
	assert.Equal(t, "winlogon.exe", entry.Process)
	assert.Equal(t, "4625", entry.Metadata["event_id"])
	assert.Subset(t, entry.Tags, []string{"windows_event", "security", "level_warning"})
}

func TestNormalize_Database(t *testing.T) {
	raw := model.RawLogEntry{
		ID:     "db-1",
		Source: model.SourceDatabase,
		Metadata: map[string]interface{}{
			"message":  "DROP TABLE customers",
			"user":     "app_rw",
			"host":     "10.1.2.3",
			"severity": "error",
		},
	}

	entry := Normalize(raw)

	assert.Equal(t, "database_event", entry.EventType)
	assert.Equal(t, "DROP TABLE customers", entry.Message)
	assert.Equal(t, "app_rw", entry.User)
	assert.Equal(t, "10.1.2.3", entry.SourceIP)
	assert.Equal(t, "high", entry.Severity)
	assert.Contains(t, entry.Tags, "database")
}

func TestNormalize_DatasetExplicitFields(t *testing.T) {
	raw := model.RawLogEntry{
		Source: model.SourceDataset,
		Raw:    "flow record",
		Metadata: map[string]interface{}{
			"severity":         "critical",
			"src_ip":           "172.16.1.200",
			"dst_ip":           "10.0.0.50",
			"destination_port": float64(4444),
			"protocol":         "TCP",
		},
	}

	entry := Normalize(raw)

	assert.Equal(t, "critical", entry.Severity)
	assert.Equal(t, "172.16.1.200", entry.SourceIP)
	assert.Equal(t, "10.0.0.50", entry.DestinationIP)
	assert.Equal(t, 4444, entry.Port)
	assert.Equal(t, "tcp", entry.Protocol)
}

func TestClassifyEventType(t *testing.T) {
	tests := []struct {
		message  string
		expected string
	}{
		{"User login succeeded", "authentication"},
		{"TCP connection reset", "network"},
		{"directory listing requested", "filesystem"},
		{"process execution started", "process"},
		{"malware quarantined", "security"},
		{"login over tcp", "authentication"},
		{"nothing interesting", "general"},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifyEventType(tt.message))
		})
	}
}

func TestClassifySeverity(t *testing.T) {
	tests := []struct {
		message  string
		expected string
	}{
		{"kernel panic", "critical"},
		{"FATAL error in worker", "critical"},
		{"authentication failed", "high"},
		{"suspicious activity", "medium"},
		{"disk warning threshold", "medium"},
		{"heartbeat ok", "low"},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.expected, ClassifySeverity(tt.message))
		})
	}
}

func TestBuildTags_Deduplicated(t *testing.T) {
	tags := BuildTags("syslog", "HTTP request to web url with http auth", "syslog", "web")

	seen := map[string]int{}
	for _, tag := range tags {
		seen[tag]++
	}
	for tag, n := range seen {
		assert.Equal(t, 1, n, "tag %s duplicated", tag)
	}
	assert.Equal(t, "syslog", tags[0])
	assert.Contains(t, tags, "network")
	assert.Contains(t, tags, "authentication")
}

func TestExtractUser_PatternOrder(t *testing.T) {
	assert.Equal(t, "alice", ExtractUser("Account=alice uid=1001"))
	assert.Equal(t, "1001", ExtractUser("uid=1001"))
	assert.Equal(t, "bob", ExtractUser("login: bob"))
	assert.Equal(t, "root", ExtractUser("Accepted publickey for root from 1.2.3.4"))
	assert.Empty(t, ExtractUser("no identity here"))
}

func TestExtractPort(t *testing.T) {
	assert.Equal(t, 443, ExtractPort("connect 10.0.0.1:443 ok"))
	assert.Equal(t, 8080, ExtractPort("listening on port 8080"))
	assert.Equal(t, 0, ExtractPort("at 10:23:45 nothing"))
	assert.Equal(t, 0, ExtractPort("10.0.0.1:99999"))
}

func TestValidateAndNormalizeAll(t *testing.T) {
	raws := []model.RawLogEntry{
		{ID: "a", Source: model.SourceSyslog, Raw: "ok"},
		{ID: "b", Source: model.SourceSyslog},
		{ID: "c", Source: model.SourceDatabase, Metadata: map[string]interface{}{"message": "select 1"}},
	}

	entries, errs := NormalizeAll(raws)

	require.Len(t, entries, 2)
	require.Len(t, errs, 1)
	assert.True(t, errors.Is(errs[0], ErrEmptyRecord))
	assert.Equal(t, "a", entries[0].ID)
	assert.Equal(t, "c", entries[1].ID)
}
