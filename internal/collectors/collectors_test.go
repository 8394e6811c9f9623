package collectors

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/siemflux/internal/model"
	"github.com/sgerhart/siemflux/internal/normalize"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type collected struct {
	mu      sync.Mutex
	entries []model.RawLogEntry
}

func (c *collected) emit(entries ...model.RawLogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entries...)
}

func (c *collected) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

type countingRecorder struct {
	mu       sync.Mutex
	ingested map[string]int
	invalid  int
}

func (r *countingRecorder) IncrementLogsIngested(source string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ingested[source] += n
}

func (r *countingRecorder) IncrementLogsInvalid() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalid++
}

func TestParseSyslog(t *testing.T) {
	received := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		line     string
		wantMeta map[string]interface{}
		wantTime time.Time
	}{
		{
			name: "full bsd line",
			line: "<38>Mar  1 11:59:58 bastion sshd[4121]: Failed password for root from 203.0.113.9 port 52114 ssh2",
			wantMeta: map[string]interface{}{
				"priority":        38,
				"facility":        4,
				"syslog_severity": "info",
				"hostname":        "bastion",
				"process":         "sshd",
				"pid":             "4121",
				"message":         "Failed password for root from 203.0.113.9 port 52114 ssh2",
			},
			wantTime: time.Date(2024, 3, 1, 11, 59, 58, 0, time.UTC),
		},
		{
			name: "no pid",
			line: "<11>web01 nginx: upstream timed out",
			wantMeta: map[string]interface{}{
				"priority":        11,
				"facility":        1,
				"syslog_severity": "err",
				"hostname":        "web01",
				"process":         "nginx",
				"message":         "upstream timed out",
			},
			wantTime: received,
		},
		{
			name: "iso timestamp without pri",
			line: "2024-02-29T23:10:00Z db01 postgres[77]: connection received",
			wantMeta: map[string]interface{}{
				"hostname": "db01",
				"process":  "postgres",
				"pid":      "77",
				"message":  "connection received",
			},
			wantTime: time.Date(2024, 2, 29, 23, 10, 0, 0, time.UTC),
		},
		{
			name:     "free text",
			line:     "kernel panic - not syncing",
			wantMeta: map[string]interface{}{"message": "kernel panic - not syncing"},
			wantTime: received,
		},
		{
			name:     "out of range pri is left alone",
			line:     "<999>hello",
			wantMeta: map[string]interface{}{"message": "hello"},
			wantTime: received,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := ParseSyslog(tt.line, received)
			assert.NotEmpty(t, entry.ID)
			assert.Equal(t, model.SourceSyslog, entry.Source)
			assert.Equal(t, tt.line, entry.Raw)
			assert.Equal(t, tt.wantMeta, entry.Metadata)
			assert.True(t, tt.wantTime.Equal(entry.Timestamp), "got %s", entry.Timestamp)
		})
	}
}

func TestParseSyslog_Normalizes(t *testing.T) {
	entry := normalize.Normalize(ParseSyslog("<34>Mar  1 12:00:00 bastion sshd[1]: Failed password for invalid user admin from 198.51.100.7", time.Now().UTC()))
	assert.Equal(t, "sshd", entry.Process)
	assert.Equal(t, "198.51.100.7", entry.SourceIP)
	assert.Equal(t, "bastion", entry.Metadata["hostname"])
	assert.NotEmpty(t, entry.EventType)
}

func TestDecodeRawLog(t *testing.T) {
	received := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		data       string
		wantErr    bool
		wantSource model.Source
		wantID     string
	}{
		{"json entry", `{"id":"r1","source":"windows_event","raw":"EventID 4625"}`, false, model.SourceWindowsEvent, "r1"},
		{"json defaults", `{"raw":"user login"}`, false, model.SourceSyslog, ""},
		{"plain text", "<13>host app: started", false, model.SourceSyslog, ""},
		{"empty", "   ", true, "", ""},
		{"broken json", `{"raw":`, true, "", ""},
		{"json without payload", `{"id":"r2","source":"syslog"}`, true, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, err := DecodeRawLog([]byte(tt.data), received)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSource, entry.Source)
			assert.NotEmpty(t, entry.ID)
			if tt.wantID != "" {
				assert.Equal(t, tt.wantID, entry.ID)
			}
			assert.False(t, entry.Timestamp.IsZero())
		})
	}
}

func TestSyslogCollector_TCP(t *testing.T) {
	rec := &countingRecorder{ingested: map[string]int{}}
	c := NewSyslogCollector("127.0.0.1:0", testLogger(), rec)
	require.NoError(t, c.Listen())
	require.NotNil(t, c.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	out := &collected{}
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, out.emit) }()

	conn, err := net.Dial("tcp", c.Addr().String())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := fmt.Fprintf(conn, "<86>Mar  1 12:00:0%d bastion sudo[9]: jdoe : COMMAND=/bin/id\n", i)
		require.NoError(t, err)
	}
	_, err = fmt.Fprint(conn, "\n\n")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return out.len() == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, c.Healthy())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop")
	}
	conn.Close()

	assert.False(t, c.Healthy())
	assert.Equal(t, 3, rec.ingested["syslog"])
	assert.Equal(t, "sudo", out.entries[0].Metadata["process"])
}

func TestSyslogCollector_ListenError(t *testing.T) {
	c := NewSyslogCollector("256.0.0.1:99999", nil, nil)
	assert.Error(t, c.Run(context.Background(), func(...model.RawLogEntry) {}))
}

func TestNATSCollector(t *testing.T) {
	nc, err := nats.Connect(nats.DefaultURL, nats.Timeout(2*time.Second))
	if err != nil {
		t.Skip("NATS server not available, skipping test")
	}
	defer nc.Close()

	rec := &countingRecorder{ingested: map[string]int{}}
	subject := "test.logs.raw." + time.Now().Format("150405.000")
	c := NewNATSCollector(nc, subject, "", testLogger(), rec)

	ctx, cancel := context.WithCancel(context.Background())
	out := &collected{}
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, out.emit) }()
	require.Eventually(t, c.Healthy, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, nc.Publish(subject, []byte(`{"id":"n1","source":"syslog","raw":"sshd: Accepted publickey for deploy"}`)))
	require.NoError(t, nc.Publish(subject, []byte(`{"broken"`)))
	require.NoError(t, nc.Flush())

	assert.Eventually(t, func() bool { return out.len() == 1 && c.Invalid() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, 1, rec.ingested["syslog"])
	assert.Equal(t, 1, rec.invalid)
}
