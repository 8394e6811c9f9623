package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/siemflux/internal/model"
	"github.com/sgerhart/siemflux/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubProcessor raises one high alert for every log mentioning malware
type stubProcessor struct {
	mu   sync.Mutex
	got  []model.RawLogEntry
	err  error
	runs int
}

func (p *stubProcessor) ProcessLogs(ctx context.Context, raws []model.RawLogEntry) ([]model.Alert, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs++
	p.got = append(p.got, raws...)
	if p.err != nil {
		return nil, p.err
	}
	var alerts []model.Alert
	for _, r := range raws {
		if strings.Contains(r.Raw, "malware") {
			alerts = append(alerts, model.Alert{
				ID:           "alert-" + r.ID,
				Title:        "Malware",
				Severity:     model.SeverityHigh,
				SourceLogIDs: []string{r.ID},
				Status:       model.StatusNew,
				CreatedAt:    time.Now().UTC(),
			})
		}
	}
	return alerts, nil
}

func (p *stubProcessor) GetStats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]interface{}{"runs": p.runs}
}

type recordingSink struct {
	alerts []model.Alert
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Publish(ctx context.Context, alerts []model.Alert) error {
	s.alerts = append(s.alerts, alerts...)
	return nil
}

func newTestServer(t *testing.T, opts Options) (*httptest.Server, *store.MemoryStore, *stubProcessor) {
	t.Helper()
	mem, err := store.NewMemoryStore(100, 100, testLogger())
	require.NoError(t, err)
	proc := &stubProcessor{}
	srv, err := NewServer(mem, proc, opts, testLogger())
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, mem, proc
}

func seed(t *testing.T, mem *store.MemoryStore) {
	t.Helper()
	now := time.Now().UTC()
	_, err := mem.Save(context.Background(), []model.Alert{
		{ID: "a-low", Title: "low", Severity: model.SeverityLow, SourceLogIDs: []string{"1"}, Status: model.StatusNew, CreatedAt: now},
		{ID: "a-high", Title: "high", Severity: model.SeverityHigh, SourceLogIDs: []string{"2"}, Status: model.StatusNew, CreatedAt: now.Add(time.Second)},
		{ID: "a-crit", Title: "crit", Severity: model.SeverityCritical, SourceLogIDs: []string{"3"}, Status: model.StatusResolved, CreatedAt: now.Add(2 * time.Second)},
	})
	require.NoError(t, err)
}

func do(t *testing.T, method, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &decoded), string(data))
	}
	return resp, decoded
}

func TestListAlerts(t *testing.T) {
	ts, mem, _ := newTestServer(t, Options{})
	seed(t, mem)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantIDs    []string
	}{
		{"all", "", http.StatusOK, []string{"a-crit", "a-high", "a-low"}},
		{"min severity", "?min_severity=HIGH", http.StatusOK, []string{"a-crit", "a-high"}},
		{"status", "?status=new", http.StatusOK, []string{"a-high", "a-low"}},
		{"limit", "?limit=1", http.StatusOK, []string{"a-crit"}},
		{"bad severity", "?min_severity=urgent", http.StatusBadRequest, nil},
		{"bad status", "?status=closed", http.StatusBadRequest, nil},
		{"bad limit", "?limit=-3", http.StatusBadRequest, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/alerts"+tt.query, "")
			require.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus != http.StatusOK {
				assert.NotEmpty(t, body["error"])
				return
			}
			var ids []string
			for _, a := range body["alerts"].([]interface{}) {
				ids = append(ids, a.(map[string]interface{})["id"].(string))
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.EqualValues(t, len(tt.wantIDs), body["count"])
		})
	}
}

func TestGetAndUpdateAlert(t *testing.T) {
	ts, mem, _ := newTestServer(t, Options{})
	seed(t, mem)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/alerts/a-high", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "high", body["title"])

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/v1/alerts/nope", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, http.MethodPatch, ts.URL+"/api/v1/alerts/a-high",
		`{"status":"Investigating","analyst_notes":"checking vpn logs"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.StatusInvestigating, body["status"])
	assert.Equal(t, "checking vpn logs", body["analyst_notes"])

	resp, body = do(t, http.MethodPut, ts.URL+"/api/v1/alerts/a-high/status",
		`{"status":"resolved","false_positive_reason":"pentest window"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pentest window", body["false_positive_reason"])

	stored, err := mem.Get(context.Background(), "a-high")
	require.NoError(t, err)
	assert.Equal(t, model.StatusResolved, stored.Status)

	resp, _ = do(t, http.MethodPatch, ts.URL+"/api/v1/alerts/a-high", `{"status":"closed"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPatch, ts.URL+"/api/v1/alerts/a-high", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPatch, ts.URL+"/api/v1/alerts/missing", `{"status":"new"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitLogs(t *testing.T) {
	publisher := &recordingSink{}
	ts, _, proc := newTestServer(t, Options{Publisher: publisher})

	resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/logs", `{"logs":[
		{"id":"l1","source":"syslog","raw":"web01 sshd[1]: session opened for user deploy"},
		{"raw":"malware beacon to 203.0.113.9","timestamp":"2024-03-01T12:00:00Z"},
		{"source":"database","structured":{"query":"SELECT 1"}}
	]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.EqualValues(t, 3, body["processed"])
	assert.EqualValues(t, 1, body["count"])

	require.Len(t, proc.got, 3)
	assert.Equal(t, "l1", proc.got[0].ID)
	assert.NotEmpty(t, proc.got[1].ID)
	assert.Equal(t, model.SourceDataset, proc.got[1].Source)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), proc.got[1].Timestamp.UTC())
	assert.False(t, proc.got[2].Timestamp.IsZero())
	require.Len(t, publisher.alerts, 1)
	assert.Equal(t, []string{proc.got[1].ID}, publisher.alerts[0].SourceLogIDs)
}

func TestSubmitLogs_Validation(t *testing.T) {
	ts, _, proc := newTestServer(t, Options{})

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing logs", `{}`},
		{"empty logs", `{"logs":[]}`},
		{"no payload", `{"logs":[{"id":"x","source":"syslog"}]}`},
		{"empty raw", `{"logs":[{"raw":""}]}`},
		{"empty structured", `{"logs":[{"structured":{}}]}`},
		{"unknown source", `{"logs":[{"raw":"x","source":"carrier_pigeon"}]}`},
		{"bad timestamp", `{"logs":[{"raw":"x","timestamp":"yesterday"}]}`},
		{"wrong type", `{"logs":[{"raw":42}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/logs", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
	assert.Zero(t, proc.runs)
}

func TestSubmitLogs_Interrupted(t *testing.T) {
	ts, _, proc := newTestServer(t, Options{})
	proc.err = context.Canceled

	resp, _ := do(t, http.MethodPost, ts.URL+"/api/v1/logs", `{"logs":[{"raw":"x"}]}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealthReadyStatsMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "siemflux_up 1\n")
	})
	var unhealthy atomic.Bool
	ts, mem, _ := newTestServer(t, Options{
		Metrics: metrics,
		ReadyChecks: map[string]ReadyCheck{
			"inference": func(ctx context.Context) error {
				if unhealthy.Load() {
					return errors.New("connection refused")
				}
				return nil
			},
		},
	})
	seed(t, mem)

	resp, body := do(t, http.MethodGet, ts.URL+"/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	resp, body = do(t, http.MethodGet, ts.URL+"/readyz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["checks"].(map[string]interface{})["inference"])

	unhealthy.Store(true)
	resp, body = do(t, http.MethodGet, ts.URL+"/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "connection refused", body["checks"].(map[string]interface{})["inference"])

	resp, body = do(t, http.MethodGet, ts.URL+"/api/v1/stats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "pipeline")
	assert.EqualValues(t, 3, body["store"].(map[string]interface{})["total_alerts"])

	mresp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer mresp.Body.Close()
	data, _ := io.ReadAll(mresp.Body)
	assert.Contains(t, string(data), "siemflux_up 1")
}

func TestCORSPreflight(t *testing.T) {
	ts, _, _ := newTestServer(t, Options{CORSOrigins: []string{"https://soc.example.com"}})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/v1/alerts", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://soc.example.com")
	req.Header.Set("Access-Control-Request-Method", "PATCH")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "https://soc.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
}
