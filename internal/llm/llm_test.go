package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type scriptedClient struct {
	errs  []error
	calls int
}

func (c *scriptedClient) Generate(ctx context.Context, prompt, system string) (string, error) {
	c.calls++
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "ok", nil
}

func (c *scriptedClient) GetProvider() string { return "scripted" }

type recordedUsage struct {
	provider, model string
	usage           Usage
}

type usageSink struct{ got []recordedUsage }

func (s *usageSink) RecordUsage(provider, model string, usage Usage) {
	s.got = append(s.got, recordedUsage{provider, model, usage})
}

func TestChatClient_Generate(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"ok\":true}"}}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`))
	}))
	defer server.Close()

	sink := &usageSink{}
	client := NewLocalClient(server.URL, "llama3", 256, 0.1).WithUsageRecorder(sink)

	out, err := client.Generate(context.Background(), "classify this", "you are an analyst")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)

	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "user", captured.Messages[1].Role)
	assert.Equal(t, "llama3", captured.Model)

	require.Len(t, sink.got, 1)
	assert.Equal(t, ProviderLocal, sink.got[0].provider)
	assert.Equal(t, 12, sink.got[0].usage.PromptTokens)
}

func TestChatClient_ErrorStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
		contains  string
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, true, "slow down"},
		{"server error", http.StatusBadGateway, `upstream broke`, true, "upstream broke"},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"bad prompt"}}`, false, "bad prompt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewLocalClient(server.URL, "m", 10, 0)
			_, err := client.Generate(context.Background(), "p", "")
			require.Error(t, err)

			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, tt.status, statusErr.StatusCode)
			assert.Equal(t, tt.retryable, statusErr.Retryable())
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestRetryClient(t *testing.T) {
	transient := &StatusError{Provider: "x", StatusCode: 503}
	permanent := &StatusError{Provider: "x", StatusCode: 400}

	tests := []struct {
		name      string
		errs      []error
		wantErr   bool
		wantCalls int
	}{
		{"succeeds first try", nil, false, 1},
		{"recovers after transient", []error{transient, transient}, false, 3},
		{"gives up after attempts", []error{transient, transient, transient}, true, 3},
		{"permanent not retried", []error{permanent}, true, 1},
		{"budget not retried", []error{ErrBudgetExceeded}, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := &scriptedClient{errs: tt.errs}
			client := NewRetryClient(inner, 3, time.Millisecond, testLogger())

			_, err := client.Generate(context.Background(), "p", "")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, inner.calls)
		})
	}
}

func TestBudgetManager_RateLimited(t *testing.T) {
	bm := NewBudgetManager(BudgetConfig{RateLimitRPM: 1, MaxWait: 10 * time.Millisecond}, testLogger())

	require.NoError(t, bm.Acquire(context.Background()))
	err := bm.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, int64(1), bm.GetStats()["rejected"])
}

func TestBudgetManager_BudgetExceeded(t *testing.T) {
	bm := NewBudgetManager(BudgetConfig{RateLimitRPM: 600, MaxCostPerHour: 0.01}, testLogger())

	require.NoError(t, bm.Acquire(context.Background()))
	bm.RecordUsage(ProviderOpenAI, "gpt-4", Usage{PromptTokens: 1000, CompletionTokens: 1000})

	err := bm.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrBudgetExceeded)

	stats := bm.GetStats()
	assert.InDelta(t, 0.09, stats["current_hour_cost"], 1e-9)
}

func TestBudgetManager_LocalIsFree(t *testing.T) {
	bm := NewBudgetManager(BudgetConfig{RateLimitRPM: 600, MaxCostPerHour: 0.01}, testLogger())

	bm.RecordUsage(ProviderLocal, "anything", Usage{PromptTokens: 100000, CompletionTokens: 100000})
	assert.NoError(t, bm.Acquire(context.Background()))
}

func TestBudgetedClient(t *testing.T) {
	bm := NewBudgetManager(BudgetConfig{RateLimitRPM: 1, MaxWait: 5 * time.Millisecond}, testLogger())
	inner := &scriptedClient{}
	client := NewBudgetedClient(inner, bm)

	_, err := client.Generate(context.Background(), "p", "")
	require.NoError(t, err)
	_, err = client.Generate(context.Background(), "p", "")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, inner.calls)
}

func TestParseFields(t *testing.T) {
	prompt := "Analyze this.\nseverity: high\nmessage: a: b\nrelated events follow: x\nseverity: low\n- same_user: skipped\n"

	fields := ParseFields(prompt)

	assert.Equal(t, "high", fields["severity"])
	assert.Equal(t, "a: b", fields["message"])
	assert.NotContains(t, fields, "related events follow")
	assert.NotContains(t, fields, "- same_user")
}

func TestFields_String(t *testing.T) {
	f := Fields{{"severity", "high"}, {"user", ""}, {"message", "line1\nline2"}}
	assert.Equal(t, "severity: high\nmessage: line1 line2\n", f.String())
}

func TestHeuristicClient_Roles(t *testing.T) {
	tests := []struct {
		role   string
		prompt string
		check  func(t *testing.T, out map[string]interface{})
	}{
		{RoleAnomaly, "severity: critical\nmessage: mimikatz attack\nevent_type: security\n", func(t *testing.T, out map[string]interface{}) {
			assert.Equal(t, true, out["is_anomalous"])
			assert.InDelta(t, 1.0, out["anomaly_score"], 1e-9)
			assert.Equal(t, "security", out["anomaly_type"])
		}},
		{RoleAnomaly, "severity: low\nmessage: heartbeat\n", func(t *testing.T, out map[string]interface{}) {
			assert.Equal(t, false, out["is_anomalous"])
		}},
		{RoleThreatIntel, "anomaly_score: 0.5\nioc_matches: malicious_ip:10.0.0.50, suspicious_port:4444\n", func(t *testing.T, out map[string]interface{}) {
			assert.Equal(t, true, out["is_threat"])
			assert.Equal(t, "malicious_ip", out["threat_type"])
		}},
		{RoleCorrelation, "threat_score: 0.7\nasset_criticality: critical\nrelated_events: 2\n", func(t *testing.T, out map[string]interface{}) {
			assert.InDelta(t, 0.84, out["correlation_score"], 1e-9)
			assert.Equal(t, "repeated_activity", out["attack_pattern"])
		}},
		{RoleAlert, "correlation_score: 0.85\nevent_type: authentication\nmessage: brute force\n", func(t *testing.T, out map[string]interface{}) {
			assert.Equal(t, "high", out["severity"])
			assert.Equal(t, "Suspicious authentication", out["title"])
		}},
	}

	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			raw, err := NewHeuristicClient(tt.role).Generate(context.Background(), tt.prompt, "")
			require.NoError(t, err)

			var out map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(raw), &out))
			tt.check(t, out)
		})
	}
}

func TestHeuristicClient_UnknownRole(t *testing.T) {
	_, err := NewHeuristicClient("poet").Generate(context.Background(), "", "")
	assert.Error(t, err)
}

func TestRouter_FallsBackToHeuristic(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")

	router, err := NewRouter(DefaultRouterConfig(ProviderOpenAI, "gpt-4o-mini", ""), nil, testLogger())
	require.NoError(t, err)

	for _, role := range Roles {
		client, err := router.ClientFor(role)
		require.NoError(t, err)
		assert.Equal(t, ProviderHeuristic, client.GetProvider())
	}

	_, err = router.ClientFor("poet")
	assert.Error(t, err)
}

func TestRouter_WrapsRemoteProviders(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	bm := NewBudgetManager(BudgetConfig{}, testLogger())

	router, err := NewRouter(DefaultRouterConfig(ProviderOpenAI, "gpt-4o-mini", ""), bm, testLogger())
	require.NoError(t, err)

	client, err := router.ClientFor(RoleAnomaly)
	require.NoError(t, err)
	_, isRetry := client.(*RetryClient)
	assert.True(t, isRetry)
	assert.Equal(t, ProviderOpenAI, client.GetProvider())
}

func TestRouter_MissingRole(t *testing.T) {
	cfg := RouterConfig{Roles: []RoleConfig{{Role: RoleAnomaly, Providers: []ProviderConfig{{Provider: ProviderHeuristic}}}}}
	_, err := NewRouter(cfg, nil, testLogger())
	assert.Error(t, err)
}

func TestLoadRouterConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	content := `
retry_attempts: 2
retry_backoff: 100ms
roles:
  - role: anomaly
    max_tokens: 500
    providers:
      - provider: local
        base_url: http://ollama:11434
        model: mistral
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadRouterConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.RetryAttempts)
	require.Len(t, cfg.Roles, 1)
	assert.Equal(t, "mistral", cfg.Roles[0].Providers[0].Model)

	_, err = LoadRouterConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
