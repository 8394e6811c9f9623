// Package stages implements the four inference stages of the pipeline:
// anomaly scoring, threat-intel verification, contextual correlation and
// alert generation. Every stage shares one shape: per item, short-circuit
// when an upstream gate is negative, otherwise build a prompt, make one
// gated inference call, parse the JSON answer and fall back to a
// low-confidence heuristic result when the call or the parse fails.
package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sgerhart/siemflux/internal/gate"
	"github.com/sgerhart/siemflux/internal/llm"
)

// Stage names used in logs and metrics
const (
	NameAnomaly     = "anomaly"
	NameThreatIntel = "threat_intel"
	NameCorrelation = "correlation"
	NameAlert       = "alert"
)

const (
	reasoningLimit     = 200
	parseFailConf      = 0.3
	skipConfidence     = 1.0
	callErrorReasoning = "inference call failed: "
)

// Recorder receives per-call observations; metrics.Metrics implements it
type Recorder interface {
	ObserveInference(stage string, d time.Duration, err error)
	IncFallback(stage string, reason string)
	IncShortCircuit(stage string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveInference(string, time.Duration, error) {}
func (nopRecorder) IncFallback(string, string)                    {}
func (nopRecorder) IncShortCircuit(string)                        {}

// Deps are the collaborators shared by a stage
type Deps struct {
	Client   llm.Client
	Gate     *gate.Gate
	Logger   *slog.Logger
	Recorder Recorder
}

type base struct {
	name     string
	client   llm.Client
	gate     *gate.Gate
	logger   *slog.Logger
	recorder Recorder
}

func newBase(name string, d Deps) (base, error) {
	if d.Client == nil {
		return base{}, fmt.Errorf("%s stage: inference client is required", name)
	}
	if d.Gate == nil {
		return base{}, fmt.Errorf("%s stage: concurrency gate is required", name)
	}
	b := base{
		name:     name,
		client:   d.Client,
		gate:     d.Gate,
		logger:   d.Logger,
		recorder: d.Recorder,
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With("stage", name)
	if b.recorder == nil {
		b.recorder = nopRecorder{}
	}
	return b, nil
}

// infer makes one inference call while holding a gate permit
func (b *base) infer(ctx context.Context, prompt, system string) (string, error) {
	var out string
	start := time.Now()
	err := b.gate.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = b.client.Generate(ctx, prompt, system)
		return err
	})
	b.recorder.ObserveInference(b.name, time.Since(start), err)
	return out, err
}

// forEach runs fn for every index concurrently and collects results in
// input order. A panic inside fn is returned as an error so the caller can
// fail the batch instead of the process.
func forEach[T any](ctx context.Context, b *base, n int, fn func(ctx context.Context, i int) T) ([]T, error) {
	results := make([]T, n)
	if n == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.gate.Size())
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%s stage panicked on item %d: %v\n%s", b.name, i, r, debug.Stack())
				}
			}()
			results[i] = fn(gctx, i)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// StripCodeFences removes a surrounding ``` or ```json fence from a model answer
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{[") {
			s = s[nl+1:]
		} else {
			s = strings.TrimPrefix(s, "json")
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// decodeAnswer parses a model answer as a JSON object into v
func decodeAnswer(raw string, v interface{}) error {
	body := StripCodeFences(raw)
	if !strings.HasPrefix(body, "{") {
		return fmt.Errorf("answer is not a JSON object")
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return fmt.Errorf("failed to decode answer: %w", err)
	}
	return nil
}

// Clamp01 forces v into [0, 1]; NaN becomes 0
func Clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// keywordVerdict is the heuristic applied to unparseable answers: the
// answer says "true" and names the verdict.
func keywordVerdict(raw, verdict string) bool {
	lower := strings.ToLower(raw)
	return strings.Contains(lower, "true") && strings.Contains(lower, verdict)
}

func callErrorText(err error) string {
	return truncate(callErrorReasoning+err.Error(), reasoningLimit)
}
