package llm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// BudgetError represents a budget-related error
type BudgetError struct {
	Message string
	Type    string
}

func (e BudgetError) Error() string {
	return e.Message
}

// ErrBudgetExceeded is returned when the hourly cost budget is spent
var ErrBudgetExceeded = BudgetError{
	Message: "budget exceeded",
	Type:    "budget_exceeded",
}

// ErrRateLimited is returned when the request rate limiter refuses a call
var ErrRateLimited = BudgetError{
	Message: "rate limit exceeded",
	Type:    "rate_limit_exceeded",
}

// TokenCost represents the cost per 1K tokens for a provider/model
type TokenCost struct {
	InputTokens  float64 `yaml:"input_tokens" json:"input_tokens"`
	OutputTokens float64 `yaml:"output_tokens" json:"output_tokens"`
}

// BudgetConfig configures a BudgetManager
type BudgetConfig struct {
	RateLimitRPM   int
	MaxCostPerHour float64
	// MaxWait bounds how long a call may wait for a rate limiter token
	MaxWait time.Duration
}

// BudgetManager enforces a request rate and an hourly cost budget across all stages
type BudgetManager struct {
	mu             sync.RWMutex
	limiter        *rate.Limiter
	maxCostPerHour float64
	rateLimitRPM   int
	maxWait        time.Duration
	tokenCosts     map[string]TokenCost
	hourlyCosts    map[string]float64 // hour -> total cost
	requests       int64
	rejected       int64
	logger         *slog.Logger
	now            func() time.Time
}

// NewBudgetManager creates a budget manager
func NewBudgetManager(cfg BudgetConfig, logger *slog.Logger) *BudgetManager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RateLimitRPM <= 0 {
		cfg.RateLimitRPM = 100
	}
	if cfg.MaxCostPerHour <= 0 {
		cfg.MaxCostPerHour = 10.0
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Second
	}

	perSecond := rate.Limit(float64(cfg.RateLimitRPM) / 60.0)
	burst := cfg.RateLimitRPM / 10
	if burst < 1 {
		burst = 1
	}

	bm := &BudgetManager{
		limiter:        rate.NewLimiter(perSecond, burst),
		maxCostPerHour: cfg.MaxCostPerHour,
		rateLimitRPM:   cfg.RateLimitRPM,
		maxWait:        cfg.MaxWait,
		tokenCosts:     defaultTokenCosts(),
		hourlyCosts:    make(map[string]float64),
		logger:         logger,
		now:            time.Now,
	}

	logger.Info("Budget configuration loaded",
		"max_cost_per_hour", bm.maxCostPerHour,
		"rate_limit_rpm", bm.rateLimitRPM)

	return bm
}

func defaultTokenCosts() map[string]TokenCost {
	return map[string]TokenCost{
		"openai:gpt-4":          {InputTokens: 0.03, OutputTokens: 0.06},
		"openai:gpt-4o":         {InputTokens: 0.005, OutputTokens: 0.015},
		"openai:gpt-4o-mini":    {InputTokens: 0.00015, OutputTokens: 0.0006},
		"openai:gpt-3.5-turbo":  {InputTokens: 0.0015, OutputTokens: 0.002},
		"local:llama3":          {},
		"local:mistral":         {},
		"heuristic:rules":       {},
	}
}

// Acquire waits for a rate limiter token and checks the hourly cost budget
func (bm *BudgetManager) Acquire(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, bm.maxWait)
	defer cancel()

	if err := bm.limiter.Wait(waitCtx); err != nil {
		bm.mu.Lock()
		bm.rejected++
		bm.mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		bm.logger.Warn("Rate limit exceeded", "limit_rpm", bm.rateLimitRPM, "error", err)
		return ErrRateLimited
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()

	hour := bm.now().Format("2006-01-02-15")
	if current := bm.hourlyCosts[hour]; current >= bm.maxCostPerHour {
		bm.rejected++
		bm.logger.Warn("Budget exceeded",
			"current_cost", current,
			"max_cost", bm.maxCostPerHour,
			"hour", hour)
		return ErrBudgetExceeded
	}
	bm.requests++
	return nil
}

// RecordUsage adds the cost of a finished call to the current hour
func (bm *BudgetManager) RecordUsage(provider, model string, usage Usage) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	cost := bm.estimateCost(provider, model, usage.PromptTokens, usage.CompletionTokens)
	if cost <= 0 {
		return
	}

	hour := bm.now().Format("2006-01-02-15")
	bm.hourlyCosts[hour] += cost
	bm.cleanup()

	bm.logger.Debug("Usage recorded",
		"provider", provider,
		"model", model,
		"input_tokens", usage.PromptTokens,
		"output_tokens", usage.CompletionTokens,
		"cost", cost,
		"hour_cost", bm.hourlyCosts[hour])
}

// SetTokenCost sets the cost for a specific provider/model combination
func (bm *BudgetManager) SetTokenCost(provider, model string, cost TokenCost) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	bm.tokenCosts[fmt.Sprintf("%s:%s", provider, model)] = cost
}

// GetStats returns current budget statistics
func (bm *BudgetManager) GetStats() map[string]interface{} {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	hourCost := bm.hourlyCosts[bm.now().Format("2006-01-02-15")]
	return map[string]interface{}{
		"max_cost_per_hour":  bm.maxCostPerHour,
		"rate_limit_rpm":     bm.rateLimitRPM,
		"current_hour_cost":  hourCost,
		"budget_utilization": hourCost / bm.maxCostPerHour,
		"requests":           bm.requests,
		"rejected":           bm.rejected,
	}
}

// estimateCost estimates the cost of a request; callers hold mu
func (bm *BudgetManager) estimateCost(provider, model string, inputTokens, outputTokens int) float64 {
	key := fmt.Sprintf("%s:%s", provider, model)
	cost, exists := bm.tokenCosts[key]
	if !exists {
		if provider != ProviderOpenAI {
			return 0
		}
		cost = TokenCost{InputTokens: 0.01, OutputTokens: 0.02}
	}
	return (float64(inputTokens)/1000.0)*cost.InputTokens + (float64(outputTokens)/1000.0)*cost.OutputTokens
}

// cleanup drops cost buckets older than a day; callers hold mu
func (bm *BudgetManager) cleanup() {
	cutoff := bm.now().Add(-24 * time.Hour).Format("2006-01-02-15")
	for hour := range bm.hourlyCosts {
		if hour < cutoff {
			delete(bm.hourlyCosts, hour)
		}
	}
}

// BudgetedClient checks the budget manager before every call
type BudgetedClient struct {
	next   Client
	budget *BudgetManager
}

// NewBudgetedClient wraps next with budget enforcement
func NewBudgetedClient(next Client, budget *BudgetManager) *BudgetedClient {
	return &BudgetedClient{next: next, budget: budget}
}

// Generate acquires budget, then calls the wrapped client
func (c *BudgetedClient) Generate(ctx context.Context, prompt, system string) (string, error) {
	if err := c.budget.Acquire(ctx); err != nil {
		return "", err
	}
	return c.next.Generate(ctx, prompt, system)
}

// GetProvider returns the wrapped provider name
func (c *BudgetedClient) GetProvider() string {
	return c.next.GetProvider()
}
