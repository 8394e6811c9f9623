package llm

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider names
const (
	ProviderOpenAI    = "openai"
	ProviderLocal     = "local"
	ProviderHeuristic = "heuristic"
)

// Pipeline roles, one per stage
const (
	RoleAnomaly     = "anomaly"
	RoleThreatIntel = "threat_intel"
	RoleCorrelation = "correlation"
	RoleAlert       = "alert"
)

// Roles lists every stage role in pipeline order
var Roles = []string{RoleAnomaly, RoleThreatIntel, RoleCorrelation, RoleAlert}

// ProviderConfig represents configuration for an LLM provider
type ProviderConfig struct {
	Provider  string `yaml:"provider"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	BaseURL   string `yaml:"base_url,omitempty"`
	Model     string `yaml:"model,omitempty"`
}

// RoleConfig represents configuration for a specific role
type RoleConfig struct {
	Role        string           `yaml:"role"`
	MaxTokens   int              `yaml:"max_tokens"`
	Temperature float64          `yaml:"temperature"`
	Providers   []ProviderConfig `yaml:"providers"` // in preference order
}

// RouterConfig represents the overall router configuration
type RouterConfig struct {
	Roles         []RoleConfig `yaml:"roles"`
	RetryAttempts int          `yaml:"retry_attempts"`
	RetryBackoff  string       `yaml:"retry_backoff"`
}

// Router maps each pipeline role to a ready client
type Router struct {
	config  RouterConfig
	logger  *slog.Logger
	clients map[string]Client
}

// LoadRouterConfig reads a YAML (or JSON) route file
func LoadRouterConfig(path string) (RouterConfig, error) {
	var cfg RouterConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultRouterConfig routes every role to provider, falling back to the
// offline heuristic provider when the primary cannot be built.
func DefaultRouterConfig(provider, model, baseURL string) RouterConfig {
	primary := ProviderConfig{Provider: provider, Model: model, BaseURL: baseURL, APIKeyEnv: "OPENAI_API_KEY"}
	budgets := map[string]struct {
		tokens int
		temp   float64
	}{
		RoleAnomaly:     {1000, 0.1},
		RoleThreatIntel: {1000, 0.1},
		RoleCorrelation: {1500, 0.2},
		RoleAlert:       {2000, 0.3},
	}

	cfg := RouterConfig{RetryAttempts: 3, RetryBackoff: "500ms"}
	for _, role := range Roles {
		providers := []ProviderConfig{primary}
		if provider != ProviderHeuristic {
			providers = append(providers, ProviderConfig{Provider: ProviderHeuristic})
		}
		cfg.Roles = append(cfg.Roles, RoleConfig{
			Role:        role,
			MaxTokens:   budgets[role].tokens,
			Temperature: budgets[role].temp,
			Providers:   providers,
		})
	}
	return cfg
}

// NewRouter builds one client per role. Each client is wrapped with budget
// enforcement (when budget is non-nil) and retries.
func NewRouter(cfg RouterConfig, budget *BudgetManager, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		config:  cfg,
		logger:  logger,
		clients: make(map[string]Client),
	}

	backoff := 500 * time.Millisecond
	if cfg.RetryBackoff != "" {
		d, err := time.ParseDuration(cfg.RetryBackoff)
		if err != nil {
			return nil, fmt.Errorf("invalid retry_backoff %q: %w", cfg.RetryBackoff, err)
		}
		backoff = d
	}

	for _, role := range cfg.Roles {
		client, err := r.firstAvailable(role, budget)
		if err != nil {
			return nil, err
		}
		if client.GetProvider() != ProviderHeuristic {
			if budget != nil {
				client = NewBudgetedClient(client, budget)
			}
			client = NewRetryClient(client, cfg.RetryAttempts, backoff, logger)
		}
		r.clients[role.Role] = client
		logger.Info("Routed role", "role", role.Role, "provider", client.GetProvider())
	}

	for _, role := range Roles {
		if _, ok := r.clients[role]; !ok {
			return nil, fmt.Errorf("no provider configured for role: %s", role)
		}
	}
	return r, nil
}

func (r *Router) firstAvailable(role RoleConfig, budget *BudgetManager) (Client, error) {
	for _, provider := range role.Providers {
		client, err := r.createClient(provider, role, budget)
		if err != nil {
			r.logger.Warn("Failed to create client, trying next provider",
				"role", role.Role,
				"provider", provider.Provider,
				"error", err)
			continue
		}
		return client, nil
	}
	return nil, fmt.Errorf("no client available for role: %s", role.Role)
}

// createClient creates an LLM client based on the provider configuration
func (r *Router) createClient(provider ProviderConfig, role RoleConfig, budget *BudgetManager) (Client, error) {
	switch provider.Provider {
	case ProviderOpenAI:
		keyEnv := provider.APIKeyEnv
		if keyEnv == "" {
			keyEnv = "OPENAI_API_KEY"
		}
		apiKey := os.Getenv(keyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("%s environment variable not set", keyEnv)
		}
		model := provider.Model
		if model == "" {
			model = "gpt-4o-mini"
		}
		client := NewOpenAIClient(apiKey, model, role.MaxTokens, role.Temperature)
		if provider.BaseURL != "" {
			client.baseURL = provider.BaseURL
		}
		if budget != nil {
			client.WithUsageRecorder(budget)
		}
		return client, nil
	case ProviderLocal:
		baseURL := provider.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434" // Ollama
		}
		model := provider.Model
		if model == "" {
			model = "llama3"
		}
		client := NewLocalClient(baseURL, model, role.MaxTokens, role.Temperature)
		if budget != nil {
			client.WithUsageRecorder(budget)
		}
		return client, nil
	case ProviderHeuristic:
		return NewHeuristicClient(role.Role), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider.Provider)
	}
}

// ClientFor returns the client for the specified role
func (r *Router) ClientFor(role string) (Client, error) {
	client, ok := r.clients[role]
	if !ok {
		return nil, fmt.Errorf("role not found: %s", role)
	}
	return client, nil
}

// GetAvailableRoles returns the configured roles
func (r *Router) GetAvailableRoles() []string {
	roles := make([]string, 0, len(r.config.Roles))
	for _, role := range r.config.Roles {
		roles = append(roles, role.Role)
	}
	return roles
}
