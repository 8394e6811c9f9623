package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client is a single-shot text completion collaborator
type Client interface {
	// Generate returns the model's response to prompt, with system as the
	// optional instruction message
	Generate(ctx context.Context, prompt, system string) (string, error)
	// GetProvider returns the provider name
	GetProvider() string
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// UsageRecorder receives token usage reported by a provider
type UsageRecorder interface {
	RecordUsage(provider, model string, usage Usage)
}

// Message represents a message in the conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// ChatClient talks to an OpenAI-compatible chat completions endpoint.
// The hosted OpenAI API and local servers such as Ollama share this shape.
type ChatClient struct {
	baseURL     string
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	provider    string
	httpClient  *http.Client
	usage       UsageRecorder
}

// NewOpenAIClient creates a client for the hosted OpenAI API
func NewOpenAIClient(apiKey, model string, maxTokens int, temperature float64) *ChatClient {
	return &ChatClient{
		baseURL:     "https://api.openai.com",
		apiKey:      apiKey,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		provider:    ProviderOpenAI,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewLocalClient creates a client for a local OpenAI-compatible server
func NewLocalClient(baseURL, model string, maxTokens int, temperature float64) *ChatClient {
	return &ChatClient{
		baseURL:     baseURL,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		provider:    ProviderLocal,
		httpClient: &http.Client{
			Timeout: 60 * time.Second, // local models are slower
		},
	}
}

// WithUsageRecorder attaches a recorder that is told about token usage after each call
func (c *ChatClient) WithUsageRecorder(r UsageRecorder) *ChatClient {
	c.usage = r
	return c
}

// Generate sends one chat completion request
func (c *ChatClient) Generate(ctx context.Context, prompt, system string) (string, error) {
	messages := make([]Message, 0, 2)
	if system != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, Message{Role: "user", Content: prompt})

	jsonData, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/chat/completions", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Error.Message == "" {
			return "", &StatusError{Provider: c.provider, StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
		}
		return "", &StatusError{Provider: c.provider, StatusCode: resp.StatusCode, Body: apiErr.Error.Message}
	}

	var response chatResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if len(response.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	if c.usage != nil {
		c.usage.RecordUsage(c.provider, c.model, response.Usage)
	}

	return response.Choices[0].Message.Content, nil
}

// GetProvider returns the provider name
func (c *ChatClient) GetProvider() string {
	return c.provider
}

// GetModel returns the configured model name
func (c *ChatClient) GetModel() string {
	return c.model
}

// StatusError is a non-200 answer from a provider
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API request failed with status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether the request may succeed if repeated
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
