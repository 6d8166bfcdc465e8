// Package ai brokers every model call in the system. Nothing else in the
// server talks to the provider: the broker estimates cost, clears the budget
// gate, makes the call on the right key, parses the reply and books the
// actual spend.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/formscout/formscout/internal/resilience"
)

// ClientConfig for the Claude client
type ClientConfig struct {
	BaseURL      string
	Model        string
	VisionModel  string
	Timeout      time.Duration
	RateLimitRPM int
	MaxRetries   int
}

// DefaultClientConfig returns default configuration
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:      "https://api.anthropic.com",
		Model:        "claude-sonnet-4-20250514",
		VisionModel:  "claude-3-5-haiku-20241022",
		Timeout:      120 * time.Second,
		RateLimitRPM: 50,
		MaxRetries:   3,
	}
}

// Client is a thin Claude API client. The api key is per-request because
// BYOK companies spend on their own keys.
type Client struct {
	cfg         ClientConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	breaker     *resilience.Breaker
	logger      *zap.Logger
}

// NewClient creates a new Claude API client
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	def := DefaultClientConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = def.VisionModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RateLimitRPM == 0 {
		cfg.RateLimitRPM = def.RateLimitRPM
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	breaker := resilience.New(resilience.DefaultConfig("claude"))

	return &Client{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(cfg.RateLimitRPM)/60.0), 1),
		breaker:     breaker,
		logger:      logger,
	}
}

// Usage contains token usage information
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// request is a Claude messages API request
type request struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type response struct {
	ID         string         `json:"id"`
	Content    []contentBlock `json:"content"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
}

// APIError is a non-transport failure from the provider
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("claude API error (status %d): %s", e.StatusCode, e.Body)
}

// retryable provider conditions: rate limited or overloaded
func (e *APIError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == 529 ||
		strings.Contains(e.Body, "overloaded_error")
}

// Complete sends a text completion request
func (c *Client) Complete(ctx context.Context, apiKey, systemPrompt, userPrompt string, maxTokens int) (string, *Usage, error) {
	req := request{
		Model:     c.cfg.Model,
		MaxTokens: maxTokens,
		System:    systemPrompt,
		Messages: []message{
			{Role: "user", Content: userPrompt},
		},
		Temperature: 0.3,
	}
	return c.completeWithRetry(ctx, apiKey, req)
}

// CompleteVision sends a prompt plus one or more base64 PNG screenshots to
// the vision model. Images precede the text in document order.
func (c *Client) CompleteVision(ctx context.Context, apiKey, systemPrompt, userPrompt string, imagesB64 []string, maxTokens int) (string, *Usage, error) {
	blocks := make([]contentBlock, 0, len(imagesB64)+1)
	for _, img := range imagesB64 {
		blocks = append(blocks, contentBlock{
			Type: "image",
			Source: &imageSource{
				Type:      "base64",
				MediaType: "image/png",
				Data:      img,
			},
		})
	}
	blocks = append(blocks, contentBlock{Type: "text", Text: userPrompt})

	req := request{
		Model:       c.cfg.VisionModel,
		MaxTokens:   maxTokens,
		System:      systemPrompt,
		Messages:    []message{{Role: "user", Content: blocks}},
		Temperature: 0.3,
	}
	return c.completeWithRetry(ctx, apiKey, req)
}

// completeWithRetry wraps doRequest in the breaker and the retry loop.
// Backoff starts at 2s, doubles per attempt, with up to 50% jitter either way.
func (c *Client) completeWithRetry(ctx context.Context, apiKey string, req request) (string, *Usage, error) {
	var lastErr error
	total := Usage{}

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 2 * time.Second
			jitter := time.Duration(rand.Int63n(int64(backoff))) - backoff/2
			select {
			case <-ctx.Done():
				return "", &total, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		if err := c.rateLimiter.Wait(ctx); err != nil {
			return "", &total, fmt.Errorf("rate limit: %w", err)
		}

		if err := c.breaker.Allow(); err != nil {
			return "", &total, err
		}

		text, usage, err := c.doRequest(ctx, apiKey, req)
		if usage != nil {
			total.InputTokens += usage.InputTokens
			total.OutputTokens += usage.OutputTokens
		}
		if err == nil {
			c.breaker.Record(true)
			return text, &total, nil
		}

		var apiErr *APIError
		providerFault := !errors.As(err, &apiErr) || apiErr.StatusCode >= 500 || apiErr.retryable()
		c.breaker.Record(!providerFault)

		lastErr = err
		if errors.As(err, &apiErr) && !apiErr.retryable() && apiErr.StatusCode < 500 {
			// Client errors (bad key, malformed request) never heal on retry
			return "", &total, err
		}
		c.logger.Warn("claude request failed, retrying",
			zap.Int("attempt", attempt+1), zap.Error(err))
	}

	return "", &total, fmt.Errorf("claude request failed after %d attempts: %w", c.cfg.MaxRetries, lastErr)
}

func (c *Client) doRequest(ctx context.Context, apiKey string, req request) (string, *Usage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", nil, fmt.Errorf("creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var apiResp response
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", nil, fmt.Errorf("parsing response: %w", err)
	}

	if len(apiResp.Content) == 0 {
		return "", &apiResp.Usage, fmt.Errorf("empty response from provider")
	}

	return apiResp.Content[0].Text, &apiResp.Usage, nil
}

// Model returns the text model in use
func (c *Client) Model() string {
	return c.cfg.Model
}
