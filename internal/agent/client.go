// Package agent is the process running inside the customer network: it
// registers with the server, long-polls for tasks, drives the browser, and
// reports results back.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/formscout/formscout/internal/crawler"
	"github.com/formscout/formscout/internal/domain"
	"github.com/formscout/formscout/internal/taskbus"
)

const (
	defaultTimeout = 30 * time.Second
	// pollTimeout must exceed the server's 30s long-poll window
	pollTimeout = 40 * time.Second
	// aiTimeout covers a full AI round-trip including provider retries
	aiTimeout = 120 * time.Second
	// heartbeatTimeout keeps liveness cheap even when the network is slow
	heartbeatTimeout = 10 * time.Second
)

// Client talks to the server's agent-facing API
type Client struct {
	baseURL       string
	registerToken string

	httpClient      *http.Client
	pollClient      *http.Client
	aiClient        *http.Client
	heartbeatClient *http.Client

	mu     sync.RWMutex
	apiKey string
	jwt    string
}

// NewClient creates an unauthenticated client; Register fills in credentials
func NewClient(baseURL, registerToken string) *Client {
	return &Client{
		baseURL:         baseURL,
		registerToken:   registerToken,
		httpClient:      &http.Client{Timeout: defaultTimeout},
		pollClient:      &http.Client{Timeout: pollTimeout},
		aiClient:        &http.Client{Timeout: aiTimeout},
		heartbeatClient: &http.Client{Timeout: heartbeatTimeout},
	}
}

// Credentials returns the current api key and JWT
func (c *Client) Credentials() (apiKey, jwt string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey, c.jwt
}

func (c *Client) setCredentials(apiKey, jwt string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if apiKey != "" {
		c.apiKey = apiKey
	}
	c.jwt = jwt
}

// Register obtains a fresh api key and JWT. Any previously registered agent
// for the same user is invalidated server-side.
func (c *Client) Register(ctx context.Context, req taskbus.RegisterRequest) (*taskbus.RegisterResponse, error) {
	var resp taskbus.RegisterResponse
	err := c.do(ctx, c.httpClient, http.MethodPost, "/api/v1/agents/register", req, &resp, map[string]string{
		"X-Register-Token": c.registerToken,
	})
	if err != nil {
		return nil, err
	}
	c.setCredentials(resp.APIKey, resp.Token)
	return &resp, nil
}

// RefreshToken exchanges the api key for a new JWT
func (c *Client) RefreshToken(ctx context.Context) (*taskbus.RegisterResponse, error) {
	var resp taskbus.RegisterResponse
	err := c.do(ctx, c.httpClient, http.MethodPost, "/api/v1/agents/token", nil, &resp, nil)
	if err != nil {
		return nil, err
	}
	c.setCredentials("", resp.Token)
	return &resp, nil
}

// Heartbeat reports liveness and picks up the cancellation flag
func (c *Client) Heartbeat(ctx context.Context, req taskbus.HeartbeatRequest) (*taskbus.HeartbeatResponse, error) {
	var resp taskbus.HeartbeatResponse
	if err := c.do(ctx, c.heartbeatClient, http.MethodPost, "/api/v1/agents/heartbeat", req, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PollTask long-polls for the next task; nil means the window closed empty
func (c *Client) PollTask(ctx context.Context) (*domain.AgentTask, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/agents/tasks/poll", nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.pollClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp)
	}
	var task domain.AgentTask
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("decoding task: %w", err)
	}
	return &task, nil
}

// ReportTaskStatus posts a terminal task status
func (c *Client) ReportTaskStatus(ctx context.Context, report taskbus.ReportRequest) error {
	return c.do(ctx, c.httpClient, http.MethodPost, "/api/v1/agents/tasks/report", report, nil, nil)
}

// ReportMapperResult delivers a form-mapper result and learns the next action
func (c *Client) ReportMapperResult(ctx context.Context, report taskbus.MapperReport) (*taskbus.MapperReportResponse, error) {
	var resp taskbus.MapperReportResponse
	if err := c.do(ctx, c.aiClient, http.MethodPost, "/api/v1/agents/mapper/report", report, &resp, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportProgress streams crawl progress onto the session
func (c *Client) ReportProgress(ctx context.Context, sessionID int64, pages, forms int) error {
	body := map[string]any{"pages_crawled": pages, "forms_found": forms}
	path := fmt.Sprintf("/api/v1/sessions/%d/progress", sessionID)
	return c.do(ctx, c.heartbeatClient, http.MethodPost, path, body, nil, nil)
}

// SaveRoute persists a discovered route through the server
func (c *Client) SaveRoute(ctx context.Context, route *domain.FormPageRoute) error {
	return c.do(ctx, c.httpClient, http.MethodPost, "/api/v1/form-pages", route, nil, nil)
}

// AI classification callbacks. These run through the server, which meters
// every call against the budget; the agent never holds a provider key.

// ExtractFormName names the current form page
func (c *Client) ExtractFormName(ctx context.Context, pageContext string, existingNames []string) (string, error) {
	body := map[string]any{"page_context": pageContext, "existing_names": existingNames}
	var resp struct {
		FormName string `json:"form_name"`
	}
	if err := c.do(ctx, c.aiClient, http.MethodPost, "/api/v1/form-pages/ai/form-name", body, &resp, nil); err != nil {
		return "", err
	}
	return resp.FormName, nil
}

// IsSubmissionButton resolves an uncertain button text
func (c *Client) IsSubmissionButton(ctx context.Context, buttonText string) (bool, error) {
	body := map[string]any{"button_text": buttonText}
	var resp struct {
		Answer bool `json:"answer"`
	}
	if err := c.do(ctx, c.aiClient, http.MethodPost, "/api/v1/form-pages/ai/is-submission-button", body, &resp, nil); err != nil {
		return false, err
	}
	return resp.Answer, nil
}

// GetNavigationClickables downselects candidate clickables via the vision model
func (c *Client) GetNavigationClickables(ctx context.Context, screenshotB64 string, candidates []crawler.Clickable) ([]int, error) {
	body := map[string]any{"screenshot": screenshotB64, "candidates": candidates}
	var resp struct {
		Indices []int `json:"indices"`
	}
	if err := c.do(ctx, c.aiClient, http.MethodPost, "/api/v1/form-pages/ai/navigation-clickables", body, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Indices, nil
}

// do runs a JSON request/response round-trip
func (c *Client) do(ctx context.Context, client *http.Client, method, path string, body, out any, extraHeaders map[string]string) error {
	req, err := c.newRequest(ctx, method, path, body, extraHeaders)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.apiError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any, extraHeaders map[string]string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	apiKey, jwt := c.Credentials()
	if apiKey != "" {
		req.Header.Set("X-Agent-API-Key", apiKey)
	}
	if jwt != "" {
		req.Header.Set("Authorization", "Bearer "+jwt)
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}
	return req, nil
}

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d [%s]: %s", e.StatusCode, e.Code, e.Message)
}

// IsSessionInvalidated reports whether the server told this agent it has been
// superseded by a newer registration
func IsSessionInvalidated(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Code == domain.ErrCodeSessionInvalidated
}

func (c *Client) apiError(resp *http.Response) error {
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &body)

	message := body.Error.Message
	if message == "" {
		message = string(raw)
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		Code:       body.Error.Code,
		Message:    message,
	}
}
