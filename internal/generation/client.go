// Package generation talks to the remote AI generation backend.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/leadgen-agent/internal/errors"
	"github.com/p-blackswan/leadgen-agent/internal/task"
)

// DefaultTimeout bounds one backend call. Generations can legitimately take
// several minutes.
const DefaultTimeout = 10 * time.Minute

// maxErrorBody caps how much of a failed response is read.
const maxErrorBody = 64 << 10

var endpoints = map[task.AgentType]string{
	task.AgentWebsite:   "/api/agents/website",
	task.AgentContent:   "/api/agents/content",
	task.AgentMarketing: "/api/agents/marketing-kit",
}

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result is a successful generation.
type Result struct {
	FinalOutput      string         `json:"final_output"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	ValidationIssues []string       `json:"validation_issues,omitempty"`
}

// Client calls the generation backend. It is stateless and never retries.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient HTTPClient
	defaults   map[task.AgentType]Defaults
	logger     zerolog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithAPIKey sends the key as a bearer token.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithTimeout sets the HTTP timeout of the default client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient = &http.Client{Timeout: d}
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc HTTPClient) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithDefaults overrides the request defaults for one agent type.
func WithDefaults(agent task.AgentType, d Defaults) Option {
	return func(c *Client) { c.defaults[agent] = d }
}

// NewClient creates a new generation backend client.
func NewClient(baseURL string, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		defaults:   make(map[task.AgentType]Defaults),
		logger:     logger.With().Str("component", "generation").Logger(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Prepare applies the agent type's defaults and validates the request.
func (c *Client) Prepare(agent task.AgentType, req Request) (Request, error) {
	if _, ok := endpoints[agent]; !ok {
		return req, perrors.NewValidationError("agent_type", fmt.Sprintf("unknown agent type %q", agent))
	}
	req = c.defaults[agent].Apply(req)
	if err := Validate(req); err != nil {
		return req, err
	}
	return req, nil
}

// Generate runs one generation. Failures are *perrors.ValidationError,
// *perrors.NetworkError or *perrors.ServerError.
func (c *Client) Generate(ctx context.Context, agent task.AgentType, req Request) (*Result, error) {
	req, err := c.Prepare(agent, req)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := c.baseURL + endpoints[agent]
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		return nil, &perrors.NetworkError{Op: "POST " + endpoints[agent], Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug().
		Str("agent_type", string(agent)).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("generation backend responded")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, perrors.NewServerError(resp.StatusCode, errorDetail(raw, resp.Status))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		if ctx.Err() != nil {
			return nil, &perrors.NetworkError{Op: "reading response", Err: err}
		}
		return nil, perrors.NewServerError(http.StatusBadGateway, fmt.Sprintf("decoding response: %v", err))
	}
	if strings.TrimSpace(result.FinalOutput) == "" {
		return nil, perrors.NewServerError(http.StatusBadGateway, "backend returned an empty final_output")
	}
	return &result, nil
}

// errorDetail extracts the message from a {"detail": ...} body. FastAPI
// style backends send either a string or a list of validation entries.
func errorDetail(raw []byte, status string) string {
	var body struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && len(body.Detail) > 0 {
		var s string
		if err := json.Unmarshal(body.Detail, &s); err == nil && s != "" {
			return s
		}
		var entries []struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(body.Detail, &entries); err == nil && len(entries) > 0 {
			msgs := make([]string, 0, len(entries))
			for _, e := range entries {
				if e.Msg != "" {
					msgs = append(msgs, e.Msg)
				}
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		}
		return string(body.Detail)
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return status
}
