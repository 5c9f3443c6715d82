package opslinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Opsline HTTP API client for agent workers.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// StepSpec is one ordered unit of work inside a proposal.
type StepSpec struct {
	Kind        string         `json:"kind"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
}

// Proposal represents the API proposal model (partial).
type Proposal struct {
	ID       string `json:"id"`
	AgentID  string `json:"agent_id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

// Mission represents the API mission model (partial).
type Mission struct {
	ID       string `json:"id"`
	AgentID  string `json:"agent_id"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Priority string `json:"priority"`
}

// Step represents the API step model (partial).
type Step struct {
	ID        string  `json:"id"`
	MissionID string  `json:"mission_id"`
	StepOrder int     `json:"step_order"`
	Kind      string  `json:"kind"`
	Title     string  `json:"title"`
	Status    string  `json:"status"`
	InputJSON *string `json:"input_json,omitempty"`
}

// SubmitResult is the admission gate's verdict for a proposal.
type SubmitResult struct {
	Status   string   `json:"status"`
	Reason   string   `json:"reason,omitempty"`
	Proposal Proposal `json:"proposal"`
	Mission  *Mission `json:"mission,omitempty"`
	Steps    []Step   `json:"steps,omitempty"`
}

// Rejected reports whether the admission gate refused the proposal.
func (r SubmitResult) Rejected() bool { return r.Status == "rejected" }

// Event represents a log entry.
type Event struct {
	ID          int64          `json:"id"`
	AgentID     string         `json:"agent_id"`
	EventType   string         `json:"event_type"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

// HeartbeatResult summarizes one orchestration tick.
type HeartbeatResult struct {
	OK                 bool   `json:"ok"`
	Timestamp          string `json:"timestamp"`
	TriggersFired      int    `json:"triggers_fired"`
	ReactionsProcessed int    `json:"reactions_processed"`
	StaleRecovered     int    `json:"stale_recovered"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitProposal submits a proposal through the admission gate. A quota
// rejection is not an error; check Rejected() on the result.
func (c *Client) SubmitProposal(ctx context.Context, agentID, title string, steps []StepSpec) (SubmitResult, error) {
	body := map[string]any{
		"agent_id": agentID,
		"title":    title,
		"steps":    steps,
	}
	var resp SubmitResult
	err := c.do(ctx, http.MethodPost, "proposals", body, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
		if jsonErr := json.Unmarshal([]byte(apiErr.Body), &resp); jsonErr == nil && resp.Rejected() {
			return resp, nil
		}
	}
	return resp, err
}

// ClaimStep claims a queued step for execution.
func (c *Client) ClaimStep(ctx context.Context, stepID string) (Step, error) {
	var resp Step
	endpoint := fmt.Sprintf("steps/%s/claim", url.PathEscape(stepID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// ReportStep reports a terminal step status, succeeded or failed.
func (c *Client) ReportStep(ctx context.Context, stepID, status string, errDetail string) (Step, error) {
	body := map[string]any{"status": status}
	if errDetail != "" {
		body["error"] = errDetail
	}
	var resp Step
	endpoint := fmt.Sprintf("steps/%s/report", url.PathEscape(stepID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Heartbeat runs one orchestration tick. The caller must authenticate
// with the scheduler's pre-shared bearer secret.
func (c *Client) Heartbeat(ctx context.Context) (HeartbeatResult, error) {
	var resp HeartbeatResult
	err := c.do(ctx, http.MethodPost, "heartbeat", nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v0/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
