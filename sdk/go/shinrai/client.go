package shinrai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Shinrai server (e.g. "http://localhost:8080").
	BaseURL string

	// APIKey is the operator key ("snk_...") used to obtain session tokens.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the Shinrai agent execution API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	tokenMgr *tokenManager
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or APIKey is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("shinrai: BaseURL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("shinrai: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:  baseURL,
		client:   httpClient,
		tokenMgr: newTokenManager(baseURL, cfg.APIKey, httpClient),
	}, nil
}

// ---------------------------------------------------------------------------
// Run lifecycle
// ---------------------------------------------------------------------------

// LaunchRun starts an agent run with an optional payload. The run executes
// asynchronously; poll GetRun with the returned run ID for its outcome.
func (c *Client) LaunchRun(ctx context.Context, agentID string, payload map[string]any) (*LaunchedRun, error) {
	body := map[string]any{}
	if payload != nil {
		body["payload"] = payload
	}
	var resp LaunchedRun
	if err := c.post(ctx, "/v1/agents/"+agentID+"/runs", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TriggerWebhook delivers a webhook payload to an agent. The entire
// payload becomes the run's input payload.
func (c *Client) TriggerWebhook(ctx context.Context, agentID string, payload map[string]any) (*LaunchedRun, error) {
	var resp LaunchedRun
	if err := c.post(ctx, "/v1/hooks/"+agentID, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun retrieves one run record.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var resp Run
	if err := c.get(ctx, "/v1/runs/"+runID.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRuns retrieves runs with optional agent filter and pagination.
func (c *Client) ListRuns(ctx context.Context, opts *ListOptions) (*RunList, error) {
	path := "/v1/runs" + listQuery(opts)
	var runs []Run
	total, hasMore, err := c.getList(ctx, path, &runs)
	if err != nil {
		return nil, err
	}
	return &RunList{Runs: runs, Total: total, HasMore: hasMore}, nil
}

// RunEvents retrieves the full audit trail for a run, oldest first.
func (c *Client) RunEvents(ctx context.Context, runID uuid.UUID) ([]AuditEvent, error) {
	var resp []AuditEvent
	if err := c.get(ctx, "/v1/runs/"+runID.String()+"/events", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ---------------------------------------------------------------------------
// Agents
// ---------------------------------------------------------------------------

// ListAgents lists the registered agent catalog with availability.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var resp []Agent
	if err := c.get(ctx, "/v1/agents", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// AgentAvailability checks whether an agent's required environment is
// satisfied, and which capabilities are missing if not.
func (c *Client) AgentAvailability(ctx context.Context, agentID string) (*Availability, error) {
	var resp Availability
	if err := c.get(ctx, "/v1/agents/"+agentID+"/availability", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Circuit breaker
// ---------------------------------------------------------------------------

// BreakerStates retrieves the circuit state for every agent that has one.
func (c *Client) BreakerStates(ctx context.Context) ([]BreakerState, error) {
	var resp []BreakerState
	if err := c.get(ctx, "/v1/breaker", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ResetBreaker force-closes an agent's circuit.
func (c *Client) ResetBreaker(ctx context.Context, agentID string) (*BreakerState, error) {
	var resp BreakerState
	if err := c.post(ctx, "/v1/breaker/"+agentID+"/reset", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Approvals and dead letters
// ---------------------------------------------------------------------------

// ListApprovals retrieves approval queue items, pending first.
func (c *Client) ListApprovals(ctx context.Context, opts *ListOptions) (*ApprovalList, error) {
	path := "/v1/approvals" + listQuery(opts)
	var items []Approval
	total, hasMore, err := c.getList(ctx, path, &items)
	if err != nil {
		return nil, err
	}
	return &ApprovalList{Items: items, Total: total, HasMore: hasMore}, nil
}

// ReviewApproval records a human verdict ("approved" or "rejected") on a
// pending item. Reviewing an already-reviewed item returns a 409 error.
func (c *Client) ReviewApproval(ctx context.Context, id uuid.UUID, verdict, reviewedBy string) (*Approval, error) {
	body := map[string]any{"status": verdict, "reviewed_by": reviewedBy}
	var resp Approval
	if err := c.post(ctx, "/v1/approvals/"+id.String()+"/review", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListDeadLetters retrieves terminally failed runs for triage.
func (c *Client) ListDeadLetters(ctx context.Context, opts *ListOptions) (*DeadLetterList, error) {
	path := "/v1/deadletters" + listQuery(opts)
	var letters []DeadLetter
	total, hasMore, err := c.getList(ctx, path, &letters)
	if err != nil {
		return nil, err
	}
	return &DeadLetterList{Letters: letters, Total: total, HasMore: hasMore}, nil
}

// Health checks the server's health status. This endpoint does not require
// authentication and will work even if the client has invalid credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.getNoAuth(ctx, "/health", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func listQuery(opts *ListOptions) string {
	params := url.Values{}
	if opts != nil {
		if opts.AgentID != "" {
			params.Set("agent_id", opts.AgentID)
		}
		if opts.Status != "" {
			params.Set("status", opts.Status)
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}
	if len(params) == 0 {
		return ""
	}
	return "?" + params.Encode()
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// listEnvelope is the server's paginated list wrapper. Unlike apiEnvelope,
// pagination fields sit beside "data" rather than inside it.
type listEnvelope struct {
	Data    json.RawMessage `json:"data"`
	Total   int             `json:"total"`
	HasMore bool            `json:"has_more"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("shinrai: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("shinrai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(ctx, req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("shinrai: create request: %w", err)
	}

	return c.doRequest(ctx, req, dest)
}

func (c *Client) getList(ctx context.Context, path string, dest any) (total int, hasMore bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, false, fmt.Errorf("shinrai: create request: %w", err)
	}

	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return 0, false, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, false, fmt.Errorf("shinrai: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, false, fmt.Errorf("shinrai: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return 0, false, parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	var envelope listEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return 0, false, fmt.Errorf("shinrai: decode list envelope: %w", err)
	}
	if envelope.Data != nil {
		if err := json.Unmarshal(envelope.Data, dest); err != nil {
			return 0, false, fmt.Errorf("shinrai: decode list items: %w", err)
		}
	}
	return envelope.Total, envelope.HasMore, nil
}

func (c *Client) getNoAuth(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("shinrai: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("shinrai: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func (c *Client) doRequest(ctx context.Context, req *http.Request, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("shinrai: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("shinrai: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("shinrai: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
