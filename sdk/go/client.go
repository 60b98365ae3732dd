package trialcardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal trial-card HTTP API client.
type Client struct {
	BaseURL    string
	Actor      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. Actor is stamped into the audit
// trail of every transition this client performs.
func New(baseURL, actor string) *Client {
	return &Client{
		BaseURL: baseURL,
		Actor:   actor,
		Timeout: 10 * time.Second,
	}
}

// Trial represents the API trial model.
type Trial struct {
	ID                  string  `json:"id"`
	CardNo              string  `json:"card_no"`
	PatternCode         string  `json:"pattern_code"`
	PartName            string  `json:"part_name,omitempty"`
	TrialType           string  `json:"trial_type"`
	Subtype             string  `json:"subtype,omitempty"`
	CurrentDepartmentID string  `json:"current_department_id"`
	Status              string  `json:"status"`
	CreatedBy           string  `json:"created_by"`
	CreatedAt           string  `json:"created_at"`
	UpdatedAt           string  `json:"updated_at"`
	ClosedAt            *string `json:"closed_at,omitempty"`
}

// ProgressEntry is one department checkpoint of a trial.
type ProgressEntry struct {
	ID               string  `json:"id"`
	TrialID          string  `json:"trial_id"`
	DepartmentID     string  `json:"department_id"`
	AssigneeUsername string  `json:"assignee_username"`
	Status           string  `json:"status"`
	Remarks          string  `json:"remarks,omitempty"`
	CreatedAt        string  `json:"created_at"`
	CompletedAt      *string `json:"completed_at,omitempty"`
}

// Account is a department user or HOD.
type Account struct {
	Username     string `json:"username"`
	DisplayName  string `json:"display_name,omitempty"`
	Email        string `json:"email,omitempty"`
	DepartmentID string `json:"department_id"`
	Role         string `json:"role"`
	Subtype      string `json:"subtype,omitempty"`
	Active       bool   `json:"active"`
	CreatedAt    string `json:"created_at"`
}

// ArtifactRef points at a rendered report.
type ArtifactRef struct {
	Path        string `json:"path"`
	GeneratedAt string `json:"generated_at"`
}

// Transition is the result of an advance or escalate call.
type Transition struct {
	Outcome            string         `json:"outcome"`
	Trial              Trial          `json:"trial"`
	Entry              *ProgressEntry `json:"entry,omitempty"`
	Assignee           *Account       `json:"assignee,omitempty"`
	TrialReport        *ArtifactRef   `json:"trial_report,omitempty"`
	ConsolidatedReport *ArtifactRef   `json:"consolidated_report,omitempty"`
}

// Progress is a trial with its full ledger.
type Progress struct {
	Trial   Trial           `json:"trial"`
	Entries []ProgressEntry `json:"entries"`
}

// AuditRecord is one audit trail line.
type AuditRecord struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts"`
	Action       string `json:"action"`
	TrialID      string `json:"trial_id,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
	Actor        string `json:"actor"`
	Remarks      string `json:"remarks,omitempty"`
	Payload      string `json:"payload_json"`
}

// PaginatedTrials wraps trial listings with a cursor.
type PaginatedTrials struct {
	Items      []Trial `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedAudit wraps audit listings with a cursor.
type PaginatedAudit struct {
	Items      []AuditRecord `json:"items"`
	NextCursor string        `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTrial registers a trial card.
func (c *Client) CreateTrial(ctx context.Context, cardNo, patternCode, partName, trialType string) (Trial, error) {
	body := map[string]any{
		"card_no":      cardNo,
		"pattern_code": patternCode,
		"part_name":    partName,
		"trial_type":   trialType,
	}
	var resp Trial
	err := c.do(ctx, http.MethodPost, "v0/trials", body, &resp)
	return resp, err
}

// GetTrial fetches a trial by id or card number.
func (c *Client) GetTrial(ctx context.Context, id string) (Trial, error) {
	var resp Trial
	err := c.do(ctx, http.MethodGet, "v0/trials/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// TrialsPage returns a paginated trial listing.
func (c *Client) TrialsPage(ctx context.Context, status string, limit int, cursor string) (PaginatedTrials, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/trials"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedTrials
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Progress fetches a trial with its ledger.
func (c *Client) Progress(ctx context.Context, trialID string) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, "v0/trials/"+url.PathEscape(trialID)+"/progress", nil, &resp)
	return resp, err
}

// Advance approves the pending stage and routes the card onward.
func (c *Client) Advance(ctx context.Context, trialID string) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodPost, "v0/trials/"+url.PathEscape(trialID)+"/advance", nil, &resp)
	return resp, err
}

// Escalate hands the pending stage to the department HOD.
func (c *Client) Escalate(ctx context.Context, trialID string) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodPost, "v0/trials/"+url.PathEscape(trialID)+"/escalate", nil, &resp)
	return resp, err
}

// CreateAccount provisions a department account.
func (c *Client) CreateAccount(ctx context.Context, username, departmentID, role string) (Account, error) {
	body := map[string]any{
		"username":      username,
		"department_id": departmentID,
		"role":          role,
	}
	var resp Account
	err := c.do(ctx, http.MethodPost, "v0/accounts", body, &resp)
	return resp, err
}

// AuditPage returns a paginated audit listing, newest first.
func (c *Client) AuditPage(ctx context.Context, trialID string, limit int, cursor string) (PaginatedAudit, error) {
	q := url.Values{}
	if trialID != "" {
		q.Set("trial_id", trialID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/audit"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedAudit
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
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
	if c.Actor != "" {
		req.Header.Set("X-Actor", c.Actor)
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
