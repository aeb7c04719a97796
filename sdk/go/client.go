package handoffsdk

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

// Client is a minimal Handoff HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Arg is one ordered argument of a drafted action.
type Arg struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

type Payload struct {
	Tool string `json:"tool"`
	Args []Arg  `json:"args,omitempty"`
}

type Transition struct {
	TS     string `json:"ts"`
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// Item represents the API item model.
type Item struct {
	ID           string            `json:"id"`
	Kind         string            `json:"kind"`
	Source       string            `json:"source,omitempty"`
	Title        string            `json:"title,omitempty"`
	Body         string            `json:"body,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Location     string            `json:"location"`
	State        string            `json:"state"`
	Owner        string            `json:"owner,omitempty"`
	AttemptCount int               `json:"attempt_count"`
	Payload      *Payload          `json:"payload,omitempty"`
	ApprovedBy   string            `json:"approved_by,omitempty"`
	DuplicateOf  string            `json:"duplicate_of,omitempty"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
	History      []Transition      `json:"history,omitempty"`
}

// NewItem is the intake request body.
type NewItem struct {
	ID       string            `json:"id,omitempty"`
	Kind     string            `json:"kind"`
	Source   string            `json:"source,omitempty"`
	Title    string            `json:"title,omitempty"`
	Body     string            `json:"body,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type AuditRecord struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts"`
	ItemID   string `json:"item_id"`
	Role     string `json:"role"`
	Action   string `json:"action"`
	Input    []Arg  `json:"input,omitempty"`
	Result   string `json:"result"`
	Detail   string `json:"detail,omitempty"`
	Attempt  int    `json:"attempt"`
	Terminal bool   `json:"terminal"`
}

// AuditPage wraps an audit listing with the cursor for the next call.
type AuditPage struct {
	Records []AuditRecord `json:"records"`
	NextID  int64         `json:"next_id"`
}

type Health struct {
	Status              string         `json:"status"`
	Role                string         `json:"role"`
	HeartbeatAgeSeconds *float64       `json:"heartbeat_age_seconds,omitempty"`
	Beats               int64          `json:"beats"`
	Counts              map[string]int `json:"counts"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitItem hands a discovered item to the agent.
func (c *Client) SubmitItem(ctx context.Context, in NewItem) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPost, "v0/items", in, &resp)
	return resp, err
}

// ListItems returns items at location (all when empty), oldest first.
func (c *Client) ListItems(ctx context.Context, location, kind string, limit int) ([]Item, error) {
	q := url.Values{}
	if location != "" {
		q.Set("location", location)
	}
	if kind != "" {
		q.Set("kind", kind)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp struct {
		Items []Item `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("v0/items", q), nil, &resp)
	return resp.Items, err
}

// GetItem fetches an item with its history.
func (c *Client) GetItem(ctx context.Context, id string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodGet, "v0/items/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Approve approves the drafted action of an item awaiting approval.
func (c *Client) Approve(ctx context.Context, id string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/items/%s/approve", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Reject rejects an item awaiting approval.
func (c *Client) Reject(ctx context.Context, id, reason string) (Item, error) {
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	var resp Item
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/items/%s/reject", url.PathEscape(id)), body, &resp)
	return resp, err
}

// Audit returns audit records after afterID.
func (c *Client) Audit(ctx context.Context, itemID string, afterID int64, limit int) (AuditPage, error) {
	q := url.Values{}
	if itemID != "" {
		q.Set("item_id", itemID)
	}
	if afterID > 0 {
		q.Set("after_id", fmt.Sprint(afterID))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp AuditPage
	err := c.do(ctx, http.MethodGet, withQuery("v0/audit", q), nil, &resp)
	return resp, err
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "v0/health", nil, &resp)
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
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
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

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
