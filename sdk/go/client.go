package powerlinesdk

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

// Client is a minimal Powerline HTTP API client.
type Client struct {
	BaseURL string
	// Token is a login token sent as "Authorization: Token <value>".
	Token       string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type User struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Mobile    string  `json:"mobile"`
	Role      string  `json:"role"`
	VillageID *string `json:"village_id,omitempty"`
	IsActive  bool    `json:"is_active"`
	IsStaff   bool    `json:"is_staff"`
}

type Village struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	District string `json:"district"`
	State    string `json:"state"`
}

// Outage represents the API outage model.
type Outage struct {
	ID             string  `json:"id"`
	VillageID      string  `json:"village_id"`
	Reason         string  `json:"reason"`
	StartTime      string  `json:"start_time"`
	ExpectedReturn string  `json:"expected_return"`
	IsResolved     bool    `json:"is_resolved"`
	ResolvedTime   *string `json:"resolved_time,omitempty"`
	ReportedBy     *string `json:"reported_by,omitempty"`
}

type Session struct {
	User      User   `json:"user"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Register creates a resident account and stores the returned token on the client.
func (c *Client) Register(ctx context.Context, name, mobile, password, villageID string) (Session, error) {
	body := map[string]any{
		"name":       name,
		"mobile":     mobile,
		"password":   password,
		"village_id": villageID,
	}
	var resp Session
	if err := c.do(ctx, http.MethodPost, "auth/register", body, &resp); err != nil {
		return Session{}, err
	}
	c.Token = resp.Token
	return resp, nil
}

// Login exchanges credentials for a token and stores it on the client.
func (c *Client) Login(ctx context.Context, mobile, password string) (Session, error) {
	body := map[string]any{
		"mobile":   mobile,
		"password": password,
	}
	var resp Session
	if err := c.do(ctx, http.MethodPost, "auth/login", body, &resp); err != nil {
		return Session{}, err
	}
	c.Token = resp.Token
	return resp, nil
}

func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "auth/logout", nil, nil); err != nil {
		return err
	}
	c.Token = ""
	return nil
}

func (c *Client) Me(ctx context.Context) (User, error) {
	var resp User
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

func (c *Client) Villages(ctx context.Context) ([]Village, error) {
	var resp []Village
	err := c.do(ctx, http.MethodGet, "villages", nil, &resp)
	return resp, err
}

// Outages lists outages visible to the caller, newest first.
func (c *Client) Outages(ctx context.Context) ([]Outage, error) {
	var resp []Outage
	err := c.do(ctx, http.MethodGet, "outages", nil, &resp)
	return resp, err
}

// ActiveOutages lists unresolved outages visible to the caller.
func (c *Client) ActiveOutages(ctx context.Context) ([]Outage, error) {
	var resp []Outage
	err := c.do(ctx, http.MethodGet, "outages/active", nil, &resp)
	return resp, err
}

// CreateOutage reports an outage. A zero duration lets the server apply its default.
func (c *Client) CreateOutage(ctx context.Context, villageID, reason string, durationHours int) (Outage, error) {
	body := map[string]any{
		"village_id": villageID,
		"reason":     reason,
	}
	if durationHours > 0 {
		body["duration_hours"] = durationHours
	}
	var resp Outage
	err := c.do(ctx, http.MethodPost, "outages", body, &resp)
	return resp, err
}

func (c *Client) ResolveOutage(ctx context.Context, id string) (Outage, error) {
	var resp Outage
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("outages/%s/resolve", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Events returns recent audit events. Employees only.
func (c *Client) Events(ctx context.Context, limit int, eventType string) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if eventType != "" {
		q.Set("type", eventType)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
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
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.Token != "":
		req.Header.Set("Authorization", "Token "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
