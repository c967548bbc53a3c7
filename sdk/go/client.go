package storyforgesdk

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

// Client is a minimal Storyforge HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 60 * time.Second,
	}
}

type Flags struct {
	GenreCompleted       bool `json:"genreCompleted"`
	EnvironmentCompleted bool `json:"environmentCompleted"`
	WorldCompleted       bool `json:"worldCompleted"`
	CharactersCompleted  bool `json:"charactersCompleted"`
}

type Foundation struct {
	ID           string            `json:"id"`
	Title        string            `json:"title,omitempty"`
	Flags        Flags             `json:"flags"`
	CurrentStage string            `json:"currentStage"`
	Sessions     map[string]string `json:"sessions"`
	CreatedAt    string            `json:"createdAt"`
	UpdatedAt    string            `json:"updatedAt"`
}

type Message struct {
	ID        string `json:"id,omitempty"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

type Stage struct {
	Stage      string `json:"stage"`
	AgentID    string `json:"agentId"`
	Index      int    `json:"index"`
	Consistent bool   `json:"consistent"`
}

type ChatResult struct {
	Stage          string    `json:"stage"`
	AgentID        string    `json:"agentId"`
	SessionID      string    `json:"sessionId,omitempty"`
	Reply          string    `json:"reply"`
	Failed         bool      `json:"failed"`
	StageCompleted bool      `json:"stageCompleted"`
	NextStage      string    `json:"nextStage"`
	Persisted      bool      `json:"persisted"`
	Messages       []Message `json:"messages"`
}

// Event represents a log entry.
type Event struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	Type         string         `json:"type"`
	FoundationID string         `json:"foundation_id"`
	EntityID     string         `json:"entity_id"`
	EntityKind   string         `json:"entity_kind"`
	ActorID      string         `json:"actor_id"`
	Payload      map[string]any `json:"payload"`
}

// FoundationUpdate is a partial update; nil fields are left alone.
type FoundationUpdate struct {
	Title                *string           `json:"title,omitempty"`
	GenreCompleted       *bool             `json:"genreCompleted,omitempty"`
	EnvironmentCompleted *bool             `json:"environmentCompleted,omitempty"`
	WorldCompleted       *bool             `json:"worldCompleted,omitempty"`
	CharactersCompleted  *bool             `json:"charactersCompleted,omitempty"`
	CurrentStage         *string           `json:"currentStage,omitempty"`
	Sessions             map[string]string `json:"sessions,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Permanent reports client errors that a retry will not fix.
func (e *APIError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// NotFound reports a 404 response.
func (e *APIError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

type PaginatedFoundations struct {
	Items      []Foundation `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

func (c *Client) CreateFoundation(ctx context.Context, title string) (Foundation, error) {
	body := map[string]any{}
	if title != "" {
		body["title"] = title
	}
	var resp Foundation
	err := c.do(ctx, http.MethodPost, "v0/foundations", body, &resp)
	return resp, err
}

func (c *Client) ListFoundations(ctx context.Context, limit int, cursor string) (PaginatedFoundations, error) {
	var resp PaginatedFoundations
	err := c.do(ctx, http.MethodGet, withPage("v0/foundations", limit, cursor), nil, &resp)
	return resp, err
}

func (c *Client) GetFoundation(ctx context.Context, id string) (Foundation, error) {
	var resp Foundation
	err := c.do(ctx, http.MethodGet, foundationPath(id, ""), nil, &resp)
	return resp, err
}

func (c *Client) UpdateFoundation(ctx context.Context, id string, upd FoundationUpdate) (Foundation, error) {
	var resp Foundation
	err := c.do(ctx, http.MethodPatch, foundationPath(id, ""), upd, &resp)
	return resp, err
}

func (c *Client) DeleteFoundation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, foundationPath(id, ""), nil, nil)
}

// Stage resolves the active stage and agent of a foundation.
func (c *Client) Stage(ctx context.Context, id string) (Stage, error) {
	var resp Stage
	err := c.do(ctx, http.MethodGet, foundationPath(id, "stage"), nil, &resp)
	return resp, err
}

// Messages returns the transcript in insertion order.
func (c *Client) Messages(ctx context.Context, id string) ([]Message, error) {
	var resp []Message
	err := c.do(ctx, http.MethodGet, foundationPath(id, "messages"), nil, &resp)
	return resp, err
}

func (c *Client) PostMessage(ctx context.Context, id, role, content string) (Message, error) {
	body := map[string]any{"role": role, "content": content}
	var resp Message
	err := c.do(ctx, http.MethodPost, foundationPath(id, "messages"), body, &resp)
	return resp, err
}

// Chat runs one server-side conversation turn.
func (c *Client) Chat(ctx context.Context, id, content string) (ChatResult, error) {
	var resp ChatResult
	err := c.do(ctx, http.MethodPost, foundationPath(id, "chat"), map[string]any{"content": content}, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, id string, limit int, cursor string) (PaginatedEvents, error) {
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withPage(foundationPath(id, "events"), limit, cursor), nil, &resp)
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
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func foundationPath(id, sub string) string {
	p := "v0/foundations/" + url.PathEscape(id)
	if sub != "" {
		p += "/" + strings.TrimLeft(sub, "/")
	}
	return p
}

func withPage(endpoint string, limit int, cursor string) string {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
