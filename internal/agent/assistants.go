package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError wraps non-2xx responses from the assistants service.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("assistants api: status=%d body=%s", e.StatusCode, e.Body)
}

// AssistantsClient is the REST provider: sessions and runs are resources
// of a remote assistants service.
type AssistantsClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewAssistantsClient(baseURL, apiKey string, timeout time.Duration) *AssistantsClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &AssistantsClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
			},
		},
	}
}

var _ Client = (*AssistantsClient)(nil)

type sessionResponse struct {
	ID string `json:"id"`
}

func (c *AssistantsClient) CreateSession(ctx context.Context) (string, error) {
	var resp sessionResponse
	if err := c.do(ctx, http.MethodPost, "sessions", map[string]any{}, &resp); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("create session: empty id in response")
	}
	return resp.ID, nil
}

func (c *AssistantsClient) VerifySession(ctx context.Context, sessionID string) error {
	err := c.do(ctx, http.MethodGet, "sessions/"+url.PathEscape(sessionID), nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusGone) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return err
}

func (c *AssistantsClient) StartRun(ctx context.Context, sessionID, agentID, prompt string) (Run, error) {
	body := map[string]any{
		"agent_id": agentID,
		"input":    prompt,
	}
	var run Run
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("sessions/%s/runs", url.PathEscape(sessionID)), body, &run)
	if err != nil {
		return Run{}, err
	}
	if run.SessionID == "" {
		run.SessionID = sessionID
	}
	return run, nil
}

func (c *AssistantsClient) GetRun(ctx context.Context, sessionID, runID string) (Run, error) {
	var run Run
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("sessions/%s/runs/%s", url.PathEscape(sessionID), url.PathEscape(runID)), nil, &run)
	return run, err
}

func (c *AssistantsClient) CancelRun(ctx context.Context, sessionID, runID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("sessions/%s/runs/%s/cancel", url.PathEscape(sessionID), url.PathEscape(runID)), map[string]any{}, nil)
}

func (c *AssistantsClient) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	target := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}
