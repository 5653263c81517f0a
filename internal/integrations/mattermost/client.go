package mattermost

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

	"care-orchestrator/internal/domain"
)

// TokenSource yields the bot access token. *paramstore.Token satisfies it.
type TokenSource interface {
	Value(ctx context.Context) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("mattermost: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client posts handoff notices to the escalation channel.
type Client struct {
	baseURL    string
	channelID  string
	httpClient *http.Client
	token      TokenSource
	now        func() time.Time
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func NewClient(baseURL, channelID string, token TokenSource, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("mattermost: base url must not be empty")
	}
	if strings.TrimSpace(channelID) == "" {
		return nil, errors.New("mattermost: channel id must not be empty")
	}
	if token == nil {
		return nil, errors.New("mattermost: token source must not be nil")
	}
	c := &Client{
		baseURL:   baseURL,
		channelID: channelID,
		token:     token,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

type postRequest struct {
	ChannelID string         `json:"channel_id"`
	Message   string         `json:"message"`
	Props     map[string]any `json:"props,omitempty"`
}

type postResponse struct {
	ID string `json:"id"`
}

// NotifyHandoff announces an escalated conversation. The notice carries ids
// and routing data only, never message text.
func (c *Client) NotifyHandoff(ctx context.Context, h domain.Handoff) error {
	if h.ConversationID == "" {
		return errors.New("mattermost: handoff conversation id is required")
	}
	props := map[string]any{
		"conversation_id": h.ConversationID,
		"priority":        string(h.Priority),
		"reason":          string(h.Reason),
		"sequence":        h.Sequence,
		"created_at":      c.now().Format(time.RFC3339),
	}
	if h.Overdue {
		props["overdue"] = true
	}
	if _, err := c.PostMessage(ctx, c.channelID, handoffMessage(h), props); err != nil {
		return err
	}
	return nil
}

// PostMessage creates a post and returns its id.
func (c *Client) PostMessage(ctx context.Context, channelID, message string, props map[string]any) (string, error) {
	token, err := c.token.Value(ctx)
	if err != nil {
		return "", fmt.Errorf("mattermost: resolve token: %w", err)
	}
	body, err := json.Marshal(postRequest{ChannelID: channelID, Message: message, Props: props})
	if err != nil {
		return "", fmt.Errorf("mattermost: marshal request: %w", err)
	}

	url := c.baseURL + "/api/v4/posts"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("mattermost: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("mattermost: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", fmt.Errorf("mattermost: request failed: %w", &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		})
	}

	var out postResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&out); err != nil {
		return "", fmt.Errorf("mattermost: decode response: %w", err)
	}
	if out.ID == "" {
		return "", errors.New("mattermost: missing post id in response")
	}
	return out.ID, nil
}

func handoffMessage(h domain.Handoff) string {
	var b strings.Builder
	switch {
	case h.Overdue:
		b.WriteString(":alarm_clock: **IMMEDIATE** handoff still waiting, priority raised\n")
	case h.Priority == domain.PriorityImmediate:
		b.WriteString(":rotating_light: **IMMEDIATE** handoff requested\n")
	default:
		b.WriteString(":raising_hand: Handoff requested\n")
	}
	fmt.Fprintf(&b, "| Conversation | `%s` |\n|---|---|\n", h.ConversationID)
	fmt.Fprintf(&b, "| Reason | %s |\n", h.Reason)
	fmt.Fprintf(&b, "| Channel | %s |\n", h.Channel)
	fmt.Fprintf(&b, "| Language | %s |\n", h.Language)
	fmt.Fprintf(&b, "| Turn | %d |\n", h.Sequence)
	if h.QueuePosition > 0 {
		fmt.Fprintf(&b, "| Queue position | %d |\n", h.QueuePosition)
	}
	if h.EstimatedWaitSeconds > 0 {
		fmt.Fprintf(&b, "| Estimated wait | %s |\n", (time.Duration(h.EstimatedWaitSeconds) * time.Second).String())
	}
	return b.String()
}
