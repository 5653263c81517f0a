package openai

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

const (
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultChatModel      = "gpt-4o-mini"
	defaultEmbeddingModel = "text-embedding-3-small"
)

// chatRequest is the minimal request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model          string               `json:"model"`
	Messages       []domain.ChatMessage `json:"messages"`
	Temperature    *float64             `json:"temperature,omitempty"`
	Logprobs       bool                 `json:"logprobs,omitempty"`
	ResponseFormat *responseFormat      `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string           `json:"type"`
	JSONSchema jsonSchemaConfig `json:"json_schema"`
}

type jsonSchemaConfig struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index    int                `json:"index"`
		Message  domain.ChatMessage `json:"message"`
		Logprobs *struct {
			Content []struct {
				Token   string  `json:"token"`
				Logprob float64 `json:"logprob"`
			} `json:"content"`
		} `json:"logprobs"`
	} `json:"choices"`
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// TokenSource yields the API key. *paramstore.Token satisfies it.
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
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI-compatible client for grounded chat completions
// and query embeddings.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	token          TokenSource
	model          string
	embeddingModel string
	temperature    float64
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

func WithEmbeddingModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.embeddingModel = m
		}
	}
}

// NewClient creates a Client whose API key is resolved through token on the
// first request.
func NewClient(token TokenSource, opts ...Option) (*Client, error) {
	if token == nil {
		return nil, errors.New("openai: token source must not be nil")
	}
	c := &Client{
		baseURL:        defaultBaseURL,
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		token:          token,
		model:          defaultChatModel,
		embeddingModel: defaultEmbeddingModel,
		temperature:    0.2,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Name() string {
	return "openai"
}

// resolvedHTTPClient returns the configured HTTP client, or a default with a
// 10s timeout if none was set.
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func endpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + path
	}
	return base + "/v1" + path
}

// Complete asks for a grounded JSON answer and returns the raw content with
// the per-token log probabilities.
func (c *Client) Complete(ctx context.Context, messages []domain.ChatMessage) (domain.Completion, error) {
	if len(messages) == 0 {
		return domain.Completion{}, errors.New("openai: messages must not be empty")
	}
	temp := c.temperature
	var payload chatResponse
	if err := c.postJSON(ctx, "/chat/completions", chatRequest{
		Model:          c.model,
		Messages:       messages,
		Temperature:    &temp,
		Logprobs:       true,
		ResponseFormat: groundedAnswerResponseFormat(),
	}, &payload); err != nil {
		return domain.Completion{}, err
	}
	if len(payload.Choices) == 0 {
		return domain.Completion{}, errors.New("openai: no choices in response")
	}
	choice := payload.Choices[0]
	out := domain.Completion{
		Provider: c.Name(),
		Model:    payload.Model,
		Content:  choice.Message.Content,
	}
	if choice.Logprobs != nil {
		for _, tok := range choice.Logprobs.Content {
			out.TokenLogprobs = append(out.TokenLogprobs, tok.Logprob)
		}
	}
	return out, nil
}

// Embed returns the embedding vector of a single query text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("openai: embedding input must not be empty")
	}
	var payload embeddingResponse
	if err := c.postJSON(ctx, "/embeddings", embeddingRequest{Model: c.embeddingModel, Input: text}, &payload); err != nil {
		return nil, err
	}
	if len(payload.Data) == 0 || len(payload.Data[0].Embedding) == 0 {
		return nil, errors.New("openai: no embedding in response")
	}
	return payload.Data[0].Embedding, nil
}

func groundedAnswerResponseFormat() *responseFormat {
	return &responseFormat{
		Type: "json_schema",
		JSONSchema: jsonSchemaConfig{
			Name:   "grounded_answer",
			Strict: true,
			Schema: json.RawMessage(`{
				"type":"object",
				"additionalProperties":false,
				"properties":{
					"answer":{"type":"string"},
					"sources":{"type":"array","items":{"type":"string"}},
					"confidence":{"type":"number"}
				},
				"required":["answer","sources","confidence"]
			}`),
		},
	}
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	apiKey, err := c.token.Value(ctx)
	if err != nil {
		return fmt.Errorf("openai: resolve api key: %w", err)
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("openai: marshal request: %w", err)
	}

	url := endpointURL(c.baseURL, path)

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return fmt.Errorf("openai: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return fmt.Errorf("openai: request failed: %w", err)
	}
	if decErr := json.Unmarshal(raw, out); decErr != nil {
		return fmt.Errorf("openai: decode response: %w", decErr)
	}
	return nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
