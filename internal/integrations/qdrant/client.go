package qdrant

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
	"unicode"

	"care-orchestrator/internal/domain"
)

const (
	payloadPassageIDKey = "passage_id"
	payloadTextKey      = "text"
	payloadLanguageKey  = "language"
	payloadSourceKey    = "source"
	payloadUpdatedAtKey = "updated_at"
	maxErrorBodyBytes   = 1024
	maxResultBodyBytes  = 4 << 20
)

type Config struct {
	URL        string
	Collection string
	APIKey     string
}

// HTTPStatusError captures non-2xx Qdrant responses.
type HTTPStatusError struct {
	StatusCode int
	Path       string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("qdrant: unexpected status %d from %s: %s", e.StatusCode, e.Path, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client searches the knowledge-base collection. Passages are ingested
// elsewhere; this client only reads.
type Client struct {
	baseURL    string
	collection string
	apiKey     string
	http       *http.Client
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.http = httpClient
	}
}

func New(cfg Config, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errors.New("qdrant: url is required")
	}
	collection := strings.TrimSpace(cfg.Collection)
	if collection == "" {
		return nil, errors.New("qdrant: collection is required")
	}
	c := &Client{
		baseURL:    base,
		collection: collection,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		http:       &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type searchResultItem struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

type scrollResult struct {
	Points []searchResultItem `json:"points"`
}

// SemanticSearch returns the nearest passages in the given language, scored
// by the collection's similarity metric.
func (c *Client) SemanticSearch(ctx context.Context, vector []float32, language string, limit int) ([]domain.Passage, error) {
	if len(vector) == 0 {
		return nil, errors.New("qdrant: query vector required")
	}
	if limit <= 0 {
		limit = 10
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if f := languageFilter(language); f != nil {
		req["filter"] = f
	}
	var items []searchResultItem
	if err := c.doJSON(ctx, c.collectionPath("/points/search"), req, &items); err != nil {
		return nil, err
	}
	out := make([]domain.Passage, 0, len(items))
	for _, item := range items {
		if p, ok := toPassage(item); ok {
			p.Score = item.Score
			out = append(out, p)
		}
	}
	return out, nil
}

// KeywordSearch scrolls passages whose full-text index matches any query
// term and scores them by the share of query terms they contain.
func (c *Client) KeywordSearch(ctx context.Context, query, language string, limit int) ([]domain.Passage, error) {
	terms := Terms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	should := make([]any, 0, len(terms))
	for _, t := range terms {
		should = append(should, map[string]any{
			"key":   payloadTextKey,
			"match": map[string]any{"text": t},
		})
	}
	filter := map[string]any{"should": should}
	if lf := languageFilter(language); lf != nil {
		filter["must"] = lf["must"]
	}
	req := map[string]any{
		"filter":       filter,
		"limit":        limit * 4,
		"with_payload": true,
		"with_vector":  false,
	}
	var res scrollResult
	if err := c.doJSON(ctx, c.collectionPath("/points/scroll"), req, &res); err != nil {
		return nil, err
	}
	out := make([]domain.Passage, 0, len(res.Points))
	for _, item := range res.Points {
		p, ok := toPassage(item)
		if !ok {
			continue
		}
		p.Score = overlap(terms, p.Text)
		if p.Score > 0 {
			out = append(out, p)
		}
	}
	return out, nil
}

func languageFilter(language string) map[string]any {
	lang := strings.ToLower(strings.TrimSpace(language))
	if lang == "" {
		return nil
	}
	return map[string]any{
		"must": []any{map[string]any{
			"key":   payloadLanguageKey,
			"match": map[string]any{"value": lang},
		}},
	}
}

func (c *Client) collectionPath(suffix string) string {
	return "/collections/" + c.collection + suffix
}

func (c *Client) doJSON(ctx context.Context, path string, in, out any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(in); err != nil {
		return fmt.Errorf("qdrant: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("qdrant: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResultBodyBytes))
	if err != nil {
		return fmt.Errorf("qdrant: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPStatusError{StatusCode: resp.StatusCode, Path: path, Body: truncateBody(raw)}
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Status json.RawMessage `json:"status"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("qdrant: decode envelope: %w", err)
	}
	if msg := envelopeError(envelope.Status); msg != "" {
		return fmt.Errorf("qdrant: %s", msg)
	}
	if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fmt.Errorf("qdrant: decode result: %w", err)
	}
	return nil
}

func envelopeError(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.EqualFold(s, "ok") {
			return ""
		}
		return fmt.Sprintf("status=%q", s)
	}
	var obj struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && strings.TrimSpace(obj.Error) != "" {
		return strings.TrimSpace(obj.Error)
	}
	return "status=" + status
}

func toPassage(item searchResultItem) (domain.Passage, bool) {
	text, _ := item.Payload[payloadTextKey].(string)
	if strings.TrimSpace(text) == "" {
		return domain.Passage{}, false
	}
	id, _ := item.Payload[payloadPassageIDKey].(string)
	id = strings.TrimSpace(id)
	if id == "" {
		id = decodePointID(item.ID)
	}
	if id == "" {
		return domain.Passage{}, false
	}
	p := domain.Passage{ID: id, Text: text}
	p.Language, _ = item.Payload[payloadLanguageKey].(string)
	p.Source, _ = item.Payload[payloadSourceKey].(string)
	if raw, ok := item.Payload[payloadUpdatedAtKey].(string); ok {
		if ts, err := time.Parse(time.RFC3339, raw); err == nil {
			p.UpdatedAt = ts
		}
	}
	return p, true
}

func decodePointID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return fmt.Sprintf("%d", n)
	}
	return ""
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "can": {}, "you": {}, "are": {},
	"what": {}, "how": {}, "does": {}, "this": {}, "that": {}, "have": {}, "from": {},
	"los": {}, "las": {}, "con": {}, "por": {}, "para": {}, "que": {}, "una": {},
}

// Terms splits a query into lower-case search terms, dropping short words
// and common stopwords.
func Terms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

func overlap(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	have := make(map[string]struct{})
	for _, t := range Terms(text) {
		have[t] = struct{}{}
	}
	hits := 0
	for _, t := range terms {
		if _, ok := have[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
