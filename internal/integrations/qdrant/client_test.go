package qdrant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{URL: srv.URL + "/", Collection: "care-kb", APIKey: "qk"})
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Collection: "kb"})
	require.ErrorContains(t, err, "url")
	_, err = New(Config{URL: "http://qdrant:6333"})
	require.ErrorContains(t, err, "collection")
}

func TestSemanticSearch_RequestAndPassages(t *testing.T) {
	var captured map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/care-kb/points/search", r.URL.Path)
		require.Equal(t, "qk", r.Header.Get("api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"status":"ok","result":[
			{"id":"0f1705d1-2c3f-4e40-b2f4-f855f7d3c8e8","score":0.91,"payload":{"passage_id":"nsaid-bp","text":"NSAIDs can raise blood pressure.","language":"en","source":"kb/nsaids.md","updated_at":"2026-03-01T00:00:00Z"}},
			{"id":42,"score":0.80,"payload":{"text":"Acetaminophen basics."}},
			{"id":43,"score":0.75,"payload":{"passage_id":"empty"}}
		]}`))
	})

	got, err := c.SemanticSearch(context.Background(), []float32{0.1, 0.2}, "EN", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "nsaid-bp", got[0].ID)
	require.InDelta(t, 0.91, got[0].Score, 1e-9)
	require.Equal(t, "kb/nsaids.md", got[0].Source)
	require.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), got[0].UpdatedAt)
	require.Equal(t, "42", got[1].ID)

	require.EqualValues(t, 5, captured["limit"])
	filter := captured["filter"].(map[string]any)
	must := filter["must"].([]any)
	cond := must[0].(map[string]any)
	require.Equal(t, "language", cond["key"])
	require.Equal(t, "en", cond["match"].(map[string]any)["value"])
}

func TestSemanticSearch_EmptyVector(t *testing.T) {
	c, err := New(Config{URL: "http://qdrant:6333", Collection: "kb"})
	require.NoError(t, err)
	_, err = c.SemanticSearch(context.Background(), nil, "en", 3)
	require.ErrorContains(t, err, "vector")
}

func TestKeywordSearch_ScoresByTermOverlap(t *testing.T) {
	var captured map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/care-kb/points/scroll", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"status":"ok","result":{"points":[
			{"id":1,"payload":{"passage_id":"a","text":"Ibuprofen may interact with blood pressure medication."}},
			{"id":2,"payload":{"passage_id":"b","text":"Ibuprofen dosing for adults."}},
			{"id":3,"payload":{"passage_id":"c","text":"Visiting hours."}}
		],"next_page_offset":null}}`))
	})

	got, err := c.KeywordSearch(context.Background(), "Can I take ibuprofen with my blood pressure medication?", "en", 3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].ID)
	require.InDelta(t, 0.8, got[0].Score, 1e-9)
	require.Equal(t, "b", got[1].ID)
	require.InDelta(t, 0.2, got[1].Score, 1e-9)

	filter := captured["filter"].(map[string]any)
	require.Len(t, filter["should"], 5)
	require.NotNil(t, filter["must"])
	require.EqualValues(t, 12, captured["limit"])
}

func TestKeywordSearch_NoTermsSkipsRequest(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request to %s", r.URL.Path)
	})
	got, err := c.KeywordSearch(context.Background(), "is it ok?", "en", 3)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestDoJSON_StatusError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":{"error":"overloaded"}}`))
	})
	_, err := c.SemanticSearch(context.Background(), []float32{1}, "", 3)
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	require.Equal(t, http.StatusServiceUnavailable, statusErr.HTTPStatusCode())
}

func TestDoJSON_EnvelopeError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":{"error":"collection not found"},"result":null}`))
	})
	_, err := c.SemanticSearch(context.Background(), []float32{1}, "", 3)
	require.ErrorContains(t, err, "collection not found")
}

func TestTerms(t *testing.T) {
	require.Equal(t,
		[]string{"take", "ibuprofen", "blood", "pressure", "medication"},
		Terms("Can I take ibuprofen with my blood pressure medication? ibuprofen"))
	require.Empty(t, Terms("is it ok"))
}
