package openai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"care-orchestrator/internal/domain"
)

// fakeToken is a minimal TokenSource stub.
type fakeToken struct {
	val string
	err error
}

func (f *fakeToken) Value(_ context.Context) (string, error) {
	return f.val, f.err
}

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	}, opts...)
	c, err := NewClient(&fakeToken{val: "sk-test"}, opts...)
	require.NoError(t, err)
	return c
}

var userHi = []domain.ChatMessage{{Role: "user", Content: "hi"}}

// ---------------------------------------------------------------------------
// endpointURL helper
// ---------------------------------------------------------------------------

func TestEndpointURL(t *testing.T) {
	cases := []struct {
		base string
		path string
		want string
	}{
		{"https://api.openai.com/v1", "/chat/completions", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1/", "/embeddings", "https://api.openai.com/v1/embeddings"},
		{"http://localhost:8080", "/chat/completions", "http://localhost:8080/v1/chat/completions"},
		{"", "/embeddings", "https://api.openai.com/v1/embeddings"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, endpointURL(tc.base, tc.path), "base=%q", tc.base)
	}
}

// ---------------------------------------------------------------------------
// NewClient
// ---------------------------------------------------------------------------

func TestNewClient_NilToken(t *testing.T) {
	_, err := NewClient(nil)
	require.ErrorContains(t, err, "nil")
}

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient(&fakeToken{val: "sk"}, WithModel(" "), WithEmbeddingModel("text-embedding-3-large"))
	require.NoError(t, err)
	require.Equal(t, defaultBaseURL, c.baseURL)
	require.Equal(t, defaultChatModel, c.model)
	require.Equal(t, "text-embedding-3-large", c.embeddingModel)
	require.Equal(t, "openai", c.Name())
}

// ---------------------------------------------------------------------------
// Client.Complete
// ---------------------------------------------------------------------------

func TestClient_Complete_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		reqBody, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Contains(t, string(reqBody), `"logprobs":true`)
		require.Contains(t, string(reqBody), `"name":"grounded_answer"`)
		require.Contains(t, string(reqBody), `"required":["answer","sources","confidence"]`)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-123",
			"model": "gpt-4o-mini-2024",
			"choices": [{
				"index": 0,
				"message": { "role": "assistant", "content": "{\"answer\":\"hi\"}" },
				"logprobs": { "content": [ {"token":"{","logprob":-0.01}, {"token":"hi","logprob":-0.2} ] }
			}]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	got, err := c.Complete(context.Background(), userHi)
	require.NoError(t, err)
	require.Equal(t, "openai", got.Provider)
	require.Equal(t, "gpt-4o-mini-2024", got.Model)
	require.Equal(t, `{"answer":"hi"}`, got.Content)
	require.Equal(t, []float64{-0.01, -0.2}, got.TokenLogprobs)
}

func TestClient_Complete_NoLogprobs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"message":{"role":"assistant","content":"x"}}]}`))
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv).Complete(context.Background(), userHi)
	require.NoError(t, err)
	require.Empty(t, got.TokenLogprobs)
}

func TestClient_Complete_StatusErrors(t *testing.T) {
	for _, code := range []int{400, 429, 500} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
		}))

		_, err := newTestClient(t, srv).Complete(context.Background(), userHi)
		srv.Close()

		require.Error(t, err)
		var statusErr interface{ HTTPStatusCode() int }
		require.True(t, errors.As(err, &statusErr))
		require.Equal(t, code, statusErr.HTTPStatusCode())
		require.Contains(t, err.Error(), "unexpected status")
	}
}

func TestClient_Complete_InvalidJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not-a-json`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Complete(context.Background(), userHi)
	require.ErrorContains(t, err, "decode response")
}

func TestClient_Complete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Complete(context.Background(), userHi)
	require.ErrorContains(t, err, "no choices")
}

func TestClient_Complete_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	_, err := c.Complete(context.Background(), userHi)
	require.ErrorContains(t, err, "request failed")
}

func TestClient_Complete_EmptyMessages(t *testing.T) {
	c, err := NewClient(&fakeToken{val: "sk"})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), nil)
	require.ErrorContains(t, err, "messages")
}

func TestClient_Complete_TokenError(t *testing.T) {
	c, err := NewClient(&fakeToken{err: errors.New("ssm unavailable")})
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), userHi)
	require.ErrorContains(t, err, "ssm unavailable")
}

// ---------------------------------------------------------------------------
// Client.Embed
// ---------------------------------------------------------------------------

func TestClient_Embed_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		reqBody, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.JSONEq(t, `{"model":"text-embedding-3-small","input":"ibuprofen"}`, string(reqBody))
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[0.1,0.2,0.3]}]}`))
	}))
	defer srv.Close()

	vec, err := newTestClient(t, srv).Embed(context.Background(), "ibuprofen")
	require.NoError(t, err)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestClient_Embed_EmptyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Embed(context.Background(), "x")
	require.ErrorContains(t, err, "no embedding")
}

func TestClient_Embed_EmptyInput(t *testing.T) {
	c, err := NewClient(&fakeToken{val: "sk"})
	require.NoError(t, err)
	_, err = c.Embed(context.Background(), "  ")
	require.Error(t, err)
}

func TestClient_Embed_NetworkError(t *testing.T) {
	c, err := NewClient(&fakeToken{val: "sk"},
		WithBaseURL("http://127.0.0.1:1"),
		WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}))
	require.NoError(t, err)

	_, err = c.Embed(context.Background(), "hello")
	require.ErrorContains(t, err, "request failed")
}
