package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"care-orchestrator/internal/domain"
	"care-orchestrator/internal/usecase"
)

type stubService struct {
	out      usecase.OutboundAction
	err      error
	in       usecase.Inbound
	closeOut domain.Conversation
	closeErr error
	closedID string
	reason   domain.CloseReason
}

func (s *stubService) Handle(_ context.Context, in usecase.Inbound) (usecase.OutboundAction, error) {
	s.in = in
	return s.out, s.err
}

func (s *stubService) Close(_ context.Context, id string, reason domain.CloseReason) (domain.Conversation, error) {
	s.closedID = id
	s.reason = reason
	return s.closeOut, s.closeErr
}

func makeEvent(method, path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: method,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func mustHandler(t *testing.T, svc Service) *Handler {
	t.Helper()
	h, err := NewHandler(svc)
	require.NoError(t, err)
	return h
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

// ---- POST /messages ----

func TestHandle_MessageHappyPath(t *testing.T) {
	svc := &stubService{out: usecase.OutboundAction{ConversationID: "conv-1", Sequence: 3, Reply: "hello"}}
	h := mustHandler(t, svc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/messages",
		`{"conversationId":"conv-1","userId":"u-1","channel":"SMS","language":"es-MX","message":"hola","sequence":3}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.Inbound{
		ConversationID: "conv-1",
		UserID:         "u-1",
		Message:        "hola",
		Channel:        domain.ChannelSMS,
		Language:       "es-MX",
		Sequence:       3,
	}, svc.in)

	out := parseBody[messageResponse](t, resp.Body)
	require.Equal(t, "conv-1", out.ConversationID)
	require.Equal(t, 3, out.Sequence)
	require.Equal(t, "hello", out.Reply)
	require.Nil(t, out.Escalation)
	require.NotEmpty(t, resp.Headers[correlationHeader])
	require.NotContains(t, resp.Body, "escalation")
}

func TestHandle_MessageWithEscalation(t *testing.T) {
	svc := &stubService{out: usecase.OutboundAction{
		ConversationID: "conv-1",
		Sequence:       1,
		Reply:          "call 911",
		Escalation:     &domain.EscalationVerdict{Escalate: true, Reason: domain.ReasonEmergency, Priority: domain.PriorityImmediate},
	}}
	h := mustHandler(t, svc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/messages", `{"userId":"u","channel":"web","message":"chest pain"}`))
	require.NoError(t, err)
	out := parseBody[messageResponse](t, resp.Body)
	require.NotNil(t, out.Escalation)
	require.Equal(t, domain.PriorityImmediate, out.Escalation.Priority)
	require.Contains(t, resp.Body, `"reason":"EMERGENCY"`)
}

func TestHandle_InvalidBody(t *testing.T) {
	cases := map[string]string{
		"not json":      `not-json`,
		"unknown field": `{"message":"hi","extra":true}`,
		"trailing data": `{"message":"hi"}{"message":"again"}`,
		"empty":         ``,
		"sequence type": `{"message":"hi","sequence":"one"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			svc := &stubService{}
			h := mustHandler(t, svc)
			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/messages", body))
			require.NoError(t, err)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
			require.Empty(t, svc.in.Message)
		})
	}
}

func TestHandle_Base64Body(t *testing.T) {
	svc := &stubService{out: usecase.OutboundAction{ConversationID: "c", Sequence: 1, Reply: "ok"}}
	h := mustHandler(t, svc)
	event := makeEvent(http.MethodPost, "/messages", base64.StdEncoding.EncodeToString([]byte(`{"userId":"u","channel":"web","message":"hi"}`)))
	event.IsBase64Encoded = true

	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hi", svc.in.Message)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_message"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "not found", err: &usecase.Error{Code: usecase.ErrorNotFound, Reason: "conversation_not_found"}, status: http.StatusNotFound, code: string(usecase.ErrorNotFound)},
		{name: "ended", err: &usecase.Error{Code: usecase.ErrorConversationEnded, Reason: "conversation_ended"}, status: http.StatusConflict, code: string(usecase.ErrorConversationEnded)},
		{name: "conflict", err: &usecase.Error{Code: usecase.ErrorConflict, Reason: "stale_sequence"}, status: http.StatusConflict, code: string(usecase.ErrorConflict)},
		{name: "transient", err: &usecase.Error{Code: usecase.ErrorTransientUpstream, Reason: "request_canceled"}, status: http.StatusServiceUnavailable, code: string(usecase.ErrorTransientUpstream)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "commit_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := mustHandler(t, &stubService{err: tc.err})
			resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/messages", `{"userId":"u","channel":"web","message":"hi"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h := mustHandler(t, &stubService{out: usecase.OutboundAction{ConversationID: "conv-1", Reply: "ok"}})

	event := makeEvent(http.MethodPost, "/messages", `{"userId":"u","channel":"web","message":"hi"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers[correlationHeader])
}

// ---- POST /conversations/{id}/close ----

func TestHandle_CloseConversation(t *testing.T) {
	svc := &stubService{closeOut: domain.Conversation{ID: "conv-1", State: domain.StateEnded, CloseReason: domain.CloseAgentRequested}}
	h := mustHandler(t, svc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/conversations/conv-1/close", `{"reason":"agent_closed"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "conv-1", svc.closedID)
	require.Equal(t, domain.CloseAgentRequested, svc.reason)

	out := parseBody[closeResponse](t, resp.Body)
	require.Equal(t, "ENDED", out.State)
	require.Equal(t, "agent_closed", out.CloseReason)
}

func TestHandle_CloseDefaultsToUserClosed(t *testing.T) {
	svc := &stubService{closeOut: domain.Conversation{ID: "conv-1", State: domain.StateEnded, CloseReason: domain.CloseUserRequested}}
	h := mustHandler(t, svc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/conversations/conv-1/close", ``))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, domain.CloseUserRequested, svc.reason)
}

func TestHandle_CloseRejectsUnknownReason(t *testing.T) {
	svc := &stubService{}
	h := mustHandler(t, svc)

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/conversations/conv-1/close", `{"reason":"bored"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, svc.closedID)
}

func TestHandle_CloseEnded(t *testing.T) {
	h := mustHandler(t, &stubService{closeErr: &usecase.Error{Code: usecase.ErrorConversationEnded, Reason: "conversation_ended"}})
	resp, err := h.Handle(context.Background(), makeEvent(http.MethodPost, "/conversations/conv-1/close", `{}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

// ---- routing ----

func TestHandle_Routing(t *testing.T) {
	h := mustHandler(t, &stubService{})

	resp, err := h.Handle(context.Background(), makeEvent(http.MethodGet, "/messages", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodPost, "/unknown", "{}"))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = h.Handle(context.Background(), makeEvent(http.MethodGet, "/healthz", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServeHTTP_AdaptsRequests(t *testing.T) {
	svc := &stubService{out: usecase.OutboundAction{ConversationID: "conv-9", Sequence: 1, Reply: "hi there"}}
	srv := httptest.NewServer(mustHandler(t, svc))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/messages", strings.NewReader(`{"userId":"u","channel":"voice","message":"hello"}`))
	require.NoError(t, err)
	req.Header.Set("X-Correlation-Id", "corr-http")
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = res.Body.Close() }()

	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "corr-http", res.Header.Get(correlationHeader))
	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	out := parseBody[messageResponse](t, string(raw))
	require.Equal(t, "conv-9", out.ConversationID)
	require.Equal(t, domain.ChannelVoice, svc.in.Channel)
}
