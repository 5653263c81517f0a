package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"care-orchestrator/internal/domain"
	"care-orchestrator/internal/logger"
	"care-orchestrator/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 64 << 10
)

// Service is the orchestrator surface exposed over HTTP.
type Service interface {
	Handle(ctx context.Context, in usecase.Inbound) (usecase.OutboundAction, error)
	Close(ctx context.Context, conversationID string, reason domain.CloseReason) (domain.Conversation, error)
}

type messageRequest struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Channel        string `json:"channel"`
	Language       string `json:"language"`
	Message        string `json:"message"`
	Sequence       int    `json:"sequence"`
}

type messageResponse struct {
	ConversationID string                    `json:"conversationId"`
	Sequence       int                       `json:"sequence"`
	Reply          string                    `json:"reply"`
	Escalation     *domain.EscalationVerdict `json:"escalation,omitempty"`
}

type closeRequest struct {
	Reason string `json:"reason"`
}

type closeResponse struct {
	ConversationID string `json:"conversationId"`
	State          string `json:"state"`
	CloseReason    string `json:"closeReason"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type Handler struct {
	svc Service
	log *logger.Logger
	now func() time.Time
}

type Option func(*Handler)

func WithLogger(log *logger.Logger) Option {
	return func(h *Handler) {
		h.log = log
	}
}

func NewHandler(svc Service, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: service must not be nil")
	}
	h := &Handler{svc: svc, now: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logger.OrNop(h.log).With("component", "handler")
	return h, nil
}

// Handle serves API Gateway proxy events:
//
//	POST /messages
//	POST /conversations/{id}/close
//	GET  /healthz
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	start := h.now()
	corrID := headerValue(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}

	resp := h.route(ctx, req, corrID)
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers["Content-Type"] = "application/json"
	resp.Headers[correlationHeader] = corrID

	h.log.Info("request handled",
		"correlation_id", corrID,
		"method", req.HTTPMethod,
		"path", req.Path,
		"status", resp.StatusCode,
		"duration_ms", h.now().Sub(start).Milliseconds(),
	)
	return resp, nil
}

func (h *Handler) route(ctx context.Context, req events.APIGatewayProxyRequest, corrID string) events.APIGatewayProxyResponse {
	path := "/" + strings.Trim(req.Path, "/")
	segments := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case path == "/messages":
		if req.HTTPMethod != http.MethodPost {
			return methodNotAllowed()
		}
		return h.postMessage(ctx, req, corrID)

	case len(segments) == 3 && segments[0] == "conversations" && segments[2] == "close" && segments[1] != "":
		if req.HTTPMethod != http.MethodPost {
			return methodNotAllowed()
		}
		return h.closeConversation(ctx, req, segments[1], corrID)

	case path == "/healthz":
		return jsonResponse(http.StatusOK, map[string]string{"status": "ok"})
	}
	return jsonResponse(http.StatusNotFound, errorResponse{Error: string(usecase.ErrorNotFound), Reason: "unknown_route"})
}

func (h *Handler) postMessage(ctx context.Context, req events.APIGatewayProxyRequest, corrID string) events.APIGatewayProxyResponse {
	var in messageRequest
	if err := decodeBody(req, &in, false); err != nil {
		return invalidBody(err)
	}

	out, err := h.svc.Handle(ctx, usecase.Inbound{
		ConversationID: in.ConversationID,
		UserID:         in.UserID,
		Message:        in.Message,
		Channel:        domain.Channel(strings.ToLower(strings.TrimSpace(in.Channel))),
		Language:       in.Language,
		Sequence:       in.Sequence,
	})
	if err != nil {
		return h.errorResponse(err, corrID)
	}
	return jsonResponse(http.StatusOK, messageResponse{
		ConversationID: out.ConversationID,
		Sequence:       out.Sequence,
		Reply:          out.Reply,
		Escalation:     out.Escalation,
	})
}

func (h *Handler) closeConversation(ctx context.Context, req events.APIGatewayProxyRequest, id, corrID string) events.APIGatewayProxyResponse {
	var in closeRequest
	if err := decodeBody(req, &in, true); err != nil {
		return invalidBody(err)
	}
	reason, err := domain.ParseCloseReason(in.Reason)
	if err != nil {
		return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "unknown_close_reason"})
	}

	conv, err := h.svc.Close(ctx, id, reason)
	if err != nil {
		return h.errorResponse(err, corrID)
	}
	return jsonResponse(http.StatusOK, closeResponse{
		ConversationID: conv.ID,
		State:          string(conv.State),
		CloseReason:    string(conv.CloseReason),
	})
}

func (h *Handler) errorResponse(err error, corrID string) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		h.log.Error("unexpected error", "correlation_id", corrID, "error", err)
		return jsonResponse(http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)})
	}
	status := ucErr.HTTPStatus()
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "correlation_id", corrID, "code", ucErr.Code, "reason", ucErr.Reason, "error", ucErr.Err)
	} else {
		h.log.Warn("request rejected", "correlation_id", corrID, "code", ucErr.Code, "reason", ucErr.Reason)
	}
	return jsonResponse(status, errorResponse{Error: string(ucErr.Code), Reason: ucErr.Reason})
}

// decodeBody is strict: unknown fields and trailing data are rejected.
func decodeBody(req events.APIGatewayProxyRequest, out any, allowEmpty bool) error {
	body := req.Body
	if req.IsBase64Encoded {
		raw, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return fmt.Errorf("decode base64 body: %w", err)
		}
		body = string(raw)
	}
	if len(body) > maxBodyBytes {
		return errors.New("body too large")
	}
	if strings.TrimSpace(body) == "" {
		if allowEmpty {
			return nil
		}
		return errors.New("empty body")
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func invalidBody(err error) events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "invalid_body: " + err.Error()})
}

func methodNotAllowed() events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: string(usecase.ErrorInvalidInput), Reason: "method_not_allowed"})
}

func jsonResponse(status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusInternalServerError,
			Body:       `{"error":"INTERNAL"}`,
		}
	}
	return events.APIGatewayProxyResponse{StatusCode: status, Body: string(body)}
}

func headerValue(headers map[string]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ServeHTTP adapts the same routes for the long-running HTTP mode.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, `{"error":"INVALID_INPUT"}`, http.StatusBadRequest)
		return
	}
	headers := make(map[string]string, len(r.Header))
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}

	resp, _ := h.Handle(r.Context(), events.APIGatewayProxyRequest{
		HTTPMethod: r.Method,
		Path:       r.URL.Path,
		Headers:    headers,
		Body:       string(bytes.TrimSpace(body)),
	})
	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}
