package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"dm-relay/internal/domain"
	"dm-relay/internal/usecase"
)

const dmRoutePrefix = "/fetch_dm/"

// DMService is the slice of the usecase layer the handler consumes.
type DMService interface {
	ListConversations(ctx context.Context, creds domain.Credentials) ([]string, error)
	ListUsers(ctx context.Context, creds domain.Credentials) (map[string]domain.UserRecord, error)
	FetchConversation(ctx context.Context, creds domain.Credentials, conversationID string) ([]domain.Message, error)
	FetchAllConversations(ctx context.Context, creds domain.Credentials) ([]domain.Conversation, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type initialStateResponse struct {
	ConversationIDs []string `json:"conversation_ids"`
	Total           int      `json:"total"`
}

type usersResponse struct {
	Users     map[string]domain.UserRecord `json:"users"`
	UserCount int                          `json:"user_count"`
}

type conversationResponse struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []domain.Message `json:"messages"`
}

type allConversationsResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handler routes API Gateway proxy events to the DM service.
type Handler struct {
	svc DMService
}

func NewHandler(svc DMService) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: dm service must not be nil")
	}
	return &Handler{svc: svc}, nil
}

func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	started := time.Now()
	correlationID := correlationIDFrom(event.Headers)

	resp := h.route(ctx, event)
	if resp.Headers == nil {
		resp.Headers = map[string]string{}
	}
	resp.Headers["content-type"] = "application/json"
	resp.Headers["X-Correlation-Id"] = correlationID

	slog.Info("request handled",
		"method", event.HTTPMethod,
		"path", event.Path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(started).Milliseconds(),
		"correlation_id", correlationID,
	)
	return resp, nil
}

func (h *Handler) route(ctx context.Context, event events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	if event.HTTPMethod != http.MethodPost {
		return errorResult(http.StatusMethodNotAllowed, usecase.ErrorInvalidInput, "method_not_allowed")
	}

	path := event.Path
	switch {
	case path == "/fetch_initial_state":
		return h.fetchInitialState(ctx, event.Body)
	case path == "/fetch_users_metadata":
		return h.fetchUsersMetadata(ctx, event.Body)
	case path == "/fetch_all_conversations":
		return h.fetchAllConversations(ctx, event.Body)
	case strings.HasPrefix(path, dmRoutePrefix):
		conversationID := strings.TrimPrefix(path, dmRoutePrefix)
		if conversationID == "" || strings.Contains(conversationID, "/") {
			return errorResult(http.StatusBadRequest, usecase.ErrorInvalidInput, "missing_conversation_id")
		}
		return h.fetchDM(ctx, event.Body, conversationID)
	default:
		return errorResult(http.StatusNotFound, usecase.ErrorInvalidInput, "unknown_route")
	}
}

func (h *Handler) fetchInitialState(ctx context.Context, body string) events.APIGatewayProxyResponse {
	creds, resp, ok := decodeCredentials(body)
	if !ok {
		return resp
	}
	ids, err := h.svc.ListConversations(ctx, creds)
	if err != nil {
		return errorResultFor(err)
	}
	if ids == nil {
		ids = []string{}
	}
	return jsonResult(http.StatusOK, initialStateResponse{ConversationIDs: ids, Total: len(ids)})
}

func (h *Handler) fetchUsersMetadata(ctx context.Context, body string) events.APIGatewayProxyResponse {
	creds, resp, ok := decodeCredentials(body)
	if !ok {
		return resp
	}
	users, err := h.svc.ListUsers(ctx, creds)
	if err != nil {
		return errorResultFor(err)
	}
	if users == nil {
		users = map[string]domain.UserRecord{}
	}
	return jsonResult(http.StatusOK, usersResponse{Users: users, UserCount: len(users)})
}

func (h *Handler) fetchDM(ctx context.Context, body, conversationID string) events.APIGatewayProxyResponse {
	creds, resp, ok := decodeCredentials(body)
	if !ok {
		return resp
	}
	messages, err := h.svc.FetchConversation(ctx, creds, conversationID)
	if err != nil {
		return errorResultFor(err)
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return jsonResult(http.StatusOK, conversationResponse{ConversationID: conversationID, Messages: messages})
}

func (h *Handler) fetchAllConversations(ctx context.Context, body string) events.APIGatewayProxyResponse {
	creds, resp, ok := decodeCredentials(body)
	if !ok {
		return resp
	}
	conversations, err := h.svc.FetchAllConversations(ctx, creds)
	if err != nil {
		return errorResultFor(err)
	}
	if conversations == nil {
		conversations = []domain.Conversation{}
	}
	return jsonResult(http.StatusOK, allConversationsResponse{Conversations: conversations})
}

func decodeCredentials(body string) (domain.Credentials, events.APIGatewayProxyResponse, bool) {
	var creds domain.Credentials
	if err := json.Unmarshal([]byte(body), &creds); err != nil {
		return domain.Credentials{}, errorResult(http.StatusBadRequest, usecase.ErrorInvalidInput, "malformed_body"), false
	}
	// Absent or invalid credentials are not validated here; upstream
	// rejection is the only credential check.
	return creds, events.APIGatewayProxyResponse{}, true
}

func correlationIDFrom(headers map[string]string) string {
	for name, value := range headers {
		if strings.EqualFold(name, "x-correlation-id") && value != "" {
			return value
		}
	}
	return uuid.NewString()
}

// errorResultFor translates a service error into a client-facing status.
// Upstream 4xx statuses are echoed through so callers see exactly what the
// DM API said about their credentials.
func errorResultFor(err error) events.APIGatewayProxyResponse {
	var svcErr *usecase.Error
	if !errors.As(err, &svcErr) {
		return errorResult(http.StatusInternalServerError, usecase.ErrorInternal, "")
	}

	status := statusForCode(svcErr.Code)
	if upstream, ok := upstreamStatus(svcErr); ok && upstream >= 400 && upstream < 500 {
		status = upstream
	}
	return errorResult(status, svcErr.Code, svcErr.Reason)
}

func statusForCode(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorAuthentication:
		return http.StatusUnauthorized
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream, usecase.ErrorParse, usecase.ErrorPagination:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func upstreamStatus(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

func errorResult(status int, code usecase.ErrorCode, reason string) events.APIGatewayProxyResponse {
	return jsonResult(status, errorResponse{Error: string(code), Reason: reason})
}

func jsonResult(status int, payload any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(payload)
	if err != nil {
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusInternalServerError,
			Body:       `{"error":"INTERNAL_ERROR"}`,
		}
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Body:       string(body),
	}
}
