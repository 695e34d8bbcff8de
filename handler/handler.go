package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"conversation-engine/internal/domain"
	"conversation-engine/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

const (
	routeConnect      = "$connect"
	routeDisconnect   = "$disconnect"
	routeDefault      = "$default"
	routeJoinQueue    = "joinQueue"
	routeLeaveQueue   = "leaveQueue"
	routeSetReady     = "setReady"
	routeSendMessage  = "sendMessage"
	routeEndChat      = "endConversation"
	routeFetchHistory = "fetchHistory"
	routePresence     = "updatePresence"
	routeResume       = "resume"
)

type registryService interface {
	Connect(ctx context.Context, in usecase.ConnectInput) (usecase.ConnectOutput, error)
	Disconnect(ctx context.Context, connectionID string) (string, error)
	ResolveConnection(ctx context.Context, connectionID string) (string, error)
	Resume(ctx context.Context, userID string) (int, error)
}

type matchmakingService interface {
	Join(ctx context.Context, userID string) (usecase.JoinOutput, error)
	Leave(ctx context.Context, userID string) error
}

type conversationService interface {
	End(ctx context.Context, in usecase.EndInput) (usecase.EndOutput, error)
}

type readinessService interface {
	SetReady(ctx context.Context, in usecase.SetReadyInput) (usecase.SetReadyOutput, error)
}

type relayService interface {
	Send(ctx context.Context, in usecase.SendInput) (usecase.SendOutput, error)
	History(ctx context.Context, in usecase.HistoryInput) (domain.MessagePage, error)
}

type presenceService interface {
	Update(ctx context.Context, in usecase.PresenceInput) (usecase.DeliveryStatus, error)
}

// Services groups the use cases the handler routes to.
type Services struct {
	Registry      registryService
	Matchmaking   matchmakingService
	Conversations conversationService
	Readiness     readinessService
	Relay         relayService
	Presence      presenceService
}

type Handler struct {
	svc Services
	log *slog.Logger
}

func NewHandler(svc Services, logger *slog.Logger) (*Handler, error) {
	switch {
	case svc.Registry == nil:
		return nil, errors.New("handler: registry must not be nil")
	case svc.Matchmaking == nil:
		return nil, errors.New("handler: matchmaking must not be nil")
	case svc.Conversations == nil:
		return nil, errors.New("handler: conversations must not be nil")
	case svc.Readiness == nil:
		return nil, errors.New("handler: readiness must not be nil")
	case svc.Relay == nil:
		return nil, errors.New("handler: relay must not be nil")
	case svc.Presence == nil:
		return nil, errors.New("handler: presence must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, log: logger}, nil
}

type request struct {
	Action    string `json:"action"`
	ChatID    string `json:"chatId"`
	Ready     *bool  `json:"ready"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
	SentAt    string `json:"sentAt"`
	Limit     int    `json:"limit"`
	Cursor    string `json:"cursor"`
	Reason    string `json:"reason"`
	Status    string `json:"status"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type connectResponse struct {
	UserID string `json:"userId"`
	ChatID string `json:"chatId,omitempty"`
}

type joinResponse struct {
	Status string `json:"status"`
	ChatID string `json:"chatId,omitempty"`
}

type statusResponse struct {
	Status string `json:"status"`
}

type readyResponse struct {
	State         string `json:"state"`
	QuestionIndex int    `json:"questionIndex"`
	Advanced      bool   `json:"advanced"`
}

type sendResponse struct {
	Message   domain.Message `json:"message"`
	Delivered bool           `json:"delivered"`
	Duplicate bool           `json:"duplicate"`
}

type endResponse struct {
	ChatID       string `json:"chatId"`
	EndedBy      string `json:"endedBy"`
	EndReason    string `json:"endReason"`
	AlreadyEnded bool   `json:"alreadyEnded"`
}

type historyResponse struct {
	Messages   []domain.Message `json:"messages"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type presenceResponse struct {
	Delivery string `json:"delivery"`
}

type resumeResponse struct {
	Flushed int `json:"flushed"`
}

// Handle routes one WebSocket event.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(event.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	connectionID := event.RequestContext.ConnectionID
	log := h.log.With("correlation_id", correlationID, "connection_id", connectionID)

	switch event.RequestContext.RouteKey {
	case routeConnect:
		return h.connect(ctx, log, event, correlationID), nil
	case routeDisconnect:
		return h.disconnect(ctx, log, connectionID, correlationID), nil
	}

	var req request
	if strings.TrimSpace(event.Body) != "" {
		if err := json.Unmarshal([]byte(event.Body), &req); err != nil {
			return h.fail(log, correlationID, "", &usecase.Error{Code: usecase.ErrorValidation, Reason: "invalid_json", Err: err}), nil
		}
	}
	route := event.RequestContext.RouteKey
	if route == "" || route == routeDefault {
		route = req.Action
	}
	log = log.With("route", route)

	userID, err := h.svc.Registry.ResolveConnection(ctx, connectionID)
	if err != nil {
		return h.fail(log, correlationID, route, err), nil
	}
	log = log.With("user_id", userID)

	body, err := h.dispatch(ctx, route, userID, connectionID, req)
	if err != nil {
		return h.fail(log, correlationID, route, err), nil
	}
	log.Debug("request handled")
	return jsonResponse(http.StatusOK, correlationID, body), nil
}

func (h *Handler) dispatch(ctx context.Context, route, userID, connectionID string, req request) (any, error) {
	switch route {
	case routeJoinQueue:
		out, err := h.svc.Matchmaking.Join(ctx, userID)
		if err != nil {
			return nil, err
		}
		return joinResponse{Status: string(out.Status), ChatID: out.ChatID}, nil

	case routeLeaveQueue:
		if err := h.svc.Matchmaking.Leave(ctx, userID); err != nil {
			return nil, err
		}
		return statusResponse{Status: "left"}, nil

	case routeSetReady:
		if req.Ready == nil {
			return nil, &usecase.Error{Code: usecase.ErrorValidation, Reason: "missing_ready"}
		}
		out, err := h.svc.Readiness.SetReady(ctx, usecase.SetReadyInput{UserID: userID, ChatID: req.ChatID, Ready: *req.Ready})
		if err != nil {
			return nil, err
		}
		return readyResponse{State: string(out.State), QuestionIndex: out.QuestionIndex, Advanced: out.Advanced}, nil

	case routeSendMessage:
		out, err := h.svc.Relay.Send(ctx, usecase.SendInput{
			SenderID:     userID,
			ConnectionID: connectionID,
			ChatID:       req.ChatID,
			MessageID:    req.MessageID,
			Content:      req.Content,
			SentAt:       req.SentAt,
		})
		if err != nil {
			return nil, err
		}
		return sendResponse{Message: out.Message, Delivered: out.Delivered, Duplicate: out.Duplicate}, nil

	case routeEndChat:
		out, err := h.svc.Conversations.End(ctx, usecase.EndInput{UserID: userID, ChatID: req.ChatID, Reason: req.Reason})
		if err != nil {
			return nil, err
		}
		return endResponse{
			ChatID:       out.Conversation.ChatID,
			EndedBy:      out.Conversation.EndedBy,
			EndReason:    out.Conversation.EndReason,
			AlreadyEnded: out.AlreadyEnded,
		}, nil

	case routeFetchHistory:
		page, err := h.svc.Relay.History(ctx, usecase.HistoryInput{UserID: userID, ChatID: req.ChatID, Limit: req.Limit, Cursor: req.Cursor})
		if err != nil {
			return nil, err
		}
		msgs := page.Messages
		if msgs == nil {
			msgs = []domain.Message{}
		}
		return historyResponse{Messages: msgs, NextCursor: page.NextCursor}, nil

	case routePresence:
		status, err := h.svc.Presence.Update(ctx, usecase.PresenceInput{UserID: userID, ChatID: req.ChatID, Status: domain.Presence(req.Status)})
		if err != nil {
			return nil, err
		}
		return presenceResponse{Delivery: string(status)}, nil

	case routeResume:
		n, err := h.svc.Registry.Resume(ctx, userID)
		if err != nil {
			return nil, err
		}
		return resumeResponse{Flushed: n}, nil
	}
	return nil, &usecase.Error{Code: usecase.ErrorValidation, Reason: "unknown_action"}
}

func (h *Handler) connect(ctx context.Context, log *slog.Logger, event events.APIGatewayWebsocketProxyRequest, correlationID string) events.APIGatewayProxyResponse {
	log = log.With("route", routeConnect)
	out, err := h.svc.Registry.Connect(ctx, usecase.ConnectInput{
		Token:        connectToken(event),
		ConnectionID: event.RequestContext.ConnectionID,
	})
	if err != nil {
		return h.fail(log, correlationID, routeConnect, err)
	}
	return jsonResponse(http.StatusOK, correlationID, connectResponse{UserID: out.UserID, ChatID: out.ChatID})
}

// disconnect always succeeds: the connection is already closed.
func (h *Handler) disconnect(ctx context.Context, log *slog.Logger, connectionID, correlationID string) events.APIGatewayProxyResponse {
	log = log.With("route", routeDisconnect)
	userID, err := h.svc.Registry.Disconnect(ctx, connectionID)
	if err != nil {
		log.Warn("disconnect", "err", err)
	}
	if userID != "" {
		if err := h.svc.Matchmaking.Leave(ctx, userID); err != nil {
			log.Warn("leave queue on disconnect", "err", err, "user_id", userID)
		}
		if _, err := h.svc.Presence.Update(ctx, usecase.PresenceInput{UserID: userID, Status: domain.PresenceOffline}); err != nil {
			log.Warn("announce offline", "err", err, "user_id", userID)
		}
	}
	return jsonResponse(http.StatusOK, correlationID, statusResponse{Status: "disconnected"})
}

func (h *Handler) fail(log *slog.Logger, correlationID, route string, err error) events.APIGatewayProxyResponse {
	status, body := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "err", err, "route", route, "status", status)
	} else {
		log.Info("request rejected", "err", err, "route", route, "status", status)
	}
	return jsonResponse(status, correlationID, body)
}

func mapError(err error) (int, errorResponse) {
	var ue *usecase.Error
	if !errors.As(err, &ue) {
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal)}
	}
	body := errorResponse{Error: string(ue.Code), Reason: ue.Reason}
	switch ue.Code {
	case usecase.ErrorAuthentication:
		return http.StatusUnauthorized, body
	case usecase.ErrorValidation:
		return http.StatusBadRequest, body
	case usecase.ErrorNotFound:
		return http.StatusNotFound, body
	case usecase.ErrorConflict:
		return http.StatusConflict, body
	case usecase.ErrorTransientStore:
		return http.StatusServiceUnavailable, body
	default:
		return http.StatusInternalServerError, errorResponse{Error: string(usecase.ErrorInternal), Reason: ue.Reason}
	}
}

func jsonResponse(status int, correlationID string, v any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(b),
	}
}

// connectToken reads the identity token from the query string, falling back
// to a bearer Authorization header.
func connectToken(event events.APIGatewayWebsocketProxyRequest) string {
	if t := strings.TrimSpace(event.QueryStringParameters["token"]); t != "" {
		return t
	}
	auth := headerValue(event.Headers, "Authorization")
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
