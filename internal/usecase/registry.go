package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"conversation-engine/internal/domain"
)

type ConnectInput struct {
	Token        string
	ConnectionID string
}

type ConnectOutput struct {
	UserID string
	// ChatID is the conversation the user was in before reconnecting, if any.
	ChatID  string
	Flushed int
}

// Registry binds verified identities to live connection handles.
type Registry struct {
	verifier IdentityVerifier
	sessions SessionStore
	messages MessageStore
	notifier *Notifier
	log      *slog.Logger
}

func NewRegistry(v IdentityVerifier, sessions SessionStore, messages MessageStore, n *Notifier, logger *slog.Logger) (*Registry, error) {
	if v == nil {
		return nil, errors.New("usecase: identity verifier must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if messages == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	if n == nil {
		return nil, errors.New("usecase: notifier must not be nil")
	}
	return &Registry{verifier: v, sessions: sessions, messages: messages, notifier: n, log: loggerOrDefault(logger)}, nil
}

// Connect verifies the token and records handle as the user's live
// connection. Nothing is written when verification fails.
func (r *Registry) Connect(ctx context.Context, in ConnectInput) (ConnectOutput, error) {
	handle := strings.TrimSpace(in.ConnectionID)
	if handle == "" {
		return ConnectOutput{}, newError(ErrorValidation, "missing_connection_id", nil)
	}
	token := strings.TrimSpace(in.Token)
	if token == "" {
		return ConnectOutput{}, newError(ErrorAuthentication, "missing_token", nil)
	}
	id, err := r.verifier.Verify(ctx, token)
	if err != nil {
		return ConnectOutput{}, newError(ErrorAuthentication, "invalid_token", err)
	}

	at := now()
	if err := r.sessions.PutConnection(ctx, handle, id.UserID, at); err != nil {
		return ConnectOutput{}, storeError("connection_write_error", err)
	}
	prior, existed, err := r.sessions.RegisterConnection(ctx, id, handle, at)
	if err != nil {
		r.dropMapping(ctx, handle, id.UserID)
		if errors.Is(err, domain.ErrConditionFailed) {
			return ConnectOutput{}, newError(ErrorConflict, "stale_connect", err)
		}
		return ConnectOutput{}, storeError("session_write_error", err)
	}
	if existed && prior.ConnectionHandle != "" && prior.ConnectionHandle != handle {
		r.dropMapping(ctx, prior.ConnectionHandle, id.UserID)
	}

	out := ConnectOutput{UserID: id.UserID, ChatID: prior.ChatID}
	if prior.ChatID != "" {
		self := prior
		self.UserID = id.UserID
		self.ConnectionHandle = handle
		self.Presence = domain.PresenceOnline
		out.Flushed = r.flush(ctx, self, r.notifier.attempt)
	}
	r.log.Info("connected", "user_id", id.UserID, "connection_id", handle, "chat_id", prior.ChatID, "flushed", out.Flushed)
	return out, nil
}

// Resume replays undelivered messages to the caller's open connection.
func (r *Registry) Resume(ctx context.Context, userID string) (int, error) {
	if !required(userID) {
		return 0, newError(ErrorValidation, "missing_user_id", nil)
	}
	self, err := r.sessions.GetSession(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return 0, newError(ErrorNotFound, "session_not_found", err)
		}
		return 0, storeError("session_read_error", err)
	}
	if !self.Paired() {
		return 0, nil
	}
	return r.flush(ctx, self, r.notifier.Deliver), nil
}

// flush pushes the queued backlog in order and stops at the first push
// that does not land.
func (r *Registry) flush(ctx context.Context, self domain.UserSession, push func(context.Context, domain.UserSession, domain.Notification) DeliveryStatus) int {
	pending, err := r.messages.ListUndelivered(ctx, self.ChatID, self.UserID)
	if err != nil {
		r.log.Warn("list undelivered", "err", err, "user_id", self.UserID, "chat_id", self.ChatID)
		return 0
	}
	sent := 0
	for _, msg := range pending {
		if status := push(ctx, self, domain.NewMessage(msg, now())); status != DeliveryDelivered {
			r.log.Info("flush interrupted", "user_id", self.UserID, "chat_id", self.ChatID, "status", status, "remaining", len(pending)-sent)
			break
		}
		if err := r.messages.MarkDelivered(ctx, msg.ChatID, msg.MessageID, msg.SentAt); err != nil {
			r.log.Warn("mark delivered", "err", err, "chat_id", msg.ChatID, "message_id", msg.MessageID)
		}
		sent++
	}
	return sent
}

// Disconnect clears the handle if it is still the owner's live connection
// and returns the owning user. Unknown handles are ignored, and a handle
// already replaced by a newer connect returns no user so the live session
// is left alone.
func (r *Registry) Disconnect(ctx context.Context, connectionID string) (string, error) {
	handle := strings.TrimSpace(connectionID)
	if handle == "" {
		return "", newError(ErrorValidation, "missing_connection_id", nil)
	}
	userID, err := r.sessions.GetConnectionOwner(ctx, handle)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			r.log.Info("disconnect for unknown connection", "connection_id", handle)
			return "", nil
		}
		return "", storeError("connection_read_error", err)
	}

	err = r.sessions.ClearConnection(ctx, userID, handle, now())
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrConditionFailed):
		r.log.Info("disconnect of superseded connection", "user_id", userID, "connection_id", handle)
		r.dropMapping(ctx, handle, userID)
		return "", nil
	case errors.Is(err, domain.ErrNotFound):
		inconsistency(r.log, "session missing on disconnect", "user_id", userID, "connection_id", handle)
	default:
		return userID, storeError("session_write_error", err)
	}
	r.dropMapping(ctx, handle, userID)
	return userID, nil
}

// ResolveConnection returns the user that owns handle.
func (r *Registry) ResolveConnection(ctx context.Context, connectionID string) (string, error) {
	handle := strings.TrimSpace(connectionID)
	if handle == "" {
		return "", newError(ErrorAuthentication, "missing_connection_id", nil)
	}
	userID, err := r.sessions.GetConnectionOwner(ctx, handle)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", newError(ErrorAuthentication, "unknown_connection", err)
		}
		return "", storeError("connection_read_error", err)
	}
	return userID, nil
}

func (r *Registry) dropMapping(ctx context.Context, handle, userID string) {
	if err := r.sessions.DeleteConnection(ctx, handle, userID); err != nil && !errors.Is(err, domain.ErrConditionFailed) {
		r.log.Warn("delete connection mapping", "err", err, "connection_id", handle)
	}
}
