package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"conversation-engine/internal/domain"
)

const defaultPushTimeout = 3 * time.Second

// DeliveryStatus is the outcome of a best-effort push. It is logged, never
// returned to the caller as a failure.
type DeliveryStatus string

const (
	DeliveryDelivered    DeliveryStatus = "delivered"
	DeliveryNoConnection DeliveryStatus = "no_connection"
	DeliveryGone         DeliveryStatus = "gone"
	DeliveryFailed       DeliveryStatus = "failed"
)

// Pusher delivers a payload to one live connection.
type Pusher interface {
	Push(ctx context.Context, connectionID string, payload []byte) error
}

type goneReporter interface {
	Gone() bool
}

type connectionCleaner interface {
	ClearConnection(ctx context.Context, userID, handle string, at time.Time) error
	DeleteConnection(ctx context.Context, handle, userID string) error
}

// Notifier pushes notifications and clears handles the push channel reports
// as gone.
type Notifier struct {
	push     Pusher
	sessions connectionCleaner
	timeout  time.Duration
	log      *slog.Logger
}

func NewNotifier(p Pusher, sessions connectionCleaner, timeout time.Duration, logger *slog.Logger) (*Notifier, error) {
	if p == nil {
		return nil, errors.New("usecase: pusher must not be nil")
	}
	if sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if timeout <= 0 {
		timeout = defaultPushTimeout
	}
	return &Notifier{push: p, sessions: sessions, timeout: timeout, log: loggerOrDefault(logger)}, nil
}

// Deliver pushes note to the session's live connection. A gone handle is
// removed from the registry.
func (n *Notifier) Deliver(ctx context.Context, to domain.UserSession, note domain.Notification) DeliveryStatus {
	return n.send(ctx, to, note, true)
}

// attempt pushes without registry cleanup, for a handle registered by the
// current invocation that the channel may not accept yet.
func (n *Notifier) attempt(ctx context.Context, to domain.UserSession, note domain.Notification) DeliveryStatus {
	return n.send(ctx, to, note, false)
}

func (n *Notifier) send(ctx context.Context, to domain.UserSession, note domain.Notification, cleanup bool) DeliveryStatus {
	if !to.Online() {
		return DeliveryNoConnection
	}
	payload, err := json.Marshal(note)
	if err != nil {
		n.log.Error("encode notification", "err", err, "type", note.Type)
		return DeliveryFailed
	}

	pushCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	err = n.push.Push(pushCtx, to.ConnectionHandle, payload)
	if err == nil {
		return DeliveryDelivered
	}

	var gone goneReporter
	if errors.As(err, &gone) && gone.Gone() {
		n.log.Info("push target gone", "user_id", to.UserID, "connection_id", to.ConnectionHandle, "type", note.Type)
		if cleanup {
			n.forget(ctx, to)
		}
		return DeliveryGone
	}
	n.log.Warn("push failed", "err", err, "user_id", to.UserID, "connection_id", to.ConnectionHandle, "type", note.Type)
	return DeliveryFailed
}

func (n *Notifier) forget(ctx context.Context, to domain.UserSession) {
	err := n.sessions.ClearConnection(ctx, to.UserID, to.ConnectionHandle, now())
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrConditionFailed):
		n.log.Debug("stale handle already replaced", "user_id", to.UserID, "connection_id", to.ConnectionHandle)
	case errors.Is(err, domain.ErrNotFound):
		inconsistency(n.log, "session missing for gone handle", "user_id", to.UserID)
	default:
		n.log.Warn("clear gone handle", "err", err, "user_id", to.UserID)
	}
	if err := n.sessions.DeleteConnection(ctx, to.ConnectionHandle, to.UserID); err != nil && !errors.Is(err, domain.ErrConditionFailed) {
		n.log.Warn("delete gone handle mapping", "err", err, "connection_id", to.ConnectionHandle)
	}
}
