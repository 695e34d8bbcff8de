package usecase

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"conversation-engine/internal/domain"
)

// SessionStore holds user sessions and the connection-handle index.
type SessionStore interface {
	GetSession(ctx context.Context, userID string) (domain.UserSession, error)
	RegisterConnection(ctx context.Context, id domain.Identity, handle string, at time.Time) (domain.UserSession, bool, error)
	ClearConnection(ctx context.Context, userID, handle string, at time.Time) error
	PutConnection(ctx context.Context, handle, userID string, at time.Time) error
	GetConnectionOwner(ctx context.Context, handle string) (string, error)
	DeleteConnection(ctx context.Context, handle, userID string) error
	SetReady(ctx context.Context, userID, chatID string, ready bool) (domain.UserSession, error)
	UpdatePresence(ctx context.Context, userID string, p domain.Presence, at time.Time) error
	ClearChat(ctx context.Context, userID, chatID string) error
	AdvanceQuestion(ctx context.Context, chatID string, participants [2]string, expected int, at time.Time) error
}

type QueueStore interface {
	PutQueueEntry(ctx context.Context, e domain.QueueEntry) error
	ListQueueEntries(ctx context.Context) ([]domain.QueueEntry, error)
	DeleteQueueEntry(ctx context.Context, userID string) error
}

type ConversationStore interface {
	CreateConversation(ctx context.Context, conv domain.Conversation, claimQueue bool) error
	GetConversation(ctx context.Context, chatID string) (domain.Conversation, error)
	EndConversation(ctx context.Context, chatID, endedBy, reason string, at time.Time) (domain.Conversation, error)
}

type MessageStore interface {
	SaveMessage(ctx context.Context, msg domain.Message, at time.Time) error
	MarkDelivered(ctx context.Context, chatID, messageID string, sentAt time.Time) error
	ListMessages(ctx context.Context, chatID string, limit int, cursor string) (domain.MessagePage, error)
	ListUndelivered(ctx context.Context, chatID, recipientID string) ([]domain.Message, error)
}

// IdentityVerifier turns an opaque token into a verified identity.
type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (domain.Identity, error)
}

var now = func() time.Time {
	return time.Now().UTC()
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// inconsistency logs a record that should exist or agree but does not.
func inconsistency(log *slog.Logger, msg string, args ...any) {
	log.Warn(msg, append([]any{"event", "data_inconsistency"}, args...)...)
}

func required(values ...string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return false
		}
	}
	return true
}
