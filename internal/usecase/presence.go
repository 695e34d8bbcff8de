package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"conversation-engine/internal/domain"
)

type PresenceInput struct {
	UserID string
	ChatID string
	Status domain.Presence
}

// PresenceService records advisory presence and forwards it to the partner.
type PresenceService struct {
	sessions SessionStore
	convs    ConversationStore
	notifier *Notifier
	log      *slog.Logger
}

func NewPresenceService(sessions SessionStore, convs ConversationStore, n *Notifier, logger *slog.Logger) (*PresenceService, error) {
	if sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if convs == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if n == nil {
		return nil, errors.New("usecase: notifier must not be nil")
	}
	return &PresenceService{sessions: sessions, convs: convs, notifier: n, log: loggerOrDefault(logger)}, nil
}

// Update stores the caller's status and pushes it to the partner. An empty
// ChatID means the caller's current conversation. Delivery is best effort
// and never fails the call.
func (p *PresenceService) Update(ctx context.Context, in PresenceInput) (DeliveryStatus, error) {
	userID := strings.TrimSpace(in.UserID)
	chatID := strings.TrimSpace(in.ChatID)
	switch {
	case userID == "":
		return "", newError(ErrorValidation, "missing_user_id", nil)
	case !in.Status.Valid():
		return "", newError(ErrorValidation, "invalid_status", nil)
	}
	if chatID == "" {
		self, err := p.sessions.GetSession(ctx, userID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return "", newError(ErrorNotFound, "session_not_found", err)
			}
			return "", storeError("session_read_error", err)
		}
		if !self.Paired() {
			if err := p.sessions.UpdatePresence(ctx, userID, in.Status, now()); err != nil {
				return "", storeError("session_write_error", err)
			}
			return DeliveryNoConnection, nil
		}
		chatID = self.ChatID
	}

	conv, err := p.convs.GetConversation(ctx, chatID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", newError(ErrorNotFound, "conversation_not_found", err)
		}
		return "", storeError("conversation_read_error", err)
	}
	partnerID, ok := conv.Partner(userID)
	if !ok {
		return "", newError(ErrorValidation, "not_participant", nil)
	}

	if err := p.sessions.UpdatePresence(ctx, userID, in.Status, now()); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return "", newError(ErrorNotFound, "session_not_found", err)
		}
		return "", storeError("session_write_error", err)
	}

	partner, err := p.sessions.GetSession(ctx, partnerID)
	if err != nil {
		inconsistency(p.log, "partner session unreadable", "err", err, "user_id", partnerID, "chat_id", chatID)
		return DeliveryNoConnection, nil
	}
	if partner.ChatID != chatID {
		return DeliveryNoConnection, nil
	}
	return p.notifier.Deliver(ctx, partner, domain.PresenceUpdated(chatID, userID, in.Status, now())), nil
}
