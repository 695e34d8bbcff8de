package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"conversation-engine/internal/domain"
)

const defaultEndReason = "user_ended"

type EndInput struct {
	UserID string
	ChatID string
	Reason string
}

type EndOutput struct {
	Conversation domain.Conversation
	AlreadyEnded bool
}

// Conversations creates, reads and ends paired conversations.
type Conversations struct {
	sessions SessionStore
	convs    ConversationStore
	notifier *Notifier
	log      *slog.Logger
}

func NewConversations(sessions SessionStore, convs ConversationStore, n *Notifier, logger *slog.Logger) (*Conversations, error) {
	if sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if convs == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if n == nil {
		return nil, errors.New("usecase: notifier must not be nil")
	}
	return &Conversations{sessions: sessions, convs: convs, notifier: n, log: loggerOrDefault(logger)}, nil
}

// Create starts a conversation between two unpaired users.
func (c *Conversations) Create(ctx context.Context, a, b string) (domain.Conversation, error) {
	return c.create(ctx, a, b, false)
}

// Pair starts a conversation and removes both users from the waiting queue
// in the same write. Either user being taken yields a conflict.
func (c *Conversations) Pair(ctx context.Context, a, b string) (domain.Conversation, error) {
	return c.create(ctx, a, b, true)
}

func (c *Conversations) create(ctx context.Context, a, b string, claimQueue bool) (domain.Conversation, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return domain.Conversation{}, newError(ErrorValidation, "missing_participant", nil)
	}
	if a == b {
		return domain.Conversation{}, newError(ErrorValidation, "self_pairing", nil)
	}

	conv := domain.NewConversation(a, b, now())
	if err := c.convs.CreateConversation(ctx, conv, claimQueue); err != nil {
		if errors.Is(err, domain.ErrConditionFailed) {
			return domain.Conversation{}, newError(ErrorConflict, "pairing_conflict", err)
		}
		return domain.Conversation{}, storeError("conversation_write_error", err)
	}
	c.log.Info("conversation started", "chat_id", conv.ChatID, "participant_a", conv.ParticipantA, "participant_b", conv.ParticipantB)

	for _, userID := range []string{conv.ParticipantA, conv.ParticipantB} {
		s, err := c.sessions.GetSession(ctx, userID)
		if err != nil {
			c.log.Warn("read participant session", "err", err, "user_id", userID, "chat_id", conv.ChatID)
			continue
		}
		c.notifier.Deliver(ctx, s, domain.ConversationStarted(conv.ChatID, now()))
	}
	return conv, nil
}

func (c *Conversations) Get(ctx context.Context, chatID string) (domain.Conversation, error) {
	if !required(chatID) {
		return domain.Conversation{}, newError(ErrorValidation, "missing_chat_id", nil)
	}
	conv, err := c.convs.GetConversation(ctx, chatID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Conversation{}, newError(ErrorNotFound, "conversation_not_found", err)
		}
		return domain.Conversation{}, storeError("conversation_read_error", err)
	}
	return conv, nil
}

// End marks the conversation ended, releases both participants and tells
// the partner. Ending an ended conversation only repeats the release, so a
// retry after a failed release frees both sessions.
func (c *Conversations) End(ctx context.Context, in EndInput) (EndOutput, error) {
	if !required(in.UserID) {
		return EndOutput{}, newError(ErrorValidation, "missing_user_id", nil)
	}
	conv, err := c.Get(ctx, in.ChatID)
	if err != nil {
		return EndOutput{}, err
	}
	partnerID, ok := conv.Partner(in.UserID)
	if !ok {
		return EndOutput{}, newError(ErrorValidation, "not_participant", nil)
	}
	if conv.State() == domain.ConversationEnded {
		return c.endedAlready(ctx, conv)
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		reason = defaultEndReason
	}

	// The partner's handle must be read before participant state is cleared.
	partner, perr := c.sessions.GetSession(ctx, partnerID)
	if perr != nil {
		c.log.Warn("read partner session", "err", perr, "user_id", partnerID, "chat_id", conv.ChatID)
	}

	ended, err := c.convs.EndConversation(ctx, conv.ChatID, in.UserID, reason, now())
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrConditionFailed):
			// Lost a race with the partner ending it.
			latest, gerr := c.Get(ctx, conv.ChatID)
			if gerr != nil {
				return EndOutput{}, gerr
			}
			return c.endedAlready(ctx, latest)
		case errors.Is(err, domain.ErrNotFound):
			return EndOutput{}, newError(ErrorNotFound, "conversation_not_found", err)
		default:
			return EndOutput{}, storeError("conversation_write_error", err)
		}
	}

	releaseErr := c.release(ctx, ended)

	if perr == nil {
		c.notifier.Deliver(ctx, partner, domain.ConversationEndedNotice(conv.ChatID, in.UserID, reason, now()))
	}
	c.log.Info("conversation ended", "chat_id", conv.ChatID, "user_id", in.UserID, "reason", reason)
	if releaseErr != nil {
		return EndOutput{}, storeError("session_write_error", releaseErr)
	}
	return EndOutput{Conversation: ended}, nil
}

func (c *Conversations) endedAlready(ctx context.Context, conv domain.Conversation) (EndOutput, error) {
	if err := c.release(ctx, conv); err != nil {
		return EndOutput{}, storeError("session_write_error", err)
	}
	return EndOutput{Conversation: conv, AlreadyEnded: true}, nil
}

// release detaches both participants that still point at conv. Sessions
// that moved on are left alone.
func (c *Conversations) release(ctx context.Context, conv domain.Conversation) error {
	var failed error
	for _, userID := range []string{conv.ParticipantA, conv.ParticipantB} {
		err := c.sessions.ClearChat(ctx, userID, conv.ChatID)
		switch {
		case err == nil, errors.Is(err, domain.ErrConditionFailed):
		case errors.Is(err, domain.ErrNotFound):
			inconsistency(c.log, "session missing on end", "user_id", userID, "chat_id", conv.ChatID)
		default:
			c.log.Warn("clear participant chat", "err", err, "user_id", userID, "chat_id", conv.ChatID)
			failed = errors.Join(failed, err)
		}
	}
	return failed
}
