package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"conversation-engine/internal/domain"
)

const (
	defaultMaxMessageLength = 2000
	defaultHistoryLimit     = 50
	defaultHistoryMaxLimit  = 100
)

type SendInput struct {
	SenderID     string
	ConnectionID string
	ChatID       string
	MessageID    string
	Content      string
	SentAt       string
}

type SendOutput struct {
	Message   domain.Message
	Delivered bool
	Duplicate bool
}

type HistoryInput struct {
	UserID string
	ChatID string
	Limit  int
	Cursor string
}

type RelayOptions struct {
	MaxMessageLength int
	HistoryLimit     int
	HistoryMaxLimit  int
}

// Relay stores messages durably and pushes them to the partner when
// connected. Undelivered messages are replayed on reconnect.
type Relay struct {
	sessions  SessionStore
	convs     ConversationStore
	messages  MessageStore
	notifier  *Notifier
	maxLength int
	histLimit int
	histMax   int
	log       *slog.Logger
}

func NewRelay(sessions SessionStore, convs ConversationStore, messages MessageStore, n *Notifier, opts RelayOptions, logger *slog.Logger) (*Relay, error) {
	if sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if convs == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if messages == nil {
		return nil, errors.New("usecase: message store must not be nil")
	}
	if n == nil {
		return nil, errors.New("usecase: notifier must not be nil")
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = defaultMaxMessageLength
	}
	if opts.HistoryMaxLimit <= 0 {
		opts.HistoryMaxLimit = defaultHistoryMaxLimit
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.HistoryLimit > opts.HistoryMaxLimit {
		opts.HistoryLimit = opts.HistoryMaxLimit
	}
	return &Relay{
		sessions:  sessions,
		convs:     convs,
		messages:  messages,
		notifier:  n,
		maxLength: opts.MaxMessageLength,
		histLimit: opts.HistoryLimit,
		histMax:   opts.HistoryMaxLimit,
		log:       loggerOrDefault(logger),
	}, nil
}

// Send persists the message before any push. Resending a message id that
// was already stored succeeds without a second push.
func (r *Relay) Send(ctx context.Context, in SendInput) (SendOutput, error) {
	msg, err := r.validate(in)
	if err != nil {
		return SendOutput{}, err
	}

	sender, err := r.sessions.GetSession(ctx, msg.SenderID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return SendOutput{}, newError(ErrorNotFound, "session_not_found", err)
		}
		return SendOutput{}, storeError("session_read_error", err)
	}
	if sender.ConnectionHandle != strings.TrimSpace(in.ConnectionID) {
		return SendOutput{}, newError(ErrorAuthentication, "connection_mismatch", nil)
	}

	conv, err := r.convs.GetConversation(ctx, msg.ChatID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return SendOutput{}, newError(ErrorNotFound, "conversation_not_found", err)
		}
		return SendOutput{}, storeError("conversation_read_error", err)
	}
	recipientID, ok := conv.Partner(msg.SenderID)
	if !ok {
		return SendOutput{}, newError(ErrorValidation, "not_participant", nil)
	}
	if conv.State() == domain.ConversationEnded {
		return SendOutput{}, newError(ErrorConflict, "conversation_ended", nil)
	}

	err = r.messages.SaveMessage(ctx, msg, now())
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrDuplicate):
		r.log.Info("duplicate message", "chat_id", msg.ChatID, "message_id", msg.MessageID, "user_id", msg.SenderID)
		return SendOutput{Message: msg, Duplicate: true}, nil
	case errors.Is(err, domain.ErrConditionFailed):
		return SendOutput{}, newError(ErrorConflict, "conversation_ended", err)
	default:
		return SendOutput{}, storeError("message_write_error", err)
	}

	out := SendOutput{Message: msg}
	recipient, err := r.sessions.GetSession(ctx, recipientID)
	if err != nil {
		inconsistency(r.log, "recipient session unreadable", "err", err, "user_id", recipientID, "chat_id", msg.ChatID)
		return out, nil
	}
	if recipient.ChatID != msg.ChatID {
		return out, nil
	}
	if status := r.notifier.Deliver(ctx, recipient, domain.NewMessage(msg, now())); status != DeliveryDelivered {
		return out, nil
	}
	if err := r.messages.MarkDelivered(ctx, msg.ChatID, msg.MessageID, msg.SentAt); err != nil {
		r.log.Warn("mark delivered", "err", err, "chat_id", msg.ChatID, "message_id", msg.MessageID)
	}
	out.Delivered = true
	out.Message.Delivered = true
	return out, nil
}

func (r *Relay) validate(in SendInput) (domain.Message, error) {
	msg := domain.Message{
		ChatID:    strings.TrimSpace(in.ChatID),
		MessageID: strings.TrimSpace(in.MessageID),
		SenderID:  strings.TrimSpace(in.SenderID),
		Content:   in.Content,
	}
	switch {
	case msg.SenderID == "":
		return msg, newError(ErrorValidation, "missing_user_id", nil)
	case !required(in.ConnectionID):
		return msg, newError(ErrorAuthentication, "missing_connection_id", nil)
	case msg.ChatID == "":
		return msg, newError(ErrorValidation, "missing_chat_id", nil)
	case msg.MessageID == "":
		return msg, newError(ErrorValidation, "missing_message_id", nil)
	case strings.TrimSpace(msg.Content) == "":
		return msg, newError(ErrorValidation, "empty_content", nil)
	case utf8.RuneCountInString(msg.Content) > r.maxLength:
		return msg, newError(ErrorValidation, "content_too_long", nil)
	case !required(in.SentAt):
		return msg, newError(ErrorValidation, "missing_sent_at", nil)
	}
	sentAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(in.SentAt))
	if err != nil {
		return msg, newError(ErrorValidation, "invalid_sent_at", err)
	}
	msg.SentAt = sentAt.UTC()
	return msg, nil
}

// History pages through the conversation oldest first. Messages addressed
// to the caller are marked delivered once returned.
func (r *Relay) History(ctx context.Context, in HistoryInput) (domain.MessagePage, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return domain.MessagePage{}, newError(ErrorValidation, "missing_user_id", nil)
	}
	chatID := strings.TrimSpace(in.ChatID)
	if chatID == "" {
		return domain.MessagePage{}, newError(ErrorValidation, "missing_chat_id", nil)
	}
	limit := in.Limit
	switch {
	case limit < 0:
		return domain.MessagePage{}, newError(ErrorValidation, "invalid_limit", nil)
	case limit == 0:
		limit = r.histLimit
	case limit > r.histMax:
		limit = r.histMax
	}

	conv, err := r.convs.GetConversation(ctx, chatID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.MessagePage{}, newError(ErrorNotFound, "conversation_not_found", err)
		}
		return domain.MessagePage{}, storeError("conversation_read_error", err)
	}
	if !conv.HasParticipant(userID) {
		return domain.MessagePage{}, newError(ErrorValidation, "not_participant", nil)
	}

	page, err := r.messages.ListMessages(ctx, chatID, limit, strings.TrimSpace(in.Cursor))
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCursor) {
			return domain.MessagePage{}, newError(ErrorValidation, "invalid_cursor", err)
		}
		return domain.MessagePage{}, storeError("message_read_error", err)
	}
	for i, m := range page.Messages {
		if m.Delivered || m.SenderID == userID {
			continue
		}
		if err := r.messages.MarkDelivered(ctx, m.ChatID, m.MessageID, m.SentAt); err != nil {
			r.log.Warn("mark delivered", "err", err, "chat_id", m.ChatID, "message_id", m.MessageID)
			continue
		}
		page.Messages[i].Delivered = true
	}
	return page, nil
}
