package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"conversation-engine/internal/domain"
)

const maxAdvanceAttempts = 3

type SetReadyInput struct {
	UserID string
	ChatID string
	Ready  bool
}

type SetReadyOutput struct {
	State         domain.ReadyState
	QuestionIndex int
	// Advanced is true only for the caller whose write moved the
	// conversation to the next question.
	Advanced bool
}

// Readiness gates question advancement on both participants being ready.
type Readiness struct {
	sessions SessionStore
	convs    ConversationStore
	queue    QueueStore
	notifier *Notifier
	log      *slog.Logger
}

func NewReadiness(sessions SessionStore, convs ConversationStore, queue QueueStore, n *Notifier, logger *slog.Logger) (*Readiness, error) {
	if sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if convs == nil {
		return nil, errors.New("usecase: conversation store must not be nil")
	}
	if queue == nil {
		return nil, errors.New("usecase: queue store must not be nil")
	}
	if n == nil {
		return nil, errors.New("usecase: notifier must not be nil")
	}
	return &Readiness{sessions: sessions, convs: convs, queue: queue, notifier: n, log: loggerOrDefault(logger)}, nil
}

// SetReady records the caller's flag. When both participants are ready the
// question index of both sessions and the conversation moves forward by
// exactly one, whichever caller gets there first.
func (r *Readiness) SetReady(ctx context.Context, in SetReadyInput) (SetReadyOutput, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return SetReadyOutput{}, newError(ErrorValidation, "missing_user_id", nil)
	}
	chatID := strings.TrimSpace(in.ChatID)
	if chatID == "" && in.Ready {
		self, err := r.sessions.GetSession(ctx, userID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return SetReadyOutput{}, newError(ErrorNotFound, "session_not_found", err)
			}
			return SetReadyOutput{}, storeError("session_read_error", err)
		}
		if !self.Paired() {
			return SetReadyOutput{}, newError(ErrorValidation, "not_paired", nil)
		}
		chatID = self.ChatID
	}

	self, err := r.sessions.SetReady(ctx, userID, chatID, in.Ready)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			return SetReadyOutput{}, newError(ErrorNotFound, "session_not_found", err)
		case errors.Is(err, domain.ErrConditionFailed):
			return SetReadyOutput{}, newError(ErrorConflict, "chat_mismatch", err)
		default:
			return SetReadyOutput{}, storeError("session_write_error", err)
		}
	}

	if !in.Ready {
		// Not ready also means not waiting for a new partner.
		if err := r.queue.DeleteQueueEntry(ctx, userID); err != nil {
			r.log.Warn("leave queue on unready", "err", err, "user_id", userID)
		}
		return SetReadyOutput{State: domain.ReadyStateNotReady, QuestionIndex: self.QuestionIndex}, nil
	}
	return r.tryAdvance(ctx, self), nil
}

// tryAdvance never fails: the caller's own flag is already durable.
func (r *Readiness) tryAdvance(ctx context.Context, self domain.UserSession) SetReadyOutput {
	log := r.log.With("user_id", self.UserID, "chat_id", self.ChatID)
	waiting := func(s domain.UserSession) SetReadyOutput {
		return SetReadyOutput{State: s.ReadyState(), QuestionIndex: s.QuestionIndex}
	}

	conv, err := r.convs.GetConversation(ctx, self.ChatID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			inconsistency(log, "session points at missing conversation")
		} else {
			log.Warn("read conversation", "err", err)
		}
		return waiting(self)
	}
	if conv.State() == domain.ConversationEnded {
		inconsistency(log, "ready in ended conversation")
		return waiting(self)
	}
	partnerID, ok := conv.Partner(self.UserID)
	if !ok {
		inconsistency(log, "session points at foreign conversation")
		return waiting(self)
	}

	for attempt := 1; ; attempt++ {
		partner, err := r.sessions.GetSession(ctx, partnerID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				inconsistency(log, "partner session missing", "partner_id", partnerID)
			} else {
				log.Warn("read partner session", "err", err)
			}
			return waiting(self)
		}
		if partner.ChatID != self.ChatID {
			inconsistency(log, "partner not in conversation", "partner_id", partnerID, "partner_chat_id", partner.ChatID)
			return waiting(self)
		}
		if !partner.Ready {
			return waiting(self)
		}
		if partner.QuestionIndex != self.QuestionIndex {
			inconsistency(log, "question index mismatch", "question_index", self.QuestionIndex, "partner_question_index", partner.QuestionIndex)
			return waiting(self)
		}

		expected := self.QuestionIndex
		err = r.sessions.AdvanceQuestion(ctx, self.ChatID, [2]string{self.UserID, partnerID}, expected, now())
		switch {
		case err == nil:
			next := expected + 1
			log.Info("question advanced", "question_index", next)
			for _, s := range []domain.UserSession{self, partner} {
				r.notifier.Deliver(ctx, s, domain.AdvanceQuestion(self.ChatID, next, now()))
			}
			return SetReadyOutput{State: domain.ReadyStateAdvancing, QuestionIndex: next, Advanced: true}
		case errors.Is(err, domain.ErrConditionFailed):
			// Usually the partner advanced first.
			cur, gerr := r.sessions.GetSession(ctx, self.UserID)
			if gerr != nil {
				log.Warn("reread session", "err", gerr)
				return waiting(self)
			}
			return waiting(cur)
		case errors.Is(err, domain.ErrThrottled) && attempt < maxAdvanceAttempts:
			log.Debug("advance contended", "attempt", attempt, "err", err)
			cur, gerr := r.sessions.GetSession(ctx, self.UserID)
			if gerr != nil {
				log.Warn("reread session", "err", gerr)
				return waiting(self)
			}
			if !cur.Ready || cur.ChatID != self.ChatID {
				return waiting(cur)
			}
			self = cur
		default:
			log.Warn("advance question", "err", err, "attempt", attempt)
			return waiting(self)
		}
	}
}
