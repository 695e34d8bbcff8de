package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"conversation-engine/internal/domain"
)

const (
	defaultQueueTTL        = 10 * time.Minute
	defaultMaxPairAttempts = 3
)

type JoinStatus string

const (
	JoinWaiting JoinStatus = "waiting"
	JoinPaired  JoinStatus = "paired"
)

type JoinOutput struct {
	Status JoinStatus
	ChatID string
}

type pairer interface {
	Pair(ctx context.Context, a, b string) (domain.Conversation, error)
}

type MatchmakerOptions struct {
	EntryTTL        time.Duration
	MaxPairAttempts int
}

// Matchmaker admits users to the waiting queue and pairs them oldest first.
type Matchmaker struct {
	sessions    SessionStore
	queue       QueueStore
	pairer      pairer
	ttl         time.Duration
	maxAttempts int
	log         *slog.Logger
}

func NewMatchmaker(sessions SessionStore, queue QueueStore, p pairer, opts MatchmakerOptions, logger *slog.Logger) (*Matchmaker, error) {
	if sessions == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if queue == nil {
		return nil, errors.New("usecase: queue store must not be nil")
	}
	if p == nil {
		return nil, errors.New("usecase: pairer must not be nil")
	}
	if opts.EntryTTL <= 0 {
		opts.EntryTTL = defaultQueueTTL
	}
	if opts.MaxPairAttempts <= 0 {
		opts.MaxPairAttempts = defaultMaxPairAttempts
	}
	return &Matchmaker{
		sessions:    sessions,
		queue:       queue,
		pairer:      p,
		ttl:         opts.EntryTTL,
		maxAttempts: opts.MaxPairAttempts,
		log:         loggerOrDefault(logger),
	}, nil
}

// Join queues the user and tries to pair them with the longest waiting
// candidate. Joining twice keeps a single entry.
func (m *Matchmaker) Join(ctx context.Context, userID string) (JoinOutput, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return JoinOutput{}, newError(ErrorValidation, "missing_user_id", nil)
	}
	self, err := m.sessions.GetSession(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return JoinOutput{}, newError(ErrorNotFound, "session_not_found", err)
		}
		return JoinOutput{}, storeError("session_read_error", err)
	}
	if self.Paired() {
		return JoinOutput{}, newError(ErrorConflict, "already_paired", nil)
	}

	at := now()
	err = m.queue.PutQueueEntry(ctx, domain.QueueEntry{
		UserID:    userID,
		Status:    domain.QueueWaiting,
		JoinedAt:  at,
		ExpiresAt: at.Add(m.ttl),
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrConditionFailed):
		m.log.Debug("already queued", "user_id", userID)
	default:
		return JoinOutput{}, storeError("queue_write_error", err)
	}

	waiting := JoinOutput{Status: JoinWaiting}
	entries, err := m.queue.ListQueueEntries(ctx)
	if err != nil {
		m.log.Warn("list queue", "err", err, "user_id", userID)
		return waiting, nil
	}

	attempts := 0
	for _, e := range entries {
		if e.UserID == userID || e.Expired(at) {
			continue
		}
		if attempts == m.maxAttempts {
			break
		}
		attempts++
		conv, err := m.pairer.Pair(ctx, userID, e.UserID)
		if err == nil {
			return JoinOutput{Status: JoinPaired, ChatID: conv.ChatID}, nil
		}
		if hasCode(err, ErrorConflict) {
			m.log.Debug("candidate unavailable", "user_id", userID, "candidate", e.UserID, "err", err)
			continue
		}
		m.log.Warn("pair attempt", "err", err, "user_id", userID, "candidate", e.UserID)
		break
	}

	// A concurrent joiner may have claimed this user in the meantime.
	if cur, err := m.sessions.GetSession(ctx, userID); err == nil && cur.Paired() {
		return JoinOutput{Status: JoinPaired, ChatID: cur.ChatID}, nil
	}
	return waiting, nil
}

// Leave removes the user's waiting entry. Leaving when absent is a no-op.
func (m *Matchmaker) Leave(ctx context.Context, userID string) error {
	if !required(userID) {
		return newError(ErrorValidation, "missing_user_id", nil)
	}
	if err := m.queue.DeleteQueueEntry(ctx, userID); err != nil {
		return storeError("queue_write_error", err)
	}
	return nil
}
