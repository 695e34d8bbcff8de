package domain

import "time"

type QueueStatus string

const QueueWaiting QueueStatus = "waiting"

// QueueEntry is a user waiting to be paired. A user appears at most once.
type QueueEntry struct {
	UserID    string
	Status    QueueStatus
	JoinedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry should be ignored at now. Entries
// without an expiry never expire.
func (e QueueEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}
