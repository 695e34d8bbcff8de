package domain

import "time"

// Presence is a participant's advisory availability as shown to their partner.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
	PresenceAway    Presence = "away"
)

// Valid reports whether p is one of the accepted presence values.
func (p Presence) Valid() bool {
	switch p {
	case PresenceOnline, PresenceOffline, PresenceAway:
		return true
	}
	return false
}

// ReadyState is one participant's position in the readiness gate.
type ReadyState string

const (
	ReadyStateNotReady  ReadyState = "NOT_READY"
	ReadyStateReady     ReadyState = "READY"
	ReadyStateAdvancing ReadyState = "ADVANCING"
)

// Identity is the verified caller identity returned by the identity provider.
type Identity struct {
	UserID string
	Email  string
}

// UserSession is the per-identity session record. It is created on first
// connect and never deleted. ConnectedAt belongs to the connect that set
// ConnectionHandle; LastSeen moves with any activity.
type UserSession struct {
	UserID           string
	Email            string
	ConnectionHandle string
	ChatID           string
	Ready            bool
	QuestionIndex    int
	Presence         Presence
	LastSeen         time.Time
	ConnectedAt      time.Time
	CreatedAt        time.Time
}

// Online reports whether the session has a live push target.
func (s UserSession) Online() bool {
	return s.ConnectionHandle != ""
}

// Paired reports whether the session currently belongs to a conversation.
func (s UserSession) Paired() bool {
	return s.ChatID != ""
}

// ReadyState derives the gate position. A ready flag outside a conversation
// carries no meaning and reads as not ready.
func (s UserSession) ReadyState() ReadyState {
	if s.Ready && s.Paired() {
		return ReadyStateReady
	}
	return ReadyStateNotReady
}
