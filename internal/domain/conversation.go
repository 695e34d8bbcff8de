package domain

import "time"

const chatIDSeparator = "#"

// CanonicalChatID derives the conversation id for a pair of participants.
// The result does not depend on argument order.
func CanonicalChatID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + chatIDSeparator + b
}

// ConversationState is the lifecycle state of a conversation record.
type ConversationState string

const (
	ConversationActive ConversationState = "ACTIVE"
	ConversationEnded  ConversationState = "ENDED"
)

// LastMessage is the denormalized preview kept on the conversation record.
type LastMessage struct {
	Content  string
	SenderID string
	SentAt   time.Time
}

// Conversation is one paired session. ParticipantA always sorts before
// ParticipantB. The record is terminal once EndedBy is set.
type Conversation struct {
	ChatID        string
	ParticipantA  string
	ParticipantB  string
	QuestionIndex int
	CreatedAt     time.Time
	LastUpdated   time.Time
	LastMessage   *LastMessage
	EndedBy       string
	EndReason     string
}

// NewConversation builds an active conversation for the pair with the
// canonical id and ordered participants.
func NewConversation(userA, userB string, at time.Time) Conversation {
	if userB < userA {
		userA, userB = userB, userA
	}
	return Conversation{
		ChatID:       CanonicalChatID(userA, userB),
		ParticipantA: userA,
		ParticipantB: userB,
		CreatedAt:    at,
		LastUpdated:  at,
	}
}

// State reports ACTIVE or ENDED.
func (c Conversation) State() ConversationState {
	if c.EndedBy != "" {
		return ConversationEnded
	}
	return ConversationActive
}

// HasParticipant reports whether userID is one of the two participants.
func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (userID == c.ParticipantA || userID == c.ParticipantB)
}

// Partner returns the other participant. ok is false when userID is not a
// participant.
func (c Conversation) Partner(userID string) (partner string, ok bool) {
	switch userID {
	case "":
		return "", false
	case c.ParticipantA:
		return c.ParticipantB, true
	case c.ParticipantB:
		return c.ParticipantA, true
	}
	return "", false
}
