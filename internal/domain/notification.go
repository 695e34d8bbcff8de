package domain

import "time"

// NotificationType names a payload pushed to a live connection.
type NotificationType string

const (
	NotificationConversationStarted NotificationType = "conversationStarted"
	NotificationAdvanceQuestion     NotificationType = "advanceQuestion"
	NotificationNewMessage          NotificationType = "newMessage"
	NotificationConversationEnded   NotificationType = "conversationEnded"
	NotificationPresenceUpdated     NotificationType = "presenceUpdated"
)

// Notification is the envelope written to the push channel.
type Notification struct {
	Type          NotificationType `json:"type"`
	ChatID        string           `json:"chatId,omitempty"`
	QuestionIndex *int             `json:"questionIndex,omitempty"`
	Message       *Message         `json:"message,omitempty"`
	EndedBy       string           `json:"endedBy,omitempty"`
	EndReason     string           `json:"endReason,omitempty"`
	UserID        string           `json:"userId,omitempty"`
	Status        Presence         `json:"status,omitempty"`
	SentAt        time.Time        `json:"sentAt"`
}

func ConversationStarted(chatID string, at time.Time) Notification {
	idx := 0
	return Notification{Type: NotificationConversationStarted, ChatID: chatID, QuestionIndex: &idx, SentAt: at}
}

func AdvanceQuestion(chatID string, questionIndex int, at time.Time) Notification {
	return Notification{Type: NotificationAdvanceQuestion, ChatID: chatID, QuestionIndex: &questionIndex, SentAt: at}
}

func NewMessage(msg Message, at time.Time) Notification {
	return Notification{Type: NotificationNewMessage, ChatID: msg.ChatID, Message: &msg, SentAt: at}
}

func ConversationEndedNotice(chatID, endedBy, reason string, at time.Time) Notification {
	return Notification{Type: NotificationConversationEnded, ChatID: chatID, EndedBy: endedBy, EndReason: reason, SentAt: at}
}

func PresenceUpdated(chatID, userID string, status Presence, at time.Time) Notification {
	return Notification{Type: NotificationPresenceUpdated, ChatID: chatID, UserID: userID, Status: status, SentAt: at}
}
