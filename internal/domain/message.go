package domain

import "time"

// Message is a single persisted chat message. Delivered only moves from
// false to true.
type Message struct {
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	SentAt    time.Time `json:"sentAt"`
	Delivered bool      `json:"delivered"`
}

// MessagePage is one page of conversation history in ascending send order.
type MessagePage struct {
	Messages   []Message
	NextCursor string
}
