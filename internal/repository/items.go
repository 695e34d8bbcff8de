package repository

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"conversation-engine/internal/domain"
)

type sessionItem struct {
	PK               string `dynamodbav:"PK"`
	SK               string `dynamodbav:"SK"`
	UserID           string `dynamodbav:"userId"`
	Email            string `dynamodbav:"email,omitempty"`
	ConnectionHandle string `dynamodbav:"connectionHandle,omitempty"`
	ChatID           string `dynamodbav:"chatId,omitempty"`
	Ready            bool   `dynamodbav:"ready"`
	QuestionIndex    int    `dynamodbav:"questionIndex"`
	Presence         string `dynamodbav:"presence,omitempty"`
	LastSeen         string `dynamodbav:"lastSeen,omitempty"`
	ConnectedAt      string `dynamodbav:"connectedAt,omitempty"`
	CreatedAt        string `dynamodbav:"createdAt,omitempty"`
}

type connectionItem struct {
	PK          string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	UserID      string `dynamodbav:"userId"`
	ConnectedAt string `dynamodbav:"connectedAt"`
}

type lastMessageItem struct {
	Content  string `dynamodbav:"content"`
	SenderID string `dynamodbav:"senderId"`
	SentAt   string `dynamodbav:"sentAt"`
}

type conversationItem struct {
	PK            string           `dynamodbav:"PK"`
	SK            string           `dynamodbav:"SK"`
	ChatID        string           `dynamodbav:"chatId"`
	ParticipantA  string           `dynamodbav:"participantA"`
	ParticipantB  string           `dynamodbav:"participantB"`
	Status        string           `dynamodbav:"status"`
	QuestionIndex int              `dynamodbav:"questionIndex"`
	CreatedAt     string           `dynamodbav:"createdAt"`
	LastUpdated   string           `dynamodbav:"lastUpdated"`
	LastMessage   *lastMessageItem `dynamodbav:"lastMessage,omitempty"`
	EndedBy       string           `dynamodbav:"endedBy,omitempty"`
	EndReason     string           `dynamodbav:"endReason,omitempty"`
}

type messageItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	ChatID    string `dynamodbav:"chatId"`
	MessageID string `dynamodbav:"messageId"`
	SenderID  string `dynamodbav:"senderId"`
	Content   string `dynamodbav:"content"`
	SentAt    string `dynamodbav:"sentAt"`
	Delivered bool   `dynamodbav:"delivered"`
}

// messageGuardItem reserves a messageId within a conversation.
type messageGuardItem struct {
	PK        string `dynamodbav:"PK"`
	SK        string `dynamodbav:"SK"`
	MessageSK string `dynamodbav:"messageSk"`
}

type queueItem struct {
	PK       string `dynamodbav:"PK"`
	SK       string `dynamodbav:"SK"`
	UserID   string `dynamodbav:"userId"`
	Status   string `dynamodbav:"status"`
	JoinedAt string `dynamodbav:"joinedAt"`
	TTL      int64  `dynamodbav:"ttl,omitempty"`
}

func decodeSession(item map[string]types.AttributeValue) (domain.UserSession, error) {
	var it sessionItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return domain.UserSession{}, fmt.Errorf("repository: decode session: %w", err)
	}
	lastSeen, err := parseTime(it.LastSeen)
	if err != nil {
		return domain.UserSession{}, err
	}
	connectedAt, err := parseTime(it.ConnectedAt)
	if err != nil {
		return domain.UserSession{}, err
	}
	createdAt, err := parseTime(it.CreatedAt)
	if err != nil {
		return domain.UserSession{}, err
	}
	return domain.UserSession{
		UserID:           it.UserID,
		Email:            it.Email,
		ConnectionHandle: it.ConnectionHandle,
		ChatID:           it.ChatID,
		Ready:            it.Ready,
		QuestionIndex:    it.QuestionIndex,
		Presence:         domain.Presence(it.Presence),
		LastSeen:         lastSeen,
		ConnectedAt:      connectedAt,
		CreatedAt:        createdAt,
	}, nil
}

func conversationToItem(c domain.Conversation) conversationItem {
	status := domain.ConversationActive
	if c.EndedBy != "" {
		status = domain.ConversationEnded
	}
	it := conversationItem{
		PK:            chatPK(c.ChatID),
		SK:            skMeta,
		ChatID:        c.ChatID,
		ParticipantA:  c.ParticipantA,
		ParticipantB:  c.ParticipantB,
		Status:        string(status),
		QuestionIndex: c.QuestionIndex,
		CreatedAt:     formatTime(c.CreatedAt),
		LastUpdated:   formatTime(c.LastUpdated),
		EndedBy:       c.EndedBy,
		EndReason:     c.EndReason,
	}
	if c.LastMessage != nil {
		it.LastMessage = &lastMessageItem{
			Content:  c.LastMessage.Content,
			SenderID: c.LastMessage.SenderID,
			SentAt:   formatTime(c.LastMessage.SentAt),
		}
	}
	return it
}

func decodeConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	var it conversationItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: decode conversation: %w", err)
	}
	createdAt, err := parseTime(it.CreatedAt)
	if err != nil {
		return domain.Conversation{}, err
	}
	lastUpdated, err := parseTime(it.LastUpdated)
	if err != nil {
		return domain.Conversation{}, err
	}
	c := domain.Conversation{
		ChatID:        it.ChatID,
		ParticipantA:  it.ParticipantA,
		ParticipantB:  it.ParticipantB,
		QuestionIndex: it.QuestionIndex,
		CreatedAt:     createdAt,
		LastUpdated:   lastUpdated,
		EndedBy:       it.EndedBy,
		EndReason:     it.EndReason,
	}
	if it.LastMessage != nil {
		sentAt, err := parseTime(it.LastMessage.SentAt)
		if err != nil {
			return domain.Conversation{}, err
		}
		c.LastMessage = &domain.LastMessage{
			Content:  it.LastMessage.Content,
			SenderID: it.LastMessage.SenderID,
			SentAt:   sentAt,
		}
	}
	return c, nil
}

func messageToItem(m domain.Message) messageItem {
	return messageItem{
		PK:        chatPK(m.ChatID),
		SK:        msgSK(m.SentAt, m.MessageID),
		ChatID:    m.ChatID,
		MessageID: m.MessageID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		SentAt:    formatTime(m.SentAt),
		Delivered: m.Delivered,
	}
}

func decodeMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	var it messageItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return domain.Message{}, fmt.Errorf("repository: decode message: %w", err)
	}
	if it.MessageID == "" {
		return domain.Message{}, fmt.Errorf("repository: missing attribute %q", "messageId")
	}
	sentAt, err := parseTime(it.SentAt)
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ChatID:    it.ChatID,
		MessageID: it.MessageID,
		SenderID:  it.SenderID,
		Content:   it.Content,
		SentAt:    sentAt,
		Delivered: it.Delivered,
	}, nil
}

func decodeQueueEntry(item map[string]types.AttributeValue) (domain.QueueEntry, error) {
	var it queueItem
	if err := attributevalue.UnmarshalMap(item, &it); err != nil {
		return domain.QueueEntry{}, fmt.Errorf("repository: decode queue entry: %w", err)
	}
	joinedAt, err := parseTime(it.JoinedAt)
	if err != nil {
		return domain.QueueEntry{}, err
	}
	e := domain.QueueEntry{
		UserID:   it.UserID,
		Status:   domain.QueueStatus(it.Status),
		JoinedAt: joinedAt,
	}
	if it.TTL > 0 {
		e.ExpiresAt = unixTime(it.TTL)
	}
	return e, nil
}
