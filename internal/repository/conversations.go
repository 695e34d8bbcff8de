package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"conversation-engine/internal/domain"
)

// CreateConversation writes a new conversation and attaches both
// participants to it in one transaction. With claimQueue set, both
// matchmaking entries are consumed by the same transaction and must exist.
// Any failed precondition (existing conversation, participant already paired,
// entry already claimed) yields ErrConditionFailed.
func (c *Client) CreateConversation(ctx context.Context, conv domain.Conversation, claimQueue bool) error {
	item, err := attributevalue.MarshalMap(conversationToItem(conv))
	if err != nil {
		return fmt.Errorf("repository: CreateConversation marshal: %w", err)
	}

	attach := func(userID string) types.TransactWriteItem {
		return types.TransactWriteItem{
			Update: &types.Update{
				TableName:                aws.String(c.tableName),
				Key:                      key(userPK(userID), skSession),
				UpdateExpression:         aws.String("SET chatId = :c, questionIndex = :zero, #ready = :false"),
				ConditionExpression:      aws.String("attribute_exists(PK) AND attribute_not_exists(chatId)"),
				ExpressionAttributeNames: map[string]string{"#ready": "ready"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":c":     str(conv.ChatID),
					":zero":  num(0),
					":false": boolean(false),
				},
			},
		}
	}

	items := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			},
		},
		attach(conv.ParticipantA),
		attach(conv.ParticipantB),
	}
	if claimQueue {
		for _, userID := range []string{conv.ParticipantA, conv.ParticipantB} {
			items = append(items, types.TransactWriteItem{
				Delete: &types.Delete{
					TableName:           aws.String(c.tableName),
					Key:                 key(pkQueue, queueSK(userID)),
					ConditionExpression: aws.String("attribute_exists(PK)"),
				},
			})
		}
	}

	if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return classify("CreateConversation", err)
	}
	return nil
}

// GetConversation reads a conversation record with a consistent read.
func (c *Client) GetConversation(ctx context.Context, chatID string) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(chatPK(chatID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, classify("GetConversation", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation %q: %w", chatID, domain.ErrNotFound)
	}
	conv, err := decodeConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation: %w", err)
	}
	return conv, nil
}

// EndConversation marks the conversation ended. Only the first call wins; an
// already-ended conversation yields ErrConditionFailed and a missing one
// ErrNotFound.
func (c *Client) EndConversation(ctx context.Context, chatID, endedBy, reason string, at time.Time) (domain.Conversation, error) {
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.tableName),
		Key:                      key(chatPK(chatID), skMeta),
		UpdateExpression:         aws.String("SET endedBy = :by, endReason = :reason, #status = :ended, lastUpdated = :now"),
		ConditionExpression:      aws.String("attribute_exists(PK) AND attribute_not_exists(endedBy)"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":by":     str(endedBy),
			":reason": str(reason),
			":ended":  str(string(domain.ConversationEnded)),
			":now":    str(formatTime(at)),
		},
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return domain.Conversation{}, conditionFailure("EndConversation", err)
	}
	conv, err := decodeConversation(out.Attributes)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: EndConversation: %w", err)
	}
	return conv, nil
}
