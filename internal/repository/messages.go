package repository

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"conversation-engine/internal/domain"
)

// Transaction item positions in SaveMessage.
const (
	saveMessageItem = iota
	saveGuardItem
	saveConversationItem
)

// SaveMessage persists the message, reserves its messageId and refreshes the
// conversation preview in one transaction. A reused messageId yields
// ErrDuplicate; a missing or ended conversation yields ErrConditionFailed.
func (c *Client) SaveMessage(ctx context.Context, msg domain.Message, at time.Time) error {
	mi := messageToItem(msg)
	item, err := attributevalue.MarshalMap(mi)
	if err != nil {
		return fmt.Errorf("repository: SaveMessage marshal: %w", err)
	}
	guard, err := attributevalue.MarshalMap(messageGuardItem{
		PK:        chatPK(msg.ChatID),
		SK:        msgIDSK(msg.MessageID),
		MessageSK: mi.SK,
	})
	if err != nil {
		return fmt.Errorf("repository: SaveMessage marshal guard: %w", err)
	}
	preview, err := attributevalue.Marshal(lastMessageItem{
		Content:  msg.Content,
		SenderID: msg.SenderID,
		SentAt:   formatTime(msg.SentAt),
	})
	if err != nil {
		return fmt.Errorf("repository: SaveMessage marshal preview: %w", err)
	}

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			saveMessageItem: {
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                item,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			saveGuardItem: {
				Put: &types.Put{
					TableName:           aws.String(c.tableName),
					Item:                guard,
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			saveConversationItem: {
				Update: &types.Update{
					TableName:           aws.String(c.tableName),
					Key:                 key(chatPK(msg.ChatID), skMeta),
					UpdateExpression:    aws.String("SET lastMessage = :lm, lastUpdated = :now"),
					ConditionExpression: aws.String("attribute_exists(PK) AND attribute_not_exists(endedBy)"),
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":lm":  preview,
						":now": str(formatTime(at)),
					},
				},
			},
		},
	})
	if err == nil {
		return nil
	}
	if codes := cancellationCodes(err); len(codes) == 3 {
		if codes[saveMessageItem] == "ConditionalCheckFailed" || codes[saveGuardItem] == "ConditionalCheckFailed" {
			return fmt.Errorf("repository: SaveMessage %q: %w: %w", msg.MessageID, domain.ErrDuplicate, err)
		}
	}
	return classify("SaveMessage", err)
}

// MarkDelivered flips the delivered flag of an existing message to true.
func (c *Client) MarkDelivered(ctx context.Context, chatID, messageID string, sentAt time.Time) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(chatPK(chatID), msgSK(sentAt, messageID)),
		UpdateExpression:    aws.String("SET delivered = :true"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true": boolean(true),
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return conditionFailure("MarkDelivered", err)
	}
	return nil
}

// ListMessages returns one page of a conversation's history in ascending
// send order. cursor is the value returned as NextCursor by the previous page;
// empty starts from the oldest message.
func (c *Client) ListMessages(ctx context.Context, chatID string, limit int, cursor string) (domain.MessagePage, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     str(chatPK(chatID)),
			":prefix": str(skPrefixMsg),
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
		Limit:            aws.Int32(int32(limit)),
	}
	if cursor != "" {
		sk, err := decodeCursor(cursor)
		if err != nil {
			return domain.MessagePage{}, err
		}
		in.ExclusiveStartKey = key(chatPK(chatID), sk)
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return domain.MessagePage{}, classify("ListMessages", err)
	}

	page := domain.MessagePage{Messages: make([]domain.Message, 0, len(out.Items))}
	for _, item := range out.Items {
		msg, err := decodeMessage(item)
		if err != nil {
			return domain.MessagePage{}, fmt.Errorf("repository: ListMessages unmarshal: %w", err)
		}
		page.Messages = append(page.Messages, msg)
	}
	if sk, ok := out.LastEvaluatedKey["SK"].(*types.AttributeValueMemberS); ok {
		page.NextCursor = encodeCursor(sk.Value)
	}
	return page, nil
}

// ListUndelivered returns every undelivered message in the conversation not
// sent by recipientID, in ascending send order.
func (c *Client) ListUndelivered(ctx context.Context, chatID, recipientID string) ([]domain.Message, error) {
	p := dynamodb.NewQueryPaginator(c.api, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		FilterExpression:       aws.String("delivered = :false AND senderId <> :me"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     str(chatPK(chatID)),
			":prefix": str(skPrefixMsg),
			":false":  boolean(false),
			":me":     str(recipientID),
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	})

	var msgs []domain.Message
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, classify("ListUndelivered", err)
		}
		for _, item := range out.Items {
			msg, err := decodeMessage(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListUndelivered unmarshal: %w", err)
			}
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

func encodeCursor(sk string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(sk))
}

func decodeCursor(cursor string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", fmt.Errorf("repository: decode cursor: %w: %w", domain.ErrInvalidCursor, err)
	}
	sk := string(raw)
	if !strings.HasPrefix(sk, skPrefixMsg) {
		return "", fmt.Errorf("repository: decode cursor: %w", domain.ErrInvalidCursor)
	}
	return sk, nil
}
