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

// GetSession reads a user session record with a consistent read.
func (c *Client) GetSession(ctx context.Context, userID string) (domain.UserSession, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(userPK(userID), skSession),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.UserSession{}, classify("GetSession", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.UserSession{}, fmt.Errorf("repository: GetSession %q: %w", userID, domain.ErrNotFound)
	}
	s, err := decodeSession(out.Item)
	if err != nil {
		return domain.UserSession{}, fmt.Errorf("repository: GetSession: %w", err)
	}
	return s, nil
}

// RegisterConnection upserts the session for a (re)connect and returns the
// record as it was before the write. existed is false on first connect.
// An older connect arriving after a newer one fails with ErrConditionFailed.
// Only connects write connectedAt, so presence and disconnect writes never
// make a connect look stale.
func (c *Client) RegisterConnection(ctx context.Context, id domain.Identity, handle string, at time.Time) (prior domain.UserSession, existed bool, err error) {
	now := formatTime(at)
	out, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(userPK(id.UserID), skSession),
		UpdateExpression: aws.String("SET userId = :uid, email = :email, connectionHandle = :h, connectedAt = :now, lastSeen = :now, presence = :online, " +
			"createdAt = if_not_exists(createdAt, :now), #ready = if_not_exists(#ready, :false), questionIndex = if_not_exists(questionIndex, :zero)"),
		ConditionExpression:      aws.String("attribute_not_exists(connectedAt) OR connectedAt <= :now"),
		ExpressionAttributeNames: map[string]string{"#ready": "ready"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid":    str(id.UserID),
			":email":  str(id.Email),
			":h":      str(handle),
			":now":    str(now),
			":online": str(string(domain.PresenceOnline)),
			":false":  boolean(false),
			":zero":   num(0),
		},
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return domain.UserSession{}, false, classify("RegisterConnection", err)
	}
	if out == nil || len(out.Attributes) == 0 {
		return domain.UserSession{}, false, nil
	}
	prior, err = decodeSession(out.Attributes)
	if err != nil {
		return domain.UserSession{}, false, fmt.Errorf("repository: RegisterConnection: %w", err)
	}
	return prior, true, nil
}

// ClearConnection removes the connection handle only if it is still handle,
// so a late disconnect never clears a newer connection.
func (c *Client) ClearConnection(ctx context.Context, userID, handle string, at time.Time) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(userPK(userID), skSession),
		UpdateExpression:    aws.String("REMOVE connectionHandle SET lastSeen = :now, presence = :offline"),
		ConditionExpression: aws.String("connectionHandle = :h"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":h":       str(handle),
			":now":     str(formatTime(at)),
			":offline": str(string(domain.PresenceOffline)),
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return conditionFailure("ClearConnection", err)
	}
	return nil
}

// SetReady writes the ready flag. Setting it true requires the session to
// still belong to chatID; the updated record is returned.
func (c *Client) SetReady(ctx context.Context, userID, chatID string, ready bool) (domain.UserSession, error) {
	in := &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.tableName),
		Key:                      key(userPK(userID), skSession),
		UpdateExpression:         aws.String("SET #ready = :ready"),
		ConditionExpression:      aws.String("attribute_exists(PK)"),
		ExpressionAttributeNames: map[string]string{"#ready": "ready"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ready": boolean(ready),
		},
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	}
	if ready {
		in.ConditionExpression = aws.String("chatId = :c")
		in.ExpressionAttributeValues[":c"] = str(chatID)
	}

	out, err := c.api.UpdateItem(ctx, in)
	if err != nil {
		return domain.UserSession{}, conditionFailure("SetReady", err)
	}
	s, err := decodeSession(out.Attributes)
	if err != nil {
		return domain.UserSession{}, fmt.Errorf("repository: SetReady: %w", err)
	}
	return s, nil
}

// UpdatePresence writes the presence status and last-seen time.
func (c *Client) UpdatePresence(ctx context.Context, userID string, p domain.Presence, at time.Time) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(userPK(userID), skSession),
		UpdateExpression:    aws.String("SET presence = :p, lastSeen = :now"),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p":   str(string(p)),
			":now": str(formatTime(at)),
		},
	})
	if err != nil {
		return conditionFailure("UpdatePresence", err)
	}
	return nil
}

// ClearChat detaches the session from chatID and resets its readiness.
// It fails with ErrConditionFailed if the session already moved on.
func (c *Client) ClearChat(ctx context.Context, userID, chatID string) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.tableName),
		Key:                      key(userPK(userID), skSession),
		UpdateExpression:         aws.String("REMOVE chatId SET #ready = :false, questionIndex = :zero"),
		ConditionExpression:      aws.String("chatId = :c"),
		ExpressionAttributeNames: map[string]string{"#ready": "ready"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c":     str(chatID),
			":false": boolean(false),
			":zero":  num(0),
		},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return conditionFailure("ClearChat", err)
	}
	return nil
}

// AdvanceQuestion moves both participants and the conversation from
// expected to expected+1 and resets both ready flags, in one transaction.
// Each write is conditioned on the pre-state, so of two racing callers only
// one can succeed; the other gets ErrConditionFailed.
func (c *Client) AdvanceQuestion(ctx context.Context, chatID string, participants [2]string, expected int, at time.Time) error {
	names := map[string]string{"#ready": "ready"}
	sessionUpdate := func(userID string) types.TransactWriteItem {
		return types.TransactWriteItem{
			Update: &types.Update{
				TableName:                aws.String(c.tableName),
				Key:                      key(userPK(userID), skSession),
				UpdateExpression:         aws.String("SET #ready = :false, questionIndex = :next"),
				ConditionExpression:      aws.String("chatId = :c AND #ready = :true AND questionIndex = :n"),
				ExpressionAttributeNames: names,
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":c":     str(chatID),
					":true":  boolean(true),
					":false": boolean(false),
					":n":     num(expected),
					":next":  num(expected + 1),
				},
			},
		}
	}

	_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			sessionUpdate(participants[0]),
			sessionUpdate(participants[1]),
			{
				Update: &types.Update{
					TableName:                aws.String(c.tableName),
					Key:                      key(chatPK(chatID), skMeta),
					UpdateExpression:         aws.String("SET questionIndex = :next, lastUpdated = :now"),
					ConditionExpression:      aws.String("questionIndex = :n AND #status = :active"),
					ExpressionAttributeNames: map[string]string{"#status": "status"},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":n":      num(expected),
						":next":   num(expected + 1),
						":now":    str(formatTime(at)),
						":active": str(string(domain.ConversationActive)),
					},
				},
			},
		},
	})
	if err != nil {
		return classify("AdvanceQuestion", err)
	}
	return nil
}

// PutConnection records which user owns a connection handle.
func (c *Client) PutConnection(ctx context.Context, handle, userID string, at time.Time) error {
	item, err := attributevalue.MarshalMap(connectionItem{
		PK:          connPK(handle),
		SK:          skConn,
		UserID:      userID,
		ConnectedAt: formatTime(at),
	})
	if err != nil {
		return fmt.Errorf("repository: PutConnection marshal: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return classify("PutConnection", err)
	}
	return nil
}

// GetConnectionOwner resolves a connection handle to the owning user id.
func (c *Client) GetConnectionOwner(ctx context.Context, handle string) (string, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(connPK(handle), skConn),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", classify("GetConnectionOwner", err)
	}
	if out == nil || len(out.Item) == 0 {
		return "", fmt.Errorf("repository: GetConnectionOwner %q: %w", handle, domain.ErrNotFound)
	}
	var it connectionItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return "", fmt.Errorf("repository: GetConnectionOwner decode: %w", err)
	}
	if it.UserID == "" {
		return "", fmt.Errorf("repository: missing attribute %q", "userId")
	}
	return it.UserID, nil
}

// DeleteConnection drops the handle mapping if it still belongs to userID.
// Deleting an absent mapping succeeds.
func (c *Client) DeleteConnection(ctx context.Context, handle, userID string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(connPK(handle), skConn),
		ConditionExpression: aws.String("attribute_not_exists(PK) OR userId = :uid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": str(userID),
		},
	})
	if err != nil {
		return classify("DeleteConnection", err)
	}
	return nil
}
