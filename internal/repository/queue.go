package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"conversation-engine/internal/domain"
)

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// PutQueueEntry admits a waiting user. A live entry for the same user yields
// ErrConditionFailed; an entry whose TTL has passed is replaced.
func (c *Client) PutQueueEntry(ctx context.Context, e domain.QueueEntry) error {
	it := queueItem{
		PK:       pkQueue,
		SK:       queueSK(e.UserID),
		UserID:   e.UserID,
		Status:   string(domain.QueueWaiting),
		JoinedAt: formatTime(e.JoinedAt),
	}
	if !e.ExpiresAt.IsZero() {
		it.TTL = e.ExpiresAt.Unix()
	}
	item, err := attributevalue.MarshalMap(it)
	if err != nil {
		return fmt.Errorf("repository: PutQueueEntry marshal: %w", err)
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) OR #ttl < :now"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", e.JoinedAt.Unix())},
		},
	})
	if err != nil {
		return classify("PutQueueEntry", err)
	}
	return nil
}

// ListQueueEntries returns every waiting entry, oldest first.
func (c *Client) ListQueueEntries(ctx context.Context) ([]domain.QueueEntry, error) {
	p := dynamodb.NewQueryPaginator(c.api, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     str(pkQueue),
			":prefix": str(skPrefixQueue),
		},
		ConsistentRead: aws.Bool(true),
	})

	var entries []domain.QueueEntry
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, classify("ListQueueEntries", err)
		}
		for _, item := range out.Items {
			e, err := decodeQueueEntry(item)
			if err != nil {
				return nil, fmt.Errorf("repository: ListQueueEntries unmarshal: %w", err)
			}
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].UserID < entries[j].UserID
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
	return entries, nil
}

// DeleteQueueEntry removes a waiting entry. Removing an absent entry succeeds.
func (c *Client) DeleteQueueEntry(ctx context.Context, userID string) error {
	_, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(c.tableName),
		Key:       key(pkQueue, queueSK(userID)),
	})
	if err != nil {
		return classify("DeleteQueueEntry", err)
	}
	return nil
}
