package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"conversation-engine/internal/domain"
)

const (
	pkPrefixUser = "USER#"
	pkPrefixConn = "CONN#"
	pkPrefixChat = "CHAT#"
	pkQueue      = "QUEUE"

	skSession     = "SESSION"
	skConn        = "CONN"
	skMeta        = "META"
	skPrefixMsg   = "MSG#"
	skPrefixMsgID = "MSGID#"
	skPrefixQueue = "USER#"

	// Fixed width so that lexicographic order on stored strings is time order.
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps the single DynamoDB table holding every coordination record.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

func userPK(userID string) string { return pkPrefixUser + userID }

func connPK(handle string) string { return pkPrefixConn + handle }

func chatPK(chatID string) string { return pkPrefixChat + chatID }

func queueSK(userID string) string { return skPrefixQueue + userID }

// msgSK orders messages by send time, then by message id for equal times.
func msgSK(sentAt time.Time, messageID string) string {
	return skPrefixMsg + formatTime(sentAt) + "#" + messageID
}

func msgIDSK(messageID string) string { return skPrefixMsgID + messageID }

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse time %q: %w", s, err)
	}
	return t, nil
}

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func str(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func num(n int) types.AttributeValue { return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", n)} }

func boolean(b bool) types.AttributeValue { return &types.AttributeValueMemberBOOL{Value: b} }

// Error codes that mean the request may succeed if the whole operation is
// retried.
var transientCodes = map[string]bool{
	"ProvisionedThroughputExceededException": true,
	"ThrottlingException":                    true,
	"RequestLimitExceeded":                   true,
	"TransactionConflictException":           true,
	"TransactionInProgressException":         true,
	"InternalServerError":                    true,
}

// classify wraps an SDK error with the matching domain sentinel.
func classify(op string, err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("repository: %s: %w: %w", op, domain.ErrConditionFailed, err)
	}

	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, r := range canceled.CancellationReasons {
			if aws.ToString(r.Code) == "ConditionalCheckFailed" {
				return fmt.Errorf("repository: %s: %w: %w", op, domain.ErrConditionFailed, err)
			}
		}
		for _, r := range canceled.CancellationReasons {
			switch aws.ToString(r.Code) {
			case "TransactionConflict", "ThrottlingError", "ProvisionedThroughputExceeded":
				return fmt.Errorf("repository: %s: %w: %w", op, domain.ErrThrottled, err)
			}
		}
		return fmt.Errorf("repository: %s: %w", op, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && transientCodes[apiErr.ErrorCode()] {
		return fmt.Errorf("repository: %s: %w: %w", op, domain.ErrThrottled, err)
	}
	return fmt.Errorf("repository: %s: %w", op, err)
}

// conditionFailure resolves a failed conditional write that requested
// ALL_OLD on failure: no old item means the record does not exist.
func conditionFailure(op string, err error) error {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) && len(ccf.Item) == 0 {
		return fmt.Errorf("repository: %s: %w: %w", op, domain.ErrNotFound, err)
	}
	return classify(op, err)
}

// cancellationCodes returns the per-item reason codes of a cancelled
// transaction, or nil.
func cancellationCodes(err error) []string {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return nil
	}
	codes := make([]string, len(canceled.CancellationReasons))
	for i, r := range canceled.CancellationReasons {
		codes[i] = aws.ToString(r.Code)
	}
	return codes
}
