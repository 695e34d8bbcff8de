package pushchannel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
)

// managementAPI is the subset of the API Gateway management API used to
// push to WebSocket connections.
type managementAPI interface {
	PostToConnection(ctx context.Context, in *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// GoneError reports that the connection handle no longer exists. Callers are
// expected to clear the handle from the registry.
type GoneError struct {
	ConnectionID string
	Err          error
}

func (e *GoneError) Error() string {
	return fmt.Sprintf("pushchannel: connection %s is gone: %v", e.ConnectionID, e.Err)
}

func (e *GoneError) Unwrap() error { return e.Err }

// Gone marks the error as a stale-handle outcome.
func (e *GoneError) Gone() bool { return true }

// Client delivers payloads to live WebSocket connections.
type Client struct {
	api managementAPI
}

func New(api managementAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("pushchannel: api must not be nil")
	}
	return &Client{api: api}, nil
}

// Push posts payload to one connection. A stale handle is reported as
// *GoneError.
func (c *Client) Push(ctx context.Context, connectionID string, payload []byte) error {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return errors.New("pushchannel: connection id is required")
	}
	_, err := c.api.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
		ConnectionId: aws.String(connectionID),
		Data:         payload,
	})
	if err == nil {
		return nil
	}
	var gone *types.GoneException
	if errors.As(err, &gone) {
		return &GoneError{ConnectionID: connectionID, Err: err}
	}
	return fmt.Errorf("pushchannel: post to connection %s: %w", connectionID, err)
}
