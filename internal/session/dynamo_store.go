package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/oscarbot/agent-gateway/internal/config"
	"github.com/oscarbot/agent-gateway/internal/observability"
)

// dynamoAPI is the subset of the DynamoDB client used by the store.
// *dynamodb.Client satisfies it.
type dynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// record is the shape of a context table item. DynamoDB's TTL sweeper reads
// expires_at (epoch seconds) and removes items lazily, so reads must still
// check it themselves.
type record struct {
	PK        string `dynamodbav:"pk"`
	SessionID string `dynamodbav:"session_id,omitempty"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

// DynamoStore implements Store on the DynamoDB context table
type DynamoStore struct {
	client     dynamoAPI
	table      string
	sessionTTL time.Duration
	dedupTTL   time.Duration
	log        zerolog.Logger
	now        func() time.Time
}

// NewDynamoStore creates a store backed by the configured context table
func NewDynamoStore(client dynamoAPI, cfg *config.Config) *DynamoStore {
	return &DynamoStore{
		client:     client,
		table:      cfg.ContextTableName,
		sessionTTL: time.Duration(cfg.SessionTTL) * time.Second,
		dedupTTL:   time.Duration(cfg.DedupTTL) * time.Second,
		log:        observability.WithComponent("session"),
		now:        time.Now,
	}
}

// GetSession returns the agent session id stored for a conversation
func (s *DynamoStore) GetSession(ctx context.Context, channel, threadTS string) (string, error) {
	key := sessionKey(channel, threadTS)

	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"pk": &types.AttributeValueMemberS{Value: key},
		},
	})
	if err != nil {
		observability.RecordSessionOp("get", false)
		return "", fmt.Errorf("get session %s: %w", key, err)
	}
	observability.RecordSessionOp("get", true)

	if len(out.Item) == 0 {
		return "", nil
	}

	var rec record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return "", fmt.Errorf("unmarshal session %s: %w", key, err)
	}

	if rec.ExpiresAt > 0 && rec.ExpiresAt <= s.now().Unix() {
		s.log.Debug().Str("key", key).Msg("Stored session has expired")
		return "", nil
	}

	return rec.SessionID, nil
}

// PutSession stores the agent session id for a conversation with a fresh TTL
func (s *DynamoStore) PutSession(ctx context.Context, channel, threadTS, sessionID string) error {
	key := sessionKey(channel, threadTS)

	item, err := attributevalue.MarshalMap(record{
		PK:        key,
		SessionID: sessionID,
		ExpiresAt: s.now().Add(s.sessionTTL).Unix(),
	})
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", key, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		observability.RecordSessionOp("put", false)
		return fmt.Errorf("put session %s: %w", key, err)
	}
	observability.RecordSessionOp("put", true)

	s.log.Debug().Str("key", key).Str("session_id", sessionID).Msg("Stored session mapping")
	return nil
}

// ClaimEvent writes a dedup marker for a Slack event id. The conditional put
// makes the first delivery win; any concurrent or later retry loses the race
// and is reported as a duplicate.
func (s *DynamoStore) ClaimEvent(ctx context.Context, eventID string) (bool, error) {
	key := eventKey(eventID)

	item, err := attributevalue.MarshalMap(record{
		PK:        key,
		ExpiresAt: s.now().Add(s.dedupTTL).Unix(),
	})
	if err != nil {
		return false, fmt.Errorf("marshal event marker %s: %w", key, err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var conditionFailed *types.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			s.log.Debug().Str("event_id", eventID).Msg("Event already claimed")
			return false, nil
		}
		observability.RecordSessionOp("claim", false)
		return false, fmt.Errorf("claim event %s: %w", key, err)
	}
	observability.RecordSessionOp("claim", true)

	return true, nil
}
