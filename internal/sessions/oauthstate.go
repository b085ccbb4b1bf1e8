package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const stateTTL = 10 * time.Minute

// ErrStateInvalid is returned for unknown, expired or foreign OAuth states.
var ErrStateInvalid = errors.New("sessions: invalid or expired oauth state")

type StateAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// StateStore holds the nonce of an OAuth install between /auth and
// /auth/callback. Items carry ExpiresAtEpoch for the table's TTL.
type StateStore struct {
	DB    StateAPI
	Table string
	Now   func() time.Time
}

func NewStateStore(db StateAPI, table string) (*StateStore, error) {
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("OAUTH_STATE_TABLE not set")
	}
	return &StateStore{DB: db, Table: table, Now: time.Now}, nil
}

func (s *StateStore) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *StateStore) Put(ctx context.Context, state, shop string) error {
	exp := s.now().UTC().Add(stateTTL).Unix()
	_, err := s.DB.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.Table),
		Item: map[string]types.AttributeValue{
			"State":          &types.AttributeValueMemberS{Value: state},
			"Shop":           &types.AttributeValueMemberS{Value: shop},
			"ExpiresAtEpoch": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", exp)},
		},
	})
	if err != nil {
		return fmt.Errorf("store oauth state: %w", err)
	}
	return nil
}

// Consume checks that state was issued for shop and not yet expired, then
// deletes it so it cannot be replayed.
func (s *StateStore) Consume(ctx context.Context, state, shop string) error {
	key := map[string]types.AttributeValue{
		"State": &types.AttributeValueMemberS{Value: state},
	}
	out, err := s.DB.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.Table),
		Key:            key,
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("load oauth state: %w", err)
	}
	if out.Item == nil {
		return ErrStateInvalid
	}

	// TTL deletion is lazy, so expiry is checked here as well.
	if n, ok := out.Item["ExpiresAtEpoch"].(*types.AttributeValueMemberN); ok {
		var exp int64
		if _, err := fmt.Sscan(n.Value, &exp); err == nil && s.now().Unix() > exp {
			return ErrStateInvalid
		}
	}
	if sv, ok := out.Item["Shop"].(*types.AttributeValueMemberS); !ok || sv.Value != shop {
		return ErrStateInvalid
	}

	_, err = s.DB.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.Table),
		Key:       key,
	})
	if err != nil {
		return fmt.Errorf("delete oauth state: %w", err)
	}
	return nil
}
