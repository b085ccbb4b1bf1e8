package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"
)

type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

type sessionItem struct {
	PK                 string `dynamodbav:"PK"`
	Shop               string `dynamodbav:"Shop"`
	AccessTokenEnc     string `dynamodbav:"AccessTokenEnc"`
	Scope              string `dynamodbav:"Scope"`
	CreatedAt          string `dynamodbav:"CreatedAt"`
	LastEventAt        string `dynamodbav:"LastEventAt,omitempty"`
	LastEventTopic     string `dynamodbav:"LastEventTopic,omitempty"`
	LastEventWebhookId string `dynamodbav:"LastEventWebhookId,omitempty"`
}

// DynamoBackend keeps sessions in a table keyed by PK = SHOP#<shop>.
type DynamoBackend struct {
	DB    DynamoAPI
	Table string
}

func NewDynamoBackend(db DynamoAPI, table string) (*DynamoBackend, error) {
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("SESSIONS_TABLE not set")
	}
	return &DynamoBackend{DB: db, Table: table}, nil
}

func sessionKey(shop string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: "SHOP#" + shop},
	}
}

func (b *DynamoBackend) Put(ctx context.Context, rec Record) error {
	av, err := attributevalue.MarshalMap(sessionItem{
		PK:             "SHOP#" + rec.Shop,
		Shop:           rec.Shop,
		AccessTokenEnc: rec.AccessTokenEnc,
		Scope:          rec.Scope,
		CreatedAt:      rec.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	_, err = b.DB.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.Table),
		Item:      av,
	})
	return err
}

func (b *DynamoBackend) Get(ctx context.Context, shop string) (*Record, error) {
	out, err := b.DB.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(b.Table),
		Key:       sessionKey(shop),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, ErrNotFound
	}

	var item sessionItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	created, err := time.Parse(time.RFC3339, item.CreatedAt)
	if err != nil && item.CreatedAt != "" {
		log.Debug().Err(err).Str("shop", shop).Msg("session createdAt unreadable")
	}
	return &Record{
		Shop:           item.Shop,
		AccessTokenEnc: item.AccessTokenEnc,
		Scope:          item.Scope,
		CreatedAt:      created,
		LastEventAt:    item.LastEventAt,
		LastEventTopic: item.LastEventTopic,
		LastWebhookID:  item.LastEventWebhookId,
	}, nil
}

func (b *DynamoBackend) Delete(ctx context.Context, shop string) error {
	_, err := b.DB.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.Table),
		Key:       sessionKey(shop),
	})
	return err
}

// TouchEvent updates the "last event received" fields of an existing session.
func (b *DynamoBackend) TouchEvent(ctx context.Context, shop, topic, webhookID string, at time.Time) error {
	// Only set webhook id if present.
	updateExpr := "SET LastEventAt=:a, LastEventTopic=:t"
	vals := map[string]types.AttributeValue{
		":a": &types.AttributeValueMemberS{Value: at.UTC().Format(time.RFC3339)},
		":t": &types.AttributeValueMemberS{Value: topic},
	}
	if strings.TrimSpace(webhookID) != "" {
		updateExpr += ", LastEventWebhookId=:w"
		vals[":w"] = &types.AttributeValueMemberS{Value: webhookID}
	}

	_, err := b.DB.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(b.Table),
		Key:                       sessionKey(shop),
		UpdateExpression:          aws.String(updateExpr),
		ConditionExpression:       aws.String("attribute_exists(PK)"),
		ExpressionAttributeValues: vals,
	})
	var cfe *types.ConditionalCheckFailedException
	if errors.As(err, &cfe) {
		return ErrNotFound
	}
	return err
}
