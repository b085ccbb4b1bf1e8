package shopify

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
)

const dedupeTTL = 7 * 24 * time.Hour

type DedupeAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// WebhookDeduper remembers delivered webhook ids so retries are processed once.
type WebhookDeduper struct {
	DB    DedupeAPI
	Table string
	Now   func() time.Time
}

type deliveryRecord struct {
	PK        string
	Shop      string
	Topic     string
	CreatedAt string
	ExpiresAt int64
}

// Claim returns true when webhookID was already processed; the caller
// should then acknowledge and stop. With no table configured nothing is deduped.
func (d *WebhookDeduper) Claim(ctx context.Context, webhookID, shop, topic string) (bool, error) {
	webhookID = strings.TrimSpace(webhookID)
	if d == nil || strings.TrimSpace(d.Table) == "" || webhookID == "" {
		return false, nil
	}
	at := time.Now().UTC()
	if d.Now != nil {
		at = d.Now().UTC()
	}
	item, err := attributevalue.MarshalMap(deliveryRecord{
		PK:        "WH#" + webhookID,
		Shop:      shop,
		Topic:     topic,
		CreatedAt: at.Format(time.RFC3339),
		ExpiresAt: at.Add(dedupeTTL).Unix(),
	})
	if err != nil {
		return false, err
	}

	_, err = d.DB.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.Table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	var seen *types.ConditionalCheckFailedException
	switch {
	case errors.As(err, &seen):
		return true, nil
	case err != nil:
		return false, fmt.Errorf("record webhook %s: %w", webhookID, err)
	}
	return false, nil
}

// Release forgets webhookID so a redelivery is processed again. Call it when
// handling a claimed delivery failed.
func (d *WebhookDeduper) Release(ctx context.Context, webhookID string) error {
	webhookID = strings.TrimSpace(webhookID)
	if d == nil || strings.TrimSpace(d.Table) == "" || webhookID == "" {
		return nil
	}
	_, err := d.DB.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.Table),
		Key:       map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: "WH#" + webhookID}},
	})
	if err != nil {
		return fmt.Errorf("release webhook %s: %w", webhookID, err)
	}
	return nil
}
