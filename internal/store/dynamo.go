// Package store keeps survey configurations in DynamoDB, one item per shop.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"thankyou-survey/internal/survey"
)

type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// configItem is the stored shape. Questions stay a JSON string so the record
// remains readable by the embedded admin's older loaders.
type configItem struct {
	PK        string `dynamodbav:"PK"`
	Shop      string `dynamodbav:"Shop"`
	Questions string `dynamodbav:"Questions"`
	Count     int    `dynamodbav:"Count"`
	Version   int64  `dynamodbav:"Version"`
	UpdatedAt string `dynamodbav:"UpdatedAt"`
}

type ConfigStore struct {
	DB    DynamoAPI
	Table string
}

func NewConfigStore(db DynamoAPI, table string) (*ConfigStore, error) {
	if table == "" {
		return nil, errors.New("SURVEY_CONFIG_TABLE not set")
	}
	return &ConfigStore{DB: db, Table: table}, nil
}

func shopKey(shop string) string { return "SHOP#" + shop }

func (s *ConfigStore) GetConfig(ctx context.Context, shop string) (*survey.ShopConfig, error) {
	out, err := s.DB.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.Table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: shopKey(shop)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get survey config: %w", err)
	}
	if out.Item == nil {
		return nil, nil
	}

	var item configItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal survey config: %w", err)
	}

	cfg := &survey.ShopConfig{
		Shop:      shop,
		Count:     item.Count,
		Version:   item.Version,
		Questions: []survey.Question{},
	}
	if item.Questions != "" {
		if err := json.Unmarshal([]byte(item.Questions), &cfg.Questions); err != nil {
			return nil, fmt.Errorf("decode questions of %s: %w", shop, err)
		}
	}
	if item.UpdatedAt != "" {
		at, err := time.Parse(time.RFC3339Nano, item.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("decode updatedAt of %s: %w", shop, err)
		}
		cfg.UpdatedAt = at
	}
	return cfg, nil
}

// PutConfig writes cfg if the stored Version still equals cfg.Version.
func (s *ConfigStore) PutConfig(ctx context.Context, cfg *survey.ShopConfig) error {
	questions := cfg.Questions
	if questions == nil {
		questions = []survey.Question{}
	}
	qs, err := json.Marshal(questions)
	if err != nil {
		return fmt.Errorf("encode questions: %w", err)
	}

	next := cfg.Version + 1
	av, err := attributevalue.MarshalMap(configItem{
		PK:        shopKey(cfg.Shop),
		Shop:      cfg.Shop,
		Questions: string(qs),
		Count:     cfg.Count,
		Version:   next,
		UpdatedAt: cfg.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}

	in := &dynamodb.PutItemInput{
		TableName: aws.String(s.Table),
		Item:      av,
	}
	if cfg.Version == 0 {
		in.ConditionExpression = aws.String("attribute_not_exists(PK)")
	} else {
		in.ConditionExpression = aws.String("#v = :v")
		in.ExpressionAttributeNames = map[string]string{"#v": "Version"}
		in.ExpressionAttributeValues = map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberN{Value: strconv.FormatInt(cfg.Version, 10)},
		}
	}

	if _, err := s.DB.PutItem(ctx, in); err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return survey.ErrConflict
		}
		return fmt.Errorf("put survey config: %w", err)
	}
	cfg.Version = next
	return nil
}
