package nlq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const defaultCacheTTL = 10 * time.Minute

type CacheClient interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

type CacheKey struct {
	Shop       string
	Question   string
	TodayISO   string
	MaxDays    int
	SchemaHash string
}

type CachedResponse struct {
	SQL          string           `json:"sql"`
	Columns      []string         `json:"columns"`
	Rows         []map[string]any `json:"rows"`
	Assumptions  []string         `json:"assumptions"`
	Confidence   float64          `json:"confidence"`
	ScannedBytes int64            `json:"scanned_bytes"`
	ExecMs       int64            `json:"exec_ms"`
	QueryID      string           `json:"query_id"`
}

// Cache stores answered questions per shop for a short time. Items carry
// ExpiresAt for the table's TTL.
type Cache struct {
	DB    CacheClient
	Table string
	TTL   time.Duration
	Now   func() time.Time
}

func NormalizeQuestion(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

func hashKeyMaterial(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func SchemaHash(schemaText string) string {
	return hashKeyMaterial(schemaText)
}

// cacheItem is the DynamoDB row. ExpiresAt feeds the table's TTL.
type cacheItem struct {
	PK        string
	SK        string
	Payload   string
	CreatedAt int64
	ExpiresAt int64
}

func (k CacheKey) primaryKey() (string, string) {
	material := fmt.Sprintf("today=%s|maxdays=%d|schema=%s|q=%s",
		k.TodayISO, k.MaxDays, k.SchemaHash, NormalizeQuestion(k.Question))
	return "SHOP#" + k.Shop, "NLQ#" + hashKeyMaterial(material)
}

func (c *Cache) enabled() bool {
	return c != nil && c.DB != nil && strings.TrimSpace(c.Table) != ""
}

func (c *Cache) clock() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

// Get returns false for misses, expired rows and payloads that no longer decode.
func (c *Cache) Get(ctx context.Context, key CacheKey) (*CachedResponse, bool, error) {
	if !c.enabled() {
		return nil, false, nil
	}
	pk, sk := key.primaryKey()
	out, err := c.DB.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.Table),
		Key: map[string]ddbtypes.AttributeValue{
			"PK": &ddbtypes.AttributeValueMemberS{Value: pk},
			"SK": &ddbtypes.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return nil, false, fmt.Errorf("read cached answer: %w", err)
	}
	var it cacheItem
	if len(out.Item) == 0 || attributevalue.UnmarshalMap(out.Item, &it) != nil {
		return nil, false, nil
	}
	if it.ExpiresAt > 0 && c.clock().Unix() > it.ExpiresAt {
		return nil, false, nil
	}
	var resp CachedResponse
	if json.Unmarshal([]byte(it.Payload), &resp) != nil {
		return nil, false, nil
	}
	return &resp, true, nil
}

func (c *Cache) Put(ctx context.Context, key CacheKey, resp CachedResponse) error {
	if !c.enabled() {
		return nil
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	now := c.clock().UTC()
	pk, sk := key.primaryKey()
	item, err := attributevalue.MarshalMap(cacheItem{
		PK:        pk,
		SK:        sk,
		Payload:   string(payload),
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	})
	if err != nil {
		return err
	}
	if _, err := c.DB.PutItem(ctx, &dynamodb.PutItemInput{TableName: aws.String(c.Table), Item: item}); err != nil {
		return fmt.Errorf("store cached answer: %w", err)
	}
	return nil
}
