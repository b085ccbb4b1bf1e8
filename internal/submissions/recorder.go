// Package submissions keeps an anonymised event per saved survey answer.
// The metrics ETL aggregates them; nothing reads them on the request path.
package submissions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Events expire after this long; the ETL runs daily.
const retention = 35 * 24 * time.Hour

type Event struct {
	PK           string `dynamodbav:"PK"`
	SK           string `dynamodbav:"SK"`
	Shop         string `dynamodbav:"Shop"`
	QuestionKey  string `dynamodbav:"QuestionKey"`
	CustomerHash string `dynamodbav:"CustomerHash"`
	SubmittedAt  string `dynamodbav:"SubmittedAt"`
	Day          string `dynamodbav:"Day"`
	ExpiresAt    int64  `dynamodbav:"ExpiresAt"`
}

type DynamoAPI interface {
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// Recorder implements survey.SubmissionRecorder.
type Recorder struct {
	DB    DynamoAPI
	Table string
}

func NewRecorder(db DynamoAPI, table string) *Recorder {
	return &Recorder{DB: db, Table: table}
}

// HashCustomer keeps customers distinguishable without storing their id.
func HashCustomer(shop, customerGID string) string {
	sum := sha256.Sum256([]byte(shop + "|" + customerGID))
	return hex.EncodeToString(sum[:])[:16]
}

func NewEvents(shop, customerGID string, keys []string, at time.Time) []Event {
	at = at.UTC()
	hash := HashCustomer(shop, customerGID)
	return lo.Map(keys, func(k string, _ int) Event {
		return Event{
			PK:           "SHOP#" + shop,
			SK:           fmt.Sprintf("SUB#%s#%s#%s", at.Format(time.RFC3339Nano), k, uuid.NewString()[:8]),
			Shop:         shop,
			QuestionKey:  k,
			CustomerHash: hash,
			SubmittedAt:  at.Format(time.RFC3339),
			Day:          at.Format("2006-01-02"),
			ExpiresAt:    at.Add(retention).Unix(),
		}
	})
}

// Record writes one event per key, 25 per batch request.
func (r *Recorder) Record(ctx context.Context, shop, customerGID string, keys []string, at time.Time) error {
	if strings.TrimSpace(r.Table) == "" || len(keys) == 0 {
		return nil
	}
	for _, chunk := range lo.Chunk(NewEvents(shop, customerGID, keys, at), 25) {
		reqs := make([]types.WriteRequest, 0, len(chunk))
		for _, ev := range chunk {
			av, err := attributevalue.MarshalMap(ev)
			if err != nil {
				return err
			}
			reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: av}})
		}
		out, err := r.DB.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
			RequestItems: map[string][]types.WriteRequest{r.Table: reqs},
		})
		if err != nil {
			return fmt.Errorf("write submission events: %w", err)
		}
		if n := len(out.UnprocessedItems[r.Table]); n > 0 {
			return fmt.Errorf("write submission events: %d unprocessed", n)
		}
	}
	return nil
}
