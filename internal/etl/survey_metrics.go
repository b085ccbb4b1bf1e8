package etl

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"thankyou-survey/internal/submissions"
)

// SurveyMetricsRow matches the Glue table columns.
type SurveyMetricsRow struct {
	ShopID          string `parquet:"name=shop_id, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	MetricDate      string `parquet:"name=metric_date, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"` // YYYY-MM-DD
	QuestionKey     string `parquet:"name=question_key, type=BYTE_ARRAY, convertedtype=UTF8, encoding=PLAIN_DICTIONARY"`
	Answers         int64  `parquet:"name=answers, type=INT64"`
	UniqueCustomers int64  `parquet:"name=unique_customers, type=INT64"`
}

type DynamoAPI interface {
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type SurveyMetricsETL struct {
	DDB DynamoAPI
	S3  ObjectPutter

	SessionsTable    string
	SubmissionsTable string
	Bucket           string
	Prefix           string
	DaysBack         int
	Location         *time.Location
	Now              func() time.Time
}

// Handle is triggered by an EventBridge schedule. For every installed shop and
// every day in the window it writes
//
//	survey_metrics/dt=YYYY-MM-DD/shop_id=<shop>/part-0000.parquet
//
// with one row per question key. The window covers the DaysBack completed
// local days before today. Each partition holds a single object that a rerun
// overwrites. Days without submissions are skipped.
func (h *SurveyMetricsETL) Handle(ctx context.Context, _ events.CloudWatchEvent) (map[string]any, error) {
	if h.SessionsTable == "" || h.SubmissionsTable == "" || h.Bucket == "" {
		return nil, errors.New("SESSIONS_TABLE, SUBMISSIONS_TABLE and ANALYTICS_BUCKET are required")
	}
	days := h.window()

	shops, err := h.listShops(ctx)
	if err != nil {
		return nil, err
	}
	if len(shops) == 0 {
		return map[string]any{"ok": true, "written": 0, "reason": "no shops found"}, nil
	}

	var files, rows int
	for _, day := range days {
		for _, shop := range shops {
			n, err := h.exportShopDay(ctx, shop, day)
			if err != nil {
				return nil, fmt.Errorf("export %s %s: %w", shop, day, err)
			}
			if n > 0 {
				files++
				rows += n
			}
		}
	}

	return map[string]any{
		"ok":        true,
		"shops":     len(shops),
		"days_back": len(days),
		"written":   files,
		"rows":      rows,
		"bucket":    h.Bucket,
		"prefix":    h.Prefix,
	}, nil
}

// window lists the completed local dates to export, newest first.
func (h *SurveyMetricsETL) window() []string {
	n := h.DaysBack
	if n < 1 || n > 90 {
		n = 1
	}
	loc := h.Location
	if loc == nil {
		loc = time.UTC
	}
	clock := h.Now
	if clock == nil {
		clock = time.Now
	}
	today := clock().In(loc)
	return lo.Times(n, func(i int) string { return today.AddDate(0, 0, -(i + 1)).Format(time.DateOnly) })
}

func (h *SurveyMetricsETL) exportShopDay(ctx context.Context, shop, day string) (int, error) {
	evs, err := h.eventsForDay(ctx, shop, day)
	if err != nil {
		return 0, err
	}
	agg := Aggregate(shop, day, evs)
	if len(agg) == 0 {
		return 0, nil
	}
	prefix := h.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	key := PartitionKey(prefix, day, shop)
	if err := h.upload(ctx, key, agg); err != nil {
		return 0, err
	}
	log.Info().Str("shop", shop).Str("dt", day).Int("rows", len(agg)).Str("key", key).Msg("survey metrics written")
	return len(agg), nil
}

// PartitionKey is the one object of a shop-day partition. Keeping it fixed
// lets a rerun replace the day instead of adding a second file Athena would
// sum again.
func PartitionKey(prefix, day, shop string) string {
	return fmt.Sprintf("%sdt=%s/shop_id=%s/part-0000.parquet", prefix, day, shop)
}

// Aggregate folds one shop-day of events into one row per question key,
// sorted by key.
func Aggregate(shop, day string, evs []submissions.Event) []SurveyMetricsRow {
	byKey := lo.GroupBy(evs, func(e submissions.Event) string { return e.QuestionKey })
	keys := lo.Keys(byKey)
	slices.Sort(keys)

	return lo.Map(keys, func(k string, _ int) SurveyMetricsRow {
		group := byKey[k]
		return SurveyMetricsRow{
			ShopID:          shop,
			MetricDate:      day,
			QuestionKey:     k,
			Answers:         int64(len(group)),
			UniqueCustomers: int64(len(lo.UniqBy(group, func(e submissions.Event) string { return e.CustomerHash }))),
		}
	})
}

// listShops scans the sessions table, so uninstalled shops drop out.
func (h *SurveyMetricsETL) listShops(ctx context.Context) ([]string, error) {
	var shops []string
	pages := dynamodb.NewScanPaginator(h.DDB, &dynamodb.ScanInput{
		TableName:                aws.String(h.SessionsTable),
		ProjectionExpression:     aws.String("#shop"),
		ExpressionAttributeNames: map[string]string{"#shop": "Shop"},
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", h.SessionsTable, err)
		}
		for _, it := range page.Items {
			if sv, ok := it["Shop"].(*ddbtypes.AttributeValueMemberS); ok {
				shops = append(shops, strings.ToLower(strings.TrimSpace(sv.Value)))
			}
		}
	}
	shops = lo.Compact(lo.Uniq(shops))
	slices.Sort(shops)
	return shops, nil
}

// eventsForDay relies on the SK layout SUB#<RFC3339 UTC time>#..., so a
// begins_with on the day selects one UTC day.
func (h *SurveyMetricsETL) eventsForDay(ctx context.Context, shop, day string) ([]submissions.Event, error) {
	var all []submissions.Event
	pages := dynamodb.NewQueryPaginator(h.DDB, &dynamodb.QueryInput{
		TableName:              aws.String(h.SubmissionsTable),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :day)"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk":  &ddbtypes.AttributeValueMemberS{Value: "SHOP#" + shop},
			":day": &ddbtypes.AttributeValueMemberS{Value: "SUB#" + day},
		},
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query submissions: %w", err)
		}
		var evs []submissions.Event
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &evs); err != nil {
			return nil, fmt.Errorf("decode submissions: %w", err)
		}
		all = append(all, evs...)
	}
	return all, nil
}

// encodeParquet renders rows through a scratch file, the only sink the
// parquet writer sources here offer.
func encodeParquet(rows []SurveyMetricsRow) ([]byte, error) {
	path := filepath.Join(os.TempDir(), "survey_metrics_"+randHex(8)+".parquet")
	defer os.Remove(path)

	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return nil, fmt.Errorf("open scratch file: %w", err)
	}
	pw, err := writer.NewParquetWriter(fw, new(SurveyMetricsRow), 1)
	if err != nil {
		fw.Close()
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}
	pw.PageSize = 8 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		if err = pw.Write(row); err != nil {
			break
		}
	}
	if stopErr := pw.WriteStop(); err == nil {
		err = stopErr
	}
	if closeErr := fw.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, fmt.Errorf("write parquet: %w", err)
	}
	return os.ReadFile(path)
}

func (h *SurveyMetricsETL) upload(ctx context.Context, key string, rows []SurveyMetricsRow) error {
	data, err := encodeParquet(rows)
	if err != nil {
		return err
	}
	_, err = h.S3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(h.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/vnd.apache.parquet"),
		ACL:         s3types.ObjectCannedACLPrivate,
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", h.Bucket, key, err)
	}
	return nil
}

func randHex(nBytes int) string {
	b := make([]byte, nBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
