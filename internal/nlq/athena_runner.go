package nlq

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
)

// AthenaClient is the subset of *athena.Client the runner calls.
type AthenaClient interface {
	athena.GetQueryResultsAPIClient
	StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
}

type AthenaRunOptions struct {
	Database       string
	Workgroup      string
	OutputLocation string
	MaxWait        time.Duration
	PollInterval   time.Duration
	MaxResultRows  int
}

type AthenaResult struct {
	QueryExecutionID string
	Columns          []string
	Rows             []map[string]any
	ScannedBytes     int64
	ExecutionMs      int64
}

// AthenaError reports a query that finished without succeeding.
type AthenaError struct {
	State            string
	Reason           string
	QueryExecutionID string
}

func (e *AthenaError) Error() string {
	msg := "athena " + e.State + ": " + e.Reason
	if e.QueryExecutionID == "" {
		return msg
	}
	return msg + " (qid=" + e.QueryExecutionID + ")"
}

const (
	defaultWorkgroup = "primary"
	defaultMaxWait   = 25 * time.Second
	defaultPoll      = 700 * time.Millisecond
	defaultMaxRows   = 200
	resultsPageSize  = 1000
)

func (opt AthenaRunOptions) normalized() (AthenaRunOptions, error) {
	switch {
	case strings.TrimSpace(opt.Database) == "":
		return opt, errors.New("missing athena database")
	case strings.TrimSpace(opt.OutputLocation) == "":
		return opt, errors.New("missing athena output location")
	}
	opt.Workgroup = cmp.Or(opt.Workgroup, defaultWorkgroup)
	opt.MaxWait = cmp.Or(opt.MaxWait, defaultMaxWait)
	opt.PollInterval = cmp.Or(opt.PollInterval, defaultPoll)
	opt.MaxResultRows = cmp.Or(opt.MaxResultRows, defaultMaxRows)
	return opt, nil
}

// RunAthenaQuery starts sql, polls until it settles and returns at most
// MaxResultRows typed rows.
func RunAthenaQuery(ctx context.Context, c AthenaClient, sql string, opt AthenaRunOptions) (*AthenaResult, error) {
	opt, err := opt.normalized()
	if err != nil {
		return nil, err
	}

	started, err := c.StartQueryExecution(ctx, &athena.StartQueryExecutionInput{
		QueryString:           aws.String(sql),
		WorkGroup:             aws.String(opt.Workgroup),
		QueryExecutionContext: &athenatypes.QueryExecutionContext{Database: aws.String(opt.Database)},
		ResultConfiguration:   &athenatypes.ResultConfiguration{OutputLocation: aws.String(opt.OutputLocation)},
	})
	if err != nil {
		return nil, fmt.Errorf("start athena query: %w", err)
	}
	res := &AthenaResult{QueryExecutionID: aws.ToString(started.QueryExecutionId)}

	done, err := awaitQuery(ctx, c, res.QueryExecutionID, opt.MaxWait, opt.PollInterval)
	if err != nil {
		return nil, err
	}
	if st := done.Statistics; st != nil {
		res.ScannedBytes = aws.ToInt64(st.DataScannedInBytes)
		res.ExecutionMs = aws.ToInt64(st.EngineExecutionTimeInMillis)
	}

	if err := collectRows(ctx, c, res, opt.MaxResultRows); err != nil {
		return nil, err
	}
	return res, nil
}

func awaitQuery(ctx context.Context, c AthenaClient, qid string, maxWait, every time.Duration) (*athenatypes.QueryExecution, error) {
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()

	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		out, err := c.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{QueryExecutionId: aws.String(qid)})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, &AthenaError{State: "TIMEOUT", Reason: "query timed out", QueryExecutionID: qid}
			}
			return nil, fmt.Errorf("poll athena query %s: %w", qid, err)
		}
		qe := out.QueryExecution
		if qe != nil && qe.Status != nil {
			switch qe.Status.State {
			case athenatypes.QueryExecutionStateSucceeded:
				return qe, nil
			case athenatypes.QueryExecutionStateFailed, athenatypes.QueryExecutionStateCancelled:
				return nil, &AthenaError{
					State:            string(qe.Status.State),
					Reason:           aws.ToString(qe.Status.StateChangeReason),
					QueryExecutionID: qid,
				}
			}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &AthenaError{State: "TIMEOUT", Reason: "query timed out", QueryExecutionID: qid}
			}
			return nil, ctx.Err()
		case <-tick.C:
		}
	}
}

// collectRows pages through the result set. Athena repeats the column
// names as the first data row, which is skipped.
func collectRows(ctx context.Context, c AthenaClient, res *AthenaResult, limit int) error {
	pages := athena.NewGetQueryResultsPaginator(c, &athena.GetQueryResultsInput{
		QueryExecutionId: aws.String(res.QueryExecutionID),
		MaxResults:       aws.Int32(resultsPageSize),
	})
	headerSeen := false
	for pages.HasMorePages() && len(res.Rows) < limit {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("read athena results: %w", err)
		}
		rs := page.ResultSet
		if rs == nil {
			break
		}
		if res.Columns == nil && rs.ResultSetMetadata != nil {
			for _, col := range rs.ResultSetMetadata.ColumnInfo {
				res.Columns = append(res.Columns, aws.ToString(col.Name))
			}
		}
		for _, row := range rs.Rows {
			if !headerSeen {
				headerSeen = true
				continue
			}
			if len(res.Rows) == limit {
				break
			}
			res.Rows = append(res.Rows, rowToMap(res.Columns, row))
		}
	}
	if res.Rows == nil {
		res.Rows = []map[string]any{}
	}
	return nil
}

func rowToMap(cols []string, row athenatypes.Row) map[string]any {
	out := make(map[string]any, len(cols))
	for i, d := range row.Data {
		if i < len(cols) {
			out[cols[i]] = typedValue(aws.ToString(d.VarCharValue))
		}
	}
	return out
}

// typedValue turns Athena's string cells into int64, float64 or nil when
// they parse as such.
func typedValue(cell string) any {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return nil
	}
	if n, err := strconv.ParseInt(cell, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f
	}
	return cell
}
