package etl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
	"github.com/rs/zerolog/log"
)

type AthenaAPI interface {
	StartQueryExecution(ctx context.Context, in *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, in *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
}

type RepairResp struct {
	Ok        bool   `json:"ok"`
	QueryID   string `json:"query_id,omitempty"`
	State     string `json:"state,omitempty"`
	Database  string `json:"database,omitempty"`
	Table     string `json:"table,omitempty"`
	Workgroup string `json:"workgroup,omitempty"`
	Output    string `json:"output,omitempty"`
}

type PartitionRepairer struct {
	Athena    AthenaAPI
	Database  string
	Table     string
	Workgroup string
	Output    string // s3://bucket/prefix/

	Timeout      time.Duration
	PollInterval time.Duration
}

// Repair runs MSCK REPAIR TABLE so partitions written by the metrics ETL
// become visible to Athena.
func (r *PartitionRepairer) Repair(ctx context.Context) (RepairResp, error) {
	if r.Database == "" || r.Table == "" || r.Output == "" {
		return RepairResp{}, fmt.Errorf("missing env: ATHENA_DATABASE, ATHENA_TABLE, ATHENA_OUTPUT are required")
	}
	if !strings.HasPrefix(r.Output, "s3://") {
		return RepairResp{}, fmt.Errorf("ATHENA_OUTPUT must start with s3://")
	}
	workgroup := r.Workgroup
	if workgroup == "" {
		workgroup = "primary"
	}
	timeout, poll := r.Timeout, r.PollInterval
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if poll == 0 {
		poll = 2 * time.Second
	}

	startOut, err := r.Athena.StartQueryExecution(ctx, &athena.StartQueryExecutionInput{
		QueryString: aws.String(fmt.Sprintf("MSCK REPAIR TABLE %s;", r.Table)),
		QueryExecutionContext: &athenatypes.QueryExecutionContext{
			Database: aws.String(r.Database),
		},
		WorkGroup: aws.String(workgroup),
		ResultConfiguration: &athenatypes.ResultConfiguration{
			OutputLocation: aws.String(r.Output),
		},
	})
	if err != nil {
		return RepairResp{}, fmt.Errorf("StartQueryExecution: %w", err)
	}

	qid := aws.ToString(startOut.QueryExecutionId)
	log.Info().Str("qid", qid).Str("db", r.Database).Str("table", r.Table).Str("wg", workgroup).Msg("repair started")

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		st, err := r.Athena.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{
			QueryExecutionId: aws.String(qid),
		})
		if err != nil {
			return RepairResp{QueryID: qid}, fmt.Errorf("GetQueryExecution: %w", err)
		}
		state := st.QueryExecution.Status.State
		switch state {
		case athenatypes.QueryExecutionStateSucceeded:
			log.Info().Str("qid", qid).Msg("repair succeeded")
			return RepairResp{
				Ok:        true,
				QueryID:   qid,
				State:     string(state),
				Database:  r.Database,
				Table:     r.Table,
				Workgroup: workgroup,
				Output:    r.Output,
			}, nil
		case athenatypes.QueryExecutionStateFailed, athenatypes.QueryExecutionStateCancelled:
			return RepairResp{QueryID: qid, State: string(state)},
				fmt.Errorf("repair %s: %s", state, aws.ToString(st.QueryExecution.Status.StateChangeReason))
		}

		select {
		case <-ctx.Done():
			return RepairResp{QueryID: qid}, ctx.Err()
		case <-time.After(poll):
		}
	}

	return RepairResp{QueryID: qid, State: "TIMEOUT"}, fmt.Errorf("repair timed out waiting for qid=%s", qid)
}
