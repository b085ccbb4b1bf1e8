// Package nlq answers a merchant's natural-language question about their
// survey metrics: a Bedrock model drafts Athena SQL, which is validated to stay
// within the merchant's shop before it runs.
package nlq

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

type Model interface {
	Generate(ctx context.Context, prompt string) (*LLMResult, error)
}

const (
	AnswerResult        = "result"
	AnswerClarification = "clarification"
	AnswerRejected      = "sql_rejected"
	AnswerAthenaFailed  = "athena_failed"
)

type Answer struct {
	Type               string         `json:"type"`
	Cached             bool           `json:"cached,omitempty"`
	SQL                string         `json:"sql,omitempty"`
	Assumptions        []string       `json:"assumptions,omitempty"`
	Confidence         float64        `json:"confidence"`
	Result             map[string]any `json:"result,omitempty"`
	QueryID            string         `json:"query_id,omitempty"`
	ScannedBytes       int64          `json:"scanned_bytes,omitempty"`
	ExecMs             int64          `json:"exec_ms,omitempty"`
	ClarifyingQuestion string         `json:"clarifying_question,omitempty"`
	Reason             string         `json:"reason,omitempty"`
	Error              string         `json:"error,omitempty"`
}

// StageError reports which step of answering failed; the handler uses
// Stage as the error code.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return e.Stage + ": " + e.Err.Error() }

func (e *StageError) Unwrap() error { return e.Err }

type Engine struct {
	Glue          GlueClient
	Model         Model
	Athena        AthenaClient
	Cache         *Cache
	GlueDatabase  string
	Table         string
	AthenaOptions AthenaRunOptions

	MaxDays        int
	Timezone       string
	MaxFixAttempts int
	Now            func() time.Time
}

type question struct {
	shop       string
	text       string
	schemaText string
	validate   ValidateOptions
}

func (e *Engine) today() string {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	loc := time.UTC
	if e.Timezone != "" {
		if l, err := time.LoadLocation(e.Timezone); err == nil {
			loc = l
		}
	}
	return now().In(loc).Format("2006-01-02")
}

func (e *Engine) Ask(ctx context.Context, shop, text string) (*Answer, error) {
	shop = strings.ToLower(strings.TrimSpace(shop))
	text = strings.TrimSpace(text)
	if shop == "" || text == "" {
		return nil, &StageError{Stage: "question_required", Err: fmt.Errorf("shop and question are required")}
	}
	maxDays := e.MaxDays
	if maxDays <= 0 {
		maxDays = 90
	}
	maxFix := e.MaxFixAttempts
	if maxFix < 0 {
		maxFix = 0
	}

	schema, err := LoadTableSchema(ctx, e.Glue, e.GlueDatabase, e.Table)
	if err != nil {
		return nil, &StageError{Stage: "glue_get_table_failed", Err: err}
	}
	schemaText := CompactSchemaText(schema)
	today := e.today()

	ck := CacheKey{
		Shop:       shop,
		Question:   text,
		TodayISO:   today,
		MaxDays:    maxDays,
		SchemaHash: SchemaHash(schemaText),
	}
	if cached, ok, err := e.Cache.Get(ctx, ck); err != nil {
		log.Warn().Err(err).Str("shop", shop).Msg("insights cache read failed")
	} else if ok {
		return &Answer{
			Type:         AnswerResult,
			Cached:       true,
			SQL:          cached.SQL,
			Assumptions:  cached.Assumptions,
			Confidence:   cached.Confidence,
			Result:       ShapeResult(cached.Columns, cached.Rows),
			QueryID:      cached.QueryID,
			ScannedBytes: cached.ScannedBytes,
			ExecMs:       cached.ExecMs,
		}, nil
	}

	q := question{
		shop:       shop,
		text:       text,
		schemaText: schemaText,
		validate:   ValidateOptions{Shop: shop, MaxDaysLookback: maxDays, TodayISO: today},
	}

	llm, err := e.Model.Generate(ctx, BuildPrompt(LLMRequest{
		Question:        text,
		Shop:            shop,
		MaxDaysLookback: maxDays,
		SchemaText:      schemaText,
		TodayISO:        today,
		Timezone:        e.Timezone,
	}))
	if err != nil {
		return nil, &StageError{Stage: "bedrock_error", Err: err}
	}
	if llm.NeedsClarification {
		return clarification(llm), nil
	}
	if err := ValidateSQL(llm.SQL, q.validate); err != nil {
		return &Answer{
			Type:        AnswerRejected,
			Reason:      err.Error(),
			SQL:         llm.SQL,
			Assumptions: llm.Assumptions,
			Confidence:  llm.Confidence,
		}, nil
	}

	final, res, err := e.executeWithSelfCorrection(ctx, q, llm, maxFix)
	if err != nil {
		a := &Answer{Type: AnswerAthenaFailed, Error: err.Error()}
		if final != nil {
			a.SQL, a.Assumptions, a.Confidence = final.SQL, final.Assumptions, final.Confidence
		}
		return a, nil
	}
	if res == nil {
		return clarification(final), nil
	}

	if err := e.Cache.Put(ctx, ck, CachedResponse{
		SQL:          final.SQL,
		Columns:      res.Columns,
		Rows:         res.Rows,
		Assumptions:  final.Assumptions,
		Confidence:   final.Confidence,
		ScannedBytes: res.ScannedBytes,
		ExecMs:       res.ExecutionMs,
		QueryID:      res.QueryExecutionID,
	}); err != nil {
		log.Warn().Err(err).Str("shop", shop).Msg("insights cache write failed")
	}

	return &Answer{
		Type:         AnswerResult,
		SQL:          final.SQL,
		Assumptions:  final.Assumptions,
		Confidence:   final.Confidence,
		Result:       ShapeResult(res.Columns, res.Rows),
		QueryID:      res.QueryExecutionID,
		ScannedBytes: res.ScannedBytes,
		ExecMs:       res.ExecutionMs,
	}, nil
}

func clarification(llm *LLMResult) *Answer {
	return &Answer{
		Type:               AnswerClarification,
		ClarifyingQuestion: strOrEmpty(llm.ClarifyingQuestion),
		Assumptions:        llm.Assumptions,
		Confidence:         llm.Confidence,
	}
}
