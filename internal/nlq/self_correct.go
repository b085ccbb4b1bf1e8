package nlq

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
)

type FixSQLRequest struct {
	OriginalQuestion string
	SchemaText       string
	Shop             string
	MaxDaysLookback  int
	TodayISO         string

	PreviousSQL string
	AthenaError string
}

var fixPrompt = template.Must(template.New("fix").Parse(`
The Athena query below failed. Rewrite it so it answers the question and runs.

Rules:
- Answer with a JSON object and nothing else.
- Exactly one SELECT.
- Filter on shop_id = '{{.Shop}}' and never on any other shop_id.
- Bound dt from below at '{{.Floor}}' or later.
- Stay within the schema and the question.

SCHEMA:
{{.Schema}}

QUESTION:
{{.Question}}

FAILED SQL:
{{.SQL}}

ERROR:
{{.Err}}

Shape:
{"sql": "...", "confidence": 0.0, "assumptions": ["..."], "needs_clarification": false, "clarifying_question": null}
`))

func BuildFixPrompt(r FixSQLRequest) string {
	var buf bytes.Buffer
	_ = fixPrompt.Execute(&buf, map[string]any{
		"Shop":     r.Shop,
		"Floor":    dtMin(r.TodayISO, r.MaxDaysLookback),
		"Schema":   r.SchemaText,
		"Question": r.OriginalQuestion,
		"SQL":      r.PreviousSQL,
		"Err":      r.AthenaError,
	})
	return buf.String()
}

// executeWithSelfCorrection runs the model's SQL and, when Athena or the
// validator rejects it, asks the model for a fix up to maxFix times. A nil
// result with a non-nil LLMResult means the model asked for clarification.
func (e *Engine) executeWithSelfCorrection(ctx context.Context, q question, initial *LLMResult, maxFix int) (*LLMResult, *AthenaResult, error) {
	cur := *initial
	res, lastErr := RunAthenaQuery(ctx, e.Athena, cur.SQL, e.AthenaOptions)
	if lastErr == nil {
		return &cur, res, nil
	}

	for attempt := 1; attempt <= maxFix; attempt++ {
		fixed, ferr := e.Model.Generate(ctx, BuildFixPrompt(FixSQLRequest{
			OriginalQuestion: q.text,
			SchemaText:       q.schemaText,
			Shop:             q.shop,
			MaxDaysLookback:  q.validate.MaxDaysLookback,
			TodayISO:         q.validate.TodayISO,
			PreviousSQL:      cur.SQL,
			AthenaError:      lastErr.Error(),
		}))
		if ferr != nil {
			return nil, nil, fmt.Errorf("fix attempt %d: %w", attempt, ferr)
		}
		if fixed.NeedsClarification {
			return fixed, nil, nil
		}
		cur = *fixed

		if err := ValidateSQL(fixed.SQL, q.validate); err != nil {
			lastErr = fmt.Errorf("fixed sql rejected: %w", err)
			continue
		}
		if res, lastErr = RunAthenaQuery(ctx, e.Athena, fixed.SQL, e.AthenaOptions); lastErr == nil {
			return fixed, res, nil
		}
	}

	return &cur, nil, fmt.Errorf("query still failing after %d fix attempts: %w", maxFix, lastErr)
}

func strOrEmpty(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}
