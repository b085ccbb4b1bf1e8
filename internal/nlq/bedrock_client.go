package nlq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	bedrockruntime "github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

type BedrockClient interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type LLMRequest struct {
	Question        string
	Shop            string
	MaxDaysLookback int
	SchemaText      string
	TodayISO        string
	Timezone        string
}

// LLMResult is the JSON object the model is told to answer with.
type LLMResult struct {
	SQL                string   `json:"sql"`
	Confidence         float64  `json:"confidence"`
	Assumptions        []string `json:"assumptions"`
	NeedsClarification bool     `json:"needs_clarification"`
	ClarifyingQuestion *string  `json:"clarifying_question"`
}

// dtMin is the oldest partition date a query may touch.
func dtMin(todayISO string, maxDays int) string {
	today, _ := time.Parse(time.DateOnly, todayISO)
	return today.AddDate(0, 0, -maxDays).Format(time.DateOnly)
}

var askPrompt = template.Must(template.New("ask").Parse(`
You compile questions about post-purchase survey answers into a single AWS Athena query.

Table rows hold per-day answer counts for one shop and one survey question:
- question_key: sanitized question title, lowercase without spaces
- answers: answers saved that day
- unique_customers: distinct customers who answered that day

Answer with a JSON object and nothing else.

Query rules:
- Exactly one SELECT. No semicolons. No comments.
- Reference only the tables and columns listed under SCHEMA.
- Filter on shop_id = '{{.Shop}}' and never on any other shop_id.
- Bound dt from below at '{{.Floor}}' or later, e.g. dt >= date '{{.Floor}}' or dt between date '{{.Floor}}' and date '{{.Today}}'.
- metric_date is a 'YYYY-MM-DD' string; cast it to date before comparing.
- Wrap every aggregate in COALESCE(..., 0).
- For totals return one column with a descriptive name such as total_answers.

TODAY: {{.Today}}
DT_MIN_ALLOWED: {{.Floor}}
LOCAL_TIMEZONE: {{.Timezone}}

SCHEMA:
{{.Schema}}

QUESTION:
{{.Question}}

Shape:
{"sql": "...", "confidence": 0.0, "assumptions": ["..."], "needs_clarification": false, "clarifying_question": null}
`))

func BuildPrompt(r LLMRequest) string {
	var buf bytes.Buffer
	_ = askPrompt.Execute(&buf, map[string]any{
		"Shop":     r.Shop,
		"Floor":    dtMin(r.TodayISO, r.MaxDaysLookback),
		"Today":    r.TodayISO,
		"Timezone": r.Timezone,
		"Schema":   r.SchemaText,
		"Question": r.Question,
	})
	return buf.String()
}

// BedrockModel invokes an Anthropic model on Bedrock and parses its JSON answer.
type BedrockModel struct {
	Client    BedrockClient
	ModelID   string
	MaxTokens int
}

type messagesRequest struct {
	AnthropicVersion string    `json:"anthropic_version"`
	MaxTokens        int       `json:"max_tokens"`
	Temperature      float64   `json:"temperature"`
	Messages         []message `json:"messages"`
}

type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type messagesResponse struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
}

func (m *BedrockModel) Generate(ctx context.Context, prompt string) (*LLMResult, error) {
	if strings.TrimSpace(m.ModelID) == "" {
		return nil, errors.New("missing BEDROCK_MODEL_ID")
	}
	maxTokens := m.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 700
	}
	body, err := json.Marshal(messagesRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		Messages: []message{{
			Role:    "user",
			Content: []contentBlock{{Type: "text", Text: prompt}},
		}},
	})
	if err != nil {
		return nil, err
	}

	out, err := m.Client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(m.ModelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", m.ModelID, err)
	}
	return parseModelOutput(out.Body)
}

func parseModelOutput(b []byte) (*LLMResult, error) {
	var resp messagesResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, fmt.Errorf("decode model response: %w", err)
	}
	var text strings.Builder
	for _, blk := range resp.Content {
		if blk.Type == "text" {
			text.WriteString(blk.Text)
		}
	}

	obj := extractFirstJSONObject(text.String())
	if obj == "" {
		return nil, errors.New("model answer has no JSON object")
	}
	var res LLMResult
	if err := json.Unmarshal([]byte(obj), &res); err != nil {
		if len(obj) > 800 {
			obj = obj[:800] + "..."
		}
		return nil, fmt.Errorf("decode model JSON: %w; raw=%s", err, obj)
	}
	res.SQL = strings.TrimSpace(res.SQL)
	return &res, nil
}

// extractFirstJSONObject returns the first balanced {...} block in s.
// Braces inside string literals do not count.
func extractFirstJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	var (
		depth  int
		quoted bool
		escape bool
	)
	for i, r := range s[start:] {
		if quoted {
			if escape {
				escape = false
			} else if r == '\\' {
				escape = true
			} else if r == '"' {
				quoted = false
			}
			continue
		}
		switch r {
		case '"':
			quoted = true
		case '{':
			depth++
		case '}':
			if depth--; depth == 0 {
				return s[start : start+i+1]
			}
		}
	}
	return ""
}
