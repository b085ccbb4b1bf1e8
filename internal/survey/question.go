package survey

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

type DataType string

const (
	DataTypeText        DataType = "text"
	DataTypeNumber      DataType = "number"
	DataTypeEmail       DataType = "email"
	DataTypeDate        DataType = "date"
	DataTypeTextarea    DataType = "textarea"
	DataTypeSelect      DataType = "select"
	DataTypeMultiselect DataType = "multiselect"
)

var DataTypes = []DataType{
	DataTypeText, DataTypeNumber, DataTypeEmail, DataTypeDate,
	DataTypeTextarea, DataTypeSelect, DataTypeMultiselect,
}

func (d DataType) Valid() bool { return lo.Contains(DataTypes, d) }

// IsSelection reports whether answers are picked from a fixed option list.
func (d DataType) IsSelection() bool {
	return d == DataTypeSelect || d == DataTypeMultiselect
}

// Options is the ordered choice list of a selection question. On the wire and
// in storage it is a single newline-delimited string, or null when absent.
type Options []string

// ParseOptions splits a newline-delimited option block, dropping blank lines.
func ParseOptions(raw string) Options {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	out := lo.FilterMap(lines, func(l string, _ int) (string, bool) {
		l = strings.TrimSpace(l)
		return l, l != ""
	})
	if len(out) == 0 {
		return nil
	}
	return out
}

func (o Options) String() string { return strings.Join(o, "\n") }

func (o Options) MarshalJSON() ([]byte, error) {
	if len(o) == 0 {
		return []byte("null"), nil
	}
	return json.Marshal(o.String())
}

func (o *Options) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*o = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*o = ParseOptions(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("options: expected string, list or null: %w", err)
	}
	*o = ParseOptions(strings.Join(list, "\n"))
	return nil
}

type Question struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Question  string    `json:"question"`
	DataType  DataType  `json:"dataType"`
	Options   Options   `json:"options"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

// QuestionInput is the raw admin form for creating or editing a question.
type QuestionInput struct {
	Title    string `validate:"required"`
	Question string `validate:"required"`
	DataType string `validate:"required"`
	Options  string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// definition is the validated, type-checked content of a question.
type definition struct {
	title    string
	question string
	dataType DataType
	options  Options
}

func (in QuestionInput) definition() (definition, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Question = strings.TrimSpace(in.Question)
	in.DataType = strings.TrimSpace(in.DataType)

	if err := validate.Struct(in); err != nil {
		return definition{}, validationError(msgFieldsRequired)
	}

	dt := DataType(strings.ToLower(in.DataType))
	if !dt.Valid() {
		return definition{}, validationError(fmt.Sprintf("Unsupported data type: %s", in.DataType))
	}

	d := definition{
		title:    Sanitize(in.Title),
		question: in.Question,
		dataType: dt,
	}
	if d.title == "" {
		return definition{}, validationError(msgFieldsRequired)
	}
	// Options only exist on selection questions; anything sent for other
	// types is dropped.
	if dt.IsSelection() {
		d.options = ParseOptions(in.Options)
		if len(d.options) == 0 {
			return definition{}, validationError(msgOptionsRequired)
		}
	}
	return d, nil
}

func (d definition) apply(q *Question) {
	q.Title = d.title
	q.Question = d.question
	q.DataType = d.dataType
	q.Options = d.options
}

// NewQuestion validates in and returns an active question with a fresh ID.
func NewQuestion(in QuestionInput, now time.Time) (Question, error) {
	d, err := in.definition()
	if err != nil {
		return Question{}, err
	}
	q := Question{
		ID:        NewQuestionID(now),
		IsActive:  true,
		CreatedAt: now.UTC(),
	}
	d.apply(&q)
	return q, nil
}

// NewQuestionID returns an id shaped like q_<unix millis>_<9 chars>.
func NewQuestionID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("q_%d_%s", now.UnixMilli(), suffix)
}

// ShopConfig is the per-shop survey configuration. Count 0 means no cap.
// Version is the optimistic-concurrency token; 0 means not yet stored.
type ShopConfig struct {
	Shop      string
	Questions []Question
	Count     int
	Version   int64
	UpdatedAt time.Time
}

const DefaultCount = 1

func newShopConfig(shop string) *ShopConfig {
	return &ShopConfig{Shop: shop, Questions: []Question{}, Count: DefaultCount}
}

func (c *ShopConfig) index(id string) int {
	_, i, ok := lo.FindIndexOf(c.Questions, func(q Question) bool { return q.ID == id })
	if !ok {
		return -1
	}
	return i
}

func (c *ShopConfig) titleTaken(title, exceptID string) bool {
	return lo.ContainsBy(c.Questions, func(q Question) bool {
		return q.ID != exceptID && Sanitize(q.Title) == title
	})
}

// ActiveQuestions returns the active questions in stored order.
func (c *ShopConfig) ActiveQuestions() []Question {
	return lo.Filter(c.Questions, func(q Question, _ int) bool { return q.IsActive })
}
