package survey_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thankyou-survey/internal/survey"
)

func TestNewQuestion(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	q, err := survey.NewQuestion(survey.QuestionInput{
		Title:    "Favorite Color",
		Question: "What is your favorite color?",
		DataType: "select",
		Options:  "Red\r\n\nBlue \n Green",
	}, now)
	require.NoError(t, err)

	assert.Equal(t, "favoritecolor", q.Title)
	assert.Equal(t, survey.DataTypeSelect, q.DataType)
	assert.Equal(t, survey.Options{"Red", "Blue", "Green"}, q.Options)
	assert.True(t, q.IsActive)
	assert.Equal(t, now, q.CreatedAt)
	assert.Regexp(t, `^q_\d+_[0-9a-f]{9}$`, q.ID)
}

func TestNewQuestionDropsOptionsForFreeText(t *testing.T) {
	q, err := survey.NewQuestion(survey.QuestionInput{
		Title: "Age", Question: "How old are you?", DataType: "number", Options: "1\n2",
	}, time.Now())
	require.NoError(t, err)
	assert.Nil(t, q.Options)
}

func TestNewQuestionValidation(t *testing.T) {
	cases := []struct {
		name string
		in   survey.QuestionInput
		msg  string
	}{
		{"missing title", survey.QuestionInput{Question: "q", DataType: "text"}, "All fields are required"},
		{"blank question", survey.QuestionInput{Title: "t", Question: "  ", DataType: "text"}, "All fields are required"},
		{"missing type", survey.QuestionInput{Title: "t", Question: "q"}, "All fields are required"},
		{"select without options", survey.QuestionInput{Title: "t", Question: "q", DataType: "select"}, "Options are required for select questions"},
		{"multiselect with blank options", survey.QuestionInput{Title: "t", Question: "q", DataType: "multiselect", Options: "\n \n"}, "Options are required for select questions"},
		{"unknown type", survey.QuestionInput{Title: "t", Question: "q", DataType: "rating"}, "Unsupported data type: rating"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := survey.NewQuestion(tc.in, time.Now())
			var se *survey.Error
			require.ErrorAs(t, err, &se)
			assert.Equal(t, survey.KindValidation, se.Kind)
			assert.Equal(t, tc.msg, se.Message)
		})
	}
}

func TestOptionsJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		Options survey.Options `json:"options"`
	}{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"options":null}`, string(b))

	b, err = json.Marshal(survey.Options{"Red", "Blue"})
	require.NoError(t, err)
	assert.Equal(t, `"Red\nBlue"`, string(b))

	var fromList survey.Options
	require.NoError(t, json.Unmarshal([]byte(`["A"," B ",""]`), &fromList))
	assert.Equal(t, survey.Options{"A", "B"}, fromList)

	var fromNull survey.Options = survey.Options{"x"}
	require.NoError(t, json.Unmarshal([]byte(`null`), &fromNull))
	assert.Nil(t, fromNull)
}
