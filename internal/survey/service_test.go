package survey_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thankyou-survey/internal/shopify"
	"thankyou-survey/internal/survey"
	"thankyou-survey/internal/survey/surveytest"
)

const (
	testShop     = "acme.myshopify.com"
	testCustomer = "7001"
)

var customerGID = shopify.CustomerGID(testCustomer)

type fixture struct {
	store   *surveytest.MemoryStore
	shopify *surveytest.Shopify
	queue   *surveytest.Queue
	rec     *surveytest.Recorder
	svc     *survey.Service
}

func newFixture(t *testing.T, withQueue bool) *fixture {
	t.Helper()
	f := &fixture{
		store:   surveytest.NewMemoryStore(),
		shopify: surveytest.NewShopify(),
		queue:   &surveytest.Queue{},
		rec:     &surveytest.Recorder{},
	}
	opts := []survey.Option{
		survey.WithRecorder(f.rec),
		survey.WithClock(func() time.Time { return time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC) }),
	}
	if withQueue {
		opts = append(opts, survey.WithRepairQueue(f.queue))
	}
	f.svc = survey.NewService(f.store, surveytest.Tokens{testShop: "shpat_test"}, f.shopify, opts...)
	return f
}

func (f *fixture) create(t *testing.T, title string) survey.Question {
	t.Helper()
	q, err := f.svc.CreateQuestion(context.Background(), testShop, survey.QuestionInput{
		Title: title, Question: "Tell us: " + title, DataType: "text",
	})
	require.NoError(t, err)
	return *q
}

func titles(qs []survey.Question) []string {
	out := make([]string, len(qs))
	for i, q := range qs {
		out[i] = q.Title
	}
	return out
}

func requireKind(t *testing.T, err error, kind survey.Kind, msg string) {
	t.Helper()
	var se *survey.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, kind, se.Kind)
	if msg != "" {
		assert.Equal(t, msg, se.Message)
	}
}

func TestSelectQuestionsNoConfig(t *testing.T) {
	f := newFixture(t, false)
	qs, err := f.svc.SelectQuestions(context.Background(), "unknown.myshopify.com", testCustomer)
	require.NoError(t, err)
	assert.NotNil(t, qs)
	assert.Empty(t, qs)
}

func TestSelectQuestionsRequiresIDs(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.svc.SelectQuestions(context.Background(), testShop, " ")
	requireKind(t, err, survey.KindValidation, "Customer ID and shop are required")
}

func TestSelectQuestionsCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	for i := 1; i <= 5; i++ {
		f.create(t, fmt.Sprintf("Question %d", i))
	}

	require.NoError(t, f.svc.UpdateCount(ctx, testShop, 2))
	qs, err := f.svc.SelectQuestions(ctx, testShop, testCustomer)
	require.NoError(t, err)
	assert.Equal(t, []string{"question1", "question2"}, titles(qs))

	// a zero count is not reachable through UpdateCount; it means no cap
	cfg, err := f.svc.LoadConfig(ctx, testShop)
	require.NoError(t, err)
	cfg.Count = 0
	f.store.Seed(*cfg)
	qs, err = f.svc.SelectQuestions(ctx, testShop, testCustomer)
	require.NoError(t, err)
	assert.Len(t, qs, 5)
}

func TestSelectQuestionsSkipsInactiveAndAnswered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	a := f.create(t, "Alpha")
	f.create(t, "Beta")
	f.create(t, "Gamma")
	require.NoError(t, f.svc.UpdateCount(ctx, testShop, 10))

	_, err := f.svc.ToggleQuestion(ctx, testShop, a.ID)
	require.NoError(t, err)
	f.shopify.Values[testShop] = map[string]map[string]string{customerGID: {"beta": "yes"}}

	qs, err := f.svc.SelectQuestions(ctx, testShop, testCustomer)
	require.NoError(t, err)
	assert.Equal(t, []string{"gamma"}, titles(qs))
}

func TestSelectQuestionsLookupFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.create(t, "Alpha")

	f.shopify.LookupErr = errors.New("connection reset")
	_, err := f.svc.SelectQuestions(ctx, testShop, testCustomer)
	requireKind(t, err, survey.KindInternal, "Failed to fetch customer data")

	f.shopify.LookupErr = shopify.GraphQLErrors{{Message: "Throttled"}}
	_, err = f.svc.SelectQuestions(ctx, testShop, testCustomer)
	requireKind(t, err, survey.KindUpstream, "GraphQL errors")
}

type evictingTokens struct {
	surveytest.Tokens
	forgotten []string
}

func (e *evictingTokens) ForgetToken(_ context.Context, shop string) {
	e.forgotten = append(e.forgotten, shop)
}

func TestRevokedTokenIsEvicted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.create(t, "Favorite Color")
	tokens := &evictingTokens{Tokens: surveytest.Tokens{testShop: "shpat_revoked"}}
	svc := survey.NewService(f.store, tokens, f.shopify)
	f.shopify.LookupErr = fmt.Errorf("customer metafields: %w", &shopify.StatusError{Status: 401, Body: "Invalid API key or access token"})

	_, err := svc.SelectQuestions(ctx, testShop, testCustomer)
	requireKind(t, err, survey.KindAuthentication, "")
	assert.Equal(t, []string{testShop}, tokens.forgotten)

	f.shopify.LookupErr = nil
	f.shopify.SetErr = &shopify.StatusError{Status: 401}
	_, err = svc.SubmitAnswers(ctx, testShop, testCustomer, map[string]string{"Favorite Color": "Blue"})
	requireKind(t, err, survey.KindAuthentication, "")
	assert.Len(t, tokens.forgotten, 2)

	f.shopify.SetErr = &shopify.StatusError{Status: 500}
	_, err = svc.SubmitAnswers(ctx, testShop, testCustomer, map[string]string{"Favorite Color": "Blue"})
	requireKind(t, err, survey.KindInternal, "")
	assert.Len(t, tokens.forgotten, 2)
}

func TestSelectQuestionsWithoutSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.create(t, "Alpha")
	svc := survey.NewService(f.store, surveytest.Tokens{}, f.shopify)

	_, err := svc.SelectQuestions(ctx, testShop, testCustomer)
	requireKind(t, err, survey.KindAuthentication, "Authentication required. Please reinstall the app.")
	assert.Equal(t, 401, survey.KindOf(err).HTTPStatus())
}

func TestSubmitThenSelectExcludesAnswered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.create(t, "Favorite Color")
	f.create(t, "Shoe Size")
	require.NoError(t, f.svc.UpdateCount(ctx, testShop, 5))

	res, err := f.svc.SubmitAnswers(ctx, testShop, testCustomer, map[string]string{"Favorite Color": "Blue"})
	require.NoError(t, err)
	assert.Equal(t, "Answers saved successfully", res.Message)
	assert.Equal(t, 1, res.SavedCount)
	require.Len(t, res.Metafields, 1)
	assert.Equal(t, "favoritecolor", res.Metafields[0].Key)
	assert.Equal(t, "Blue", f.shopify.Values[testShop][customerGID]["favoritecolor"])
	assert.Contains(t, f.shopify.Definitions[testShop], "favoritecolor")

	qs, err := f.svc.SelectQuestions(ctx, testShop, testCustomer)
	require.NoError(t, err)
	assert.Equal(t, []string{"shoesize"}, titles(qs))

	require.Len(t, f.rec.Events, 1)
	assert.Equal(t, []string{"favoritecolor"}, f.rec.Events[0].Keys)
	assert.Equal(t, customerGID, f.rec.Events[0].Customer)
}

func TestSubmitBlankAnswers(t *testing.T) {
	f := newFixture(t, false)
	res, err := f.svc.SubmitAnswers(context.Background(), testShop, testCustomer, map[string]string{"Favorite Color": "  "})
	require.NoError(t, err)
	assert.Equal(t, "No valid answers to save", res.Message)
	assert.Zero(t, res.SavedCount)
	assert.Zero(t, f.shopify.SetCalls)
	assert.Empty(t, f.rec.Events)
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	_, err := f.svc.SubmitAnswers(ctx, testShop, testCustomer, nil)
	requireKind(t, err, survey.KindValidation, "Answers are required")

	_, err = f.svc.SubmitAnswers(ctx, "", testCustomer, map[string]string{"a": "b"})
	requireKind(t, err, survey.KindValidation, "Customer ID and shop are required")
	assert.Zero(t, f.shopify.SetCalls)
}

func TestSubmitSurfacesUserErrors(t *testing.T) {
	f := newFixture(t, false)
	f.shopify.SetErr = shopify.UserErrors{
		{Field: []string{"metafields", "0", "value"}, Message: "Value is too long", Code: "INVALID_VALUE"},
		{Field: []string{"metafields", "1", "value"}, Message: "Value is invalid", Code: "INVALID_VALUE"},
	}

	_, err := f.svc.SubmitAnswers(context.Background(), testShop, testCustomer, map[string]string{"A": "x", "B": "y"})
	var se *survey.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, survey.KindUpstream, se.Kind)
	assert.Equal(t, "Failed to save answers", se.Message)
	details, ok := se.Details.(shopify.UserErrors)
	require.True(t, ok)
	assert.Len(t, details, 2)
}

func TestSubmitDefinitionFailureDoesNotAbort(t *testing.T) {
	f := newFixture(t, true)
	f.shopify.DefinitionErr = errors.New("internal error")

	res, err := f.svc.SubmitAnswers(context.Background(), testShop, testCustomer, map[string]string{"Favorite Color": "Blue"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SavedCount)
	require.Len(t, f.queue.Tasks, 1)
	assert.Equal(t, survey.RepairTask{Kind: survey.RepairCreateDefinition, Shop: testShop, Key: "favoritecolor"}, f.queue.Tasks[0])
}

func TestSubmitCollidingLabels(t *testing.T) {
	f := newFixture(t, false)
	res, err := f.svc.SubmitAnswers(context.Background(), testShop, testCustomer, map[string]string{
		"Favorite Color": "Blue",
		"favorite color": "Red",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.SavedCount)
	// labels are applied in sorted order, lowercase sorts last
	assert.Equal(t, "Red", f.shopify.Values[testShop][customerGID]["favoritecolor"])
}

func TestCreateDuplicateTitle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.create(t, "Favorite Color")

	_, err := f.svc.CreateQuestion(ctx, testShop, survey.QuestionInput{
		Title: "favorite color", Question: "Again?", DataType: "text",
	})
	requireKind(t, err, survey.KindValidation, "A question with this title already exists")

	cfg, err := f.svc.LoadConfig(ctx, testShop)
	require.NoError(t, err)
	assert.Len(t, cfg.Questions, 1)
}

func TestUpdateQuestion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	a := f.create(t, "Alpha")
	f.create(t, "Beta")
	_, err := f.svc.ToggleQuestion(ctx, testShop, a.ID)
	require.NoError(t, err)

	// keeping its own title is not a duplicate
	q, err := f.svc.UpdateQuestion(ctx, testShop, a.ID, survey.QuestionInput{
		Title: "ALPHA", Question: "Pick one", DataType: "select", Options: "x\ny",
	})
	require.NoError(t, err)
	assert.Equal(t, a.ID, q.ID)
	assert.Equal(t, a.CreatedAt, q.CreatedAt)
	assert.False(t, q.IsActive)
	assert.Equal(t, survey.Options{"x", "y"}, q.Options)

	_, err = f.svc.UpdateQuestion(ctx, testShop, a.ID, survey.QuestionInput{
		Title: "beta", Question: "Pick one", DataType: "text",
	})
	requireKind(t, err, survey.KindValidation, "A question with this title already exists")

	_, err = f.svc.UpdateQuestion(ctx, testShop, "q_missing", survey.QuestionInput{
		Title: "gamma", Question: "?", DataType: "text",
	})
	requireKind(t, err, survey.KindNotFound, "Question not found")
}

func TestToggleTwiceRestoresState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	a := f.create(t, "Alpha")

	q, err := f.svc.ToggleQuestion(ctx, testShop, a.ID)
	require.NoError(t, err)
	assert.False(t, q.IsActive)
	q, err = f.svc.ToggleQuestion(ctx, testShop, a.ID)
	require.NoError(t, err)
	assert.True(t, q.IsActive)

	_, err = f.svc.ToggleQuestion(ctx, testShop, "nope")
	requireKind(t, err, survey.KindNotFound, "Question not found")
}

func TestDeleteQuestionCleansUpAnswers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	a := f.create(t, "Favorite Color")
	_, err := f.svc.SubmitAnswers(ctx, testShop, testCustomer, map[string]string{"Favorite Color": "Blue"})
	require.NoError(t, err)

	require.NoError(t, f.svc.DeleteQuestion(ctx, testShop, a.ID))

	cfg, err := f.svc.LoadConfig(ctx, testShop)
	require.NoError(t, err)
	assert.Empty(t, cfg.Questions)
	assert.Equal(t, []string{"favoritecolor"}, f.shopify.DeletedKeys)
	assert.NotContains(t, f.shopify.Values[testShop][customerGID], "favoritecolor")
}

func TestDeleteQuestionSurvivesCleanupFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	a := f.create(t, "Favorite Color")
	f.shopify.Definitions[testShop] = map[string]string{"favoritecolor": "gid://shopify/MetafieldDefinition/1"}
	f.shopify.DeleteErr = errors.New("shopify down")

	require.NoError(t, f.svc.DeleteQuestion(ctx, testShop, a.ID))

	cfg, err := f.svc.LoadConfig(ctx, testShop)
	require.NoError(t, err)
	assert.Empty(t, cfg.Questions)
}

func TestDeleteQuestionQueuesCleanup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	a := f.create(t, "Favorite Color")

	require.NoError(t, f.svc.DeleteQuestion(ctx, testShop, a.ID))
	require.Len(t, f.queue.Tasks, 1)
	assert.Equal(t, survey.RepairDeleteDefinition, f.queue.Tasks[0].Kind)
	assert.Empty(t, f.shopify.DeletedKeys)

	err := f.svc.DeleteQuestion(ctx, testShop, a.ID)
	requireKind(t, err, survey.KindNotFound, "Question not found")
}

func TestDeleteQuestionFallsBackWhenQueueFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	f.queue.Err = errors.New("sns unavailable")
	a := f.create(t, "Favorite Color")
	f.shopify.Definitions[testShop] = map[string]string{"favoritecolor": "gid://shopify/MetafieldDefinition/1"}

	require.NoError(t, f.svc.DeleteQuestion(ctx, testShop, a.ID))
	assert.Equal(t, []string{"favoritecolor"}, f.shopify.DeletedKeys)
}

func TestQueuedDeleteSkipsRecreatedQuestion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, true)
	a := f.create(t, "Favorite Color")
	require.NoError(t, f.svc.DeleteQuestion(ctx, testShop, a.ID))
	require.Len(t, f.queue.Tasks, 1)

	f.create(t, "Favorite Color")
	_, err := f.svc.SubmitAnswers(ctx, testShop, testCustomer, map[string]string{"Favorite Color": "Blue"})
	require.NoError(t, err)

	require.NoError(t, f.svc.RunRepair(ctx, f.queue.Tasks[0]))
	assert.Empty(t, f.shopify.DeletedKeys)
	assert.Equal(t, "Blue", f.shopify.Values[testShop][customerGID]["favoritecolor"])

	pending, err := f.svc.SelectQuestions(ctx, testShop, testCustomer)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestUpdateCount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	err := f.svc.UpdateCount(ctx, testShop, 0)
	requireKind(t, err, survey.KindValidation, "Count must be at least 1")

	require.NoError(t, f.svc.UpdateCount(ctx, testShop, 3))
	cfg, err := f.svc.LoadConfig(ctx, testShop)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Count)
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	cfg, err := f.svc.LoadConfig(ctx, testShop)
	require.NoError(t, err)
	assert.Equal(t, survey.DefaultCount, cfg.Count)
	assert.Empty(t, cfg.Questions)
	assert.EqualValues(t, 1, cfg.Version)

	_, err = f.svc.LoadConfig(ctx, testShop)
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.Puts)
}

func TestMutationRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.create(t, "Alpha")

	// another admin session adds Beta between our read and our write, once
	raced := false
	f.store.BeforePut = func(cfg *survey.ShopConfig) {
		if raced {
			return
		}
		raced = true
		cur, err := f.store.GetConfig(ctx, testShop)
		require.NoError(t, err)
		beta, err := survey.NewQuestion(survey.QuestionInput{Title: "Beta", Question: "?", DataType: "text"}, time.Now())
		require.NoError(t, err)
		cur.Questions = append(cur.Questions, beta)
		require.NoError(t, f.store.PutConfig(ctx, cur))
	}

	f.create(t, "Gamma")

	cfg, err := f.svc.LoadConfig(ctx, testShop)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, titles(cfg.Questions))
}

func TestMutationGivesUpAfterRepeatedConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	f.create(t, "Alpha")

	f.store.BeforePut = func(cfg *survey.ShopConfig) {
		// every write races with a count change
		cur, err := f.store.GetConfig(ctx, testShop)
		require.NoError(t, err)
		if cur.Version == cfg.Version {
			f.store.Seed(survey.ShopConfig{Shop: cur.Shop, Questions: cur.Questions, Count: cur.Count, Version: cur.Version + 1})
		}
	}

	_, err := f.svc.ToggleQuestion(ctx, testShop, "whatever")
	requireKind(t, err, survey.KindNotFound, "")

	cfg, _ := f.store.GetConfig(ctx, testShop)
	_, err = f.svc.ToggleQuestion(ctx, testShop, cfg.Questions[0].ID)
	requireKind(t, err, survey.KindConflict, "")
	assert.True(t, errors.Is(err, survey.ErrConflict))
}

func TestCustomerFromOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)
	orderGID := shopify.OrderGID("555")
	f.shopify.Orders[orderGID] = &shopify.Order{
		ID:       orderGID,
		Name:     "#1001",
		Customer: &shopify.Customer{ID: customerGID, Email: "ada@example.com"},
	}
	f.shopify.Orders[shopify.OrderGID("556")] = &shopify.Order{ID: shopify.OrderGID("556"), Name: "#1002"}

	order, err := f.svc.CustomerFromOrder(ctx, testShop, "555")
	require.NoError(t, err)
	assert.Equal(t, customerGID, order.Customer.ID)

	_, err = f.svc.CustomerFromOrder(ctx, testShop, "556")
	requireKind(t, err, survey.KindNotFound, "No customer associated with this order")

	_, err = f.svc.CustomerFromOrder(ctx, testShop, "999")
	requireKind(t, err, survey.KindNotFound, "Order not found")

	_, err = f.svc.CustomerFromOrder(ctx, testShop, "")
	requireKind(t, err, survey.KindValidation, "Order ID and shop are required")
}

func TestSaveDateOfBirth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	written, err := f.svc.SaveDateOfBirth(ctx, testShop, testCustomer, "1990-04-01")
	require.NoError(t, err)
	require.Len(t, written, 1)
	assert.Equal(t, "dob", written[0].Key)
	assert.Equal(t, "1990-04-01", f.shopify.Values[testShop][customerGID]["dob"])
	assert.Contains(t, f.shopify.Definitions[testShop], "dob")

	_, err = f.svc.SaveDateOfBirth(ctx, testShop, testCustomer, " ")
	requireKind(t, err, survey.KindValidation, "No data to save")
}

func TestRunRepair(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, false)

	require.NoError(t, f.svc.RunRepair(ctx, survey.RepairTask{Kind: survey.RepairCreateDefinition, Shop: testShop, Key: "favoritecolor"}))
	assert.Contains(t, f.shopify.Definitions[testShop], "favoritecolor")

	// running twice is harmless
	require.NoError(t, f.svc.RunRepair(ctx, survey.RepairTask{Kind: survey.RepairCreateDefinition, Shop: testShop, Key: "favoritecolor"}))

	require.NoError(t, f.svc.RunRepair(ctx, survey.RepairTask{Kind: survey.RepairDeleteDefinition, Shop: testShop, Key: "favoritecolor"}))
	require.NoError(t, f.svc.RunRepair(ctx, survey.RepairTask{Kind: survey.RepairDeleteDefinition, Shop: testShop, Key: "favoritecolor"}))
	assert.Equal(t, []string{"favoritecolor"}, f.shopify.DeletedKeys)

	// uninstalled shops are skipped
	require.NoError(t, f.svc.RunRepair(ctx, survey.RepairTask{Kind: survey.RepairDeleteDefinition, Shop: "gone.myshopify.com", Key: "x"}))

	assert.Error(t, f.svc.RunRepair(ctx, survey.RepairTask{Kind: "rename", Shop: testShop, Key: "x"}))
}
