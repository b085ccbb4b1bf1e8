package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
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

type checkoutFixture struct {
	store   *surveytest.MemoryStore
	shopify *surveytest.Shopify
	svc     *survey.Service
	h       *CheckoutHandler
}

func newCheckoutFixture(t *testing.T) *checkoutFixture {
	t.Helper()
	f := &checkoutFixture{
		store:   surveytest.NewMemoryStore(),
		shopify: surveytest.NewShopify(),
	}
	f.svc = survey.NewService(f.store, surveytest.Tokens{testShop: "shpat_test"}, f.shopify,
		survey.WithClock(func() time.Time { return time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC) }))
	f.h = NewCheckoutHandler(f.svc)
	return f
}

func (f *checkoutFixture) addQuestion(t *testing.T, title string) {
	t.Helper()
	_, err := f.svc.CreateQuestion(context.Background(), testShop, survey.QuestionInput{
		Title: title, Question: "Your " + title + "?", DataType: "text",
	})
	require.NoError(t, err)
}

func apiReq(m, path string, query map[string]string, body string) events.APIGatewayV2HTTPRequest {
	req := events.APIGatewayV2HTTPRequest{
		RawPath:               path,
		QueryStringParameters: query,
		Body:                  body,
		Headers:               map[string]string{},
	}
	req.RequestContext.HTTP.Method = m
	return req
}

func decodeBody(t *testing.T, resp events.APIGatewayV2HTTPResponse) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(resp.Body), &out))
	return out
}

func TestCheckoutPreflightAndCORS(t *testing.T) {
	f := newCheckoutFixture(t)

	for _, path := range []string{"/questions", "/customer-from-order", "/save-date-of-birth", "/app/getquestions"} {
		resp, err := f.h.Handle(context.Background(), apiReq("OPTIONS", path, nil, ""))
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode, path)
		assert.Equal(t, "*", resp.Headers["access-control-allow-origin"])
		assert.Equal(t, "GET, POST, PUT, DELETE, OPTIONS", resp.Headers["access-control-allow-methods"])
		assert.Equal(t, "Content-Type, Authorization, Accept, Origin", resp.Headers["access-control-allow-headers"])
		assert.Equal(t, "true", resp.Headers["access-control-allow-credentials"])
	}

	resp, _ := f.h.Handle(context.Background(), apiReq("DELETE", "/questions", nil, ""))
	assert.Equal(t, 405, resp.StatusCode)
	assert.Equal(t, "*", resp.Headers["access-control-allow-origin"])

	resp, _ = f.h.Handle(context.Background(), apiReq("GET", "/nope", nil, ""))
	assert.Equal(t, 404, resp.StatusCode)
}

func TestCheckoutSelectAndSubmit(t *testing.T) {
	f := newCheckoutFixture(t)
	f.addQuestion(t, "Favorite Color")
	f.addQuestion(t, "Shoe Size")
	require.NoError(t, f.svc.UpdateCount(context.Background(), testShop, 5))

	query := map[string]string{"customerId": testCustomer, "shop": testShop}
	resp, err := f.h.Handle(context.Background(), apiReq("GET", "/questions", query, ""))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)
	assert.Len(t, decodeBody(t, resp)["questions"], 2)

	body := `{"customerId":"7001","shop":"acme.myshopify.com","answers":{"Favorite Color":"Blue","Shoe Size":42,"Skipped":null}}`
	resp, err = f.h.Handle(context.Background(), apiReq("POST", "/questions", nil, body))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode, resp.Body)
	out := decodeBody(t, resp)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, "Answers saved successfully", out["message"])
	assert.EqualValues(t, 2, out["savedCount"])

	gid := shopify.CustomerGID(testCustomer)
	assert.Equal(t, "42", f.shopify.Values[testShop][gid]["shoesize"])
	assert.Equal(t, "Blue", f.shopify.Values[testShop][gid]["favoritecolor"])

	resp, _ = f.h.Handle(context.Background(), apiReq("GET", "/app/getquestions", query, ""))
	assert.Empty(t, decodeBody(t, resp)["questions"])
}

func TestCheckoutSubmitBase64Body(t *testing.T) {
	f := newCheckoutFixture(t)
	body := base64.StdEncoding.EncodeToString([]byte(`{"customerId":"7001","shop":"acme.myshopify.com","answers":{"Mood":true}}`))
	req := apiReq("POST", "/questions", nil, body)
	req.IsBase64Encoded = true

	resp, err := f.h.Handle(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode, resp.Body)
	assert.Equal(t, "true", f.shopify.Values[testShop][shopify.CustomerGID(testCustomer)]["mood"])
}

func TestCheckoutErrors(t *testing.T) {
	f := newCheckoutFixture(t)
	f.addQuestion(t, "Favorite Color")

	resp, _ := f.h.Handle(context.Background(), apiReq("GET", "/questions", map[string]string{"shop": testShop}, ""))
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, "Customer ID and shop are required", decodeBody(t, resp)["error"])

	resp, _ = f.h.Handle(context.Background(), apiReq("GET", "/questions", map[string]string{"shop": "other.myshopify.com", "customerId": "1"}, ""))
	assert.Equal(t, 200, resp.StatusCode, "no config means no questions")

	f.store.Seed(survey.ShopConfig{Shop: "other.myshopify.com", Count: 1, Questions: []survey.Question{{ID: "q_1", Title: "A", Question: "A?", DataType: survey.DataTypeText, IsActive: true}}})
	resp, _ = f.h.Handle(context.Background(), apiReq("GET", "/questions", map[string]string{"shop": "other.myshopify.com", "customerId": "1"}, ""))
	assert.Equal(t, 401, resp.StatusCode)
	assert.Equal(t, "Authentication required. Please reinstall the app.", decodeBody(t, resp)["error"])

	f.shopify.LookupErr = shopify.GraphQLErrors{{Message: "Throttled"}}
	resp, _ = f.h.Handle(context.Background(), apiReq("GET", "/questions", map[string]string{"shop": testShop, "customerId": "1"}, ""))
	assert.Equal(t, 400, resp.StatusCode)
	out := decodeBody(t, resp)
	assert.Equal(t, "GraphQL errors", out["error"])
	assert.NotNil(t, out["details"])

	f.shopify.LookupErr = errors.New("connection reset")
	resp, _ = f.h.Handle(context.Background(), apiReq("GET", "/questions", map[string]string{"shop": testShop, "customerId": "1"}, ""))
	assert.Equal(t, 500, resp.StatusCode)
	out = decodeBody(t, resp)
	assert.Equal(t, "Failed to fetch customer data", out["error"])
	assert.Contains(t, out["message"], "connection reset")

	resp, _ = f.h.Handle(context.Background(), apiReq("POST", "/questions", nil, "{not json"))
	assert.Equal(t, 400, resp.StatusCode)

	f.shopify.LookupErr = nil
	f.shopify.SetErr = shopify.UserErrors{{Field: []string{"value"}, Message: "too long"}}
	resp, _ = f.h.Handle(context.Background(), apiReq("POST", "/questions", nil, `{"customerId":"1","shop":"acme.myshopify.com","answers":{"A":"x"}}`))
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, "Failed to save answers", decodeBody(t, resp)["error"])
}

func TestCheckoutOrderFallback(t *testing.T) {
	f := newCheckoutFixture(t)
	f.addQuestion(t, "Favorite Color")
	f.shopify.Orders[shopify.OrderGID("9001")] = &shopify.Order{
		ID:       shopify.OrderGID("9001"),
		Name:     "#1001",
		Customer: &shopify.Customer{ID: shopify.CustomerGID(testCustomer), Email: "a@example.com"},
	}

	resp, err := f.h.Handle(context.Background(), apiReq("GET", "/questions", map[string]string{"orderId": "9001", "shop": testShop}, ""))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode, resp.Body)
	assert.Len(t, decodeBody(t, resp)["questions"], 1)

	resp, _ = f.h.Handle(context.Background(), apiReq("POST", "/questions", nil, `{"orderId":"9001","shop":"acme.myshopify.com","answers":{"Favorite Color":"Red"}}`))
	require.Equal(t, 200, resp.StatusCode, resp.Body)
	assert.Equal(t, "Red", f.shopify.Values[testShop][shopify.CustomerGID(testCustomer)]["favoritecolor"])

	resp, _ = f.h.Handle(context.Background(), apiReq("GET", "/customer-from-order", map[string]string{"orderId": "9001", "shop": testShop}, ""))
	require.Equal(t, 200, resp.StatusCode, resp.Body)
	out := decodeBody(t, resp)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, shopify.CustomerGID(testCustomer), out["customerId"])
	assert.Equal(t, "#1001", out["order"].(map[string]any)["name"])
	assert.Equal(t, "a@example.com", out["customer"].(map[string]any)["email"])

	resp, _ = f.h.Handle(context.Background(), apiReq("GET", "/app/getcustomerid", map[string]string{"orderId": "404", "shop": testShop}, ""))
	assert.Equal(t, 404, resp.StatusCode)
	assert.Equal(t, "Order not found", decodeBody(t, resp)["error"])
}

func TestCheckoutSaveDateOfBirth(t *testing.T) {
	f := newCheckoutFixture(t)

	resp, err := f.h.Handle(context.Background(), apiReq("POST", "/save-date-of-birth", nil, `{"customerId":"7001","shop":"acme.myshopify.com","dob":"1990-02-03"}`))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode, resp.Body)
	out := decodeBody(t, resp)
	assert.Equal(t, "Customer metafields saved successfully", out["message"])
	assert.Equal(t, "1990-02-03", f.shopify.Values[testShop][shopify.CustomerGID(testCustomer)]["dob"])

	resp, _ = f.h.Handle(context.Background(), apiReq("POST", "/app/apisavedob", nil, `{"shop":"acme.myshopify.com","dob":"1990-02-03"}`))
	assert.Equal(t, 400, resp.StatusCode)

	resp, _ = f.h.Handle(context.Background(), apiReq("GET", "/save-date-of-birth", nil, ""))
	assert.Equal(t, 405, resp.StatusCode)
}

func TestStringifyAnswers(t *testing.T) {
	var in map[string]any
	dec := json.NewDecoder(strings.NewReader(`{"a":"x","b":1.50,"c":false,"d":null,"e":["p","q"]}`))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&in))

	assert.Equal(t, map[string]string{
		"a": "x",
		"b": "1.50",
		"c": "false",
		"d": "",
		"e": `["p","q"]`,
	}, stringifyAnswers(in))
	assert.Nil(t, stringifyAnswers(nil))
}
