package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/go-playground/validator/v10"

	"thankyou-survey/internal/shopify"
	"thankyou-survey/internal/survey"
)

// CheckoutService is the part of survey.Service the storefront extension uses.
type CheckoutService interface {
	SelectQuestions(ctx context.Context, shop, customerID string) ([]survey.Question, error)
	SubmitAnswers(ctx context.Context, shop, customerID string, answers map[string]string) (*survey.SubmitResult, error)
	CustomerFromOrder(ctx context.Context, shop, orderID string) (*shopify.Order, error)
	SaveDateOfBirth(ctx context.Context, shop, customerID, dob string) ([]shopify.Metafield, error)
}

// CheckoutHandler serves the unauthenticated routes called by the thank-you
// page extension. Access is scoped by the shop having an installed session.
type CheckoutHandler struct {
	Survey   CheckoutService
	validate *validator.Validate
}

func NewCheckoutHandler(svc CheckoutService) *CheckoutHandler {
	return &CheckoutHandler{Survey: svc, validate: validator.New()}
}

func (h *CheckoutHandler) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if method(req) == "OPTIONS" {
		return preflight()
	}

	switch req.RawPath {
	case "/questions", "/app/getquestions":
		switch method(req) {
		case "GET":
			return h.selectQuestions(ctx, req)
		case "POST":
			return h.submitAnswers(ctx, req)
		}
	case "/customer-from-order", "/app/getcustomerid":
		if method(req) == "GET" {
			return h.customerFromOrder(ctx, req)
		}
	case "/save-date-of-birth", "/app/apisavedob":
		if method(req) == "POST" {
			return h.saveDateOfBirth(ctx, req)
		}
	default:
		return errResp(404, "Not found")
	}
	return errResp(405, "Method not allowed")
}

// resolveCustomer accepts either a customer id or, when the extension only
// knows the order, an order id to look the customer up by.
func (h *CheckoutHandler) resolveCustomer(ctx context.Context, shop, customerID, orderID string) (string, error) {
	customerID, orderID = strings.TrimSpace(customerID), strings.TrimSpace(orderID)
	if customerID != "" || orderID == "" || strings.TrimSpace(shop) == "" {
		return customerID, nil
	}
	order, err := h.Survey.CustomerFromOrder(ctx, shop, orderID)
	if err != nil {
		return "", err
	}
	return shopify.LegacyID(order.Customer.ID), nil
}

func (h *CheckoutHandler) selectQuestions(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	q := req.QueryStringParameters
	shop := q["shop"]

	customerID, err := h.resolveCustomer(ctx, shop, q["customerId"], q["orderId"])
	if err != nil {
		return surveyErrResp(err, nil)
	}

	questions, err := h.Survey.SelectQuestions(ctx, shop, customerID)
	if err != nil {
		return surveyErrResp(err, nil)
	}
	return jsonResp(200, map[string]any{"questions": questions})
}

type submitRequest struct {
	CustomerID string         `json:"customerId"`
	OrderID    string         `json:"orderId"`
	Shop       string         `json:"shop"`
	Answers    map[string]any `json:"answers"`
}

func (h *CheckoutHandler) submitAnswers(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	var body submitRequest
	if err := decodeJSON(req, &body); err != nil {
		return errResp(400, "Invalid JSON body")
	}

	customerID, err := h.resolveCustomer(ctx, body.Shop, body.CustomerID, body.OrderID)
	if err != nil {
		return surveyErrResp(err, nil)
	}

	res, err := h.Survey.SubmitAnswers(ctx, body.Shop, customerID, stringifyAnswers(body.Answers))
	if err != nil {
		return surveyErrResp(err, nil)
	}
	metafields := res.Metafields
	if metafields == nil {
		metafields = []shopify.Metafield{}
	}
	return jsonResp(200, map[string]any{
		"success":    true,
		"message":    res.Message,
		"savedCount": res.SavedCount,
		"metafields": metafields,
	})
}

func (h *CheckoutHandler) customerFromOrder(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	q := req.QueryStringParameters
	order, err := h.Survey.CustomerFromOrder(ctx, q["shop"], q["orderId"])
	if err != nil {
		return surveyErrResp(err, nil)
	}
	return jsonResp(200, map[string]any{
		"success":    true,
		"customerId": order.Customer.ID,
		"customer":   order.Customer,
		"order": map[string]string{
			"id":   order.ID,
			"name": order.Name,
		},
	})
}

type dobRequest struct {
	CustomerID string `json:"customerId" validate:"required"`
	Shop       string `json:"shop" validate:"required"`
	DOB        string `json:"dob"`
}

func (h *CheckoutHandler) saveDateOfBirth(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	var body dobRequest
	if err := decodeJSON(req, &body); err != nil {
		return errResp(400, "Invalid JSON body")
	}
	if err := h.validate.Struct(body); err != nil {
		return errResp(400, "Customer ID and shop are required")
	}

	written, err := h.Survey.SaveDateOfBirth(ctx, body.Shop, body.CustomerID, body.DOB)
	if err != nil {
		return surveyErrResp(err, nil)
	}
	return jsonResp(200, map[string]any{
		"success":    true,
		"message":    "Customer metafields saved successfully",
		"metafields": written,
	})
}

func decodeJSON(req events.APIGatewayV2HTTPRequest, v any) error {
	raw, err := requestBody(req)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

// stringifyAnswers turns the loosely typed answers of the checkout form into
// metafield values. Numbers keep their literal form; null means unanswered.
func stringifyAnswers(in map[string]any) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for label, v := range in {
		switch val := v.(type) {
		case nil:
			out[label] = ""
		case string:
			out[label] = val
		case json.Number:
			out[label] = val.String()
		case bool:
			out[label] = strconv.FormatBool(val)
		default:
			b, _ := json.Marshal(val)
			out[label] = string(b)
		}
	}
	return out
}
