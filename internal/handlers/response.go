package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog/log"

	"thankyou-survey/internal/survey"
)

// The checkout extension calls from the storefront origin, so every response
// carries the permissive CORS set.
func corsHeaders() map[string]string {
	return map[string]string{
		"access-control-allow-origin":      "*",
		"access-control-allow-methods":     "GET, POST, PUT, DELETE, OPTIONS",
		"access-control-allow-headers":     "Content-Type, Authorization, Accept, Origin",
		"access-control-allow-credentials": "true",
	}
}

func jsonResp(status int, v any) (events.APIGatewayV2HTTPResponse, error) {
	b, _ := json.Marshal(v)
	h := corsHeaders()
	h["content-type"] = "application/json"
	return events.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers:    h,
		Body:       string(b),
	}, nil
}

func errResp(status int, msg string) (events.APIGatewayV2HTTPResponse, error) {
	return jsonResp(status, map[string]any{"error": msg})
}

func preflight() (events.APIGatewayV2HTTPResponse, error) {
	return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusOK, Headers: corsHeaders()}, nil
}

func redirect(location string) (events.APIGatewayV2HTTPResponse, error) {
	h := corsHeaders()
	h["location"] = location
	return events.APIGatewayV2HTTPResponse{StatusCode: http.StatusFound, Headers: h}, nil
}

// surveyErrResp renders a service error as {error, details?}. Errors that are
// not *survey.Error become a 500.
func surveyErrResp(err error, extra map[string]any) (events.APIGatewayV2HTTPResponse, error) {
	var se *survey.Error
	if !errors.As(err, &se) {
		se = &survey.Error{Kind: survey.KindInternal, Message: "Internal server error", Err: err}
	}

	body := map[string]any{"error": se.Message}
	if se.Details != nil {
		body["details"] = se.Details
	}
	if se.Kind == survey.KindInternal {
		log.Error().Err(err).Msg(se.Message)
		if se.Err != nil {
			body["message"] = se.Err.Error()
		}
	}
	for k, v := range extra {
		body[k] = v
	}
	return jsonResp(se.Kind.HTTPStatus(), body)
}

func method(req events.APIGatewayV2HTTPRequest) string {
	return strings.ToUpper(req.RequestContext.HTTP.Method)
}

func requestBody(req events.APIGatewayV2HTTPRequest) ([]byte, error) {
	if req.IsBase64Encoded {
		return base64.StdEncoding.DecodeString(req.Body)
	}
	return []byte(req.Body), nil
}

func header(req events.APIGatewayV2HTTPRequest, name string) string {
	name = strings.ToLower(name)
	for k, v := range req.Headers {
		if strings.ToLower(k) == name {
			return v
		}
	}
	return ""
}
