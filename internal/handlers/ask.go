package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog/log"

	"thankyou-survey/internal/nlq"
)

type Asker interface {
	Ask(ctx context.Context, shop, question string) (*nlq.Answer, error)
}

// InsightsHandler answers merchant questions about their survey metrics. The
// shop comes from the session token, never from the request body.
type InsightsHandler struct {
	Engine   Asker
	Sessions SessionVerifier
}

type AskRequest struct {
	Question string `json:"question"`
}

func (h *InsightsHandler) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if method(req) == "OPTIONS" {
		return preflight()
	}
	if req.RawPath != "/app/insights" {
		return errResp(http.StatusNotFound, "not found")
	}
	if method(req) != "POST" {
		return errResp(http.StatusMethodNotAllowed, "method not allowed")
	}

	shop, err := h.Sessions.Verify(header(req, "authorization"))
	if err != nil {
		return jsonErr(http.StatusUnauthorized, "unauthorized", nil)
	}

	raw, err := requestBody(req)
	if err != nil {
		return jsonErr(http.StatusBadRequest, "invalid_json", err)
	}
	var body AskRequest
	if err := json.Unmarshal(raw, &body); err != nil {
		return jsonErr(http.StatusBadRequest, "invalid_json", err)
	}
	body.Question = strings.TrimSpace(body.Question)
	if body.Question == "" {
		return jsonErr(http.StatusBadRequest, "question_required", nil)
	}

	answer, err := h.Engine.Ask(ctx, shop, body.Question)
	if err != nil {
		stage := "insights_failed"
		var se *nlq.StageError
		if errors.As(err, &se) {
			stage = se.Stage
		}
		log.Error().Err(err).Str("shop", shop).Str("stage", stage).Msg("insights question failed")
		return jsonErr(http.StatusInternalServerError, stage, err)
	}
	return jsonResp(http.StatusOK, answer)
}

func jsonErr(status int, code string, err error) (events.APIGatewayV2HTTPResponse, error) {
	resp := map[string]any{"error": code}
	if err != nil {
		resp["detail"] = err.Error()
	}
	return jsonResp(status, resp)
}
