package handlers

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog/log"

	"thankyou-survey/internal/survey"
)

// SessionVerifier resolves the shop from an embedded-admin session token.
type SessionVerifier interface {
	Verify(token string) (string, error)
}

// AdminService is the part of survey.Service the embedded admin uses.
type AdminService interface {
	LoadConfig(ctx context.Context, shop string) (*survey.ShopConfig, error)
	CreateQuestion(ctx context.Context, shop string, in survey.QuestionInput) (*survey.Question, error)
	UpdateQuestion(ctx context.Context, shop, id string, in survey.QuestionInput) (*survey.Question, error)
	DeleteQuestion(ctx context.Context, shop, id string) error
	ToggleQuestion(ctx context.Context, shop, id string) (*survey.Question, error)
	UpdateCount(ctx context.Context, shop string, count int) error
}

type AdminHandler struct {
	Survey       AdminService
	Sessions     SessionVerifier
	RedirectPath string
}

func NewAdminHandler(svc AdminService, sessions SessionVerifier, redirectPath string) *AdminHandler {
	if redirectPath == "" {
		redirectPath = "/app/questions"
	}
	return &AdminHandler{Survey: svc, Sessions: sessions, RedirectPath: redirectPath}
}

func (h *AdminHandler) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if method(req) == "OPTIONS" {
		return preflight()
	}
	if req.RawPath != "/app/questions" {
		return errResp(404, "Not found")
	}

	shop, err := h.Sessions.Verify(header(req, "authorization"))
	if err != nil {
		log.Debug().Err(err).Msg("admin session token rejected")
		return errResp(401, "Unauthorized")
	}

	switch method(req) {
	case "GET":
		return h.list(ctx, shop)
	case "POST":
		return h.action(ctx, shop, req)
	default:
		return errResp(405, "Method not allowed")
	}
}

func (h *AdminHandler) list(ctx context.Context, shop string) (events.APIGatewayV2HTTPResponse, error) {
	cfg, err := h.Survey.LoadConfig(ctx, shop)
	if err != nil {
		return surveyErrResp(err, nil)
	}
	questions := cfg.Questions
	if questions == nil {
		questions = []survey.Question{}
	}
	return jsonResp(200, map[string]any{
		"questions": questions,
		"count":     cfg.Count,
	})
}

func (h *AdminHandler) action(ctx context.Context, shop string, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	raw, err := requestBody(req)
	if err != nil {
		return errResp(400, "Invalid form body")
	}
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return errResp(400, "Invalid form body")
	}

	action := strings.TrimSpace(form.Get("action"))
	in := survey.QuestionInput{
		Title:    form.Get("title"),
		Question: form.Get("question"),
		DataType: form.Get("dataType"),
		Options:  form.Get("options"),
	}
	id := form.Get("id")

	switch action {
	case "create":
		_, err = h.Survey.CreateQuestion(ctx, shop, in)
	case "update":
		_, err = h.Survey.UpdateQuestion(ctx, shop, id, in)
	case "delete":
		err = h.Survey.DeleteQuestion(ctx, shop, id)
	case "toggle":
		_, err = h.Survey.ToggleQuestion(ctx, shop, id)
	case "updateCount":
		count, convErr := strconv.Atoi(strings.TrimSpace(form.Get("count")))
		if convErr != nil {
			count = 0
		}
		if err = h.Survey.UpdateCount(ctx, shop, count); err == nil {
			return jsonResp(200, map[string]any{"success": true, "message": "Count updated successfully!"})
		}
	default:
		return errResp(400, "Invalid action")
	}

	if err != nil {
		return surveyErrResp(err, formTypeExtra(action, form.Get("formType"), err))
	}
	return redirect(h.RedirectPath)
}

// formTypeExtra tells the admin page which form to reopen after a failed
// create or update.
func formTypeExtra(action, formType string, err error) map[string]any {
	var se *survey.Error
	if !errors.As(err, &se) || se.Kind == survey.KindInternal {
		return nil
	}
	if formType == "" {
		switch action {
		case "create":
			formType = "add"
		case "update":
			formType = "edit"
		default:
			return nil
		}
	}
	return map[string]any{"formType": formType}
}
