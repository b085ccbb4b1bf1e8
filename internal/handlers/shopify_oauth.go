package handlers

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog/log"

	"thankyou-survey/internal/sessions"
	"thankyou-survey/internal/shopify"
)

type OAuthStates interface {
	Put(ctx context.Context, state, shop string) error
	Consume(ctx context.Context, state, shop string) error
}

type SessionStore interface {
	Save(ctx context.Context, shop, accessToken, scope string) error
	Delete(ctx context.Context, shop string) error
	RecordWebhook(ctx context.Context, shop, topic, webhookID string) error
}

type ShopifyAPI interface {
	ExchangeToken(ctx context.Context, shop, apiKey, apiSecret, code string) (*shopify.AccessToken, error)
	SubscribeWebhooks(ctx context.Context, shop, accessToken string, addresses map[string]string) ([]string, map[string]error)
}

// WebhookDeduper claims a delivery id before it is processed. Release undoes
// the claim so Shopify's retry of a failed delivery runs again.
type WebhookDeduper interface {
	Claim(ctx context.Context, webhookID, shop, topic string) (bool, error)
	Release(ctx context.Context, webhookID string) error
}

type ShopifyConfig struct {
	APIKey      string
	APISecret   string
	Scopes      string
	RedirectURI string
	// Webhooks maps topic to the address Shopify should deliver it to.
	Webhooks map[string]string
}

// ShopifyHandler installs the app (OAuth) and receives its lifecycle webhooks.
type ShopifyHandler struct {
	Config   ShopifyConfig
	States   OAuthStates
	Sessions SessionStore
	Shopify  ShopifyAPI
	Dedupe   WebhookDeduper
}

func (h *ShopifyHandler) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	if method(req) == "OPTIONS" {
		return preflight()
	}

	switch req.RawPath {
	case "/auth":
		if method(req) == "GET" {
			return h.connect(ctx, req)
		}
	case "/auth/callback":
		if method(req) == "GET" {
			return h.callback(ctx, req)
		}
	case "/webhooks/app-uninstalled", "/webhooks/compliance":
		if method(req) == "POST" {
			return h.webhook(ctx, req)
		}
	default:
		return errResp(404, "not found")
	}
	return errResp(405, "method not allowed")
}

func (h *ShopifyHandler) connect(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	shop := shopify.NormalizeShop(req.QueryStringParameters["shop"])
	if !shopify.IsValidShopDomain(shop) {
		return errResp(400, "invalid shop (expected like your-store.myshopify.com)")
	}

	state, err := shopify.RandomState(24)
	if err != nil {
		return errResp(500, "failed to generate state")
	}
	if err := h.States.Put(ctx, state, shop); err != nil {
		log.Error().Err(err).Str("shop", shop).Msg("store oauth state failed")
		return errResp(500, "failed to store oauth state")
	}

	return redirect(shopify.AuthorizeURL(shop, h.Config.APIKey, h.Config.Scopes, h.Config.RedirectURI, state))
}

func (h *ShopifyHandler) callback(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	params := req.QueryStringParameters

	shop := shopify.NormalizeShop(params["shop"])
	code := strings.TrimSpace(params["code"])
	state := strings.TrimSpace(params["state"])

	if !shopify.IsValidShopDomain(shop) || code == "" || state == "" || strings.TrimSpace(params["hmac"]) == "" {
		return errResp(400, "missing required oauth params")
	}
	if !shopify.VerifyQueryHMAC(params, h.Config.APISecret) {
		return errResp(400, "invalid hmac")
	}

	if err := h.States.Consume(ctx, state, shop); err != nil {
		if errors.Is(err, sessions.ErrStateInvalid) {
			return errResp(400, "invalid or expired state")
		}
		log.Error().Err(err).Str("shop", shop).Msg("oauth state lookup failed")
		return errResp(500, "failed to validate state")
	}

	tok, err := h.Shopify.ExchangeToken(ctx, shop, h.Config.APIKey, h.Config.APISecret, code)
	if err != nil {
		log.Error().Err(err).Str("shop", shop).Msg("token exchange failed")
		return errResp(502, "token exchange failed")
	}

	if err := h.Sessions.Save(ctx, shop, tok.AccessToken, tok.Scope); err != nil {
		log.Error().Err(err).Str("shop", shop).Msg("store session failed")
		return errResp(500, "failed to store session")
	}

	created, failed := h.Shopify.SubscribeWebhooks(ctx, shop, tok.AccessToken, h.Config.Webhooks)
	for topic, err := range failed {
		log.Warn().Err(err).Str("shop", shop).Str("topic", topic).Msg("webhook subscription failed")
	}
	log.Info().Str("shop", shop).Strs("topics", created).Msg("app installed")

	return redirect("https://" + shop + "/admin/apps/" + url.PathEscape(h.Config.APIKey))
}

func (h *ShopifyHandler) webhook(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	body, err := requestBody(req)
	if err != nil {
		return errResp(400, "invalid body")
	}
	if !shopify.VerifyWebhookHMAC(body, header(req, "X-Shopify-Hmac-Sha256"), h.Config.APISecret) {
		return errResp(401, "invalid hmac")
	}

	shop := shopify.NormalizeShop(header(req, "X-Shopify-Shop-Domain"))
	topic := strings.TrimSpace(header(req, "X-Shopify-Topic"))
	webhookID := strings.TrimSpace(header(req, "X-Shopify-Webhook-Id"))
	if !shopify.IsValidShopDomain(shop) {
		return errResp(400, "invalid shop")
	}

	if h.Dedupe != nil {
		dup, err := h.Dedupe.Claim(ctx, webhookID, shop, topic)
		if err != nil {
			log.Warn().Err(err).Str("shop", shop).Str("topic", topic).Msg("webhook dedupe failed")
		}
		if dup {
			return jsonResp(200, map[string]any{"ok": true, "duplicate": true})
		}
	}

	switch topic {
	case shopify.TopicAppUninstalled, "shop/redact":
		if err := h.Sessions.Delete(ctx, shop); err != nil {
			log.Error().Err(err).Str("shop", shop).Str("topic", topic).Msg("delete session failed")
			h.releaseClaim(ctx, webhookID, shop)
			return errResp(500, "failed to delete session")
		}
		log.Info().Str("shop", shop).Str("topic", topic).Msg("session removed")
	default:
		// Customer data requests: nothing is stored per customer beyond hashed
		// submission events, which expire on their own.
		if err := h.Sessions.RecordWebhook(ctx, shop, topic, webhookID); err != nil && !errors.Is(err, sessions.ErrNotFound) {
			log.Warn().Err(err).Str("shop", shop).Str("topic", topic).Msg("record webhook failed")
		}
	}
	return jsonResp(200, map[string]any{"ok": true})
}

func (h *ShopifyHandler) releaseClaim(ctx context.Context, webhookID, shop string) {
	if h.Dedupe == nil {
		return
	}
	if err := h.Dedupe.Release(ctx, webhookID); err != nil {
		log.Warn().Err(err).Str("shop", shop).Str("webhook_id", webhookID).Msg("release webhook claim failed")
	}
}
