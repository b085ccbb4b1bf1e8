package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"thankyou-survey/internal/sessions"
	"thankyou-survey/internal/shopify"
)

type memStates struct {
	states map[string]string
	err    error
}

func (m *memStates) Put(_ context.Context, state, shop string) error {
	if m.states == nil {
		m.states = map[string]string{}
	}
	m.states[state] = shop
	return nil
}

func (m *memStates) Consume(_ context.Context, state, shop string) error {
	if m.err != nil {
		return m.err
	}
	got, ok := m.states[state]
	if !ok || got != shop {
		return sessions.ErrStateInvalid
	}
	delete(m.states, state)
	return nil
}

type memSessions struct {
	saved     map[string]string
	deleted   []string
	webhooks  []string
	deleteErr error
}

func (m *memSessions) Save(_ context.Context, shop, accessToken, _ string) error {
	if m.saved == nil {
		m.saved = map[string]string{}
	}
	m.saved[shop] = accessToken
	return nil
}

func (m *memSessions) Delete(_ context.Context, shop string) error {
	if err := m.deleteErr; err != nil {
		m.deleteErr = nil
		return err
	}
	m.deleted = append(m.deleted, shop)
	delete(m.saved, shop)
	return nil
}

func (m *memSessions) RecordWebhook(_ context.Context, shop, topic, _ string) error {
	if _, ok := m.saved[shop]; !ok {
		return sessions.ErrNotFound
	}
	m.webhooks = append(m.webhooks, topic)
	return nil
}

type fakeShopifyAPI struct {
	exchangeErr error
	subscribed  map[string]string
}

func (f *fakeShopifyAPI) ExchangeToken(_ context.Context, _, _, _, code string) (*shopify.AccessToken, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &shopify.AccessToken{AccessToken: "shpat_" + code, Scope: "read_customers"}, nil
}

func (f *fakeShopifyAPI) SubscribeWebhooks(_ context.Context, _, _ string, addresses map[string]string) ([]string, map[string]error) {
	f.subscribed = addresses
	return nil, map[string]error{shopify.TopicAppUninstalled: errors.New("422")}
}

type memDedupe struct{ seen map[string]bool }

func (m *memDedupe) Claim(_ context.Context, webhookID, _, _ string) (bool, error) {
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	dup := m.seen[webhookID]
	m.seen[webhookID] = true
	return dup, nil
}

func (m *memDedupe) Release(_ context.Context, webhookID string) error {
	delete(m.seen, webhookID)
	return nil
}

type oauthFixture struct {
	states   *memStates
	sessions *memSessions
	api      *fakeShopifyAPI
	h        *ShopifyHandler
}

func newOAuthFixture() *oauthFixture {
	f := &oauthFixture{states: &memStates{}, sessions: &memSessions{}, api: &fakeShopifyAPI{}}
	f.h = &ShopifyHandler{
		Config: ShopifyConfig{
			APIKey:      testAPIKey,
			APISecret:   testAPISecret,
			Scopes:      "read_customers,write_customers",
			RedirectURI: "https://survey.example.com/auth/callback",
			Webhooks:    map[string]string{shopify.TopicAppUninstalled: "https://survey.example.com/webhooks/app-uninstalled"},
		},
		States:   f.states,
		Sessions: f.sessions,
		Shopify:  f.api,
		Dedupe:   &memDedupe{},
	}
	return f
}

func signQuery(params map[string]string) map[string]string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	mac := hmac.New(sha256.New, []byte(testAPISecret))
	mac.Write([]byte(strings.Join(parts, "&")))
	params["hmac"] = hex.EncodeToString(mac.Sum(nil))
	return params
}

func webhookReq(path, topic, id, body string, secret string) events.APIGatewayV2HTTPRequest {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	req := apiReq("POST", path, nil, body)
	req.Headers["x-shopify-hmac-sha256"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	req.Headers["x-shopify-shop-domain"] = testShop
	req.Headers["x-shopify-topic"] = topic
	req.Headers["x-shopify-webhook-id"] = id
	return req
}

func TestShopifyInstallFlow(t *testing.T) {
	f := newOAuthFixture()

	resp, err := f.h.Handle(context.Background(), apiReq("GET", "/auth", map[string]string{"shop": "https://ACME.myshopify.com/"}, ""))
	require.NoError(t, err)
	require.Equal(t, 302, resp.StatusCode, resp.Body)

	loc, err := url.Parse(resp.Headers["location"])
	require.NoError(t, err)
	assert.Equal(t, testShop, loc.Host)
	assert.Equal(t, "/admin/oauth/authorize", loc.Path)
	assert.Equal(t, testAPIKey, loc.Query().Get("client_id"))
	state := loc.Query().Get("state")
	require.NotEmpty(t, state)
	assert.Equal(t, testShop, f.states.states[state])

	params := signQuery(map[string]string{"shop": testShop, "code": "abc", "state": state, "timestamp": "1700000000"})
	resp, err = f.h.Handle(context.Background(), apiReq("GET", "/auth/callback", params, ""))
	require.NoError(t, err)
	require.Equal(t, 302, resp.StatusCode, resp.Body)
	assert.Equal(t, "https://acme.myshopify.com/admin/apps/api-key", resp.Headers["location"])
	assert.Equal(t, "shpat_abc", f.sessions.saved[testShop])
	assert.Equal(t, f.h.Config.Webhooks, f.api.subscribed)
	assert.Empty(t, f.states.states, "state is single use")

	resp, _ = f.h.Handle(context.Background(), apiReq("GET", "/auth/callback", params, ""))
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, "invalid or expired state", decodeBody(t, resp)["error"])
}

func TestShopifyAuthRejectsBadInput(t *testing.T) {
	f := newOAuthFixture()

	resp, _ := f.h.Handle(context.Background(), apiReq("GET", "/auth", map[string]string{"shop": "evil.com"}, ""))
	assert.Equal(t, 400, resp.StatusCode)

	resp, _ = f.h.Handle(context.Background(), apiReq("GET", "/auth/callback", map[string]string{"shop": testShop, "code": "abc"}, ""))
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, "missing required oauth params", decodeBody(t, resp)["error"])

	params := signQuery(map[string]string{"shop": testShop, "code": "abc", "state": "s1"})
	params["code"] = "tampered"
	resp, _ = f.h.Handle(context.Background(), apiReq("GET", "/auth/callback", params, ""))
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, "invalid hmac", decodeBody(t, resp)["error"])

	f.states.err = errors.New("dynamo down")
	resp, _ = f.h.Handle(context.Background(), apiReq("GET", "/auth/callback", signQuery(map[string]string{"shop": testShop, "code": "abc", "state": "s1"}), ""))
	assert.Equal(t, 500, resp.StatusCode)

	f.states.err = nil
	f.states.Put(context.Background(), "s2", testShop)
	f.api.exchangeErr = errors.New("bad code")
	resp, _ = f.h.Handle(context.Background(), apiReq("GET", "/auth/callback", signQuery(map[string]string{"shop": testShop, "code": "abc", "state": "s2"}), ""))
	assert.Equal(t, 502, resp.StatusCode)
	assert.Empty(t, f.sessions.saved)

	resp, _ = f.h.Handle(context.Background(), apiReq("POST", "/auth", nil, ""))
	assert.Equal(t, 405, resp.StatusCode)
	resp, _ = f.h.Handle(context.Background(), apiReq("GET", "/elsewhere", nil, ""))
	assert.Equal(t, 404, resp.StatusCode)
}

func TestShopifyWebhooks(t *testing.T) {
	f := newOAuthFixture()
	require.NoError(t, f.sessions.Save(context.Background(), testShop, "shpat_x", ""))

	resp, err := f.h.Handle(context.Background(), webhookReq("/webhooks/compliance", "customers/data_request", "w1", `{"shop_domain":"acme.myshopify.com"}`, testAPISecret))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode, resp.Body)
	assert.Equal(t, []string{"customers/data_request"}, f.sessions.webhooks)

	resp, _ = f.h.Handle(context.Background(), webhookReq("/webhooks/app-uninstalled", shopify.TopicAppUninstalled, "w2", `{"id":1}`, "wrong"))
	assert.Equal(t, 401, resp.StatusCode)
	assert.Empty(t, f.sessions.deleted)

	resp, _ = f.h.Handle(context.Background(), webhookReq("/webhooks/app-uninstalled", shopify.TopicAppUninstalled, "w2", `{"id":1}`, testAPISecret))
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []string{testShop}, f.sessions.deleted)

	resp, _ = f.h.Handle(context.Background(), webhookReq("/webhooks/app-uninstalled", shopify.TopicAppUninstalled, "w2", `{"id":1}`, testAPISecret))
	require.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, true, decodeBody(t, resp)["duplicate"])
	assert.Len(t, f.sessions.deleted, 1)

	resp, _ = f.h.Handle(context.Background(), webhookReq("/webhooks/compliance", "customers/redact", "w3", `{}`, testAPISecret))
	assert.Equal(t, 200, resp.StatusCode, "unknown shop is still acknowledged")
}

func TestShopifyWebhookRetriedAfterFailedUninstall(t *testing.T) {
	f := newOAuthFixture()
	ctx := context.Background()
	require.NoError(t, f.sessions.Save(ctx, testShop, "shpat_x", ""))
	f.sessions.deleteErr = errors.New("dynamodb throttled")

	resp, err := f.h.Handle(ctx, webhookReq("/webhooks/app-uninstalled", shopify.TopicAppUninstalled, "w9", `{"id":1}`, testAPISecret))
	require.NoError(t, err)
	assert.Equal(t, 500, resp.StatusCode)
	assert.Contains(t, f.sessions.saved, testShop)

	resp, err = f.h.Handle(ctx, webhookReq("/webhooks/app-uninstalled", shopify.TopicAppUninstalled, "w9", `{"id":1}`, testAPISecret))
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode, resp.Body)
	assert.Nil(t, decodeBody(t, resp)["duplicate"])
	assert.Equal(t, []string{testShop}, f.sessions.deleted)
	assert.NotContains(t, f.sessions.saved, testShop)
}
