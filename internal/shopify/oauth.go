package shopify

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

var shopDomainRE = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*\.myshopify\.com$`)

// IsValidShopDomain accepts only <name>.myshopify.com.
func IsValidShopDomain(shop string) bool {
	return shopDomainRE.MatchString(shop)
}

// NormalizeShop lowercases shop and strips a scheme or trailing slash.
func NormalizeShop(shop string) string {
	shop = strings.ToLower(strings.TrimSpace(shop))
	shop = strings.TrimPrefix(shop, "https://")
	shop = strings.TrimPrefix(shop, "http://")
	return strings.TrimRight(shop, "/")
}

func RandomState(nBytes int) (string, error) {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// VerifyQueryHMAC checks the hex hmac Shopify appends to OAuth redirects:
// every other parameter except signature, sorted and joined as k=v&k=v.
func VerifyQueryHMAC(params map[string]string, secret string) bool {
	provided := strings.ToLower(strings.TrimSpace(params["hmac"]))
	if provided == "" || secret == "" {
		return false
	}
	signed := make([]string, 0, len(params))
	for k, v := range params {
		if k != "hmac" && k != "signature" {
			signed = append(signed, k+"="+v)
		}
	}
	slices.Sort(signed)
	return hmac.Equal([]byte(hexHMAC(secret, []byte(strings.Join(signed, "&")))), []byte(provided))
}

func hexHMAC(secret string, msg []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookHMAC checks the base64 X-Shopify-Hmac-Sha256 header against the raw body.
func VerifyWebhookHMAC(body []byte, header, secret string) bool {
	header = strings.TrimSpace(header)
	if header == "" || secret == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal([]byte(base64.StdEncoding.EncodeToString(mac.Sum(nil))), []byte(header))
}

// AuthorizeURL is where a merchant approves the app's scopes.
func AuthorizeURL(shop, apiKey, scopes, redirectURI, state string) string {
	q := url.Values{
		"client_id":    {apiKey},
		"scope":        {scopes},
		"redirect_uri": {redirectURI},
		"state":        {state},
	}
	return "https://" + shop + "/admin/oauth/authorize?" + q.Encode()
}

type AccessToken struct {
	AccessToken string `json:"access_token"`
	Scope       string `json:"scope"`
}

// ExchangeToken trades an OAuth code for a permanent offline access token.
func (c *Client) ExchangeToken(ctx context.Context, shop, apiKey, apiSecret, code string) (*AccessToken, error) {
	status, raw, err := c.postJSON(ctx, c.shopURL(shop, "/admin/oauth/access_token"), "", map[string]string{
		"client_id":     apiKey,
		"client_secret": apiSecret,
		"code":          code,
	})
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	if !isSuccess(status) {
		return nil, &StatusError{Status: status, Body: string(raw)}
	}

	var tok AccessToken
	if err := json.Unmarshal(raw, &tok); err != nil || tok.AccessToken == "" {
		return nil, errors.New("token exchange: response carries no access token")
	}
	return &tok, nil
}
