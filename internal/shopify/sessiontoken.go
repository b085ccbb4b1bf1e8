package shopify

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidSessionToken = errors.New("shopify: invalid session token")

// SessionClaims are the claims of an App Bridge session token.
type SessionClaims struct {
	Dest string `json:"dest"`
	jwt.RegisteredClaims
}

// Shop returns the shop domain the token was issued for.
func (c *SessionClaims) Shop() string {
	u, err := url.Parse(c.Dest)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Host)
}

// SessionVerifier validates App Bridge session tokens sent by the embedded admin.
type SessionVerifier struct {
	APIKey    string
	APISecret string
	Leeway    time.Duration
}

// Verify parses a bearer token and returns the shop it belongs to.
func (v *SessionVerifier) Verify(token string) (string, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return "", ErrInvalidSessionToken
	}

	leeway := v.Leeway
	if leeway == 0 {
		leeway = 5 * time.Second
	}

	var claims SessionClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return []byte(v.APISecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(v.APIKey),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}

	shop := claims.Shop()
	if !IsValidShopDomain(shop) {
		return "", fmt.Errorf("%w: bad dest %q", ErrInvalidSessionToken, claims.Dest)
	}
	return shop, nil
}

// SignSessionToken issues a token shaped like App Bridge's. The dev server
// and tests use it to call the admin endpoints.
func SignSessionToken(apiKey, apiSecret, shop string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := SessionClaims{
		Dest: "https://" + shop,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://" + shop + "/admin",
			Audience:  jwt.ClaimStrings{apiKey},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(apiSecret))
}
