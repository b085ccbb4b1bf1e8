// Package sessions stores one encrypted Admin API access token per installed shop.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/marshaler"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
	"github.com/rs/zerolog/log"

	"thankyou-survey/internal/security"
	"thankyou-survey/internal/survey"
)

// ErrNotFound is returned by a Backend when the shop has no session row.
var ErrNotFound = errors.New("sessions: not found")

type Record struct {
	Shop           string
	AccessTokenEnc string
	Scope          string
	CreatedAt      time.Time

	LastEventAt    string
	LastEventTopic string
	LastWebhookID  string
}

// Backend persists session records. DynamoDB and Postgres implement it.
type Backend interface {
	Put(ctx context.Context, rec Record) error
	Get(ctx context.Context, shop string) (*Record, error)
	Delete(ctx context.Context, shop string) error
	TouchEvent(ctx context.Context, shop, topic, webhookID string, at time.Time) error
}

const tokenCacheTTL = 5 * time.Minute

type cachedToken struct {
	Token string
}

type Store struct {
	backend Backend
	cipher  *security.Cipher
	cache   *marshaler.Marshaler
	now     func() time.Time
}

// NewLocalCache builds the in-process cache shared by a warm Lambda instance.
func NewLocalCache() (*marshaler.Marshaler, error) {
	client, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("init token cache: %w", err)
	}
	cacheManager := cache.New[any](ristretto_store.NewRistretto(client))
	return marshaler.New(cacheManager), nil
}

// NewStore wraps backend. tokenCache may be nil to always hit the backend.
func NewStore(backend Backend, cipher *security.Cipher, tokenCache *marshaler.Marshaler) *Store {
	return &Store{backend: backend, cipher: cipher, cache: tokenCache, now: time.Now}
}

func cacheKey(shop string) string { return "session-token#" + shop }

// Save encrypts and stores the token obtained from OAuth, replacing any earlier one.
func (s *Store) Save(ctx context.Context, shop, accessToken, scope string) error {
	enc, err := s.cipher.Encrypt(accessToken)
	if err != nil {
		return fmt.Errorf("encrypt token: %w", err)
	}
	if err := s.backend.Put(ctx, Record{
		Shop:           shop,
		AccessTokenEnc: enc,
		Scope:          scope,
		CreatedAt:      s.now().UTC(),
	}); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	s.forget(ctx, shop)
	return nil
}

// AccessToken returns the plaintext token, or survey.ErrNoSession.
func (s *Store) AccessToken(ctx context.Context, shop string) (string, error) {
	shop = strings.TrimSpace(shop)
	if s.cache != nil {
		if v, err := s.cache.Get(ctx, cacheKey(shop), new(cachedToken)); err == nil {
			if ct, ok := v.(*cachedToken); ok && ct.Token != "" {
				return ct.Token, nil
			}
		}
	}

	rec, err := s.backend.Get(ctx, shop)
	if errors.Is(err, ErrNotFound) {
		return "", survey.ErrNoSession
	}
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	if rec.AccessTokenEnc == "" {
		return "", survey.ErrNoSession
	}

	token, err := s.cipher.Decrypt(rec.AccessTokenEnc)
	if err != nil {
		return "", fmt.Errorf("decrypt token of %s: %w", shop, err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey(shop), cachedToken{Token: token}, store.WithExpiration(tokenCacheTTL)); err != nil {
			log.Debug().Err(err).Str("shop", shop).Msg("token cache set failed")
		}
	}
	return token, nil
}

// Delete drops the shop's session, after which every survey call for it fails
// with an authentication error.
func (s *Store) Delete(ctx context.Context, shop string) error {
	s.forget(ctx, shop)
	if err := s.backend.Delete(ctx, shop); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// RecordWebhook notes the last webhook received for the shop.
func (s *Store) RecordWebhook(ctx context.Context, shop, topic, webhookID string) error {
	return s.backend.TouchEvent(ctx, shop, topic, webhookID, s.now().UTC())
}

// ForgetToken drops the cached token of shop. Other warm instances keep
// theirs until the cache TTL, or until Shopify rejects it.
func (s *Store) ForgetToken(ctx context.Context, shop string) {
	s.forget(ctx, strings.TrimSpace(shop))
}

func (s *Store) forget(ctx context.Context, shop string) {
	if s.cache == nil {
		return
	}
	_ = s.cache.Delete(ctx, cacheKey(shop))
}
