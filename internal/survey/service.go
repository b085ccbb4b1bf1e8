package survey

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"thankyou-survey/internal/shopify"
)

// ConfigStore persists one ShopConfig per shop. PutConfig must reject a write
// whose Version differs from the stored one with ErrConflict, and bump Version
// on success.
type ConfigStore interface {
	GetConfig(ctx context.Context, shop string) (*ShopConfig, error)
	PutConfig(ctx context.Context, cfg *ShopConfig) error
}

// TokenSource resolves the Admin API access token of an installed shop.
type TokenSource interface {
	AccessToken(ctx context.Context, shop string) (string, error)
}

// TokenInvalidator is implemented by token sources that cache tokens. A token
// Shopify rejects is dropped so the next request reloads the session.
type TokenInvalidator interface {
	ForgetToken(ctx context.Context, shop string)
}

// AnswerSource is the Shopify side: customer metafields and their definitions.
type AnswerSource interface {
	CustomerMetafieldKeys(ctx context.Context, shop, accessToken, customerGID, namespace string) ([]string, error)
	CreateMetafieldDefinition(ctx context.Context, shop, accessToken string, def shopify.DefinitionInput) (bool, error)
	SetMetafields(ctx context.Context, shop, accessToken string, fields []shopify.MetafieldInput) ([]shopify.Metafield, error)
	FindCustomerDefinition(ctx context.Context, shop, accessToken, namespace, key string) (string, error)
	DeleteMetafieldDefinition(ctx context.Context, shop, accessToken, definitionID string) error
	OrderCustomer(ctx context.Context, shop, accessToken, orderGID string) (*shopify.Order, error)
}

// SubmissionRecorder receives one event per saved answer key.
type SubmissionRecorder interface {
	Record(ctx context.Context, shop, customerGID string, keys []string, at time.Time) error
}

const maxWriteAttempts = 3

type Service struct {
	store    ConfigStore
	tokens   TokenSource
	answers  AnswerSource
	repairs  RepairQueue
	recorder SubmissionRecorder
	now      func() time.Time
}

type Option func(*Service)

func WithRepairQueue(q RepairQueue) Option { return func(s *Service) { s.repairs = q } }

func WithRecorder(r SubmissionRecorder) Option { return func(s *Service) { s.recorder = r } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store ConfigStore, tokens TokenSource, answers AnswerSource, opts ...Option) *Service {
	s := &Service{
		store:   store,
		tokens:  tokens,
		answers: answers,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) accessToken(ctx context.Context, shop string) (string, error) {
	token, err := s.tokens.AccessToken(ctx, shop)
	if errors.Is(err, ErrNoSession) || (err == nil && token == "") {
		return "", &Error{Kind: KindAuthentication, Message: msgAuthRequired, Err: err}
	}
	if err != nil {
		return "", internalError("Failed to load shop session", err)
	}
	return token, nil
}

// rejectedToken turns a Shopify 401 into an authentication error and evicts
// the cached token, which a reinstall or uninstall elsewhere has revoked.
// It returns nil for every other error.
func (s *Service) rejectedToken(ctx context.Context, shop string, err error) error {
	var se *shopify.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusUnauthorized {
		return nil
	}
	if inv, ok := s.tokens.(TokenInvalidator); ok {
		inv.ForgetToken(ctx, shop)
	}
	log.Warn().Str("shop", shop).Msg("shopify rejected the stored access token")
	return &Error{Kind: KindAuthentication, Message: msgAuthRequired, Err: err}
}

// SelectQuestions returns the active questions the customer has not answered
// yet, in stored order, capped by the shop's display count.
func (s *Service) SelectQuestions(ctx context.Context, shop, customerID string) ([]Question, error) {
	shop, customerID = strings.TrimSpace(shop), strings.TrimSpace(customerID)
	if shop == "" || customerID == "" {
		return nil, validationError(msgIDsRequired)
	}

	cfg, err := s.store.GetConfig(ctx, shop)
	if err != nil {
		return nil, internalError("Failed to load questions", err)
	}
	if cfg == nil {
		return []Question{}, nil
	}
	active := cfg.ActiveQuestions()
	if len(active) == 0 {
		return []Question{}, nil
	}

	token, err := s.accessToken(ctx, shop)
	if err != nil {
		return nil, err
	}

	keys, err := s.answers.CustomerMetafieldKeys(ctx, shop, token, shopify.CustomerGID(customerID), shopify.Namespace)
	if err != nil {
		if authErr := s.rejectedToken(ctx, shop, err); authErr != nil {
			return nil, authErr
		}
		var gqlErrs shopify.GraphQLErrors
		if errors.As(err, &gqlErrs) {
			return nil, upstreamError("GraphQL errors", gqlErrs, err)
		}
		return nil, internalError("Failed to fetch customer data", err)
	}
	answered := lo.Associate(keys, func(k string) (string, struct{}) { return k, struct{}{} })

	pending := lo.Filter(active, func(q Question, _ int) bool {
		_, done := answered[Sanitize(q.Title)]
		return !done
	})
	if cfg.Count > 0 && len(pending) > cfg.Count {
		pending = pending[:cfg.Count]
	}
	return pending, nil
}

type SubmitResult struct {
	Message    string
	SavedCount int
	Metafields []shopify.Metafield
}

const (
	msgAnswersSaved   = "Answers saved successfully"
	msgNoValidAnswers = "No valid answers to save"
)

// SubmitAnswers stores each non-blank answer as a customer metafield keyed by
// the sanitized question title.
func (s *Service) SubmitAnswers(ctx context.Context, shop, customerID string, answers map[string]string) (*SubmitResult, error) {
	shop, customerID = strings.TrimSpace(shop), strings.TrimSpace(customerID)
	if shop == "" || customerID == "" {
		return nil, validationError(msgIDsRequired)
	}
	if len(answers) == 0 {
		return nil, validationError("Answers are required")
	}

	token, err := s.accessToken(ctx, shop)
	if err != nil {
		return nil, err
	}

	keys, values := answerFields(answers)
	if len(keys) == 0 {
		return &SubmitResult{Message: msgNoValidAnswers}, nil
	}

	s.ensureDefinitions(ctx, shop, token, keys)

	owner := shopify.CustomerGID(customerID)
	fields := lo.Map(keys, func(k string, _ int) shopify.MetafieldInput {
		return shopify.MetafieldInput{
			OwnerID:   owner,
			Namespace: shopify.Namespace,
			Key:       k,
			Value:     values[k],
			Type:      shopify.TypeSingleLineText,
		}
	})

	written, err := s.answers.SetMetafields(ctx, shop, token, fields)
	if err != nil {
		return nil, s.metafieldWriteError(ctx, shop, err, "Failed to save answers")
	}

	if s.recorder != nil {
		if err := s.recorder.Record(ctx, shop, owner, keys, s.now()); err != nil {
			log.Warn().Err(err).Str("shop", shop).Msg("record submission failed")
		}
	}

	return &SubmitResult{
		Message:    msgAnswersSaved,
		SavedCount: len(fields),
		Metafields: written,
	}, nil
}

// answerFields drops blank answers and maps labels to metafield keys. Labels
// are visited in sorted order, so when two labels sanitize to the same key the
// later label's value wins deterministically.
func answerFields(answers map[string]string) ([]string, map[string]string) {
	labels := lo.Keys(answers)
	sort.Strings(labels)

	var keys []string
	values := map[string]string{}
	for _, label := range labels {
		v := answers[label]
		if strings.TrimSpace(v) == "" {
			continue
		}
		k := Sanitize(label)
		if k == "" {
			continue
		}
		if _, seen := values[k]; !seen {
			keys = append(keys, k)
		}
		values[k] = v
	}
	return keys, values
}

func (s *Service) ensureDefinitions(ctx context.Context, shop, token string, keys []string) {
	for _, k := range keys {
		if _, err := s.answers.CreateMetafieldDefinition(ctx, shop, token, shopify.AnswerDefinition(k)); err != nil {
			log.Warn().Err(err).Str("shop", shop).Str("key", k).Msg("metafield definition create failed")
			s.deferRepair(ctx, RepairTask{Kind: RepairCreateDefinition, Shop: shop, Key: k}, false)
		}
	}
}

func (s *Service) metafieldWriteError(ctx context.Context, shop string, err error, fieldMsg string) error {
	if authErr := s.rejectedToken(ctx, shop, err); authErr != nil {
		return authErr
	}
	var gqlErrs shopify.GraphQLErrors
	if errors.As(err, &gqlErrs) {
		return upstreamError("GraphQL errors", gqlErrs, err)
	}
	var ues shopify.UserErrors
	if errors.As(err, &ues) {
		return upstreamError(fieldMsg, ues, err)
	}
	return internalError("Internal server error", err)
}

// CustomerFromOrder resolves the customer who placed an order.
func (s *Service) CustomerFromOrder(ctx context.Context, shop, orderID string) (*shopify.Order, error) {
	shop, orderID = strings.TrimSpace(shop), strings.TrimSpace(orderID)
	if shop == "" || orderID == "" {
		return nil, validationError("Order ID and shop are required")
	}
	token, err := s.accessToken(ctx, shop)
	if err != nil {
		return nil, err
	}

	order, err := s.answers.OrderCustomer(ctx, shop, token, shopify.OrderGID(orderID))
	if err != nil {
		if authErr := s.rejectedToken(ctx, shop, err); authErr != nil {
			return nil, authErr
		}
		var gqlErrs shopify.GraphQLErrors
		if errors.As(err, &gqlErrs) {
			return nil, upstreamError("Failed to fetch customer from order", gqlErrs, err)
		}
		return nil, internalError("Internal server error", err)
	}
	if order == nil {
		return nil, notFoundError("Order not found")
	}
	if order.Customer == nil {
		return nil, notFoundError("No customer associated with this order")
	}
	return order, nil
}

var dobDefinition = shopify.DefinitionInput{
	Name:        "Date of Birth",
	Namespace:   shopify.Namespace,
	Key:         "dob",
	Description: "Customer's date of birth",
	Type:        shopify.TypeSingleLineText,
	OwnerType:   shopify.OwnerTypeCustomer,
}

// SaveDateOfBirth writes the custom.dob metafield of a customer.
func (s *Service) SaveDateOfBirth(ctx context.Context, shop, customerID, dob string) ([]shopify.Metafield, error) {
	shop, customerID = strings.TrimSpace(shop), strings.TrimSpace(customerID)
	if shop == "" || customerID == "" {
		return nil, validationError(msgIDsRequired)
	}
	token, err := s.accessToken(ctx, shop)
	if err != nil {
		return nil, err
	}
	dob = strings.TrimSpace(dob)
	if dob == "" {
		return nil, validationError("No data to save")
	}

	if _, err := s.answers.CreateMetafieldDefinition(ctx, shop, token, dobDefinition); err != nil {
		log.Warn().Err(err).Str("shop", shop).Str("key", dobDefinition.Key).Msg("metafield definition create failed")
		s.deferRepair(ctx, RepairTask{Kind: RepairCreateDefinition, Shop: shop, Key: dobDefinition.Key}, false)
	}

	written, err := s.answers.SetMetafields(ctx, shop, token, []shopify.MetafieldInput{{
		OwnerID:   shopify.CustomerGID(customerID),
		Namespace: shopify.Namespace,
		Key:       dobDefinition.Key,
		Value:     dob,
		Type:      shopify.TypeSingleLineText,
	}})
	if err != nil {
		return nil, s.metafieldWriteError(ctx, shop, err, "Failed to save metafields")
	}
	return written, nil
}

// LoadConfig returns the shop's configuration, creating the default one on
// first access.
func (s *Service) LoadConfig(ctx context.Context, shop string) (*ShopConfig, error) {
	shop = strings.TrimSpace(shop)
	if shop == "" {
		return nil, validationError("Shop is required")
	}
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		cfg, err := s.store.GetConfig(ctx, shop)
		if err != nil {
			return nil, internalError("Failed to load questions", err)
		}
		if cfg != nil {
			return cfg, nil
		}
		cfg = newShopConfig(shop)
		cfg.UpdatedAt = s.now().UTC()
		err = s.store.PutConfig(ctx, cfg)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, internalError("Failed to create survey configuration", err)
		}
		return cfg, nil
	}
	return nil, conflictError()
}

func conflictError() *Error {
	return &Error{Kind: KindConflict, Message: "Questions were changed by another session, please retry", Err: ErrConflict}
}

// mutate applies fn to a fresh copy of the shop's configuration and stores
// it, retrying when another writer got there first.
func (s *Service) mutate(ctx context.Context, shop string, fn func(cfg *ShopConfig) error) (*ShopConfig, error) {
	shop = strings.TrimSpace(shop)
	if shop == "" {
		return nil, validationError("Shop is required")
	}
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		cfg, err := s.store.GetConfig(ctx, shop)
		if err != nil {
			return nil, internalError("Failed to load questions", err)
		}
		if cfg == nil {
			cfg = newShopConfig(shop)
		}
		if err := fn(cfg); err != nil {
			return nil, err
		}
		cfg.UpdatedAt = s.now().UTC()
		err = s.store.PutConfig(ctx, cfg)
		if errors.Is(err, ErrConflict) {
			log.Debug().Str("shop", shop).Int("attempt", attempt+1).Msg("survey config write conflict, retrying")
			continue
		}
		if err != nil {
			return nil, internalError("Failed to save questions", err)
		}
		return cfg, nil
	}
	return nil, conflictError()
}

func (s *Service) CreateQuestion(ctx context.Context, shop string, in QuestionInput) (*Question, error) {
	q, err := NewQuestion(in, s.now())
	if err != nil {
		return nil, err
	}
	_, err = s.mutate(ctx, shop, func(cfg *ShopConfig) error {
		if cfg.titleTaken(q.Title, "") {
			return validationError(msgDuplicateTitle)
		}
		cfg.Questions = append(cfg.Questions, q)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// UpdateQuestion replaces the content of a question, keeping its id, creation
// time and active flag.
func (s *Service) UpdateQuestion(ctx context.Context, shop, id string, in QuestionInput) (*Question, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, validationError(msgFieldsRequired)
	}
	d, err := in.definition()
	if err != nil {
		return nil, err
	}
	var updated Question
	_, err = s.mutate(ctx, shop, func(cfg *ShopConfig) error {
		i := cfg.index(id)
		if i < 0 {
			return notFoundError(msgNotFound)
		}
		if cfg.titleTaken(d.title, id) {
			return validationError(msgDuplicateTitle)
		}
		d.apply(&cfg.Questions[i])
		updated = cfg.Questions[i]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteQuestion removes a question and then cleans up its metafield
// definition and stored answers. Cleanup failures never fail the delete.
func (s *Service) DeleteQuestion(ctx context.Context, shop, id string) error {
	id = strings.TrimSpace(id)
	var removed Question
	_, err := s.mutate(ctx, shop, func(cfg *ShopConfig) error {
		i := cfg.index(id)
		if i < 0 {
			return notFoundError(msgNotFound)
		}
		removed = cfg.Questions[i]
		cfg.Questions = lo.Reject(cfg.Questions, func(q Question, _ int) bool { return q.ID == id })
		return nil
	})
	if err != nil {
		return err
	}
	s.deferRepair(ctx, RepairTask{Kind: RepairDeleteDefinition, Shop: strings.TrimSpace(shop), Key: Sanitize(removed.Title)}, true)
	return nil
}

func (s *Service) ToggleQuestion(ctx context.Context, shop, id string) (*Question, error) {
	id = strings.TrimSpace(id)
	var toggled Question
	_, err := s.mutate(ctx, shop, func(cfg *ShopConfig) error {
		i := cfg.index(id)
		if i < 0 {
			return notFoundError(msgNotFound)
		}
		cfg.Questions[i].IsActive = !cfg.Questions[i].IsActive
		toggled = cfg.Questions[i]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &toggled, nil
}

func (s *Service) UpdateCount(ctx context.Context, shop string, count int) error {
	if count < 1 {
		return validationError(msgCountTooSmall)
	}
	_, err := s.mutate(ctx, shop, func(cfg *ShopConfig) error {
		cfg.Count = count
		return nil
	})
	return err
}
