package survey

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"thankyou-survey/internal/shopify"
)

type RepairKind string

const (
	RepairCreateDefinition RepairKind = "create_definition"
	RepairDeleteDefinition RepairKind = "delete_definition"
)

// RepairTask is a metafield-definition side effect that failed or was
// deferred. Running a task twice has the same outcome as running it once.
type RepairTask struct {
	Kind RepairKind `json:"kind"`
	Shop string     `json:"shop"`
	Key  string     `json:"key"`
}

func (t RepairTask) Validate() error {
	if t.Shop == "" || t.Key == "" {
		return fmt.Errorf("repair task: shop and key are required")
	}
	switch t.Kind {
	case RepairCreateDefinition, RepairDeleteDefinition:
		return nil
	default:
		return fmt.Errorf("repair task: unknown kind %q", t.Kind)
	}
}

type RepairQueue interface {
	Enqueue(ctx context.Context, task RepairTask) error
}

// RunRepair executes one repair task against the shop's metafield definitions.
// A shop without a session has nothing left to repair.
func (s *Service) RunRepair(ctx context.Context, task RepairTask) error {
	if err := task.Validate(); err != nil {
		return err
	}
	token, err := s.tokens.AccessToken(ctx, task.Shop)
	if errors.Is(err, ErrNoSession) {
		log.Info().Str("shop", task.Shop).Str("key", task.Key).Msg("repair skipped, shop has no session")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	switch task.Kind {
	case RepairCreateDefinition:
		if _, err := s.answers.CreateMetafieldDefinition(ctx, task.Shop, token, shopify.AnswerDefinition(task.Key)); err != nil {
			return fmt.Errorf("create definition %s: %w", task.Key, err)
		}
	case RepairDeleteDefinition:
		inUse, err := s.keyInUse(ctx, task.Shop, task.Key)
		if err != nil {
			return err
		}
		if inUse {
			log.Info().Str("shop", task.Shop).Str("key", task.Key).Msg("repair skipped, key belongs to a current question")
			return nil
		}
		id, err := s.answers.FindCustomerDefinition(ctx, task.Shop, token, shopify.Namespace, task.Key)
		if errors.Is(err, shopify.ErrDefinitionNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find definition %s: %w", task.Key, err)
		}
		if err := s.answers.DeleteMetafieldDefinition(ctx, task.Shop, token, id); err != nil {
			return err
		}
		log.Info().Str("shop", task.Shop).Str("key", task.Key).Msg("deleted metafield definition and customer values")
	}
	return nil
}

// keyInUse reports whether a question in the shop's current config still
// stores its answers under key. A queued delete must not remove a definition
// that a recreated question has taken over.
func (s *Service) keyInUse(ctx context.Context, shop, key string) (bool, error) {
	cfg, err := s.store.GetConfig(ctx, shop)
	if err != nil {
		return false, fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		return false, nil
	}
	return lo.ContainsBy(cfg.Questions, func(q Question) bool { return Sanitize(q.Title) == key }), nil
}

// deferRepair hands task to the repair queue, falling back to running it
// inline. Failures are logged only.
func (s *Service) deferRepair(ctx context.Context, task RepairTask, inline bool) {
	if s.repairs != nil {
		err := s.repairs.Enqueue(ctx, task)
		if err == nil {
			return
		}
		log.Warn().Err(err).Str("shop", task.Shop).Str("key", task.Key).Str("kind", string(task.Kind)).Msg("enqueue repair task failed")
	}
	if !inline {
		return
	}
	if err := s.RunRepair(ctx, task); err != nil {
		log.Warn().Err(err).Str("shop", task.Shop).Str("key", task.Key).Str("kind", string(task.Kind)).Msg("repair task failed")
	}
}
