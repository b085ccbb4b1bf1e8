// Package surveytest provides in-memory collaborators for survey.Service.
package surveytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"thankyou-survey/internal/shopify"
	"thankyou-survey/internal/survey"
)

// MemoryStore is a ConfigStore with the same version semantics as the real ones.
type MemoryStore struct {
	mu      sync.Mutex
	configs map[string]survey.ShopConfig
	// BeforePut runs before every write; tests use it to simulate a concurrent writer.
	BeforePut func(cfg *survey.ShopConfig)
	Puts      int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: map[string]survey.ShopConfig{}}
}

func (m *MemoryStore) GetConfig(_ context.Context, shop string) (*survey.ShopConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[shop]
	if !ok {
		return nil, nil
	}
	cfg.Questions = append([]survey.Question(nil), cfg.Questions...)
	return &cfg, nil
}

func (m *MemoryStore) PutConfig(_ context.Context, cfg *survey.ShopConfig) error {
	if m.BeforePut != nil {
		m.BeforePut(cfg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.configs[cfg.Shop]
	if (!ok && cfg.Version != 0) || (ok && cur.Version != cfg.Version) {
		return survey.ErrConflict
	}
	cfg.Version++
	stored := *cfg
	stored.Questions = append([]survey.Question(nil), cfg.Questions...)
	m.configs[cfg.Shop] = stored
	m.Puts++
	return nil
}

// Seed stores cfg unconditionally.
func (m *MemoryStore) Seed(cfg survey.ShopConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	m.configs[cfg.Shop] = cfg
}

// Tokens maps shops to access tokens.
type Tokens map[string]string

func (t Tokens) AccessToken(_ context.Context, shop string) (string, error) {
	tok, ok := t[shop]
	if !ok {
		return "", survey.ErrNoSession
	}
	return tok, nil
}

// Shopify is an AnswerSource holding customer metafields in memory.
type Shopify struct {
	mu sync.Mutex
	// Values is keyed by shop, then customer gid, then metafield key.
	Values      map[string]map[string]map[string]string
	Definitions map[string]map[string]string
	Orders      map[string]*shopify.Order

	LookupErr      error
	DefinitionErr  error
	SetErr         error
	DeleteErr      error
	SetCalls       int
	DefinitionRuns int
	DeletedKeys    []string
}

func NewShopify() *Shopify {
	return &Shopify{
		Values:      map[string]map[string]map[string]string{},
		Definitions: map[string]map[string]string{},
		Orders:      map[string]*shopify.Order{},
	}
}

func (f *Shopify) CustomerMetafieldKeys(_ context.Context, shop, _, customerGID, namespace string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LookupErr != nil {
		return nil, f.LookupErr
	}
	var keys []string
	for k := range f.Values[shop][customerGID] {
		keys = append(keys, k)
	}
	return keys, nil
}

func (f *Shopify) CreateMetafieldDefinition(_ context.Context, shop, _ string, def shopify.DefinitionInput) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DefinitionRuns++
	if f.DefinitionErr != nil {
		return false, f.DefinitionErr
	}
	if f.Definitions[shop] == nil {
		f.Definitions[shop] = map[string]string{}
	}
	if _, ok := f.Definitions[shop][def.Key]; ok {
		return false, nil
	}
	f.Definitions[shop][def.Key] = fmt.Sprintf("gid://shopify/MetafieldDefinition/%d", len(f.Definitions[shop])+1)
	return true, nil
}

func (f *Shopify) SetMetafields(_ context.Context, shop, _ string, fields []shopify.MetafieldInput) ([]shopify.Metafield, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SetCalls++
	if f.SetErr != nil {
		return nil, f.SetErr
	}
	if f.Values[shop] == nil {
		f.Values[shop] = map[string]map[string]string{}
	}
	out := make([]shopify.Metafield, 0, len(fields))
	for i, mf := range fields {
		if f.Values[shop][mf.OwnerID] == nil {
			f.Values[shop][mf.OwnerID] = map[string]string{}
		}
		f.Values[shop][mf.OwnerID][mf.Key] = mf.Value
		out = append(out, shopify.Metafield{
			ID:        fmt.Sprintf("gid://shopify/Metafield/%d", i+1),
			Namespace: mf.Namespace,
			Key:       mf.Key,
			Value:     mf.Value,
		})
	}
	return out, nil
}

func (f *Shopify) FindCustomerDefinition(_ context.Context, shop, _, _, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.Definitions[shop][key]
	if !ok {
		return "", shopify.ErrDefinitionNotFound
	}
	return id, nil
}

func (f *Shopify) DeleteMetafieldDefinition(_ context.Context, shop, _, definitionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	for k, id := range f.Definitions[shop] {
		if id == definitionID {
			delete(f.Definitions[shop], k)
			for _, vals := range f.Values[shop] {
				delete(vals, k)
			}
			f.DeletedKeys = append(f.DeletedKeys, k)
		}
	}
	return nil
}

func (f *Shopify) OrderCustomer(_ context.Context, _, _, orderGID string) (*shopify.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LookupErr != nil {
		return nil, f.LookupErr
	}
	return f.Orders[orderGID], nil
}

// Queue records repair tasks instead of sending them.
type Queue struct {
	mu    sync.Mutex
	Tasks []survey.RepairTask
	Err   error
}

func (q *Queue) Enqueue(_ context.Context, task survey.RepairTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.Err != nil {
		return q.Err
	}
	q.Tasks = append(q.Tasks, task)
	return nil
}

// Recorder keeps submission events in memory.
type Recorder struct {
	mu     sync.Mutex
	Events []RecordedSubmission
}

type RecordedSubmission struct {
	Shop, Customer string
	Keys           []string
	At             time.Time
}

func (r *Recorder) Record(_ context.Context, shop, customerGID string, keys []string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, RecordedSubmission{Shop: shop, Customer: customerGID, Keys: keys, At: at})
	return nil
}
