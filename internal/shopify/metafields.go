package shopify

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	Namespace           = "custom"
	TypeSingleLineText  = "single_line_text_field"
	OwnerTypeCustomer   = "CUSTOMER"
	MaxMetafieldsPerSet = 25

	codeTaken = "TAKEN"
	pageSize  = 250
)

type DefinitionInput struct {
	Name        string `json:"name"`
	Namespace   string `json:"namespace"`
	Key         string `json:"key"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
	OwnerType   string `json:"ownerType"`
}

// AnswerDefinition is the customer metafield definition for a survey answer key.
func AnswerDefinition(key string) DefinitionInput {
	name := key
	if key != "" {
		name = strings.ToUpper(key[:1]) + key[1:]
	}
	return DefinitionInput{
		Name:        name,
		Namespace:   Namespace,
		Key:         key,
		Description: "Survey question answer: " + key,
		Type:        TypeSingleLineText,
		OwnerType:   OwnerTypeCustomer,
	}
}

type MetafieldInput struct {
	OwnerID   string `json:"ownerId"`
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Type      string `json:"type"`
}

type Metafield struct {
	ID        string `json:"id"`
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Value     string `json:"value"`
}

const definitionCreateMutation = `
mutation metafieldDefinitionCreate($definition: MetafieldDefinitionInput!) {
  metafieldDefinitionCreate(definition: $definition) {
    createdDefinition { id name namespace key }
    userErrors { field message code }
  }
}`

type definitionCreateData struct {
	MetafieldDefinitionCreate struct {
		CreatedDefinition *struct {
			ID string `json:"id"`
		} `json:"createdDefinition"`
		UserErrors UserErrors `json:"userErrors"`
	} `json:"metafieldDefinitionCreate"`
}

// CreateMetafieldDefinition registers def. It reports created=false with a nil
// error when the definition already exists.
func (c *Client) CreateMetafieldDefinition(ctx context.Context, shop, accessToken string, def DefinitionInput) (bool, error) {
	resp, err := PostGraphQL[definitionCreateData](ctx, c, shop, accessToken, definitionCreateMutation, map[string]any{
		"definition": def,
	})
	if err != nil {
		return false, err
	}
	ues := resp.Data.MetafieldDefinitionCreate.UserErrors
	if len(ues) == 0 {
		return true, nil
	}
	for _, ue := range ues {
		if ue.Code != codeTaken {
			return false, ues
		}
	}
	return false, nil
}

const metafieldsSetMutation = `
mutation metafieldsSet($metafields: [MetafieldsSetInput!]!) {
  metafieldsSet(metafields: $metafields) {
    metafields { id namespace key value }
    userErrors { field message code }
  }
}`

type metafieldsSetData struct {
	MetafieldsSet struct {
		Metafields []Metafield `json:"metafields"`
		UserErrors UserErrors  `json:"userErrors"`
	} `json:"metafieldsSet"`
}

// SetMetafields writes fields in batches of MaxMetafieldsPerSet. Per-field
// errors from every batch are collected and returned together as UserErrors,
// along with the metafields that were written.
func (c *Client) SetMetafields(ctx context.Context, shop, accessToken string, fields []MetafieldInput) ([]Metafield, error) {
	var (
		written []Metafield
		ues     UserErrors
	)
	for start := 0; start < len(fields); start += MaxMetafieldsPerSet {
		end := min(start+MaxMetafieldsPerSet, len(fields))
		resp, err := PostGraphQL[metafieldsSetData](ctx, c, shop, accessToken, metafieldsSetMutation, map[string]any{
			"metafields": fields[start:end],
		})
		if err != nil {
			return written, err
		}
		written = append(written, resp.Data.MetafieldsSet.Metafields...)
		ues = append(ues, resp.Data.MetafieldsSet.UserErrors...)
	}
	if len(ues) > 0 {
		return written, ues
	}
	return written, nil
}

const customerMetafieldsQuery = `
query customerMetafields($id: ID!, $namespace: String!, $first: Int!, $after: String) {
  customer(id: $id) {
    metafields(first: $first, namespace: $namespace, after: $after) {
      edges { node { key namespace } }
      pageInfo { hasNextPage endCursor }
    }
  }
}`

type customerMetafieldsData struct {
	Customer *struct {
		Metafields struct {
			Edges []struct {
				Node struct {
					Key       string `json:"key"`
					Namespace string `json:"namespace"`
				} `json:"node"`
			} `json:"edges"`
			PageInfo pageInfo `json:"pageInfo"`
		} `json:"metafields"`
	} `json:"customer"`
}

type pageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

// CustomerMetafieldKeys lists every metafield key the customer holds in
// namespace, following pagination. An unknown customer has no keys.
func (c *Client) CustomerMetafieldKeys(ctx context.Context, shop, accessToken, customerGID, namespace string) ([]string, error) {
	var (
		keys  []string
		after *string
	)
	for {
		resp, err := PostGraphQL[customerMetafieldsData](ctx, c, shop, accessToken, customerMetafieldsQuery, map[string]any{
			"id":        customerGID,
			"namespace": namespace,
			"first":     pageSize,
			"after":     after,
		})
		if err != nil {
			return nil, err
		}
		if resp.Data.Customer == nil {
			return keys, nil
		}
		mf := resp.Data.Customer.Metafields
		for _, e := range mf.Edges {
			if e.Node.Namespace == namespace {
				keys = append(keys, e.Node.Key)
			}
		}
		if !mf.PageInfo.HasNextPage || mf.PageInfo.EndCursor == "" {
			return keys, nil
		}
		cur := mf.PageInfo.EndCursor
		after = &cur
	}
}

const definitionsQuery = `
query metafieldDefinitions($ownerType: MetafieldOwnerType!, $namespace: String, $first: Int!, $after: String) {
  metafieldDefinitions(first: $first, after: $after, ownerType: $ownerType, namespace: $namespace) {
    edges { node { id key namespace } }
    pageInfo { hasNextPage endCursor }
  }
}`

type definitionsData struct {
	MetafieldDefinitions struct {
		Edges []struct {
			Node struct {
				ID        string `json:"id"`
				Key       string `json:"key"`
				Namespace string `json:"namespace"`
			} `json:"node"`
		} `json:"edges"`
		PageInfo pageInfo `json:"pageInfo"`
	} `json:"metafieldDefinitions"`
}

// ErrDefinitionNotFound is returned by FindCustomerDefinition when no
// definition matches.
var ErrDefinitionNotFound = errors.New("shopify: metafield definition not found")

// FindCustomerDefinition returns the id of the customer metafield definition
// namespace.key.
func (c *Client) FindCustomerDefinition(ctx context.Context, shop, accessToken, namespace, key string) (string, error) {
	var after *string
	for {
		resp, err := PostGraphQL[definitionsData](ctx, c, shop, accessToken, definitionsQuery, map[string]any{
			"ownerType": OwnerTypeCustomer,
			"namespace": namespace,
			"first":     pageSize,
			"after":     after,
		})
		if err != nil {
			return "", err
		}
		defs := resp.Data.MetafieldDefinitions
		for _, e := range defs.Edges {
			if e.Node.Namespace == namespace && e.Node.Key == key {
				return e.Node.ID, nil
			}
		}
		if !defs.PageInfo.HasNextPage || defs.PageInfo.EndCursor == "" {
			return "", ErrDefinitionNotFound
		}
		cur := defs.PageInfo.EndCursor
		after = &cur
	}
}

const definitionDeleteMutation = `
mutation metafieldDefinitionDelete($id: ID!, $deleteAllAssociatedMetafields: Boolean!) {
  metafieldDefinitionDelete(id: $id, deleteAllAssociatedMetafields: $deleteAllAssociatedMetafields) {
    deletedDefinitionId
    userErrors { field message code }
  }
}`

type definitionDeleteData struct {
	MetafieldDefinitionDelete struct {
		DeletedDefinitionID string     `json:"deletedDefinitionId"`
		UserErrors          UserErrors `json:"userErrors"`
	} `json:"metafieldDefinitionDelete"`
}

// DeleteMetafieldDefinition removes a definition together with every value
// stored under it.
func (c *Client) DeleteMetafieldDefinition(ctx context.Context, shop, accessToken, definitionID string) error {
	resp, err := PostGraphQL[definitionDeleteData](ctx, c, shop, accessToken, definitionDeleteMutation, map[string]any{
		"id":                            definitionID,
		"deleteAllAssociatedMetafields": true,
	})
	if err != nil {
		return err
	}
	if ues := resp.Data.MetafieldDefinitionDelete.UserErrors; len(ues) > 0 {
		return fmt.Errorf("delete definition %s: %w", definitionID, ues)
	}
	return nil
}
