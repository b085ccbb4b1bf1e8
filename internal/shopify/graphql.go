package shopify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const DefaultAPIVersion = "2024-01"

// Client talks to the Admin API of any shop; the shop domain and access token
// are passed per call.
type Client struct {
	HTTP       *http.Client
	APIVersion string
	// BaseURL replaces https://<shop> when set. Used by tests and local proxies.
	BaseURL string
}

func NewClient(apiVersion string) *Client {
	if strings.TrimSpace(apiVersion) == "" {
		apiVersion = DefaultAPIVersion
	}
	return &Client{
		HTTP:       &http.Client{Timeout: 20 * time.Second},
		APIVersion: apiVersion,
	}
}

func (c *Client) shopURL(shop, path string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = "https://" + shop
	}
	return base + path
}

func (c *Client) adminURL(shop, resource string) string {
	return c.shopURL(shop, fmt.Sprintf("/admin/api/%s/%s", c.APIVersion, resource))
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// postJSON sends payload as JSON and returns the status and raw body. An
// empty accessToken omits the X-Shopify-Access-Token header.
func (c *Client) postJSON(ctx context.Context, url, accessToken string, payload any) (int, []byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if accessToken != "" {
		req.Header.Set("X-Shopify-Access-Token", accessToken)
	}

	res, err := c.httpClient().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return res.StatusCode, raw, nil
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }

type GraphQLError struct {
	Message    string `json:"message"`
	Path       []any  `json:"path,omitempty"`
	Extensions struct {
		Code string `json:"code,omitempty"`
	} `json:"extensions,omitempty"`
}

// GraphQLErrors are top-level errors of a GraphQL response.
type GraphQLErrors []GraphQLError

func (e GraphQLErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, ge := range e {
		if ge.Extensions.Code != "" {
			msgs = append(msgs, ge.Message+" ("+ge.Extensions.Code+")")
		} else {
			msgs = append(msgs, ge.Message)
		}
	}
	return "shopify graphql: " + strings.Join(msgs, "; ")
}

// UserError is a per-field error reported inside a mutation payload.
type UserError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
	Code    string   `json:"code,omitempty"`
}

type UserErrors []UserError

func (e UserErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, ue := range e {
		if len(ue.Field) > 0 {
			msgs = append(msgs, strings.Join(ue.Field, ".")+": "+ue.Message)
		} else {
			msgs = append(msgs, ue.Message)
		}
	}
	return "shopify user errors: " + strings.Join(msgs, "; ")
}

// StatusError is a non-2xx HTTP answer from Shopify.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("shopify http %d: %s", e.Status, truncate(e.Body, 300))
}

type GraphQLResponse[T any] struct {
	Data   T             `json:"data"`
	Errors GraphQLErrors `json:"errors"`
}

// PostGraphQL runs one GraphQL document against the shop. Top-level GraphQL
// errors are returned as GraphQLErrors alongside the decoded response.
func PostGraphQL[T any](ctx context.Context, c *Client, shop, accessToken, query string, variables any) (*GraphQLResponse[T], error) {
	status, raw, err := c.postJSON(ctx, c.adminURL(shop, "graphql.json"), accessToken, map[string]any{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return nil, fmt.Errorf("graphql request: %w", err)
	}

	var out GraphQLResponse[T]
	decodeErr := json.Unmarshal(raw, &out)
	switch {
	case decodeErr == nil && len(out.Errors) > 0:
		return &out, out.Errors
	case !isSuccess(status):
		return nil, &StatusError{Status: status, Body: string(raw)}
	case decodeErr != nil:
		return nil, fmt.Errorf("decode graphql response: %w", decodeErr)
	}
	return &out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
