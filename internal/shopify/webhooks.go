package shopify

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
)

const TopicAppUninstalled = "app/uninstalled"

type webhookCreateReq struct {
	Webhook struct {
		Address string `json:"address"`
		Topic   string `json:"topic"`
		Format  string `json:"format"`
	} `json:"webhook"`
}

// CreateWebhook registers an HTTPS webhook for topic on the shop.
// Shopify answers 422 when the subscription already exists; that counts as success.
func (c *Client) CreateWebhook(ctx context.Context, shop, accessToken, topic, address string) error {
	var payload webhookCreateReq
	payload.Webhook.Address, payload.Webhook.Topic, payload.Webhook.Format = address, topic, "json"

	status, raw, err := c.postJSON(ctx, c.adminURL(shop, "webhooks.json"), accessToken, payload)
	switch {
	case err != nil:
		return fmt.Errorf("create webhook %s: %w", topic, err)
	case status == http.StatusUnprocessableEntity && bytes.Contains(raw, []byte("already been taken")):
		return nil
	case !isSuccess(status):
		return fmt.Errorf("create webhook %s: %w", topic, &StatusError{Status: status, Body: string(raw)})
	}
	return nil
}

// SubscribeWebhooks registers every topic the app handles. Failures are
// collected per topic; the caller decides whether they matter.
func (c *Client) SubscribeWebhooks(ctx context.Context, shop, accessToken string, addresses map[string]string) (created []string, failed map[string]error) {
	for topic, address := range addresses {
		if err := c.CreateWebhook(ctx, shop, accessToken, topic, address); err != nil {
			if failed == nil {
				failed = map[string]error{}
			}
			failed[topic] = err
			continue
		}
		created = append(created, topic)
	}
	return created, failed
}
