package shopify

import "context"

type Customer struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	FirstName   string `json:"firstName"`
	LastName    string `json:"lastName"`
	DisplayName string `json:"displayName"`
}

type Order struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Customer *Customer `json:"customer"`
}

const orderCustomerQuery = `
query orderCustomer($orderId: ID!) {
  order(id: $orderId) {
    id
    name
    customer { id email firstName lastName displayName }
  }
}`

type orderCustomerData struct {
	Order *Order `json:"order"`
}

// OrderCustomer fetches an order with its customer. A missing order is
// returned as (nil, nil).
func (c *Client) OrderCustomer(ctx context.Context, shop, accessToken, orderGID string) (*Order, error) {
	resp, err := PostGraphQL[orderCustomerData](ctx, c, shop, accessToken, orderCustomerQuery, map[string]any{
		"orderId": orderGID,
	})
	if err != nil {
		return nil, err
	}
	return resp.Data.Order, nil
}
