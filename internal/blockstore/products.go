package blockstore

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/livetemplate/bioblocks"
)

// ProductClient lists storefront products from the store's /products route.
type ProductClient struct {
	client *Client
}

// NewProductClient creates a product client that shares c's transport,
// retry policy and circuit breaker.
func NewProductClient(c *Client) *ProductClient {
	return &ProductClient{client: c}
}

// List returns the products in server order.
func (p *ProductClient) List(ctx context.Context) ([]bioblocks.Product, error) {
	c := p.client
	return idempotent(ctx, c, "products", func(ctx context.Context) ([]bioblocks.Product, error) {
		var raw json.RawMessage
		if err := c.do(ctx, "products", http.MethodGet, "/products", nil, &raw); err != nil {
			return nil, err
		}
		return decodeList[bioblocks.Product]("products", raw)
	})
}
