package square

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

// ListCatalog fetches subscription plans, items and discounts in parallel.
func (p *Provider) ListCatalog(ctx context.Context) (*billing.Catalog, error) {
	var plans, items, discounts []catalogObject

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		plans, err = p.listCatalog(gctx, "SUBSCRIPTION_PLAN")
		return err
	})
	g.Go(func() (err error) {
		items, err = p.listCatalog(gctx, "ITEM")
		return err
	})
	g.Go(func() (err error) {
		discounts, err = p.listCatalog(gctx, "DISCOUNT")
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	catalog := &billing.Catalog{
		Items:     make(map[string]billing.CatalogItem, len(items)),
		Discounts: make(map[string]billing.CatalogDiscount, len(discounts)),
	}
	for _, o := range plans {
		catalog.Plans = append(catalog.Plans, o.toPlan())
	}
	for _, o := range items {
		catalog.Items[o.ID] = o.toItem()
	}
	for _, o := range discounts {
		catalog.Discounts[o.ID] = o.toDiscount()
	}
	return catalog, nil
}

func (p *Provider) listCatalog(ctx context.Context, objectType string) ([]catalogObject, error) {
	var out []catalogObject
	cursor := ""
	for {
		q := url.Values{"types": {objectType}}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		var resp struct {
			Objects []catalogObject `json:"objects"`
			Cursor  string          `json:"cursor"`
		}
		err := p.do(ctx, request{
			method:   http.MethodGet,
			path:     "/v2/catalog/list?" + q.Encode(),
			endpoint: "/v2/catalog/list",
		}, &resp)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", objectType, err)
		}
		out = append(out, resp.Objects...)
		if resp.Cursor == "" {
			return out, nil
		}
		cursor = resp.Cursor
	}
}

// CreateOrderTemplate creates a DRAFT order whose single line item carries the
// price the subscription phase bills.
func (p *Provider) CreateOrderTemplate(ctx context.Context, params billing.OrderTemplateParams) (string, error) {
	type lineItem struct {
		Quantity        string `json:"quantity"`
		CatalogObjectID string `json:"catalog_object_id,omitempty"`
		Name            string `json:"name,omitempty"`
		BasePriceMoney  *money `json:"base_price_money"`
	}
	type order struct {
		LocationID string     `json:"location_id"`
		CustomerID string     `json:"customer_id"`
		State      string     `json:"state"`
		LineItems  []lineItem `json:"line_items"`
	}
	item := lineItem{
		Quantity:        "1",
		CatalogObjectID: params.CatalogObjectID,
		BasePriceMoney:  fromBilling(params.Price),
	}
	// Ad hoc line items need a name.
	if item.CatalogObjectID == "" {
		item.Name = params.Name
	}
	body := struct {
		IdempotencyKey string `json:"idempotency_key"`
		Order          order  `json:"order"`
	}{
		IdempotencyKey: params.IdempotencyKey,
		Order: order{
			LocationID: p.locationID,
			CustomerID: params.CustomerID,
			State:      "DRAFT",
			LineItems:  []lineItem{item},
		},
	}

	var resp struct {
		Order *struct {
			ID string `json:"id"`
		} `json:"order"`
	}
	err := p.do(ctx, request{
		method:   http.MethodPost,
		path:     "/v2/orders",
		endpoint: "/v2/orders",
		body:     body,
		write:    true,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Order == nil || resp.Order.ID == "" {
		return "", fmt.Errorf("square: create order: empty response")
	}
	return resp.Order.ID, nil
}
