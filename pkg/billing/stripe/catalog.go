package stripe

import (
	"context"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

// ListCatalog maps products to plans and their recurring prices to variations.
// Every variation has a single static phase.
func (p *Provider) ListCatalog(ctx context.Context) (*billing.Catalog, error) {
	params := &stripe.PriceListParams{
		Type: stripe.String("recurring"),
	}
	params.AddExpand("data.product")

	start := time.Now()
	plans := make(map[string]*billing.CatalogPlan)
	var order []string
	for price, err := range p.client.V1Prices.List(ctx, params) {
		if err != nil {
			return nil, p.observe("/v1/prices", start, false, err)
		}
		if price.Product == nil || price.Recurring == nil {
			continue
		}
		plan, ok := plans[price.Product.ID]
		if !ok {
			plan = &billing.CatalogPlan{
				ID:                    price.Product.ID,
				Name:                  price.Product.Name,
				IsDeleted:             price.Product.Deleted || !price.Product.Active,
				PresentAtAllLocations: true,
			}
			plans[plan.ID] = plan
			order = append(order, plan.ID)
		}
		plan.Variations = append(plan.Variations, toVariation(price))
	}
	_ = p.observe("/v1/prices", start, false, nil)

	catalog := &billing.Catalog{
		Items:     map[string]billing.CatalogItem{},
		Discounts: map[string]billing.CatalogDiscount{},
	}
	for _, id := range order {
		catalog.Plans = append(catalog.Plans, *plans[id])
	}
	return catalog, nil
}

func toVariation(price *stripe.Price) billing.CatalogVariation {
	name := price.Nickname
	if name == "" {
		name = price.LookupKey
	}
	return billing.CatalogVariation{
		ID:        price.ID,
		Name:      name,
		IsDeleted: !price.Active,
		Phases: []billing.CatalogPhase{{
			Cadence:     cadence(string(price.Recurring.Interval), price.Recurring.IntervalCount),
			PricingType: billing.PricingStatic,
			Price:       &billing.Money{Amount: price.UnitAmount, Currency: strings.ToUpper(string(price.Currency))},
		}},
	}
}

// cadence maps a Stripe interval onto the provider-neutral cadence names.
func cadence(interval string, count int64) string {
	if count <= 0 {
		count = 1
	}
	switch interval {
	case "day":
		switch count {
		case 30:
			return "THIRTY_DAYS"
		case 60:
			return "SIXTY_DAYS"
		case 90:
			return "NINETY_DAYS"
		}
		return "DAILY"
	case "week":
		if count == 2 {
			return "EVERY_TWO_WEEKS"
		}
		return "WEEKLY"
	case "month":
		switch count {
		case 2:
			return "EVERY_TWO_MONTHS"
		case 3:
			return "QUARTERLY"
		case 4:
			return "EVERY_FOUR_MONTHS"
		case 6:
			return "EVERY_SIX_MONTHS"
		case 12:
			return "ANNUAL"
		}
		return "MONTHLY"
	case "year":
		if count == 2 {
			return "EVERY_TWO_YEARS"
		}
		return "ANNUAL"
	}
	return strings.ToUpper(interval)
}

// CreateOrderTemplate is not available on Stripe.
func (p *Provider) CreateOrderTemplate(context.Context, billing.OrderTemplateParams) (string, error) {
	return "", billing.ErrNotSupported
}
