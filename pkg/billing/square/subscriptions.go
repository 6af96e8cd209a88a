package square

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

type subscriptionResponse struct {
	Subscription *subscription `json:"subscription"`
	Actions      []action      `json:"actions"`
}

func phaseRefs(orderTemplateID string, ordinal int) []phaseRef {
	if orderTemplateID == "" {
		return nil
	}
	return []phaseRef{{Ordinal: ordinal, OrderTemplateID: orderTemplateID}}
}

// CreateSubscription creates a subscription at the configured location.
func (p *Provider) CreateSubscription(ctx context.Context, params billing.CreateSubscriptionParams) (*billing.Subscription, error) {
	body := struct {
		IdempotencyKey  string     `json:"idempotency_key"`
		LocationID      string     `json:"location_id"`
		PlanVariationID string     `json:"plan_variation_id"`
		CustomerID      string     `json:"customer_id"`
		CardID          string     `json:"card_id,omitempty"`
		Phases          []phaseRef `json:"phases,omitempty"`
	}{
		IdempotencyKey:  params.IdempotencyKey,
		LocationID:      p.locationID,
		PlanVariationID: params.VariationID,
		CustomerID:      params.CustomerID,
		CardID:          params.CardID,
		Phases:          phaseRefs(params.OrderTemplateID, params.PhaseOrdinal),
	}

	var resp subscriptionResponse
	err := p.do(ctx, request{
		method:   http.MethodPost,
		path:     "/v2/subscriptions",
		endpoint: "/v2/subscriptions",
		body:     body,
		write:    true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Subscription == nil {
		return nil, fmt.Errorf("square: create subscription: empty response")
	}
	return withActions(resp.Subscription, resp.Actions), nil
}

// ListSubscriptions returns every subscription of the customer at the configured
// location, with their scheduled actions.
func (p *Provider) ListSubscriptions(ctx context.Context, customerID string) ([]*billing.Subscription, error) {
	type filter struct {
		CustomerIDs []string `json:"customer_ids"`
		LocationIDs []string `json:"location_ids"`
	}
	type query struct {
		Filter filter `json:"filter"`
	}
	type searchRequest struct {
		Cursor  string   `json:"cursor,omitempty"`
		Limit   int      `json:"limit"`
		Query   query    `json:"query"`
		Include []string `json:"include"`
	}

	var out []*billing.Subscription
	cursor := ""
	for {
		var resp struct {
			Subscriptions []subscription `json:"subscriptions"`
			Cursor        string         `json:"cursor"`
		}
		err := p.do(ctx, request{
			method:   http.MethodPost,
			path:     "/v2/subscriptions/search",
			endpoint: "/v2/subscriptions/search",
			body: searchRequest{
				Cursor:  cursor,
				Limit:   searchPageSize,
				Query:   query{Filter: filter{CustomerIDs: []string{customerID}, LocationIDs: []string{p.locationID}}},
				Include: []string{"actions"},
			},
		}, &resp)
		if err != nil {
			return nil, err
		}
		for i := range resp.Subscriptions {
			out = append(out, resp.Subscriptions[i].toBilling())
		}
		if resp.Cursor == "" {
			return out, nil
		}
		cursor = resp.Cursor
	}
}

// RetrieveSubscription fetches a subscription with its scheduled actions.
func (p *Provider) RetrieveSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	var resp subscriptionResponse
	err := p.do(ctx, request{
		method:   http.MethodGet,
		path:     "/v2/subscriptions/" + url.PathEscape(subscriptionID) + "?include=actions",
		endpoint: "/v2/subscriptions/{id}",
	}, &resp)
	if err != nil {
		if apiErr, ok := billing.AsAPIError(err); ok && apiErr.NotFound() {
			return nil, fmt.Errorf("%w: %w", billing.ErrSubscriptionNotFound, err)
		}
		return nil, err
	}
	if resp.Subscription == nil {
		return nil, fmt.Errorf("%w: %s", billing.ErrSubscriptionNotFound, subscriptionID)
	}
	return withActions(resp.Subscription, resp.Actions), nil
}

// CancelSubscription schedules cancellation at the end of the paid period. The
// returned subscription usually stays ACTIVE with canceled_date set.
func (p *Provider) CancelSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	var resp subscriptionResponse
	err := p.do(ctx, request{
		method:   http.MethodPost,
		path:     "/v2/subscriptions/" + url.PathEscape(subscriptionID) + "/cancel",
		endpoint: "/v2/subscriptions/{id}/cancel",
		write:    true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Subscription == nil {
		return nil, fmt.Errorf("square: cancel subscription: empty response")
	}
	return withActions(resp.Subscription, resp.Actions), nil
}

// SwapPlan requests a plan variation change. Square usually schedules it as a
// SWAP_PLAN action effective at the next billing date.
func (p *Provider) SwapPlan(ctx context.Context, params billing.SwapPlanParams) (*billing.SwapOutcome, error) {
	body := struct {
		NewPlanVariationID string     `json:"new_plan_variation_id"`
		Phases             []phaseRef `json:"phases,omitempty"`
	}{
		NewPlanVariationID: params.NewVariationID,
		Phases:             phaseRefs(params.OrderTemplateID, params.PhaseOrdinal),
	}

	var resp subscriptionResponse
	err := p.do(ctx, request{
		method:   http.MethodPost,
		path:     "/v2/subscriptions/" + url.PathEscape(params.SubscriptionID) + "/swap-plan",
		endpoint: "/v2/subscriptions/{id}/swap-plan",
		body:     body,
		write:    true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Subscription == nil {
		return nil, fmt.Errorf("square: swap plan: empty response")
	}
	return &billing.SwapOutcome{
		Subscription: resp.Subscription.toBilling(),
		Actions:      actionsToBilling(resp.Actions),
	}, nil
}
