package stripe

import (
	"context"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

// toSubscription maps a Stripe subscription. Stripe keeps period bounds on the
// items; the first item carries the plan.
func toSubscription(sub *stripe.Subscription) *billing.Subscription {
	out := &billing.Subscription{
		ID:        sub.ID,
		Status:    mapStatus(sub.Status),
		StartDate: unixDate(sub.StartDate),
		CreatedAt: unixTime(sub.Created),
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.Price != nil {
			out.PlanVariationID = item.Price.ID
		}
		out.ChargedThroughDate = unixDate(item.CurrentPeriodEnd)
	}
	out.PendingChange = pendingUpdate(sub.PendingUpdate)

	switch {
	case sub.CancelAtPeriodEnd && out.ChargedThroughDate != nil:
		d := *out.ChargedThroughDate
		out.CanceledDate = &d
	case sub.CancelAt > 0:
		out.CanceledDate = unixDate(sub.CancelAt)
	case out.Status == billing.StatusCanceled:
		if sub.EndedAt > 0 {
			out.CanceledDate = unixDate(sub.EndedAt)
		} else {
			out.CanceledDate = unixDate(sub.CanceledAt)
		}
	}
	return out
}

// pendingUpdate maps a price change that Stripe holds back until its invoice is
// paid. Without a new billing cycle anchor the change lands at period end.
func pendingUpdate(pu *stripe.SubscriptionPendingUpdate) *billing.Action {
	if pu == nil || len(pu.SubscriptionItems) == 0 || pu.SubscriptionItems[0].Price == nil {
		return nil
	}
	return &billing.Action{
		Type:               billing.ActionSwapPlan,
		EffectiveDate:      unixDate(pu.BillingCycleAnchor),
		NewPlanVariationID: pu.SubscriptionItems[0].Price.ID,
	}
}

func mapStatus(s stripe.SubscriptionStatus) billing.SubscriptionStatus {
	switch string(s) {
	case "active", "trialing", "past_due":
		return billing.StatusActive
	case "incomplete":
		return billing.StatusPending
	case "canceled", "incomplete_expired":
		return billing.StatusCanceled
	case "unpaid":
		return billing.StatusDeactivated
	case "paused":
		return billing.StatusPaused
	default:
		return billing.SubscriptionStatus(s)
	}
}

// CreateSubscription creates a single-item subscription charged to the given card.
func (p *Provider) CreateSubscription(ctx context.Context, params billing.CreateSubscriptionParams) (*billing.Subscription, error) {
	if params.OrderTemplateID != "" {
		return nil, billing.ErrNotSupported
	}
	create := &stripe.SubscriptionCreateParams{
		Customer: stripe.String(params.CustomerID),
		Items: []*stripe.SubscriptionCreateItemParams{
			{Price: stripe.String(params.VariationID)},
		},
	}
	if params.CardID != "" {
		create.DefaultPaymentMethod = stripe.String(params.CardID)
	}
	if params.IdempotencyKey != "" {
		create.SetIdempotencyKey(params.IdempotencyKey)
	}

	start := time.Now()
	sub, err := p.client.V1Subscriptions.Create(ctx, create)
	if err = p.observe("/v1/subscriptions", start, true, err); err != nil {
		return nil, err
	}
	return toSubscription(sub), nil
}

// ListSubscriptions returns all subscriptions of the customer, whatever their status.
func (p *Provider) ListSubscriptions(ctx context.Context, customerID string) ([]*billing.Subscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)
	params.Status = stripe.String("all")

	start := time.Now()
	var out []*billing.Subscription
	for sub, err := range p.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, p.observe("/v1/subscriptions/list", start, false, err)
		}
		out = append(out, toSubscription(sub))
	}
	_ = p.observe("/v1/subscriptions/list", start, false, nil)
	return out, nil
}

func (p *Provider) retrieve(ctx context.Context, subscriptionID string) (*stripe.Subscription, error) {
	start := time.Now()
	sub, err := p.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err = p.observe("/v1/subscriptions/{id}", start, false, err); err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("%w: %w", billing.ErrSubscriptionNotFound, err)
		}
		return nil, err
	}
	return sub, nil
}

// RetrieveSubscription fetches a subscription.
func (p *Provider) RetrieveSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	sub, err := p.retrieve(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	return toSubscription(sub), nil
}

// CancelSubscription cancels at period end. A subscription that already has a
// scheduled end is reported with CodeAlreadyCanceled.
func (p *Provider) CancelSubscription(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	current, err := p.retrieve(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if mapped := toSubscription(current); mapped.CanceledDate != nil {
		return nil, &billing.APIError{
			Provider:   providerName,
			StatusCode: 400,
			Code:       billing.CodeAlreadyCanceled,
			Detail:     "subscription already canceled effective " + billing.FormatDate(mapped.CanceledDate),
		}
	}

	start := time.Now()
	sub, err := p.client.V1Subscriptions.Update(ctx, subscriptionID, &stripe.SubscriptionUpdateParams{
		CancelAtPeriodEnd: stripe.Bool(true),
	})
	if err = p.observe("/v1/subscriptions/{id}", start, true, err); err != nil {
		return nil, err
	}
	return toSubscription(sub), nil
}

// SwapPlan replaces the price of the first subscription item. Stripe applies the
// change immediately.
func (p *Provider) SwapPlan(ctx context.Context, params billing.SwapPlanParams) (*billing.SwapOutcome, error) {
	if params.OrderTemplateID != "" {
		return nil, billing.ErrNotSupported
	}
	current, err := p.retrieve(ctx, params.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return nil, fmt.Errorf("stripe: subscription %s has no items", params.SubscriptionID)
	}

	start := time.Now()
	sub, err := p.client.V1Subscriptions.Update(ctx, params.SubscriptionID, &stripe.SubscriptionUpdateParams{
		Items: []*stripe.SubscriptionUpdateItemParams{{
			ID:    stripe.String(current.Items.Data[0].ID),
			Price: stripe.String(params.NewVariationID),
		}},
		ProrationBehavior: stripe.String(p.proration),
	})
	if err = p.observe("/v1/subscriptions/{id}", start, true, err); err != nil {
		return nil, err
	}
	return &billing.SwapOutcome{Subscription: toSubscription(sub)}, nil
}
