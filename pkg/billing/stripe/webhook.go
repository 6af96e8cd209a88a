package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

// SignatureHeader carries the Stripe webhook signature.
const SignatureHeader = "Stripe-Signature"

// VerifyWebhook checks the Stripe-Signature header and parses subscription events.
// Stripe signs the body only, so candidate URLs are not used.
func (p *Provider) VerifyWebhook(_ context.Context, req billing.WebhookRequest) (*billing.Event, error) {
	if p.webhookSecret == "" {
		return nil, billing.ErrProviderNotConfigured
	}
	sig := req.Header.Get(SignatureHeader)
	if sig == "" {
		return nil, billing.ErrInvalidWebhookSignature
	}

	event, err := webhook.ConstructEventWithOptions(req.Body, sig, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
		}
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookSignature, err)
	}

	out := &billing.Event{
		ID:        event.ID,
		RawType:   string(event.Type),
		CreatedAt: unixTime(event.Created),
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = req.ReceivedAt.UTC()
	}

	switch string(event.Type) {
	case "customer.subscription.created":
		out.Type = billing.EventSubscriptionCreated
	case "customer.subscription.updated", "customer.subscription.deleted":
		out.Type = billing.EventSubscriptionUpdated
	default:
		return out, nil
	}

	if event.Data == nil {
		return nil, fmt.Errorf("%w: missing data", billing.ErrInvalidWebhookPayload)
	}
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	out.Subscription = toSubscription(&sub)
	if string(event.Type) == "customer.subscription.deleted" {
		out.Subscription.Status = billing.StatusCanceled
		if out.Subscription.CanceledDate == nil {
			d := billing.StartOfDayUTC(out.CreatedAt)
			out.Subscription.CanceledDate = &d
		}
	}
	out.CustomerID = out.Subscription.CustomerID
	return out, nil
}
