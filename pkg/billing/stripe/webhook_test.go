package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

const testWebhookSecret = "whsec_test_secret"

func newWebhookProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := NewProvider(Config{Config: billing.Config{APIKey: "sk_test_123", WebhookSecret: testWebhookSecret}})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	return p
}

func signed(t *testing.T, payload string) billing.WebhookRequest {
	t.Helper()
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	h := http.Header{}
	h.Set(SignatureHeader, sp.Header)
	return billing.WebhookRequest{Body: sp.Payload, Header: h, ReceivedAt: time.Now()}
}

func subscriptionEvent(eventType, status string, cancelAtPeriodEnd bool) string {
	return fmt.Sprintf(`{
  "id": "evt_1",
  "object": "event",
  "type": %q,
  "created": 1710072000,
  "data": {
    "object": {
      "id": "sub_1",
      "object": "subscription",
      "customer": "cus_1",
      "status": %q,
      "cancel_at_period_end": %t,
      "items": {
        "object": "list",
        "data": [
          {"id": "si_1", "object": "subscription_item", "current_period_end": 1712707200, "price": {"id": "price_monthly", "object": "price"}}
        ]
      }
    }
  }
}`, eventType, status, cancelAtPeriodEnd)
}

func TestVerifyWebhook_SubscriptionUpdated(t *testing.T) {
	p := newWebhookProvider(t)

	event, err := p.VerifyWebhook(context.Background(), signed(t, subscriptionEvent("customer.subscription.updated", "active", true)))
	if err != nil {
		t.Fatalf("VerifyWebhook() error = %v", err)
	}
	if event.Type != billing.EventSubscriptionUpdated || event.CustomerID != "cus_1" {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.CreatedAt != time.Unix(1710072000, 0).UTC() {
		t.Errorf("CreatedAt = %v", event.CreatedAt)
	}
	sub := event.Subscription
	if sub.PlanVariationID != "price_monthly" || sub.Status != billing.StatusActive {
		t.Errorf("unexpected subscription %+v", sub)
	}
	if billing.FormatDate(sub.CanceledDate) != "2024-04-10" {
		t.Errorf("CanceledDate = %v", sub.CanceledDate)
	}
}

func TestVerifyWebhook_DeletedMapsToCanceledUpdate(t *testing.T) {
	p := newWebhookProvider(t)

	event, err := p.VerifyWebhook(context.Background(), signed(t, subscriptionEvent("customer.subscription.deleted", "active", false)))
	if err != nil {
		t.Fatalf("VerifyWebhook() error = %v", err)
	}
	if event.Type != billing.EventSubscriptionUpdated {
		t.Errorf("Type = %q", event.Type)
	}
	if event.Subscription.Status != billing.StatusCanceled || event.Subscription.CanceledDate == nil {
		t.Errorf("deleted subscription should be CANCELED with a date, got %+v", event.Subscription)
	}
}

func TestVerifyWebhook_CreatedAndOthers(t *testing.T) {
	p := newWebhookProvider(t)

	event, err := p.VerifyWebhook(context.Background(), signed(t, subscriptionEvent("customer.subscription.created", "incomplete", false)))
	if err != nil {
		t.Fatalf("VerifyWebhook() error = %v", err)
	}
	if event.Type != billing.EventSubscriptionCreated || event.Subscription.Status != billing.StatusPending {
		t.Errorf("unexpected created event %+v", event)
	}

	other, err := p.VerifyWebhook(context.Background(), signed(t, `{"id":"evt_2","object":"event","type":"invoice.paid","created":1710072000,"data":{"object":{}}}`))
	if err != nil {
		t.Fatalf("VerifyWebhook() error = %v", err)
	}
	if other.Recognized() || other.RawType != "invoice.paid" || other.Subscription != nil {
		t.Errorf("unexpected unrecognized event %+v", other)
	}
}

func TestVerifyWebhook_BadSignature(t *testing.T) {
	p := newWebhookProvider(t)

	req := signed(t, subscriptionEvent("customer.subscription.updated", "active", false))
	req.Header.Set(SignatureHeader, "t=1,v1=deadbeef")
	if _, err := p.VerifyWebhook(context.Background(), req); !errors.Is(err, billing.ErrInvalidWebhookSignature) {
		t.Errorf("expected ErrInvalidWebhookSignature, got %v", err)
	}

	req.Header.Del(SignatureHeader)
	if _, err := p.VerifyWebhook(context.Background(), req); !errors.Is(err, billing.ErrInvalidWebhookSignature) {
		t.Errorf("expected ErrInvalidWebhookSignature without header, got %v", err)
	}

	unconfigured, _ := NewProvider(Config{Config: billing.Config{APIKey: "sk_test_123"}})
	if _, err := unconfigured.VerifyWebhook(context.Background(), req); !errors.Is(err, billing.ErrProviderNotConfigured) {
		t.Errorf("expected ErrProviderNotConfigured, got %v", err)
	}
}
