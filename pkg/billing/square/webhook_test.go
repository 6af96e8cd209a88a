package square_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubsync/pkg/billing"
	"github.com/mihaimyh/gosubsync/pkg/billing/square"
)

const notificationURL = "https://api.example.com/webhooks/billing"

var updatedPayload = []byte(`{
  "merchant_id": "M1",
  "type": "subscription.updated",
  "event_id": "evt_1",
  "created_at": "2024-03-10T12:00:00Z",
  "data": {
    "type": "subscription",
    "id": "S1",
    "object": {
      "subscription": {
        "id": "S1",
        "customer_id": "C1",
        "location_id": "LOC1",
        "plan_variation_id": "V2",
        "status": "ACTIVE",
        "version": 7,
        "canceled_date": "2024-04-10"
      }
    }
  }
}`)

func newWebhookProvider(t *testing.T, secret string) *square.Provider {
	t.Helper()
	p, err := square.New(square.Config{
		Config:     billing.Config{APIKey: "k", WebhookSecret: secret},
		LocationID: "LOC1",
	})
	require.NoError(t, err)
	return p
}

func signedRequest(body []byte, signedURL string, urls ...string) billing.WebhookRequest {
	h := http.Header{}
	h.Set(square.SignatureHeader, square.Sign("sig-key", signedURL, body))
	return billing.WebhookRequest{Body: body, Header: h, URLs: urls, ReceivedAt: time.Now()}
}

func TestVerifyWebhook_Valid(t *testing.T) {
	p := newWebhookProvider(t, "sig-key")

	event, err := p.VerifyWebhook(context.Background(), signedRequest(updatedPayload, notificationURL, notificationURL))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, billing.EventSubscriptionUpdated, event.Type)
	assert.True(t, event.Recognized())
	assert.Equal(t, "C1", event.CustomerID)
	assert.Equal(t, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC), event.CreatedAt)
	require.NotNil(t, event.Subscription)
	assert.Equal(t, int64(7), event.Subscription.Version)
	assert.Equal(t, "2024-04-10", billing.FormatDate(event.Subscription.CanceledDate))
}

func TestVerifyWebhook_AnyCandidateURL(t *testing.T) {
	p := newWebhookProvider(t, "sig-key")
	proxied := "http://internal:8080/webhooks/billing"

	_, err := p.VerifyWebhook(context.Background(), signedRequest(updatedPayload, notificationURL, proxied, notificationURL))
	assert.NoError(t, err)
}

func TestVerifyWebhook_Rejects(t *testing.T) {
	p := newWebhookProvider(t, "sig-key")

	tests := []struct {
		name string
		req  billing.WebhookRequest
	}{
		{"wrong url", signedRequest(updatedPayload, "https://evil.example.com/hook", notificationURL)},
		{"tampered body", func() billing.WebhookRequest {
			req := signedRequest(updatedPayload, notificationURL, notificationURL)
			req.Body = append([]byte(nil), updatedPayload...)
			req.Body[10] = 'X'
			return req
		}()},
		{"missing header", billing.WebhookRequest{Body: updatedPayload, Header: http.Header{}, URLs: []string{notificationURL}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.VerifyWebhook(context.Background(), tt.req)
			assert.ErrorIs(t, err, billing.ErrInvalidWebhookSignature)
		})
	}
}

func TestVerifyWebhook_NotConfigured(t *testing.T) {
	p := newWebhookProvider(t, "")
	_, err := p.VerifyWebhook(context.Background(), signedRequest(updatedPayload, notificationURL, notificationURL))
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestVerifyWebhook_Payloads(t *testing.T) {
	p := newWebhookProvider(t, "sig-key")

	_, err := p.VerifyWebhook(context.Background(), signedRequest([]byte(`{not json`), notificationURL, notificationURL))
	assert.ErrorIs(t, err, billing.ErrInvalidWebhookPayload)

	received := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	req := signedRequest([]byte(`{"type":"invoice.payment_made","event_id":"evt_2"}`), notificationURL, notificationURL)
	req.ReceivedAt = received
	event, err := p.VerifyWebhook(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, event.Recognized())
	assert.Equal(t, "invoice.payment_made", event.RawType)
	assert.Equal(t, received, event.CreatedAt)
	assert.Nil(t, event.Subscription)
}
