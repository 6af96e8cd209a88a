package square

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

// SignatureHeader carries the notification signature.
const SignatureHeader = "X-Square-Hmacsha256-Signature"

type webhookPayload struct {
	MerchantID string `json:"merchant_id"`
	Type       string `json:"type"`
	EventID    string `json:"event_id"`
	CreatedAt  string `json:"created_at"`
	Data       struct {
		Type   string `json:"type"`
		ID     string `json:"id"`
		Object struct {
			Subscription *subscription `json:"subscription"`
		} `json:"object"`
	} `json:"data"`
}

// Sign returns the signature Square sends for body delivered to notificationURL:
// base64 HMAC-SHA256 over the URL followed by the raw body.
func Sign(signatureKey, notificationURL string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(signatureKey))
	mac.Write([]byte(notificationURL))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook accepts the notification if the signature matches any candidate
// URL, then parses it. Subscription events carry the full subscription object.
func (p *Provider) VerifyWebhook(_ context.Context, req billing.WebhookRequest) (*billing.Event, error) {
	if len(p.signatureKey) == 0 {
		return nil, billing.ErrProviderNotConfigured
	}
	signature := strings.TrimSpace(req.Header.Get(SignatureHeader))
	if signature == "" || !p.verify(signature, req.URLs, req.Body) {
		return nil, billing.ErrInvalidWebhookSignature
	}

	var payload webhookPayload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if payload.Type == "" {
		return nil, fmt.Errorf("%w: missing event type", billing.ErrInvalidWebhookPayload)
	}

	event := &billing.Event{
		ID:        payload.EventID,
		RawType:   payload.Type,
		CreatedAt: parseTimestamp(payload.CreatedAt),
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = req.ReceivedAt.UTC()
	}
	switch payload.Type {
	case string(billing.EventSubscriptionCreated):
		event.Type = billing.EventSubscriptionCreated
	case string(billing.EventSubscriptionUpdated):
		event.Type = billing.EventSubscriptionUpdated
	}
	if sub := payload.Data.Object.Subscription; sub != nil {
		event.Subscription = sub.toBilling()
		event.CustomerID = sub.CustomerID
	}
	return event, nil
}

func (p *Provider) verify(signature string, urls []string, body []byte) bool {
	got := []byte(signature)
	for _, u := range urls {
		want := Sign(string(p.signatureKey), u, body)
		if hmac.Equal([]byte(want), got) {
			return true
		}
	}
	return false
}
