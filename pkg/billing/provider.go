package billing

import (
	"context"
	"net/http"
	"time"
)

// Provider is the generic interface that any billing backend must implement.
// It covers exactly the calls the subscription core makes: customers, stored cards,
// catalog reads, order templates, subscriptions and webhook verification.
type Provider interface {
	// Name returns the provider name (e.g., "square", "stripe")
	Name() string

	// RetrieveCustomer fetches a customer by provider id.
	// Returns ErrCustomerNotFound if the customer does not exist or was deleted.
	RetrieveCustomer(ctx context.Context, customerID string) (*Customer, error)

	// SearchCustomers returns customers matching the query exactly.
	// An empty result is not an error.
	SearchCustomers(ctx context.Context, query CustomerQuery) ([]*Customer, error)

	// CreateCustomer creates a customer. IdempotencyKey must be fresh per attempt.
	CreateCustomer(ctx context.Context, params CreateCustomerParams) (*Customer, error)

	// CreateCard stores a payment source as a reusable card on the customer.
	CreateCard(ctx context.Context, params CreateCardParams) (*Card, error)

	// ListCatalog returns the raw catalog (plans, backing items, discounts).
	ListCatalog(ctx context.Context) (*Catalog, error)

	// CreateOrderTemplate creates an ephemeral draft order carrying a price.
	// Providers without relative pricing return ErrNotSupported.
	CreateOrderTemplate(ctx context.Context, params OrderTemplateParams) (string, error)

	// CreateSubscription creates a subscription for a customer.
	CreateSubscription(ctx context.Context, params CreateSubscriptionParams) (*Subscription, error)

	// ListSubscriptions lists all subscriptions of a customer, whatever their status.
	ListSubscriptions(ctx context.Context, customerID string) ([]*Subscription, error)

	// RetrieveSubscription fetches the current provider-side subscription detail.
	// Returns ErrSubscriptionNotFound if it does not exist.
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// CancelSubscription schedules or performs cancellation.
	CancelSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)

	// SwapPlan requests a variation change. The result either shows the new variation
	// in effect or carries a deferred action.
	SwapPlan(ctx context.Context, params SwapPlanParams) (*SwapOutcome, error)

	// VerifyWebhook checks authenticity of an inbound notification and parses it.
	// Returns ErrInvalidWebhookSignature when no candidate URL verifies.
	VerifyWebhook(ctx context.Context, req WebhookRequest) (*Event, error)
}

// CustomerQuery selects customers by exact email and/or cross-reference id.
// When both are set, a customer matching either is returned.
type CustomerQuery struct {
	Email       string
	ReferenceID string
}

// CreateCustomerParams holds the fields of a customer creation request.
type CreateCustomerParams struct {
	IdempotencyKey string
	Email          string
	// ReferenceID is the local user id, stored as cross-reference on the customer.
	ReferenceID string
	GivenName   string
}

// CreateCardParams holds the fields of a card storage request.
type CreateCardParams struct {
	IdempotencyKey string
	CustomerID     string
	SourceToken    string
}

// OrderTemplateParams holds the fields of an order template request.
type OrderTemplateParams struct {
	IdempotencyKey  string
	CustomerID      string
	CatalogObjectID string
	Name            string
	Price           Money
}

// CreateSubscriptionParams holds the fields of a subscription creation request.
type CreateSubscriptionParams struct {
	IdempotencyKey string
	CustomerID     string
	VariationID    string
	CardID         string

	// OrderTemplateID is set for relative-priced variations. It is attached to the
	// phase identified by PhaseOrdinal.
	OrderTemplateID string
	PhaseOrdinal    int
}

// SwapPlanParams holds the fields of a swap request.
type SwapPlanParams struct {
	SubscriptionID  string
	NewVariationID  string
	OrderTemplateID string
	PhaseOrdinal    int
}

// SwapOutcome is the provider answer to a swap request.
type SwapOutcome struct {
	Subscription *Subscription
	// Actions lists deferred changes returned with the response (may be empty).
	Actions []Action
}

// WebhookRequest carries everything needed to verify a notification.
type WebhookRequest struct {
	Body   []byte
	Header http.Header
	// URLs are candidate notification URLs, canonical first.
	URLs []string
	// ReceivedAt is used when the event carries no creation time.
	ReceivedAt time.Time
}
