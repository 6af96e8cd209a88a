// Package billingtest provides an in-process billing.Provider for tests.
package billingtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

// SignatureHeader carries the shared secret on test webhooks.
const SignatureHeader = "X-Test-Signature"

// Provider is a stateful fake billing provider. Remote state can be inspected and
// changed directly to simulate provider-side activity. Err fields force failures.
type Provider struct {
	mu sync.Mutex

	customers     map[string]*billing.Customer
	subscriptions map[string]*billing.Subscription
	calls         map[string]int
	seq           int

	lastCreate   billing.CreateSubscriptionParams
	lastTemplate billing.OrderTemplateParams

	// Catalog is returned by ListCatalog.
	Catalog *billing.Catalog

	// SwapImmediately makes SwapPlan apply the new variation at once instead of
	// scheduling a SWAP_PLAN action.
	SwapImmediately bool

	// WebhookSecret must be present in SignatureHeader; NotificationURL, when set,
	// must be among the candidate URLs.
	WebhookSecret   string
	NotificationURL string

	RetrieveCustomerErr   error
	SearchErr             error
	CreateCustomerErr     error
	CreateCardErr         error
	CatalogErr            error
	CreateSubscriptionErr error
	CancelErr             error
	SwapErr               error

	// CreateCustomerHook, when set, runs before a customer is created and
	// fails the call with its error.
	CreateCustomerHook func(ctx context.Context) error

	// Now is the provider clock.
	Now func() time.Time
}

// New returns an empty fake provider.
func New() *Provider {
	return &Provider{
		customers:     make(map[string]*billing.Customer),
		subscriptions: make(map[string]*billing.Subscription),
		calls:         make(map[string]int),
		Catalog:       &billing.Catalog{},
		Now:           time.Now,
	}
}

var _ billing.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return "fake" }

func (p *Provider) track(name string) {
	p.calls[name]++
}

func (p *Provider) nextID(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s_%d", prefix, p.seq)
}

// Calls returns how often a method was invoked.
func (p *Provider) Calls(method string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[method]
}

// TotalCalls returns the number of provider calls of any kind.
func (p *Provider) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.calls {
		n += c
	}
	return n
}

// ResetCalls clears the call counters.
func (p *Provider) ResetCalls() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = make(map[string]int)
}

// AddCustomer stores a customer as if created out of band.
func (p *Provider) AddCustomer(c billing.Customer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = p.Now()
	}
	p.customers[c.ID] = &c
}

// CustomerCount returns the number of customers.
func (p *Provider) CustomerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.customers)
}

// PutSubscription stores or replaces a subscription.
func (p *Provider) PutSubscription(s billing.Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscriptions[s.ID] = cloneSubscription(&s)
}

// Subscription returns a copy of a stored subscription.
func (p *Provider) Subscription(id string) (*billing.Subscription, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.subscriptions[id]
	if !ok {
		return nil, false
	}
	return cloneSubscription(s), true
}

func (p *Provider) RetrieveCustomer(_ context.Context, customerID string) (*billing.Customer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.track("RetrieveCustomer")
	if p.RetrieveCustomerErr != nil {
		return nil, p.RetrieveCustomerErr
	}
	c, ok := p.customers[customerID]
	if !ok {
		return nil, billing.ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

func (p *Provider) SearchCustomers(_ context.Context, q billing.CustomerQuery) ([]*billing.Customer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.track("SearchCustomers")
	if p.SearchErr != nil {
		return nil, p.SearchErr
	}
	var out []*billing.Customer
	for _, c := range p.customers {
		if (q.Email != "" && c.Email == q.Email) || (q.ReferenceID != "" && c.ReferenceID == q.ReferenceID) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (p *Provider) CreateCustomer(ctx context.Context, params billing.CreateCustomerParams) (*billing.Customer, error) {
	if p.CreateCustomerHook != nil {
		if err := p.CreateCustomerHook(ctx); err != nil {
			return nil, err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.track("CreateCustomer")
	if p.CreateCustomerErr != nil {
		return nil, p.CreateCustomerErr
	}
	c := &billing.Customer{
		ID:          p.nextID("cust"),
		Email:       params.Email,
		ReferenceID: params.ReferenceID,
		CreatedAt:   p.Now(),
	}
	p.customers[c.ID] = c
	cp := *c
	return &cp, nil
}

func (p *Provider) CreateCard(_ context.Context, params billing.CreateCardParams) (*billing.Card, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.track("CreateCard")
	if p.CreateCardErr != nil {
		return nil, p.CreateCardErr
	}
	if _, ok := p.customers[params.CustomerID]; !ok {
		return nil, billing.ErrCustomerNotFound
	}
	return &billing.Card{ID: p.nextID("card"), CustomerID: params.CustomerID, Last4: "1111"}, nil
}

func (p *Provider) ListCatalog(_ context.Context) (*billing.Catalog, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.track("ListCatalog")
	if p.CatalogErr != nil {
		return nil, p.CatalogErr
	}
	return p.Catalog, nil
}

func (p *Provider) CreateOrderTemplate(_ context.Context, params billing.OrderTemplateParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.track("CreateOrderTemplate")
	p.lastTemplate = params
	return p.nextID("order"), nil
}

// LastCreateParams returns the parameters of the last CreateSubscription call.
func (p *Provider) LastCreateParams() billing.CreateSubscriptionParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastCreate
}

// LastOrderTemplate returns the parameters of the last CreateOrderTemplate call.
func (p *Provider) LastOrderTemplate() billing.OrderTemplateParams {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTemplate
}

func (p *Provider) CreateSubscription(_ context.Context, params billing.CreateSubscriptionParams) (*billing.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.track("CreateSubscription")
	if p.CreateSubscriptionErr != nil {
		return nil, p.CreateSubscriptionErr
	}
	now := p.Now().UTC()
	start := billing.StartOfDayUTC(now)
	through := start.AddDate(0, 1, 0)
	s := &billing.Subscription{
		ID:                 p.nextID("sub"),
		CustomerID:         params.CustomerID,
		Status:             billing.StatusActive,
		PlanVariationID:    params.VariationID,
		StartDate:          &start,
		ChargedThroughDate: &through,
		Version:            1,
		CreatedAt:          now,
	}
	p.subscriptions[s.ID] = s
	p.lastCreate = params
	return cloneSubscription(s), nil
}

func (p *Provider) ListSubscriptions(_ context.Context, customerID string) ([]*billing.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.track("ListSubscriptions")
	var out []*billing.Subscription
	for _, s := range p.subscriptions {
		if s.CustomerID == customerID {
			out = append(out, cloneSubscription(s))
		}
	}
	return out, nil
}

func (p *Provider) RetrieveSubscription(_ context.Context, subscriptionID string) (*billing.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.track("RetrieveSubscription")
	s, ok := p.subscriptions[subscriptionID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	return cloneSubscription(s), nil
}

// CancelSubscription schedules cancellation at the end of the paid period, the
// way subscription providers usually do: the status stays ACTIVE and the
// canceled date is set.
func (p *Provider) CancelSubscription(_ context.Context, subscriptionID string) (*billing.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.track("CancelSubscription")
	if p.CancelErr != nil {
		return nil, p.CancelErr
	}
	s, ok := p.subscriptions[subscriptionID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	if s.CanceledDate != nil {
		return nil, &billing.APIError{
			Provider:   p.Name(),
			StatusCode: http.StatusBadRequest,
			Code:       billing.CodeAlreadyCanceled,
			Detail:     "subscription already has a pending cancel date of " + billing.FormatDate(s.CanceledDate),
		}
	}
	d := billing.StartOfDayUTC(p.Now())
	if s.ChargedThroughDate != nil {
		d = *s.ChargedThroughDate
	}
	s.CanceledDate = &d
	s.Version++
	return cloneSubscription(s), nil
}

func (p *Provider) SwapPlan(_ context.Context, params billing.SwapPlanParams) (*billing.SwapOutcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.track("SwapPlan")
	if p.SwapErr != nil {
		return nil, p.SwapErr
	}
	s, ok := p.subscriptions[params.SubscriptionID]
	if !ok {
		return nil, billing.ErrSubscriptionNotFound
	}
	s.Version++
	if p.SwapImmediately {
		s.PlanVariationID = params.NewVariationID
		return &billing.SwapOutcome{Subscription: cloneSubscription(s)}, nil
	}
	effective := billing.StartOfDayUTC(p.Now()).AddDate(0, 1, 0)
	if s.ChargedThroughDate != nil {
		effective = *s.ChargedThroughDate
	}
	action := billing.Action{
		ID:                 p.nextID("action"),
		Type:               billing.ActionSwapPlan,
		EffectiveDate:      &effective,
		NewPlanVariationID: params.NewVariationID,
	}
	s.Actions = append(s.Actions, action)
	return &billing.SwapOutcome{
		Subscription: cloneSubscription(s),
		Actions:      []billing.Action{action},
	}, nil
}

// VerifyWebhook accepts a JSON encoded billing.Event signed with SignatureHeader.
func (p *Provider) VerifyWebhook(_ context.Context, req billing.WebhookRequest) (*billing.Event, error) {
	p.mu.Lock()
	p.track("VerifyWebhook")
	secret, wantURL := p.WebhookSecret, p.NotificationURL
	p.mu.Unlock()

	if secret == "" || req.Header.Get(SignatureHeader) != secret {
		return nil, billing.ErrInvalidWebhookSignature
	}
	if wantURL != "" {
		matched := false
		for _, u := range req.URLs {
			if u == wantURL {
				matched = true
				break
			}
		}
		if !matched {
			return nil, billing.ErrInvalidWebhookSignature
		}
	}
	var event billing.Event
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = req.ReceivedAt
	}
	return &event, nil
}

func cloneSubscription(s *billing.Subscription) *billing.Subscription {
	cp := *s
	cp.Actions = append([]billing.Action(nil), s.Actions...)
	if s.PendingChange != nil {
		pc := *s.PendingChange
		cp.PendingChange = &pc
	}
	return &cp
}
