package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

func toCustomer(c *stripe.Customer) *billing.Customer {
	return &billing.Customer{
		ID:          c.ID,
		Email:       c.Email,
		ReferenceID: c.Metadata[MetadataUserID],
		CreatedAt:   unixTime(c.Created),
	}
}

// RetrieveCustomer fetches a customer. Deleted customers are reported as not found.
func (p *Provider) RetrieveCustomer(ctx context.Context, customerID string) (*billing.Customer, error) {
	start := time.Now()
	c, err := p.client.V1Customers.Retrieve(ctx, customerID, nil)
	if err = p.observe("/v1/customers/{id}", start, false, err); err != nil {
		if notFound(err) {
			return nil, fmt.Errorf("%w: %w", billing.ErrCustomerNotFound, err)
		}
		return nil, err
	}
	if c.Deleted {
		return nil, fmt.Errorf("%w: %s deleted", billing.ErrCustomerNotFound, customerID)
	}
	return toCustomer(c), nil
}

// searchQuery builds a Stripe search query matching either criterion.
func searchQuery(q billing.CustomerQuery) string {
	escape := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	var clauses []string
	if q.Email != "" {
		clauses = append(clauses, fmt.Sprintf("email:'%s'", escape.Replace(q.Email)))
	}
	if q.ReferenceID != "" {
		clauses = append(clauses, fmt.Sprintf("metadata['%s']:'%s'", MetadataUserID, escape.Replace(q.ReferenceID)))
	}
	return strings.Join(clauses, " OR ")
}

// SearchCustomers uses the Search API. Results are re-checked for exact equality
// since search matching is case-insensitive and eventually consistent.
func (p *Provider) SearchCustomers(ctx context.Context, query billing.CustomerQuery) ([]*billing.Customer, error) {
	q := searchQuery(query)
	if q == "" {
		return nil, nil
	}
	params := &stripe.CustomerSearchParams{}
	params.Query = q

	start := time.Now()
	var out []*billing.Customer
	for c, err := range p.client.V1Customers.Search(ctx, params) {
		if err != nil {
			return nil, p.observe("/v1/customers/search", start, false, err)
		}
		if c.Deleted {
			continue
		}
		cust := toCustomer(c)
		if (query.Email != "" && cust.Email == query.Email) ||
			(query.ReferenceID != "" && cust.ReferenceID == query.ReferenceID) {
			out = append(out, cust)
		}
	}
	_ = p.observe("/v1/customers/search", start, false, nil)
	return out, nil
}

// CreateCustomer creates a customer tagged with the local user id.
func (p *Provider) CreateCustomer(ctx context.Context, params billing.CreateCustomerParams) (*billing.Customer, error) {
	create := &stripe.CustomerCreateParams{
		Email:    stripe.String(params.Email),
		Metadata: map[string]string{MetadataUserID: params.ReferenceID},
	}
	if params.GivenName != "" {
		create.Name = stripe.String(params.GivenName)
	}
	if params.IdempotencyKey != "" {
		create.SetIdempotencyKey(params.IdempotencyKey)
	}

	start := time.Now()
	c, err := p.client.V1Customers.Create(ctx, create)
	if err = p.observe("/v1/customers", start, true, err); err != nil {
		return nil, err
	}
	return toCustomer(c), nil
}

// CreateCard attaches a payment method to the customer. SourceToken is a
// PaymentMethod id created client-side.
func (p *Provider) CreateCard(ctx context.Context, params billing.CreateCardParams) (*billing.Card, error) {
	attach := &stripe.PaymentMethodAttachParams{
		Customer: stripe.String(params.CustomerID),
	}
	if params.IdempotencyKey != "" {
		attach.SetIdempotencyKey(params.IdempotencyKey)
	}

	start := time.Now()
	pm, err := p.client.V1PaymentMethods.Attach(ctx, params.SourceToken, attach)
	if err = p.observe("/v1/payment_methods/{id}/attach", start, true, err); err != nil {
		return nil, err
	}
	card := &billing.Card{ID: pm.ID, CustomerID: params.CustomerID}
	if pm.Card != nil {
		card.Last4 = pm.Card.Last4
	}
	return card, nil
}
