package square

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

const searchPageSize = 100

// RetrieveCustomer fetches a customer by id.
func (p *Provider) RetrieveCustomer(ctx context.Context, customerID string) (*billing.Customer, error) {
	var resp struct {
		Customer *customer `json:"customer"`
	}
	err := p.do(ctx, request{
		method:   http.MethodGet,
		path:     "/v2/customers/" + url.PathEscape(customerID),
		endpoint: "/v2/customers/{id}",
	}, &resp)
	if err != nil {
		if apiErr, ok := billing.AsAPIError(err); ok && apiErr.NotFound() {
			return nil, fmt.Errorf("%w: %w", billing.ErrCustomerNotFound, err)
		}
		return nil, err
	}
	if resp.Customer == nil {
		return nil, fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, customerID)
	}
	return resp.Customer.toBilling(), nil
}

type textFilter struct {
	Exact string `json:"exact"`
}

type customerFilter struct {
	EmailAddress *textFilter `json:"email_address,omitempty"`
	ReferenceID  *textFilter `json:"reference_id,omitempty"`
}

// SearchCustomers runs one exact-match search per populated criterion, in parallel,
// and returns the union. Square combines the filters of one search with AND.
func (p *Provider) SearchCustomers(ctx context.Context, query billing.CustomerQuery) ([]*billing.Customer, error) {
	var filters []customerFilter
	if query.Email != "" {
		filters = append(filters, customerFilter{EmailAddress: &textFilter{Exact: query.Email}})
	}
	if query.ReferenceID != "" {
		filters = append(filters, customerFilter{ReferenceID: &textFilter{Exact: query.ReferenceID}})
	}
	if len(filters) == 0 {
		return nil, nil
	}

	var (
		mu    sync.Mutex
		seen  = make(map[string]bool)
		found []*billing.Customer
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, f := range filters {
		g.Go(func() error {
			customers, err := p.searchCustomers(gctx, f)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for _, c := range customers {
				if !seen[c.ID] {
					seen[c.ID] = true
					found = append(found, c)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return found, nil
}

func (p *Provider) searchCustomers(ctx context.Context, filter customerFilter) ([]*billing.Customer, error) {
	type searchQuery struct {
		Filter customerFilter `json:"filter"`
	}
	type searchRequest struct {
		Limit  int         `json:"limit"`
		Cursor string      `json:"cursor,omitempty"`
		Query  searchQuery `json:"query"`
	}

	var out []*billing.Customer
	cursor := ""
	for {
		var resp struct {
			Customers []customer `json:"customers"`
			Cursor    string     `json:"cursor"`
		}
		err := p.do(ctx, request{
			method:   http.MethodPost,
			path:     "/v2/customers/search",
			endpoint: "/v2/customers/search",
			body:     searchRequest{Limit: searchPageSize, Cursor: cursor, Query: searchQuery{Filter: filter}},
		}, &resp)
		if err != nil {
			return nil, err
		}
		for i := range resp.Customers {
			out = append(out, resp.Customers[i].toBilling())
		}
		if resp.Cursor == "" {
			return out, nil
		}
		cursor = resp.Cursor
	}
}

// CreateCustomer creates a customer carrying the local user id as reference id.
func (p *Provider) CreateCustomer(ctx context.Context, params billing.CreateCustomerParams) (*billing.Customer, error) {
	if params.IdempotencyKey == "" {
		return nil, errors.New("square: idempotency key is required")
	}
	body := struct {
		IdempotencyKey string `json:"idempotency_key"`
		customer
	}{
		IdempotencyKey: params.IdempotencyKey,
		customer: customer{
			EmailAddress: params.Email,
			ReferenceID:  params.ReferenceID,
			GivenName:    params.GivenName,
		},
	}
	var resp struct {
		Customer *customer `json:"customer"`
	}
	err := p.do(ctx, request{
		method:   http.MethodPost,
		path:     "/v2/customers",
		endpoint: "/v2/customers",
		body:     body,
		write:    true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Customer == nil {
		return nil, fmt.Errorf("square: create customer: empty response")
	}
	return resp.Customer.toBilling(), nil
}

// CreateCard stores the payment source token as a card on file.
func (p *Provider) CreateCard(ctx context.Context, params billing.CreateCardParams) (*billing.Card, error) {
	body := struct {
		IdempotencyKey string `json:"idempotency_key"`
		SourceID       string `json:"source_id"`
		Card           struct {
			CustomerID string `json:"customer_id"`
		} `json:"card"`
	}{
		IdempotencyKey: params.IdempotencyKey,
		SourceID:       params.SourceToken,
	}
	body.Card.CustomerID = params.CustomerID

	var resp struct {
		Card *struct {
			ID         string `json:"id"`
			CustomerID string `json:"customer_id"`
			Last4      string `json:"last_4"`
		} `json:"card"`
	}
	err := p.do(ctx, request{
		method:   http.MethodPost,
		path:     "/v2/cards",
		endpoint: "/v2/cards",
		body:     body,
		write:    true,
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Card == nil {
		return nil, fmt.Errorf("square: create card: empty response")
	}
	return &billing.Card{
		ID:         resp.Card.ID,
		CustomerID: resp.Card.CustomerID,
		Last4:      resp.Card.Last4,
	}, nil
}
