package subsync

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

// ResolveOrCreate returns the billing customer id of a user, creating the provider
// customer only when neither the stored id nor a search finds one.
//
// Concurrent calls for the same user share a single resolution. The shared work
// is not canceled with the caller that started it; a canceled caller stops
// waiting and the others still get the result.
func (m *Manager) ResolveOrCreate(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", validationError("resolve_customer", "user id is required")
	}
	ch := m.resolving.DoChan(userID, func() (interface{}, error) {
		return m.resolveOrCreate(context.WithoutCancel(ctx), userID)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (m *Manager) resolveOrCreate(ctx context.Context, userID string) (string, error) {
	const op = "resolve_customer"
	rec, err := m.getRecord(ctx, op, userID)
	if err != nil {
		return "", err
	}

	if rec.BillingCustomerID != "" {
		cust, err := m.provider.RetrieveCustomer(ctx, rec.BillingCustomerID)
		if err == nil && cust != nil {
			return cust.ID, nil
		}
		m.logger.Warn("stored billing customer did not verify, re-resolving",
			Field{Key: "user_id", Value: userID},
			Field{Key: "customer_id", Value: rec.BillingCustomerID},
			Field{Key: "error", Value: err},
		)
	}

	found, searchErr := m.provider.SearchCustomers(ctx, billing.CustomerQuery{
		Email:       rec.Email,
		ReferenceID: userID,
	})
	if searchErr == nil {
		if cust := pickCustomer(found, userID, rec.Email); cust != nil {
			m.logger.Info("adopted existing billing customer",
				Field{Key: "user_id", Value: userID},
				Field{Key: "customer_id", Value: cust.ID},
			)
			return m.storeCustomerID(ctx, userID, cust.ID)
		}
	} else {
		m.logger.Warn("billing customer search failed",
			Field{Key: "user_id", Value: userID},
			Field{Key: "error", Value: searchErr},
		)
	}

	cust, createErr := m.provider.CreateCustomer(ctx, billing.CreateCustomerParams{
		IdempotencyKey: NewIdempotencyKey(),
		Email:          rec.Email,
		ReferenceID:    userID,
	})
	if createErr != nil {
		if searchErr != nil {
			return "", &Error{
				Kind:  ErrProvider,
				Named: ErrIdentityResolutionFailed,
				Op:    op,
				Err:   errors.Join(searchErr, createErr),
			}
		}
		return "", providerError(op, ErrProviderRequestFailed, createErr)
	}
	m.logger.Info("billing customer created",
		Field{Key: "user_id", Value: userID},
		Field{Key: "customer_id", Value: cust.ID},
	)

	// A failed write here leaves an orphaned customer tagged with the user id;
	// the next resolution finds it through the reference search.
	return m.storeCustomerID(ctx, userID, cust.ID)
}

// pickCustomer prefers a customer cross-referenced to the user over an email match.
// Among several, the oldest wins so that racing resolvers converge on one id.
func pickCustomer(customers []*billing.Customer, userID, email string) *billing.Customer {
	var byRef, byEmail []*billing.Customer
	for _, c := range customers {
		if c == nil || c.ID == "" {
			continue
		}
		switch {
		case c.ReferenceID == userID:
			byRef = append(byRef, c)
		case email != "" && strings.EqualFold(c.Email, email):
			byEmail = append(byEmail, c)
		}
	}
	candidates := byRef
	if len(candidates) == 0 {
		candidates = byEmail
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	return candidates[0]
}

func (m *Manager) storeCustomerID(ctx context.Context, userID, customerID string) (string, error) {
	_, err := m.updateRecord(ctx, "resolve_customer", userID, func(rec *Record) error {
		rec.BillingCustomerID = customerID
		return nil
	})
	if err != nil {
		return "", err
	}
	return customerID, nil
}
