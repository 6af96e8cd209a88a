package subsync

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

// Create subscribes the user to a plan variation, paying with the given payment
// source token.
//
// The duplicate check runs against the provider's live subscription list, not the
// local flag. A create call that times out returns ErrUnknownOutcome and leaves
// the record untouched; callers re-derive state with SyncUser.
func (m *Manager) Create(ctx context.Context, userID, variationID, sourceToken string) (*billing.Subscription, error) {
	const op = "create_subscription"
	if variationID == "" {
		return nil, validationError(op, "variation id is required")
	}
	if sourceToken == "" {
		return nil, validationError(op, "payment source token is required")
	}
	if _, err := m.getRecord(ctx, op, userID); err != nil {
		return nil, err
	}

	variation, err := m.findVariation(ctx, op, variationID)
	if err != nil {
		return nil, err
	}

	customerID, err := m.ResolveOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	existing, err := m.provider.ListSubscriptions(ctx, customerID)
	if err != nil {
		return nil, providerError(op, ErrProviderRequestFailed, err)
	}
	for _, sub := range existing {
		if sub.Status == billing.StatusActive || sub.Status == billing.StatusPending {
			m.logger.Info("refusing to create a second live subscription",
				Field{Key: "user_id", Value: userID},
				Field{Key: "subscription_id", Value: sub.ID},
			)
			return nil, conflictError(op, ConflictDuplicateActive, ErrDuplicateActiveSubscription)
		}
	}

	card, err := m.provider.CreateCard(ctx, billing.CreateCardParams{
		IdempotencyKey: NewIdempotencyKey(),
		CustomerID:     customerID,
		SourceToken:    sourceToken,
	})
	if err != nil {
		return nil, providerError(op, ErrPaymentMethodRejected, err)
	}

	params := billing.CreateSubscriptionParams{
		IdempotencyKey: NewIdempotencyKey(),
		CustomerID:     customerID,
		VariationID:    variation.VariationID,
		CardID:         card.ID,
	}
	if variation.PricingMode == PricingRelative {
		templateID, err := m.orderTemplate(ctx, customerID, variation)
		if err != nil {
			return nil, providerError(op, ErrProviderRequestFailed, err)
		}
		params.OrderTemplateID = templateID
		params.PhaseOrdinal = variation.PhaseOrdinal
	}

	sub, err := m.provider.CreateSubscription(ctx, params)
	if err != nil {
		m.logger.Error("subscription create failed",
			Field{Key: "user_id", Value: userID},
			Field{Key: "variation_id", Value: variationID},
			Field{Key: "error", Value: err},
		)
		return nil, providerError(op, ErrProviderRequestFailed, err)
	}

	_, err = m.updateRecord(ctx, op, userID, func(rec *Record) error {
		if rec.SubscriptionID != sub.ID {
			rec.ProviderVersion = 0
			rec.ProviderUpdatedAt = nil
			rec.SubscriptionCreatedAt = nil
		}
		rec.BillingCustomerID = customerID
		rec.SubscriptionID = sub.ID
		rec.VariationID = variation.VariationID
		rec.Status = StatusActive
		rec.PendingPlanChange = nil
		if sub.Version > rec.ProviderVersion {
			rec.ProviderVersion = sub.Version
		}
		if !sub.CreatedAt.IsZero() {
			created := sub.CreatedAt.UTC()
			if rec.ProviderUpdatedAt == nil || created.After(*rec.ProviderUpdatedAt) {
				rec.ProviderUpdatedAt = &created
			}
			if rec.SubscriptionCreatedAt == nil {
				at := created
				rec.SubscriptionCreatedAt = &at
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("subscription created",
		Field{Key: "user_id", Value: userID},
		Field{Key: "subscription_id", Value: sub.ID},
		Field{Key: "variation_id", Value: variation.VariationID},
		Field{Key: "pricing", Value: string(variation.PricingMode)},
	)
	return sub, nil
}

func (m *Manager) orderTemplate(ctx context.Context, customerID string, v *PlanVariation) (string, error) {
	return m.provider.CreateOrderTemplate(ctx, billing.OrderTemplateParams{
		IdempotencyKey:  NewIdempotencyKey(),
		CustomerID:      customerID,
		CatalogObjectID: v.ItemVariationID,
		Name:            v.Name,
		Price:           v.BasePrice,
	})
}

// Cancel cancels the user's subscription. It is idempotent: when the provider
// already shows a cancellation, its date is returned and no cancel call is made.
func (m *Manager) Cancel(ctx context.Context, userID, subscriptionID string) (*CancelResult, error) {
	const op = "cancel_subscription"
	if subscriptionID == "" {
		return nil, validationError(op, "subscription id is required")
	}
	rec, err := m.getRecord(ctx, op, userID)
	if err != nil {
		return nil, err
	}
	owned := rec.SubscriptionID == subscriptionID
	if !owned && rec.BillingCustomerID == "" {
		return nil, newError(ErrForbidden, op, nil)
	}

	remote, err := m.currentState(ctx, op, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !owned && remote.CustomerID != rec.BillingCustomerID {
		return nil, newError(ErrForbidden, op, nil)
	}

	if remote.Status == billing.StatusCanceled || remote.Status == billing.StatusDeactivated || remote.CanceledDate != nil {
		date := m.canceledOn(ctx, remote.CanceledDate, remote)
		m.logger.Debug("subscription already canceled",
			Field{Key: "subscription_id", Value: subscriptionID},
			Field{Key: "canceled_date", Value: billing.FormatDate(&date)},
		)
		return m.persistCancel(ctx, op, userID, subscriptionID, date)
	}

	canceled, err := m.provider.CancelSubscription(ctx, subscriptionID)
	if err != nil {
		quirkDate, already := alreadyCanceled(err)
		if !already {
			return nil, providerError(op, ErrProviderRequestFailed, err)
		}
		m.logger.Info("provider reports cancellation already scheduled",
			Field{Key: "subscription_id", Value: subscriptionID},
			Field{Key: "error", Value: err},
		)
		if quirkDate == nil {
			if refreshed, rerr := m.provider.RetrieveSubscription(ctx, subscriptionID); rerr == nil {
				remote = refreshed
				quirkDate = refreshed.CanceledDate
			}
		}
		date := m.canceledOn(ctx, quirkDate, remote)
		return m.persistCancel(ctx, op, userID, subscriptionID, date)
	}

	date := m.canceledOn(ctx, canceled.CanceledDate, canceled)
	return m.persistCancel(ctx, op, userID, subscriptionID, date)
}

// canceledOn picks the cancellation date: explicit, else end of the paid period,
// else today.
func (m *Manager) canceledOn(ctx context.Context, explicit *time.Time, sub *billing.Subscription) time.Time {
	switch {
	case explicit != nil:
		return billing.StartOfDayUTC(*explicit)
	case sub != nil && sub.ChargedThroughDate != nil:
		return billing.StartOfDayUTC(*sub.ChargedThroughDate)
	default:
		return m.today(ctx)
	}
}

func (m *Manager) persistCancel(ctx context.Context, op, userID, subscriptionID string, date time.Time) (*CancelResult, error) {
	_, err := m.updateRecord(ctx, op, userID, func(rec *Record) error {
		if rec.SubscriptionID != "" && rec.SubscriptionID != subscriptionID {
			// The record tracks a newer subscription.
			return errSkipWrite
		}
		rec.SubscriptionID = subscriptionID
		rec.Status = StatusCanceled
		d := date
		rec.CanceledDate = &d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &CancelResult{CanceledDate: date}, nil
}

var isoDatePattern = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)

// alreadyCanceled recognizes the provider rejecting a cancel because one is already
// scheduled. The structured code is checked first; the message text is a fallback.
// The returned date is parsed from the detail when present.
func alreadyCanceled(err error) (*time.Time, bool) {
	apiErr, ok := billing.AsAPIError(err)
	if !ok {
		return nil, false
	}
	if apiErr.Code != billing.CodeAlreadyCanceled {
		msg := strings.ToLower(apiErr.Detail)
		if !strings.Contains(msg, "already") || !strings.Contains(msg, "cancel") {
			return nil, false
		}
	}
	if raw := isoDatePattern.FindString(apiErr.Detail); raw != "" {
		if d, perr := billing.ParseDate(raw); perr == nil && d != nil {
			return d, true
		}
	}
	return nil, true
}

// swapAlreadyPending recognizes the provider rejecting a swap because another one is
// in flight.
func swapAlreadyPending(err error) bool {
	apiErr, ok := billing.AsAPIError(err)
	if !ok {
		return false
	}
	if apiErr.Code == billing.CodeSwapPending {
		return true
	}
	msg := strings.ToLower(apiErr.Detail)
	return strings.Contains(msg, "pending") &&
		(strings.Contains(msg, "swap") || strings.Contains(msg, "plan change") || strings.Contains(msg, "action"))
}

// SwapPlan moves the user's subscription to another plan variation. The result
// says whether the change took effect immediately or is scheduled.
func (m *Manager) SwapPlan(ctx context.Context, userID, subscriptionID, newVariationID string) (*SwapResult, error) {
	const op = "swap_plan"
	if subscriptionID == "" || newVariationID == "" {
		return nil, validationError(op, "subscription id and new variation id are required")
	}
	rec, err := m.getRecord(ctx, op, userID)
	if err != nil {
		return nil, err
	}
	if rec.SubscriptionID != subscriptionID {
		return nil, newError(ErrForbidden, op, nil)
	}
	if newVariationID == rec.VariationID {
		return nil, conflictError(op, ConflictSamePlan, nil)
	}

	remote, err := m.currentState(ctx, op, subscriptionID)
	if err != nil {
		return nil, err
	}
	refreshed, err := m.mergeRemote(ctx, op, userID, remote, "swap")
	if err != nil {
		return nil, err
	}
	switch {
	case refreshed.Status != StatusActive:
		return nil, conflictError(op, ConflictSubscriptionInactive, nil)
	case refreshed.VariationID == newVariationID:
		return nil, conflictError(op, ConflictSamePlan, nil)
	case refreshed.PendingPlanChange != nil:
		return nil, conflictError(op, ConflictSwapPending, nil)
	}

	variation, err := m.findVariation(ctx, op, newVariationID)
	if err != nil {
		return nil, err
	}
	params := billing.SwapPlanParams{
		SubscriptionID: subscriptionID,
		NewVariationID: newVariationID,
	}
	if variation.PricingMode == PricingRelative {
		templateID, err := m.orderTemplate(ctx, refreshed.BillingCustomerID, variation)
		if err != nil {
			return nil, providerError(op, ErrProviderRequestFailed, err)
		}
		params.OrderTemplateID = templateID
		params.PhaseOrdinal = variation.PhaseOrdinal
	}

	out, err := m.provider.SwapPlan(ctx, params)
	if err != nil {
		if swapAlreadyPending(err) {
			return nil, conflictError(op, ConflictSwapPending, nil)
		}
		return nil, providerError(op, ErrProviderRequestFailed, err)
	}

	result, ok := swapResult(refreshed, out, newVariationID)
	if !ok {
		m.logger.Error("swap accepted without a visible change",
			Field{Key: "subscription_id", Value: subscriptionID},
			Field{Key: "new_variation_id", Value: newVariationID},
		)
		return nil, newError(ErrUnknownOutcome, op, errors.New("swap response carries neither the new variation nor a planned change"))
	}

	_, err = m.updateRecord(ctx, op, userID, func(rec *Record) error {
		if rec.SubscriptionID != subscriptionID {
			return errSkipWrite
		}
		switch result.State {
		case SwapApplied:
			rec.VariationID = newVariationID
			rec.PendingPlanChange = nil
		case SwapPending:
			rec.PendingPlanChange = &PendingPlanChange{
				EffectiveDate:  billing.StartOfDayUTC(*result.EffectiveDate),
				NewVariationID: newVariationID,
			}
		}
		if out.Subscription != nil && out.Subscription.Version > rec.ProviderVersion {
			rec.ProviderVersion = out.Subscription.Version
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("plan swap requested",
		Field{Key: "user_id", Value: userID},
		Field{Key: "subscription_id", Value: subscriptionID},
		Field{Key: "state", Value: string(result.State)},
	)
	return result, nil
}

func swapResult(local *Record, out *billing.SwapOutcome, newVariationID string) (*SwapResult, bool) {
	if out == nil {
		return nil, false
	}
	if action, ok := FirstSwapAction(out.Actions); ok && action.NewPlanVariationID == newVariationID {
		return &SwapResult{
			State:          SwapPending,
			VariationID:    local.VariationID,
			EffectiveDate:  action.EffectiveDate,
			NewVariationID: newVariationID,
		}, true
	}
	if out.Subscription == nil {
		return nil, false
	}
	if out.Subscription.PlanVariationID == newVariationID {
		return &SwapResult{State: SwapApplied, VariationID: newVariationID}, true
	}
	if o := Detect(local, out.Subscription); o.Kind == ChangePending && o.VariationID == newVariationID && o.EffectiveDate != nil {
		return &SwapResult{
			State:          SwapPending,
			VariationID:    local.VariationID,
			EffectiveDate:  o.EffectiveDate,
			NewVariationID: newVariationID,
		}, true
	}
	return nil, false
}

// GetCurrentState reads the provider's view of a subscription.
func (m *Manager) GetCurrentState(ctx context.Context, subscriptionID string) (*billing.Subscription, error) {
	const op = "get_subscription"
	if subscriptionID == "" {
		return nil, validationError(op, "subscription id is required")
	}
	return m.currentState(ctx, op, subscriptionID)
}

func (m *Manager) currentState(ctx context.Context, op, subscriptionID string) (*billing.Subscription, error) {
	sub, err := m.provider.RetrieveSubscription(ctx, subscriptionID)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return nil, newError(ErrNotFound, op, err)
		}
		return nil, providerError(op, ErrProviderRequestFailed, err)
	}
	return sub, nil
}

// SyncUser re-reads the user's subscription from the provider and merges it with
// the same rules as webhooks. It is how callers recover after ErrUnknownOutcome.
func (m *Manager) SyncUser(ctx context.Context, userID string) (*Record, error) {
	const op = "sync_user"
	rec, err := m.getRecord(ctx, op, userID)
	if err != nil {
		return nil, err
	}

	subscriptionID := rec.SubscriptionID
	if subscriptionID == "" {
		if rec.BillingCustomerID == "" {
			return rec, nil
		}
		subs, err := m.provider.ListSubscriptions(ctx, rec.BillingCustomerID)
		if err != nil {
			return nil, providerError(op, ErrProviderRequestFailed, err)
		}
		latest := latestSubscription(subs)
		if latest == nil {
			m.metrics.RecordReconcile(m.provider.Name(), "sync", string(OutcomeNoop))
			return rec, nil
		}
		subscriptionID = latest.ID
	}

	remote, err := m.currentState(ctx, op, subscriptionID)
	if err != nil {
		return nil, err
	}
	return m.mergeRemote(ctx, op, userID, remote, "sync")
}

// mergeRemote merges a freshly read snapshot into the user's record.
func (m *Manager) mergeRemote(ctx context.Context, op, userID string, remote *billing.Subscription, source string) (*Record, error) {
	today := m.today(ctx)
	var before *Record
	var result mergeResult
	updated, err := m.updateRecord(ctx, op, userID, func(rec *Record) error {
		before = rec.Clone()
		// A read carries no provider event time; only versions order it.
		result = mergeSnapshot(rec, remote, time.Time{}, rec.SubscriptionID == "", today)
		if result != mergeApplied {
			return errSkipWrite
		}
		return nil
	})
	if err != nil {
		m.metrics.RecordReconcile(m.provider.Name(), source, string(OutcomeFailed))
		return nil, err
	}
	outcome := OutcomeMerged
	switch {
	case result == mergeStale:
		outcome = OutcomeStale
	case result == mergeForeign:
		outcome = OutcomeIgnored
	case sameState(before, updated):
		outcome = OutcomeNoop
	}
	m.metrics.RecordReconcile(m.provider.Name(), source, string(outcome))
	return updated, nil
}

// latestSubscription prefers a live subscription, then the most recently created.
func latestSubscription(subs []*billing.Subscription) *billing.Subscription {
	if len(subs) == 0 {
		return nil
	}
	sorted := append([]*billing.Subscription(nil), subs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		li := sorted[i].Status == billing.StatusActive || sorted[i].Status == billing.StatusPending
		lj := sorted[j].Status == billing.StatusActive || sorted[j].Status == billing.StatusPending
		if li != lj {
			return li
		}
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})
	return sorted[0]
}
