package subsync

import (
	"context"
	"sort"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

// Reconciler merges verified provider lifecycle events into local records.
type Reconciler struct {
	m *Manager
}

// NewReconciler creates a reconciler sharing the manager's storage, merge rules
// and configuration.
func NewReconciler(m *Manager) *Reconciler {
	return &Reconciler{m: m}
}

// Reconcile applies one verified event. Duplicate and out-of-order deliveries
// converge to the same record. The returned outcome is always set; an error is
// returned only with OutcomeFailed.
func (r *Reconciler) Reconcile(ctx context.Context, event *billing.Event) (Outcome, error) {
	outcome, err := r.reconcile(ctx, event)
	r.m.metrics.RecordReconcile(r.m.provider.Name(), "webhook", string(outcome))
	return outcome, err
}

func (r *Reconciler) reconcile(ctx context.Context, event *billing.Event) (Outcome, error) {
	const op = "reconcile"
	m := r.m

	if event == nil || !event.Recognized() {
		raw := ""
		if event != nil {
			raw = event.RawType
		}
		m.logger.Debug("ignoring unhandled provider event", Field{Key: "event_type", Value: raw})
		return OutcomeIgnored, nil
	}
	snap := event.Subscription
	if snap == nil {
		m.logger.Warn("provider event without subscription object",
			Field{Key: "event_id", Value: event.ID},
			Field{Key: "event_type", Value: string(event.Type)},
		)
		return OutcomeIgnored, nil
	}
	customerID := snap.CustomerID
	if customerID == "" {
		customerID = event.CustomerID
	}

	rec, exact, err := r.locate(ctx, customerID, snap.ID)
	if err != nil {
		return OutcomeFailed, newError(ErrStorageUnavailable, op, err)
	}
	if rec == nil {
		m.logger.Info("no local record for provider customer",
			Field{Key: "event_id", Value: event.ID},
			Field{Key: "customer_id", Value: customerID},
		)
		return OutcomeUnmatched, nil
	}
	if !exact {
		m.logger.Warn("provider customer matched by tolerant comparison, repairing stored id",
			Field{Key: "user_id", Value: rec.UserID},
			Field{Key: "stored_customer_id", Value: rec.BillingCustomerID},
			Field{Key: "customer_id", Value: customerID},
		)
	}

	created := event.Type == billing.EventSubscriptionCreated
	today := m.today(ctx)
	var result mergeResult
	var before *Record
	updated, err := m.updateRecord(ctx, op, rec.UserID, func(cur *Record) error {
		before = cur.Clone()
		if !exact && cur.BillingCustomerID != customerID {
			cur.BillingCustomerID = customerID
		}
		result = mergeSnapshot(cur, snap, event.CreatedAt, created, today)
		if result != mergeApplied {
			// Keep the id repair, drop everything else.
			*cur = *repairOnly(before, cur.BillingCustomerID)
		}
		return nil
	})
	if err != nil {
		return OutcomeFailed, err
	}

	switch result {
	case mergeStale:
		m.logger.Info("skipping stale provider snapshot",
			Field{Key: "event_id", Value: event.ID},
			Field{Key: "user_id", Value: rec.UserID},
			Field{Key: "snapshot_version", Value: snap.Version},
		)
		return OutcomeStale, nil
	case mergeForeign:
		m.logger.Info("event refers to a subscription no longer tracked",
			Field{Key: "event_id", Value: event.ID},
			Field{Key: "subscription_id", Value: snap.ID},
		)
		return OutcomeIgnored, nil
	}

	if sameState(before, updated) {
		m.logger.Debug("provider event matches local state",
			Field{Key: "event_id", Value: event.ID},
			Field{Key: "user_id", Value: rec.UserID},
		)
		return OutcomeNoop, nil
	}
	m.logger.Info("subscription record reconciled",
		Field{Key: "event_id", Value: event.ID},
		Field{Key: "user_id", Value: rec.UserID},
		Field{Key: "status", Value: string(updated.Status)},
		Field{Key: "variation_id", Value: updated.VariationID},
	)
	return OutcomeMerged, nil
}

func repairOnly(before *Record, customerID string) *Record {
	r := before.Clone()
	r.BillingCustomerID = customerID
	return r
}

// locate finds the record owning a provider customer id: exact match first, then a
// full scan with CustomerIDsMatch. exact is false for tolerant matches.
func (r *Reconciler) locate(ctx context.Context, customerID, subscriptionID string) (*Record, bool, error) {
	if customerID == "" {
		return nil, false, nil
	}
	storage := r.m.storage

	recs, err := storage.FindByCustomerID(ctx, customerID)
	if err != nil {
		return nil, false, err
	}
	if len(recs) > 0 {
		return pickRecord(recs, subscriptionID), true, nil
	}

	var matches []*Record
	err = storage.ScanRecords(ctx, func(rec *Record) bool {
		if CustomerIDsMatch(rec.BillingCustomerID, customerID) {
			matches = append(matches, rec)
		}
		return true
	})
	if err != nil {
		return nil, false, err
	}
	if len(matches) == 0 {
		return nil, false, nil
	}
	return pickRecord(matches, subscriptionID), false, nil
}

// pickRecord chooses among records sharing a customer id (a transient state after
// a create-customer race): the one tracking the subscription, else the oldest.
func pickRecord(recs []*Record, subscriptionID string) *Record {
	if subscriptionID != "" {
		for _, rec := range recs {
			if rec.SubscriptionID == subscriptionID {
				return rec
			}
		}
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs[0]
}
