package subsync

import (
	"time"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

// Outcome is the result of merging a provider snapshot into a record.
type Outcome string

const (
	OutcomeMerged    Outcome = "merged"
	OutcomeNoop      Outcome = "noop"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeStale     Outcome = "stale"
	OutcomeFailed    Outcome = "failed"
)

type mergeResult int

const (
	mergeApplied mergeResult = iota
	mergeStale
	mergeForeign
)

// mergeSnapshot converges rec toward a provider snapshot. It is shared by user
// flows, explicit syncs and webhooks so that every writer follows the same rules.
//
// observedAt is the provider time of the snapshot (event time), or zero for a
// fresh read. created marks a subscription creation, which sets the record
// ACTIVE unless the snapshot is canceled and may introduce a new subscription id.
func mergeSnapshot(rec *Record, snap *billing.Subscription, observedAt time.Time, created bool, today time.Time) mergeResult {
	if rec.SubscriptionID != "" && snap.ID != "" && snap.ID != rec.SubscriptionID {
		if !supersedes(rec, snap, observedAt, created) {
			return mergeForeign
		}
		rec.PendingPlanChange = nil
		rec.ProviderVersion = 0
		rec.ProviderUpdatedAt = nil
		rec.SubscriptionCreatedAt = nil
	} else if isStale(rec, snap, observedAt) {
		return mergeStale
	}

	if snap.ID != "" {
		rec.SubscriptionID = snap.ID
	}
	if rec.SubscriptionCreatedAt == nil && !snap.CreatedAt.IsZero() {
		t := snap.CreatedAt.UTC()
		rec.SubscriptionCreatedAt = &t
	}
	if rec.BillingCustomerID == "" && snap.CustomerID != "" {
		rec.BillingCustomerID = snap.CustomerID
	}

	switch {
	case snap.Status == billing.StatusCanceled || snap.Status == billing.StatusDeactivated || snap.CanceledDate != nil:
		rec.Status = StatusCanceled
		rec.CanceledDate = cancellationDate(rec, snap, today)
	case snap.Status == billing.StatusActive, created && snap.Status == billing.StatusPending:
		rec.Status = StatusActive
	case snap.Status == billing.StatusPending:
		rec.Status = StatusPending
	default:
		rec.Status = StatusUnknown
	}

	Detect(rec, snap).apply(rec)

	if snap.Version > rec.ProviderVersion {
		rec.ProviderVersion = snap.Version
	}
	if !observedAt.IsZero() && (rec.ProviderUpdatedAt == nil || observedAt.After(*rec.ProviderUpdatedAt)) {
		t := observedAt.UTC()
		rec.ProviderUpdatedAt = &t
	}
	return mergeApplied
}

// supersedes reports whether snap, which is about a subscription other than the
// tracked one, may take the record over. It must be a creation or a live
// subscription, and must not predate what the record already reflects.
func supersedes(rec *Record, snap *billing.Subscription, observedAt time.Time, created bool) bool {
	live := snap.Status == billing.StatusActive || snap.Status == billing.StatusPending
	if !created && !live {
		return false
	}
	if rec.SubscriptionCreatedAt != nil && !snap.CreatedAt.IsZero() && snap.CreatedAt.Before(*rec.SubscriptionCreatedAt) {
		return false
	}
	if rec.ProviderUpdatedAt != nil && !observedAt.IsZero() && !observedAt.After(*rec.ProviderUpdatedAt) {
		return false
	}
	return true
}

// isStale reports whether snap is older than the snapshot already merged into rec.
// Provider versions win; timestamps are used only when either version is missing.
func isStale(rec *Record, snap *billing.Subscription, observedAt time.Time) bool {
	if snap.Version > 0 && rec.ProviderVersion > 0 {
		return snap.Version < rec.ProviderVersion
	}
	if !observedAt.IsZero() && rec.ProviderUpdatedAt != nil {
		return observedAt.Before(*rec.ProviderUpdatedAt)
	}
	return false
}

func cancellationDate(rec *Record, snap *billing.Subscription, today time.Time) *time.Time {
	var d time.Time
	switch {
	case snap.CanceledDate != nil:
		d = *snap.CanceledDate
	case rec.CanceledDate != nil:
		d = *rec.CanceledDate
	case snap.ChargedThroughDate != nil:
		d = *snap.ChargedThroughDate
	default:
		d = today
	}
	d = billing.StartOfDayUTC(d)
	return &d
}
