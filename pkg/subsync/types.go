// Package subsync keeps a locally persisted subscription record per user consistent
// with an external billing provider.
//
// User-initiated operations (create, cancel, swap) and provider callbacks both
// funnel through the same merge rules and the same compare-and-swap record update,
// so a webhook racing a user request can never half-apply a change.
package subsync

import (
	"time"
)

// Status is the local subscription status.
type Status string

const (
	StatusNone     Status = "NONE"
	StatusActive   Status = "ACTIVE"
	StatusCanceled Status = "CANCELED"
	StatusPending  Status = "PENDING"
	StatusUnknown  Status = "UNKNOWN"
)

// PendingPlanChange is an accepted swap that has not taken effect yet.
type PendingPlanChange struct {
	EffectiveDate  time.Time `json:"effectiveDate" firestore:"effectiveDate"`
	NewVariationID string    `json:"newVariationId" firestore:"newVariationId"`
}

// Record is the locally persisted subscription state of one user.
// Empty strings stand for null identifiers.
type Record struct {
	UserID            string `json:"userId" firestore:"userId"`
	Email             string `json:"email" firestore:"email"`
	BillingCustomerID string `json:"billingCustomerId,omitempty" firestore:"billingCustomerId"`
	SubscriptionID    string `json:"subscriptionId,omitempty" firestore:"subscriptionId"`

	// VariationID is the plan variation currently in effect on the provider.
	VariationID string `json:"variationId,omitempty" firestore:"variationId"`

	Status            Status             `json:"subscriptionStatus" firestore:"subscriptionStatus"`
	CanceledDate      *time.Time         `json:"canceledDate,omitempty" firestore:"canceledDate"`
	PendingPlanChange *PendingPlanChange `json:"pendingPlanChange,omitempty" firestore:"pendingPlanChange"`

	HasActiveSubscription bool `json:"hasActiveSubscription" firestore:"hasActiveSubscription"`
	HadSubscription       bool `json:"hadSubscription" firestore:"hadSubscription"`

	// ProviderVersion and ProviderUpdatedAt describe the newest provider snapshot
	// merged into the record. Older snapshots are skipped. Both are provider
	// clock readings; the local clock never sets them.
	ProviderVersion   int64      `json:"providerVersion,omitempty" firestore:"providerVersion"`
	ProviderUpdatedAt *time.Time `json:"providerUpdatedAt,omitempty" firestore:"providerUpdatedAt"`

	// SubscriptionCreatedAt is when the provider created the tracked subscription.
	// A subscription created earlier never replaces it.
	SubscriptionCreatedAt *time.Time `json:"subscriptionCreatedAt,omitempty" firestore:"subscriptionCreatedAt"`

	// Version is the record store revision used for compare-and-swap.
	Version   int64     `json:"version" firestore:"version"`
	CreatedAt time.Time `json:"createdAt" firestore:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" firestore:"updatedAt"`
}

// NewRecord returns the all-NONE record of a freshly created account.
func NewRecord(userID, email string, now time.Time) *Record {
	return &Record{
		UserID:    userID,
		Email:     email,
		Status:    StatusNone,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.CanceledDate != nil {
		d := *r.CanceledDate
		c.CanceledDate = &d
	}
	if r.PendingPlanChange != nil {
		p := *r.PendingPlanChange
		c.PendingPlanChange = &p
	}
	if r.ProviderUpdatedAt != nil {
		t := *r.ProviderUpdatedAt
		c.ProviderUpdatedAt = &t
	}
	if r.SubscriptionCreatedAt != nil {
		t := *r.SubscriptionCreatedAt
		c.SubscriptionCreatedAt = &t
	}
	return &c
}

// normalize enforces the record invariants:
// a pending change and the active flag require ACTIVE, a cancellation date
// requires CANCELED, and hadSubscription never goes back to false.
func (r *Record) normalize() {
	if r.Status == "" {
		r.Status = StatusNone
	}
	if r.Status == StatusActive {
		r.HasActiveSubscription = true
		r.HadSubscription = true
	} else {
		r.HasActiveSubscription = false
		r.PendingPlanChange = nil
	}
	if r.Status != StatusCanceled {
		r.CanceledDate = nil
	}
}

// sameState reports whether a and b carry the same subscription state, ignoring
// store bookkeeping and provider snapshot markers.
func sameState(a, b *Record) bool {
	if a.BillingCustomerID != b.BillingCustomerID ||
		a.SubscriptionID != b.SubscriptionID ||
		a.VariationID != b.VariationID ||
		a.Status != b.Status ||
		a.HasActiveSubscription != b.HasActiveSubscription ||
		a.HadSubscription != b.HadSubscription ||
		a.Email != b.Email {
		return false
	}
	if !sameDate(a.CanceledDate, b.CanceledDate) {
		return false
	}
	switch {
	case a.PendingPlanChange == nil && b.PendingPlanChange == nil:
		return true
	case a.PendingPlanChange == nil || b.PendingPlanChange == nil:
		return false
	}
	return a.PendingPlanChange.NewVariationID == b.PendingPlanChange.NewVariationID &&
		a.PendingPlanChange.EffectiveDate.Equal(b.PendingPlanChange.EffectiveDate)
}

// sameRecord additionally compares the provider snapshot markers.
func sameRecord(a, b *Record) bool {
	return sameState(a, b) &&
		a.ProviderVersion == b.ProviderVersion &&
		sameDate(a.ProviderUpdatedAt, b.ProviderUpdatedAt) &&
		sameDate(a.SubscriptionCreatedAt, b.SubscriptionCreatedAt)
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Cadence is the billing cadence of a plan variation.
type Cadence string

const (
	CadenceDaily       Cadence = "DAILY"
	CadenceWeekly      Cadence = "WEEKLY"
	CadenceMonthly     Cadence = "MONTHLY"
	CadenceEveryNMonth Cadence = "EVERY_N_MONTHS"
	CadenceAnnual      Cadence = "ANNUAL"
)

// PricingMode distinguishes fixed from provider-computed prices.
type PricingMode string

const (
	PricingFixed    PricingMode = "FIXED"
	PricingRelative PricingMode = "RELATIVE"
)

// SwapState tells whether a swap took effect immediately or was deferred.
type SwapState string

const (
	SwapApplied SwapState = "applied"
	SwapPending SwapState = "pending"
)

// SwapResult is the outcome of SwapPlan.
type SwapResult struct {
	State          SwapState
	VariationID    string
	EffectiveDate  *time.Time
	NewVariationID string
}

// CancelResult is the outcome of Cancel.
type CancelResult struct {
	CanceledDate time.Time
}

// StatusView is a record projection with computed grace fields.
type StatusView struct {
	Record      *Record
	InGrace     bool
	GraceEndsAt *time.Time
}

// Entitled reports whether paid access is granted: the subscription is active, or
// canceled and still within its grace window.
func (v *StatusView) Entitled() bool {
	if v == nil || v.Record == nil {
		return false
	}
	return v.Record.Status == StatusActive || (v.Record.Status == StatusCanceled && v.InGrace)
}
