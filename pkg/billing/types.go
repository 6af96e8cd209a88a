package billing

import (
	"strings"
	"time"
)

// SubscriptionStatus is the provider-side subscription status, normalized to upper case.
type SubscriptionStatus string

const (
	StatusActive      SubscriptionStatus = "ACTIVE"
	StatusPending     SubscriptionStatus = "PENDING"
	StatusCanceled    SubscriptionStatus = "CANCELED"
	StatusDeactivated SubscriptionStatus = "DEACTIVATED"
	StatusPaused      SubscriptionStatus = "PAUSED"
)

// ActionType identifies a deferred subscription change.
type ActionType string

const (
	ActionSwapPlan     ActionType = "SWAP_PLAN"
	ActionCancel       ActionType = "CANCEL"
	ActionPause        ActionType = "PAUSE"
	ActionResume       ActionType = "RESUME"
	ActionChangeAnchor ActionType = "CHANGE_BILLING_ANCHOR_DATE"
)

// PricingType identifies how a plan phase is priced.
type PricingType string

const (
	PricingStatic   PricingType = "STATIC"
	PricingRelative PricingType = "RELATIVE"
)

// DateLayout is the calendar date layout used by provider payloads.
const DateLayout = "2006-01-02"

// Customer is a provider customer.
type Customer struct {
	ID          string
	Email       string
	ReferenceID string
	CreatedAt   time.Time
}

// Card is a stored payment card.
type Card struct {
	ID         string
	CustomerID string
	Last4      string
}

// Money is an amount in the smallest currency unit.
type Money struct {
	Amount   int64
	Currency string
}

// Action is a deferred change on a subscription.
type Action struct {
	ID                 string
	Type               ActionType
	EffectiveDate      *time.Time
	NewPlanVariationID string
}

// Subscription is a point-in-time snapshot of a provider subscription.
type Subscription struct {
	ID                 string
	CustomerID         string
	LocationID         string
	Status             SubscriptionStatus
	PlanVariationID    string
	StartDate          *time.Time
	ChargedThroughDate *time.Time
	CanceledDate       *time.Time

	// PendingChange is a single-field indicator of an in-flight swap, when the
	// provider exposes one directly on the subscription.
	PendingChange *Action

	// Actions are the planned changes attached to the subscription.
	Actions []Action

	// Version increases with every provider-side mutation (0 when unknown).
	Version   int64
	CreatedAt time.Time
}

// Catalog is the raw provider catalog.
type Catalog struct {
	Plans     []CatalogPlan
	Items     map[string]CatalogItem
	Discounts map[string]CatalogDiscount
}

// CatalogPlan is a subscription plan with nested variations.
type CatalogPlan struct {
	ID                    string
	Name                  string
	IsDeleted             bool
	PresentAtAllLocations bool
	EligibleItemIDs       []string
	Variations            []CatalogVariation
}

// CatalogVariation is a plan variation with its billing phases.
type CatalogVariation struct {
	ID        string
	Name      string
	IsDeleted bool
	Phases    []CatalogPhase
}

// CatalogPhase is one billing phase of a variation.
type CatalogPhase struct {
	Ordinal     int
	Cadence     string
	Periods     int
	PricingType PricingType
	Price       *Money
	DiscountIDs []string
}

// CatalogItem is a catalog item referenced by relative pricing.
type CatalogItem struct {
	ID         string
	Name       string
	Variations []CatalogItemVariation
}

// CatalogItemVariation is a priced variation of an item.
type CatalogItemVariation struct {
	ID    string
	Name  string
	Price *Money
}

// CatalogDiscount is a discount linked to a relative price.
// Exactly one of Percentage and Amount is set.
type CatalogDiscount struct {
	ID         string
	Name       string
	Percentage string
	Amount     *Money
}

// ParseDate parses a provider calendar date. Empty input yields nil.
func ParseDate(value string) (*time.Time, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(DateLayout, v)
	if err != nil {
		// Some payloads carry full timestamps
		t, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, err
		}
		t = StartOfDayUTC(t)
	}
	return &t, nil
}

// FormatDate formats a calendar date, returning "" for nil.
func FormatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(DateLayout)
}

// StartOfDayUTC truncates t to midnight UTC.
func StartOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
