package square

import (
	"strings"
	"time"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

type money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (m *money) toBilling() *billing.Money {
	if m == nil {
		return nil
	}
	return &billing.Money{Amount: m.Amount, Currency: m.Currency}
}

func fromBilling(m billing.Money) *money {
	return &money{Amount: m.Amount, Currency: strings.ToUpper(m.Currency)}
}

type customer struct {
	ID           string `json:"id,omitempty"`
	EmailAddress string `json:"email_address,omitempty"`
	ReferenceID  string `json:"reference_id,omitempty"`
	GivenName    string `json:"given_name,omitempty"`
	CreatedAt    string `json:"created_at,omitempty"`
}

func (c *customer) toBilling() *billing.Customer {
	return &billing.Customer{
		ID:          c.ID,
		Email:       c.EmailAddress,
		ReferenceID: c.ReferenceID,
		CreatedAt:   parseTimestamp(c.CreatedAt),
	}
}

type action struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	EffectiveDate      string `json:"effective_date,omitempty"`
	NewPlanVariationID string `json:"new_plan_variation_id,omitempty"`
}

func (a action) toBilling() billing.Action {
	return billing.Action{
		ID:                 a.ID,
		Type:               billing.ActionType(a.Type),
		EffectiveDate:      parseDate(a.EffectiveDate),
		NewPlanVariationID: a.NewPlanVariationID,
	}
}

func actionsToBilling(in []action) []billing.Action {
	if len(in) == 0 {
		return nil
	}
	out := make([]billing.Action, 0, len(in))
	for _, a := range in {
		out = append(out, a.toBilling())
	}
	return out
}

type subscription struct {
	ID                 string   `json:"id"`
	LocationID         string   `json:"location_id"`
	PlanVariationID    string   `json:"plan_variation_id"`
	CustomerID         string   `json:"customer_id"`
	StartDate          string   `json:"start_date,omitempty"`
	CanceledDate       string   `json:"canceled_date,omitempty"`
	ChargedThroughDate string   `json:"charged_through_date,omitempty"`
	Status             string   `json:"status"`
	Version            int64    `json:"version"`
	CreatedAt          string   `json:"created_at,omitempty"`
	CardID             string   `json:"card_id,omitempty"`
	Actions            []action `json:"actions,omitempty"`
}

func (s *subscription) toBilling() *billing.Subscription {
	if s == nil {
		return nil
	}
	return &billing.Subscription{
		ID:                 s.ID,
		CustomerID:         s.CustomerID,
		LocationID:         s.LocationID,
		Status:             billing.SubscriptionStatus(strings.ToUpper(s.Status)),
		PlanVariationID:    s.PlanVariationID,
		StartDate:          parseDate(s.StartDate),
		ChargedThroughDate: parseDate(s.ChargedThroughDate),
		CanceledDate:       parseDate(s.CanceledDate),
		Actions:            actionsToBilling(s.Actions),
		Version:            s.Version,
		CreatedAt:          parseTimestamp(s.CreatedAt),
	}
}

// withActions returns the subscription with response-level actions attached when
// the embedded object carries none.
func withActions(s *subscription, actions []action) *billing.Subscription {
	sub := s.toBilling()
	if sub != nil && len(sub.Actions) == 0 {
		sub.Actions = actionsToBilling(actions)
	}
	return sub
}

type phaseRef struct {
	Ordinal         int    `json:"ordinal"`
	OrderTemplateID string `json:"order_template_id"`
}

// Catalog objects.

type catalogObject struct {
	Type                  string `json:"type"`
	ID                    string `json:"id"`
	IsDeleted             bool   `json:"is_deleted"`
	PresentAtAllLocations bool   `json:"present_at_all_locations"`

	SubscriptionPlanData          *subscriptionPlanData          `json:"subscription_plan_data,omitempty"`
	SubscriptionPlanVariationData *subscriptionPlanVariationData `json:"subscription_plan_variation_data,omitempty"`
	ItemData                      *itemData                      `json:"item_data,omitempty"`
	ItemVariationData             *itemVariationData             `json:"item_variation_data,omitempty"`
	DiscountData                  *discountData                  `json:"discount_data,omitempty"`
}

type subscriptionPlanData struct {
	Name                       string          `json:"name"`
	SubscriptionPlanVariations []catalogObject `json:"subscription_plan_variations"`
	EligibleItemIDs            []string        `json:"eligible_item_ids"`
}

type subscriptionPlanVariationData struct {
	Name               string         `json:"name"`
	Phases             []catalogPhase `json:"phases"`
	SubscriptionPlanID string         `json:"subscription_plan_id"`
}

type catalogPhase struct {
	UID     string `json:"uid"`
	Cadence string `json:"cadence"`
	Periods int    `json:"periods,omitempty"`
	Ordinal int    `json:"ordinal"`
	Pricing *struct {
		Type        string   `json:"type"`
		PriceMoney  *money   `json:"price_money,omitempty"`
		DiscountIDs []string `json:"discount_ids,omitempty"`
	} `json:"pricing,omitempty"`
	// RecurringPriceMoney is the pre-pricing field some older plans still carry.
	RecurringPriceMoney *money `json:"recurring_price_money,omitempty"`
}

type itemData struct {
	Name       string          `json:"name"`
	Variations []catalogObject `json:"variations"`
}

type itemVariationData struct {
	Name        string `json:"name"`
	PricingType string `json:"pricing_type"`
	PriceMoney  *money `json:"price_money,omitempty"`
}

type discountData struct {
	Name         string `json:"name"`
	DiscountType string `json:"discount_type"`
	Percentage   string `json:"percentage,omitempty"`
	AmountMoney  *money `json:"amount_money,omitempty"`
}

func (o catalogObject) toPlan() billing.CatalogPlan {
	plan := billing.CatalogPlan{
		ID:                    o.ID,
		IsDeleted:             o.IsDeleted,
		PresentAtAllLocations: o.PresentAtAllLocations,
	}
	if o.SubscriptionPlanData == nil {
		return plan
	}
	plan.Name = o.SubscriptionPlanData.Name
	plan.EligibleItemIDs = o.SubscriptionPlanData.EligibleItemIDs
	for _, v := range o.SubscriptionPlanData.SubscriptionPlanVariations {
		plan.Variations = append(plan.Variations, v.toVariation())
	}
	return plan
}

func (o catalogObject) toVariation() billing.CatalogVariation {
	v := billing.CatalogVariation{ID: o.ID, IsDeleted: o.IsDeleted}
	data := o.SubscriptionPlanVariationData
	if data == nil {
		return v
	}
	v.Name = data.Name
	for _, ph := range data.Phases {
		phase := billing.CatalogPhase{
			Ordinal:     ph.Ordinal,
			Cadence:     ph.Cadence,
			Periods:     ph.Periods,
			PricingType: billing.PricingStatic,
			Price:       ph.RecurringPriceMoney.toBilling(),
		}
		if ph.Pricing != nil {
			if strings.EqualFold(ph.Pricing.Type, string(billing.PricingRelative)) {
				phase.PricingType = billing.PricingRelative
			}
			if ph.Pricing.PriceMoney != nil {
				phase.Price = ph.Pricing.PriceMoney.toBilling()
			}
			phase.DiscountIDs = ph.Pricing.DiscountIDs
		}
		v.Phases = append(v.Phases, phase)
	}
	return v
}

func (o catalogObject) toItem() billing.CatalogItem {
	item := billing.CatalogItem{ID: o.ID}
	if o.ItemData == nil {
		return item
	}
	item.Name = o.ItemData.Name
	for _, v := range o.ItemData.Variations {
		iv := billing.CatalogItemVariation{ID: v.ID}
		if v.ItemVariationData != nil {
			iv.Name = v.ItemVariationData.Name
			iv.Price = v.ItemVariationData.PriceMoney.toBilling()
		}
		item.Variations = append(item.Variations, iv)
	}
	return item
}

func (o catalogObject) toDiscount() billing.CatalogDiscount {
	d := billing.CatalogDiscount{ID: o.ID}
	if o.DiscountData == nil {
		return d
	}
	d.Name = o.DiscountData.Name
	if o.DiscountData.Percentage != "" {
		d.Percentage = o.DiscountData.Percentage
	} else {
		d.Amount = o.DiscountData.AmountMoney.toBilling()
	}
	return d
}

func parseDate(value string) *time.Time {
	t, err := billing.ParseDate(value)
	if err != nil {
		return nil
	}
	return t
}

func parseTimestamp(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
