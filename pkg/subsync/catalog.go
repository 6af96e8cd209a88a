package subsync

import (
	"context"
	"strings"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

// PlanVariation is a flattened, priced plan variation.
type PlanVariation struct {
	PlanID      string          `json:"planId"`
	PlanName    string          `json:"planName"`
	VariationID string          `json:"variationId"`
	Name        string          `json:"name"`
	Cadence     Cadence         `json:"cadence"`
	Interval    int             `json:"interval"`
	PricingMode PricingMode     `json:"pricingMode"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Amount      int64           `json:"amount"`
	Currency    string          `json:"currency"`
	Active      bool            `json:"active"`

	// PhaseOrdinal is the ordinal of the recurring phase the price applies to.
	PhaseOrdinal int `json:"-"`
	// BasePrice is the computed price before display nudging; order templates
	// carry this value.
	BasePrice billing.Money `json:"-"`
	// ItemVariationID is the backing catalog item variation of a relative price.
	ItemVariationID string `json:"-"`
}

// zeroDecimalCurrencies have no minor unit.
var zeroDecimalCurrencies = []string{"JPY", "KRW", "VND", "CLP", "ISK", "UGX", "XAF", "XOF"}

func minorUnitExponent(currency string) int32 {
	if lo.Contains(zeroDecimalCurrencies, strings.ToUpper(currency)) {
		return 0
	}
	return 2
}

// NudgePrice moves an amount that sits exactly on a whole currency unit down by
// one minor unit (2000 -> 1999). Zero and zero-decimal currencies are left alone.
func NudgePrice(m billing.Money) billing.Money {
	if minorUnitExponent(m.Currency) == 0 {
		return m
	}
	if m.Amount > 0 && m.Amount%100 == 0 {
		m.Amount--
	}
	return m
}

// NormalizeCatalog flattens plans into variations, resolves relative prices through
// the plan's backing item and linked discounts, and applies price nudging.
func NormalizeCatalog(catalog *billing.Catalog) []PlanVariation {
	if catalog == nil {
		return nil
	}
	return lo.FlatMap(catalog.Plans, func(plan billing.CatalogPlan, _ int) []PlanVariation {
		planActive := !plan.IsDeleted && plan.PresentAtAllLocations
		return lo.Map(plan.Variations, func(v billing.CatalogVariation, _ int) PlanVariation {
			return normalizeVariation(catalog, plan, v, planActive)
		})
	})
}

func normalizeVariation(catalog *billing.Catalog, plan billing.CatalogPlan, v billing.CatalogVariation, planActive bool) PlanVariation {
	out := PlanVariation{
		PlanID:      plan.ID,
		PlanName:    plan.Name,
		VariationID: v.ID,
		Name:        v.Name,
		PricingMode: PricingFixed,
		Active:      planActive && !v.IsDeleted,
	}
	if len(v.Phases) == 0 {
		out.Active = false
		return out
	}

	// The last phase is the recurring one; earlier phases are trials or intro prices.
	phase := v.Phases[len(v.Phases)-1]
	out.PhaseOrdinal = phase.Ordinal
	out.Cadence, out.Interval = mapCadence(phase.Cadence)

	var price *billing.Money
	if phase.PricingType == billing.PricingRelative {
		out.PricingMode = PricingRelative
		itemVariationID, base, ok := relativePrice(catalog, plan, phase)
		if !ok {
			out.Active = false
			return out
		}
		out.ItemVariationID = itemVariationID
		price = &base
	} else if phase.Price != nil {
		p := *phase.Price
		price = &p
	}
	if price == nil {
		out.Active = false
		return out
	}

	out.BasePrice = *price
	shown := NudgePrice(*price)
	out.Amount = shown.Amount
	out.Currency = strings.ToUpper(shown.Currency)
	out.UnitPrice = decimal.New(shown.Amount, -minorUnitExponent(shown.Currency))
	return out
}

// relativePrice looks up the first eligible item's first priced variation and
// applies the phase discounts in order.
func relativePrice(catalog *billing.Catalog, plan billing.CatalogPlan, phase billing.CatalogPhase) (string, billing.Money, bool) {
	for _, itemID := range plan.EligibleItemIDs {
		item, ok := catalog.Items[itemID]
		if !ok {
			continue
		}
		iv, found := lo.Find(item.Variations, func(iv billing.CatalogItemVariation) bool {
			return iv.Price != nil
		})
		if !found {
			continue
		}
		price := *iv.Price
		for _, id := range phase.DiscountIDs {
			if d, ok := catalog.Discounts[id]; ok {
				price = applyDiscount(price, d)
			}
		}
		return iv.ID, price, true
	}
	return "", billing.Money{}, false
}

func applyDiscount(price billing.Money, d billing.CatalogDiscount) billing.Money {
	switch {
	case d.Percentage != "":
		pct, err := decimal.NewFromString(d.Percentage)
		if err != nil {
			return price
		}
		factor := decimal.NewFromInt(100).Sub(pct).Div(decimal.NewFromInt(100))
		price.Amount = decimal.NewFromInt(price.Amount).Mul(factor).Round(0).IntPart()
	case d.Amount != nil:
		price.Amount -= d.Amount.Amount
	}
	if price.Amount < 0 {
		price.Amount = 0
	}
	return price
}

func mapCadence(cadence string) (Cadence, int) {
	switch strings.ToUpper(cadence) {
	case "DAILY":
		return CadenceDaily, 1
	case "THIRTY_DAYS":
		return CadenceDaily, 30
	case "SIXTY_DAYS":
		return CadenceDaily, 60
	case "NINETY_DAYS":
		return CadenceDaily, 90
	case "WEEKLY":
		return CadenceWeekly, 1
	case "EVERY_TWO_WEEKS":
		return CadenceWeekly, 2
	case "MONTHLY":
		return CadenceMonthly, 1
	case "EVERY_TWO_MONTHS":
		return CadenceEveryNMonth, 2
	case "QUARTERLY":
		return CadenceEveryNMonth, 3
	case "EVERY_FOUR_MONTHS":
		return CadenceEveryNMonth, 4
	case "EVERY_SIX_MONTHS":
		return CadenceEveryNMonth, 6
	case "ANNUAL":
		return CadenceAnnual, 1
	case "EVERY_TWO_YEARS":
		return CadenceAnnual, 2
	default:
		return Cadence(strings.ToUpper(cadence)), 1
	}
}

// ListVariations fetches the provider catalog and returns every variation,
// active or not. Nothing is cached.
func (m *Manager) ListVariations(ctx context.Context) ([]PlanVariation, error) {
	catalog, err := m.provider.ListCatalog(ctx)
	if err != nil {
		m.logger.Error("catalog fetch failed", Field{Key: "error", Value: err})
		return nil, &Error{Kind: ErrProvider, Named: ErrCatalogUnavailable, Op: "list_variations", Err: err}
	}
	return NormalizeCatalog(catalog), nil
}

func (m *Manager) findVariation(ctx context.Context, op, variationID string) (*PlanVariation, error) {
	variations, err := m.ListVariations(ctx)
	if err != nil {
		return nil, err
	}
	v, ok := lo.Find(variations, func(v PlanVariation) bool { return v.VariationID == variationID })
	if !ok {
		return nil, validationError(op, "unknown plan variation "+variationID)
	}
	if !v.Active {
		return nil, validationError(op, "plan variation "+variationID+" is not available")
	}
	return &v, nil
}
