package subsync_test

import (
	"errors"
	"net/http"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubsync/pkg/billing"
	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

func TestNormalizeCatalog(t *testing.T) {
	variations := subsync.NormalizeCatalog(testCatalog())
	require.Len(t, variations, 4)

	byID := lo.KeyBy(variations, func(v subsync.PlanVariation) string { return v.VariationID })

	monthly := byID["var_monthly"]
	assert.Equal(t, "plan_basic", monthly.PlanID)
	assert.Equal(t, subsync.PricingFixed, monthly.PricingMode)
	assert.Equal(t, subsync.CadenceMonthly, monthly.Cadence)
	assert.Equal(t, int64(999), monthly.Amount)
	assert.Equal(t, "9.99", monthly.UnitPrice.String())
	assert.Equal(t, "USD", monthly.Currency)
	assert.True(t, monthly.Active)

	annual := byID["var_annual"]
	assert.Equal(t, subsync.CadenceAnnual, annual.Cadence)
	assert.Equal(t, int64(9999), annual.Amount)

	pro := byID["var_pro_relative"]
	assert.Equal(t, subsync.PricingRelative, pro.PricingMode)
	assert.Equal(t, 1, pro.PhaseOrdinal)
	assert.Equal(t, "itemvar_pro", pro.ItemVariationID)
	assert.Equal(t, int64(2000), pro.BasePrice.Amount)
	assert.Equal(t, int64(1999), pro.Amount)
	assert.True(t, pro.Active)

	legacy := byID["var_legacy"]
	assert.False(t, legacy.Active)
}

func TestNormalizeCatalog_InactiveCases(t *testing.T) {
	catalog := &billing.Catalog{
		Plans: []billing.CatalogPlan{
			{ID: "p_local", PresentAtAllLocations: false, Variations: []billing.CatalogVariation{
				{ID: "v_local", Phases: []billing.CatalogPhase{{Cadence: "MONTHLY", PricingType: billing.PricingStatic, Price: &billing.Money{Amount: 500, Currency: "USD"}}}},
			}},
			{ID: "p_rel", PresentAtAllLocations: true, EligibleItemIDs: []string{"missing"}, Variations: []billing.CatalogVariation{
				{ID: "v_rel", Phases: []billing.CatalogPhase{{Cadence: "MONTHLY", PricingType: billing.PricingRelative}}},
			}},
			{ID: "p_ok", PresentAtAllLocations: true, Variations: []billing.CatalogVariation{
				{ID: "v_deleted", IsDeleted: true, Phases: []billing.CatalogPhase{{Cadence: "MONTHLY", PricingType: billing.PricingStatic, Price: &billing.Money{Amount: 500, Currency: "USD"}}}},
				{ID: "v_nophase"},
			}},
		},
	}

	for _, v := range subsync.NormalizeCatalog(catalog) {
		assert.False(t, v.Active, "variation %s should be inactive", v.VariationID)
	}
	assert.Nil(t, subsync.NormalizeCatalog(nil))
}

func TestNormalizeCatalog_AmountDiscountAndCadences(t *testing.T) {
	catalog := &billing.Catalog{
		Plans: []billing.CatalogPlan{
			{ID: "p", PresentAtAllLocations: true, EligibleItemIDs: []string{"item"}, Variations: []billing.CatalogVariation{
				{ID: "quarterly", Phases: []billing.CatalogPhase{{Cadence: "QUARTERLY", PricingType: billing.PricingRelative, DiscountIDs: []string{"five_off"}}}},
				{ID: "daily", Phases: []billing.CatalogPhase{{Cadence: "DAILY", PricingType: billing.PricingStatic, Price: &billing.Money{Amount: 150, Currency: "usd"}}}},
				{ID: "yen", Phases: []billing.CatalogPhase{{Cadence: "EVERY_SIX_MONTHS", PricingType: billing.PricingStatic, Price: &billing.Money{Amount: 3000, Currency: "JPY"}}}},
			}},
		},
		Items: map[string]billing.CatalogItem{
			"item": {ID: "item", Variations: []billing.CatalogItemVariation{
				{ID: "unpriced"},
				{ID: "priced", Price: &billing.Money{Amount: 3500, Currency: "USD"}},
			}},
		},
		Discounts: map[string]billing.CatalogDiscount{
			"five_off": {ID: "five_off", Amount: &billing.Money{Amount: 500, Currency: "USD"}},
		},
	}

	byID := lo.KeyBy(subsync.NormalizeCatalog(catalog), func(v subsync.PlanVariation) string { return v.VariationID })

	q := byID["quarterly"]
	assert.Equal(t, subsync.CadenceEveryNMonth, q.Cadence)
	assert.Equal(t, 3, q.Interval)
	assert.Equal(t, "priced", q.ItemVariationID)
	assert.Equal(t, int64(3000), q.BasePrice.Amount)
	assert.Equal(t, int64(2999), q.Amount)

	d := byID["daily"]
	assert.Equal(t, subsync.CadenceDaily, d.Cadence)
	assert.Equal(t, int64(150), d.Amount)
	assert.Equal(t, "USD", d.Currency)

	yen := byID["yen"]
	assert.Equal(t, 6, yen.Interval)
	assert.Equal(t, int64(3000), yen.Amount)
	assert.Equal(t, "3000", yen.UnitPrice.String())
}

func TestNudgePrice(t *testing.T) {
	tests := []struct {
		in   billing.Money
		want int64
	}{
		{billing.Money{Amount: 2000, Currency: "USD"}, 1999},
		{billing.Money{Amount: 1999, Currency: "USD"}, 1999},
		{billing.Money{Amount: 100, Currency: "EUR"}, 99},
		{billing.Money{Amount: 0, Currency: "USD"}, 0},
		{billing.Money{Amount: 1000, Currency: "JPY"}, 1000},
	}
	for _, tt := range tests {
		if got := subsync.NudgePrice(tt.in); got.Amount != tt.want {
			t.Errorf("NudgePrice(%d %s) = %d, want %d", tt.in.Amount, tt.in.Currency, got.Amount, tt.want)
		}
	}
}

func TestListVariations_CatalogUnavailable(t *testing.T) {
	f := newFixture(t)
	f.provider.CatalogErr = errors.New("catalog down")

	_, err := f.manager.ListVariations(f.ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, subsync.ErrCatalogUnavailable)
	assert.Equal(t, http.StatusServiceUnavailable, subsync.HTTPStatus(err))

	_, err = f.manager.Create(f.ctx, "user1", "var_monthly", "tok")
	assert.ErrorIs(t, err, subsync.ErrCatalogUnavailable)
}
