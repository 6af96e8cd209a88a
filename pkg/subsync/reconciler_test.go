package subsync_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubsync/pkg/billing"
	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

func subscriptionEvent(typ billing.EventType, sub billing.Subscription, at time.Time) *billing.Event {
	return &billing.Event{
		ID:           "evt_" + string(typ) + "_" + at.Format("150405"),
		Type:         typ,
		RawType:      string(typ),
		CreatedAt:    at,
		CustomerID:   sub.CustomerID,
		Subscription: &sub,
	}
}

func TestReconcile_DuplicateUpdateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	r := subsync.NewReconciler(f.manager)
	sub := f.subscribe(t, "var_monthly")

	effective := date(2024, 4, 10)
	remote := *sub
	remote.Version = 2
	remote.Actions = []billing.Action{{ID: "act_1", Type: billing.ActionSwapPlan, EffectiveDate: &effective, NewPlanVariationID: "var_annual"}}
	event := subscriptionEvent(billing.EventSubscriptionUpdated, remote, testNow.Add(time.Minute))

	outcome, err := r.Reconcile(f.ctx, event)
	require.NoError(t, err)
	assert.Equal(t, subsync.OutcomeMerged, outcome)
	first := f.record(t, "user1")

	outcome, err = r.Reconcile(f.ctx, event)
	require.NoError(t, err)
	assert.Equal(t, subsync.OutcomeNoop, outcome)
	second := f.record(t, "user1")

	assert.Equal(t, first, second)
	require.NotNil(t, second.PendingPlanChange)
	assert.Equal(t, "var_annual", second.PendingPlanChange.NewVariationID)
	assert.Equal(t, "var_monthly", second.VariationID)
}

func TestReconcile_PendingChangeConverges(t *testing.T) {
	f := newFixture(t)
	r := subsync.NewReconciler(f.manager)
	sub := f.subscribe(t, "var_monthly")
	_, err := f.manager.SwapPlan(f.ctx, "user1", sub.ID, "var_annual")
	require.NoError(t, err)

	remote := *sub
	remote.PlanVariationID = "var_annual"
	remote.Version = 5
	_, err = r.Reconcile(f.ctx, subscriptionEvent(billing.EventSubscriptionUpdated, remote, testNow.Add(time.Hour)))
	require.NoError(t, err)

	rec := f.record(t, "user1")
	assert.Equal(t, "var_annual", rec.VariationID)
	assert.Nil(t, rec.PendingPlanChange)
}

func TestReconcile_UnmatchedCustomerIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	r := subsync.NewReconciler(f.manager)
	f.subscribe(t, "var_monthly")
	before := f.record(t, "user1")

	event := subscriptionEvent(billing.EventSubscriptionCreated, billing.Subscription{
		ID: "sub_foreign", CustomerID: "ZZZ-UNKNOWN", Status: billing.StatusActive, PlanVariationID: "var_annual",
	}, testNow)

	outcome, err := r.Reconcile(f.ctx, event)
	require.NoError(t, err)
	assert.Equal(t, subsync.OutcomeUnmatched, outcome)
	assert.Equal(t, before, f.record(t, "user1"))
}

func TestReconcile_CreatedEventActivatesRecord(t *testing.T) {
	f := newFixture(t)
	r := subsync.NewReconciler(f.manager)
	customerID, err := f.manager.ResolveOrCreate(f.ctx, "user1")
	require.NoError(t, err)

	event := subscriptionEvent(billing.EventSubscriptionCreated, billing.Subscription{
		ID: "sub_new", CustomerID: customerID, Status: billing.StatusActive, PlanVariationID: "var_monthly", Version: 1,
	}, testNow)

	outcome, err := r.Reconcile(f.ctx, event)
	require.NoError(t, err)
	assert.Equal(t, subsync.OutcomeMerged, outcome)

	rec := f.record(t, "user1")
	assert.Equal(t, "sub_new", rec.SubscriptionID)
	assert.Equal(t, "var_monthly", rec.VariationID)
	assert.Equal(t, subsync.StatusActive, rec.Status)
	assert.True(t, rec.HadSubscription)
}

func TestReconcile_CreatedEventClearsOldCancellation(t *testing.T) {
	f := newFixture(t)
	r := subsync.NewReconciler(f.manager)
	sub := f.subscribe(t, "var_monthly")
	_, err := f.manager.Cancel(f.ctx, "user1", sub.ID)
	require.NoError(t, err)
	require.NotNil(t, f.record(t, "user1").CanceledDate)

	event := subscriptionEvent(billing.EventSubscriptionCreated, billing.Subscription{
		ID: "sub_second", CustomerID: sub.CustomerID, Status: billing.StatusActive, PlanVariationID: "var_annual", Version: 1,
	}, testNow.Add(time.Hour))
	_, err = r.Reconcile(f.ctx, event)
	require.NoError(t, err)

	rec := f.record(t, "user1")
	assert.Equal(t, "sub_second", rec.SubscriptionID)
	assert.Equal(t, subsync.StatusActive, rec.Status)
	assert.Nil(t, rec.CanceledDate)
	assert.Equal(t, "var_annual", rec.VariationID)

	// A late update for the old canceled subscription must not resurrect it
	old := *sub
	old.Status = billing.StatusCanceled
	canceled := date(2024, 4, 10)
	old.CanceledDate = &canceled
	old.Version = 9
	outcome, err := r.Reconcile(f.ctx, subscriptionEvent(billing.EventSubscriptionUpdated, old, testNow.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, subsync.OutcomeIgnored, outcome)
	assert.Nil(t, f.record(t, "user1").CanceledDate)
}

func TestReconcile_CancellationByDateOrStatus(t *testing.T) {
	canceled := date(2024, 4, 10)
	tests := []struct {
		name   string
		status billing.SubscriptionStatus
		date   *time.Time
	}{
		{name: "explicit status", status: billing.StatusCanceled},
		{name: "date only", status: billing.StatusActive, date: &canceled},
		{name: "deactivated", status: billing.StatusDeactivated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			r := subsync.NewReconciler(f.manager)
			sub := f.subscribe(t, "var_monthly")

			remote := *sub
			remote.Status = tt.status
			remote.CanceledDate = tt.date
			remote.Version = 2
			outcome, err := r.Reconcile(f.ctx, subscriptionEvent(billing.EventSubscriptionUpdated, remote, testNow.Add(time.Minute)))
			require.NoError(t, err)
			assert.Equal(t, subsync.OutcomeMerged, outcome)

			rec := f.record(t, "user1")
			assert.Equal(t, subsync.StatusCanceled, rec.Status)
			require.NotNil(t, rec.CanceledDate)
			assert.Equal(t, canceled, *rec.CanceledDate)
			assert.False(t, rec.HasActiveSubscription)
			assert.True(t, rec.HadSubscription)
		})
	}
}

func TestReconcile_OutOfOrderVersionsAreSkipped(t *testing.T) {
	f := newFixture(t)
	r := subsync.NewReconciler(f.manager)
	sub := f.subscribe(t, "var_monthly")

	newer := *sub
	newer.Version = 4
	newer.PlanVariationID = "var_annual"
	older := *sub
	older.Version = 3
	older.Status = billing.StatusCanceled

	_, err := r.Reconcile(f.ctx, subscriptionEvent(billing.EventSubscriptionUpdated, newer, testNow.Add(time.Minute)))
	require.NoError(t, err)
	outcome, err := r.Reconcile(f.ctx, subscriptionEvent(billing.EventSubscriptionUpdated, older, testNow.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, subsync.OutcomeStale, outcome)

	rec := f.record(t, "user1")
	assert.Equal(t, subsync.StatusActive, rec.Status)
	assert.Equal(t, "var_annual", rec.VariationID)
	assert.Equal(t, int64(4), rec.ProviderVersion)
}

func TestReconcile_OutOfOrderTimestampsWithoutVersions(t *testing.T) {
	f := newFixture(t)
	r := subsync.NewReconciler(f.manager)
	customerID, err := f.manager.ResolveOrCreate(f.ctx, "user1")
	require.NoError(t, err)

	active := billing.Subscription{ID: "sub_1", CustomerID: customerID, Status: billing.StatusActive, PlanVariationID: "var_monthly"}
	pending := active
	pending.Status = billing.StatusPending

	_, err = r.Reconcile(f.ctx, subscriptionEvent(billing.EventSubscriptionUpdated, active, testNow.Add(2*time.Minute)))
	require.NoError(t, err)
	outcome, err := r.Reconcile(f.ctx, subscriptionEvent(billing.EventSubscriptionUpdated, pending, testNow.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, subsync.OutcomeStale, outcome)
	assert.Equal(t, subsync.StatusActive, f.record(t, "user1").Status)
}

func TestReconcile_FuzzyMatchRepairsStoredID(t *testing.T) {
	f := newFixture(t)
	r := subsync.NewReconciler(f.manager)
	rec := f.record(t, "user1")
	next := rec.Clone()
	next.BillingCustomerID = "  CUST_ABC123 "
	next.Version = rec.Version + 1
	require.NoError(t, f.store.CompareAndSwapRecord(f.ctx, next, rec.Version))

	event := subscriptionEvent(billing.EventSubscriptionCreated, billing.Subscription{
		ID: "sub_1", CustomerID: "cust_abc123", Status: billing.StatusActive, PlanVariationID: "var_monthly", Version: 1,
	}, testNow)
	outcome, err := r.Reconcile(f.ctx, event)
	require.NoError(t, err)
	assert.Equal(t, subsync.OutcomeMerged, outcome)

	got := f.record(t, "user1")
	assert.Equal(t, "cust_abc123", got.BillingCustomerID)
	assert.Equal(t, subsync.StatusActive, got.Status)

	found, err := f.store.FindByCustomerID(f.ctx, "cust_abc123")
	require.NoError(t, err)
	assert.Len(t, found, 1)
}

func TestReconcile_IgnoresUnhandledEvents(t *testing.T) {
	f := newFixture(t)
	r := subsync.NewReconciler(f.manager)

	outcome, err := r.Reconcile(f.ctx, &billing.Event{ID: "evt_1", RawType: "invoice.paid"})
	require.NoError(t, err)
	assert.Equal(t, subsync.OutcomeIgnored, outcome)

	outcome, err = r.Reconcile(f.ctx, &billing.Event{ID: "evt_2", Type: billing.EventSubscriptionUpdated})
	require.NoError(t, err)
	assert.Equal(t, subsync.OutcomeIgnored, outcome)
}

func TestReconcile_PausedMapsToUnknown(t *testing.T) {
	f := newFixture(t)
	r := subsync.NewReconciler(f.manager)
	sub := f.subscribe(t, "var_monthly")

	remote := *sub
	remote.Status = billing.StatusPaused
	remote.Version = 2
	_, err := r.Reconcile(f.ctx, subscriptionEvent(billing.EventSubscriptionUpdated, remote, testNow.Add(time.Minute)))
	require.NoError(t, err)

	rec := f.record(t, "user1")
	assert.Equal(t, subsync.StatusUnknown, rec.Status)
	assert.False(t, rec.HasActiveSubscription)
	assert.True(t, rec.HadSubscription)
}

func TestReconcile_LateEventForReplacedSubscriptionIsIgnored(t *testing.T) {
	for _, typ := range []billing.EventType{billing.EventSubscriptionCreated, billing.EventSubscriptionUpdated} {
		t.Run(string(typ), func(t *testing.T) {
			f := newFixture(t)
			r := subsync.NewReconciler(f.manager)
			first := f.subscribe(t, "var_monthly")
			original := *first

			ended := *first
			ended.Status = billing.StatusCanceled
			canceled := date(2024, 3, 10)
			ended.CanceledDate = &canceled
			f.provider.PutSubscription(ended)
			_, err := f.manager.Cancel(f.ctx, "user1", first.ID)
			require.NoError(t, err)

			second := f.subscribe(t, "var_annual")

			for _, at := range []time.Time{testNow.Add(-time.Hour), testNow} {
				outcome, err := r.Reconcile(f.ctx, subscriptionEvent(typ, original, at))
				require.NoError(t, err)
				assert.Equal(t, subsync.OutcomeIgnored, outcome)
			}

			rec := f.record(t, "user1")
			assert.Equal(t, second.ID, rec.SubscriptionID)
			assert.Equal(t, "var_annual", rec.VariationID)
			assert.Equal(t, subsync.StatusActive, rec.Status)
		})
	}
}

func TestReconcile_OlderSubscriptionNeverReplacesNewer(t *testing.T) {
	f := newFixture(t)
	r := subsync.NewReconciler(f.manager)
	first := f.subscribe(t, "var_monthly")

	ended := *first
	ended.Status = billing.StatusCanceled
	f.provider.PutSubscription(ended)
	f.provider.Now = func() time.Time { return testNow.Add(time.Minute) }
	second := f.subscribe(t, "var_annual")

	// Newer event time, but about a subscription created before the tracked one
	outcome, err := r.Reconcile(f.ctx, subscriptionEvent(billing.EventSubscriptionUpdated, *first, testNow.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, subsync.OutcomeIgnored, outcome)
	assert.Equal(t, second.ID, f.record(t, "user1").SubscriptionID)
}

func TestReconcile_CreatedEventWithPendingStartIsActive(t *testing.T) {
	f := newFixture(t)
	r := subsync.NewReconciler(f.manager)
	customerID, err := f.manager.ResolveOrCreate(f.ctx, "user1")
	require.NoError(t, err)

	start := date(2024, 4, 1)
	event := subscriptionEvent(billing.EventSubscriptionCreated, billing.Subscription{
		ID:              "sub_future",
		CustomerID:      customerID,
		Status:          billing.StatusPending,
		PlanVariationID: "var_monthly",
		StartDate:       &start,
		Version:         1,
	}, testNow)

	outcome, err := r.Reconcile(f.ctx, event)
	require.NoError(t, err)
	assert.Equal(t, subsync.OutcomeMerged, outcome)

	rec := f.record(t, "user1")
	assert.Equal(t, subsync.StatusActive, rec.Status)
	assert.True(t, rec.HasActiveSubscription)
	assert.True(t, rec.HadSubscription)
}

func TestReconcile_CreatedEventAgreesWithCreate(t *testing.T) {
	f := newFixture(t)
	r := subsync.NewReconciler(f.manager)
	sub := f.subscribe(t, "var_monthly")
	before := f.record(t, "user1")

	pending := *sub
	pending.Status = billing.StatusPending
	outcome, err := r.Reconcile(f.ctx, subscriptionEvent(billing.EventSubscriptionCreated, pending, testNow))
	require.NoError(t, err)
	assert.Equal(t, subsync.OutcomeNoop, outcome)

	rec := f.record(t, "user1")
	assert.Equal(t, subsync.StatusActive, rec.Status)
	assert.Equal(t, before.HasActiveSubscription, rec.HasActiveSubscription)
}

func TestReconcile_ProviderClockOrdersEvents(t *testing.T) {
	f := newFixture(t)
	r := subsync.NewReconciler(f.manager)
	providerNow := testNow.Add(-time.Hour)
	f.provider.Now = func() time.Time { return providerNow }
	sub := f.subscribe(t, "var_monthly")

	rec := f.record(t, "user1")
	require.NotNil(t, rec.ProviderUpdatedAt)
	assert.Equal(t, providerNow, *rec.ProviderUpdatedAt)

	// Timestamps only, no versions: an update after creation on the provider
	// clock applies even though it is behind the local clock.
	updated := *sub
	updated.Version = 0
	updated.PlanVariationID = "var_annual"
	outcome, err := r.Reconcile(f.ctx, subscriptionEvent(billing.EventSubscriptionUpdated, updated, providerNow.Add(30*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, subsync.OutcomeMerged, outcome)

	stored := *sub
	stored.PlanVariationID = "var_annual"
	f.provider.PutSubscription(stored)
	_, err = f.manager.SyncUser(f.ctx, "user1")
	require.NoError(t, err)

	rec = f.record(t, "user1")
	assert.Equal(t, "var_annual", rec.VariationID)
	require.NotNil(t, rec.ProviderUpdatedAt)
	assert.Equal(t, providerNow.Add(30*time.Minute), *rec.ProviderUpdatedAt)
}
