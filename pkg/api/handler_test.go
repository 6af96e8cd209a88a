package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/gosubsync/pkg/api"
	"github.com/mihaimyh/gosubsync/pkg/billing"
	"github.com/mihaimyh/gosubsync/pkg/billing/billingtest"
	"github.com/mihaimyh/gosubsync/pkg/billing/webhook"
	"github.com/mihaimyh/gosubsync/pkg/subsync"
	"github.com/mihaimyh/gosubsync/storage/memory"
)

const (
	testUserID = "user123"
	userHeader = "X-User-ID"
)

var testNow = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func testCatalog() *billing.Catalog {
	return &billing.Catalog{
		Plans: []billing.CatalogPlan{
			{
				ID: "plan_basic", Name: "Basic", PresentAtAllLocations: true,
				Variations: []billing.CatalogVariation{
					{ID: "var_monthly", Name: "Monthly", Phases: []billing.CatalogPhase{
						{Ordinal: 0, Cadence: "MONTHLY", PricingType: billing.PricingStatic, Price: &billing.Money{Amount: 1000, Currency: "USD"}},
					}},
					{ID: "var_annual", Name: "Annual", Phases: []billing.CatalogPhase{
						{Ordinal: 0, Cadence: "ANNUAL", PricingType: billing.PricingStatic, Price: &billing.Money{Amount: 10000, Currency: "USD"}},
					}},
				},
			},
			{
				ID: "plan_legacy", Name: "Legacy", IsDeleted: true, PresentAtAllLocations: true,
				Variations: []billing.CatalogVariation{
					{ID: "var_legacy", Name: "Legacy", Phases: []billing.CatalogPhase{
						{Ordinal: 0, Cadence: "MONTHLY", PricingType: billing.PricingStatic, Price: &billing.Money{Amount: 500, Currency: "USD"}},
					}},
				},
			},
		},
	}
}

type testEnv struct {
	provider *billingtest.Provider
	manager  *subsync.Manager
	router   http.Handler
}

func newTestEnv(t *testing.T, mutate func(*api.Config)) *testEnv {
	t.Helper()
	provider := billingtest.New()
	provider.Catalog = testCatalog()
	provider.Now = func() time.Time { return testNow }

	manager, err := subsync.NewManager(memory.New(), provider, subsync.Config{
		Now:           func() time.Time { return testNow },
		RetryInterval: time.Millisecond,
	})
	require.NoError(t, err)
	_, err = manager.EnsureRecord(context.Background(), testUserID, "user123@example.com")
	require.NoError(t, err)

	cfg := api.Config{
		Manager:   manager,
		GetUserID: api.FromHeader(userHeader),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	handler, err := api.NewHandler(cfg)
	require.NoError(t, err)

	return &testEnv{provider: provider, manager: manager, router: handler.Routes()}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(userHeader, testUserID)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) create(t *testing.T) api.SubscriptionResponse {
	t.Helper()
	w := e.do(http.MethodPost, "/subscriptions", `{"variationId":"var_monthly","paymentSourceToken":"cnon:card-nonce-ok"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp api.SubscriptionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func decodeMap(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestNewHandler_RequiresManager(t *testing.T) {
	_, err := api.NewHandler(api.Config{})
	assert.Error(t, err)
}

func TestCreateSubscription(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.create(t)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, string(billing.StatusActive), resp.Status)
	require.NotNil(t, resp.StartDate)
	assert.Equal(t, "2024-03-10", *resp.StartDate)
	require.NotNil(t, resp.ChargedThroughDate)
	assert.Equal(t, "2024-04-10", *resp.ChargedThroughDate)

	// A second subscription is a conflict
	w := env.do(http.MethodPost, "/subscriptions", `{"variationId":"var_annual","paymentSourceToken":"cnon:card-nonce-ok"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(subsync.ConflictDuplicateActive), decodeMap(t, w)["reason"])
}

func TestCreateSubscription_Validation(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"missing token", `{"variationId":"var_monthly"}`},
		{"missing variation", `{"paymentSourceToken":"cnon:ok"}`},
		{"malformed", `{"variationId":`},
		{"unknown variation", `{"variationId":"var_nope","paymentSourceToken":"cnon:ok"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/subscriptions", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
	assert.Equal(t, 0, env.provider.Calls("CreateSubscription"))
}

func TestCreateSubscription_NoLocalRecord(t *testing.T) {
	env := newTestEnv(t, func(c *api.Config) {
		c.GetUserID = func(*http.Request) string { return "stranger" }
	})

	w := env.do(http.MethodPost, "/subscriptions", `{"variationId":"var_monthly","paymentSourceToken":"cnon:ok"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateSubscription_PaymentRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	env.provider.CreateCardErr = &billing.APIError{
		Provider:   "fake",
		StatusCode: http.StatusPaymentRequired,
		Code:       billing.CodeCardDeclined,
		Detail:     "Card declined.",
	}

	w := env.do(http.MethodPost, "/subscriptions", `{"variationId":"var_monthly","paymentSourceToken":"cnon:declined"}`)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	body := decodeMap(t, w)
	assert.Equal(t, billing.CodeCardDeclined, body["code"])
	assert.Contains(t, body["error"], "Card declined.")
}

func TestCancelSubscription_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	sub := env.create(t)

	for i := 0; i < 2; i++ {
		w := env.do(http.MethodDelete, "/subscriptions/"+sub.ID, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "2024-04-10", decodeMap(t, w)["canceledDate"])
	}
	assert.Equal(t, 1, env.provider.Calls("CancelSubscription"))
}

func TestCancelSubscription_Forbidden(t *testing.T) {
	env := newTestEnv(t, nil)
	env.create(t)

	env.provider.PutSubscription(billing.Subscription{
		ID: "sub_other", CustomerID: "cust_other", Status: billing.StatusActive, PlanVariationID: "var_monthly",
	})
	w := env.do(http.MethodDelete, "/subscriptions/sub_other", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, 0, env.provider.Calls("CancelSubscription"))
}

func TestSwapPlan(t *testing.T) {
	t.Run("deferred", func(t *testing.T) {
		env := newTestEnv(t, nil)
		sub := env.create(t)

		w := env.do(http.MethodPatch, "/subscriptions/"+sub.ID+"/plan", `{"newVariationId":"var_annual"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decodeMap(t, w)
		assert.Equal(t, true, body["pending"])
		assert.Equal(t, "2024-04-10", body["effectiveDate"])
		assert.Equal(t, "var_annual", body["newVariationId"])
		assert.NotContains(t, body, "applied")

		w = env.do(http.MethodPatch, "/subscriptions/"+sub.ID+"/plan", `{"newVariationId":"var_monthly"}`)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("applied", func(t *testing.T) {
		env := newTestEnv(t, nil)
		env.provider.SwapImmediately = true
		sub := env.create(t)

		w := env.do(http.MethodPatch, "/subscriptions/"+sub.ID+"/plan", `{"newVariationId":"var_annual"}`)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		body := decodeMap(t, w)
		assert.Equal(t, true, body["applied"])
		assert.Equal(t, "var_annual", body["variationId"])
	})

	t.Run("same plan", func(t *testing.T) {
		env := newTestEnv(t, nil)
		sub := env.create(t)

		w := env.do(http.MethodPatch, "/subscriptions/"+sub.ID+"/plan", `{"newVariationId":"var_monthly"}`)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, string(subsync.ConflictSamePlan), decodeMap(t, w)["reason"])
		assert.Equal(t, 0, env.provider.Calls("SwapPlan"))
	})

	t.Run("missing body field", func(t *testing.T) {
		env := newTestEnv(t, nil)
		w := env.do(http.MethodPatch, "/subscriptions/sub_1/plan", `{}`)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetSubscription(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/subscriptions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var fresh api.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fresh))
	assert.Equal(t, "NONE", fresh.SubscriptionStatus)
	assert.False(t, fresh.HadSubscription)
	assert.Nil(t, fresh.CanceledDate)

	sub := env.create(t)
	require.Equal(t, http.StatusOK, env.do(http.MethodDelete, "/subscriptions/"+sub.ID, "").Code)

	w = env.do(http.MethodGet, "/subscriptions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var canceled api.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &canceled))
	assert.Equal(t, "CANCELED", canceled.SubscriptionStatus)
	assert.Equal(t, sub.ID, canceled.SubscriptionID)
	assert.True(t, canceled.HadSubscription)
	assert.True(t, canceled.InGrace)
	require.NotNil(t, canceled.GraceEndsAt)
	assert.Equal(t, "2024-04-17", *canceled.GraceEndsAt)
}

func TestSyncSubscription(t *testing.T) {
	env := newTestEnv(t, nil)
	sub := env.create(t)

	remote, ok := env.provider.Subscription(sub.ID)
	require.True(t, ok)
	remote.PlanVariationID = "var_annual"
	remote.Version++
	env.provider.PutSubscription(*remote)

	w := env.do(http.MethodPost, "/subscriptions/sync", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp api.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "var_annual", resp.VariationID)
}

func TestListPlans(t *testing.T) {
	env := newTestEnv(t, nil)

	w := env.do(http.MethodGet, "/plans", "")
	require.Equal(t, http.StatusOK, w.Code)
	var active api.PlansResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &active))
	assert.Len(t, active.Variations, 2)

	w = env.do(http.MethodGet, "/plans?all=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	var all api.PlansResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &all))
	assert.Len(t, all.Variations, 3)

	env.provider.CatalogErr = errors.New("upstream down")
	w = env.do(http.MethodGet, "/plans", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestUnauthenticated(t *testing.T) {
	env := newTestEnv(t, func(c *api.Config) {
		c.GetUserID = func(*http.Request) string { return "" }
	})

	w := env.do(http.MethodGet, "/subscriptions", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestIdentityProvider(t *testing.T) {
	identities := subsync.IdentityProviderFunc(func(_ context.Context, token string) (*subsync.Identity, error) {
		if token == "good-token" {
			return &subsync.Identity{UserID: testUserID}, nil
		}
		return nil, errors.New("bad token")
	})
	env := newTestEnv(t, func(c *api.Config) {
		c.GetUserID = nil
		c.IdentityProvider = identities
	})

	req := httptest.NewRequest(http.MethodGet, "/subscriptions", http.NoBody)
	req.Header.Set("Authorization", "Bearer good-token")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/subscriptions", http.NoBody)
	req.Header.Set("Authorization", "Bearer nope")
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/plans", http.NoBody)
	w = httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCustomErrorHandler(t *testing.T) {
	var got error
	env := newTestEnv(t, func(c *api.Config) {
		c.OnError = func(w http.ResponseWriter, _ *http.Request, err error) {
			got = err
			w.WriteHeader(http.StatusTeapot)
		}
	})

	w := env.do(http.MethodDelete, "/subscriptions/sub_missing", "")
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Error(t, got)
}

func TestWebhookMounted(t *testing.T) {
	provider := billingtest.New()
	provider.WebhookSecret = "whsec"
	manager, err := subsync.NewManager(memory.New(), provider, subsync.Config{})
	require.NoError(t, err)
	wh, err := webhook.New(manager, webhook.Config{})
	require.NoError(t, err)
	handler, err := api.NewHandler(api.Config{
		Manager:          manager,
		Webhook:          wh,
		IdentityProvider: subsync.IdentityProviderFunc(func(context.Context, string) (*subsync.Identity, error) { return nil, errors.New("no") }),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, webhook.Path, strings.NewReader(`{"ID":"evt_1","RawType":"invoice.paid"}`))
	req.Header.Set(billingtest.SignatureHeader, "whsec")
	w := httptest.NewRecorder()
	handler.Routes().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}
