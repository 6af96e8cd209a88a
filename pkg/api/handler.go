package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/mihaimyh/gosubsync/pkg/billing/webhook"
	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

const (
	maxUserIDLen    = 255
	maxRequestBytes = 64 * 1024
)

var (
	errNoUser      = errors.New("user ID not found")
	errInvalidUser = errors.New("invalid user ID format")
)

// Handler provides the HTTP endpoints for subscription management
type Handler struct {
	config   Config
	validate *validator.Validate
}

// Routes returns a chi router serving:
//
//	POST   /subscriptions
//	GET    /subscriptions
//	POST   /subscriptions/sync
//	DELETE /subscriptions/{id}
//	PATCH  /subscriptions/{id}/plan
//	GET    /plans
//	POST   /webhooks/billing (when a webhook handler is configured)
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	if h.config.Webhook != nil {
		r.Method(http.MethodPost, webhook.Path, h.config.Webhook.HTTPHandler())
	}
	r.Group(func(r chi.Router) {
		if h.config.IdentityProvider != nil {
			r.Use(h.authenticate)
		}
		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", h.CreateSubscription)
			r.Get("/", h.GetSubscription)
			r.Post("/sync", h.SyncSubscription)
			r.Delete("/{id}", h.CancelSubscription)
			r.Patch("/{id}/plan", h.SwapPlan)
		})
		r.Get("/plans", h.ListPlans)
	})
	return r
}

// authenticate resolves the bearer token through the configured IdentityProvider.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := subsync.BearerToken(r.Header.Get("Authorization"))
		if token == "" {
			h.handleError(w, r, subsync.ErrUnauthenticated)
			return
		}
		id, err := h.config.IdentityProvider.Authenticate(r.Context(), token)
		if err != nil || id == nil || id.UserID == "" {
			h.handleError(w, r, subsync.ErrUnauthenticated)
			return
		}
		next.ServeHTTP(w, r.WithContext(subsync.WithIdentity(r.Context(), id)))
	})
}

// CreateSubscription starts a subscription for the caller.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req CreateSubscriptionRequest
	if !h.decode(w, r, &req) {
		return
	}

	sub, err := h.config.Manager.Create(r.Context(), userID, req.VariationID, req.PaymentSourceToken)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, SubscriptionResponse{
		ID:                 sub.ID,
		Status:             string(sub.Status),
		StartDate:          formatDate(sub.StartDate),
		ChargedThroughDate: formatDate(sub.ChargedThroughDate),
	})
}

// CancelSubscription cancels the caller's subscription. Repeated calls return the
// same cancellation date.
func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	res, err := h.config.Manager.Cancel(r.Context(), userID, h.config.GetSubscriptionID(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, CancelResponse{CanceledDate: res.CanceledDate.UTC().Format(dateLayout)})
}

// SwapPlan changes the plan variation of the caller's subscription.
func (h *Handler) SwapPlan(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req SwapPlanRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.config.Manager.SwapPlan(r.Context(), userID, h.config.GetSubscriptionID(r), req.NewVariationID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if res.State == subsync.SwapPending {
		h.writeJSON(w, http.StatusOK, SwapResponse{
			Pending:        true,
			EffectiveDate:  formatDate(res.EffectiveDate),
			NewVariationID: res.NewVariationID,
		})
		return
	}
	h.writeJSON(w, http.StatusOK, SwapResponse{Applied: true, VariationID: res.VariationID})
}

// GetSubscription returns the caller's subscription record with grace fields.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	view, err := h.config.Manager.Status(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toStatusResponse(view))
}

// SyncSubscription re-reads the caller's subscription from the provider.
func (h *Handler) SyncSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if _, err := h.config.Manager.SyncUser(r.Context(), userID); err != nil {
		h.handleError(w, r, err)
		return
	}
	view, err := h.config.Manager.Status(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toStatusResponse(view))
}

// ListPlans returns the active plan variations, or all of them with ?all=true.
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	variations, err := h.config.Manager.ListVariations(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if r.URL.Query().Get("all") != "true" {
		variations = lo.Filter(variations, func(v subsync.PlanVariation, _ int) bool { return v.Active })
	}
	if variations == nil {
		variations = []subsync.PlanVariation{}
	}
	h.writeJSON(w, http.StatusOK, PlansResponse{Variations: variations})
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, fmt.Errorf("%w: %w", subsync.ErrUnauthenticated, errNoUser))
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("%w: %w", subsync.ErrValidation, errInvalidUser))
		return "", false
	}
	return userID, true
}

// decode reads a JSON body and validates it.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.handleError(w, r, fmt.Errorf("%w: malformed request body", subsync.ErrValidation))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
				return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
			})
			err = errors.New(strings.Join(msgs, "; "))
		}
		h.handleError(w, r, fmt.Errorf("%w: %w", subsync.ErrValidation, err))
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.config.Logger.Warn("failed to encode response", subsync.Field{Key: "error", Value: err})
	}
}

// handleError handles errors with appropriate HTTP status codes
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	statusCode := subsync.HTTPStatus(err)
	if statusCode >= http.StatusInternalServerError {
		h.config.Logger.Error("subscription request failed",
			subsync.Field{Key: "method", Value: r.Method},
			subsync.Field{Key: "path", Value: r.URL.Path},
			subsync.Field{Key: "error", Value: err},
		)
	}

	errorResponse := map[string]string{
		"error": err.Error(),
	}
	if reason := subsync.ReasonOf(err); reason != "" {
		errorResponse["reason"] = string(reason)
	}
	var serr *subsync.Error
	if errors.As(err, &serr) && serr.Code != "" {
		errorResponse["code"] = serr.Code
	}
	h.writeJSON(w, statusCode, errorResponse)
}
