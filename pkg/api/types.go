package api

import (
	"time"

	"github.com/mihaimyh/gosubsync/pkg/subsync"
)

const dateLayout = "2006-01-02"

// CreateSubscriptionRequest is the body of POST /subscriptions.
type CreateSubscriptionRequest struct {
	VariationID        string `json:"variationId" validate:"required,max=255"`
	PaymentSourceToken string `json:"paymentSourceToken" validate:"required,max=1024"`
}

// SwapPlanRequest is the body of PATCH /subscriptions/{id}/plan.
type SwapPlanRequest struct {
	NewVariationID string `json:"newVariationId" validate:"required,max=255"`
}

// SubscriptionResponse is returned after creating a subscription.
type SubscriptionResponse struct {
	ID                 string  `json:"id"`
	Status             string  `json:"status"`
	StartDate          *string `json:"startDate"`
	ChargedThroughDate *string `json:"chargedThroughDate"`
}

// CancelResponse is returned after cancelling a subscription.
type CancelResponse struct {
	CanceledDate string `json:"canceledDate"`
}

// SwapResponse is either an applied or a pending plan change.
type SwapResponse struct {
	Applied        bool    `json:"applied,omitempty"`
	VariationID    string  `json:"variationId,omitempty"`
	Pending        bool    `json:"pending,omitempty"`
	EffectiveDate  *string `json:"effectiveDate,omitempty"`
	NewVariationID string  `json:"newVariationId,omitempty"`
}

// StatusResponse is the caller's subscription record with grace fields.
type StatusResponse struct {
	UserID                string                 `json:"userId"`
	BillingCustomerID     string                 `json:"billingCustomerId,omitempty"`
	SubscriptionID        string                 `json:"subscriptionId,omitempty"`
	VariationID           string                 `json:"variationId,omitempty"`
	SubscriptionStatus    string                 `json:"subscriptionStatus"`
	CanceledDate          *string                `json:"canceledDate"`
	PendingPlanChange     *PendingChangeResponse `json:"pendingPlanChange"`
	HasActiveSubscription bool                   `json:"hasActiveSubscription"`
	HadSubscription       bool                   `json:"hadSubscription"`
	InGrace               bool                   `json:"inGrace"`
	GraceEndsAt           *string                `json:"graceEndsAt"`
}

// PendingChangeResponse is a scheduled plan change.
type PendingChangeResponse struct {
	EffectiveDate  string `json:"effectiveDate"`
	NewVariationID string `json:"newVariationId"`
}

// PlansResponse lists plan variations.
type PlansResponse struct {
	Variations []subsync.PlanVariation `json:"variations"`
}

func formatDate(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	s := t.UTC().Format(dateLayout)
	return &s
}

func toStatusResponse(view *subsync.StatusView) StatusResponse {
	rec := view.Record
	resp := StatusResponse{
		UserID:                rec.UserID,
		BillingCustomerID:     rec.BillingCustomerID,
		SubscriptionID:        rec.SubscriptionID,
		VariationID:           rec.VariationID,
		SubscriptionStatus:    string(rec.Status),
		CanceledDate:          formatDate(rec.CanceledDate),
		HasActiveSubscription: rec.HasActiveSubscription,
		HadSubscription:       rec.HadSubscription,
		InGrace:               view.InGrace,
		GraceEndsAt:           formatDate(view.GraceEndsAt),
	}
	if p := rec.PendingPlanChange; p != nil {
		resp.PendingPlanChange = &PendingChangeResponse{
			EffectiveDate:  p.EffectiveDate.UTC().Format(dateLayout),
			NewVariationID: p.NewVariationID,
		}
	}
	return resp
}
