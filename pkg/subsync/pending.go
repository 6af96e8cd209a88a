package subsync

import (
	"time"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

// ChangeKind is the kind of a PendingChangeOutcome.
type ChangeKind string

const (
	NoChange        ChangeKind = "no_change"
	ChangeEffective ChangeKind = "effective"
	ChangePending   ChangeKind = "pending"
)

// PendingChangeOutcome is the result of Detect.
type PendingChangeOutcome struct {
	Kind ChangeKind

	// VariationID is the variation now in effect (ChangeEffective) or the target
	// of the deferred change (ChangePending).
	VariationID   string
	EffectiveDate *time.Time

	// CurrentVariationID is the variation the provider still bills while a change
	// is pending.
	CurrentVariationID string
}

// Detect decides, without I/O, whether a plan change is pending, has taken effect,
// or nothing changed. Evidence is considered in this order:
//
//  1. a local pending change whose target is now the remote current variation
//  2. the remote single-field pending change indicator
//  3. the first dated SWAP_PLAN action in the planned changes
//  4. a remote current variation that differs from the local one
//
// A local pending change with no remote evidence is kept: webhook payloads do not
// always carry planned actions.
func Detect(local *Record, remote *billing.Subscription) PendingChangeOutcome {
	if remote == nil {
		return PendingChangeOutcome{Kind: NoChange}
	}
	current := remote.PlanVariationID

	if local.PendingPlanChange != nil && current != "" && local.PendingPlanChange.NewVariationID == current {
		return PendingChangeOutcome{Kind: ChangeEffective, VariationID: current}
	}

	if pc := remote.PendingChange; pc != nil && pc.NewPlanVariationID != "" && pc.NewPlanVariationID != current {
		return PendingChangeOutcome{
			Kind:               ChangePending,
			VariationID:        pc.NewPlanVariationID,
			EffectiveDate:      pendingDate(pc.EffectiveDate, remote),
			CurrentVariationID: current,
		}
	}

	if action, ok := FirstSwapAction(remote.Actions); ok && action.NewPlanVariationID != current {
		return PendingChangeOutcome{
			Kind:               ChangePending,
			VariationID:        action.NewPlanVariationID,
			EffectiveDate:      action.EffectiveDate,
			CurrentVariationID: current,
		}
	}

	if current != "" && current != local.VariationID {
		return PendingChangeOutcome{Kind: ChangeEffective, VariationID: current}
	}
	return PendingChangeOutcome{Kind: NoChange}
}

// FirstSwapAction returns the first SWAP_PLAN action carrying both an effective
// date and a target variation.
func FirstSwapAction(actions []billing.Action) (billing.Action, bool) {
	for _, a := range actions {
		if a.Type == billing.ActionSwapPlan && a.EffectiveDate != nil && a.NewPlanVariationID != "" {
			return a, true
		}
	}
	return billing.Action{}, false
}

// pendingDate falls back to the end of the paid period when the indicator has no date.
func pendingDate(d *time.Time, remote *billing.Subscription) *time.Time {
	if d != nil {
		return d
	}
	return remote.ChargedThroughDate
}

// apply writes the outcome into rec.
func (o PendingChangeOutcome) apply(rec *Record) {
	switch o.Kind {
	case ChangeEffective:
		rec.VariationID = o.VariationID
		rec.PendingPlanChange = nil
	case ChangePending:
		if o.CurrentVariationID != "" {
			rec.VariationID = o.CurrentVariationID
		}
		if o.EffectiveDate == nil {
			return
		}
		rec.PendingPlanChange = &PendingPlanChange{
			EffectiveDate:  billing.StartOfDayUTC(*o.EffectiveDate),
			NewVariationID: o.VariationID,
		}
	}
}
