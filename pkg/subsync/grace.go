package subsync

import (
	"time"

	"github.com/mihaimyh/gosubsync/pkg/billing"
)

// GraceStatus is the result of IsInGrace.
type GraceStatus struct {
	InGrace     bool
	GraceEndsAt *time.Time
}

// IsInGrace reports whether a subscription canceled on canceledDate is still inside
// its grace window at now. Dates are compared at UTC day granularity and the last
// day of the window is included.
func IsInGrace(canceledDate *time.Time, now time.Time, graceDays int) GraceStatus {
	if canceledDate == nil {
		return GraceStatus{}
	}
	if graceDays < 0 {
		// Disabled: access ends the day the cancellation takes effect.
		graceDays = -1
	}
	ends := billing.StartOfDayUTC(*canceledDate).AddDate(0, 0, graceDays)
	today := billing.StartOfDayUTC(now)
	return GraceStatus{
		InGrace:     !today.After(ends),
		GraceEndsAt: &ends,
	}
}
