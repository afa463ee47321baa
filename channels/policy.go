package channels

import (
	"fmt"

	"github.com/egor/ecocrm/models"
)

// Decision is the outcome of a plan check.
type Decision struct {
	Allowed bool
	Reason  string
}

// CanUseChannel decides whether a tenant on plan may use the requested
// channel given the channel types it already has active.
//
//   - basic: whatsapp only
//   - pro: one channel type; allowed when requested is already active or nothing is
//   - premium: everything
func CanUseChannel(plan models.Plan, requested models.ChannelType, active []models.ChannelType) Decision {
	switch plan {
	case models.PlanBasic:
		if requested == models.ChannelWhatsApp {
			return Decision{Allowed: true}
		}
		return Decision{Reason: fmt.Sprintf("the basic plan includes WhatsApp only; upgrade to pro or premium to use %s", requested)}
	case models.PlanPro:
		if len(active) == 0 {
			return Decision{Allowed: true}
		}
		for _, t := range active {
			if t == requested {
				return Decision{Allowed: true}
			}
		}
		return Decision{Reason: fmt.Sprintf("the pro plan includes one channel and %s is already active; upgrade to premium to use %s", active[0], requested)}
	case models.PlanPremium:
		return Decision{Allowed: true}
	}
	return Decision{Reason: fmt.Sprintf("unknown plan %q", plan)}
}

func (d Decision) err() error {
	if d.Allowed {
		return nil
	}
	return models.NewError(models.KindPlanRestriction, d.Reason, nil)
}
