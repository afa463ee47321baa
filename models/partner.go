package models

import (
	"time"

	"github.com/google/uuid"
)

// Tier is a partner's performance bracket.
type Tier string

const (
	TierBronze Tier = "bronze"
	TierSilver Tier = "silver"
	TierGold   Tier = "gold"
)

// Rank orders tiers, bronze lowest.
func (t Tier) Rank() int {
	switch t {
	case TierSilver:
		return 1
	case TierGold:
		return 2
	}
	return 0
}

// Partner statuses.
const (
	PartnerPending  = "pending"
	PartnerApproved = "approved"
	PartnerRejected = "rejected"
)

// Partner is a referral-program participant.
type Partner struct {
	ID                    uuid.UUID  `json:"id"`
	Name                  string     `json:"name"`
	Email                 string     `json:"email"`
	PartnerCode           string     `json:"partnerCode"`
	Tier                  Tier       `json:"commissionTier"`
	CustomCommissionRate  *float64   `json:"customCommissionRate,omitempty"`
	Status                string     `json:"status"`
	TotalReferrals        int        `json:"totalReferrals"`
	TotalConversions      int        `json:"totalConversions"`
	TotalCommissionEarned float64    `json:"totalCommissionEarned"`
	MonthReferrals        int        `json:"monthReferrals"`
	MonthConversions      int        `json:"monthConversions"`
	MonthCommissionEarned float64    `json:"monthCommissionEarned"`
	StatsUpdatedAt        *time.Time `json:"statsUpdatedAt,omitempty"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// PartnerStats are the aggregates written back onto a partner.
type PartnerStats struct {
	TotalReferrals        int
	TotalConversions      int
	TotalCommissionEarned float64
	MonthReferrals        int
	MonthConversions      int
	MonthCommissionEarned float64
	UpdatedAt             time.Time
}

// Referral statuses.
const (
	ReferralClicked    = "clicked"
	ReferralRegistered = "registered"
	ReferralSubscribed = "subscribed"
)

// Referral commission statuses.
const (
	ReferralCommissionPending    = "pending"
	ReferralCommissionCalculated = "calculated"
)

// Billing cycles.
const (
	BillingMonthly = "monthly"
	BillingYearly  = "yearly"
)

// PartnerReferral is one tracked click/signup attributable to a partner.
type PartnerReferral struct {
	ID                uuid.UUID  `json:"id"`
	PartnerID         uuid.UUID  `json:"partnerId"`
	ReferredTenantID  *uuid.UUID `json:"referredTenantId,omitempty"`
	Status            string     `json:"status"`
	SubscriptionID    *string    `json:"subscriptionId,omitempty"`
	SubscriptionPlan  Plan       `json:"subscriptionPlan,omitempty"`
	SubscriptionValue float64    `json:"subscriptionValue"`
	BillingCycle      string     `json:"billingCycle,omitempty"`
	CommissionStatus  string     `json:"commissionStatus"`
	Source            string     `json:"source,omitempty"`
	LandingPage       string     `json:"landingPage,omitempty"`
	ClickedAt         time.Time  `json:"clickedAt"`
	RegisteredAt      *time.Time `json:"registeredAt,omitempty"`
	SubscribedAt      *time.Time `json:"subscribedAt,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// SubscriptionActivation is what billing reports when a referred tenant pays.
type SubscriptionActivation struct {
	SubscriptionID string  `json:"subscriptionId" binding:"required"`
	Plan           Plan    `json:"plan" binding:"required"`
	Amount         float64 `json:"amount" binding:"required"`
	BillingCycle   string  `json:"billingCycle"`
}
