package models

import (
	"time"

	"github.com/google/uuid"
)

// Analytics period types.
const (
	PeriodDaily   = "daily"
	PeriodMonthly = "monthly"
)

// PartnerAnalytics is a daily or monthly rollup of a partner's activity.
type PartnerAnalytics struct {
	ID               uuid.UUID `json:"id"`
	PartnerID        uuid.UUID `json:"partnerId"`
	PeriodType       string    `json:"periodType"`
	PeriodDate       time.Time `json:"periodDate"` // day, or first day of month
	Clicks           int       `json:"clicks"`
	Registrations    int       `json:"registrations"`
	Subscriptions    int       `json:"subscriptions"`
	Revenue          float64   `json:"revenue"`
	CommissionEarned float64   `json:"commissionEarned"`
	ConversionRate   float64   `json:"conversionRate"`
}

// AnalyticsDelta increments a daily rollup.
type AnalyticsDelta struct {
	Clicks        int
	Registrations int
	Subscriptions int
	Revenue       float64
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// MonthStart returns the first day of t's month, UTC.
func MonthStart(t time.Time) time.Time {
	y, m, _ := t.UTC().Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}
