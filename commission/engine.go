// Package commission calculates partner commissions. The Engine only computes;
// Service persists what the Engine returns and drives the batch sweeps.
package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/settings"
	"github.com/egor/ecocrm/store"
)

// Outcome says what a calculation produced.
type Outcome string

const (
	OutcomeCalculated       Outcome = "calculated"
	OutcomeDuplicateSkipped Outcome = "duplicate_skipped"
	OutcomeNoCommission     Outcome = "no_commission"
)

// Result is a calculated commission descriptor. Commission is only meaningful
// when Outcome is OutcomeCalculated.
type Result struct {
	Outcome    Outcome
	Commission models.PartnerCommission
}

// Subscription is what a signup commission is computed from.
type Subscription struct {
	Plan         models.Plan
	Amount       float64
	BillingCycle string
}

// Period is one billing period of a recurring commission.
type Period struct {
	Amount float64
	Month  int
	Year   int
}

// Reader is what the engine reads before calculating.
type Reader interface {
	FindRecurringCommission(ctx context.Context, partnerID, referralID uuid.UUID, month, year int) (models.PartnerCommission, error)
	FindBonusCommission(ctx context.Context, partnerID uuid.UUID, month, year int) (models.PartnerCommission, error)
	GetAnalytics(ctx context.Context, partnerID uuid.UUID, periodType string, periodDate time.Time) (models.PartnerAnalytics, error)
}

// Engine computes commissions. It never writes.
type Engine struct {
	settings settings.Provider
	reader   Reader
}

func NewEngine(p settings.Provider, r Reader) *Engine {
	return &Engine{settings: p, reader: r}
}

// SignupRate is the partner's custom rate or its tier's signup rate.
func SignupRate(cfg settings.Commission, p models.Partner) float64 {
	if p.CustomCommissionRate != nil {
		return *p.CustomCommissionRate
	}
	return cfg.SignupRates.For(p.Tier)
}

// RecurringRate is half the custom rate or the tier's recurring rate.
func RecurringRate(cfg settings.Commission, p models.Partner) float64 {
	if p.CustomCommissionRate != nil {
		return *p.CustomCommissionRate * 0.5
	}
	return cfg.RecurringRates.For(p.Tier)
}

// Signup computes a signup commission. Yearly subscriptions get the yearly
// multiplier before the plan multiplier.
func Signup(cfg settings.Commission, p models.Partner, sub Subscription) Result {
	if sub.Amount <= 0 {
		return Result{Outcome: OutcomeNoCommission}
	}
	base := sub.Amount
	if sub.BillingCycle == models.BillingYearly {
		base *= cfg.YearlyMultiplier
	}
	base *= cfg.PlanMultiplier(sub.Plan)
	rate := SignupRate(cfg, p)

	return Result{
		Outcome: OutcomeCalculated,
		Commission: models.PartnerCommission{
			PartnerID:   p.ID,
			Type:        models.CommissionSignup,
			BaseAmount:  models.Round2(base),
			Rate:        rate,
			Amount:      models.Round2(base * rate / 100),
			Status:      models.CommissionPending,
			Description: fmt.Sprintf("Signup commission for %s %s plan", sub.BillingCycle, sub.Plan),
		},
	}
}

// Recurring computes a recurring commission without checking for duplicates.
func Recurring(cfg settings.Commission, p models.Partner, ref models.PartnerReferral, period Period) Result {
	if period.Amount <= 0 {
		return Result{Outcome: OutcomeNoCommission}
	}
	rate := RecurringRate(cfg, p)
	refID := ref.ID
	return Result{
		Outcome: OutcomeCalculated,
		Commission: models.PartnerCommission{
			PartnerID:      p.ID,
			ReferralID:     &refID,
			Type:           models.CommissionRecurring,
			BaseAmount:     models.Round2(period.Amount),
			Rate:           rate,
			Amount:         models.Round2(period.Amount * rate / 100),
			Status:         models.CommissionPending,
			ReferenceMonth: period.Month,
			ReferenceYear:  period.Year,
			Description:    fmt.Sprintf("Recurring commission %02d/%d", period.Month, period.Year),
		},
	}
}

// MetricValue reads a bonus rule metric off a monthly analytics row.
func MetricValue(a models.PartnerAnalytics, metric string) (float64, bool) {
	switch metric {
	case settings.MetricConversions:
		return float64(a.Subscriptions), true
	case settings.MetricReferrals:
		return float64(a.Clicks), true
	case settings.MetricRevenue:
		return a.Revenue, true
	case settings.MetricConversionRate:
		return a.ConversionRate, true
	}
	return 0, false
}

// Bonus sums the bonus of every rule whose target the month reached.
func Bonus(cfg settings.Commission, p models.Partner, a models.PartnerAnalytics, month, year int) Result {
	var total float64
	for _, rule := range cfg.BonusRules {
		v, ok := MetricValue(a, rule.Metric)
		if ok && v >= rule.Target {
			total += rule.Bonus
		}
	}
	if total <= 0 {
		return Result{Outcome: OutcomeNoCommission}
	}
	return Result{
		Outcome: OutcomeCalculated,
		Commission: models.PartnerCommission{
			PartnerID:      p.ID,
			Type:           models.CommissionBonus,
			BaseAmount:     models.Round2(total),
			Rate:           100,
			Amount:         models.Round2(total),
			Status:         models.CommissionPending,
			ReferenceMonth: month,
			ReferenceYear:  year,
			Description:    fmt.Sprintf("Performance bonus %02d/%d", month, year),
		},
	}
}

// CalculateSignupCommission computes the signup commission of a subscription.
func (e *Engine) CalculateSignupCommission(ctx context.Context, p models.Partner, sub Subscription) (Result, error) {
	cfg, err := e.settings.Commission(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load commission settings: %w", err)
	}
	return Signup(cfg, p, sub), nil
}

// CalculateRecurringCommission computes the commission of one period, or
// OutcomeDuplicateSkipped when the period already has one. The check is a
// fast path; the store's unique key is what guarantees a single row.
func (e *Engine) CalculateRecurringCommission(ctx context.Context, p models.Partner, ref models.PartnerReferral, period Period) (Result, error) {
	_, err := e.reader.FindRecurringCommission(ctx, p.ID, ref.ID, period.Month, period.Year)
	if err == nil {
		return Result{Outcome: OutcomeDuplicateSkipped}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("check recurring commission: %w", err)
	}
	cfg, err := e.settings.Commission(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load commission settings: %w", err)
	}
	return Recurring(cfg, p, ref, period), nil
}

// CalculateBonusCommission evaluates the bonus rules against the partner's
// monthly analytics. A month without analytics yields OutcomeNoCommission.
func (e *Engine) CalculateBonusCommission(ctx context.Context, p models.Partner, month, year int) (Result, error) {
	_, err := e.reader.FindBonusCommission(ctx, p.ID, month, year)
	if err == nil {
		return Result{Outcome: OutcomeDuplicateSkipped}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("check bonus commission: %w", err)
	}

	periodDate := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	a, err := e.reader.GetAnalytics(ctx, p.ID, models.PeriodMonthly, periodDate)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Outcome: OutcomeNoCommission}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("load monthly analytics: %w", err)
	}
	cfg, err := e.settings.Commission(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load commission settings: %w", err)
	}
	return Bonus(cfg, p, a, month, year), nil
}
