// Package settings loads the commission program configuration from the
// settings store, falling back to built-in defaults per key.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/store"
)

// Setting names.
const (
	KeySignupRates      = "commission.signup_rates"
	KeyRecurringRates   = "commission.recurring_rates"
	KeyPlanMultipliers  = "commission.plan_multipliers"
	KeyYearlyMultiplier = "commission.yearly_multiplier"
	KeyBonusRules       = "commission.bonus_rules"
	KeyPaymentMinimum   = "commission.payment_minimum"
	KeyAutoApproval     = "commission.auto_approval"
	KeyTierThresholds   = "partners.tier_thresholds"
)

// Keys lists every setting the loader reads.
var Keys = []string{
	KeySignupRates, KeyRecurringRates, KeyPlanMultipliers, KeyYearlyMultiplier,
	KeyBonusRules, KeyPaymentMinimum, KeyAutoApproval, KeyTierThresholds,
}

// TierRates are percentages per partner tier.
type TierRates struct {
	Bronze float64 `json:"bronze" yaml:"bronze"`
	Silver float64 `json:"silver" yaml:"silver"`
	Gold   float64 `json:"gold" yaml:"gold"`
}

// For returns the rate of tier; unknown tiers get the bronze rate.
func (r TierRates) For(t models.Tier) float64 {
	switch t {
	case models.TierSilver:
		return r.Silver
	case models.TierGold:
		return r.Gold
	default:
		return r.Bronze
	}
}

// Bonus rule metrics.
const (
	MetricConversions    = "conversions"
	MetricReferrals      = "referrals"
	MetricRevenue        = "revenue"
	MetricConversionRate = "conversion_rate"
)

// BonusRule pays Bonus when Metric reaches Target in a month.
type BonusRule struct {
	Metric string  `json:"metric" yaml:"metric"`
	Target float64 `json:"target" yaml:"target"`
	Bonus  float64 `json:"bonus" yaml:"bonus"`
}

// AutoApproval tunes the monthly payment approval sweep.
type AutoApproval struct {
	MinAgeDays             int  `json:"min_age_days" yaml:"min_age_days"`
	RequireApprovedPartner bool `json:"require_approved_partner" yaml:"require_approved_partner"`
}

// Threshold is what a partner needs to reach a tier. Both parts must be met.
type Threshold struct {
	Conversions int     `json:"conversions" yaml:"conversions"`
	Commission  float64 `json:"commission" yaml:"commission"`
}

// TierThresholds are the silver and gold thresholds.
type TierThresholds struct {
	Silver Threshold `json:"silver" yaml:"silver"`
	Gold   Threshold `json:"gold" yaml:"gold"`
}

// Commission is the full program configuration.
type Commission struct {
	SignupRates      TierRates               `json:"signup_rates" yaml:"signup_rates"`
	RecurringRates   TierRates               `json:"recurring_rates" yaml:"recurring_rates"`
	PlanMultipliers  map[models.Plan]float64 `json:"plan_multipliers" yaml:"plan_multipliers"`
	YearlyMultiplier float64                 `json:"yearly_multiplier" yaml:"yearly_multiplier"`
	BonusRules       []BonusRule             `json:"bonus_rules" yaml:"bonus_rules"`
	PaymentMinimum   float64                 `json:"payment_minimum" yaml:"payment_minimum"`
	AutoApproval     AutoApproval            `json:"auto_approval" yaml:"auto_approval"`
	TierThresholds   TierThresholds          `json:"tier_thresholds" yaml:"tier_thresholds"`
}

// PlanMultiplier returns the plan's multiplier, 1.0 when unconfigured.
func (c Commission) PlanMultiplier(p models.Plan) float64 {
	if m, ok := c.PlanMultipliers[p]; ok {
		return m
	}
	return 1.0
}

// Defaults returns the built-in program configuration.
func Defaults() Commission {
	return Commission{
		SignupRates:    TierRates{Bronze: 10, Silver: 15, Gold: 20},
		RecurringRates: TierRates{Bronze: 5, Silver: 7.5, Gold: 10},
		PlanMultipliers: map[models.Plan]float64{
			models.PlanBasic:   1.0,
			models.PlanPro:     1.5,
			models.PlanPremium: 2.0,
		},
		YearlyMultiplier: 1.2,
		BonusRules: []BonusRule{
			{Metric: MetricConversions, Target: 10, Bonus: 100},
			{Metric: MetricRevenue, Target: 5000, Bonus: 250},
		},
		PaymentMinimum: 50,
		AutoApproval:   AutoApproval{MinAgeDays: 30, RequireApprovedPartner: true},
		TierThresholds: TierThresholds{
			Silver: Threshold{Conversions: 10, Commission: 1000},
			Gold:   Threshold{Conversions: 50, Commission: 5000},
		},
	}
}

// targets maps each key onto the field of c it fills.
func (c *Commission) targets() map[string]any {
	return map[string]any{
		KeySignupRates:      &c.SignupRates,
		KeyRecurringRates:   &c.RecurringRates,
		KeyPlanMultipliers:  &c.PlanMultipliers,
		KeyYearlyMultiplier: &c.YearlyMultiplier,
		KeyBonusRules:       &c.BonusRules,
		KeyPaymentMinimum:   &c.PaymentMinimum,
		KeyAutoApproval:     &c.AutoApproval,
		KeyTierThresholds:   &c.TierThresholds,
	}
}

// Values returns c split into per-key JSON values, ready for the settings store.
func (c Commission) Values() (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(Keys))
	for key, target := range c.targets() {
		b, err := json.Marshal(target)
		if err != nil {
			return nil, fmt.Errorf("settings %s: %w", key, err)
		}
		out[key] = b
	}
	return out, nil
}

// Provider is what the commission engine and partner aggregator read settings from.
type Provider interface {
	Commission(ctx context.Context) (Commission, error)
}

// Static is a fixed Provider.
type Static Commission

func (s Static) Commission(context.Context) (Commission, error) { return Commission(s), nil }

const cachePrefix = "ecocrm:settings:"

// Loader reads settings from the store through the cache.
type Loader struct {
	store store.SettingsStore
	cache Cache
	ttl   time.Duration
	log   *logrus.Entry
}

// NewLoader creates a Loader. A nil cache disables caching.
func NewLoader(st store.SettingsStore, cache Cache, ttl time.Duration, log *logrus.Entry) *Loader {
	if cache == nil {
		cache = NoOpCache{}
	}
	return &Loader{store: st, cache: cache, ttl: ttl, log: log.WithField("component", "settings")}
}

// Commission loads every key, keeping the default for keys that are not stored.
func (l *Loader) Commission(ctx context.Context) (Commission, error) {
	c := Defaults()
	for key, target := range c.targets() {
		raw, err := l.raw(ctx, key)
		if err != nil {
			return Commission{}, err
		}
		if raw == nil {
			continue
		}
		if err := json.Unmarshal(raw, target); err != nil {
			return Commission{}, fmt.Errorf("settings %s: %w", key, err)
		}
	}
	return c, nil
}

func (l *Loader) raw(ctx context.Context, key string) (json.RawMessage, error) {
	cached, err := l.cache.Get(ctx, cachePrefix+key)
	if err != nil {
		l.log.WithError(err).WithField("key", key).Warn("settings cache read failed")
	} else if cached != "" {
		return json.RawMessage(cached), nil
	}

	raw, err := l.store.GetSetting(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings %s: %w", key, err)
	}
	if err := l.cache.Set(ctx, cachePrefix+key, string(raw), l.ttl); err != nil {
		l.log.WithError(err).WithField("key", key).Warn("settings cache write failed")
	}
	return raw, nil
}

// Put stores one key and drops its cached copy.
func (l *Loader) Put(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("settings %s: %w", key, err)
	}
	if err := l.store.PutSetting(ctx, key, b); err != nil {
		return fmt.Errorf("settings %s: %w", key, err)
	}
	if err := l.cache.Delete(ctx, cachePrefix+key); err != nil {
		l.log.WithError(err).WithField("key", key).Warn("settings cache invalidation failed")
	}
	return nil
}
