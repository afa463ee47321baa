package partners

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/settings"
	"github.com/egor/ecocrm/store"
)

func within(t *time.Time, from, to time.Time) bool {
	return t != nil && !t.Before(from) && t.Before(to)
}

// rollup aggregates referrals and commissions into one analytics row for
// [from, to). Commissions count toward the period they reference.
func rollup(partnerID uuid.UUID, periodType string, from, to time.Time, refs []models.PartnerReferral, comms []models.PartnerCommission) models.PartnerAnalytics {
	a := models.PartnerAnalytics{PartnerID: partnerID, PeriodType: periodType, PeriodDate: from}
	for i := range refs {
		r := &refs[i]
		if within(&r.ClickedAt, from, to) {
			a.Clicks++
		}
		if within(r.RegisteredAt, from, to) {
			a.Registrations++
		}
		if within(r.SubscribedAt, from, to) {
			a.Subscriptions++
			a.Revenue += r.SubscriptionValue
		}
	}
	for _, c := range comms {
		ref := time.Date(c.ReferenceYear, time.Month(c.ReferenceMonth), 1, 0, 0, 0, 0, time.UTC)
		if c.ReferenceMonth == 0 {
			ref = c.CreatedAt
		}
		if within(&ref, from, to) {
			a.CommissionEarned += c.Amount
		}
	}
	a.Revenue = models.Round2(a.Revenue)
	a.CommissionEarned = models.Round2(a.CommissionEarned)
	a.ConversionRate = models.ConversionRate(a.Subscriptions, a.Clicks)
	return a
}

func (s *Service) partnerActivity(ctx context.Context, partnerID uuid.UUID) ([]models.PartnerReferral, []models.PartnerCommission, error) {
	refs, err := s.store.ListReferrals(ctx, store.ReferralFilter{PartnerID: &partnerID})
	if err != nil {
		return nil, nil, fmt.Errorf("list referrals: %w", err)
	}
	comms, err := s.store.ListCommissions(ctx, models.CommissionFilter{PartnerID: &partnerID})
	if err != nil {
		return nil, nil, fmt.Errorf("list commissions: %w", err)
	}
	return refs, comms, nil
}

// UpdatePartnerStats recomputes the lifetime and current month aggregates of
// a partner, refreshes its monthly analytics row and re-evaluates its tier.
func (s *Service) UpdatePartnerStats(ctx context.Context, partnerID uuid.UUID, now time.Time) (models.Partner, error) {
	p, err := s.Partner(ctx, partnerID)
	if err != nil {
		return models.Partner{}, err
	}
	refs, comms, err := s.partnerActivity(ctx, partnerID)
	if err != nil {
		return models.Partner{}, err
	}

	monthStart := models.MonthStart(now)
	monthEnd := monthStart.AddDate(0, 1, 0)
	month := rollup(partnerID, models.PeriodMonthly, monthStart, monthEnd, refs, comms)

	stats := models.PartnerStats{
		TotalReferrals:        len(refs),
		MonthReferrals:        month.Clicks,
		MonthConversions:      month.Subscriptions,
		MonthCommissionEarned: month.CommissionEarned,
		UpdatedAt:             now,
	}
	for _, r := range refs {
		if r.Status == models.ReferralSubscribed {
			stats.TotalConversions++
		}
	}
	for _, c := range comms {
		stats.TotalCommissionEarned += c.Amount
	}
	stats.TotalCommissionEarned = models.Round2(stats.TotalCommissionEarned)

	if err := s.store.UpdatePartnerStats(ctx, partnerID, stats); err != nil {
		return models.Partner{}, fmt.Errorf("update partner stats: %w", err)
	}
	if err := s.store.UpsertAnalytics(ctx, &month); err != nil {
		return models.Partner{}, fmt.Errorf("upsert monthly analytics: %w", err)
	}

	tier, _, err := s.CheckTierUpgrade(ctx, partnerID, stats.TotalConversions, stats.TotalCommissionEarned)
	if err != nil {
		return models.Partner{}, err
	}

	p.TotalReferrals = stats.TotalReferrals
	p.TotalConversions = stats.TotalConversions
	p.TotalCommissionEarned = stats.TotalCommissionEarned
	p.MonthReferrals = stats.MonthReferrals
	p.MonthConversions = stats.MonthConversions
	p.MonthCommissionEarned = stats.MonthCommissionEarned
	p.StatsUpdatedAt = &now
	p.Tier = tier
	return p, nil
}

// TierFor is the tier the totals qualify for. Gold is checked first.
func TierFor(t settings.TierThresholds, conversions int, commission float64) models.Tier {
	switch {
	case conversions >= t.Gold.Conversions && commission >= t.Gold.Commission:
		return models.TierGold
	case conversions >= t.Silver.Conversions && commission >= t.Silver.Commission:
		return models.TierSilver
	}
	return models.TierBronze
}

// CheckTierUpgrade writes the qualifying tier when it differs from the current
// one. It returns the partner's tier after the check and whether it changed.
func (s *Service) CheckTierUpgrade(ctx context.Context, partnerID uuid.UUID, totalConversions int, totalCommission float64) (models.Tier, bool, error) {
	p, err := s.Partner(ctx, partnerID)
	if err != nil {
		return "", false, err
	}
	cfg, err := s.settings.Commission(ctx)
	if err != nil {
		return "", false, fmt.Errorf("load commission settings: %w", err)
	}

	next := TierFor(cfg.TierThresholds, totalConversions, totalCommission)
	if next == p.Tier {
		return p.Tier, false, nil
	}
	log := s.log.WithFields(logrus.Fields{"partner_id": partnerID, "from": p.Tier, "to": next})
	if s.opts.MonotonicTiers && next.Rank() < p.Tier.Rank() {
		log.Warn("Tier downgrade held for review")
		return p.Tier, false, nil
	}
	if err := s.store.UpdatePartnerTier(ctx, partnerID, next); err != nil {
		return "", false, fmt.Errorf("update partner tier: %w", err)
	}
	log.Info("Partner tier changed")
	return next, true, nil
}

// SweepResult counts a per-partner batch run.
type SweepResult struct {
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

func (r *SweepResult) fail(id uuid.UUID, err error) {
	r.Failed++
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", id, err))
}

func (s *Service) eachApproved(ctx context.Context, fn func(models.Partner) error) (SweepResult, error) {
	var res SweepResult
	list, err := s.store.ListPartners(ctx, models.PartnerApproved)
	if err != nil {
		return res, fmt.Errorf("list partners: %w", err)
	}
	for _, p := range list {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Processed++
		if err := fn(p); err != nil {
			s.log.WithError(err).WithField("partner_id", p.ID).Error("partner sweep item failed")
			res.fail(p.ID, err)
		}
	}
	return res, nil
}

// UpdateAllPartnerStats refreshes every approved partner. One partner failing
// does not stop the others.
func (s *Service) UpdateAllPartnerStats(ctx context.Context, now time.Time) (SweepResult, error) {
	return s.eachApproved(ctx, func(p models.Partner) error {
		_, err := s.UpdatePartnerStats(ctx, p.ID, now)
		return err
	})
}

// RefreshMonthlyAnalytics rebuilds the monthly analytics row of the month
// containing month from the partner's raw activity.
func (s *Service) RefreshMonthlyAnalytics(ctx context.Context, partnerID uuid.UUID, month time.Time) (models.PartnerAnalytics, error) {
	refs, comms, err := s.partnerActivity(ctx, partnerID)
	if err != nil {
		return models.PartnerAnalytics{}, err
	}
	from := models.MonthStart(month)
	a := rollup(partnerID, models.PeriodMonthly, from, from.AddDate(0, 1, 0), refs, comms)
	if err := s.store.UpsertAnalytics(ctx, &a); err != nil {
		return models.PartnerAnalytics{}, fmt.Errorf("upsert monthly analytics: %w", err)
	}
	return a, nil
}

// RefreshAllMonthlyAnalytics rebuilds the month for every approved partner.
func (s *Service) RefreshAllMonthlyAnalytics(ctx context.Context, month time.Time) (SweepResult, error) {
	return s.eachApproved(ctx, func(p models.Partner) error {
		_, err := s.RefreshMonthlyAnalytics(ctx, p.ID, month)
		return err
	})
}

// Totals are the counters of a report.
type Totals struct {
	Clicks             int     `json:"clicks"`
	Registrations      int     `json:"registrations"`
	Subscriptions      int     `json:"subscriptions"`
	Revenue            float64 `json:"revenue"`
	ConversionRate     float64 `json:"conversionRate"`
	Commission         float64 `json:"commission"`
	CommissionPending  float64 `json:"commissionPending"`
	CommissionApproved float64 `json:"commissionApproved"`
	CommissionPaid     float64 `json:"commissionPaid"`
}

func (t *Totals) addCommission(c models.PartnerCommission) {
	t.Commission += c.Amount
	switch c.Status {
	case models.CommissionPending:
		t.CommissionPending += c.Amount
	case models.CommissionApproved:
		t.CommissionApproved += c.Amount
	case models.CommissionPaid:
		t.CommissionPaid += c.Amount
	}
}

func (t *Totals) round() {
	t.Revenue = models.Round2(t.Revenue)
	t.Commission = models.Round2(t.Commission)
	t.CommissionPending = models.Round2(t.CommissionPending)
	t.CommissionApproved = models.Round2(t.CommissionApproved)
	t.CommissionPaid = models.Round2(t.CommissionPaid)
	t.ConversionRate = models.ConversionRate(t.Subscriptions, t.Clicks)
}

// PartnerLine is one partner's slice of a report.
type PartnerLine struct {
	PartnerID uuid.UUID   `json:"partnerId"`
	Name      string      `json:"name"`
	Code      string      `json:"partnerCode"`
	Tier      models.Tier `json:"commissionTier"`
	Totals
}

// Report summarises program activity in [From, To).
type Report struct {
	From             time.Time                         `json:"from"`
	To               time.Time                         `json:"to"`
	Totals           Totals                            `json:"totals"`
	CommissionByType map[models.CommissionType]float64 `json:"commissionByType"`
	Partners         []PartnerLine                     `json:"partners"`
}

// GenerateReport aggregates clicks, conversions and commissions in [from, to).
// Partners are ordered by commission, highest first.
func (s *Service) GenerateReport(ctx context.Context, from, to time.Time) (Report, error) {
	if !from.Before(to) {
		return Report{}, models.NewError(models.KindValidation, "report range is empty", nil)
	}
	partners, err := s.store.ListPartners(ctx, "")
	if err != nil {
		return Report{}, fmt.Errorf("list partners: %w", err)
	}
	refs, err := s.store.ListReferrals(ctx, store.ReferralFilter{})
	if err != nil {
		return Report{}, fmt.Errorf("list referrals: %w", err)
	}
	comms, err := s.store.ListCommissions(ctx, models.CommissionFilter{From: &from, To: &to})
	if err != nil {
		return Report{}, fmt.Errorf("list commissions: %w", err)
	}

	rep := Report{From: from, To: to, CommissionByType: map[models.CommissionType]float64{}}
	lines := make(map[uuid.UUID]*PartnerLine, len(partners))
	for _, p := range partners {
		lines[p.ID] = &PartnerLine{PartnerID: p.ID, Name: p.Name, Code: p.PartnerCode, Tier: p.Tier}
	}
	line := func(id uuid.UUID) *PartnerLine {
		l, ok := lines[id]
		if !ok {
			l = &PartnerLine{PartnerID: id}
			lines[id] = l
		}
		return l
	}

	for i := range refs {
		r := &refs[i]
		l := line(r.PartnerID)
		for _, t := range []*Totals{&rep.Totals, &l.Totals} {
			if within(&r.ClickedAt, from, to) {
				t.Clicks++
			}
			if within(r.RegisteredAt, from, to) {
				t.Registrations++
			}
			if within(r.SubscribedAt, from, to) {
				t.Subscriptions++
				t.Revenue += r.SubscriptionValue
			}
		}
	}
	for _, c := range comms {
		rep.Totals.addCommission(c)
		line(c.PartnerID).addCommission(c)
		rep.CommissionByType[c.Type] = models.Round2(rep.CommissionByType[c.Type] + c.Amount)
	}

	rep.Totals.round()
	rep.Partners = make([]PartnerLine, 0, len(lines))
	for _, l := range lines {
		if l.Clicks == 0 && l.Registrations == 0 && l.Subscriptions == 0 && l.Commission == 0 {
			continue
		}
		l.round()
		rep.Partners = append(rep.Partners, *l)
	}
	sort.Slice(rep.Partners, func(i, j int) bool {
		a, b := rep.Partners[i], rep.Partners[j]
		if a.Commission != b.Commission {
			return a.Commission > b.Commission
		}
		return a.PartnerID.String() < b.PartnerID.String()
	})
	return rep, nil
}

// Periods accepted by GetStats.
const (
	PeriodWeek  = "week"
	PeriodMonth = "month"
	PeriodYear  = "year"
)

// Stats is the dashboard summary of a period ending now.
type Stats struct {
	Period           string `json:"period"`
	TotalPartners    int    `json:"totalPartners"`
	ApprovedPartners int    `json:"approvedPartners"`
	PendingPartners  int    `json:"pendingPartners"`
	Report
}

const topPartners = 10

// PeriodStart is where a stats period ending at now begins.
func PeriodStart(period string, now time.Time) (time.Time, error) {
	now = now.UTC()
	switch period {
	case PeriodWeek:
		return models.Day(now).AddDate(0, 0, -7), nil
	case PeriodMonth:
		return models.MonthStart(now), nil
	case PeriodYear:
		return time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, models.NewError(models.KindValidation, "period must be week, month or year", nil)
}

// GetStats reports the period up to now with the top partners only.
func (s *Service) GetStats(ctx context.Context, period string, now time.Time) (Stats, error) {
	from, err := PeriodStart(period, now)
	if err != nil {
		return Stats{}, err
	}
	rep, err := s.GenerateReport(ctx, from, now.UTC().Add(time.Nanosecond))
	if err != nil {
		return Stats{}, err
	}
	if len(rep.Partners) > topPartners {
		rep.Partners = rep.Partners[:topPartners]
	}

	partners, err := s.store.ListPartners(ctx, "")
	if err != nil {
		return Stats{}, fmt.Errorf("list partners: %w", err)
	}
	st := Stats{Period: period, TotalPartners: len(partners), Report: rep}
	for _, p := range partners {
		switch p.Status {
		case models.PartnerApproved:
			st.ApprovedPartners++
		case models.PartnerPending:
			st.PendingPartners++
		}
	}
	return st, nil
}

// ErrNoActivity is returned by WeeklySummary when the week had nothing to report.
var ErrNoActivity = errors.New("partners: no activity")

// WeeklySummary is the report of the seven days before now.
func (s *Service) WeeklySummary(ctx context.Context, now time.Time) (Report, error) {
	to := models.Day(now)
	rep, err := s.GenerateReport(ctx, to.AddDate(0, 0, -7), to)
	if err != nil {
		return Report{}, err
	}
	if rep.Totals.Clicks == 0 && rep.Totals.Subscriptions == 0 && rep.Totals.Commission == 0 {
		return rep, ErrNoActivity
	}
	return rep, nil
}
