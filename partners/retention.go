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
	"github.com/egor/ecocrm/store"
)

// Retention windows.
const (
	ClickedReferralTTL = 90 * 24 * time.Hour
	DailyAnalyticsTTL  = 1 // years
	ConsolidateAfter   = 3 // months
)

// RetentionResult counts what a retention run removed or merged.
type RetentionResult struct {
	ReferralsDeleted   int64    `json:"referralsDeleted"`
	DailyRowsDeleted   int64    `json:"dailyRowsDeleted"`
	MonthsConsolidated int      `json:"monthsConsolidated"`
	DailyRowsMerged    int      `json:"dailyRowsMerged"`
	Failed             int      `json:"failed"`
	Errors             []string `json:"errors,omitempty"`
}

type monthKey struct {
	partner uuid.UUID
	month   time.Time
}

// RunRetention drops stale clicked referrals and old daily analytics, then
// folds daily rows of whole months older than the consolidation window into
// one monthly row each. A month that fails to merge is left for the next run.
func (s *Service) RunRetention(ctx context.Context, now time.Time) (RetentionResult, error) {
	var res RetentionResult
	now = now.UTC()

	n, err := s.store.DeleteReferralsBefore(ctx, models.ReferralClicked, now.Add(-ClickedReferralTTL))
	if err != nil {
		return res, fmt.Errorf("delete stale referrals: %w", err)
	}
	res.ReferralsDeleted = n

	n, err = s.store.DeleteDailyAnalyticsBefore(ctx, models.Day(now.AddDate(-DailyAnalyticsTTL, 0, 0)))
	if err != nil {
		return res, fmt.Errorf("delete old daily analytics: %w", err)
	}
	res.DailyRowsDeleted = n

	cutoff := models.MonthStart(now.AddDate(0, -ConsolidateAfter, 0))
	rows, err := s.store.ListDailyAnalyticsBefore(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("list daily analytics: %w", err)
	}

	groups := make(map[monthKey][]models.PartnerAnalytics)
	for _, r := range rows {
		k := monthKey{partner: r.PartnerID, month: models.MonthStart(r.PeriodDate)}
		groups[k] = append(groups[k], r)
	}
	keys := make([]monthKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].month.Equal(keys[j].month) {
			return keys[i].month.Before(keys[j].month)
		}
		return keys[i].partner.String() < keys[j].partner.String()
	})

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		monthly, ids := Consolidate(k.partner, k.month, groups[k])
		err := s.mergeMonthly(ctx, &monthly)
		if err == nil {
			err = s.store.ReplaceDailyWithMonthly(ctx, &monthly, ids)
		}
		if err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"partner_id": k.partner,
				"month":      k.month.Format("2006-01"),
			}).Error("analytics consolidation failed")
			res.Failed++
			res.Errors = append(res.Errors, fmt.Sprintf("%s %s: %v", k.partner, k.month.Format("2006-01"), err))
			continue
		}
		res.MonthsConsolidated++
		res.DailyRowsMerged += len(ids)
	}

	s.log.WithFields(logrus.Fields{
		"referrals_deleted":   res.ReferralsDeleted,
		"daily_deleted":       res.DailyRowsDeleted,
		"months_consolidated": res.MonthsConsolidated,
		"failed":              res.Failed,
	}).Info("Retention run finished")
	return res, nil
}

// mergeMonthly carries over the commission already booked on an existing
// monthly row. Daily rows never hold commissions, so the daily sums only
// replace the traffic counters.
func (s *Service) mergeMonthly(ctx context.Context, monthly *models.PartnerAnalytics) error {
	existing, err := s.store.GetAnalytics(ctx, monthly.PartnerID, models.PeriodMonthly, monthly.PeriodDate)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load monthly analytics: %w", err)
	}
	monthly.ID = existing.ID
	monthly.CommissionEarned = models.Round2(existing.CommissionEarned + monthly.CommissionEarned)
	return nil
}

// Consolidate sums daily rows into the monthly row of month and returns the
// ids of the rows it consumed.
func Consolidate(partnerID uuid.UUID, month time.Time, daily []models.PartnerAnalytics) (models.PartnerAnalytics, []uuid.UUID) {
	m := models.PartnerAnalytics{
		PartnerID:  partnerID,
		PeriodType: models.PeriodMonthly,
		PeriodDate: models.MonthStart(month),
	}
	ids := make([]uuid.UUID, 0, len(daily))
	for _, d := range daily {
		m.Clicks += d.Clicks
		m.Registrations += d.Registrations
		m.Subscriptions += d.Subscriptions
		m.Revenue += d.Revenue
		m.CommissionEarned += d.CommissionEarned
		ids = append(ids, d.ID)
	}
	m.Revenue = models.Round2(m.Revenue)
	m.CommissionEarned = models.Round2(m.CommissionEarned)
	m.ConversionRate = models.ConversionRate(m.Subscriptions, m.Clicks)
	return m, ids
}
