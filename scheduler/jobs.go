package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/egor/ecocrm/commission"
	"github.com/egor/ecocrm/config"
	"github.com/egor/ecocrm/events"
	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/partners"
)

// Job names.
const (
	JobPendingCommissions   = "pending_commissions"
	JobStatsRefresh         = "stats_refresh"
	JobRecurringCommissions = "recurring_commissions"
	JobBonusCommissions     = "bonus_commissions"
	JobPaymentApproval      = "payment_approval"
	JobRetention            = "retention"
	JobWeeklyReport         = "weekly_report"
)

// Commissions is the commission side of the batch work.
type Commissions interface {
	ProcessAllPendingCommissions(ctx context.Context) (commission.BatchReport, error)
	ProcessRecurringCommissions(ctx context.Context, now time.Time) (commission.BatchReport, error)
	ProcessBonusCommissions(ctx context.Context, month, year int) (commission.BatchReport, error)
	AutoApprove(ctx context.Context, now time.Time) (commission.BatchReport, error)
}

// Partners is the partner program side of the batch work.
type Partners interface {
	UpdateAllPartnerStats(ctx context.Context, now time.Time) (partners.SweepResult, error)
	RefreshAllMonthlyAnalytics(ctx context.Context, month time.Time) (partners.SweepResult, error)
	RunRetention(ctx context.Context, now time.Time) (partners.RetentionResult, error)
	WeeklySummary(ctx context.Context, now time.Time) (partners.Report, error)
}

// Deps are what the standard jobs run against.
type Deps struct {
	Commissions Commissions
	Partners    Partners
	Publisher   events.Publisher
	Now         func() time.Time
	Log         *logrus.Entry
}

func batchFields(r commission.BatchReport) logrus.Fields {
	return logrus.Fields{
		"processed":  r.Processed,
		"calculated": r.Calculated,
		"skipped":    r.Skipped,
		"failed":     r.Failed,
		"amount":     r.Amount,
	}
}

func sweepFields(r partners.SweepResult) logrus.Fields {
	return logrus.Fields{"processed": r.Processed, "failed": r.Failed}
}

// Jobs builds the standard job set with the configured schedules.
func Jobs(cfg config.SchedulerConfig, d Deps) []Job {
	now := d.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	pub := d.Publisher
	if pub == nil {
		pub = events.Noop{}
	}
	log := d.Log

	return []Job{
		{
			Name:     JobPendingCommissions,
			Schedule: cfg.PendingCommissions,
			Run: func(ctx context.Context) error {
				r, err := d.Commissions.ProcessAllPendingCommissions(ctx)
				log.WithField("job", JobPendingCommissions).WithFields(batchFields(r)).Info("Pending commissions processed")
				return err
			},
		},
		{
			Name:     JobStatsRefresh,
			Schedule: cfg.StatsRefresh,
			Run: func(ctx context.Context) error {
				r, err := d.Partners.UpdateAllPartnerStats(ctx, now())
				log.WithField("job", JobStatsRefresh).WithFields(sweepFields(r)).Info("Partner stats refreshed")
				return err
			},
		},
		{
			Name:     JobRecurringCommissions,
			Schedule: cfg.RecurringCommissions,
			Run: func(ctx context.Context) error {
				r, err := d.Commissions.ProcessRecurringCommissions(ctx, now())
				log.WithField("job", JobRecurringCommissions).WithFields(batchFields(r)).Info("Recurring commissions processed")
				return err
			},
		},
		{
			Name:     JobBonusCommissions,
			Schedule: cfg.BonusCommissions,
			Run: func(ctx context.Context) error {
				prev := models.MonthStart(now()).AddDate(0, -1, 0)
				if _, err := d.Partners.RefreshAllMonthlyAnalytics(ctx, prev); err != nil {
					return fmt.Errorf("refresh monthly analytics: %w", err)
				}
				r, err := d.Commissions.ProcessBonusCommissions(ctx, int(prev.Month()), prev.Year())
				log.WithField("job", JobBonusCommissions).WithFields(batchFields(r)).
					WithField("month", prev.Format("2006-01")).Info("Bonus commissions processed")
				return err
			},
		},
		{
			Name:     JobPaymentApproval,
			Schedule: cfg.PaymentApproval,
			Run: func(ctx context.Context) error {
				r, err := d.Commissions.AutoApprove(ctx, now())
				log.WithField("job", JobPaymentApproval).WithFields(batchFields(r)).Info("Payment approval sweep finished")
				return err
			},
		},
		{
			Name:     JobRetention,
			Schedule: cfg.Retention,
			Run: func(ctx context.Context) error {
				_, err := d.Partners.RunRetention(ctx, now())
				return err
			},
		},
		{
			Name:     JobWeeklyReport,
			Schedule: cfg.WeeklyReport,
			Run: func(ctx context.Context) error {
				rep, err := d.Partners.WeeklySummary(ctx, now())
				if errors.Is(err, partners.ErrNoActivity) {
					log.WithField("job", JobWeeklyReport).Info("No partner activity this week")
					return nil
				}
				if err != nil {
					return err
				}
				log.WithFields(logrus.Fields{
					"job":           JobWeeklyReport,
					"from":          rep.From.Format(time.DateOnly),
					"to":            rep.To.Format(time.DateOnly),
					"clicks":        rep.Totals.Clicks,
					"subscriptions": rep.Totals.Subscriptions,
					"revenue":       rep.Totals.Revenue,
					"commission":    rep.Totals.Commission,
				}).Info("Weekly partner report")
				if err := pub.Publish(ctx, events.New(events.ReportWeekly, "", rep)); err != nil {
					log.WithError(err).Warn("weekly report event not published")
				}
				return nil
			},
		},
	}
}

// RegisterAll registers jobs, stopping at the first bad one.
func (s *Scheduler) RegisterAll(jobs []Job) error {
	for _, j := range jobs {
		if err := s.Register(j); err != nil {
			return err
		}
	}
	return nil
}
