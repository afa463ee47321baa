package commission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/egor/ecocrm/events"
	"github.com/egor/ecocrm/metrics"
	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/settings"
	"github.com/egor/ecocrm/store"
)

// Store is the persistence the service needs.
type Store interface {
	store.PartnerStore
	store.CommissionStore
	GetAnalytics(ctx context.Context, partnerID uuid.UUID, periodType string, periodDate time.Time) (models.PartnerAnalytics, error)
}

// Options tune the service.
type Options struct {
	// LegacyTransitions lets approve and pay move commissions from any state.
	LegacyTransitions bool
}

// BatchReport summarizes one sweep. Failures are per item; the sweep goes on.
type BatchReport struct {
	Processed  int      `json:"processed"`
	Calculated int      `json:"calculated"`
	Skipped    int      `json:"skipped"`
	Failed     int      `json:"failed"`
	Amount     float64  `json:"amount"`
	Errors     []string `json:"errors,omitempty"`
}

func (r *BatchReport) fail(id uuid.UUID, err error) {
	r.Failed++
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", id, err))
}

// Service persists engine results and runs the commission sweeps.
type Service struct {
	engine   *Engine
	store    Store
	settings settings.Provider
	events   events.Publisher
	metrics  *metrics.Metrics
	opts     Options
	log      *logrus.Entry
	now      func() time.Time
}

func NewService(st Store, p settings.Provider, pub events.Publisher, m *metrics.Metrics, opts Options, log *logrus.Entry) *Service {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Service{
		engine:   NewEngine(p, st),
		store:    st,
		settings: p,
		events:   pub,
		metrics:  m,
		opts:     opts,
		log:      log.WithField("component", "commission"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Engine exposes the calculator the service persists from.
func (s *Service) Engine() *Engine { return s.engine }

// persist inserts a calculated commission. A unique key hit means another
// run got there first and is reported as OutcomeDuplicateSkipped.
func (s *Service) persist(ctx context.Context, res Result) (Result, error) {
	if res.Outcome != OutcomeCalculated {
		s.metrics.Commission(string(res.Commission.Type), string(res.Outcome), 0)
		return res, nil
	}
	c := res.Commission
	err := s.store.InsertCommission(ctx, &c)
	if errors.Is(err, store.ErrConflict) {
		s.metrics.Commission(string(c.Type), string(OutcomeDuplicateSkipped), 0)
		return Result{Outcome: OutcomeDuplicateSkipped}, nil
	}
	if err != nil {
		s.metrics.Commission(string(c.Type), "error", 0)
		return Result{}, fmt.Errorf("insert %s commission: %w", c.Type, err)
	}

	s.metrics.Commission(string(c.Type), string(OutcomeCalculated), c.Amount)
	if err := s.events.Publish(ctx, events.New(events.CommissionCalculated, "", c)); err != nil {
		s.log.WithError(err).WithField("commission_id", c.ID).Warn("failed to publish commission event")
	}
	s.log.WithFields(logrus.Fields{
		"commission_id": c.ID,
		"partner_id":    c.PartnerID,
		"type":          c.Type,
		"amount":        c.Amount,
	}).Info("Commission calculated")
	return Result{Outcome: OutcomeCalculated, Commission: c}, nil
}

// ProcessAllPendingCommissions computes the signup commission of every
// subscribed referral still pending and marks it calculated.
func (s *Service) ProcessAllPendingCommissions(ctx context.Context) (BatchReport, error) {
	refs, err := s.store.ListReferrals(ctx, store.ReferralFilter{
		Status:           models.ReferralSubscribed,
		CommissionStatus: models.ReferralCommissionPending,
	})
	if err != nil {
		return BatchReport{}, fmt.Errorf("list pending referrals: %w", err)
	}

	var report BatchReport
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Processed++
		res, err := s.processSignup(ctx, ref)
		if err != nil {
			s.log.WithError(err).WithField("referral_id", ref.ID).Error("Signup commission failed")
			report.fail(ref.ID, err)
			continue
		}
		switch res.Outcome {
		case OutcomeCalculated:
			report.Calculated++
			report.Amount += res.Commission.Amount
		default:
			report.Skipped++
		}
	}
	report.Amount = models.Round2(report.Amount)
	return report, nil
}

func (s *Service) processSignup(ctx context.Context, ref models.PartnerReferral) (Result, error) {
	partner, err := s.store.GetPartner(ctx, ref.PartnerID)
	if err != nil {
		return Result{}, fmt.Errorf("load partner: %w", err)
	}
	res, err := s.engine.CalculateSignupCommission(ctx, partner, Subscription{
		Plan:         ref.SubscriptionPlan,
		Amount:       ref.SubscriptionValue,
		BillingCycle: ref.BillingCycle,
	})
	if err != nil {
		return Result{}, err
	}
	if res.Outcome == OutcomeCalculated {
		at := s.now()
		if ref.SubscribedAt != nil {
			at = ref.SubscribedAt.UTC()
		}
		refID := ref.ID
		res.Commission.ReferralID = &refID
		res.Commission.ReferenceMonth = int(at.Month())
		res.Commission.ReferenceYear = at.Year()
	}
	res, err = s.persist(ctx, res)
	if err != nil {
		return Result{}, err
	}
	if err := s.store.SetReferralCommissionStatus(ctx, ref.ID, models.ReferralCommissionCalculated); err != nil {
		return Result{}, fmt.Errorf("mark referral calculated: %w", err)
	}
	return res, nil
}

// periodAmount is the billed amount of one month of the subscription.
func periodAmount(ref models.PartnerReferral) float64 {
	if ref.BillingCycle == models.BillingYearly {
		return models.Round2(ref.SubscriptionValue / 12)
	}
	return ref.SubscriptionValue
}

// ProcessRecurringCommissions computes this month's recurring commission of
// every subscribed referral. Running it twice in a month is safe.
func (s *Service) ProcessRecurringCommissions(ctx context.Context, now time.Time) (BatchReport, error) {
	refs, err := s.store.ListReferrals(ctx, store.ReferralFilter{
		Status:           models.ReferralSubscribed,
		WithSubscription: true,
	})
	if err != nil {
		return BatchReport{}, fmt.Errorf("list subscribed referrals: %w", err)
	}

	month, year := int(now.Month()), now.Year()
	var report BatchReport
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		// the signup commission covers the month of subscription
		if ref.SubscribedAt != nil && models.MonthStart(*ref.SubscribedAt).Equal(models.MonthStart(now)) {
			continue
		}
		report.Processed++
		res, err := s.recurring(ctx, ref, month, year)
		if err != nil {
			s.log.WithError(err).WithField("referral_id", ref.ID).Error("Recurring commission failed")
			report.fail(ref.ID, err)
			continue
		}
		if res.Outcome == OutcomeCalculated {
			report.Calculated++
			report.Amount += res.Commission.Amount
		} else {
			report.Skipped++
		}
	}
	report.Amount = models.Round2(report.Amount)
	return report, nil
}

// ProcessRecurringForReferral computes and stores one referral's recurring
// commission for the given month.
func (s *Service) ProcessRecurringForReferral(ctx context.Context, referralID uuid.UUID, month, year int) (Result, error) {
	if month < 1 || month > 12 {
		return Result{}, models.NewError(models.KindValidation, "month must be 1-12", nil)
	}
	ref, err := s.store.GetReferral(ctx, referralID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, models.NewError(models.KindNotFound, "referral not found", err)
	}
	if err != nil {
		return Result{}, fmt.Errorf("load referral: %w", err)
	}
	if ref.Status != models.ReferralSubscribed {
		return Result{}, models.NewError(models.KindInvalidTransition, "referral has no active subscription", nil)
	}
	return s.recurring(ctx, ref, month, year)
}

func (s *Service) recurring(ctx context.Context, ref models.PartnerReferral, month, year int) (Result, error) {
	partner, err := s.store.GetPartner(ctx, ref.PartnerID)
	if err != nil {
		return Result{}, fmt.Errorf("load partner: %w", err)
	}
	res, err := s.engine.CalculateRecurringCommission(ctx, partner, ref, Period{
		Amount: periodAmount(ref),
		Month:  month,
		Year:   year,
	})
	if err != nil {
		return Result{}, err
	}
	return s.persist(ctx, res)
}

// ProcessBonusCommissions evaluates the bonus rules of every approved partner
// for month/year.
func (s *Service) ProcessBonusCommissions(ctx context.Context, month, year int) (BatchReport, error) {
	partners, err := s.store.ListPartners(ctx, models.PartnerApproved)
	if err != nil {
		return BatchReport{}, fmt.Errorf("list partners: %w", err)
	}

	var report BatchReport
	for _, p := range partners {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Processed++
		res, err := s.engine.CalculateBonusCommission(ctx, p, month, year)
		if err == nil {
			res, err = s.persist(ctx, res)
		}
		if err != nil {
			s.log.WithError(err).WithField("partner_id", p.ID).Error("Bonus commission failed")
			report.fail(p.ID, err)
			continue
		}
		if res.Outcome == OutcomeCalculated {
			report.Calculated++
			report.Amount += res.Commission.Amount
		} else {
			report.Skipped++
		}
	}
	report.Amount = models.Round2(report.Amount)
	return report, nil
}

func (s *Service) transition(ctx context.Context, ids []uuid.UUID, from models.CommissionStatus, to models.CommissionStatus, details *models.PaymentDetails) (int, error) {
	if len(ids) == 0 {
		return 0, models.NewError(models.KindValidation, "no commission ids given", nil)
	}
	var allowed []models.CommissionStatus
	if !s.opts.LegacyTransitions {
		allowed = []models.CommissionStatus{from}
	}
	n, err := s.store.TransitionCommissions(ctx, ids, allowed, to, details, s.now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return 0, models.NewError(models.KindNotFound, "commission not found", err)
	case errors.Is(err, store.ErrPrecondition):
		return 0, models.NewError(models.KindInvalidTransition, fmt.Sprintf("only %s commissions can become %s", from, to), err)
	case err != nil:
		return 0, fmt.Errorf("transition commissions: %w", err)
	}
	s.log.WithFields(logrus.Fields{"count": n, "status": to}).Info("Commissions updated")
	return n, nil
}

// ApproveCommissions moves pending commissions to approved.
func (s *Service) ApproveCommissions(ctx context.Context, ids []uuid.UUID) (int, error) {
	return s.transition(ctx, ids, models.CommissionPending, models.CommissionApproved, nil)
}

// MarkCommissionsAsPaid moves approved commissions to paid with the payout details.
func (s *Service) MarkCommissionsAsPaid(ctx context.Context, ids []uuid.UUID, details models.PaymentDetails) (int, error) {
	if details.Method == "" {
		return 0, models.NewError(models.KindValidation, "payment method is required", nil)
	}
	return s.transition(ctx, ids, models.CommissionApproved, models.CommissionPaid, &details)
}

// AutoApprove approves, per partner, the pending commissions older than the
// configured age once their sum reaches the payment minimum.
func (s *Service) AutoApprove(ctx context.Context, now time.Time) (BatchReport, error) {
	cfg, err := s.settings.Commission(ctx)
	if err != nil {
		return BatchReport{}, fmt.Errorf("load commission settings: %w", err)
	}
	status := ""
	if cfg.AutoApproval.RequireApprovedPartner {
		status = models.PartnerApproved
	}
	partners, err := s.store.ListPartners(ctx, status)
	if err != nil {
		return BatchReport{}, fmt.Errorf("list partners: %w", err)
	}
	cutoff := now.AddDate(0, 0, -cfg.AutoApproval.MinAgeDays)

	var report BatchReport
	for _, p := range partners {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if p.Status == models.PartnerRejected {
			continue
		}
		report.Processed++
		partnerID := p.ID
		pending, err := s.store.ListCommissions(ctx, models.CommissionFilter{
			PartnerID: &partnerID,
			Status:    models.CommissionPending,
			To:        &cutoff,
		})
		if err != nil {
			report.fail(p.ID, err)
			continue
		}
		var sum float64
		ids := make([]uuid.UUID, 0, len(pending))
		for _, c := range pending {
			sum += c.Amount
			ids = append(ids, c.ID)
		}
		sum = models.Round2(sum)
		if len(ids) == 0 || sum < cfg.PaymentMinimum {
			report.Skipped++
			continue
		}
		if _, err := s.store.TransitionCommissions(ctx, ids, []models.CommissionStatus{models.CommissionPending}, models.CommissionApproved, nil, now); err != nil {
			s.log.WithError(err).WithField("partner_id", p.ID).Error("Auto approval failed")
			report.fail(p.ID, err)
			continue
		}
		report.Calculated += len(ids)
		report.Amount += sum
	}
	report.Amount = models.Round2(report.Amount)
	return report, nil
}
