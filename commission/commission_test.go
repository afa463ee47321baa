package commission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egor/ecocrm/events"
	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/settings"
	"github.com/egor/ecocrm/store"
	"github.com/egor/ecocrm/store/memory"
)

func ptr[T any](v T) *T { return &v }

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

type env struct {
	store  *memory.Store
	svc    *Service
	events *events.Recorder
}

func newEnv(t *testing.T, opts Options) *env {
	t.Helper()
	st := memory.New()
	rec := &events.Recorder{}
	svc := NewService(st, settings.Static(settings.Defaults()), rec, nil, opts, testLogger())
	return &env{store: st, svc: svc, events: rec}
}

func (e *env) partner(t *testing.T, tier models.Tier, custom *float64) models.Partner {
	t.Helper()
	p := models.Partner{
		Name:                 "P",
		Email:                uuid.NewString() + "@example.com",
		PartnerCode:          uuid.NewString()[:8],
		Tier:                 tier,
		CustomCommissionRate: custom,
		Status:               models.PartnerApproved,
	}
	require.NoError(t, e.store.CreatePartner(context.Background(), &p))
	return p
}

func (e *env) subscribed(t *testing.T, p models.Partner, plan models.Plan, amount float64, cycle string, at time.Time) models.PartnerReferral {
	t.Helper()
	ctx := context.Background()
	ref := models.PartnerReferral{PartnerID: p.ID, Status: models.ReferralClicked}
	require.NoError(t, e.store.CreateReferral(ctx, &ref))
	ref, err := e.store.MarkReferralSubscribed(ctx, ref.ID, models.SubscriptionActivation{
		SubscriptionID: "sub_" + ref.ID.String()[:8],
		Plan:           plan,
		Amount:         amount,
		BillingCycle:   cycle,
	}, at)
	require.NoError(t, err)
	return ref
}

func TestSignupArithmetic(t *testing.T) {
	cfg := settings.Defaults()
	silver := models.Partner{ID: uuid.New(), Tier: models.TierSilver}

	monthly := Signup(cfg, silver, Subscription{Plan: models.PlanPremium, Amount: 100, BillingCycle: models.BillingMonthly})
	require.Equal(t, OutcomeCalculated, monthly.Outcome)
	assert.Equal(t, 200.0, monthly.Commission.BaseAmount)
	assert.Equal(t, 15.0, monthly.Commission.Rate)
	assert.Equal(t, 30.00, monthly.Commission.Amount)

	yearly := Signup(cfg, silver, Subscription{Plan: models.PlanPremium, Amount: 100, BillingCycle: models.BillingYearly})
	assert.Equal(t, 240.0, yearly.Commission.BaseAmount)
	assert.Equal(t, 36.00, yearly.Commission.Amount)
}

func TestSignupCustomRateAndRounding(t *testing.T) {
	cfg := settings.Defaults()
	p := models.Partner{ID: uuid.New(), Tier: models.TierGold, CustomCommissionRate: ptr(12.5)}

	res := Signup(cfg, p, Subscription{Plan: models.PlanPro, Amount: 33.33, BillingCycle: models.BillingMonthly})
	// 33.33 * 1.5 = 49.995; 49.995 * 12.5 / 100 = 6.249375
	assert.Equal(t, 12.5, res.Commission.Rate)
	assert.Equal(t, 6.25, res.Commission.Amount)

	assert.Equal(t, OutcomeNoCommission, Signup(cfg, p, Subscription{Plan: models.PlanPro}).Outcome)
}

func TestRecurringRates(t *testing.T) {
	cfg := settings.Defaults()
	ref := models.PartnerReferral{ID: uuid.New()}

	tier := Recurring(cfg, models.Partner{Tier: models.TierSilver}, ref, Period{Amount: 100, Month: 3, Year: 2026})
	assert.Equal(t, 7.5, tier.Commission.Rate)
	assert.Equal(t, 7.5, tier.Commission.Amount)
	assert.Equal(t, 3, tier.Commission.ReferenceMonth)

	custom := Recurring(cfg, models.Partner{Tier: models.TierSilver, CustomCommissionRate: ptr(20.0)}, ref, Period{Amount: 100, Month: 3, Year: 2026})
	assert.Equal(t, 10.0, custom.Commission.Rate)
	assert.Equal(t, 10.0, custom.Commission.Amount)
}

func TestRecurringIdempotency(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	p := e.partner(t, models.TierBronze, nil)
	ref := e.subscribed(t, p, models.PlanBasic, 50, models.BillingMonthly, time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))

	first, err := e.svc.ProcessRecurringForReferral(ctx, ref.ID, 2, 2026)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCalculated, first.Outcome)
	assert.Equal(t, 2.5, first.Commission.Amount)

	second, err := e.svc.ProcessRecurringForReferral(ctx, ref.ID, 2, 2026)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicateSkipped, second.Outcome)

	rows, err := e.store.ListCommissions(ctx, models.CommissionFilter{PartnerID: &p.ID, Type: models.CommissionRecurring})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

// blindReader never sees existing commissions, as if two runs raced past the pre-check.
type blindReader struct{ Reader }

func (blindReader) FindRecurringCommission(context.Context, uuid.UUID, uuid.UUID, int, int) (models.PartnerCommission, error) {
	return models.PartnerCommission{}, store.ErrNotFound
}

func TestRecurringUniqueKeyIsAuthoritative(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	p := e.partner(t, models.TierGold, nil)
	ref := e.subscribed(t, p, models.PlanPro, 80, models.BillingMonthly, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	e.svc.engine = NewEngine(settings.Static(settings.Defaults()), blindReader{Reader: e.store})

	for i := 0; i < 2; i++ {
		res, err := e.svc.engine.CalculateRecurringCommission(ctx, p, ref, Period{Amount: 80, Month: 5, Year: 2026})
		require.NoError(t, err)
		require.Equal(t, OutcomeCalculated, res.Outcome)
		stored, err := e.svc.persist(ctx, res)
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, OutcomeCalculated, stored.Outcome)
		} else {
			assert.Equal(t, OutcomeDuplicateSkipped, stored.Outcome)
		}
	}
	rows, err := e.store.ListCommissions(ctx, models.CommissionFilter{Type: models.CommissionRecurring})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestBonusCommission(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	p := e.partner(t, models.TierBronze, nil)
	engine := e.svc.Engine()

	res, err := engine.CalculateBonusCommission(ctx, p, 4, 2026)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoCommission, res.Outcome, "no analytics row yet")

	require.NoError(t, e.store.UpsertAnalytics(ctx, &models.PartnerAnalytics{
		PartnerID:     p.ID,
		PeriodType:    models.PeriodMonthly,
		PeriodDate:    time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		Clicks:        40,
		Subscriptions: 12,
		Revenue:       6000,
	}))
	res, err = engine.CalculateBonusCommission(ctx, p, 4, 2026)
	require.NoError(t, err)
	require.Equal(t, OutcomeCalculated, res.Outcome)
	assert.Equal(t, 350.0, res.Commission.Amount)

	report, err := e.svc.ProcessBonusCommissions(ctx, 4, 2026)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Calculated)

	report, err = e.svc.ProcessBonusCommissions(ctx, 4, 2026)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Calculated)
	assert.Equal(t, 1, report.Skipped)
}

func TestBonusBelowTargets(t *testing.T) {
	cfg := settings.Defaults()
	res := Bonus(cfg, models.Partner{}, models.PartnerAnalytics{Subscriptions: 9, Revenue: 4999.99}, 1, 2026)
	assert.Equal(t, OutcomeNoCommission, res.Outcome)
}

// flakyStore fails partner lookups for one partner.
type flakyStore struct {
	*memory.Store
	broken uuid.UUID
}

func (f flakyStore) GetPartner(ctx context.Context, id uuid.UUID) (models.Partner, error) {
	if id == f.broken {
		return models.Partner{}, errors.New("connection reset")
	}
	return f.Store.GetPartner(ctx, id)
}

func TestProcessAllPendingIsolatesFailures(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	good := e.partner(t, models.TierSilver, nil)
	bad := e.partner(t, models.TierSilver, nil)
	at := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	okRef := e.subscribed(t, good, models.PlanPremium, 100, models.BillingMonthly, at)
	badRef := e.subscribed(t, bad, models.PlanPremium, 100, models.BillingMonthly, at)

	svc := NewService(flakyStore{Store: e.store, broken: bad.ID}, settings.Static(settings.Defaults()), e.events, nil, Options{}, testLogger())
	report, err := svc.ProcessAllPendingCommissions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Calculated)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 30.0, report.Amount)

	got, err := e.store.GetReferral(ctx, okRef.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReferralCommissionCalculated, got.CommissionStatus)
	got, err = e.store.GetReferral(ctx, badRef.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReferralCommissionPending, got.CommissionStatus)

	rows, err := e.store.ListCommissions(ctx, models.CommissionFilter{Type: models.CommissionSignup})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0].ReferenceMonth)
	assert.Len(t, e.events.Events(events.CommissionCalculated), 1)
}

func TestProcessRecurringSkipsSubscriptionMonth(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	p := e.partner(t, models.TierBronze, nil)
	e.subscribed(t, p, models.PlanBasic, 100, models.BillingMonthly, time.Date(2026, 6, 3, 0, 0, 0, 0, time.UTC))
	e.subscribed(t, p, models.PlanBasic, 120, models.BillingYearly, time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC))

	now := time.Date(2026, 6, 20, 0, 0, 0, 0, time.UTC)
	report, err := e.svc.ProcessRecurringCommissions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Calculated)
	assert.Equal(t, 0.5, report.Amount, "yearly 120 bills 10 a month at 5%")

	report, err = e.svc.ProcessRecurringCommissions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Calculated)
	assert.Equal(t, 1, report.Skipped)
}

func (e *env) commission(t *testing.T, p models.Partner, amount float64, created time.Time) models.PartnerCommission {
	t.Helper()
	c := models.PartnerCommission{
		PartnerID: p.ID,
		Type:      models.CommissionBonus,
		Amount:    amount,
		Status:    models.CommissionPending,
		// distinct bonus periods keep the unique key apart
		ReferenceMonth: int(created.Month()),
		ReferenceYear:  created.Year(),
		CreatedAt:      created,
	}
	require.NoError(t, e.store.InsertCommission(context.Background(), &c))
	return c
}

func TestStrictTransitions(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	p := e.partner(t, models.TierBronze, nil)
	c := e.commission(t, p, 10, time.Now().UTC())

	_, err := e.svc.MarkCommissionsAsPaid(ctx, []uuid.UUID{c.ID}, models.PaymentDetails{Method: "bank"})
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "pending cannot be paid")

	n, err := e.svc.ApproveCommissions(ctx, []uuid.UUID{c.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.svc.ApproveCommissions(ctx, []uuid.UUID{c.ID})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = e.svc.MarkCommissionsAsPaid(ctx, []uuid.UUID{c.ID}, models.PaymentDetails{})
	assert.ErrorIs(t, err, models.ErrValidation)

	n, err = e.svc.MarkCommissionsAsPaid(ctx, []uuid.UUID{c.ID}, models.PaymentDetails{Method: "bank", Reference: "TX1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = e.svc.ApproveCommissions(ctx, []uuid.UUID{c.ID})
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "paid cannot go back to approved")

	_, err = e.svc.ApproveCommissions(ctx, []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStrictTransitionsAreAllOrNothing(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	p := e.partner(t, models.TierBronze, nil)
	pending := e.commission(t, p, 10, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC))
	approved := e.commission(t, p, 10, time.Date(2026, 2, 5, 0, 0, 0, 0, time.UTC))
	_, err := e.svc.ApproveCommissions(ctx, []uuid.UUID{approved.ID})
	require.NoError(t, err)

	_, err = e.svc.ApproveCommissions(ctx, []uuid.UUID{pending.ID, approved.ID})
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	rows, err := e.store.ListCommissions(ctx, models.CommissionFilter{Status: models.CommissionPending})
	require.NoError(t, err)
	assert.Len(t, rows, 1, "the pending one was left untouched")
}

func TestLegacyTransitionsAllowSkipping(t *testing.T) {
	e := newEnv(t, Options{LegacyTransitions: true})
	ctx := context.Background()
	p := e.partner(t, models.TierBronze, nil)
	c := e.commission(t, p, 10, time.Now().UTC())

	n, err := e.svc.MarkCommissionsAsPaid(ctx, []uuid.UUID{c.ID}, models.PaymentDetails{Method: "paypal"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAutoApprove(t *testing.T) {
	e := newEnv(t, Options{})
	ctx := context.Background()
	now := time.Date(2026, 8, 5, 6, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -40)

	rich := e.partner(t, models.TierBronze, nil)
	e.commission(t, rich, 30, old)
	e.commission(t, rich, 25, old.AddDate(0, -1, 0))
	fresh := e.commission(t, rich, 500, now.AddDate(0, 0, -2))

	poor := e.partner(t, models.TierBronze, nil)
	e.commission(t, poor, 20, old)

	report, err := e.svc.AutoApprove(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 2, report.Calculated)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 55.0, report.Amount)

	rows, err := e.store.ListCommissions(ctx, models.CommissionFilter{PartnerID: &rich.ID, Status: models.CommissionPending})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, fresh.ID, rows[0].ID, "too young to approve")
}
