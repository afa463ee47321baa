package partners

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/settings"
	"github.com/egor/ecocrm/store/memory"
)

var now = time.Date(2026, time.October, 14, 12, 0, 0, 0, time.UTC)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func newService(t *testing.T, opts Options) (*Service, *memory.Store) {
	t.Helper()
	st := memory.New()
	svc := NewService(st, settings.Static(settings.Defaults()), opts, testLogger())
	svc.now = func() time.Time { return now }
	return svc, st
}

func approved(t *testing.T, svc *Service, email string) models.Partner {
	t.Helper()
	ctx := context.Background()
	p, err := svc.RegisterPartner(ctx, RegisterInput{Name: "Partner", Email: email})
	require.NoError(t, err)
	p, err = svc.ApprovePartner(ctx, p.ID)
	require.NoError(t, err)
	return p
}

func TestRegisterPartnerRetriesCodeCollision(t *testing.T) {
	svc, _ := newService(t, Options{})
	ctx := context.Background()
	codes := []string{"AAAA2222", "AAAA2222", "BBBB3333"}
	svc.newCode = func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}

	first, err := svc.RegisterPartner(ctx, RegisterInput{Name: "One", Email: "one@example.com"})
	require.NoError(t, err)
	second, err := svc.RegisterPartner(ctx, RegisterInput{Name: "Two", Email: "two@example.com"})
	require.NoError(t, err)

	assert.Equal(t, "AAAA2222", first.PartnerCode)
	assert.Equal(t, "BBBB3333", second.PartnerCode)
	assert.Equal(t, models.PartnerPending, second.Status)
	assert.Equal(t, models.TierBronze, second.Tier)
}

func TestRegisterPartnerRejectsDuplicateEmail(t *testing.T) {
	svc, _ := newService(t, Options{})
	ctx := context.Background()

	_, err := svc.RegisterPartner(ctx, RegisterInput{Name: "One", Email: "dup@example.com"})
	require.NoError(t, err)
	_, err = svc.RegisterPartner(ctx, RegisterInput{Name: "Two", Email: "DUP@example.com"})
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestRegisterPartnerValidation(t *testing.T) {
	svc, _ := newService(t, Options{})
	ctx := context.Background()

	_, err := svc.RegisterPartner(ctx, RegisterInput{Name: "", Email: "a@example.com"})
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = svc.RegisterPartner(ctx, RegisterInput{Name: "A", Email: "not-an-email"})
	assert.ErrorIs(t, err, models.ErrValidation)
	rate := 140.0
	_, err = svc.RegisterPartner(ctx, RegisterInput{Name: "A", Email: "a@example.com", CustomCommissionRate: &rate})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestReferralLifecycleBumpsDailyAnalytics(t *testing.T) {
	svc, st := newService(t, Options{})
	ctx := context.Background()
	p := approved(t, svc, "life@example.com")

	ref, err := svc.TrackClick(ctx, ClickInput{Code: p.PartnerCode, Source: "blog"})
	require.NoError(t, err)
	assert.Equal(t, models.ReferralClicked, ref.Status)

	tenant := uuid.New()
	ref, err = svc.RegisterReferral(ctx, ref.ID, tenant)
	require.NoError(t, err)
	assert.Equal(t, models.ReferralRegistered, ref.Status)

	act := models.SubscriptionActivation{SubscriptionID: "sub_1", Plan: models.PlanPro, Amount: 49}
	ref, err = svc.ActivateSubscription(ctx, ref.ID, act)
	require.NoError(t, err)
	assert.Equal(t, models.ReferralSubscribed, ref.Status)
	assert.Equal(t, models.BillingMonthly, ref.BillingCycle)

	_, err = svc.ActivateSubscription(ctx, ref.ID, act)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	day, err := st.GetAnalytics(ctx, p.ID, models.PeriodDaily, models.Day(now))
	require.NoError(t, err)
	assert.Equal(t, 1, day.Clicks)
	assert.Equal(t, 1, day.Registrations)
	assert.Equal(t, 1, day.Subscriptions)
	assert.Equal(t, 49.0, day.Revenue)
}

func TestTrackClickRequiresApprovedPartner(t *testing.T) {
	svc, _ := newService(t, Options{})
	ctx := context.Background()

	p, err := svc.RegisterPartner(ctx, RegisterInput{Name: "P", Email: "p@example.com"})
	require.NoError(t, err)

	_, err = svc.TrackClick(ctx, ClickInput{Code: p.PartnerCode})
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = svc.TrackClick(ctx, ClickInput{Code: "NOPE"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestActivateSubscriptionValidates(t *testing.T) {
	svc, _ := newService(t, Options{})
	ctx := context.Background()
	id := uuid.New()

	_, err := svc.ActivateSubscription(ctx, id, models.SubscriptionActivation{Plan: "gold", Amount: 10})
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = svc.ActivateSubscription(ctx, id, models.SubscriptionActivation{Plan: models.PlanBasic, Amount: 0})
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = svc.ActivateSubscription(ctx, id, models.SubscriptionActivation{Plan: models.PlanBasic, Amount: 10, BillingCycle: "weekly"})
	assert.ErrorIs(t, err, models.ErrValidation)
	_, err = svc.ActivateSubscription(ctx, id, models.SubscriptionActivation{Plan: models.PlanBasic, Amount: 10})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func seedActivity(t *testing.T, st *memory.Store, p models.Partner) {
	t.Helper()
	ctx := context.Background()
	lastMonth := now.AddDate(0, -1, -5)

	// one old conversion, one this month, one click that never converted
	for i, at := range []time.Time{lastMonth, now.AddDate(0, 0, -3), now.AddDate(0, 0, -1)} {
		ref := models.PartnerReferral{PartnerID: p.ID, Status: models.ReferralClicked, ClickedAt: at, CreatedAt: at}
		require.NoError(t, st.CreateReferral(ctx, &ref))
		if i == 2 {
			continue
		}
		_, err := st.MarkReferralSubscribed(ctx, ref.ID, models.SubscriptionActivation{
			SubscriptionID: ref.ID.String(), Plan: models.PlanPro, Amount: 100, BillingCycle: models.BillingMonthly,
		}, at)
		require.NoError(t, err)
		refID := ref.ID
		c := models.PartnerCommission{
			PartnerID:      p.ID,
			ReferralID:     &refID,
			Type:           models.CommissionSignup,
			Amount:         15,
			Status:         models.CommissionPending,
			ReferenceMonth: int(at.Month()),
			ReferenceYear:  at.Year(),
			CreatedAt:      at,
		}
		require.NoError(t, st.InsertCommission(ctx, &c))
	}
}

func TestUpdatePartnerStats(t *testing.T) {
	svc, st := newService(t, Options{})
	ctx := context.Background()
	p := approved(t, svc, "stats@example.com")
	seedActivity(t, st, p)

	got, err := svc.UpdatePartnerStats(ctx, p.ID, now)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TotalReferrals)
	assert.Equal(t, 2, got.TotalConversions)
	assert.Equal(t, 30.0, got.TotalCommissionEarned)
	assert.Equal(t, 2, got.MonthReferrals)
	assert.Equal(t, 1, got.MonthConversions)
	assert.Equal(t, 15.0, got.MonthCommissionEarned)

	stored, err := st.GetPartner(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, got.TotalConversions, stored.TotalConversions)
	require.NotNil(t, stored.StatsUpdatedAt)

	month, err := st.GetAnalytics(ctx, p.ID, models.PeriodMonthly, models.MonthStart(now))
	require.NoError(t, err)
	assert.Equal(t, 2, month.Clicks)
	assert.Equal(t, 1, month.Subscriptions)
	assert.Equal(t, 100.0, month.Revenue)
	assert.Equal(t, 50.0, month.ConversionRate)

	prev, err := svc.RefreshMonthlyAnalytics(ctx, p.ID, now.AddDate(0, -1, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, prev.Subscriptions)
	assert.Equal(t, 15.0, prev.CommissionEarned)
}

func TestTierFor(t *testing.T) {
	th := settings.Defaults().TierThresholds
	cases := []struct {
		name        string
		conversions int
		commission  float64
		want        models.Tier
	}{
		{"nothing", 0, 0, models.TierBronze},
		{"silver conversions only", 10, 999, models.TierBronze},
		{"silver", 10, 1000, models.TierSilver},
		{"gold commission without conversions", 49, 9000, models.TierSilver},
		{"gold", 50, 5000, models.TierGold},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, TierFor(th, tc.conversions, tc.commission))
		})
	}
}

func TestCheckTierUpgrade(t *testing.T) {
	ctx := context.Background()

	t.Run("upgrade and downgrade", func(t *testing.T) {
		svc, st := newService(t, Options{})
		p := approved(t, svc, "tier@example.com")

		tier, changed, err := svc.CheckTierUpgrade(ctx, p.ID, 12, 1500)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, models.TierSilver, tier)

		_, changed, err = svc.CheckTierUpgrade(ctx, p.ID, 12, 1500)
		require.NoError(t, err)
		assert.False(t, changed)

		tier, changed, err = svc.CheckTierUpgrade(ctx, p.ID, 1, 10)
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, models.TierBronze, tier)

		stored, err := st.GetPartner(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TierBronze, stored.Tier)
	})

	t.Run("monotonic holds downgrades", func(t *testing.T) {
		svc, st := newService(t, Options{MonotonicTiers: true})
		p := approved(t, svc, "mono@example.com")
		require.NoError(t, st.UpdatePartnerTier(ctx, p.ID, models.TierGold))

		tier, changed, err := svc.CheckTierUpgrade(ctx, p.ID, 12, 1500)
		require.NoError(t, err)
		assert.False(t, changed)
		assert.Equal(t, models.TierGold, tier)

		stored, err := st.GetPartner(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, models.TierGold, stored.Tier)
	})
}

func TestGenerateReport(t *testing.T) {
	svc, st := newService(t, Options{})
	ctx := context.Background()
	busy := approved(t, svc, "busy@example.com")
	quiet := approved(t, svc, "quiet@example.com")
	seedActivity(t, st, busy)

	rep, err := svc.GenerateReport(ctx, models.MonthStart(now), now)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Totals.Clicks)
	assert.Equal(t, 1, rep.Totals.Subscriptions)
	assert.Equal(t, 15.0, rep.Totals.Commission)
	assert.Equal(t, 15.0, rep.Totals.CommissionPending)
	assert.Equal(t, 15.0, rep.CommissionByType[models.CommissionSignup])
	require.Len(t, rep.Partners, 1)
	assert.Equal(t, busy.ID, rep.Partners[0].PartnerID)
	assert.NotEqual(t, quiet.ID, rep.Partners[0].PartnerID)

	_, err = svc.GenerateReport(ctx, now, now)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestGetStats(t *testing.T) {
	svc, st := newService(t, Options{})
	ctx := context.Background()
	p := approved(t, svc, "s@example.com")
	_, err := svc.RegisterPartner(ctx, RegisterInput{Name: "Waiting", Email: "w@example.com"})
	require.NoError(t, err)
	seedActivity(t, st, p)

	week, err := svc.GetStats(ctx, PeriodWeek, now)
	require.NoError(t, err)
	assert.Equal(t, 2, week.TotalPartners)
	assert.Equal(t, 1, week.ApprovedPartners)
	assert.Equal(t, 1, week.PendingPartners)
	assert.Equal(t, 2, week.Totals.Clicks)

	year, err := svc.GetStats(ctx, PeriodYear, now)
	require.NoError(t, err)
	assert.Equal(t, 3, year.Totals.Clicks)
	assert.Equal(t, 30.0, year.Totals.Commission)

	_, err = svc.GetStats(ctx, "decade", now)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestRunRetention(t *testing.T) {
	svc, st := newService(t, Options{})
	ctx := context.Background()
	p := approved(t, svc, "ret@example.com")

	stale := models.PartnerReferral{PartnerID: p.ID, Status: models.ReferralClicked, CreatedAt: now.AddDate(0, 0, -91)}
	require.NoError(t, st.CreateReferral(ctx, &stale))
	fresh := models.PartnerReferral{PartnerID: p.ID, Status: models.ReferralClicked, CreatedAt: now.AddDate(0, 0, -30)}
	require.NoError(t, st.CreateReferral(ctx, &fresh))
	converted := models.PartnerReferral{PartnerID: p.ID, Status: models.ReferralRegistered, CreatedAt: now.AddDate(0, 0, -200)}
	require.NoError(t, st.CreateReferral(ctx, &converted))

	day := func(y int, m time.Month, d, clicks, subs int, revenue float64) {
		require.NoError(t, st.IncrementDailyAnalytics(ctx, p.ID, time.Date(y, m, d, 0, 0, 0, 0, time.UTC),
			models.AnalyticsDelta{Clicks: clicks, Subscriptions: subs, Revenue: revenue}))
	}
	day(2025, time.September, 1, 9, 9, 900) // past the daily retention window
	day(2026, time.March, 3, 4, 1, 49)
	day(2026, time.March, 20, 6, 1, 99)
	day(2026, time.June, 30, 2, 0, 0)
	day(2026, time.July, 2, 5, 0, 0) // inside the consolidation window

	res, err := svc.RunRetention(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.ReferralsDeleted)
	assert.EqualValues(t, 1, res.DailyRowsDeleted)
	assert.Equal(t, 2, res.MonthsConsolidated)
	assert.Equal(t, 3, res.DailyRowsMerged)
	assert.Zero(t, res.Failed)

	_, err = st.GetReferral(ctx, stale.ID)
	assert.Error(t, err)
	_, err = st.GetReferral(ctx, fresh.ID)
	assert.NoError(t, err)
	_, err = st.GetReferral(ctx, converted.ID)
	assert.NoError(t, err)

	march, err := st.GetAnalytics(ctx, p.ID, models.PeriodMonthly, time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 10, march.Clicks)
	assert.Equal(t, 2, march.Subscriptions)
	assert.Equal(t, 148.0, march.Revenue)
	assert.Equal(t, 20.0, march.ConversionRate)

	remaining, err := st.ListDailyAnalyticsBefore(ctx, now)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, 5, remaining[0].Clicks)

	again, err := svc.RunRetention(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, again.MonthsConsolidated)
}

func TestRunRetentionKeepsMonthlyCommission(t *testing.T) {
	svc, st := newService(t, Options{})
	ctx := context.Background()
	p := approved(t, svc, "merge@example.com")

	march := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	booked := models.PartnerAnalytics{
		PartnerID:        p.ID,
		PeriodType:       models.PeriodMonthly,
		PeriodDate:       march,
		Clicks:           10,
		CommissionEarned: 300,
	}
	require.NoError(t, st.UpsertAnalytics(ctx, &booked))
	require.NoError(t, st.IncrementDailyAnalytics(ctx, p.ID, time.Date(2026, time.March, 5, 0, 0, 0, 0, time.UTC),
		models.AnalyticsDelta{Clicks: 4, Subscriptions: 1, Revenue: 50}))

	res, err := svc.RunRetention(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MonthsConsolidated)

	got, err := st.GetAnalytics(ctx, p.ID, models.PeriodMonthly, march)
	require.NoError(t, err)
	assert.Equal(t, booked.ID, got.ID)
	assert.Equal(t, 300.0, got.CommissionEarned)
	assert.Equal(t, 4, got.Clicks)
	assert.Equal(t, 1, got.Subscriptions)
	assert.Equal(t, 50.0, got.Revenue)
}
