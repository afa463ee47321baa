package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egor/ecocrm/commission"
	"github.com/egor/ecocrm/config"
	"github.com/egor/ecocrm/events"
	"github.com/egor/ecocrm/metrics"
	"github.com/egor/ecocrm/partners"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func TestRunNowIsolatesFailures(t *testing.T) {
	s := New(time.Second, nil, testLogger())
	boom := errors.New("boom")
	ran := 0

	require.NoError(t, s.Register(Job{Name: "fails", Run: func(context.Context) error { return boom }}))
	require.NoError(t, s.Register(Job{Name: "panics", Run: func(context.Context) error { panic("kaboom") }}))
	require.NoError(t, s.Register(Job{Name: "works", Run: func(context.Context) error { ran++; return nil }}))

	st, err := s.RunNow(context.Background(), "fails")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StatusFailed, st.LastStatus)
	assert.Equal(t, "boom", st.LastError)

	st, err = s.RunNow(context.Background(), "panics")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, StatusPanic, st.LastStatus)
	assert.False(t, st.Running)

	st, err = s.RunNow(context.Background(), "works")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, st.LastStatus)
	assert.Equal(t, 1, ran)

	all := s.Status()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"fails", "panics", "works"}, []string{all[0].Name, all[1].Name, all[2].Name})
	for _, st := range all {
		assert.Equal(t, 1, st.Runs)
	}
}

func TestRunNowUnknownJob(t *testing.T) {
	s := New(time.Second, nil, testLogger())
	_, err := s.RunNow(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestRegisterValidates(t *testing.T) {
	s := New(time.Second, nil, testLogger())
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Register(Job{Name: "a", Schedule: "0 2 * * *", Run: noop}))
	assert.ErrorIs(t, s.Register(Job{Name: "a", Run: noop}), ErrDuplicateJob)
	assert.Error(t, s.Register(Job{Name: "b", Schedule: "not a cron", Run: noop}))
	assert.Error(t, s.Register(Job{Name: "c"}))
	require.NoError(t, s.Register(Job{Name: "hourly", Schedule: "@hourly", Run: noop}))

	s.Start()
	defer s.Stop(context.Background())
	for _, st := range s.Status() {
		require.NotNil(t, st.NextRun, st.Name)
	}
}

func TestJobTimeoutCancelsContext(t *testing.T) {
	s := New(20*time.Millisecond, nil, testLogger())
	require.NoError(t, s.Register(Job{Name: "slow", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}))

	st, err := s.RunNow(context.Background(), "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StatusFailed, st.LastStatus)
}

func TestOverlappingRunsAreSkipped(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	s := New(time.Second, m, testLogger())
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Register(Job{Name: "long", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}))

	done := make(chan error, 1)
	go func() {
		_, err := s.RunNow(context.Background(), "long")
		done <- err
	}()
	<-started

	_, err := s.RunNow(context.Background(), "long")
	assert.ErrorIs(t, err, ErrJobRunning)
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, 1, s.Status()[0].Runs)
	assert.Equal(t, 1, testutil.CollectAndCount(reg, "ecocrm_job_last_success_timestamp_seconds"))
}

type fakeCommissions struct {
	bonusMonth, bonusYear int
	pendingErr            error
}

func (f *fakeCommissions) ProcessAllPendingCommissions(context.Context) (commission.BatchReport, error) {
	return commission.BatchReport{Processed: 1}, f.pendingErr
}

func (f *fakeCommissions) ProcessRecurringCommissions(context.Context, time.Time) (commission.BatchReport, error) {
	return commission.BatchReport{}, nil
}

func (f *fakeCommissions) ProcessBonusCommissions(_ context.Context, month, year int) (commission.BatchReport, error) {
	f.bonusMonth, f.bonusYear = month, year
	return commission.BatchReport{}, nil
}

func (f *fakeCommissions) AutoApprove(context.Context, time.Time) (commission.BatchReport, error) {
	return commission.BatchReport{}, nil
}

type fakePartners struct {
	refreshed time.Time
	report    partners.Report
	reportErr error
}

func (f *fakePartners) UpdateAllPartnerStats(context.Context, time.Time) (partners.SweepResult, error) {
	return partners.SweepResult{}, nil
}

func (f *fakePartners) RefreshAllMonthlyAnalytics(_ context.Context, month time.Time) (partners.SweepResult, error) {
	f.refreshed = month
	return partners.SweepResult{}, nil
}

func (f *fakePartners) RunRetention(context.Context, time.Time) (partners.RetentionResult, error) {
	return partners.RetentionResult{}, nil
}

func (f *fakePartners) WeeklySummary(context.Context, time.Time) (partners.Report, error) {
	return f.report, f.reportErr
}

func standard(t *testing.T, c *fakeCommissions, p *fakePartners, rec *events.Recorder) *Scheduler {
	t.Helper()
	now := time.Date(2026, time.January, 1, 4, 0, 0, 0, time.UTC)
	s := New(time.Second, nil, testLogger())
	cfg := config.SchedulerConfig{PendingCommissions: "@hourly", BonusCommissions: "0 4 1 * *"}
	require.NoError(t, s.RegisterAll(Jobs(cfg, Deps{
		Commissions: c,
		Partners:    p,
		Publisher:   rec,
		Now:         func() time.Time { return now },
		Log:         testLogger(),
	})))
	return s
}

func TestBonusJobUsesPreviousMonth(t *testing.T) {
	c, p := &fakeCommissions{}, &fakePartners{}
	s := standard(t, c, p, &events.Recorder{})

	_, err := s.RunNow(context.Background(), JobBonusCommissions)
	require.NoError(t, err)
	assert.Equal(t, 12, c.bonusMonth)
	assert.Equal(t, 2025, c.bonusYear)
	assert.Equal(t, time.Date(2025, time.December, 1, 0, 0, 0, 0, time.UTC), p.refreshed)
}

func TestWeeklyReportPublishesEvent(t *testing.T) {
	rec := &events.Recorder{}
	p := &fakePartners{report: partners.Report{Totals: partners.Totals{Clicks: 4}}}
	s := standard(t, &fakeCommissions{}, p, rec)

	_, err := s.RunNow(context.Background(), JobWeeklyReport)
	require.NoError(t, err)
	require.Len(t, rec.Events(events.ReportWeekly), 1)

	p.reportErr = partners.ErrNoActivity
	_, err = s.RunNow(context.Background(), JobWeeklyReport)
	require.NoError(t, err)
	assert.Len(t, rec.Events(events.ReportWeekly), 1)
}

func TestStandardJobFailureIsReported(t *testing.T) {
	c := &fakeCommissions{pendingErr: errors.New("db down")}
	s := standard(t, c, &fakePartners{}, &events.Recorder{})

	st, err := s.RunNow(context.Background(), JobPendingCommissions)
	require.Error(t, err)
	assert.Equal(t, StatusFailed, st.LastStatus)

	names := make([]string, 0)
	for _, st := range s.Status() {
		names = append(names, st.Name)
	}
	assert.ElementsMatch(t, []string{
		JobPendingCommissions, JobStatsRefresh, JobRecurringCommissions, JobBonusCommissions,
		JobPaymentApproval, JobRetention, JobWeeklyReport,
	}, names)
}
