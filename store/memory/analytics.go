package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/store"
)

func (s *Store) findAnalyticsLocked(partnerID uuid.UUID, periodType string, date time.Time) (models.PartnerAnalytics, bool) {
	for _, a := range s.analytics {
		if a.PartnerID == partnerID && a.PeriodType == periodType && a.PeriodDate.Equal(date) {
			return a, true
		}
	}
	return models.PartnerAnalytics{}, false
}

func (s *Store) IncrementDailyAnalytics(ctx context.Context, partnerID uuid.UUID, day time.Time, d models.AnalyticsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	day = models.Day(day)
	a, ok := s.findAnalyticsLocked(partnerID, models.PeriodDaily, day)
	if !ok {
		a = models.PartnerAnalytics{ID: uuid.New(), PartnerID: partnerID, PeriodType: models.PeriodDaily, PeriodDate: day}
	}
	a.Clicks += d.Clicks
	a.Registrations += d.Registrations
	a.Subscriptions += d.Subscriptions
	a.Revenue = models.Round2(a.Revenue + d.Revenue)
	a.ConversionRate = models.ConversionRate(a.Subscriptions, a.Clicks)
	s.analytics[a.ID] = a
	return nil
}

func (s *Store) GetAnalytics(ctx context.Context, partnerID uuid.UUID, periodType string, periodDate time.Time) (models.PartnerAnalytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.findAnalyticsLocked(partnerID, periodType, periodDate)
	if !ok {
		return models.PartnerAnalytics{}, store.ErrNotFound
	}
	return a, nil
}

func (s *Store) upsertAnalyticsLocked(a *models.PartnerAnalytics) {
	if existing, ok := s.findAnalyticsLocked(a.PartnerID, a.PeriodType, a.PeriodDate); ok {
		a.ID = existing.ID
	}
	ensureID(&a.ID)
	s.analytics[a.ID] = *a
}

func (s *Store) UpsertAnalytics(ctx context.Context, a *models.PartnerAnalytics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsertAnalyticsLocked(a)
	return nil
}

func (s *Store) ListDailyAnalyticsBefore(ctx context.Context, before time.Time) ([]models.PartnerAnalytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.PartnerAnalytics, 0)
	for _, a := range s.analytics {
		if a.PeriodType == models.PeriodDaily && a.PeriodDate.Before(before) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) DeleteDailyAnalyticsBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, a := range s.analytics {
		if a.PeriodType == models.PeriodDaily && a.PeriodDate.Before(before) {
			delete(s.analytics, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) ReplaceDailyWithMonthly(ctx context.Context, monthly *models.PartnerAnalytics, sourceIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsertAnalyticsLocked(monthly)
	for _, id := range sourceIDs {
		if a, ok := s.analytics[id]; ok && a.PeriodType == models.PeriodDaily {
			delete(s.analytics, id)
		}
	}
	return nil
}
