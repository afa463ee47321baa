package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/store"
)

func (s *Store) CreatePartner(ctx context.Context, p *models.Partner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.partners {
		if existing.PartnerCode == p.PartnerCode || strings.EqualFold(existing.Email, p.Email) {
			return store.ErrConflict
		}
	}
	ensureID(&p.ID)
	stamp(&p.CreatedAt)
	p.UpdatedAt = p.CreatedAt
	s.partners[p.ID] = *p
	return nil
}

func (s *Store) GetPartner(ctx context.Context, id uuid.UUID) (models.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.partners[id]
	if !ok {
		return models.Partner{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) GetPartnerByCode(ctx context.Context, code string) (models.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.partners {
		if p.PartnerCode == code {
			return p, nil
		}
	}
	return models.Partner{}, store.ErrNotFound
}

func (s *Store) ListPartners(ctx context.Context, status string) ([]models.Partner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Partner, 0)
	for _, p := range s.partners {
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) updatePartner(id uuid.UUID, fn func(*models.Partner)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.partners[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(&p)
	p.UpdatedAt = time.Now().UTC()
	s.partners[id] = p
	return nil
}

func (s *Store) UpdatePartnerStatus(ctx context.Context, id uuid.UUID, status string) error {
	return s.updatePartner(id, func(p *models.Partner) { p.Status = status })
}

func (s *Store) UpdatePartnerStats(ctx context.Context, id uuid.UUID, st models.PartnerStats) error {
	return s.updatePartner(id, func(p *models.Partner) {
		p.TotalReferrals = st.TotalReferrals
		p.TotalConversions = st.TotalConversions
		p.TotalCommissionEarned = st.TotalCommissionEarned
		p.MonthReferrals = st.MonthReferrals
		p.MonthConversions = st.MonthConversions
		p.MonthCommissionEarned = st.MonthCommissionEarned
		at := st.UpdatedAt
		p.StatsUpdatedAt = &at
	})
}

func (s *Store) UpdatePartnerTier(ctx context.Context, id uuid.UUID, tier models.Tier) error {
	return s.updatePartner(id, func(p *models.Partner) { p.Tier = tier })
}

func (s *Store) CreateReferral(ctx context.Context, r *models.PartnerReferral) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.partners[r.PartnerID]; !ok {
		return store.ErrNotFound
	}
	ensureID(&r.ID)
	if _, ok := s.referrals[r.ID]; ok {
		return store.ErrConflict
	}
	stamp(&r.CreatedAt)
	if r.ClickedAt.IsZero() {
		r.ClickedAt = r.CreatedAt
	}
	r.UpdatedAt = r.CreatedAt
	s.referrals[r.ID] = *r
	return nil
}

func (s *Store) GetReferral(ctx context.Context, id uuid.UUID) (models.PartnerReferral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.referrals[id]
	if !ok {
		return models.PartnerReferral{}, store.ErrNotFound
	}
	return r, nil
}

func (s *Store) MarkReferralRegistered(ctx context.Context, id, tenantID uuid.UUID, at time.Time) (models.PartnerReferral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.referrals[id]
	if !ok {
		return models.PartnerReferral{}, store.ErrNotFound
	}
	if r.Status != models.ReferralClicked {
		return r, store.ErrPrecondition
	}
	r.Status = models.ReferralRegistered
	r.ReferredTenantID = &tenantID
	r.RegisteredAt = &at
	r.UpdatedAt = at
	s.referrals[id] = r
	return r, nil
}

func (s *Store) MarkReferralSubscribed(ctx context.Context, id uuid.UUID, act models.SubscriptionActivation, at time.Time) (models.PartnerReferral, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.referrals[id]
	if !ok {
		return models.PartnerReferral{}, store.ErrNotFound
	}
	if r.Status == models.ReferralSubscribed {
		return r, store.ErrPrecondition
	}
	subID := act.SubscriptionID
	r.Status = models.ReferralSubscribed
	r.SubscriptionID = &subID
	r.SubscriptionPlan = act.Plan
	r.SubscriptionValue = act.Amount
	r.BillingCycle = act.BillingCycle
	r.CommissionStatus = models.ReferralCommissionPending
	r.SubscribedAt = &at
	r.UpdatedAt = at
	s.referrals[id] = r
	return r, nil
}

func (s *Store) SetReferralCommissionStatus(ctx context.Context, id uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.referrals[id]
	if !ok {
		return store.ErrNotFound
	}
	r.CommissionStatus = status
	r.UpdatedAt = time.Now().UTC()
	s.referrals[id] = r
	return nil
}

func (s *Store) ListReferrals(ctx context.Context, f store.ReferralFilter) ([]models.PartnerReferral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.PartnerReferral, 0)
	for _, r := range s.referrals {
		if f.PartnerID != nil && r.PartnerID != *f.PartnerID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.CommissionStatus != "" && r.CommissionStatus != f.CommissionStatus {
			continue
		}
		if f.WithSubscription && r.SubscriptionID == nil {
			continue
		}
		if f.CreatedFrom != nil && r.CreatedAt.Before(*f.CreatedFrom) {
			continue
		}
		if f.CreatedTo != nil && !r.CreatedAt.Before(*f.CreatedTo) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteReferralsBefore(ctx context.Context, status string, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, r := range s.referrals {
		if r.Status == status && r.CreatedAt.Before(before) {
			delete(s.referrals, id)
			n++
		}
	}
	return n, nil
}
