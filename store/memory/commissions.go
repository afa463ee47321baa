package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/store"
)

// sameKey reports whether a and b collide on one of the commission idempotency keys.
func sameKey(a, b models.PartnerCommission) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case models.CommissionSignup:
		return a.ReferralID != nil && b.ReferralID != nil && *a.ReferralID == *b.ReferralID
	case models.CommissionRecurring:
		return a.PartnerID == b.PartnerID && a.ReferralID != nil && b.ReferralID != nil &&
			*a.ReferralID == *b.ReferralID && a.ReferenceMonth == b.ReferenceMonth && a.ReferenceYear == b.ReferenceYear
	case models.CommissionBonus:
		return a.PartnerID == b.PartnerID && a.ReferenceMonth == b.ReferenceMonth && a.ReferenceYear == b.ReferenceYear
	}
	return false
}

func (s *Store) InsertCommission(ctx context.Context, c *models.PartnerCommission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.commissions {
		if sameKey(existing, *c) {
			return store.ErrConflict
		}
	}
	ensureID(&c.ID)
	stamp(&c.CreatedAt)
	if c.Status == "" {
		c.Status = models.CommissionPending
	}
	s.commissions[c.ID] = *c
	return nil
}

func (s *Store) FindRecurringCommission(ctx context.Context, partnerID, referralID uuid.UUID, month, year int) (models.PartnerCommission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	probe := models.PartnerCommission{
		Type: models.CommissionRecurring, PartnerID: partnerID, ReferralID: &referralID,
		ReferenceMonth: month, ReferenceYear: year,
	}
	for _, c := range s.commissions {
		if sameKey(c, probe) {
			return c, nil
		}
	}
	return models.PartnerCommission{}, store.ErrNotFound
}

func (s *Store) FindBonusCommission(ctx context.Context, partnerID uuid.UUID, month, year int) (models.PartnerCommission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	probe := models.PartnerCommission{
		Type: models.CommissionBonus, PartnerID: partnerID, ReferenceMonth: month, ReferenceYear: year,
	}
	for _, c := range s.commissions {
		if sameKey(c, probe) {
			return c, nil
		}
	}
	return models.PartnerCommission{}, store.ErrNotFound
}

func (s *Store) ListCommissions(ctx context.Context, f models.CommissionFilter) ([]models.PartnerCommission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.PartnerCommission, 0)
	for _, c := range s.commissions {
		if f.PartnerID != nil && c.PartnerID != *f.PartnerID {
			continue
		}
		if f.Type != "" && c.Type != f.Type {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.From != nil && c.CreatedAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !c.CreatedAt.Before(*f.To) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) TransitionCommissions(ctx context.Context, ids []uuid.UUID, allowedFrom []models.CommissionStatus, to models.CommissionStatus, details *models.PaymentDetails, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		c, ok := s.commissions[id]
		if !ok {
			return 0, fmt.Errorf("commission %s: %w", id, store.ErrNotFound)
		}
		if len(allowedFrom) > 0 && !statusIn(c.Status, allowedFrom) {
			return 0, fmt.Errorf("commission %s is %s: %w", id, c.Status, store.ErrPrecondition)
		}
		seen[id] = struct{}{}
	}

	for id := range seen {
		c := s.commissions[id]
		c.Status = to
		switch to {
		case models.CommissionApproved:
			t := at
			c.ApprovedAt = &t
		case models.CommissionPaid:
			t := at
			c.PaidAt = &t
			if details != nil {
				d := *details
				c.PaymentDetails = &d
			}
		}
		s.commissions[id] = c
	}
	return len(seen), nil
}

func statusIn(s models.CommissionStatus, set []models.CommissionStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
