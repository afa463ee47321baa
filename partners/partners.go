// Package partners runs the referral program: partner registration, referral
// tracking, stats and tier aggregation, reports and data retention.
package partners

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/settings"
	"github.com/egor/ecocrm/store"
)

// Store is the persistence the program needs.
type Store interface {
	store.PartnerStore
	store.AnalyticsStore
	ListCommissions(ctx context.Context, f models.CommissionFilter) ([]models.PartnerCommission, error)
}

// Options tune the program.
type Options struct {
	// MonotonicTiers refuses tier downgrades; they are logged for review instead.
	MonotonicTiers bool
}

// Service is the partner program.
type Service struct {
	store    Store
	settings settings.Provider
	opts     Options
	log      *logrus.Entry
	now      func() time.Time
	newCode  func() (string, error)
}

func NewService(st Store, p settings.Provider, opts Options, log *logrus.Entry) *Service {
	return &Service{
		store:    st,
		settings: p,
		opts:     opts,
		log:      log.WithField("component", "partners"),
		now:      func() time.Time { return time.Now().UTC() },
		newCode:  generateCode,
	}
}

const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 8
	codeAttempts = 5
)

func generateCode() (string, error) {
	var b strings.Builder
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// RegisterInput is a partner application.
type RegisterInput struct {
	Name                 string   `json:"name" binding:"required"`
	Email                string   `json:"email" binding:"required"`
	CustomCommissionRate *float64 `json:"customCommissionRate"`
}

// RegisterPartner creates a pending partner with a fresh referral code,
// retrying when the code collides.
func (s *Service) RegisterPartner(ctx context.Context, in RegisterInput) (models.Partner, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if in.Name == "" {
		return models.Partner{}, models.NewError(models.KindValidation, "name is required", nil)
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return models.Partner{}, models.NewError(models.KindValidation, "invalid email", err)
	}
	if r := in.CustomCommissionRate; r != nil && (*r < 0 || *r > 100) {
		return models.Partner{}, models.NewError(models.KindValidation, "custom commission rate must be between 0 and 100", nil)
	}

	for attempt := 1; attempt <= codeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return models.Partner{}, fmt.Errorf("generate partner code: %w", err)
		}
		p := models.Partner{
			Name:                 in.Name,
			Email:                in.Email,
			PartnerCode:          code,
			Tier:                 models.TierBronze,
			CustomCommissionRate: in.CustomCommissionRate,
			Status:               models.PartnerPending,
		}
		err = s.store.CreatePartner(ctx, &p)
		if err == nil {
			s.log.WithFields(logrus.Fields{"partner_id": p.ID, "code": code}).Info("Partner registered")
			return p, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return models.Partner{}, fmt.Errorf("create partner: %w", err)
		}
		if _, lookupErr := s.store.GetPartnerByCode(ctx, code); lookupErr != nil {
			// the code is free, so the email is what collided
			return models.Partner{}, models.NewError(models.KindConflict, "a partner with this email already exists", err)
		}
		s.log.WithField("attempt", attempt).Debug("partner code collision, retrying")
	}
	return models.Partner{}, models.NewError(models.KindConflict, "could not allocate a unique partner code", nil)
}

func (s *Service) setStatus(ctx context.Context, id uuid.UUID, status string) (models.Partner, error) {
	p, err := s.Partner(ctx, id)
	if err != nil {
		return models.Partner{}, err
	}
	if p.Status == status {
		return p, nil
	}
	if err := s.store.UpdatePartnerStatus(ctx, id, status); err != nil {
		return models.Partner{}, fmt.Errorf("update partner status: %w", err)
	}
	p.Status = status
	s.log.WithFields(logrus.Fields{"partner_id": id, "status": status}).Info("Partner status changed")
	return p, nil
}

func (s *Service) ApprovePartner(ctx context.Context, id uuid.UUID) (models.Partner, error) {
	return s.setStatus(ctx, id, models.PartnerApproved)
}

func (s *Service) RejectPartner(ctx context.Context, id uuid.UUID) (models.Partner, error) {
	return s.setStatus(ctx, id, models.PartnerRejected)
}

func (s *Service) Partner(ctx context.Context, id uuid.UUID) (models.Partner, error) {
	p, err := s.store.GetPartner(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Partner{}, models.NewError(models.KindNotFound, "partner not found", err)
	}
	if err != nil {
		return models.Partner{}, fmt.Errorf("load partner: %w", err)
	}
	return p, nil
}

func (s *Service) ListPartners(ctx context.Context, status string) ([]models.Partner, error) {
	list, err := s.store.ListPartners(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("list partners: %w", err)
	}
	return list, nil
}

func (s *Service) bump(ctx context.Context, partnerID uuid.UUID, d models.AnalyticsDelta) {
	if err := s.store.IncrementDailyAnalytics(ctx, partnerID, models.Day(s.now()), d); err != nil {
		s.log.WithError(err).WithField("partner_id", partnerID).Warn("daily analytics update failed")
	}
}

// ClickInput describes a tracked referral link visit.
type ClickInput struct {
	Code        string `json:"code" binding:"required"`
	Source      string `json:"source"`
	LandingPage string `json:"landingPage"`
}

// TrackClick records a visit through an approved partner's link.
func (s *Service) TrackClick(ctx context.Context, in ClickInput) (models.PartnerReferral, error) {
	p, err := s.store.GetPartnerByCode(ctx, strings.ToUpper(strings.TrimSpace(in.Code)))
	if errors.Is(err, store.ErrNotFound) {
		return models.PartnerReferral{}, models.NewError(models.KindNotFound, "unknown partner code", err)
	}
	if err != nil {
		return models.PartnerReferral{}, fmt.Errorf("load partner: %w", err)
	}
	if p.Status != models.PartnerApproved {
		return models.PartnerReferral{}, models.NewError(models.KindValidation, "partner is not active", nil)
	}

	now := s.now()
	ref := models.PartnerReferral{
		PartnerID:        p.ID,
		Status:           models.ReferralClicked,
		CommissionStatus: models.ReferralCommissionPending,
		Source:           in.Source,
		LandingPage:      in.LandingPage,
		ClickedAt:        now,
		CreatedAt:        now,
	}
	if err := s.store.CreateReferral(ctx, &ref); err != nil {
		return models.PartnerReferral{}, fmt.Errorf("create referral: %w", err)
	}
	s.bump(ctx, p.ID, models.AnalyticsDelta{Clicks: 1})
	return ref, nil
}

// RegisterReferral attaches the tenant that signed up through a clicked referral.
func (s *Service) RegisterReferral(ctx context.Context, referralID, tenantID uuid.UUID) (models.PartnerReferral, error) {
	ref, err := s.store.MarkReferralRegistered(ctx, referralID, tenantID, s.now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return models.PartnerReferral{}, models.NewError(models.KindNotFound, "referral not found", err)
	case errors.Is(err, store.ErrPrecondition):
		return models.PartnerReferral{}, models.NewError(models.KindInvalidTransition, "referral is already registered", err)
	case err != nil:
		return models.PartnerReferral{}, fmt.Errorf("register referral: %w", err)
	}
	s.bump(ctx, ref.PartnerID, models.AnalyticsDelta{Registrations: 1})
	return ref, nil
}

// ActivateSubscription records the referred tenant's first payment. It
// succeeds once per referral.
func (s *Service) ActivateSubscription(ctx context.Context, referralID uuid.UUID, act models.SubscriptionActivation) (models.PartnerReferral, error) {
	if !act.Plan.Valid() {
		return models.PartnerReferral{}, models.NewError(models.KindValidation, "unknown plan "+string(act.Plan), nil)
	}
	if act.Amount <= 0 {
		return models.PartnerReferral{}, models.NewError(models.KindValidation, "amount must be positive", nil)
	}
	switch act.BillingCycle {
	case "":
		act.BillingCycle = models.BillingMonthly
	case models.BillingMonthly, models.BillingYearly:
	default:
		return models.PartnerReferral{}, models.NewError(models.KindValidation, "billing cycle must be monthly or yearly", nil)
	}
	act.Amount = models.Round2(act.Amount)

	ref, err := s.store.MarkReferralSubscribed(ctx, referralID, act, s.now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		return models.PartnerReferral{}, models.NewError(models.KindNotFound, "referral not found", err)
	case errors.Is(err, store.ErrPrecondition):
		return models.PartnerReferral{}, models.NewError(models.KindInvalidTransition, "referral is already subscribed", err)
	case err != nil:
		return models.PartnerReferral{}, fmt.Errorf("activate subscription: %w", err)
	}
	s.bump(ctx, ref.PartnerID, models.AnalyticsDelta{Subscriptions: 1, Revenue: act.Amount})
	s.log.WithFields(logrus.Fields{
		"referral_id": ref.ID,
		"partner_id":  ref.PartnerID,
		"plan":        act.Plan,
	}).Info("Referral subscribed")
	return ref, nil
}
