// Package store declares the persistence contract the CRM runs on. The
// Postgres implementation lives in package database and an in-memory one in
// store/memory; both enforce the same unique keys, which are the correctness
// backstop for every find-or-create and idempotency check.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/egor/ecocrm/models"
)

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write hits a unique key.
	ErrConflict = errors.New("store: unique conflict")
	// ErrPrecondition is returned when a conditional update matched rows in the wrong state.
	ErrPrecondition = errors.New("store: precondition failed")
)

// TenantStore holds tenants and their staff logins.
type TenantStore interface {
	CreateTenant(ctx context.Context, t *models.Tenant) error
	GetTenant(ctx context.Context, id uuid.UUID) (models.Tenant, error)
	UpdateTenantPlan(ctx context.Context, id uuid.UUID, plan models.Plan) error
	CreateAdmin(ctx context.Context, a *models.Admin) error
	GetAdminByEmail(ctx context.Context, email string) (models.Admin, error)
}

// ChannelStore holds channel rows.
type ChannelStore interface {
	// CreateChannel inserts ch; when ch.IsPrimary it clears the tenant's other
	// primaries in the same transaction.
	CreateChannel(ctx context.Context, ch *models.Channel) error
	GetChannel(ctx context.Context, tenantID, id uuid.UUID) (models.Channel, error)
	ListChannels(ctx context.Context, tenantID uuid.UUID) ([]models.Channel, error)
	// ActiveChannel returns the tenant's active row of the given type.
	ActiveChannel(ctx context.Context, tenantID uuid.UUID, t models.ChannelType) (models.Channel, error)
	UpdateChannel(ctx context.Context, ch models.Channel) error
	SetChannelActive(ctx context.Context, tenantID, id uuid.UUID, active bool) error
	// SetPrimaryChannel makes id the only primary channel of the tenant atomically.
	SetPrimaryChannel(ctx context.Context, tenantID, id uuid.UUID) error
	// DeleteChannel removes the row and, if it was primary, promotes the oldest active channel.
	DeleteChannel(ctx context.Context, tenantID, id uuid.UUID) error
	ChannelStats(ctx context.Context, tenantID uuid.UUID, t models.ChannelType) (models.ChannelStats, error)
}

// ChatStore holds contacts, conversations and messages.
type ChatStore interface {
	FindContact(ctx context.Context, tenantID uuid.UUID, t models.ChannelType, externalID string) (models.Contact, error)
	GetContact(ctx context.Context, tenantID, id uuid.UUID) (models.Contact, error)
	InsertContact(ctx context.Context, c *models.Contact) error
	FindActiveConversation(ctx context.Context, tenantID, contactID uuid.UUID, t models.ChannelType) (models.Conversation, error)
	GetConversation(ctx context.Context, tenantID, id uuid.UUID) (models.Conversation, error)
	InsertConversation(ctx context.Context, c *models.Conversation) error
	CloseConversation(ctx context.Context, tenantID, id uuid.UUID) error
	SetConversationIntent(ctx context.Context, id uuid.UUID, intent string) error
	// InsertMessage stores m and bumps the conversation's last_message_at.
	InsertMessage(ctx context.Context, m *models.Message) error
	FindMessageByExternalID(ctx context.Context, tenantID uuid.UUID, t models.ChannelType, externalID string) (models.Message, error)
	ListConversations(ctx context.Context, tenantID uuid.UUID, page, size int) ([]models.ConversationSummary, int, error)
	ListMessages(ctx context.Context, conversationID uuid.UUID, page, size int) ([]models.Message, int, error)
	MarkMessagesRead(ctx context.Context, conversationID uuid.UUID) error
}

// ReferralFilter narrows referral queries. Zero values match everything.
type ReferralFilter struct {
	PartnerID        *uuid.UUID
	Status           string
	CommissionStatus string
	WithSubscription bool
	CreatedFrom      *time.Time
	CreatedTo        *time.Time
}

// PartnerStore holds partners and their referrals.
type PartnerStore interface {
	CreatePartner(ctx context.Context, p *models.Partner) error
	GetPartner(ctx context.Context, id uuid.UUID) (models.Partner, error)
	GetPartnerByCode(ctx context.Context, code string) (models.Partner, error)
	ListPartners(ctx context.Context, status string) ([]models.Partner, error)
	UpdatePartnerStatus(ctx context.Context, id uuid.UUID, status string) error
	UpdatePartnerStats(ctx context.Context, id uuid.UUID, stats models.PartnerStats) error
	UpdatePartnerTier(ctx context.Context, id uuid.UUID, tier models.Tier) error

	CreateReferral(ctx context.Context, r *models.PartnerReferral) error
	GetReferral(ctx context.Context, id uuid.UUID) (models.PartnerReferral, error)
	// MarkReferralRegistered moves a clicked referral to registered; ErrPrecondition otherwise.
	MarkReferralRegistered(ctx context.Context, id, tenantID uuid.UUID, at time.Time) (models.PartnerReferral, error)
	// MarkReferralSubscribed moves a referral to subscribed exactly once; ErrPrecondition if already subscribed.
	MarkReferralSubscribed(ctx context.Context, id uuid.UUID, act models.SubscriptionActivation, at time.Time) (models.PartnerReferral, error)
	SetReferralCommissionStatus(ctx context.Context, id uuid.UUID, status string) error
	ListReferrals(ctx context.Context, f ReferralFilter) ([]models.PartnerReferral, error)
	DeleteReferralsBefore(ctx context.Context, status string, before time.Time) (int64, error)
}

// CommissionStore holds partner commissions.
type CommissionStore interface {
	// InsertCommission returns ErrConflict when an idempotency key already exists.
	InsertCommission(ctx context.Context, c *models.PartnerCommission) error
	FindRecurringCommission(ctx context.Context, partnerID, referralID uuid.UUID, month, year int) (models.PartnerCommission, error)
	FindBonusCommission(ctx context.Context, partnerID uuid.UUID, month, year int) (models.PartnerCommission, error)
	ListCommissions(ctx context.Context, f models.CommissionFilter) ([]models.PartnerCommission, error)
	// TransitionCommissions moves all ids to status `to` atomically. With a
	// non-empty allowedFrom every row must be in one of those states, otherwise
	// nothing changes and ErrPrecondition is returned.
	TransitionCommissions(ctx context.Context, ids []uuid.UUID, allowedFrom []models.CommissionStatus, to models.CommissionStatus, details *models.PaymentDetails, at time.Time) (int, error)
}

// AnalyticsStore holds partner analytics rollups.
type AnalyticsStore interface {
	IncrementDailyAnalytics(ctx context.Context, partnerID uuid.UUID, day time.Time, d models.AnalyticsDelta) error
	GetAnalytics(ctx context.Context, partnerID uuid.UUID, periodType string, periodDate time.Time) (models.PartnerAnalytics, error)
	UpsertAnalytics(ctx context.Context, a *models.PartnerAnalytics) error
	ListDailyAnalyticsBefore(ctx context.Context, before time.Time) ([]models.PartnerAnalytics, error)
	DeleteDailyAnalyticsBefore(ctx context.Context, before time.Time) (int64, error)
	// ReplaceDailyWithMonthly upserts the monthly row and deletes the source daily rows in one transaction.
	ReplaceDailyWithMonthly(ctx context.Context, monthly *models.PartnerAnalytics, sourceIDs []uuid.UUID) error
}

// SettingsStore is the key/value settings table.
type SettingsStore interface {
	GetSetting(ctx context.Context, name string) (json.RawMessage, error)
	PutSetting(ctx context.Context, name string, value json.RawMessage) error
}

// Store is everything the CRM persists.
type Store interface {
	TenantStore
	ChannelStore
	ChatStore
	PartnerStore
	CommissionStore
	AnalyticsStore
	SettingsStore
	Ping(ctx context.Context) error
	Close() error
}

// Paginate clamps page and size the way every list endpoint does.
func Paginate(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > MaxPageSize {
		size = DefaultPageSize
	}
	return page, size
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)
