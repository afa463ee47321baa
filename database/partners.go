package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/store"
)

const partnerColumns = `id, name, email, partner_code, commission_tier, custom_commission_rate, status,
    total_referrals, total_conversions, total_commission_earned,
    month_referrals, month_conversions, month_commission_earned,
    stats_updated_at, created_at, updated_at`

const referralColumns = `id, partner_id, referred_tenant_id, status, subscription_id, subscription_plan,
    subscription_value, billing_cycle, commission_status, source, landing_page,
    clicked_at, registered_at, subscribed_at, created_at, updated_at`

func scanPartner(row rowScanner) (models.Partner, error) {
	var (
		p       models.Partner
		rate    sql.NullFloat64
		statsAt sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Email, &p.PartnerCode, &p.Tier, &rate, &p.Status,
		&p.TotalReferrals, &p.TotalConversions, &p.TotalCommissionEarned,
		&p.MonthReferrals, &p.MonthConversions, &p.MonthCommissionEarned,
		&statsAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return models.Partner{}, err
	}
	p.CustomCommissionRate = nullFloatToPointer(rate)
	p.StatsUpdatedAt = nullTimeToPointer(statsAt)
	return p, nil
}

func scanReferral(row rowScanner) (models.PartnerReferral, error) {
	var (
		r            models.PartnerReferral
		tenantID     uuid.NullUUID
		subID        sql.NullString
		registeredAt sql.NullTime
		subscribedAt sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.PartnerID, &tenantID, &r.Status, &subID, &r.SubscriptionPlan,
		&r.SubscriptionValue, &r.BillingCycle, &r.CommissionStatus, &r.Source, &r.LandingPage,
		&r.ClickedAt, &registeredAt, &subscribedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return models.PartnerReferral{}, err
	}
	r.ReferredTenantID = nullUUIDToPointer(tenantID)
	r.SubscriptionID = nullStringToPointer(subID)
	r.RegisteredAt = nullTimeToPointer(registeredAt)
	r.SubscribedAt = nullTimeToPointer(subscribedAt)
	return r, nil
}

func (db *DB) CreatePartner(ctx context.Context, p *models.Partner) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = p.CreatedAt
	const q = `
        INSERT INTO partners (` + partnerColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	if _, err := db.sql.ExecContext(ctx, q,
		p.ID, p.Name, p.Email, p.PartnerCode, p.Tier, p.CustomCommissionRate, p.Status,
		p.TotalReferrals, p.TotalConversions, p.TotalCommissionEarned,
		p.MonthReferrals, p.MonthConversions, p.MonthCommissionEarned,
		p.StatsUpdatedAt, p.CreatedAt, p.UpdatedAt,
	); err != nil {
		return fmt.Errorf("CreatePartner: %w", mapError(err))
	}
	return nil
}

func (db *DB) GetPartner(ctx context.Context, id uuid.UUID) (models.Partner, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	p, err := scanPartner(db.sql.QueryRowContext(ctx, `SELECT `+partnerColumns+` FROM partners WHERE id=$1`, id))
	if err != nil {
		return models.Partner{}, mapError(err)
	}
	return p, nil
}

func (db *DB) GetPartnerByCode(ctx context.Context, code string) (models.Partner, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	p, err := scanPartner(db.sql.QueryRowContext(ctx, `SELECT `+partnerColumns+` FROM partners WHERE partner_code=$1`, code))
	if err != nil {
		return models.Partner{}, mapError(err)
	}
	return p, nil
}

func (db *DB) ListPartners(ctx context.Context, status string) ([]models.Partner, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	rows, err := db.sql.QueryContext(ctx,
		`SELECT `+partnerColumns+` FROM partners WHERE ($1='' OR status=$1) ORDER BY created_at`, status)
	if err != nil {
		return nil, fmt.Errorf("ListPartners: %w", err)
	}
	defer rows.Close()

	out := make([]models.Partner, 0)
	for rows.Next() {
		p, err := scanPartner(rows)
		if err != nil {
			return nil, fmt.Errorf("ListPartners scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (db *DB) UpdatePartnerStatus(ctx context.Context, id uuid.UUID, status string) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	return expectOne(db.sql.ExecContext(ctx,
		`UPDATE partners SET status=$2, updated_at=now() WHERE id=$1`, id, status))
}

func (db *DB) UpdatePartnerStats(ctx context.Context, id uuid.UUID, st models.PartnerStats) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	const q = `
        UPDATE partners
           SET total_referrals=$2, total_conversions=$3, total_commission_earned=$4,
               month_referrals=$5, month_conversions=$6, month_commission_earned=$7,
               stats_updated_at=$8, updated_at=now()
         WHERE id=$1`
	return expectOne(db.sql.ExecContext(ctx, q, id,
		st.TotalReferrals, st.TotalConversions, st.TotalCommissionEarned,
		st.MonthReferrals, st.MonthConversions, st.MonthCommissionEarned, st.UpdatedAt))
}

func (db *DB) UpdatePartnerTier(ctx context.Context, id uuid.UUID, tier models.Tier) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	return expectOne(db.sql.ExecContext(ctx,
		`UPDATE partners SET commission_tier=$2, updated_at=now() WHERE id=$1`, id, tier))
}

func (db *DB) CreateReferral(ctx context.Context, r *models.PartnerReferral) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.ClickedAt.IsZero() {
		r.ClickedAt = r.CreatedAt
	}
	r.UpdatedAt = r.CreatedAt
	const q = `
        INSERT INTO partner_referrals (` + referralColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`
	_, err := db.sql.ExecContext(ctx, q,
		r.ID, r.PartnerID, r.ReferredTenantID, r.Status, r.SubscriptionID, r.SubscriptionPlan,
		r.SubscriptionValue, r.BillingCycle, r.CommissionStatus, r.Source, r.LandingPage,
		r.ClickedAt, r.RegisteredAt, r.SubscribedAt, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("CreateReferral: %w", mapError(err))
	}
	return nil
}

func (db *DB) GetReferral(ctx context.Context, id uuid.UUID) (models.PartnerReferral, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	r, err := scanReferral(db.sql.QueryRowContext(ctx, `SELECT `+referralColumns+` FROM partner_referrals WHERE id=$1`, id))
	if err != nil {
		return models.PartnerReferral{}, mapError(err)
	}
	return r, nil
}

// conditionalReferralUpdate runs a guarded UPDATE ... RETURNING and tells a
// missing row apart from a row in the wrong state.
func (db *DB) conditionalReferralUpdate(ctx context.Context, id uuid.UUID, q string, args ...any) (models.PartnerReferral, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	r, err := scanReferral(db.sql.QueryRowContext(ctx, q, args...))
	if err == nil {
		return r, nil
	}
	if mapped := mapError(err); !errors.Is(mapped, store.ErrNotFound) {
		return models.PartnerReferral{}, mapped
	}
	current, getErr := scanReferral(db.sql.QueryRowContext(ctx,
		`SELECT `+referralColumns+` FROM partner_referrals WHERE id=$1`, id))
	if getErr != nil {
		return models.PartnerReferral{}, mapError(getErr)
	}
	return current, store.ErrPrecondition
}

func (db *DB) MarkReferralRegistered(ctx context.Context, id, tenantID uuid.UUID, at time.Time) (models.PartnerReferral, error) {
	return db.conditionalReferralUpdate(ctx, id, `
        UPDATE partner_referrals
           SET status='registered', referred_tenant_id=$2, registered_at=$3, updated_at=$3
         WHERE id=$1 AND status='clicked'
     RETURNING `+referralColumns, id, tenantID, at)
}

func (db *DB) MarkReferralSubscribed(ctx context.Context, id uuid.UUID, act models.SubscriptionActivation, at time.Time) (models.PartnerReferral, error) {
	return db.conditionalReferralUpdate(ctx, id, `
        UPDATE partner_referrals
           SET status='subscribed', subscription_id=$2, subscription_plan=$3, subscription_value=$4,
               billing_cycle=$5, commission_status='pending', subscribed_at=$6, updated_at=$6
         WHERE id=$1 AND status<>'subscribed'
     RETURNING `+referralColumns, id, act.SubscriptionID, act.Plan, act.Amount, act.BillingCycle, at)
}

func (db *DB) SetReferralCommissionStatus(ctx context.Context, id uuid.UUID, status string) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	return expectOne(db.sql.ExecContext(ctx,
		`UPDATE partner_referrals SET commission_status=$2, updated_at=now() WHERE id=$1`, id, status))
}

func (db *DB) ListReferrals(ctx context.Context, f store.ReferralFilter) ([]models.PartnerReferral, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.PartnerID != nil {
		add("partner_id=$%d", *f.PartnerID)
	}
	if f.Status != "" {
		add("status=$%d", f.Status)
	}
	if f.CommissionStatus != "" {
		add("commission_status=$%d", f.CommissionStatus)
	}
	if f.WithSubscription {
		where = append(where, "subscription_id IS NOT NULL")
	}
	if f.CreatedFrom != nil {
		add("created_at>=$%d", *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		add("created_at<$%d", *f.CreatedTo)
	}

	q := `SELECT ` + referralColumns + ` FROM partner_referrals`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at`

	rows, err := db.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ListReferrals: %w", err)
	}
	defer rows.Close()

	out := make([]models.PartnerReferral, 0)
	for rows.Next() {
		r, err := scanReferral(rows)
		if err != nil {
			return nil, fmt.Errorf("ListReferrals scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (db *DB) DeleteReferralsBefore(ctx context.Context, status string, before time.Time) (int64, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	res, err := db.sql.ExecContext(ctx,
		`DELETE FROM partner_referrals WHERE status=$1 AND created_at<$2`, status, before)
	if err != nil {
		return 0, fmt.Errorf("DeleteReferralsBefore: %w", err)
	}
	return res.RowsAffected()
}
