package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/egor/ecocrm/models"
)

const analyticsColumns = `id, partner_id, period_type, period_date, clicks, registrations, subscriptions,
    revenue, commission_earned, conversion_rate`

func scanAnalytics(row rowScanner) (models.PartnerAnalytics, error) {
	var a models.PartnerAnalytics
	if err := row.Scan(&a.ID, &a.PartnerID, &a.PeriodType, &a.PeriodDate, &a.Clicks, &a.Registrations,
		&a.Subscriptions, &a.Revenue, &a.CommissionEarned, &a.ConversionRate); err != nil {
		return models.PartnerAnalytics{}, err
	}
	a.PeriodDate = models.Day(a.PeriodDate)
	return a, nil
}

func (db *DB) IncrementDailyAnalytics(ctx context.Context, partnerID uuid.UUID, day time.Time, d models.AnalyticsDelta) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	const q = `
        INSERT INTO partner_analytics (id, partner_id, period_type, period_date, clicks, registrations, subscriptions, revenue, conversion_rate)
        VALUES ($1, $2, 'daily', $3, $4, $5, $6, $7,
                CASE WHEN $4 > 0 THEN ROUND($6::numeric / $4 * 100, 2) ELSE 0 END)
        ON CONFLICT (partner_id, period_type, period_date) DO UPDATE SET
            clicks        = partner_analytics.clicks + EXCLUDED.clicks,
            registrations = partner_analytics.registrations + EXCLUDED.registrations,
            subscriptions = partner_analytics.subscriptions + EXCLUDED.subscriptions,
            revenue       = partner_analytics.revenue + EXCLUDED.revenue,
            conversion_rate = CASE
                WHEN partner_analytics.clicks + EXCLUDED.clicks > 0
                THEN ROUND((partner_analytics.subscriptions + EXCLUDED.subscriptions)::numeric
                           / (partner_analytics.clicks + EXCLUDED.clicks) * 100, 2)
                ELSE 0 END`
	if _, err := db.sql.ExecContext(ctx, q, uuid.New(), partnerID, models.Day(day),
		d.Clicks, d.Registrations, d.Subscriptions, models.Round2(d.Revenue)); err != nil {
		return fmt.Errorf("IncrementDailyAnalytics: %w", mapError(err))
	}
	return nil
}

func (db *DB) GetAnalytics(ctx context.Context, partnerID uuid.UUID, periodType string, periodDate time.Time) (models.PartnerAnalytics, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	a, err := scanAnalytics(db.sql.QueryRowContext(ctx,
		`SELECT `+analyticsColumns+` FROM partner_analytics WHERE partner_id=$1 AND period_type=$2 AND period_date=$3`,
		partnerID, periodType, models.Day(periodDate)))
	if err != nil {
		return models.PartnerAnalytics{}, mapError(err)
	}
	return a, nil
}

const upsertAnalytics = `
    INSERT INTO partner_analytics (` + analyticsColumns + `)
    VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
    ON CONFLICT (partner_id, period_type, period_date) DO UPDATE SET
        clicks=EXCLUDED.clicks, registrations=EXCLUDED.registrations, subscriptions=EXCLUDED.subscriptions,
        revenue=EXCLUDED.revenue, commission_earned=EXCLUDED.commission_earned, conversion_rate=EXCLUDED.conversion_rate
    RETURNING id`

type execQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func upsertAnalyticsWith(ctx context.Context, q execQuerier, a *models.PartnerAnalytics) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return q.QueryRowContext(ctx, upsertAnalytics,
		a.ID, a.PartnerID, a.PeriodType, models.Day(a.PeriodDate), a.Clicks, a.Registrations, a.Subscriptions,
		a.Revenue, a.CommissionEarned, a.ConversionRate,
	).Scan(&a.ID)
}

func (db *DB) UpsertAnalytics(ctx context.Context, a *models.PartnerAnalytics) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	if err := upsertAnalyticsWith(ctx, db.sql, a); err != nil {
		return fmt.Errorf("UpsertAnalytics: %w", mapError(err))
	}
	return nil
}

func (db *DB) ListDailyAnalyticsBefore(ctx context.Context, before time.Time) ([]models.PartnerAnalytics, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	rows, err := db.sql.QueryContext(ctx,
		`SELECT `+analyticsColumns+` FROM partner_analytics WHERE period_type='daily' AND period_date<$1 ORDER BY partner_id, period_date`,
		models.Day(before))
	if err != nil {
		return nil, fmt.Errorf("ListDailyAnalyticsBefore: %w", err)
	}
	defer rows.Close()

	out := make([]models.PartnerAnalytics, 0)
	for rows.Next() {
		a, err := scanAnalytics(rows)
		if err != nil {
			return nil, fmt.Errorf("ListDailyAnalyticsBefore scan: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (db *DB) DeleteDailyAnalyticsBefore(ctx context.Context, before time.Time) (int64, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	res, err := db.sql.ExecContext(ctx,
		`DELETE FROM partner_analytics WHERE period_type='daily' AND period_date<$1`, models.Day(before))
	if err != nil {
		return 0, fmt.Errorf("DeleteDailyAnalyticsBefore: %w", err)
	}
	return res.RowsAffected()
}

func (db *DB) ReplaceDailyWithMonthly(ctx context.Context, monthly *models.PartnerAnalytics, sourceIDs []uuid.UUID) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	ids := make([]string, len(sourceIDs))
	for i, id := range sourceIDs {
		ids[i] = id.String()
	}
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if err := upsertAnalyticsWith(ctx, tx, monthly); err != nil {
			return fmt.Errorf("ReplaceDailyWithMonthly upsert: %w", mapError(err))
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM partner_analytics WHERE period_type='daily' AND id = ANY($1::uuid[])`, ids,
		); err != nil {
			return fmt.Errorf("ReplaceDailyWithMonthly delete: %w", err)
		}
		return nil
	})
}
