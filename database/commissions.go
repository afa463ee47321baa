package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/store"
)

const commissionColumns = `id, partner_id, referral_id, commission_type, base_amount, rate, amount, status,
    reference_month, reference_year, description, payment_details, approved_at, paid_at, created_at`

func scanCommission(row rowScanner) (models.PartnerCommission, error) {
	var (
		c          models.PartnerCommission
		referralID uuid.NullUUID
		details    []byte
		approvedAt sql.NullTime
		paidAt     sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.PartnerID, &referralID, &c.Type, &c.BaseAmount, &c.Rate, &c.Amount, &c.Status,
		&c.ReferenceMonth, &c.ReferenceYear, &c.Description, &details, &approvedAt, &paidAt, &c.CreatedAt); err != nil {
		return models.PartnerCommission{}, err
	}
	c.ReferralID = nullUUIDToPointer(referralID)
	c.ApprovedAt = nullTimeToPointer(approvedAt)
	c.PaidAt = nullTimeToPointer(paidAt)
	if len(details) > 0 {
		c.PaymentDetails = &models.PaymentDetails{}
		if err := decodeJSON(details, c.PaymentDetails); err != nil {
			return models.PartnerCommission{}, fmt.Errorf("commission %s payment details: %w", c.ID, err)
		}
	}
	return c, nil
}

func (db *DB) InsertCommission(ctx context.Context, c *models.PartnerCommission) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Status == "" {
		c.Status = models.CommissionPending
	}
	details, err := jsonArg(c.PaymentDetails)
	if err != nil {
		return fmt.Errorf("InsertCommission: %w", err)
	}
	const q = `
        INSERT INTO partner_commissions (` + commissionColumns + `)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	if _, err := db.sql.ExecContext(ctx, q,
		c.ID, c.PartnerID, c.ReferralID, c.Type, c.BaseAmount, c.Rate, c.Amount, c.Status,
		c.ReferenceMonth, c.ReferenceYear, c.Description, details, c.ApprovedAt, c.PaidAt, c.CreatedAt,
	); err != nil {
		return mapError(err)
	}
	return nil
}

func (db *DB) FindRecurringCommission(ctx context.Context, partnerID, referralID uuid.UUID, month, year int) (models.PartnerCommission, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	row := db.sql.QueryRowContext(ctx, `
        SELECT `+commissionColumns+` FROM partner_commissions
         WHERE commission_type='recurring' AND partner_id=$1 AND referral_id=$2
           AND reference_month=$3 AND reference_year=$4`,
		partnerID, referralID, month, year)
	c, err := scanCommission(row)
	if err != nil {
		return models.PartnerCommission{}, mapError(err)
	}
	return c, nil
}

func (db *DB) FindBonusCommission(ctx context.Context, partnerID uuid.UUID, month, year int) (models.PartnerCommission, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	row := db.sql.QueryRowContext(ctx, `
        SELECT `+commissionColumns+` FROM partner_commissions
         WHERE commission_type='bonus' AND partner_id=$1 AND reference_month=$2 AND reference_year=$3`,
		partnerID, month, year)
	c, err := scanCommission(row)
	if err != nil {
		return models.PartnerCommission{}, mapError(err)
	}
	return c, nil
}

func (db *DB) ListCommissions(ctx context.Context, f models.CommissionFilter) ([]models.PartnerCommission, error) {
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
	if f.Type != "" {
		add("commission_type=$%d", f.Type)
	}
	if f.Status != "" {
		add("status=$%d", f.Status)
	}
	if f.From != nil {
		add("created_at>=$%d", *f.From)
	}
	if f.To != nil {
		add("created_at<$%d", *f.To)
	}

	q := `SELECT ` + commissionColumns + ` FROM partner_commissions`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at`

	rows, err := db.sql.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ListCommissions: %w", err)
	}
	defer rows.Close()

	out := make([]models.PartnerCommission, 0)
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, fmt.Errorf("ListCommissions scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// TransitionCommissions locks the rows, checks every one of them, and only
// then writes, so a batch moves completely or not at all.
func (db *DB) TransitionCommissions(ctx context.Context, ids []uuid.UUID, allowedFrom []models.CommissionStatus, to models.CommissionStatus, details *models.PaymentDetails, at time.Time) (int, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	unique := make([]string, 0, len(ids))
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			unique = append(unique, id.String())
		}
	}
	detailsArg, err := jsonArg(details)
	if err != nil {
		return 0, fmt.Errorf("TransitionCommissions: %w", err)
	}

	var updated int
	err = db.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, status FROM partner_commissions WHERE id = ANY($1::uuid[]) FOR UPDATE`, unique)
		if err != nil {
			return fmt.Errorf("TransitionCommissions lock: %w", err)
		}
		found := make(map[uuid.UUID]models.CommissionStatus, len(unique))
		for rows.Next() {
			var (
				id     uuid.UUID
				status models.CommissionStatus
			)
			if err := rows.Scan(&id, &status); err != nil {
				rows.Close()
				return fmt.Errorf("TransitionCommissions scan: %w", err)
			}
			found[id] = status
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for id := range seen {
			status, ok := found[id]
			if !ok {
				return fmt.Errorf("commission %s: %w", id, store.ErrNotFound)
			}
			if len(allowedFrom) > 0 && !statusAllowed(status, allowedFrom) {
				return fmt.Errorf("commission %s is %s: %w", id, status, store.ErrPrecondition)
			}
		}

		var q string
		args := []any{unique, to, at}
		switch to {
		case models.CommissionApproved:
			q = `UPDATE partner_commissions SET status=$2, approved_at=$3 WHERE id = ANY($1::uuid[])`
		case models.CommissionPaid:
			q = `UPDATE partner_commissions SET status=$2, paid_at=$3, payment_details=COALESCE($4::jsonb, payment_details) WHERE id = ANY($1::uuid[])`
			args = append(args, detailsArg)
		default:
			q = `UPDATE partner_commissions SET status=$2 WHERE id = ANY($1::uuid[]) AND $3::timestamptz IS NOT NULL`
		}
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("TransitionCommissions update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		updated = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

func statusAllowed(s models.CommissionStatus, set []models.CommissionStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
