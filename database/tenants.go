package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/store"
)

func (db *DB) CreateTenant(ctx context.Context, t *models.Tenant) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO tenants (id, name, plan, active, created_at) VALUES ($1,$2,$3,$4,$5)`
	if _, err := db.sql.ExecContext(ctx, q, t.ID, t.Name, t.Plan, t.Active, t.CreatedAt); err != nil {
		return fmt.Errorf("CreateTenant: %w", mapError(err))
	}
	return nil
}

func (db *DB) GetTenant(ctx context.Context, id uuid.UUID) (models.Tenant, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	var t models.Tenant
	const q = `SELECT id, name, plan, active, created_at FROM tenants WHERE id=$1`
	if err := db.sql.QueryRowContext(ctx, q, id).Scan(&t.ID, &t.Name, &t.Plan, &t.Active, &t.CreatedAt); err != nil {
		return models.Tenant{}, mapError(err)
	}
	return t, nil
}

func (db *DB) UpdateTenantPlan(ctx context.Context, id uuid.UUID, plan models.Plan) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	return expectOne(db.sql.ExecContext(ctx, `UPDATE tenants SET plan=$2 WHERE id=$1`, id, plan))
}

func (db *DB) CreateAdmin(ctx context.Context, a *models.Admin) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	const q = `
        INSERT INTO admins (id, tenant_id, name, email, password_hash, avatar, role, active)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	if _, err := db.sql.ExecContext(ctx, q,
		a.ID, a.TenantID, a.Name, a.Email, a.PasswordHash, a.Avatar, a.Role, a.Active,
	); err != nil {
		return fmt.Errorf("CreateAdmin: %w", mapError(err))
	}
	return nil
}

func (db *DB) GetAdminByEmail(ctx context.Context, email string) (models.Admin, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	var (
		a          models.Admin
		avatarNull sql.NullString
	)
	const q = `
        SELECT id, tenant_id, name, email, password_hash, avatar, role, active
          FROM admins
         WHERE lower(email)=lower($1)`
	if err := db.sql.QueryRowContext(ctx, q, email).Scan(
		&a.ID, &a.TenantID, &a.Name, &a.Email, &a.PasswordHash, &avatarNull, &a.Role, &a.Active,
	); err != nil {
		return models.Admin{}, mapError(err)
	}
	a.Avatar = nullStringToPointer(avatarNull)
	return a, nil
}

func (db *DB) GetSetting(ctx context.Context, name string) (json.RawMessage, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	var raw []byte
	if err := db.sql.QueryRowContext(ctx, `SELECT value FROM settings WHERE name=$1`, name).Scan(&raw); err != nil {
		return nil, mapError(err)
	}
	return json.RawMessage(raw), nil
}

func (db *DB) PutSetting(ctx context.Context, name string, value json.RawMessage) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	if !json.Valid(value) {
		return fmt.Errorf("PutSetting %s: invalid JSON: %w", name, store.ErrPrecondition)
	}
	const q = `
        INSERT INTO settings (name, value, updated_at) VALUES ($1, $2, now())
        ON CONFLICT (name) DO UPDATE SET value=EXCLUDED.value, updated_at=now()`
	if _, err := db.sql.ExecContext(ctx, q, name, string(value)); err != nil {
		return fmt.Errorf("PutSetting %s: %w", name, err)
	}
	return nil
}
