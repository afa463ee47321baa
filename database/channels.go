package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/egor/ecocrm/models"
)

const channelColumns = `id, tenant_id, channel_type, name, config, is_active, is_primary, created_at, updated_at`

func scanChannel(row rowScanner) (models.Channel, error) {
	var (
		ch  models.Channel
		raw []byte
	)
	if err := row.Scan(&ch.ID, &ch.TenantID, &ch.Type, &ch.Name, &raw,
		&ch.IsActive, &ch.IsPrimary, &ch.CreatedAt, &ch.UpdatedAt); err != nil {
		return models.Channel{}, err
	}
	ch.Config = models.ChannelConfig{}
	if err := decodeJSON(raw, &ch.Config); err != nil {
		return models.Channel{}, fmt.Errorf("channel %s config: %w", ch.ID, err)
	}
	return ch, nil
}

func (db *DB) CreateChannel(ctx context.Context, ch *models.Channel) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	if ch.ID == uuid.Nil {
		ch.ID = uuid.New()
	}
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}
	ch.UpdatedAt = ch.CreatedAt
	cfg, err := ch.Config.MarshalConfig()
	if err != nil {
		return fmt.Errorf("CreateChannel: %w", err)
	}

	return db.inTx(ctx, func(tx *sql.Tx) error {
		if ch.IsPrimary {
			if _, err := tx.ExecContext(ctx,
				`UPDATE channels SET is_primary=false, updated_at=now() WHERE tenant_id=$1 AND is_primary`,
				ch.TenantID,
			); err != nil {
				return fmt.Errorf("CreateChannel clear primary: %w", err)
			}
		}
		const q = `
            INSERT INTO channels (` + channelColumns + `)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
		if _, err := tx.ExecContext(ctx, q, ch.ID, ch.TenantID, ch.Type, ch.Name, string(cfg),
			ch.IsActive, ch.IsPrimary, ch.CreatedAt, ch.UpdatedAt); err != nil {
			return fmt.Errorf("CreateChannel: %w", mapError(err))
		}
		return nil
	})
}

func (db *DB) GetChannel(ctx context.Context, tenantID, id uuid.UUID) (models.Channel, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	row := db.sql.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	ch, err := scanChannel(row)
	if err != nil {
		return models.Channel{}, mapError(err)
	}
	return ch, nil
}

func (db *DB) ListChannels(ctx context.Context, tenantID uuid.UUID) ([]models.Channel, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	rows, err := db.sql.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE tenant_id=$1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("ListChannels: %w", err)
	}
	defer rows.Close()

	out := make([]models.Channel, 0)
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("ListChannels scan: %w", err)
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

func (db *DB) ActiveChannel(ctx context.Context, tenantID uuid.UUID, t models.ChannelType) (models.Channel, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	row := db.sql.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE tenant_id=$1 AND channel_type=$2 AND is_active`,
		tenantID, t)
	ch, err := scanChannel(row)
	if err != nil {
		return models.Channel{}, mapError(err)
	}
	return ch, nil
}

func (db *DB) UpdateChannel(ctx context.Context, ch models.Channel) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	cfg, err := ch.Config.MarshalConfig()
	if err != nil {
		return fmt.Errorf("UpdateChannel: %w", err)
	}
	return expectOne(db.sql.ExecContext(ctx,
		`UPDATE channels SET name=$3, config=$4, updated_at=now() WHERE tenant_id=$1 AND id=$2`,
		ch.TenantID, ch.ID, ch.Name, string(cfg)))
}

func (db *DB) SetChannelActive(ctx context.Context, tenantID, id uuid.UUID, active bool) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	return expectOne(db.sql.ExecContext(ctx,
		`UPDATE channels SET is_active=$3, updated_at=now() WHERE tenant_id=$1 AND id=$2`,
		tenantID, id, active))
}

// SetPrimaryChannel clears the old primary before setting the new one, inside
// one transaction, because the partial unique index is checked per row.
func (db *DB) SetPrimaryChannel(ctx context.Context, tenantID, id uuid.UUID) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE channels SET is_primary=false, updated_at=now() WHERE tenant_id=$1 AND is_primary AND id<>$2`,
			tenantID, id,
		); err != nil {
			return fmt.Errorf("SetPrimaryChannel clear: %w", err)
		}
		return expectOne(tx.ExecContext(ctx,
			`UPDATE channels SET is_primary=true, updated_at=now() WHERE tenant_id=$1 AND id=$2`,
			tenantID, id))
	})
}

func (db *DB) DeleteChannel(ctx context.Context, tenantID, id uuid.UUID) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	return db.inTx(ctx, func(tx *sql.Tx) error {
		var wasPrimary bool
		err := tx.QueryRowContext(ctx,
			`DELETE FROM channels WHERE tenant_id=$1 AND id=$2 RETURNING is_primary`, tenantID, id,
		).Scan(&wasPrimary)
		if err != nil {
			return mapError(err)
		}
		if !wasPrimary {
			return nil
		}
		const promote = `
            UPDATE channels SET is_primary=true, updated_at=now()
             WHERE id = (SELECT id FROM channels
                          WHERE tenant_id=$1 AND is_active
                          ORDER BY created_at LIMIT 1)`
		if _, err := tx.ExecContext(ctx, promote, tenantID); err != nil {
			return fmt.Errorf("DeleteChannel promote: %w", mapError(err))
		}
		return nil
	})
}

func (db *DB) ChannelStats(ctx context.Context, tenantID uuid.UUID, t models.ChannelType) (models.ChannelStats, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	stats := models.ChannelStats{ChannelType: t}
	var last sql.NullTime
	const q = `
        SELECT
          (SELECT COUNT(*) FROM messages WHERE tenant_id=$1 AND channel_type=$2 AND sender_type='contact'),
          (SELECT COUNT(*) FROM messages WHERE tenant_id=$1 AND channel_type=$2 AND sender_type<>'contact'),
          (SELECT COUNT(*) FROM conversations WHERE tenant_id=$1 AND channel_type=$2),
          (SELECT COUNT(DISTINCT contact_id) FROM conversations WHERE tenant_id=$1 AND channel_type=$2 AND status='active'),
          (SELECT MAX(timestamp) FROM messages WHERE tenant_id=$1 AND channel_type=$2)`
	if err := db.sql.QueryRowContext(ctx, q, tenantID, t).Scan(
		&stats.InboundMessages, &stats.OutboundMessages, &stats.Conversations, &stats.ActiveContacts, &last,
	); err != nil {
		return stats, fmt.Errorf("ChannelStats: %w", err)
	}
	stats.LastMessageAt = nullTimeToPointer(last)
	return stats, nil
}
