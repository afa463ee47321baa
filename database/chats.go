package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/store"
)

const (
	contactColumns      = `id, tenant_id, channel_type, external_id, name, username, created_at`
	conversationColumns = `id, tenant_id, contact_id, channel_type, status, last_intent, last_message_at, created_at, updated_at`
	messageColumns      = `id, conversation_id, tenant_id, channel_type, sender_type, sender_id, content,
                           attachment, external_message_id, read, timestamp, metadata, created_at`
)

func scanContact(row rowScanner) (models.Contact, error) {
	var c models.Contact
	err := row.Scan(&c.ID, &c.TenantID, &c.ChannelType, &c.ExternalID, &c.Name, &c.Username, &c.CreatedAt)
	return c, err
}

func scanConversation(row rowScanner) (models.Conversation, error) {
	var (
		c      models.Conversation
		intent sql.NullString
		last   sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.TenantID, &c.ContactID, &c.ChannelType, &c.Status,
		&intent, &last, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return models.Conversation{}, err
	}
	c.LastIntent = nullStringToPointer(intent)
	c.LastMessageAt = nullTimeToPointer(last)
	return c, nil
}

func scanMessage(row rowScanner) (models.Message, error) {
	var (
		m          models.Message
		senderID   uuid.NullUUID
		attachment []byte
		externalID sql.NullString
		metadata   []byte
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.TenantID, &m.ChannelType, &m.SenderType, &senderID,
		&m.Content, &attachment, &externalID, &m.Read, &m.Timestamp, &metadata, &m.CreatedAt); err != nil {
		return models.Message{}, err
	}
	m.SenderID = nullUUIDToPointer(senderID)
	m.ExternalMessageID = nullStringToPointer(externalID)
	if len(attachment) > 0 {
		m.Attachment = &models.Attachment{}
		if err := decodeJSON(attachment, m.Attachment); err != nil {
			return models.Message{}, fmt.Errorf("message %s attachment: %w", m.ID, err)
		}
	}
	if err := decodeJSON(metadata, &m.Metadata); err != nil {
		return models.Message{}, fmt.Errorf("message %s metadata: %w", m.ID, err)
	}
	return m, nil
}

func (db *DB) FindContact(ctx context.Context, tenantID uuid.UUID, t models.ChannelType, externalID string) (models.Contact, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	row := db.sql.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE tenant_id=$1 AND channel_type=$2 AND external_id=$3`,
		tenantID, t, externalID)
	c, err := scanContact(row)
	if err != nil {
		return models.Contact{}, mapError(err)
	}
	return c, nil
}

func (db *DB) GetContact(ctx context.Context, tenantID, id uuid.UUID) (models.Contact, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	row := db.sql.QueryRowContext(ctx,
		`SELECT `+contactColumns+` FROM contacts WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	c, err := scanContact(row)
	if err != nil {
		return models.Contact{}, mapError(err)
	}
	return c, nil
}

func (db *DB) InsertContact(ctx context.Context, c *models.Contact) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if _, err := db.sql.ExecContext(ctx,
		`INSERT INTO contacts (`+contactColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		c.ID, c.TenantID, c.ChannelType, c.ExternalID, c.Name, c.Username, c.CreatedAt,
	); err != nil {
		return mapError(err)
	}
	return nil
}

func (db *DB) FindActiveConversation(ctx context.Context, tenantID, contactID uuid.UUID, t models.ChannelType) (models.Conversation, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	row := db.sql.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
          WHERE tenant_id=$1 AND contact_id=$2 AND channel_type=$3 AND status='active'`,
		tenantID, contactID, t)
	c, err := scanConversation(row)
	if err != nil {
		return models.Conversation{}, mapError(err)
	}
	return c, nil
}

func (db *DB) GetConversation(ctx context.Context, tenantID, id uuid.UUID) (models.Conversation, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	row := db.sql.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	c, err := scanConversation(row)
	if err != nil {
		return models.Conversation{}, mapError(err)
	}
	return c, nil
}

func (db *DB) InsertConversation(ctx context.Context, c *models.Conversation) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = models.ConversationActive
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	if _, err := db.sql.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.ID, c.TenantID, c.ContactID, c.ChannelType, c.Status, c.LastIntent, c.LastMessageAt, c.CreatedAt, c.UpdatedAt,
	); err != nil {
		return mapError(err)
	}
	return nil
}

func (db *DB) CloseConversation(ctx context.Context, tenantID, id uuid.UUID) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	return expectOne(db.sql.ExecContext(ctx,
		`UPDATE conversations SET status='closed', updated_at=now() WHERE tenant_id=$1 AND id=$2`, tenantID, id))
}

func (db *DB) SetConversationIntent(ctx context.Context, id uuid.UUID, intent string) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	return expectOne(db.sql.ExecContext(ctx,
		`UPDATE conversations SET last_intent=$2, updated_at=now() WHERE id=$1`, id, intent))
}

func (db *DB) InsertMessage(ctx context.Context, m *models.Message) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = m.CreatedAt
	}
	attachment, err := jsonArg(m.Attachment)
	if err != nil {
		return fmt.Errorf("InsertMessage attachment: %w", err)
	}
	var metadata any
	if len(m.Metadata) > 0 {
		if metadata, err = jsonArg(m.Metadata); err != nil {
			return fmt.Errorf("InsertMessage metadata: %w", err)
		}
	}

	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (`+messageColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			m.ID, m.ConversationID, m.TenantID, m.ChannelType, m.SenderType, m.SenderID, m.Content,
			attachment, m.ExternalMessageID, m.Read, m.Timestamp, metadata, m.CreatedAt,
		); err != nil {
			return mapError(err)
		}
		return expectOne(tx.ExecContext(ctx,
			`UPDATE conversations SET last_message_at=GREATEST(COALESCE(last_message_at, $2::timestamptz), $2::timestamptz), updated_at=now() WHERE id=$1`,
			m.ConversationID, m.Timestamp))
	})
}

func (db *DB) FindMessageByExternalID(ctx context.Context, tenantID uuid.UUID, t models.ChannelType, externalID string) (models.Message, error) {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	row := db.sql.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE tenant_id=$1 AND channel_type=$2 AND external_message_id=$3`,
		tenantID, t, externalID)
	m, err := scanMessage(row)
	if err != nil {
		return models.Message{}, mapError(err)
	}
	return m, nil
}

func (db *DB) ListConversations(ctx context.Context, tenantID uuid.UUID, page, size int) ([]models.ConversationSummary, int, error) {
	page, size = store.Paginate(page, size)
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	var total int
	if err := db.sql.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE tenant_id=$1`, tenantID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListConversations count: %w", err)
	}

	const q = `
      SELECT
        c.id, c.tenant_id, c.contact_id, c.channel_type, c.status, c.last_intent, c.last_message_at, c.created_at, c.updated_at,
        ct.id, ct.tenant_id, ct.channel_type, ct.external_id, ct.name, ct.username, ct.created_at,
        (SELECT COUNT(*) FROM messages m WHERE m.conversation_id=c.id AND m.sender_type='contact' AND NOT m.read) AS unread,
        l.id, l.content, l.sender_type, l.timestamp
      FROM conversations c
      JOIN contacts ct ON ct.id=c.contact_id
      LEFT JOIN LATERAL (
        SELECT id, content, sender_type, timestamp
          FROM messages
         WHERE conversation_id=c.id
         ORDER BY timestamp DESC
         LIMIT 1
      ) l ON TRUE
      WHERE c.tenant_id=$1
      ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
      LIMIT $2 OFFSET $3`

	rows, err := db.sql.QueryContext(ctx, q, tenantID, size, (page-1)*size)
	if err != nil {
		return nil, 0, fmt.Errorf("ListConversations: %w", err)
	}
	defer rows.Close()

	out := make([]models.ConversationSummary, 0, size)
	for rows.Next() {
		var (
			s          models.ConversationSummary
			intent     sql.NullString
			lastAt     sql.NullTime
			lastID     uuid.NullUUID
			lastCont   sql.NullString
			lastSender sql.NullString
			lastTime   sql.NullTime
		)
		if err := rows.Scan(
			&s.ID, &s.TenantID, &s.ContactID, &s.ChannelType, &s.Status, &intent, &lastAt, &s.CreatedAt, &s.UpdatedAt,
			&s.Contact.ID, &s.Contact.TenantID, &s.Contact.ChannelType, &s.Contact.ExternalID,
			&s.Contact.Name, &s.Contact.Username, &s.Contact.CreatedAt,
			&s.UnreadCount, &lastID, &lastCont, &lastSender, &lastTime,
		); err != nil {
			return nil, 0, fmt.Errorf("ListConversations scan: %w", err)
		}
		s.LastIntent = nullStringToPointer(intent)
		s.LastMessageAt = nullTimeToPointer(lastAt)
		if lastID.Valid {
			s.LastMessage = &models.Message{
				ID:             lastID.UUID,
				ConversationID: s.ID,
				TenantID:       s.TenantID,
				ChannelType:    s.ChannelType,
				Content:        lastCont.String,
				SenderType:     lastSender.String,
				Timestamp:      lastTime.Time,
			}
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("ListConversations rows: %w", err)
	}
	return out, total, nil
}

func (db *DB) ListMessages(ctx context.Context, conversationID uuid.UUID, page, size int) ([]models.Message, int, error) {
	page, size = store.Paginate(page, size)
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	var total int
	if err := db.sql.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id=$1`, conversationID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListMessages count: %w", err)
	}

	rows, err := db.sql.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE conversation_id=$1 ORDER BY timestamp LIMIT $2 OFFSET $3`,
		conversationID, size, (page-1)*size)
	if err != nil {
		return nil, 0, fmt.Errorf("ListMessages: %w", err)
	}
	defer rows.Close()

	out := make([]models.Message, 0, size)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("ListMessages scan: %w", err)
		}
		out = append(out, m)
	}
	return out, total, rows.Err()
}

func (db *DB) MarkMessagesRead(ctx context.Context, conversationID uuid.UUID) error {
	ctx, cancel := db.ctx(ctx)
	defer cancel()

	if _, err := db.sql.ExecContext(ctx,
		`UPDATE messages SET read=true WHERE conversation_id=$1 AND sender_type='contact' AND NOT read`, conversationID,
	); err != nil {
		return fmt.Errorf("MarkMessagesRead: %w", err)
	}
	return nil
}
