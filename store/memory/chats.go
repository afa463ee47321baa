package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/store"
)

func (s *Store) FindContact(ctx context.Context, tenantID uuid.UUID, t models.ChannelType, externalID string) (models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.contacts {
		if c.TenantID == tenantID && c.ChannelType == t && c.ExternalID == externalID {
			return c, nil
		}
	}
	return models.Contact{}, store.ErrNotFound
}

func (s *Store) GetContact(ctx context.Context, tenantID, id uuid.UUID) (models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contacts[id]
	if !ok || c.TenantID != tenantID {
		return models.Contact{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) InsertContact(ctx context.Context, c *models.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.contacts {
		if existing.TenantID == c.TenantID && existing.ChannelType == c.ChannelType && existing.ExternalID == c.ExternalID {
			return store.ErrConflict
		}
	}
	ensureID(&c.ID)
	stamp(&c.CreatedAt)
	s.contacts[c.ID] = *c
	return nil
}

func (s *Store) FindActiveConversation(ctx context.Context, tenantID, contactID uuid.UUID, t models.ChannelType) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.conversations {
		if c.TenantID == tenantID && c.ContactID == contactID && c.ChannelType == t && c.Status == models.ConversationActive {
			return c, nil
		}
	}
	return models.Conversation{}, store.ErrNotFound
}

func (s *Store) GetConversation(ctx context.Context, tenantID, id uuid.UUID) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok || c.TenantID != tenantID {
		return models.Conversation{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) InsertConversation(ctx context.Context, c *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Status == "" {
		c.Status = models.ConversationActive
	}
	if c.Status == models.ConversationActive {
		for _, existing := range s.conversations {
			if existing.TenantID == c.TenantID && existing.ContactID == c.ContactID &&
				existing.ChannelType == c.ChannelType && existing.Status == models.ConversationActive {
				return store.ErrConflict
			}
		}
	}
	ensureID(&c.ID)
	stamp(&c.CreatedAt)
	c.UpdatedAt = c.CreatedAt
	s.conversations[c.ID] = *c
	return nil
}

func (s *Store) CloseConversation(ctx context.Context, tenantID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok || c.TenantID != tenantID {
		return store.ErrNotFound
	}
	c.Status = models.ConversationClosed
	c.UpdatedAt = time.Now().UTC()
	s.conversations[id] = c
	return nil
}

func (s *Store) SetConversationIntent(ctx context.Context, id uuid.UUID, intent string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return store.ErrNotFound
	}
	c.LastIntent = &intent
	c.UpdatedAt = time.Now().UTC()
	s.conversations[id] = c
	return nil
}

func (s *Store) InsertMessage(ctx context.Context, m *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[m.ConversationID]
	if !ok {
		return store.ErrNotFound
	}
	if m.ExternalMessageID != nil {
		for _, existing := range s.messages {
			if existing.ExternalMessageID != nil && *existing.ExternalMessageID == *m.ExternalMessageID &&
				existing.TenantID == m.TenantID && existing.ChannelType == m.ChannelType {
				return store.ErrConflict
			}
		}
	}
	ensureID(&m.ID)
	stamp(&m.CreatedAt)
	if m.Timestamp.IsZero() {
		m.Timestamp = m.CreatedAt
	}
	s.messages[m.ID] = *m

	ts := m.Timestamp
	conv.LastMessageAt = &ts
	conv.UpdatedAt = time.Now().UTC()
	s.conversations[conv.ID] = conv
	return nil
}

func (s *Store) FindMessageByExternalID(ctx context.Context, tenantID uuid.UUID, t models.ChannelType, externalID string) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.messages {
		if m.TenantID == tenantID && m.ChannelType == t && m.ExternalMessageID != nil && *m.ExternalMessageID == externalID {
			return m, nil
		}
	}
	return models.Message{}, store.ErrNotFound
}

func (s *Store) ListConversations(ctx context.Context, tenantID uuid.UUID, page, size int) ([]models.ConversationSummary, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page, size = store.Paginate(page, size)
	var convs []models.Conversation
	for _, c := range s.conversations {
		if c.TenantID == tenantID {
			convs = append(convs, c)
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		return lastActivity(convs[i]).After(lastActivity(convs[j]))
	})

	total := len(convs)
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}

	out := make([]models.ConversationSummary, 0, end-start)
	for _, c := range convs[start:end] {
		sum := models.ConversationSummary{Conversation: c, Contact: s.contacts[c.ContactID]}
		var last *models.Message
		for _, m := range s.messages {
			if m.ConversationID != c.ID {
				continue
			}
			if m.SenderType == models.SenderContact && !m.Read {
				sum.UnreadCount++
			}
			if last == nil || m.Timestamp.After(last.Timestamp) {
				mm := m
				last = &mm
			}
		}
		sum.LastMessage = last
		out = append(out, sum)
	}
	return out, total, nil
}

func lastActivity(c models.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func (s *Store) ListMessages(ctx context.Context, conversationID uuid.UUID, page, size int) ([]models.Message, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page, size = store.Paginate(page, size)
	var msgs []models.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			msgs = append(msgs, m)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Timestamp.Before(msgs[j].Timestamp) })

	total := len(msgs)
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	return append([]models.Message{}, msgs[start:end]...), total, nil
}

func (s *Store) MarkMessagesRead(ctx context.Context, conversationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, m := range s.messages {
		if m.ConversationID == conversationID && m.SenderType == models.SenderContact && !m.Read {
			m.Read = true
			s.messages[id] = m
		}
	}
	return nil
}
