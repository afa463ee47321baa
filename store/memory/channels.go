package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/store"
)

// activeOfTypeLocked reports whether another active channel of type t exists for the tenant.
func (s *Store) activeOfTypeLocked(tenantID uuid.UUID, t models.ChannelType, except uuid.UUID) bool {
	for _, ch := range s.channels {
		if ch.TenantID == tenantID && ch.Type == t && ch.IsActive && ch.ID != except {
			return true
		}
	}
	return false
}

func (s *Store) CreateChannel(ctx context.Context, ch *models.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ensureID(&ch.ID)
	if _, ok := s.channels[ch.ID]; ok {
		return store.ErrConflict
	}
	if ch.IsActive && s.activeOfTypeLocked(ch.TenantID, ch.Type, ch.ID) {
		return store.ErrConflict
	}
	if ch.IsPrimary {
		for id, other := range s.channels {
			if other.TenantID == ch.TenantID && other.IsPrimary {
				other.IsPrimary = false
				s.channels[id] = other
			}
		}
	}
	stamp(&ch.CreatedAt)
	ch.UpdatedAt = ch.CreatedAt
	s.channels[ch.ID] = cloneChannel(*ch)
	return nil
}

func (s *Store) GetChannel(ctx context.Context, tenantID, id uuid.UUID) (models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[id]
	if !ok || ch.TenantID != tenantID {
		return models.Channel{}, store.ErrNotFound
	}
	return cloneChannel(ch), nil
}

func (s *Store) ListChannels(ctx context.Context, tenantID uuid.UUID) ([]models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Channel, 0)
	for _, ch := range s.channels {
		if ch.TenantID == tenantID {
			out = append(out, cloneChannel(ch))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ActiveChannel(ctx context.Context, tenantID uuid.UUID, t models.ChannelType) (models.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.channels {
		if ch.TenantID == tenantID && ch.Type == t && ch.IsActive {
			return cloneChannel(ch), nil
		}
	}
	return models.Channel{}, store.ErrNotFound
}

func (s *Store) UpdateChannel(ctx context.Context, ch models.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.channels[ch.ID]
	if !ok || existing.TenantID != ch.TenantID {
		return store.ErrNotFound
	}
	existing.Name = ch.Name
	existing.Config = ch.Config
	existing.UpdatedAt = time.Now().UTC()
	s.channels[ch.ID] = cloneChannel(existing)
	return nil
}

func (s *Store) SetChannelActive(ctx context.Context, tenantID, id uuid.UUID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[id]
	if !ok || ch.TenantID != tenantID {
		return store.ErrNotFound
	}
	if active && s.activeOfTypeLocked(tenantID, ch.Type, id) {
		return store.ErrConflict
	}
	ch.IsActive = active
	ch.UpdatedAt = time.Now().UTC()
	s.channels[id] = ch
	return nil
}

func (s *Store) SetPrimaryChannel(ctx context.Context, tenantID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.channels[id]
	if !ok || target.TenantID != tenantID {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	for cid, ch := range s.channels {
		if ch.TenantID != tenantID {
			continue
		}
		primary := cid == id
		if ch.IsPrimary != primary {
			ch.IsPrimary = primary
			ch.UpdatedAt = now
			s.channels[cid] = ch
		}
	}
	return nil
}

func (s *Store) DeleteChannel(ctx context.Context, tenantID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[id]
	if !ok || ch.TenantID != tenantID {
		return store.ErrNotFound
	}
	delete(s.channels, id)
	if !ch.IsPrimary {
		return nil
	}

	var next *models.Channel
	for _, other := range s.channels {
		if other.TenantID != tenantID || !other.IsActive {
			continue
		}
		if next == nil || other.CreatedAt.Before(next.CreatedAt) {
			o := other
			next = &o
		}
	}
	if next != nil {
		next.IsPrimary = true
		next.UpdatedAt = time.Now().UTC()
		s.channels[next.ID] = *next
	}
	return nil
}

func (s *Store) ChannelStats(ctx context.Context, tenantID uuid.UUID, t models.ChannelType) (models.ChannelStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := models.ChannelStats{ChannelType: t}
	contacts := make(map[uuid.UUID]struct{})
	for _, conv := range s.conversations {
		if conv.TenantID == tenantID && conv.ChannelType == t {
			stats.Conversations++
			if conv.Status == models.ConversationActive {
				contacts[conv.ContactID] = struct{}{}
			}
		}
	}
	stats.ActiveContacts = len(contacts)
	for _, m := range s.messages {
		if m.TenantID != tenantID || m.ChannelType != t {
			continue
		}
		if m.SenderType == models.SenderContact {
			stats.InboundMessages++
		} else {
			stats.OutboundMessages++
		}
		if stats.LastMessageAt == nil || m.Timestamp.After(*stats.LastMessageAt) {
			ts := m.Timestamp
			stats.LastMessageAt = &ts
		}
	}
	return stats, nil
}

func cloneChannel(ch models.Channel) models.Channel {
	if ch.Config != nil {
		cfg := make(models.ChannelConfig, len(ch.Config))
		for k, v := range ch.Config {
			cfg[k] = v
		}
		ch.Config = cfg
	}
	return ch
}
