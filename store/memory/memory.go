// Package memory is an in-process store.Store used by tests and by
// STORE_DRIVER=memory. It enforces the same unique keys as the Postgres schema.
package memory

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/store"
)

// Store keeps every table in maps guarded by one lock.
type Store struct {
	mu sync.RWMutex

	tenants       map[uuid.UUID]models.Tenant
	admins        map[uuid.UUID]models.Admin
	channels      map[uuid.UUID]models.Channel
	contacts      map[uuid.UUID]models.Contact
	conversations map[uuid.UUID]models.Conversation
	messages      map[uuid.UUID]models.Message
	partners      map[uuid.UUID]models.Partner
	referrals     map[uuid.UUID]models.PartnerReferral
	commissions   map[uuid.UUID]models.PartnerCommission
	analytics     map[uuid.UUID]models.PartnerAnalytics
	settings      map[string]json.RawMessage
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		tenants:       make(map[uuid.UUID]models.Tenant),
		admins:        make(map[uuid.UUID]models.Admin),
		channels:      make(map[uuid.UUID]models.Channel),
		contacts:      make(map[uuid.UUID]models.Contact),
		conversations: make(map[uuid.UUID]models.Conversation),
		messages:      make(map[uuid.UUID]models.Message),
		partners:      make(map[uuid.UUID]models.Partner),
		referrals:     make(map[uuid.UUID]models.PartnerReferral),
		commissions:   make(map[uuid.UUID]models.PartnerCommission),
		analytics:     make(map[uuid.UUID]models.PartnerAnalytics),
		settings:      make(map[string]json.RawMessage),
	}
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

func ensureID(id *uuid.UUID) {
	if *id == uuid.Nil {
		*id = uuid.New()
	}
}

func stamp(t *time.Time) {
	if t.IsZero() {
		*t = time.Now().UTC()
	}
}

func (s *Store) CreateTenant(ctx context.Context, t *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ensureID(&t.ID)
	if _, ok := s.tenants[t.ID]; ok {
		return store.ErrConflict
	}
	stamp(&t.CreatedAt)
	s.tenants[t.ID] = *t
	return nil
}

func (s *Store) GetTenant(ctx context.Context, id uuid.UUID) (models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[id]
	if !ok {
		return models.Tenant{}, store.ErrNotFound
	}
	return t, nil
}

func (s *Store) UpdateTenantPlan(ctx context.Context, id uuid.UUID, plan models.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tenants[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Plan = plan
	s.tenants[id] = t
	return nil
}

func (s *Store) CreateAdmin(ctx context.Context, a *models.Admin) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ensureID(&a.ID)
	for _, existing := range s.admins {
		if strings.EqualFold(existing.Email, a.Email) {
			return store.ErrConflict
		}
	}
	s.admins[a.ID] = *a
	return nil
}

func (s *Store) GetAdminByEmail(ctx context.Context, email string) (models.Admin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.admins {
		if strings.EqualFold(a.Email, email) {
			return a, nil
		}
	}
	return models.Admin{}, store.ErrNotFound
}

func (s *Store) GetSetting(ctx context.Context, name string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.settings[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append(json.RawMessage(nil), v...), nil
}

func (s *Store) PutSetting(ctx context.Context, name string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings[name] = append(json.RawMessage(nil), value...)
	return nil
}
