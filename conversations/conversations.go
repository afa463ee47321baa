// Package conversations resolves platform senders to contacts and their
// active conversation, and records the messages exchanged in it.
package conversations

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/store"
)

// Service is the contact/conversation resolver.
type Service struct {
	store store.ChatStore
	log   *logrus.Entry
}

func NewService(st store.ChatStore, log *logrus.Entry) *Service {
	return &Service{store: st, log: log.WithField("component", "conversations")}
}

// Resolve returns the contact behind (tenant, channel, externalID) and its
// active conversation, creating either when missing. Concurrent calls for the
// same key converge on the same rows: an insert that loses the race against
// the unique key re-reads the winner.
func (s *Service) Resolve(ctx context.Context, tenantID uuid.UUID, t models.ChannelType, externalID string, profile models.ContactProfile) (models.Contact, models.Conversation, error) {
	if externalID == "" {
		return models.Contact{}, models.Conversation{}, models.NewError(models.KindValidation, "external contact id is empty", nil)
	}
	contact, err := s.resolveContact(ctx, tenantID, t, externalID, profile)
	if err != nil {
		return models.Contact{}, models.Conversation{}, err
	}
	conv, err := s.resolveConversation(ctx, tenantID, contact.ID, t)
	if err != nil {
		return models.Contact{}, models.Conversation{}, err
	}
	return contact, conv, nil
}

func (s *Service) resolveContact(ctx context.Context, tenantID uuid.UUID, t models.ChannelType, externalID string, profile models.ContactProfile) (models.Contact, error) {
	c, err := s.store.FindContact(ctx, tenantID, t, externalID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Contact{}, fmt.Errorf("find contact: %w", err)
	}

	c = models.Contact{
		TenantID:    tenantID,
		ChannelType: t,
		ExternalID:  externalID,
		Name:        profile.Name,
		Username:    profile.Username,
	}
	if c.Name == "" {
		c.Name = externalID
	}
	err = s.store.InsertContact(ctx, &c)
	if errors.Is(err, store.ErrConflict) {
		c, err = s.store.FindContact(ctx, tenantID, t, externalID)
		if err != nil {
			return models.Contact{}, fmt.Errorf("re-read contact after conflict: %w", err)
		}
		return c, nil
	}
	if err != nil {
		return models.Contact{}, fmt.Errorf("insert contact: %w", err)
	}
	s.log.WithFields(logrus.Fields{
		"tenant_id":  tenantID,
		"contact_id": c.ID,
		"type":       t,
	}).Debug("contact created")
	return c, nil
}

func (s *Service) resolveConversation(ctx context.Context, tenantID, contactID uuid.UUID, t models.ChannelType) (models.Conversation, error) {
	conv, err := s.store.FindActiveConversation(ctx, tenantID, contactID, t)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Conversation{}, fmt.Errorf("find conversation: %w", err)
	}

	conv = models.Conversation{
		TenantID:    tenantID,
		ContactID:   contactID,
		ChannelType: t,
		Status:      models.ConversationActive,
	}
	err = s.store.InsertConversation(ctx, &conv)
	if errors.Is(err, store.ErrConflict) {
		conv, err = s.store.FindActiveConversation(ctx, tenantID, contactID, t)
		if err != nil {
			return models.Conversation{}, fmt.Errorf("re-read conversation after conflict: %w", err)
		}
		return conv, nil
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

// RecordInbound stores a contact message in conv. A message whose external id
// is already stored is returned as is with duplicate set.
func (s *Service) RecordInbound(ctx context.Context, conv models.Conversation, in models.IncomingMessage) (models.Message, bool, error) {
	if in.ExternalMessageID != "" {
		existing, err := s.store.FindMessageByExternalID(ctx, conv.TenantID, conv.ChannelType, in.ExternalMessageID)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return models.Message{}, false, fmt.Errorf("find message: %w", err)
		}
	}

	m := models.Message{
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		ChannelType:    conv.ChannelType,
		SenderType:     models.SenderContact,
		Content:        in.Text,
		Attachment:     in.Attachment,
		Timestamp:      in.Timestamp,
	}
	if in.ExternalMessageID != "" {
		id := in.ExternalMessageID
		m.ExternalMessageID = &id
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	err := s.store.InsertMessage(ctx, &m)
	if errors.Is(err, store.ErrConflict) && in.ExternalMessageID != "" {
		existing, ferr := s.store.FindMessageByExternalID(ctx, conv.TenantID, conv.ChannelType, in.ExternalMessageID)
		if ferr != nil {
			return models.Message{}, false, fmt.Errorf("re-read message after conflict: %w", ferr)
		}
		return existing, true, nil
	}
	if err != nil {
		return models.Message{}, false, fmt.Errorf("insert message: %w", err)
	}
	return m, false, nil
}

// RecordOutbound stores a message the tenant sent to the contact.
func (s *Service) RecordOutbound(ctx context.Context, conv models.Conversation, senderType string, senderID *uuid.UUID, body string, attachment *models.Attachment, providerMessageID string) (models.Message, error) {
	m := models.Message{
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		ChannelType:    conv.ChannelType,
		SenderType:     senderType,
		SenderID:       senderID,
		Content:        body,
		Attachment:     attachment,
		Read:           true,
		Timestamp:      time.Now().UTC(),
	}
	if providerMessageID != "" {
		m.ExternalMessageID = &providerMessageID
	}
	if err := s.store.InsertMessage(ctx, &m); err != nil {
		return models.Message{}, fmt.Errorf("insert outbound message: %w", err)
	}
	return m, nil
}

// List returns one page of the tenant's conversations, most recent first.
func (s *Service) List(ctx context.Context, tenantID uuid.UUID, page, size int) ([]models.ConversationSummary, int, error) {
	page, size = store.Paginate(page, size)
	list, total, err := s.store.ListConversations(ctx, tenantID, page, size)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	return list, total, nil
}

// Get returns a conversation with one page of messages and marks contact
// messages read.
func (s *Service) Get(ctx context.Context, tenantID, id uuid.UUID, page, size int) (models.ConversationDetail, int, error) {
	conv, err := s.Conversation(ctx, tenantID, id)
	if err != nil {
		return models.ConversationDetail{}, 0, err
	}
	contact, err := s.store.GetContact(ctx, tenantID, conv.ContactID)
	if err != nil {
		return models.ConversationDetail{}, 0, fmt.Errorf("load contact: %w", err)
	}
	page, size = store.Paginate(page, size)
	msgs, total, err := s.store.ListMessages(ctx, conv.ID, page, size)
	if err != nil {
		return models.ConversationDetail{}, 0, fmt.Errorf("list messages: %w", err)
	}
	if err := s.store.MarkMessagesRead(ctx, conv.ID); err != nil {
		s.log.WithError(err).WithField("conversation_id", conv.ID).Warn("mark messages read failed")
	}
	return models.ConversationDetail{Conversation: conv, Contact: contact, Messages: msgs}, total, nil
}

// Conversation loads one conversation of the tenant.
func (s *Service) Conversation(ctx context.Context, tenantID, id uuid.UUID) (models.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, tenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Conversation{}, models.NewError(models.KindNotFound, "conversation not found", err)
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	return conv, nil
}

// Contact loads the contact of a conversation.
func (s *Service) Contact(ctx context.Context, tenantID, id uuid.UUID) (models.Contact, error) {
	c, err := s.store.GetContact(ctx, tenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Contact{}, models.NewError(models.KindNotFound, "contact not found", err)
	}
	return c, err
}

// Close ends a conversation; the contact's next message opens a new one.
func (s *Service) Close(ctx context.Context, tenantID, id uuid.UUID) error {
	conv, err := s.Conversation(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if conv.Status == models.ConversationClosed {
		return nil
	}
	if err := s.store.CloseConversation(ctx, tenantID, id); err != nil {
		return fmt.Errorf("close conversation: %w", err)
	}
	return nil
}

// SetIntent records what the intent oracle made of the last message.
func (s *Service) SetIntent(ctx context.Context, id uuid.UUID, intent string) error {
	if err := s.store.SetConversationIntent(ctx, id, intent); err != nil {
		return fmt.Errorf("set intent: %w", err)
	}
	return nil
}
