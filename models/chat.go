package models

import (
	"time"

	"github.com/google/uuid"
)

// Contact is an external person reaching a tenant through one channel.
type Contact struct {
	ID          uuid.UUID   `json:"id"`
	TenantID    uuid.UUID   `json:"tenantId"`
	ChannelType ChannelType `json:"channelType"`
	ExternalID  string      `json:"externalId"` // whatsapp number, instagram scoped id, telegram chat id
	Name        string      `json:"name"`
	Username    string      `json:"username,omitempty"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// ContactProfile is what a platform payload tells about the sender.
type ContactProfile struct {
	Name     string
	Username string
}

// Conversation statuses.
const (
	ConversationActive = "active"
	ConversationClosed = "closed"
)

// Conversation groups the messages of one contact on one channel.
type Conversation struct {
	ID            uuid.UUID   `json:"id"`
	TenantID      uuid.UUID   `json:"tenantId"`
	ContactID     uuid.UUID   `json:"contactId"`
	ChannelType   ChannelType `json:"channelType"`
	Status        string      `json:"status"`
	LastIntent    *string     `json:"lastIntent,omitempty"`
	LastMessageAt *time.Time  `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// ConversationSummary is a row of the dashboard conversation list.
type ConversationSummary struct {
	Conversation
	Contact     Contact  `json:"contact"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount"`
}

// ConversationDetail is a conversation with one page of its messages.
type ConversationDetail struct {
	Conversation
	Contact  Contact   `json:"contact"`
	Messages []Message `json:"messages"`
}
