package models

import (
	"time"

	"github.com/google/uuid"
)

// Sender types of a message.
const (
	SenderContact   = "contact"
	SenderUser      = "user"
	SenderAssistant = "assistant"
)

// Message is immutable once stored; only the read flag is bookkeeping.
type Message struct {
	ID                uuid.UUID      `json:"id"`
	ConversationID    uuid.UUID      `json:"conversationId"`
	TenantID          uuid.UUID      `json:"tenantId"`
	ChannelType       ChannelType    `json:"channelType"`
	SenderType        string         `json:"senderType"`
	SenderID          *uuid.UUID     `json:"senderId,omitempty"`
	Content           string         `json:"content"`
	Attachment        *Attachment    `json:"attachment,omitempty"`
	ExternalMessageID *string        `json:"externalMessageId,omitempty"`
	Read              bool           `json:"read"`
	Timestamp         time.Time      `json:"timestamp"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
}

// Attachment references media held by the platform.
type Attachment struct {
	Type            string `json:"type"` // image, video, audio, document, sticker, file
	URL             string `json:"url,omitempty"`
	ProviderMediaID string `json:"providerMediaId,omitempty"`
	MimeType        string `json:"mimeType,omitempty"`
	FileName        string `json:"fileName,omitempty"`
}

// IncomingMessage is an inbound message normalized from any platform payload.
type IncomingMessage struct {
	TenantID          uuid.UUID
	ChannelType       ChannelType
	ExternalContactID string
	Profile           ContactProfile
	Text              string
	Attachment        *Attachment
	ExternalMessageID string
	Timestamp         time.Time
}

// MessageRecord is what routing an inbound message produced.
type MessageRecord struct {
	Message      Message      `json:"message"`
	Contact      Contact      `json:"contact"`
	Conversation Conversation `json:"conversation"`
	Duplicate    bool         `json:"duplicate"`
}

// Outbound message types.
const (
	SendText  = "text"
	SendMedia = "media"
)

// SendOptions tune an outbound send.
type SendOptions struct {
	Type      string `json:"type"`
	MediaURL  string `json:"mediaUrl,omitempty"`
	MediaKind string `json:"mediaKind,omitempty"` // image or document
}

// OutboundMessage is a normalized send the adapter translates into a platform call.
type OutboundMessage struct {
	Recipient string
	Body      string
	Options   SendOptions
}

// DeliveryResult reports the platform's answer to a send.
type DeliveryResult struct {
	Success           bool   `json:"success"`
	ProviderMessageID string `json:"providerMessageId,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Intent is the structured answer of the NLP oracle.
type Intent struct {
	Name       string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}
