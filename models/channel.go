package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChannelType is the closed set of messaging platforms a tenant can connect.
type ChannelType string

const (
	ChannelWhatsApp  ChannelType = "whatsapp"
	ChannelInstagram ChannelType = "instagram"
	ChannelTelegram  ChannelType = "telegram"
)

// ChannelTypes lists every supported channel type.
var ChannelTypes = []ChannelType{ChannelWhatsApp, ChannelInstagram, ChannelTelegram}

// ParseChannelType maps a path or payload value onto a ChannelType.
func ParseChannelType(s string) (ChannelType, error) {
	switch ChannelType(s) {
	case ChannelWhatsApp:
		return ChannelWhatsApp, nil
	case ChannelInstagram:
		return ChannelInstagram, nil
	case ChannelTelegram:
		return ChannelTelegram, nil
	}
	return "", NewError(KindUnsupportedChannel, fmt.Sprintf("unsupported channel %q", s), nil)
}

// Channel is a configured messaging integration of a tenant.
type Channel struct {
	ID        uuid.UUID     `json:"id"`
	TenantID  uuid.UUID     `json:"tenantId"`
	Type      ChannelType   `json:"channelType"`
	Name      string        `json:"name"`
	Config    ChannelConfig `json:"-"`
	IsActive  bool          `json:"isActive"`
	IsPrimary bool          `json:"isPrimary"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// ChannelConfig is the opaque per-type credential blob stored with a channel.
type ChannelConfig map[string]string

// Get returns the value stored under key, or "".
func (c ChannelConfig) Get(key string) string {
	if c == nil {
		return ""
	}
	return c[key]
}

// Redacted returns a copy safe to show on the dashboard.
func (c ChannelConfig) Redacted() map[string]string {
	out := make(map[string]string, len(c))
	for k, v := range c {
		switch k {
		case "access_token", "bot_token", "app_secret", "secret_token", "verify_token":
			if len(v) > 4 {
				out[k] = "****" + v[len(v)-4:]
			} else if v != "" {
				out[k] = "****"
			}
		default:
			out[k] = v
		}
	}
	return out
}

// MarshalConfig encodes the config for storage.
func (c ChannelConfig) MarshalConfig() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]string(c))
}

// ChannelView is the dashboard representation of a channel.
type ChannelView struct {
	Channel
	Config map[string]string `json:"config"`
}

// View builds the dashboard representation with secrets redacted.
func (c Channel) View() ChannelView {
	return ChannelView{Channel: c, Config: c.Config.Redacted()}
}

// ChannelStats are per-channel message counters for the dashboard.
type ChannelStats struct {
	ChannelID        uuid.UUID   `json:"channelId"`
	ChannelType      ChannelType `json:"channelType"`
	InboundMessages  int         `json:"inboundMessages"`
	OutboundMessages int         `json:"outboundMessages"`
	Conversations    int         `json:"conversations"`
	ActiveContacts   int         `json:"activeContacts"`
	LastMessageAt    *time.Time  `json:"lastMessageAt,omitempty"`
}

// ChannelValidation is the outcome of one channel health check.
type ChannelValidation struct {
	ChannelID   uuid.UUID   `json:"channelId"`
	ChannelType ChannelType `json:"channelType"`
	Valid       bool        `json:"valid"`
	Error       string      `json:"error,omitempty"`
}
