// Package channels routes messages between tenants and the messaging
// platforms they connect, enforcing plan entitlements on every path.
package channels

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/egor/ecocrm/models"
)

// Adapter translates between one platform's wire format and the normalized
// message shapes.
type Adapter interface {
	Type() models.ChannelType
	// ParseInbound verifies and decodes a webhook delivery. Updates carrying no
	// message yield an empty slice.
	ParseInbound(tenantID uuid.UUID, headers http.Header, body []byte, cfg models.ChannelConfig) ([]models.IncomingMessage, error)
	Send(ctx context.Context, cfg models.ChannelConfig, msg models.OutboundMessage) (models.DeliveryResult, error)
	// Validate checks the credentials against the platform.
	Validate(ctx context.Context, cfg models.ChannelConfig) error
	// ValidateConfig checks the credentials are structurally complete.
	ValidateConfig(cfg models.ChannelConfig) error
}

// Adapters holds one adapter per channel type. A nil field means the type is
// not wired in this process.
type Adapters struct {
	WhatsApp  Adapter
	Instagram Adapter
	Telegram  Adapter
}

// For returns the adapter of t.
func (a Adapters) For(t models.ChannelType) (Adapter, error) {
	var ad Adapter
	switch t {
	case models.ChannelWhatsApp:
		ad = a.WhatsApp
	case models.ChannelInstagram:
		ad = a.Instagram
	case models.ChannelTelegram:
		ad = a.Telegram
	default:
		return nil, models.NewError(models.KindUnsupportedChannel, "unsupported channel "+string(t), nil)
	}
	if ad == nil {
		return nil, models.NewError(models.KindUnsupportedChannel, "no adapter registered for "+string(t), nil)
	}
	return ad, nil
}

// RequireKeys returns a validation error naming the first missing key.
func RequireKeys(cfg models.ChannelConfig, keys ...string) error {
	for _, k := range keys {
		if cfg.Get(k) == "" {
			return models.NewError(models.KindValidation, "missing channel config key "+k, nil)
		}
	}
	return nil
}
