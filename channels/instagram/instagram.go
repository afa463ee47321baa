// Package instagram is the Instagram Messaging channel adapter.
package instagram

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/egor/ecocrm/channels"
	"github.com/egor/ecocrm/channels/meta"
	"github.com/egor/ecocrm/models"
)

type Adapter struct {
	graph *meta.Client
}

var _ channels.Adapter = (*Adapter)(nil)

func New(graph *meta.Client) *Adapter {
	return &Adapter{graph: graph}
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelInstagram }

func (a *Adapter) ValidateConfig(cfg models.ChannelConfig) error {
	return channels.RequireKeys(cfg, "page_id", "access_token")
}

type webhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string      `json:"id"`
		Messaging []messaging `json:"messaging"`
	} `json:"entry"`
}

type messaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"` // milliseconds
	Message   *struct {
		MID         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
}

// ParseInbound decodes a messaging webhook. Echoes of the account's own sends,
// reads and reactions yield nothing.
func (a *Adapter) ParseInbound(tenantID uuid.UUID, headers http.Header, body []byte, cfg models.ChannelConfig) ([]models.IncomingMessage, error) {
	if secret := cfg.Get("app_secret"); secret != "" {
		if err := meta.VerifySignature(secret, headers.Get(meta.SignatureHeader), body); err != nil {
			return nil, models.NewError(models.KindValidation, "instagram webhook", err)
		}
	}

	var wh webhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, models.NewError(models.KindValidation, "malformed instagram payload", err)
	}

	var out []models.IncomingMessage
	for _, entry := range wh.Entry {
		for _, ev := range entry.Messaging {
			if ev.Message == nil || ev.Message.IsEcho {
				continue
			}
			in := models.IncomingMessage{
				TenantID:          tenantID,
				ChannelType:       models.ChannelInstagram,
				ExternalContactID: ev.Sender.ID,
				Text:              ev.Message.Text,
				ExternalMessageID: ev.Message.MID,
				Timestamp:         time.UnixMilli(ev.Timestamp).UTC(),
			}
			if ev.Timestamp <= 0 {
				in.Timestamp = time.Now().UTC()
			}
			if len(ev.Message.Attachments) > 0 {
				att := ev.Message.Attachments[0]
				in.Attachment = &models.Attachment{Type: att.Type, URL: att.Payload.URL}
			}
			out = append(out, in)
		}
	}
	return out, nil
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

func (a *Adapter) Send(ctx context.Context, cfg models.ChannelConfig, msg models.OutboundMessage) (models.DeliveryResult, error) {
	pageID := cfg.Get("page_id")
	message := map[string]any{"text": msg.Body}
	if msg.Options.Type == models.SendMedia {
		kind := "image"
		if msg.Options.MediaKind == "document" {
			kind = "file"
		}
		message = map[string]any{
			"attachment": map[string]any{
				"type":    kind,
				"payload": map[string]string{"url": msg.Options.MediaURL},
			},
		}
	}

	var resp sendResponse
	err := a.graph.Do(ctx, meta.Request{
		Account: pageID,
		Method:  http.MethodPost,
		Path:    pageID + "/messages",
		Token:   cfg.Get("access_token"),
		Version: cfg.Get("api_version"),
		Body: map[string]any{
			"recipient": map[string]string{"id": msg.Recipient},
			"message":   message,
		},
	}, &resp)
	if err != nil {
		return models.DeliveryResult{}, err
	}
	return models.DeliveryResult{Success: true, ProviderMessageID: resp.MessageID}, nil
}

// Validate reads the Instagram account object.
func (a *Adapter) Validate(ctx context.Context, cfg models.ChannelConfig) error {
	if err := a.ValidateConfig(cfg); err != nil {
		return err
	}
	account := cfg.Get("instagram_account_id")
	if account == "" {
		account = cfg.Get("page_id")
	}
	return a.graph.Do(ctx, meta.Request{
		Account: cfg.Get("page_id"),
		Method:  http.MethodGet,
		Path:    account,
		Token:   cfg.Get("access_token"),
		Version: cfg.Get("api_version"),
	}, nil)
}
