// Package whatsapp is the WhatsApp Cloud API channel adapter.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/egor/ecocrm/channels"
	"github.com/egor/ecocrm/channels/meta"
	"github.com/egor/ecocrm/models"
)

// Adapter talks to the WhatsApp Cloud API.
type Adapter struct {
	graph *meta.Client
}

var _ channels.Adapter = (*Adapter)(nil)

func New(graph *meta.Client) *Adapter {
	return &Adapter{graph: graph}
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelWhatsApp }

func (a *Adapter) ValidateConfig(cfg models.ChannelConfig) error {
	return channels.RequireKeys(cfg, "phone_number_id", "access_token")
}

type webhook struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value value  `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type value struct {
	Metadata struct {
		PhoneNumberID string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []message `json:"messages"`
}

type media struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
}

type message struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *media `json:"image"`
	Document *media `json:"document"`
	Audio    *media `json:"audio"`
	Video    *media `json:"video"`
	Sticker  *media `json:"sticker"`
	Location *struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Name      string  `json:"name"`
	} `json:"location"`
}

// ParseInbound decodes a Cloud API webhook. Status updates carry no messages
// and yield nothing.
func (a *Adapter) ParseInbound(tenantID uuid.UUID, headers http.Header, body []byte, cfg models.ChannelConfig) ([]models.IncomingMessage, error) {
	if secret := cfg.Get("app_secret"); secret != "" {
		if err := meta.VerifySignature(secret, headers.Get(meta.SignatureHeader), body); err != nil {
			return nil, models.NewError(models.KindValidation, "whatsapp webhook", err)
		}
	}

	var wh webhook
	if err := json.Unmarshal(body, &wh); err != nil {
		return nil, models.NewError(models.KindValidation, "malformed whatsapp payload", err)
	}

	phoneID := cfg.Get("phone_number_id")
	var out []models.IncomingMessage
	for _, entry := range wh.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			if change.Field != "messages" || (phoneID != "" && v.Metadata.PhoneNumberID != phoneID) {
				continue
			}
			names := make(map[string]string, len(v.Contacts))
			for _, c := range v.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range v.Messages {
				in := models.IncomingMessage{
					TenantID:          tenantID,
					ChannelType:       models.ChannelWhatsApp,
					ExternalContactID: m.From,
					Profile:           models.ContactProfile{Name: names[m.From]},
					ExternalMessageID: m.ID,
					Timestamp:         parseUnix(m.Timestamp),
				}
				in.Text, in.Attachment = content(m)
				out = append(out, in)
			}
		}
	}
	return out, nil
}

func content(m message) (string, *models.Attachment) {
	attach := func(kind string, md *media) (string, *models.Attachment) {
		return md.Caption, &models.Attachment{
			Type:            kind,
			ProviderMediaID: md.ID,
			MimeType:        md.MimeType,
			FileName:        md.Filename,
		}
	}
	switch {
	case m.Text != nil:
		return m.Text.Body, nil
	case m.Image != nil:
		return attach("image", m.Image)
	case m.Document != nil:
		return attach("document", m.Document)
	case m.Audio != nil:
		return attach("audio", m.Audio)
	case m.Video != nil:
		return attach("video", m.Video)
	case m.Sticker != nil:
		return attach("sticker", m.Sticker)
	case m.Location != nil:
		text := fmt.Sprintf("%.6f,%.6f", m.Location.Latitude, m.Location.Longitude)
		if m.Location.Name != "" {
			text = m.Location.Name + " (" + text + ")"
		}
		return text, &models.Attachment{Type: "location"}
	}
	return "", &models.Attachment{Type: m.Type}
}

func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

func (a *Adapter) Send(ctx context.Context, cfg models.ChannelConfig, msg models.OutboundMessage) (models.DeliveryResult, error) {
	phoneID := cfg.Get("phone_number_id")
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                msg.Recipient,
	}
	if msg.Options.Type == models.SendMedia {
		kind := msg.Options.MediaKind
		if kind != "document" {
			kind = "image"
		}
		payload["type"] = kind
		media := map[string]string{"link": msg.Options.MediaURL}
		if msg.Body != "" {
			media["caption"] = msg.Body
		}
		payload[kind] = media
	} else {
		payload["type"] = "text"
		payload["text"] = map[string]any{"preview_url": false, "body": msg.Body}
	}

	var resp sendResponse
	err := a.graph.Do(ctx, meta.Request{
		Account: phoneID,
		Method:  http.MethodPost,
		Path:    phoneID + "/messages",
		Token:   cfg.Get("access_token"),
		Version: cfg.Get("api_version"),
		Body:    payload,
	}, &resp)
	if err != nil {
		return models.DeliveryResult{}, err
	}
	res := models.DeliveryResult{Success: true}
	if len(resp.Messages) > 0 {
		res.ProviderMessageID = resp.Messages[0].ID
	}
	return res, nil
}

// Validate reads the phone number object, which fails on a bad token or id.
func (a *Adapter) Validate(ctx context.Context, cfg models.ChannelConfig) error {
	if err := a.ValidateConfig(cfg); err != nil {
		return err
	}
	phoneID := cfg.Get("phone_number_id")
	return a.graph.Do(ctx, meta.Request{
		Account: phoneID,
		Method:  http.MethodGet,
		Path:    phoneID,
		Token:   cfg.Get("access_token"),
		Version: cfg.Get("api_version"),
	}, nil)
}
