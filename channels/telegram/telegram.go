// Package telegram is the Telegram Bot API channel adapter.
package telegram

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/egor/ecocrm/channels"
	"github.com/egor/ecocrm/models"
)

// SecretHeader carries the secret_token set with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

// Config holds adapter settings.
type Config struct {
	// ServerURL overrides https://api.telegram.org.
	ServerURL string
	Timeout   time.Duration
}

// Adapter talks to the Bot API, keeping one client per bot token.
type Adapter struct {
	cfg Config
	log *logrus.Entry

	mu   sync.Mutex
	bots map[string]*tgbot.Bot
}

var _ channels.Adapter = (*Adapter)(nil)

func New(cfg Config, log *logrus.Entry) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Adapter{
		cfg:  cfg,
		log:  log.WithField("component", "telegram"),
		bots: make(map[string]*tgbot.Bot),
	}
}

func (a *Adapter) Type() models.ChannelType { return models.ChannelTelegram }

func (a *Adapter) ValidateConfig(cfg models.ChannelConfig) error {
	if err := channels.RequireKeys(cfg, "bot_token"); err != nil {
		return err
	}
	if !strings.Contains(cfg.Get("bot_token"), ":") {
		return models.NewError(models.KindValidation, "bot_token is not a Bot API token", nil)
	}
	return nil
}

// bot returns the cached client of token. Creating a client calls getMe, so
// an invalid token fails here. The call runs outside the adapter lock and is
// bounded by ctx as well as the configured timeout.
func (a *Adapter) bot(ctx context.Context, token string) (*tgbot.Bot, error) {
	a.mu.Lock()
	b, ok := a.bots[token]
	a.mu.Unlock()
	if ok {
		return b, nil
	}

	timeout := a.cfg.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("failed to create telegram bot: %w", context.DeadlineExceeded)
	}
	opts := []tgbot.Option{
		tgbot.WithHTTPClient(a.cfg.Timeout, &http.Client{Timeout: a.cfg.Timeout}),
		tgbot.WithCheckInitTimeout(timeout),
	}
	if a.cfg.ServerURL != "" {
		opts = append(opts, tgbot.WithServerURL(a.cfg.ServerURL))
	}
	created, err := tgbot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.bots[token]; ok {
		return b, nil
	}
	a.bots[token] = created
	a.log.Debug("Telegram bot client created")
	return created, nil
}

// forget drops the cached client of token after a failed call, so a revoked
// or replaced token is checked again on the next use.
func (a *Adapter) forget(ctx context.Context, token string) {
	if ctx.Err() != nil {
		return
	}
	a.mu.Lock()
	delete(a.bots, token)
	a.mu.Unlock()
}

// ParseInbound decodes one webhook Update. Updates without a message, such as
// callback queries or member changes, yield nothing.
func (a *Adapter) ParseInbound(tenantID uuid.UUID, headers http.Header, body []byte, cfg models.ChannelConfig) ([]models.IncomingMessage, error) {
	if secret := cfg.Get("secret_token"); secret != "" {
		got := headers.Get(SecretHeader)
		if subtle.ConstantTimeCompare([]byte(secret), []byte(got)) != 1 {
			return nil, models.NewError(models.KindValidation, "telegram secret token mismatch", nil)
		}
	}

	var update tgmodels.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, models.NewError(models.KindValidation, "malformed telegram update", err)
	}

	msg, edited := update.Message, false
	if msg == nil && update.EditedMessage != nil {
		msg, edited = update.EditedMessage, true
	}
	if msg == nil {
		return nil, nil
	}

	in := models.IncomingMessage{
		TenantID:          tenantID,
		ChannelType:       models.ChannelTelegram,
		ExternalContactID: strconv.FormatInt(msg.Chat.ID, 10),
		ExternalMessageID: fmt.Sprintf("%d:%d", msg.Chat.ID, msg.ID),
		Timestamp:         time.Unix(int64(msg.Date), 0).UTC(),
	}
	if edited {
		in.ExternalMessageID = fmt.Sprintf("%d:%d:edit:%d", msg.Chat.ID, msg.ID, msg.EditDate)
	}
	if msg.Date == 0 {
		in.Timestamp = time.Now().UTC()
	}
	if msg.From != nil {
		in.Profile = models.ContactProfile{
			Name:     strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
			Username: msg.From.Username,
		}
	}
	in.Text, in.Attachment = content(msg)
	return []models.IncomingMessage{in}, nil
}

func content(msg *tgmodels.Message) (string, *models.Attachment) {
	switch {
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		return msg.Caption, &models.Attachment{Type: "image", ProviderMediaID: largest.FileID}
	case msg.Document != nil:
		return msg.Caption, &models.Attachment{
			Type:            "document",
			ProviderMediaID: msg.Document.FileID,
			MimeType:        msg.Document.MimeType,
			FileName:        msg.Document.FileName,
		}
	case msg.Voice != nil:
		return msg.Caption, &models.Attachment{Type: "audio", ProviderMediaID: msg.Voice.FileID, MimeType: msg.Voice.MimeType}
	case msg.Video != nil:
		return msg.Caption, &models.Attachment{Type: "video", ProviderMediaID: msg.Video.FileID, MimeType: msg.Video.MimeType}
	}
	return msg.Text, nil
}

func (a *Adapter) Send(ctx context.Context, cfg models.ChannelConfig, msg models.OutboundMessage) (models.DeliveryResult, error) {
	token := cfg.Get("bot_token")
	b, err := a.bot(ctx, token)
	if err != nil {
		return models.DeliveryResult{}, err
	}

	var sent *tgmodels.Message
	switch {
	case msg.Options.Type == models.SendMedia && msg.Options.MediaKind == "document":
		sent, err = b.SendDocument(ctx, &tgbot.SendDocumentParams{
			ChatID:   msg.Recipient,
			Document: &tgmodels.InputFileString{Data: msg.Options.MediaURL},
			Caption:  msg.Body,
		})
	case msg.Options.Type == models.SendMedia:
		sent, err = b.SendPhoto(ctx, &tgbot.SendPhotoParams{
			ChatID:  msg.Recipient,
			Photo:   &tgmodels.InputFileString{Data: msg.Options.MediaURL},
			Caption: msg.Body,
		})
	default:
		sent, err = b.SendMessage(ctx, &tgbot.SendMessageParams{
			ChatID: msg.Recipient,
			Text:   msg.Body,
		})
	}
	if err != nil {
		a.forget(ctx, token)
		return models.DeliveryResult{}, fmt.Errorf("telegram send: %w", err)
	}
	return models.DeliveryResult{
		Success:           true,
		ProviderMessageID: fmt.Sprintf("%d:%d", sent.Chat.ID, sent.ID),
	}, nil
}

// Validate checks the token with getMe and, when bot_username is set, that it
// belongs to that bot.
func (a *Adapter) Validate(ctx context.Context, cfg models.ChannelConfig) error {
	if err := a.ValidateConfig(cfg); err != nil {
		return err
	}
	token := cfg.Get("bot_token")
	b, err := a.bot(ctx, token)
	if err != nil {
		return err
	}
	me, err := b.GetMe(ctx)
	if err != nil {
		a.forget(ctx, token)
		return fmt.Errorf("telegram getMe: %w", err)
	}
	if want := strings.TrimPrefix(cfg.Get("bot_username"), "@"); want != "" && !strings.EqualFold(want, me.Username) {
		return models.NewError(models.KindValidation, fmt.Sprintf("token belongs to @%s, not @%s", me.Username, want), nil)
	}
	return nil
}
