package channels

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/egor/ecocrm/metrics"
	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/store"
)

// Store is the persistence the router needs.
type Store interface {
	GetTenant(ctx context.Context, id uuid.UUID) (models.Tenant, error)
	store.ChannelStore
}

// Conversations resolves contacts and records inbound messages.
type Conversations interface {
	Resolve(ctx context.Context, tenantID uuid.UUID, t models.ChannelType, externalID string, profile models.ContactProfile) (models.Contact, models.Conversation, error)
	RecordInbound(ctx context.Context, conv models.Conversation, in models.IncomingMessage) (models.Message, bool, error)
}

// Options tune the router.
type Options struct {
	// ProviderTimeout bounds every platform call.
	ProviderTimeout time.Duration
	// ValidateConcurrency caps parallel health checks in ValidateAll.
	ValidateConcurrency int
}

// Router dispatches between tenants and channel adapters. It holds no state
// besides the per-tenant locks; everything else lives in the store.
type Router struct {
	adapters      Adapters
	store         Store
	conversations Conversations
	metrics       *metrics.Metrics
	opts          Options
	log           *logrus.Entry

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
}

// NewRouter builds a router over the given adapters.
func NewRouter(adapters Adapters, st Store, conv Conversations, m *metrics.Metrics, opts Options, log *logrus.Entry) *Router {
	if opts.ProviderTimeout <= 0 {
		opts.ProviderTimeout = 10 * time.Second
	}
	if opts.ValidateConcurrency <= 0 {
		opts.ValidateConcurrency = 4
	}
	return &Router{
		adapters:      adapters,
		store:         st,
		conversations: conv,
		metrics:       m,
		opts:          opts,
		log:           log.WithField("component", "channels.router"),
		locks:         make(map[uuid.UUID]*sync.Mutex),
	}
}

// lockTenant serializes channel changes of one tenant. The plan check and
// the write that follows it run under the same lock.
func (r *Router) lockTenant(tenantID uuid.UUID) func() {
	r.locksMu.Lock()
	mu, ok := r.locks[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[tenantID] = mu
	}
	r.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// Setup creates an active channel after checking its config and the tenant's plan.
func (r *Router) Setup(ctx context.Context, tenantID uuid.UUID, t models.ChannelType, name string, cfg models.ChannelConfig, makePrimary bool) (models.Channel, error) {
	ad, err := r.adapters.For(t)
	if err != nil {
		return models.Channel{}, err
	}
	if err := ad.ValidateConfig(cfg); err != nil {
		return models.Channel{}, err
	}

	defer r.lockTenant(tenantID)()
	tenant, err := r.store.GetTenant(ctx, tenantID)
	if err != nil {
		return models.Channel{}, storeErr(err, "tenant")
	}
	existing, err := r.store.ListChannels(ctx, tenantID)
	if err != nil {
		return models.Channel{}, storeErr(err, "channels")
	}
	if err := CanUseChannel(tenant.Plan, t, activeTypes(existing, uuid.Nil)).err(); err != nil {
		return models.Channel{}, err
	}

	if name == "" {
		name = string(t)
	}
	ch := &models.Channel{
		TenantID:  tenantID,
		Type:      t,
		Name:      name,
		Config:    cfg,
		IsActive:  true,
		IsPrimary: makePrimary || !hasActivePrimary(existing, uuid.Nil),
	}
	if err := r.store.CreateChannel(ctx, ch); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return models.Channel{}, models.NewError(models.KindConflict, fmt.Sprintf("an active %s channel already exists", t), err)
		}
		return models.Channel{}, storeErr(err, "channel")
	}

	r.log.WithFields(logrus.Fields{
		"tenant_id":  tenantID,
		"channel_id": ch.ID,
		"type":       t,
		"primary":    ch.IsPrimary,
	}).Info("channel set up")
	return *ch, nil
}

// guard returns the tenant's active channel of type t if the plan still allows it.
func (r *Router) guard(ctx context.Context, tenantID uuid.UUID, t models.ChannelType) (models.Channel, error) {
	tenant, err := r.store.GetTenant(ctx, tenantID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Channel{}, models.NewError(models.KindChannelNotConfigured, "unknown tenant", err)
	}
	if err != nil {
		return models.Channel{}, fmt.Errorf("load tenant: %w", err)
	}
	ch, err := r.store.ActiveChannel(ctx, tenantID, t)
	if errors.Is(err, store.ErrNotFound) {
		return models.Channel{}, models.NewError(models.KindChannelNotConfigured, fmt.Sprintf("no active %s channel", t), nil)
	}
	if err != nil {
		return models.Channel{}, fmt.Errorf("load %s channel: %w", t, err)
	}
	all, err := r.store.ListChannels(ctx, tenantID)
	if err != nil {
		return models.Channel{}, fmt.Errorf("list channels: %w", err)
	}
	if d := CanUseChannel(tenant.Plan, t, activeTypes(all, uuid.Nil)); !d.Allowed {
		return models.Channel{}, models.NewError(models.KindChannelNotConfigured, d.Reason, nil)
	}
	return ch, nil
}

// Route persists a normalized inbound message. A redelivery of a message
// already stored returns the stored one with Duplicate set.
func (r *Router) Route(ctx context.Context, in models.IncomingMessage) (models.MessageRecord, error) {
	if _, err := r.adapters.For(in.ChannelType); err != nil {
		r.metrics.Inbound(string(in.ChannelType), "unsupported")
		return models.MessageRecord{}, err
	}
	if _, err := r.guard(ctx, in.TenantID, in.ChannelType); err != nil {
		r.metrics.Inbound(string(in.ChannelType), "not_configured")
		return models.MessageRecord{}, err
	}

	contact, conv, err := r.conversations.Resolve(ctx, in.TenantID, in.ChannelType, in.ExternalContactID, in.Profile)
	if err != nil {
		r.metrics.Inbound(string(in.ChannelType), "error")
		return models.MessageRecord{}, fmt.Errorf("resolve contact: %w", err)
	}
	msg, dup, err := r.conversations.RecordInbound(ctx, conv, in)
	if err != nil {
		r.metrics.Inbound(string(in.ChannelType), "error")
		return models.MessageRecord{}, fmt.Errorf("record message: %w", err)
	}

	outcome := "stored"
	if dup {
		outcome = "duplicate"
	}
	r.metrics.Inbound(string(in.ChannelType), outcome)
	return models.MessageRecord{Message: msg, Contact: contact, Conversation: conv, Duplicate: dup}, nil
}

// Send delivers body to recipient through the tenant's active channel of type t.
// It does not retry.
func (r *Router) Send(ctx context.Context, tenantID uuid.UUID, t models.ChannelType, recipient, body string, opts models.SendOptions) (models.DeliveryResult, error) {
	ad, err := r.adapters.For(t)
	if err != nil {
		return models.DeliveryResult{}, err
	}
	ch, err := r.guard(ctx, tenantID, t)
	if err != nil {
		return models.DeliveryResult{}, err
	}

	if opts.Type == "" {
		opts.Type = models.SendText
	}
	switch opts.Type {
	case models.SendText:
		if body == "" {
			return models.DeliveryResult{}, models.NewError(models.KindValidation, "message body is empty", nil)
		}
	case models.SendMedia:
		if opts.MediaURL == "" {
			return models.DeliveryResult{}, models.NewError(models.KindValidation, "media send needs a media url", nil)
		}
	default:
		return models.DeliveryResult{}, models.NewError(models.KindValidation, "unknown send type "+opts.Type, nil)
	}
	if recipient == "" {
		return models.DeliveryResult{}, models.NewError(models.KindValidation, "recipient is empty", nil)
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.opts.ProviderTimeout)
	defer cancel()
	start := time.Now()
	res, err := ad.Send(sendCtx, ch.Config, models.OutboundMessage{Recipient: recipient, Body: body, Options: opts})
	r.metrics.ProviderCall(string(t), "send", time.Since(start))
	if err != nil {
		r.metrics.Outbound(string(t), "failed")
		r.log.WithError(err).WithFields(logrus.Fields{
			"tenant_id": tenantID,
			"type":      t,
		}).Warn("provider send failed")
		return models.DeliveryResult{Success: false, Error: err.Error()},
			models.NewError(models.KindProviderCallFailed, fmt.Sprintf("%s send failed", t), err)
	}
	r.metrics.Outbound(string(t), "sent")
	res.Success = true
	return res, nil
}

// SetPrimary makes channelID the only primary channel of the tenant.
func (r *Router) SetPrimary(ctx context.Context, tenantID, channelID uuid.UUID) (models.Channel, error) {
	defer r.lockTenant(tenantID)()

	ch, err := r.store.GetChannel(ctx, tenantID, channelID)
	if err != nil {
		return models.Channel{}, storeErr(err, "channel")
	}
	if !ch.IsActive {
		return models.Channel{}, models.NewError(models.KindInvalidTransition, "an inactive channel cannot be primary", nil)
	}
	if ch.IsPrimary {
		return ch, nil
	}
	if err := r.store.SetPrimaryChannel(ctx, tenantID, channelID); err != nil {
		return models.Channel{}, storeErr(err, "channel")
	}
	ch.IsPrimary = true
	return ch, nil
}

// Activate re-enables a channel; the plan is checked again since it may have
// changed while the channel was off.
func (r *Router) Activate(ctx context.Context, tenantID, channelID uuid.UUID) (models.Channel, error) {
	defer r.lockTenant(tenantID)()

	ch, err := r.store.GetChannel(ctx, tenantID, channelID)
	if err != nil {
		return models.Channel{}, storeErr(err, "channel")
	}
	if ch.IsActive {
		return ch, nil
	}
	if _, err := r.adapters.For(ch.Type); err != nil {
		return models.Channel{}, err
	}
	tenant, err := r.store.GetTenant(ctx, tenantID)
	if err != nil {
		return models.Channel{}, storeErr(err, "tenant")
	}
	all, err := r.store.ListChannels(ctx, tenantID)
	if err != nil {
		return models.Channel{}, storeErr(err, "channels")
	}
	if err := CanUseChannel(tenant.Plan, ch.Type, activeTypes(all, ch.ID)).err(); err != nil {
		return models.Channel{}, err
	}
	if err := r.store.SetChannelActive(ctx, tenantID, channelID, true); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return models.Channel{}, models.NewError(models.KindConflict, fmt.Sprintf("another %s channel is already active", ch.Type), err)
		}
		return models.Channel{}, storeErr(err, "channel")
	}
	ch.IsActive = true
	if !ch.IsPrimary && !hasActivePrimary(all, ch.ID) {
		if err := r.store.SetPrimaryChannel(ctx, tenantID, ch.ID); err != nil {
			return models.Channel{}, storeErr(err, "channel")
		}
		ch.IsPrimary = true
	}
	return ch, nil
}

// Deactivate turns a channel off without deleting it. Turning off the primary
// promotes the oldest active channel; with none left the flag stays until a
// channel is activated or set up again.
func (r *Router) Deactivate(ctx context.Context, tenantID, channelID uuid.UUID) (models.Channel, error) {
	defer r.lockTenant(tenantID)()

	ch, err := r.store.GetChannel(ctx, tenantID, channelID)
	if err != nil {
		return models.Channel{}, storeErr(err, "channel")
	}
	if !ch.IsActive {
		return ch, nil
	}
	if err := r.store.SetChannelActive(ctx, tenantID, channelID, false); err != nil {
		return models.Channel{}, storeErr(err, "channel")
	}
	ch.IsActive = false
	if !ch.IsPrimary {
		return ch, nil
	}

	all, err := r.store.ListChannels(ctx, tenantID)
	if err != nil {
		return models.Channel{}, storeErr(err, "channels")
	}
	if next, ok := oldestActive(all, ch.ID); ok {
		if err := r.store.SetPrimaryChannel(ctx, tenantID, next.ID); err != nil {
			return models.Channel{}, storeErr(err, "channel")
		}
		ch.IsPrimary = false
		r.log.WithFields(logrus.Fields{"tenant_id": tenantID, "channel_id": next.ID}).Info("primary channel promoted")
	}
	return ch, nil
}

func (r *Router) List(ctx context.Context, tenantID uuid.UUID) ([]models.Channel, error) {
	chans, err := r.store.ListChannels(ctx, tenantID)
	if err != nil {
		return nil, storeErr(err, "channels")
	}
	return chans, nil
}

func (r *Router) Get(ctx context.Context, tenantID, channelID uuid.UUID) (models.Channel, error) {
	ch, err := r.store.GetChannel(ctx, tenantID, channelID)
	if err != nil {
		return models.Channel{}, storeErr(err, "channel")
	}
	return ch, nil
}

// Update renames a channel and/or replaces its config. Nil arguments keep the
// current value.
func (r *Router) Update(ctx context.Context, tenantID, channelID uuid.UUID, name *string, cfg models.ChannelConfig) (models.Channel, error) {
	ch, err := r.store.GetChannel(ctx, tenantID, channelID)
	if err != nil {
		return models.Channel{}, storeErr(err, "channel")
	}
	if name != nil {
		if *name == "" {
			return models.Channel{}, models.NewError(models.KindValidation, "channel name is empty", nil)
		}
		ch.Name = *name
	}
	if cfg != nil {
		ad, err := r.adapters.For(ch.Type)
		if err != nil {
			return models.Channel{}, err
		}
		if err := ad.ValidateConfig(cfg); err != nil {
			return models.Channel{}, err
		}
		ch.Config = cfg
	}
	if err := r.store.UpdateChannel(ctx, ch); err != nil {
		return models.Channel{}, storeErr(err, "channel")
	}
	return r.store.GetChannel(ctx, tenantID, channelID)
}

// Delete removes a channel. Removing the primary promotes the oldest active one.
func (r *Router) Delete(ctx context.Context, tenantID, channelID uuid.UUID) error {
	defer r.lockTenant(tenantID)()
	if err := r.store.DeleteChannel(ctx, tenantID, channelID); err != nil {
		return storeErr(err, "channel")
	}
	r.log.WithFields(logrus.Fields{"tenant_id": tenantID, "channel_id": channelID}).Info("channel deleted")
	return nil
}

// ValidateAll runs every active channel's health check concurrently.
func (r *Router) ValidateAll(ctx context.Context, tenantID uuid.UUID) ([]models.ChannelValidation, error) {
	chans, err := r.store.ListChannels(ctx, tenantID)
	if err != nil {
		return nil, storeErr(err, "channels")
	}
	var active []models.Channel
	for _, ch := range chans {
		if ch.IsActive {
			active = append(active, ch)
		}
	}

	results := make([]models.ChannelValidation, len(active))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.ValidateConcurrency)
	for i, ch := range active {
		i, ch := i, ch
		g.Go(func() error {
			results[i] = r.validate(gctx, ch)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (r *Router) validate(ctx context.Context, ch models.Channel) models.ChannelValidation {
	res := models.ChannelValidation{ChannelID: ch.ID, ChannelType: ch.Type}
	ad, err := r.adapters.For(ch.Type)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.ProviderTimeout)
	defer cancel()
	start := time.Now()
	err = ad.Validate(ctx, ch.Config)
	r.metrics.ProviderCall(string(ch.Type), "validate", time.Since(start))
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Valid = true
	return res
}

// Stats returns message counters of one channel.
func (r *Router) Stats(ctx context.Context, tenantID, channelID uuid.UUID) (models.ChannelStats, error) {
	ch, err := r.store.GetChannel(ctx, tenantID, channelID)
	if err != nil {
		return models.ChannelStats{}, storeErr(err, "channel")
	}
	stats, err := r.store.ChannelStats(ctx, tenantID, ch.Type)
	if err != nil {
		return models.ChannelStats{}, storeErr(err, "channel stats")
	}
	stats.ChannelID = ch.ID
	stats.ChannelType = ch.Type
	return stats, nil
}

// ParseWebhook verifies and normalizes a webhook delivery with the
// credentials of the tenant's active channel.
func (r *Router) ParseWebhook(ctx context.Context, tenantID uuid.UUID, t models.ChannelType, headers http.Header, body []byte) ([]models.IncomingMessage, error) {
	ad, err := r.adapters.For(t)
	if err != nil {
		return nil, err
	}
	ch, err := r.store.ActiveChannel(ctx, tenantID, t)
	if errors.Is(err, store.ErrNotFound) {
		return nil, models.NewError(models.KindChannelNotConfigured, fmt.Sprintf("no active %s channel", t), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s channel: %w", t, err)
	}
	return ad.ParseInbound(tenantID, headers, body, ch.Config)
}

const maxVerifyTokenLen = 256

// VerifySubscription answers the platform's webhook handshake and returns the
// challenge to echo.
func (r *Router) VerifySubscription(ctx context.Context, tenantID uuid.UUID, t models.ChannelType, mode, token, challenge string) (string, error) {
	if _, err := r.adapters.For(t); err != nil {
		return "", err
	}
	if mode != "subscribe" {
		return "", models.NewError(models.KindValidation, "hub.mode must be subscribe", nil)
	}
	if !wellFormedToken(token) {
		return "", models.NewError(models.KindValidation, "malformed verify token", nil)
	}

	ch, err := r.store.ActiveChannel(ctx, tenantID, t)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return "", fmt.Errorf("load %s channel: %w", t, err)
	default:
		if want := ch.Config.Get("verify_token"); want != "" &&
			subtle.ConstantTimeCompare([]byte(want), []byte(token)) != 1 {
			return "", models.NewError(models.KindValidation, "verify token mismatch", nil)
		}
	}
	return challenge, nil
}

func wellFormedToken(token string) bool {
	if token == "" || len(token) > maxVerifyTokenLen {
		return false
	}
	for _, c := range token {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

func activeTypes(chans []models.Channel, except uuid.UUID) []models.ChannelType {
	var out []models.ChannelType
	for _, ch := range chans {
		if ch.IsActive && ch.ID != except {
			out = append(out, ch.Type)
		}
	}
	return out
}

func hasActivePrimary(chans []models.Channel, except uuid.UUID) bool {
	for _, ch := range chans {
		if ch.IsActive && ch.IsPrimary && ch.ID != except {
			return true
		}
	}
	return false
}

func oldestActive(chans []models.Channel, except uuid.UUID) (models.Channel, bool) {
	var next models.Channel
	found := false
	for _, ch := range chans {
		if !ch.IsActive || ch.ID == except {
			continue
		}
		if !found || ch.CreatedAt.Before(next.CreatedAt) {
			next, found = ch, true
		}
	}
	return next, found
}

// storeErr maps store errors onto domain errors.
func storeErr(err error, what string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return models.NewError(models.KindNotFound, what+" not found", err)
	case errors.Is(err, store.ErrConflict):
		return models.NewError(models.KindConflict, what+" already exists", err)
	case errors.Is(err, store.ErrPrecondition):
		return models.NewError(models.KindInvalidTransition, what+" is in the wrong state", err)
	}
	return fmt.Errorf("%s: %w", what, err)
}
