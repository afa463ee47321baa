package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/egor/ecocrm/channels"
	"github.com/egor/ecocrm/commission"
	"github.com/egor/ecocrm/config"
	"github.com/egor/ecocrm/conversations"
	"github.com/egor/ecocrm/events"
	"github.com/egor/ecocrm/middleware"
	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/partners"
	"github.com/egor/ecocrm/scheduler"
	"github.com/egor/ecocrm/settings"
	"github.com/egor/ecocrm/store/memory"
	"github.com/egor/ecocrm/websocket"
)

func init() { gin.SetMode(gin.TestMode) }

type stubAdapter struct {
	t models.ChannelType

	mu   sync.Mutex
	sent []models.OutboundMessage
}

func (s *stubAdapter) Type() models.ChannelType { return s.t }

func (s *stubAdapter) ParseInbound(tenantID uuid.UUID, _ http.Header, body []byte, _ models.ChannelConfig) ([]models.IncomingMessage, error) {
	var p struct {
		From string `json:"from"`
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, models.NewError(models.KindValidation, "bad payload", err)
	}
	return []models.IncomingMessage{{
		TenantID:          tenantID,
		ChannelType:       s.t,
		ExternalContactID: p.From,
		Text:              p.Text,
		ExternalMessageID: p.ID,
		Timestamp:         time.Now(),
	}}, nil
}

func (s *stubAdapter) Send(_ context.Context, _ models.ChannelConfig, msg models.OutboundMessage) (models.DeliveryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return models.DeliveryResult{Success: true, ProviderMessageID: "out-1"}, nil
}

func (s *stubAdapter) Validate(context.Context, models.ChannelConfig) error { return nil }

func (s *stubAdapter) ValidateConfig(cfg models.ChannelConfig) error {
	return channels.RequireKeys(cfg, "token")
}

type fixture struct {
	engine   *gin.Engine
	store    *memory.Store
	whatsapp *stubAdapter
	recorder *events.Recorder
	hub      *websocket.Hub
	tenant   models.Tenant
	admin    models.Admin
	super    models.Admin
	auth     *middleware.Auth
}

const password = "s3cret-pass"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	log := logrus.NewEntry(l)
	ctx := context.Background()

	st := memory.New()
	tenant := models.Tenant{Name: "Shop", Plan: models.PlanBasic, Active: true}
	require.NoError(t, st.CreateTenant(ctx, &tenant))

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	admin := models.Admin{TenantID: tenant.ID, Name: "Ann", Email: "ann@shop.test", PasswordHash: string(hash), Role: models.RoleAdmin, Active: true}
	require.NoError(t, st.CreateAdmin(ctx, &admin))
	super := models.Admin{TenantID: tenant.ID, Name: "Root", Email: "root@shop.test", PasswordHash: string(hash), Role: models.RoleSuperAdmin, Active: true}
	require.NoError(t, st.CreateAdmin(ctx, &super))

	wa := &stubAdapter{t: models.ChannelWhatsApp}
	adapters := channels.Adapters{
		WhatsApp:  wa,
		Instagram: &stubAdapter{t: models.ChannelInstagram},
		Telegram:  &stubAdapter{t: models.ChannelTelegram},
	}
	conv := conversations.NewService(st, log)
	router := channels.NewRouter(adapters, st, conv, nil, channels.Options{ProviderTimeout: time.Second, ValidateConcurrency: 2}, log)
	rules := settings.Static(settings.Defaults())
	rec := &events.Recorder{}

	hub := websocket.NewHub(log)
	hubCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go hub.Run(hubCtx)

	auth := middleware.NewAuth(config.AuthConfig{JWTSecret: "test-secret", TokenTTL: time.Hour, BillingSecret: "bill"})
	h := New(Deps{
		Router:        router,
		Conversations: conv,
		Commissions:   commission.NewService(st, rules, rec, nil, commission.Options{}, log),
		Partners:      partners.NewService(st, rules, partners.Options{}, log),
		Scheduler:     scheduler.New(time.Second, nil, log),
		Tenants:       st,
		Auth:          auth,
		Hub:           hub,
		Publisher:     rec,
		BillingSecret: "bill",
		Log:           log,
	})
	return &fixture{engine: h.Engine(), store: st, whatsapp: wa, recorder: rec, hub: hub, tenant: tenant, admin: admin, super: super, auth: auth}
}

func (f *fixture) token(t *testing.T, a models.Admin) string {
	t.Helper()
	tok, _, err := f.auth.GenerateToken(a)
	require.NoError(t, err)
	return tok
}

func (f *fixture) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (f *fixture) webhookPath(ch string) string {
	return "/webhook/" + ch + "/" + f.tenant.ID.String()
}

func (f *fixture) connectWhatsApp(t *testing.T) {
	t.Helper()
	w := f.do(http.MethodPost, "/api/channels", f.token(t, f.admin), gin.H{
		"type":   "whatsapp",
		"config": gin.H{"token": "wa-secret-token", "verify_token": "hub-token"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), "wa-secret-token")
}

func TestLogin(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": "ANN@shop.test", "password": password})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.NotEmpty(t, body["token"])
	assert.NotContains(t, w.Body.String(), "passwordHash")

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/channels", body["token"].(string), nil).Code)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": "ann@shop.test", "password": "nope"}).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": "who@shop.test", "password": password}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/auth/login", "", gin.H{"email": "ann@shop.test"}).Code)
}

func TestWebhookHandshake(t *testing.T) {
	f := newFixture(t)
	f.connectWhatsApp(t)

	w := f.do(http.MethodGet, f.webhookPath("whatsapp")+"?hub.mode=subscribe&hub.verify_token=hub-token&hub.challenge=42", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "42", w.Body.String())

	w = f.do(http.MethodGet, f.webhookPath("whatsapp")+"?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=42", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = f.do(http.MethodGet, f.webhookPath("sms")+"?hub.mode=subscribe&hub.verify_token=hub-token&hub.challenge=42", "", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestWebhookAlwaysAnswersOK(t *testing.T) {
	f := newFixture(t)

	// no channel configured yet
	w := f.do(http.MethodPost, f.webhookPath("whatsapp"), "", gin.H{"from": "7900", "id": "wamid.1", "text": "hi"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ignored", decode(t, w)["status"])

	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, f.webhookPath("sms"), "", gin.H{}).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/webhook/whatsapp/not-a-uuid", "", gin.H{}).Code)

	f.connectWhatsApp(t)
	msg := gin.H{"from": "7900", "id": "wamid.1", "text": "hi"}
	assert.Equal(t, "ok", decode(t, f.do(http.MethodPost, f.webhookPath("whatsapp"), "", msg))["status"])
	assert.Equal(t, "ok", decode(t, f.do(http.MethodPost, f.webhookPath("whatsapp"), "", msg))["status"])

	list := decode(t, f.do(http.MethodGet, "/api/conversations", f.token(t, f.admin), nil))
	assert.EqualValues(t, 1, list["totalItems"])
	assert.Len(t, f.recorder.Events(events.MessageReceived), 1, "duplicate delivery is not published")
}

func TestReplyGoesThroughConversationChannel(t *testing.T) {
	f := newFixture(t)
	f.connectWhatsApp(t)
	tok := f.token(t, f.admin)

	f.do(http.MethodPost, f.webhookPath("whatsapp"), "", gin.H{"from": "7900", "id": "wamid.1", "text": "price?"})
	list := decode(t, f.do(http.MethodGet, "/api/conversations", tok, nil))
	items := list["items"].([]any)
	require.Len(t, items, 1)
	convID := items[0].(map[string]any)["id"].(string)

	w := f.do(http.MethodPost, "/api/conversations/"+convID+"/reply", tok, gin.H{"content": "10 EUR"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.Len(t, f.whatsapp.sent, 1)
	assert.Equal(t, "7900", f.whatsapp.sent[0].Recipient)
	assert.Equal(t, "10 EUR", f.whatsapp.sent[0].Body)

	detail := decode(t, f.do(http.MethodGet, "/api/conversations/"+convID, tok, nil))
	assert.EqualValues(t, 2, detail["messages"].(map[string]any)["totalItems"])

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/conversations/"+convID+"/reply", tok, gin.H{"content": ""}).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/conversations/"+convID+"/close", tok, nil).Code)
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/conversations/"+convID+"/reply", tok, gin.H{"content": "more"}).Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/api/conversations/"+uuid.NewString(), tok, nil).Code)
}

func TestPlanRestrictionResponse(t *testing.T) {
	f := newFixture(t)
	f.connectWhatsApp(t)

	w := f.do(http.MethodPost, "/api/channels", f.token(t, f.admin), gin.H{
		"type":   "instagram",
		"config": gin.H{"token": "abc"},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	body := decode(t, w)
	assert.Equal(t, string(models.KindPlanRestriction), body["code"])
	assert.NotEmpty(t, body["upgrade"])

	w = f.do(http.MethodPost, "/api/channels", f.token(t, f.admin), gin.H{"type": "sms", "config": gin.H{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusForKinds(t *testing.T) {
	cases := map[models.ErrorKind]int{
		models.KindPlanRestriction:      http.StatusForbidden,
		models.KindChannelNotConfigured: http.StatusUnprocessableEntity,
		models.KindUnsupportedChannel:   http.StatusBadRequest,
		models.KindProviderCallFailed:   http.StatusBadGateway,
		models.KindNotFound:             http.StatusNotFound,
		models.KindConflict:             http.StatusConflict,
		models.KindInvalidTransition:    http.StatusConflict,
		models.KindValidation:           http.StatusBadRequest,
		models.ErrorKind("other"):       http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, statusFor(kind), kind)
	}
}

func TestBillingEndpointsNeedSharedSecret(t *testing.T) {
	f := newFixture(t)
	path := "/api/referrals/" + uuid.NewString() + "/register"

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, path, "", gin.H{"tenantId": f.tenant.ID}).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, path, "", gin.H{"tenantId": f.tenant.ID}, middleware.BillingSecretHeader, "wrong").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, path, "", gin.H{"tenantId": f.tenant.ID}, middleware.BillingSecretHeader, "bill").Code)
}

func TestReferralFlowOverHTTP(t *testing.T) {
	f := newFixture(t)
	super := f.token(t, f.super)

	w := f.do(http.MethodPost, "/api/admin/partners", super, gin.H{"name": "Agency", "email": "agency@example.com"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	partner := decode(t, w)
	id := partner["id"].(string)
	code := partner["partnerCode"].(string)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/api/referrals/click", "", gin.H{"code": code}).Code, "pending partner")
	require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/api/admin/partners/"+id+"/approve", super, nil).Code)

	w = f.do(http.MethodPost, "/api/referrals/click", "", gin.H{"code": code, "source": "blog"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	refID := decode(t, w)["referralId"].(string)

	secret := []string{middleware.BillingSecretHeader, "bill"}
	w = f.do(http.MethodPost, "/api/referrals/"+refID+"/register", "", gin.H{"tenantId": f.tenant.ID}, secret...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	activation := gin.H{"subscriptionId": "sub_1", "plan": "pro", "amount": 49.0}
	w = f.do(http.MethodPost, "/api/referrals/"+refID+"/subscribe", "", activation, secret...)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, http.StatusConflict, f.do(http.MethodPost, "/api/referrals/"+refID+"/subscribe", "", activation, secret...).Code)

	w = f.do(http.MethodGet, "/api/admin/commissions/stats?period=month", super, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/admin/commissions/stats?period=decade", super, nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/api/admin/commissions/report?from=yesterday&to=2026-01-01", super, nil).Code)
}

func TestAdminRoutesNeedSuperAdmin(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodGet, "/api/admin/partners", f.token(t, f.admin), nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/api/admin/partners", "", nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/admin/partners", f.token(t, f.super), nil).Code)
}

func TestRunUnknownJob(t *testing.T) {
	f := newFixture(t)
	super := f.token(t, f.super)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/api/admin/jobs/nope/run", super, nil).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/admin/jobs", super, nil).Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health", "", nil).Code)
}
