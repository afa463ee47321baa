// Package handlers is the HTTP surface: platform webhooks, the dashboard API,
// partner program administration, referral tracking and the dashboard socket.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/egor/ecocrm/channels"
	"github.com/egor/ecocrm/commission"
	"github.com/egor/ecocrm/conversations"
	"github.com/egor/ecocrm/events"
	"github.com/egor/ecocrm/llm"
	"github.com/egor/ecocrm/metrics"
	"github.com/egor/ecocrm/middleware"
	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/partners"
	"github.com/egor/ecocrm/scheduler"
	"github.com/egor/ecocrm/store"
	"github.com/egor/ecocrm/websocket"
)

// Deps are the collaborators the handlers call into.
type Deps struct {
	Router        *channels.Router
	Conversations *conversations.Service
	Commissions   *commission.Service
	Partners      *partners.Service
	Scheduler     *scheduler.Scheduler
	Tenants       store.TenantStore
	Auth          *middleware.Auth
	Hub           *websocket.Hub
	Publisher     events.Publisher

	// Tagger is optional; without it inbound messages are not classified.
	Tagger         *llm.Tagger
	Gatherer       prometheus.Gatherer
	Metrics        *metrics.Metrics
	Ping           func(ctx context.Context) error
	BillingSecret  string
	AllowedOrigins []string

	// Now defaults to time.Now.
	Now func() time.Time
	Log *logrus.Entry
}

// Handler holds the dependencies of every endpoint.
type Handler struct {
	Deps
	log *logrus.Entry
}

func New(d Deps) *Handler {
	if d.Publisher == nil {
		d.Publisher = events.Noop{}
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Handler{Deps: d, log: d.Log.WithField("component", "http")}
}

// Engine builds the gin engine with every route mounted.
func (h *Handler) Engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.Logger(h.log, h.Metrics))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     h.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{})))
	r.GET("/ws", h.ServeWs)

	webhook := r.Group("/webhook/:channel/:tenantId")
	{
		webhook.GET("", h.VerifyWebhook)
		webhook.POST("", h.ReceiveWebhook)
	}

	api := r.Group("/api")
	api.POST("/auth/login", h.Login)

	referrals := api.Group("/referrals")
	{
		referrals.POST("/click", h.TrackClick)
		billing := referrals.Group("/:id", middleware.SharedSecret(middleware.BillingSecretHeader, h.BillingSecret))
		billing.POST("/register", h.RegisterReferral)
		billing.POST("/subscribe", h.ActivateSubscription)
	}

	authorized := api.Group("/", h.Auth.Middleware())
	{
		ch := authorized.Group("/channels")
		{
			ch.GET("", h.ListChannels)
			ch.POST("", h.CreateChannel)
			ch.POST("/validate", h.ValidateChannels)
			ch.GET("/:id", h.GetChannel)
			ch.PUT("/:id", h.UpdateChannel)
			ch.DELETE("/:id", h.DeleteChannel)
			ch.POST("/:id/primary", h.SetPrimaryChannel)
			ch.POST("/:id/activate", h.ActivateChannel)
			ch.POST("/:id/deactivate", h.DeactivateChannel)
			ch.GET("/:id/stats", h.ChannelStats)
		}

		conv := authorized.Group("/conversations")
		{
			conv.GET("", h.GetConversations)
			conv.GET("/:id", h.GetConversation)
			conv.POST("/:id/reply", h.Reply)
			conv.POST("/:id/close", h.CloseConversation)
		}

		admin := authorized.Group("/admin", middleware.RequireRole(models.RoleSuperAdmin))
		{
			admin.GET("/partners", h.ListPartners)
			admin.POST("/partners", h.RegisterPartner)
			admin.GET("/partners/:id", h.GetPartner)
			admin.POST("/partners/:id/approve", h.ApprovePartner)
			admin.POST("/partners/:id/reject", h.RejectPartner)
			admin.POST("/partners/:id/stats", h.RefreshPartnerStats)

			admin.GET("/commissions/report", h.CommissionReport)
			admin.POST("/commissions/approve", h.ApproveCommissions)
			admin.POST("/commissions/pay", h.PayCommissions)
			admin.GET("/commissions/stats", h.CommissionStats)

			admin.GET("/jobs", h.JobStatus)
			admin.POST("/jobs/:name/run", h.RunJob)
		}
	}
	return r
}

// PaginationResponse is the envelope of every paged list.
type PaginationResponse struct {
	Items      interface{} `json:"items"`
	Page       int         `json:"page"`
	PageSize   int         `json:"pageSize"`
	TotalItems int         `json:"totalItems"`
	TotalPages int         `json:"totalPages"`
}

func paging(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("pageSize", strconv.Itoa(store.DefaultPageSize)))
	return store.Paginate(page, size)
}

func paginated(items interface{}, page, size, total int) PaginationResponse {
	pages := (total + size - 1) / size
	if pages < 1 {
		pages = 1
	}
	return PaginationResponse{Items: items, Page: page, PageSize: size, TotalItems: total, TotalPages: pages}
}

func statusFor(kind models.ErrorKind) int {
	switch kind {
	case models.KindPlanRestriction:
		return http.StatusForbidden
	case models.KindValidation, models.KindUnsupportedChannel:
		return http.StatusBadRequest
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindConflict, models.KindInvalidTransition:
		return http.StatusConflict
	case models.KindChannelNotConfigured:
		return http.StatusUnprocessableEntity
	case models.KindProviderCallFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

const upgradeHint = "Upgrade your plan to connect more channels."

// fail writes the error response for err. Domain errors carry their message
// to the client; anything else is logged and reported as an internal error.
func (h *Handler) fail(c *gin.Context, err error) {
	var de *models.Error
	if !errors.As(err, &de) {
		h.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	status := statusFor(de.Kind)
	body := gin.H{"error": de.Message, "code": de.Kind}
	if de.Message == "" {
		body["error"] = string(de.Kind)
	}
	if de.Kind == models.KindPlanRestriction {
		body["upgrade"] = upgradeHint
	}
	if status >= http.StatusInternalServerError || de.Kind == models.KindProviderCallFailed {
		h.log.WithError(err).WithField("path", c.FullPath()).Warn("request failed")
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg, "code": models.KindValidation})
}

func paramID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		badRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// Health reports whether the store answers.
func (h *Handler) Health(c *gin.Context) {
	if h.Ping != nil {
		if err := h.Ping(c.Request.Context()); err != nil {
			h.log.WithError(err).Warn("health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
