package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/egor/ecocrm/events"
	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/websocket"
)

const maxWebhookBody = 1 << 20

// VerifyWebhook answers the platform subscription handshake with the
// challenge, or 403.
func (h *Handler) VerifyWebhook(c *gin.Context) {
	t, err := models.ParseChannelType(c.Param("channel"))
	if err != nil {
		c.String(http.StatusForbidden, "forbidden")
		return
	}
	tenantID, err := uuid.Parse(c.Param("tenantId"))
	if err != nil {
		c.String(http.StatusForbidden, "forbidden")
		return
	}

	challenge, err := h.Router.VerifySubscription(c.Request.Context(), tenantID, t,
		c.Query("hub.mode"), c.Query("hub.verify_token"), c.Query("hub.challenge"))
	if err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{"tenant_id": tenantID, "channel": t}).Warn("webhook verification refused")
		c.String(http.StatusForbidden, "forbidden")
		return
	}
	c.String(http.StatusOK, challenge)
}

// ReceiveWebhook always answers 200 so platforms do not retry deliveries we
// chose to drop; failures are logged.
func (h *Handler) ReceiveWebhook(c *gin.Context) {
	log := h.log.WithFields(logrus.Fields{"channel": c.Param("channel"), "tenant_id": c.Param("tenantId")})
	ok := func(status string) { c.JSON(http.StatusOK, gin.H{"status": status}) }

	t, err := models.ParseChannelType(c.Param("channel"))
	if err != nil {
		log.Warn("webhook for unsupported channel")
		ok("ignored")
		return
	}
	tenantID, err := uuid.Parse(c.Param("tenantId"))
	if err != nil {
		log.Warn("webhook with invalid tenant id")
		ok("ignored")
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		log.WithError(err).Warn("webhook body unreadable")
		ok("ignored")
		return
	}

	ctx := c.Request.Context()
	msgs, err := h.Router.ParseWebhook(ctx, tenantID, t, c.Request.Header, body)
	if err != nil {
		log.WithError(err).Warn("webhook rejected")
		ok("ignored")
		return
	}

	stored := 0
	for _, in := range msgs {
		rec, err := h.Router.Route(ctx, in)
		if err != nil {
			log.WithError(err).WithField("external_id", in.ExternalMessageID).Warn("inbound message not routed")
			continue
		}
		if rec.Duplicate {
			log.WithField("external_id", in.ExternalMessageID).Debug("duplicate delivery ignored")
			continue
		}
		stored++
		h.afterInbound(c, rec)
	}
	log.WithFields(logrus.Fields{"received": len(msgs), "stored": stored}).Debug("webhook processed")
	ok("ok")
}

func (h *Handler) afterInbound(c *gin.Context, rec models.MessageRecord) {
	tenantID := rec.Message.TenantID
	if h.Hub != nil {
		h.Hub.Push(tenantID, websocket.TypeNewMessage, websocket.NewMessagePayload{
			Conversation: rec.Conversation,
			Contact:      rec.Contact,
			Message:      rec.Message,
		})
	}
	if err := h.Publisher.Publish(c.Request.Context(), events.New(events.MessageReceived, tenantID.String(), rec)); err != nil {
		h.log.WithError(err).Warn("message.received not published")
	}
	if h.Tagger != nil && rec.Message.Content != "" {
		h.Tagger.Submit(rec.Conversation.ID, rec.Message.Content, nil)
	}
}
