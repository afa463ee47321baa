package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/egor/ecocrm/middleware"
	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/websocket"
)

// GetConversations returns the tenant's conversations, most recent first.
func (h *Handler) GetConversations(c *gin.Context) {
	page, size := paging(c)
	items, total, err := h.Conversations.List(c.Request.Context(), middleware.TenantID(c), page, size)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, paginated(items, page, size, total))
}

// GetConversation returns a conversation with one page of its messages.
func (h *Handler) GetConversation(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	page, size := paging(c)
	detail, total, err := h.Conversations.Get(c.Request.Context(), middleware.TenantID(c), id, page, size)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation": detail,
		"messages":     paginated(detail.Messages, page, size, total),
	})
}

type replyRequest struct {
	Content   string `json:"content"`
	Type      string `json:"type"`
	MediaURL  string `json:"mediaUrl"`
	MediaKind string `json:"mediaKind"`
}

// Reply sends an operator message to the contact through the channel the
// conversation lives on and records it once the platform accepted it.
func (h *Handler) Reply(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req replyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	ctx := c.Request.Context()
	tenantID := middleware.TenantID(c)
	adminID := middleware.AdminID(c)

	conv, err := h.Conversations.Conversation(ctx, tenantID, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if conv.Status == models.ConversationClosed {
		h.fail(c, models.NewError(models.KindInvalidTransition, "conversation is closed", nil))
		return
	}
	contact, err := h.Conversations.Contact(ctx, tenantID, conv.ContactID)
	if err != nil {
		h.fail(c, err)
		return
	}

	opts := models.SendOptions{Type: req.Type, MediaURL: req.MediaURL, MediaKind: req.MediaKind}
	res, err := h.Router.Send(ctx, tenantID, conv.ChannelType, contact.ExternalID, req.Content, opts)
	if err != nil {
		h.fail(c, err)
		return
	}

	var att *models.Attachment
	if opts.Type == models.SendMedia {
		kind := req.MediaKind
		if kind == "" {
			kind = "image"
		}
		att = &models.Attachment{Type: kind, URL: req.MediaURL}
	}
	msg, err := h.Conversations.RecordOutbound(ctx, conv, models.SenderUser, &adminID, req.Content, att, res.ProviderMessageID)
	if err != nil {
		h.fail(c, err)
		return
	}

	if h.Hub != nil {
		h.Hub.Push(tenantID, websocket.TypeConversationUpdated, websocket.NewMessagePayload{
			Conversation: conv,
			Contact:      contact,
			Message:      msg,
		})
	}
	h.log.WithFields(logrus.Fields{
		"tenant_id":       tenantID,
		"conversation_id": conv.ID,
		"admin_id":        adminID,
	}).Debug("reply sent")
	c.JSON(http.StatusCreated, gin.H{"message": msg, "delivery": res})
}

func (h *Handler) CloseConversation(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.Conversations.Close(c.Request.Context(), middleware.TenantID(c), id); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": models.ConversationClosed})
}
