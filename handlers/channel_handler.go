package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/egor/ecocrm/middleware"
	"github.com/egor/ecocrm/models"
)

type createChannelRequest struct {
	Type    string            `json:"type" binding:"required"`
	Name    string            `json:"name"`
	Config  map[string]string `json:"config" binding:"required"`
	Primary bool              `json:"primary"`
}

type updateChannelRequest struct {
	Name   *string           `json:"name"`
	Config map[string]string `json:"config"`
}

func views(list []models.Channel) []models.ChannelView {
	out := make([]models.ChannelView, 0, len(list))
	for _, ch := range list {
		out = append(out, ch.View())
	}
	return out
}

func (h *Handler) ListChannels(c *gin.Context) {
	list, err := h.Router.List(c.Request.Context(), middleware.TenantID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": views(list)})
}

// CreateChannel connects a new channel after checking the tenant's plan and
// the channel's credentials.
func (h *Handler) CreateChannel(c *gin.Context) {
	var req createChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	t, err := models.ParseChannelType(req.Type)
	if err != nil {
		h.fail(c, err)
		return
	}
	ch, err := h.Router.Setup(c.Request.Context(), middleware.TenantID(c), t, req.Name, req.Config, req.Primary)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, ch.View())
}

func (h *Handler) GetChannel(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	ch, err := h.Router.Get(c.Request.Context(), middleware.TenantID(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ch.View())
}

func (h *Handler) UpdateChannel(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req updateChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ch, err := h.Router.Update(c.Request.Context(), middleware.TenantID(c), id, req.Name, req.Config)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ch.View())
}

func (h *Handler) DeleteChannel(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	if err := h.Router.Delete(c.Request.Context(), middleware.TenantID(c), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) SetPrimaryChannel(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	ch, err := h.Router.SetPrimary(c.Request.Context(), middleware.TenantID(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ch.View())
}

func (h *Handler) ActivateChannel(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	ch, err := h.Router.Activate(c.Request.Context(), middleware.TenantID(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ch.View())
}

func (h *Handler) DeactivateChannel(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	ch, err := h.Router.Deactivate(c.Request.Context(), middleware.TenantID(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ch.View())
}

// ValidateChannels checks the credentials of every channel of the tenant.
func (h *Handler) ValidateChannels(c *gin.Context) {
	res, err := h.Router.ValidateAll(c.Request.Context(), middleware.TenantID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": res})
}

func (h *Handler) ChannelStats(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	st, err := h.Router.Stats(c.Request.Context(), middleware.TenantID(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
