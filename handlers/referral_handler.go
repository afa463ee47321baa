package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/partners"
)

// TrackClick records a referral link visit. It is public; the landing page
// calls it.
func (h *Handler) TrackClick(c *gin.Context) {
	var req partners.ClickInput
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ref, err := h.Partners.TrackClick(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"referralId": ref.ID})
}

type registerReferralRequest struct {
	TenantID uuid.UUID `json:"tenantId" binding:"required"`
}

func (h *Handler) RegisterReferral(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req registerReferralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ref, err := h.Partners.RegisterReferral(c.Request.Context(), id, req.TenantID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ref)
}

// ActivateSubscription is called by billing when a referred tenant starts
// paying.
func (h *Handler) ActivateSubscription(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req models.SubscriptionActivation
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ref, err := h.Partners.ActivateSubscription(c.Request.Context(), id, req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ref)
}
