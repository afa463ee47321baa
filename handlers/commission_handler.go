package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/egor/ecocrm/models"
	"github.com/egor/ecocrm/partners"
)

const dateLayout = "2006-01-02"

type idsRequest struct {
	IDs []uuid.UUID `json:"ids" binding:"required"`
}

type payRequest struct {
	IDs            []uuid.UUID           `json:"ids" binding:"required"`
	PaymentDetails models.PaymentDetails `json:"paymentDetails"`
}

// CommissionReport aggregates program activity over [from, to]; both ends are
// calendar days and to is inclusive.
func (h *Handler) CommissionReport(c *gin.Context) {
	from, err := time.Parse(dateLayout, c.Query("from"))
	if err != nil {
		badRequest(c, "from must be YYYY-MM-DD")
		return
	}
	to, err := time.Parse(dateLayout, c.Query("to"))
	if err != nil {
		badRequest(c, "to must be YYYY-MM-DD")
		return
	}
	rep, err := h.Partners.GenerateReport(c.Request.Context(), from, to.AddDate(0, 0, 1))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *Handler) ApproveCommissions(c *gin.Context) {
	var req idsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	n, err := h.Commissions.ApproveCommissions(c.Request.Context(), req.IDs)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

func (h *Handler) PayCommissions(c *gin.Context) {
	var req payRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	n, err := h.Commissions.MarkCommissionsAsPaid(c.Request.Context(), req.IDs, req.PaymentDetails)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": n})
}

func (h *Handler) CommissionStats(c *gin.Context) {
	st, err := h.Partners.GetStats(c.Request.Context(), c.DefaultQuery("period", partners.PeriodMonth), h.Now())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
