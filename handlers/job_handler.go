package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/egor/ecocrm/scheduler"
)

func (h *Handler) JobStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.Scheduler.Status()})
}

// RunJob runs a registered job now and waits for it.
func (h *Handler) RunJob(c *gin.Context) {
	st, err := h.Scheduler.RunNow(c.Request.Context(), c.Param("name"))
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrJobRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "job": st})
	case err != nil:
		c.JSON(http.StatusOK, gin.H{"job": st, "error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"job": st})
	}
}
