package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/egor/ecocrm/store"
)

type credentials struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login exchanges admin credentials for a dashboard token.
func (h *Handler) Login(c *gin.Context) {
	var req credentials
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	log := h.log.WithField("email", email)

	admin, err := h.Tenants.GetAdminByEmail(c.Request.Context(), email)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("login for unknown admin")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	if !admin.Active {
		log.Info("login for disabled admin")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(req.Password)); err != nil {
		log.Info("login with wrong password")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, exp, err := h.Auth.GenerateToken(admin)
	if err != nil {
		h.fail(c, err)
		return
	}
	log.WithField("admin_id", admin.ID).Info("admin logged in")
	c.JSON(http.StatusOK, gin.H{"token": token, "expiresAt": exp, "admin": admin})
}
