package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	ws "github.com/egor/ecocrm/websocket"
)

func (h *Handler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
}

// checkOrigin admits configured origins, and requests without an Origin
// header since those are not browsers.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	h.log.WithField("origin", origin).Warn("websocket origin refused")
	return false
}

// ServeWs upgrades an authenticated dashboard connection. Browsers cannot set
// headers on a socket handshake, so the token comes as ?token=.
func (h *Handler) ServeWs(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token required"})
		return
	}
	claims, err := h.Auth.ValidateToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	tenantID := uuid.MustParse(claims.TenantID)
	adminID := uuid.MustParse(claims.AdminID)

	up := h.upgrader()
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := ws.NewClient(h.Hub, conn, tenantID, adminID)
	h.Hub.Register(client)
	go client.WritePump()
	go client.ReadPump(nil)
}
