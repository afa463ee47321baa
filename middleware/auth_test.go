package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egor/ecocrm/config"
	"github.com/egor/ecocrm/models"
)

func init() { gin.SetMode(gin.TestMode) }

func router(a *Auth, roles ...string) *gin.Engine {
	r := gin.New()
	chain := []gin.HandlerFunc{a.Middleware()}
	if len(roles) > 0 {
		chain = append(chain, RequireRole(roles...))
	}
	chain = append(chain, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tenant": TenantID(c), "admin": AdminID(c)})
	})
	r.GET("/x", chain...)
	return r
}

func call(r http.Handler, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestTokenRoundTrip(t *testing.T) {
	a := NewAuth(config.AuthConfig{JWTSecret: "secret", TokenTTL: time.Hour})
	admin := models.Admin{ID: uuid.New(), TenantID: uuid.New(), Role: models.RoleAdmin}

	token, exp, err := a.GenerateToken(admin)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	w := call(router(a), token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), admin.TenantID.String())
	assert.Contains(t, w.Body.String(), admin.ID.String())
}

func TestMiddlewareRejects(t *testing.T) {
	a := NewAuth(config.AuthConfig{JWTSecret: "secret"})
	other := NewAuth(config.AuthConfig{JWTSecret: "other"})
	admin := models.Admin{ID: uuid.New(), TenantID: uuid.New(), Role: models.RoleAdmin}

	assert.Equal(t, http.StatusUnauthorized, call(router(a), "").Code)
	assert.Equal(t, http.StatusUnauthorized, call(router(a), "garbage").Code)

	foreign, _, err := other.GenerateToken(admin)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call(router(a), foreign).Code)

	expired := NewAuth(config.AuthConfig{JWTSecret: "secret"})
	expired.now = func() time.Time { return time.Now().Add(-48 * time.Hour) }
	old, _, err := expired.GenerateToken(admin)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call(router(a), old).Code)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, &JWTClaims{AdminID: admin.ID.String(), TenantID: admin.TenantID.String()})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call(router(a), unsigned).Code)
}

func TestRequireRole(t *testing.T) {
	a := NewAuth(config.AuthConfig{JWTSecret: "secret"})
	support, _, err := a.GenerateToken(models.Admin{ID: uuid.New(), TenantID: uuid.New(), Role: models.RoleSupport})
	require.NoError(t, err)
	super, _, err := a.GenerateToken(models.Admin{ID: uuid.New(), TenantID: uuid.New(), Role: models.RoleSuperAdmin})
	require.NoError(t, err)

	r := router(a, models.RoleSuperAdmin)
	assert.Equal(t, http.StatusForbidden, call(r, support).Code)
	assert.Equal(t, http.StatusOK, call(r, super).Code)
}
