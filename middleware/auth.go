package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/egor/ecocrm/config"
	"github.com/egor/ecocrm/models"
)

// Context keys set by the auth middleware.
const (
	KeyAdminID  = "adminID"
	KeyTenantID = "tenantID"
	KeyRole     = "role"
)

const issuer = "ecocrm"

// JWTClaims is the token payload.
type JWTClaims struct {
	AdminID  string `json:"adminId"`
	TenantID string `json:"tenantId"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Auth issues and checks dashboard tokens.
type Auth struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewAuth(cfg config.AuthConfig) *Auth {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Auth{key: []byte(cfg.JWTSecret), ttl: ttl, now: time.Now}
}

// GenerateToken signs a token for the admin and returns it with its expiry.
func (a *Auth) GenerateToken(admin models.Admin) (string, time.Time, error) {
	now := a.now()
	expires := now.Add(a.ttl)
	claims := &JWTClaims{
		AdminID:  admin.ID.String(),
		TenantID: admin.TenantID.String(),
		Role:     admin.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   admin.ID.String(),
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// ValidateToken parses and verifies a signed token.
func (a *Auth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.key, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if !claims.VerifyIssuer(issuer, true) {
		return nil, errors.New("invalid token issuer")
	}
	if _, err := uuid.Parse(claims.TenantID); err != nil {
		return nil, errors.New("invalid tenant in token")
	}
	if _, err := uuid.Parse(claims.AdminID); err != nil {
		return nil, errors.New("invalid admin in token")
	}
	return claims, nil
}

// Middleware requires a valid bearer token and stores its claims on the context.
func (a *Auth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		claims, err := a.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		SetClaims(c, claims)
		c.Next()
	}
}

// SetClaims stores validated claims on the context.
func SetClaims(c *gin.Context, claims *JWTClaims) {
	c.Set(KeyAdminID, uuid.MustParse(claims.AdminID))
	c.Set(KeyTenantID, uuid.MustParse(claims.TenantID))
	c.Set(KeyRole, claims.Role)
}

// RequireRole lets only the given roles through. It must run after Middleware.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(KeyRole)
		for _, r := range roles {
			if r == role {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
	}
}

// TenantID is the authenticated tenant.
func TenantID(c *gin.Context) uuid.UUID {
	id, _ := c.Get(KeyTenantID)
	v, _ := id.(uuid.UUID)
	return v
}

// AdminID is the authenticated admin.
func AdminID(c *gin.Context) uuid.UUID {
	id, _ := c.Get(KeyAdminID)
	v, _ := id.(uuid.UUID)
	return v
}
