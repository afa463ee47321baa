package models

import (
	"time"

	"github.com/google/uuid"
)

// Plan is the tenant subscription plan. It alone decides channel entitlement.
type Plan string

const (
	PlanBasic   Plan = "basic"
	PlanPro     Plan = "pro"
	PlanPremium Plan = "premium"
)

// Valid reports whether p is one of the known plans.
func (p Plan) Valid() bool {
	switch p {
	case PlanBasic, PlanPro, PlanPremium:
		return true
	}
	return false
}

// Tenant is a business account of the CRM.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Plan      Plan      `json:"plan"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Admin roles.
const (
	RoleAdmin      = "admin"
	RoleSupport    = "support"
	RoleSuperAdmin = "superadmin"
)

// Admin is a staff login of a tenant.
type Admin struct {
	ID           uuid.UUID `json:"id"`
	TenantID     uuid.UUID `json:"tenantId"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Avatar       *string   `json:"avatar,omitempty"`
	Role         string    `json:"role"`
	Active       bool      `json:"active"`
}
