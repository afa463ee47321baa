package models

import (
	"time"

	"github.com/google/uuid"
)

// CommissionType is the variant of a commission.
type CommissionType string

const (
	CommissionSignup    CommissionType = "signup"
	CommissionRecurring CommissionType = "recurring"
	CommissionBonus     CommissionType = "bonus"
)

// CommissionStatus is the payout lifecycle state.
type CommissionStatus string

const (
	CommissionPending  CommissionStatus = "pending"
	CommissionApproved CommissionStatus = "approved"
	CommissionPaid     CommissionStatus = "paid"
)

// PartnerCommission is one calculated, persisted payable amount.
type PartnerCommission struct {
	ID             uuid.UUID        `json:"id"`
	PartnerID      uuid.UUID        `json:"partnerId"`
	ReferralID     *uuid.UUID       `json:"referralId,omitempty"`
	Type           CommissionType   `json:"commissionType"`
	BaseAmount     float64          `json:"baseAmount"`
	Rate           float64          `json:"rate"`
	Amount         float64          `json:"amount"`
	Status         CommissionStatus `json:"status"`
	ReferenceMonth int              `json:"referenceMonth"`
	ReferenceYear  int              `json:"referenceYear"`
	Description    string           `json:"description,omitempty"`
	PaymentDetails *PaymentDetails  `json:"paymentDetails,omitempty"`
	ApprovedAt     *time.Time       `json:"approvedAt,omitempty"`
	PaidAt         *time.Time       `json:"paidAt,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// PaymentDetails is the metadata recorded when commissions are paid out.
type PaymentDetails struct {
	Method    string `json:"method"`
	Reference string `json:"reference,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// CommissionFilter narrows commission queries.
type CommissionFilter struct {
	PartnerID *uuid.UUID
	Type      CommissionType
	Status    CommissionStatus
	From      *time.Time
	To        *time.Time
}
