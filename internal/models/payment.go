package models

import (
	"time"

	"github.com/google/uuid"
)

// PaymentStatus transitions are monotone (created → pending → success|failed)
// except that success → refunded is allowed.
type PaymentStatus string

const (
	PaymentCreated  PaymentStatus = "created"
	PaymentPending  PaymentStatus = "pending"
	PaymentSuccess  PaymentStatus = "success"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// Payment mirrors one gateway order through its lifecycle. OrderID is the
// idempotency key for webhook replays.
type Payment struct {
	ID      uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	OwnerID uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_id"`

	OrderID   string  `gorm:"type:text;uniqueIndex;not null" json:"order_id"`
	PaymentID *string `gorm:"type:text" json:"payment_id,omitempty"`
	Signature *string `gorm:"type:text" json:"-"`

	PlanID   string `gorm:"type:text;not null" json:"plan_id"`
	PlanName string `gorm:"type:text;not null" json:"plan_name"`
	Credits  int    `gorm:"not null" json:"credits"`

	AmountPaise int64  `gorm:"not null" json:"amount_paise"`
	Currency    string `gorm:"type:text;not null;default:'INR'" json:"currency"`

	Status PaymentStatus `gorm:"type:text;not null;default:'created';index" json:"status"`
	Method string        `gorm:"type:text" json:"method,omitempty"`

	// CardMeta is age-encrypted at rest when a recipient key is configured.
	CardMeta []byte `gorm:"type:bytea" json:"-"`

	CreditsAdded bool `gorm:"not null;default:false" json:"credits_added"`

	RefundID      *string    `gorm:"type:text" json:"refund_id,omitempty"`
	RefundedAt    *time.Time `gorm:"type:timestamptz" json:"refunded_at,omitempty"`
	FailureReason string     `gorm:"type:text" json:"failure_reason,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }
