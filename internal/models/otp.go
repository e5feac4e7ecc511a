package models

import (
	"time"

	"github.com/google/uuid"
)

// OTP is a short-lived six-digit verification code. Rows past their expiry
// are garbage-collected by the janitor.
type OTP struct {
	ID      uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	OwnerID uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_id"`

	Code    string `gorm:"type:text;not null" json:"-"`
	Purpose string `gorm:"type:text;not null" json:"purpose"`
	Used    bool   `gorm:"not null;default:false" json:"used"`

	ExpiresAt time.Time `gorm:"type:timestamptz;not null;index" json:"expires_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (OTP) TableName() string { return "otps" }

// Expired reports whether the code is past its expiry. A code exactly at its
// expiry instant counts as expired.
func (o *OTP) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}
