package models

import (
	"time"

	"github.com/google/uuid"
)

// User represents an account on the platform. Admin accounts have no tier.
type User struct {
	ID     uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	Email  string    `gorm:"type:text;uniqueIndex;not null" json:"email"`
	Name   string    `gorm:"type:text;not null" json:"name"`
	Tier   Tier      `gorm:"type:text" json:"tier,omitempty"`
	Admin  bool      `gorm:"not null;default:false" json:"admin"`
	Active bool      `gorm:"not null;default:true" json:"active"`

	// Embedded credit snapshot. Remaining is signed and may go negative under
	// the debt-tolerance policy; only the ledger mutates these columns.
	CreditsTotal     int `gorm:"not null;default:0" json:"credits_total"`
	CreditsUsed      int `gorm:"not null;default:0" json:"credits_used"`
	CreditsRemaining int `gorm:"not null;default:0" json:"credits_remaining"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (User) TableName() string { return "users" }
