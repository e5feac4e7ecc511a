package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Capabilities an API key may carry. Routes check for the one they need.
const (
	CapAnalyze   = "analyze"
	CapBatch     = "batch"
	CapResults   = "results"
	CapCredits   = "credits"
	CapCheckHash = "check-hash"
)

// APIKey is a programmatic credential. Exactly one active row exists per
// token value (unique index on Token).
type APIKey struct {
	ID      uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	OwnerID uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_id"`

	Token string `gorm:"type:text;uniqueIndex;not null" json:"-"`
	Name  string `gorm:"type:text;not null" json:"name"`

	Active       bool                        `gorm:"not null;default:true" json:"active"`
	ExpiresAt    *time.Time                  `gorm:"type:timestamptz" json:"expires_at,omitempty"`
	LastUsedAt   *time.Time                  `gorm:"type:timestamptz" json:"last_used_at,omitempty"`
	RequestCount int64                       `gorm:"not null;default:0" json:"request_count"`
	Capabilities datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"capabilities"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (APIKey) TableName() string { return "api_keys" }

// HasCapability reports whether the key grants the named capability.
func (k *APIKey) HasCapability(cap string) bool {
	for _, c := range k.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Expired reports whether the key's optional expiry has passed.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && now.After(*k.ExpiresAt)
}
