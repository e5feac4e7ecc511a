// Package apikeys issues and authenticates programmatic credentials.
package apikeys

import (
	"context"
	"crypto/rand"
	"errors"
	"time"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
)

var (
	// ErrInvalidKey covers missing, unknown, revoked, and expired keys.
	ErrInvalidKey = errors.New("apikeys: invalid api key")
	// ErrCapability is returned when the key lacks the route's capability.
	ErrCapability = errors.New("apikeys: capability not granted")
)

// tokenHRP is the bech32 human-readable prefix every token starts with.
const tokenHRP = "ck"

// Store manages API key rows.
type Store struct {
	orm *gorm.DB
}

// New creates a Store.
func New(orm *gorm.DB) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Store{orm: orm}, nil
}

// newToken generates a fresh token: the fixed prefix plus a bech32-encoded
// 20-byte random body.
func newToken() (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	grouped, err := bech32.ConvertBits(raw, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(tokenHRP, grouped)
}

// Issue creates a new key for the owner with the given capabilities. The
// token is only returned here; afterwards only its row is visible.
func (s *Store) Issue(ctx context.Context, ownerID uuid.UUID, name string, capabilities []string, expiresAt *time.Time) (models.APIKey, string, error) {
	if name == "" {
		return models.APIKey{}, "", errors.New("apikeys: name is required")
	}
	if len(capabilities) == 0 {
		capabilities = []string{models.CapAnalyze, models.CapResults, models.CapCredits, models.CapCheckHash}
	}

	token, err := newToken()
	if err != nil {
		return models.APIKey{}, "", err
	}

	key := models.APIKey{
		ID:           uuid.New(),
		OwnerID:      ownerID,
		Token:        token,
		Name:         name,
		Active:       true,
		ExpiresAt:    expiresAt,
		Capabilities: datatypes.NewJSONSlice(capabilities),
	}
	if err := s.orm.WithContext(ctx).Create(&key).Error; err != nil {
		return models.APIKey{}, "", err
	}
	return key, token, nil
}

// Authenticate resolves a token to its key and owner, enforcing the
// capability the route requires. Usage accounting happens on the same hit.
func (s *Store) Authenticate(ctx context.Context, token, capability string) (*models.APIKey, *models.User, error) {
	if token == "" {
		return nil, nil, ErrInvalidKey
	}

	var key models.APIKey
	err := s.orm.WithContext(ctx).First(&key, "token = ? AND active = true", token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrInvalidKey
		}
		return nil, nil, err
	}

	now := time.Now().UTC()
	if key.Expired(now) {
		return nil, nil, ErrInvalidKey
	}
	if capability != "" && !key.HasCapability(capability) {
		return nil, nil, ErrCapability
	}

	var user models.User
	if err := s.orm.WithContext(ctx).First(&user, "id = ? AND active = true", key.OwnerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrInvalidKey
		}
		return nil, nil, err
	}

	// Best-effort usage accounting; an error here never blocks the request.
	_ = s.orm.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ?", key.ID).
		Updates(map[string]any{
			"last_used_at":  &now,
			"request_count": gorm.Expr("request_count + 1"),
		}).Error

	return &key, &user, nil
}

// ListByOwner returns the owner's keys, newest first.
func (s *Store) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.APIKey, error) {
	var keys []models.APIKey
	err := s.orm.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Find(&keys).Error
	return keys, err
}

// Revoke deactivates a key owned by the caller.
func (s *Store) Revoke(ctx context.Context, ownerID, keyID uuid.UUID) error {
	res := s.orm.WithContext(ctx).Model(&models.APIKey{}).
		Where("id = ? AND owner_id = ?", keyID, ownerID).
		Update("active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrInvalidKey
	}
	return nil
}
