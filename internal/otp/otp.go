// Package otp issues and verifies short-lived six-digit codes.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
)

var (
	// ErrInvalidCode covers wrong, used, and expired codes alike so callers
	// cannot distinguish them.
	ErrInvalidCode = errors.New("otp: invalid or expired code")
)

// TTL is how long a code stays valid.
const TTL = 2 * time.Minute

// Store issues and verifies codes against the database.
type Store struct {
	orm *gorm.DB
	now func() time.Time
}

// New creates a Store.
func New(orm *gorm.DB) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Store{orm: orm, now: time.Now}, nil
}

// Issue creates a fresh code for the user and purpose, invalidating any
// earlier unused codes for the same purpose.
func (s *Store) Issue(ctx context.Context, ownerID uuid.UUID, purpose string) (models.OTP, error) {
	code, err := sixDigits()
	if err != nil {
		return models.OTP{}, err
	}

	row := models.OTP{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		Code:      code,
		Purpose:   purpose,
		ExpiresAt: s.now().UTC().Add(TTL),
	}

	err = s.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.OTP{}).
			Where("owner_id = ? AND purpose = ? AND used = false", ownerID, purpose).
			Update("used", true).Error; err != nil {
			return err
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return models.OTP{}, err
	}
	return row, nil
}

// Verify consumes a code. Expired codes fail: a code exactly at its expiry
// instant is already dead.
func (s *Store) Verify(ctx context.Context, ownerID uuid.UUID, purpose, code string) error {
	var row models.OTP
	err := s.orm.WithContext(ctx).
		Where("owner_id = ? AND purpose = ? AND code = ? AND used = false", ownerID, purpose, code).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInvalidCode
		}
		return err
	}

	if row.Expired(s.now().UTC()) {
		return ErrInvalidCode
	}

	return s.orm.WithContext(ctx).Model(&models.OTP{}).
		Where("id = ?", row.ID).
		Update("used", true).Error
}

// PurgeExpired deletes rows past their expiry. Called by the janitor.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	res := s.orm.WithContext(ctx).
		Where("expires_at <= ?", s.now().UTC()).
		Delete(&models.OTP{})
	return res.RowsAffected, res.Error
}

func sixDigits() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
