// Package ledger owns every credit balance mutation. Writes for one user are
// serialized through a per-user lock and each operation updates the balance
// and appends its transaction inside one database transaction, so the log
// replayed always reproduces the balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/Bohar-s-Bit/cypher-ray-backend/internal/models"
)

var (
	// ErrUserNotFound is returned when the owner row does not exist.
	ErrUserNotFound = errors.New("ledger: user not found")

	// ErrAlreadyCharged is returned by DeductUsage when a debit for the job
	// id already exists. The existing transaction is returned with it; the
	// balance is untouched.
	ErrAlreadyCharged = errors.New("ledger: job already charged")
)

// Ledger applies credit mutations for all users.
type Ledger struct {
	orm *gorm.DB
	log zerolog.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// New creates a Ledger bound to the provided GORM session.
func New(orm *gorm.DB, log zerolog.Logger) (*Ledger, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &Ledger{
		orm:   orm,
		log:   log,
		locks: make(map[uuid.UUID]*sync.Mutex),
	}, nil
}

// userLock returns the serialization lock for one user, creating it on first
// use. Locks are never removed; the map is bounded by the user population.
func (l *Ledger) userLock(userID uuid.UUID) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[userID] = lock
	}
	return lock
}

// Balance is a point-in-time credit snapshot.
type Balance struct {
	Total     int `json:"total"`
	Used      int `json:"used"`
	Remaining int `json:"remaining"`
}

// PaymentCredit is the result of AddCreditsFromPayment.
type PaymentCredit struct {
	User        models.User
	Transaction models.Transaction
	DebtCleared int
}

// entry describes one balance mutation applied by apply.
type entry struct {
	txnType     models.TransactionType
	amount      int // positive magnitude
	description string
	jobID       *uuid.UUID
	apiKeyID    *uuid.UUID

	// mutate adjusts the loaded user row given the amount. It runs inside
	// the database transaction, after the row is loaded.
	mutate func(u *models.User)
}

// apply serializes on the user, loads the row, mutates the balance, and
// appends the transaction, all in one unit of visibility.
func (l *Ledger) apply(ctx context.Context, userID uuid.UUID, e entry) (models.User, models.Transaction, error) {
	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	var user models.User
	var txn models.Transaction

	err := l.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&user, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}

		before := user.CreditsRemaining
		e.mutate(&user)

		if err := tx.Model(&models.User{}).Where("id = ?", userID).Updates(map[string]any{
			"credits_total":     user.CreditsTotal,
			"credits_used":      user.CreditsUsed,
			"credits_remaining": user.CreditsRemaining,
		}).Error; err != nil {
			return err
		}

		txn = models.Transaction{
			ID:            uuid.New(),
			OwnerID:       userID,
			Type:          e.txnType,
			Amount:        e.amount,
			Description:   e.description,
			JobID:         e.jobID,
			APIKeyID:      e.apiKeyID,
			BalanceBefore: before,
			BalanceAfter:  user.CreditsRemaining,
		}
		return tx.Create(&txn).Error
	})
	if err != nil {
		return models.User{}, models.Transaction{}, err
	}
	return user, txn, nil
}

// AddCredits grants amount credits to the user and appends a transaction of
// the given kind (credit or bonus).
func (l *Ledger) AddCredits(ctx context.Context, userID uuid.UUID, amount int, description string, kind models.TransactionType) (models.Transaction, error) {
	if amount <= 0 {
		return models.Transaction{}, fmt.Errorf("ledger: amount must be positive, got %d", amount)
	}
	if kind != models.TxnCredit && kind != models.TxnBonus {
		return models.Transaction{}, fmt.Errorf("ledger: invalid grant kind %q", kind)
	}

	_, txn, err := l.apply(ctx, userID, entry{
		txnType:     kind,
		amount:      amount,
		description: description,
		mutate: func(u *models.User) {
			u.CreditsTotal += amount
			u.CreditsRemaining += amount
		},
	})
	return txn, err
}

// SetCredits replaces the user's balance outright: total and remaining become
// amount, used becomes zero. The delta is recorded as a transaction so log
// replay still reproduces the balance. Admin-only.
func (l *Ledger) SetCredits(ctx context.Context, userID uuid.UUID, amount int, description string) (models.Transaction, error) {
	if amount < 0 {
		return models.Transaction{}, fmt.Errorf("ledger: amount must not be negative, got %d", amount)
	}

	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	var txn models.Transaction
	err := l.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.First(&user, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}

		before := user.CreditsRemaining
		delta := amount - before

		if err := tx.Model(&models.User{}).Where("id = ?", userID).Updates(map[string]any{
			"credits_total":     amount,
			"credits_used":      0,
			"credits_remaining": amount,
		}).Error; err != nil {
			return err
		}

		txnType := models.TxnCredit
		magnitude := delta
		if delta < 0 {
			txnType = models.TxnDebit
			magnitude = -delta
		}

		txn = models.Transaction{
			ID:            uuid.New(),
			OwnerID:       userID,
			Type:          txnType,
			Amount:        magnitude,
			Description:   description,
			BalanceBefore: before,
			BalanceAfter:  amount,
		}
		return tx.Create(&txn).Error
	})
	return txn, err
}

// DeductUsage charges the user for a completed job. There is no balance
// pre-check: the remaining balance may go negative under the debt-tolerance
// policy.
//
// The charge is idempotent on the job id: at most one debit ever references
// a job. A redelivered or concurrently re-claimed job finds the existing
// debit (or trips the partial unique index on transactions) and gets it back
// under ErrAlreadyCharged with the balance untouched.
func (l *Ledger) DeductUsage(ctx context.Context, userID uuid.UUID, amount int, jobID uuid.UUID, apiKeyID *uuid.UUID, description string) (models.Transaction, error) {
	if amount <= 0 {
		return models.Transaction{}, fmt.Errorf("ledger: amount must be positive, got %d", amount)
	}

	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	var (
		user models.User
		txn  models.Transaction
	)
	jid := jobID

	err := l.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&user, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}

		var existing models.Transaction
		err := tx.Where("job_id = ? AND type = ?", jobID, models.TxnDebit).First(&existing).Error
		if err == nil {
			txn = existing
			return ErrAlreadyCharged
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		before := user.CreditsRemaining
		user.CreditsUsed += amount
		user.CreditsRemaining -= amount

		if err := tx.Model(&models.User{}).Where("id = ?", userID).Updates(map[string]any{
			"credits_used":      user.CreditsUsed,
			"credits_remaining": user.CreditsRemaining,
		}).Error; err != nil {
			return err
		}

		txn = models.Transaction{
			ID:            uuid.New(),
			OwnerID:       userID,
			Type:          models.TxnDebit,
			Amount:        amount,
			Description:   description,
			JobID:         &jid,
			APIKeyID:      apiKeyID,
			BalanceBefore: before,
			BalanceAfter:  user.CreditsRemaining,
		}
		if err := tx.Create(&txn).Error; err != nil {
			if isDuplicate(err) {
				// A concurrent attempt won the race past the pre-check; the
				// unique index is the backstop. Roll back the balance write
				// and reload the winner's row outside the transaction.
				txn = models.Transaction{}
				return ErrAlreadyCharged
			}
			return err
		}
		return nil
	})

	if errors.Is(err, ErrAlreadyCharged) {
		// The rolled-back path may not have loaded the winner's row yet.
		if txn.ID == uuid.Nil {
			if lerr := l.orm.WithContext(ctx).
				Where("job_id = ? AND type = ?", jobID, models.TxnDebit).
				First(&txn).Error; lerr != nil {
				return models.Transaction{}, lerr
			}
		}
		return txn, ErrAlreadyCharged
	}
	if err != nil {
		return models.Transaction{}, err
	}

	if user.CreditsRemaining < 0 {
		l.log.Warn().
			Str("owner_id", userID.String()).
			Int("remaining", user.CreditsRemaining).
			Str("job_id", jobID.String()).
			Msg("balance went negative under debt tolerance")
	}
	return txn, nil
}

// isDuplicate reports whether err is a unique-constraint violation.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Refund returns amount credits to the user. Used is reduced but never below
// zero.
func (l *Ledger) Refund(ctx context.Context, userID uuid.UUID, amount int, jobID uuid.UUID, reason string) (models.Transaction, error) {
	if amount <= 0 {
		return models.Transaction{}, fmt.Errorf("ledger: amount must be positive, got %d", amount)
	}

	jid := jobID
	_, txn, err := l.apply(ctx, userID, entry{
		txnType:     models.TxnRefund,
		amount:      amount,
		description: reason,
		jobID:       &jid,
		mutate: func(u *models.User) {
			u.CreditsRemaining += amount
			u.CreditsUsed -= amount
			if u.CreditsUsed < 0 {
				u.CreditsUsed = 0
			}
		},
	})
	return txn, err
}

// HasAtLeast reports whether the user's remaining balance meets the
// threshold. Used only as the ingestion admission gate.
func (l *Ledger) HasAtLeast(ctx context.Context, userID uuid.UUID, threshold int) (bool, Balance, error) {
	bal, err := l.BalanceOf(ctx, userID)
	if err != nil {
		return false, Balance{}, err
	}
	return bal.Remaining >= threshold, bal, nil
}

// BalanceOf returns the user's current credit snapshot.
func (l *Ledger) BalanceOf(ctx context.Context, userID uuid.UUID) (Balance, error) {
	var user models.User
	if err := l.orm.WithContext(ctx).First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Balance{}, ErrUserNotFound
		}
		return Balance{}, err
	}
	return Balance{
		Total:     user.CreditsTotal,
		Used:      user.CreditsUsed,
		Remaining: user.CreditsRemaining,
	}, nil
}

// AddCreditsFromPayment grants credits purchased through the payment gateway.
// If the user carried debt, the grant clears it first and the transaction
// description records how much was absorbed.
func (l *Ledger) AddCreditsFromPayment(ctx context.Context, userID uuid.UUID, amount int, paymentID uuid.UUID, description string) (PaymentCredit, error) {
	if amount <= 0 {
		return PaymentCredit{}, fmt.Errorf("ledger: amount must be positive, got %d", amount)
	}

	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	var (
		user        models.User
		txn         models.Transaction
		debtCleared int
	)
	pid := paymentID

	err := l.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&user, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}

		before := user.CreditsRemaining
		if before < 0 {
			debtCleared = -before
		}
		user.CreditsTotal += amount
		user.CreditsRemaining += amount

		if err := tx.Model(&models.User{}).Where("id = ?", userID).Updates(map[string]any{
			"credits_total":     user.CreditsTotal,
			"credits_remaining": user.CreditsRemaining,
		}).Error; err != nil {
			return err
		}

		desc := description
		if debtCleared > 0 {
			desc = fmt.Sprintf("%s (Debt cleared: %d credits)", description, debtCleared)
		}

		txn = models.Transaction{
			ID:            uuid.New(),
			OwnerID:       userID,
			Type:          models.TxnCredit,
			Amount:        amount,
			Description:   desc,
			PaymentID:     &pid,
			BalanceBefore: before,
			BalanceAfter:  user.CreditsRemaining,
		}
		return tx.Create(&txn).Error
	})
	if err != nil {
		return PaymentCredit{}, err
	}

	return PaymentCredit{User: user, Transaction: txn, DebtCleared: debtCleared}, nil
}
