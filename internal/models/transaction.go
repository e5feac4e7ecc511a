package models

import (
	"time"

	"github.com/google/uuid"
)

// TransactionType classifies a ledger entry. Debits reduce the remaining
// balance; every other type increases it.
type TransactionType string

const (
	TxnCredit TransactionType = "credit"
	TxnDebit  TransactionType = "debit"
	TxnBonus  TransactionType = "bonus"
	TxnRefund TransactionType = "refund"
)

// Sign returns +1 or -1 depending on how the type moves the balance.
func (t TransactionType) Sign() int {
	if t == TxnDebit {
		return -1
	}
	return 1
}

// Transaction is one append-only ledger entry. Amount is always the positive
// magnitude; Type carries the direction. Replaying the log for a user must
// reproduce their remaining balance exactly.
type Transaction struct {
	ID      uuid.UUID       `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	OwnerID uuid.UUID       `gorm:"type:uuid;not null;index" json:"owner_id"`
	Type    TransactionType `gorm:"type:text;not null" json:"type"`
	Amount  int             `gorm:"not null" json:"amount"`

	Description string `gorm:"type:text;not null" json:"description"`

	// JobID additionally carries a partial unique index over debits
	// (idx_transactions_job_debit, created by the init migration): a job can
	// be charged at most once, whatever the delivery count.
	JobID     *uuid.UUID `gorm:"type:uuid;index" json:"job_id,omitempty"`
	APIKeyID  *uuid.UUID `gorm:"type:uuid" json:"api_key_id,omitempty"`
	PaymentID *uuid.UUID `gorm:"type:uuid;index" json:"payment_id,omitempty"`

	BalanceBefore int `gorm:"not null" json:"balance_before"`
	BalanceAfter  int `gorm:"not null" json:"balance_after"`

	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (Transaction) TableName() string { return "transactions" }
