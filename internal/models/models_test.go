package models

import (
	"testing"
	"time"
)

func TestTierPriority(t *testing.T) {
	if got := TierOne.Priority(); got != 1 {
		t.Fatalf("tier1 priority = %d, want 1", got)
	}
	if got := TierTwo.Priority(); got != 2 {
		t.Fatalf("tier2 priority = %d, want 2", got)
	}
}

func TestJobStatusTerminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
	}{
		{JobQueued, false},
		{JobProcessing, false},
		{JobCompleted, true},
		{JobFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Fatalf("%q.Terminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestTransactionTypeSign(t *testing.T) {
	if TxnDebit.Sign() != -1 {
		t.Fatal("debit sign must be -1")
	}
	for _, typ := range []TransactionType{TxnCredit, TxnBonus, TxnRefund} {
		if typ.Sign() != 1 {
			t.Fatalf("%q sign must be +1", typ)
		}
	}
}

func TestOTPExpiryBoundary(t *testing.T) {
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	code := OTP{ExpiresAt: issued.Add(2 * time.Minute)}

	if code.Expired(issued.Add(2*time.Minute - time.Nanosecond)) {
		t.Fatal("code expired before its window closed")
	}
	// Exactly two minutes old is already expired.
	if !code.Expired(issued.Add(2 * time.Minute)) {
		t.Fatal("code still valid at exact expiry instant")
	}
}

func TestAPIKeyCapabilities(t *testing.T) {
	key := APIKey{Capabilities: []string{CapAnalyze, CapResults}}
	if !key.HasCapability(CapAnalyze) {
		t.Fatal("granted capability not found")
	}
	if key.HasCapability(CapBatch) {
		t.Fatal("ungranted capability reported present")
	}
}
