package billing

import (
	"context"
	"testing"
	"time"

	"github.com/memoryrouter/memoryrouter/internal/cache"
)

func testPricing() Pricing {
	return Pricing{
		PricePerMillionTokenHundredthsCents: 2000, // $0.20/1M tokens
		FreeTierTokens:                      1000,
		AutoReupAmountCents:                 2000,
		AutoReupTriggerCents:                500,
	}
}

func newTestCheckpoint(t *testing.T, proc PaymentProcessor) (*Checkpoint, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	blocked := cache.NewMemoryCache(context.Background())
	cp := NewCheckpoint(store, proc, blocked, testPricing(), time.Minute, time.Hour)
	return cp, store
}

// TestCostForTokensRoundsUp verifies CostForTokens ceils rather than
// truncates the cost computation.
func TestCostForTokensRoundsUp(t *testing.T) {
	p := testPricing()
	// 1 token * 2000 hundredths-of-cent / 1_000_000 = 0.002, should ceil to 1.
	if got := p.CostForTokens(1); got != 1 {
		t.Errorf("CostForTokens(1) = %d, want 1", got)
	}
	if got := p.CostForTokens(0); got != 0 {
		t.Errorf("CostForTokens(0) = %d, want 0", got)
	}
}

// TestEnsureBalanceNoAccountFailsOpen verifies an unknown memory key allows
// the request through rather than blocking it (spec.md §4.7 fail-open).
func TestEnsureBalanceNoAccountFailsOpen(t *testing.T) {
	cp, _ := newTestCheckpoint(t, &DeterministicProcessor{})
	preview, err := cp.EnsureBalance(context.Background(), "unknown-key", 100)
	if err != nil {
		t.Fatalf("expected fail-open (nil error), got %v", err)
	}
	if preview != nil {
		t.Errorf("expected nil preview for fail-open, got %+v", preview)
	}
}

// TestEnsureBalanceSufficientFundsAllows verifies a positive projected
// balance allows the request without touching the payment processor.
func TestEnsureBalanceSufficientFundsAllows(t *testing.T) {
	cp, store := newTestCheckpoint(t, &DeterministicProcessor{})
	store.Seed("key1", &Account{UserID: "u1", BalanceCents: 10_000_000})

	preview, err := cp.EnsureBalance(context.Background(), "key1", 500)
	if err != nil {
		t.Fatalf("EnsureBalance: %v", err)
	}
	if preview.BalanceCents != 10_000_000 {
		t.Errorf("preview.BalanceCents = %d, want unchanged 10_000_000", preview.BalanceCents)
	}
}

// TestEnsureBalanceExhaustedNoPaymentMethodBlocks verifies a depleted
// balance with no payment method on file returns ErrNoPaymentMethod and
// blocks subsequent calls.
func TestEnsureBalanceExhaustedNoPaymentMethodBlocks(t *testing.T) {
	cp, store := newTestCheckpoint(t, &DeterministicProcessor{})
	store.Seed("key2", &Account{UserID: "u2", BalanceCents: 0, HasPaymentMethod: false})

	_, err := cp.EnsureBalance(context.Background(), "key2", 1_000_000)
	if err != ErrNoPaymentMethod {
		t.Fatalf("expected ErrNoPaymentMethod, got %v", err)
	}

	if !cp.IsBlocked(context.Background(), "key2") {
		t.Error("expected key2 to be blocked after failed balance check")
	}
}

// TestEnsureBalanceAutoReupChargesAndAllows verifies a depleted balance with
// a payment method on file triggers an auto-reup charge and allows the
// request once the new balance covers the cost.
func TestEnsureBalanceAutoReupChargesAndAllows(t *testing.T) {
	cp, store := newTestCheckpoint(t, &DeterministicProcessor{})
	store.Seed("key3", &Account{
		UserID:              "u3",
		BalanceCents:        0,
		FreeTierTokensUsed:  1000,
		HasPaymentMethod:    true,
		AutoReupAmountCents: 2000,
	})

	preview, err := cp.EnsureBalance(context.Background(), "key3", 100)
	if err != nil {
		t.Fatalf("expected auto-reup to succeed, got %v", err)
	}
	if preview.BalanceCents != 2000 {
		t.Errorf("preview.BalanceCents = %d, want 2000 after reup", preview.BalanceCents)
	}

	txns := store.Transactions()
	if len(txns) != 1 || txns[0].Kind != "credit" {
		t.Fatalf("expected one credit transaction, got %+v", txns)
	}
}

// TestEnsureBalancePaymentFailedBlocks verifies that when the processor
// charge fails, EnsureBalance returns ErrPaymentFailed and blocks the key.
func TestEnsureBalancePaymentFailedBlocks(t *testing.T) {
	cp, store := newTestCheckpoint(t, &DeterministicProcessor{AlwaysFail: true})
	store.Seed("key4", &Account{UserID: "u4", BalanceCents: 0, FreeTierTokensUsed: 1000, HasPaymentMethod: true})

	_, err := cp.EnsureBalance(context.Background(), "key4", 100)
	if err != ErrPaymentFailed {
		t.Fatalf("expected ErrPaymentFailed, got %v", err)
	}
	if !cp.IsBlocked(context.Background(), "key4") {
		t.Error("expected key4 to be blocked after payment failure")
	}
}

// TestIsBlockedShortCircuits verifies a previously blocked key is rejected
// without a store lookup (here observed indirectly: EnsureBalance returns
// ErrBlocked even for a memory key with no seeded account).
func TestIsBlockedShortCircuits(t *testing.T) {
	cp, _ := newTestCheckpoint(t, &DeterministicProcessor{})
	cp.block(context.Background(), "ghost-key", blockBalance)

	_, err := cp.EnsureBalance(context.Background(), "ghost-key", 10)
	if err != ErrBlocked {
		t.Fatalf("expected short-circuit ErrBlocked, got %v", err)
	}
}

// TestEnsureBalanceMonthlyCapReached verifies a request that would push the
// account past its monthly cap is rejected with ErrCapReached even when the
// balance itself could cover it.
func TestEnsureBalanceMonthlyCapReached(t *testing.T) {
	cp, store := newTestCheckpoint(t, &DeterministicProcessor{})
	store.Seed("key9", &Account{
		UserID:             "u9",
		BalanceCents:       1_000_000,
		FreeTierTokensUsed: 1000,
		MonthlyCapCents:    10,
		MonthlySpendCents:  10,
	})

	_, err := cp.EnsureBalance(context.Background(), "key9", 5000)
	if err != ErrCapReached {
		t.Fatalf("expected ErrCapReached, got %v", err)
	}
	if !cp.IsBlocked(context.Background(), "key9") {
		t.Error("expected key9 to be blocked after cap rejection")
	}
}

// TestRecordUsageAndDeductUsesFreeTierFirst verifies free-tier tokens are
// consumed before any balance deduction occurs.
func TestRecordUsageAndDeductUsesFreeTierFirst(t *testing.T) {
	cp, store := newTestCheckpoint(t, &DeterministicProcessor{})
	store.Seed("key5", &Account{UserID: "u5", BalanceCents: 1_000_000, FreeTierTokensUsed: 0})

	if err := cp.RecordUsageAndDeduct(context.Background(), "key5", 500); err != nil {
		t.Fatalf("RecordUsageAndDeduct: %v", err)
	}

	acct, _ := store.GetByMemoryKey(context.Background(), "key5")
	if acct.FreeTierTokensUsed != 500 {
		t.Errorf("FreeTierTokensUsed = %d, want 500 (within free tier of 1000)", acct.FreeTierTokensUsed)
	}
	if acct.BalanceCents != 1_000_000 {
		t.Errorf("BalanceCents = %d, want unchanged 1_000_000 (fully covered by free tier)", acct.BalanceCents)
	}
}

// TestRecordUsageAndDeductChargesOverflowPastFreeTier verifies tokens beyond
// the remaining free tier are charged against the balance.
func TestRecordUsageAndDeductChargesOverflowPastFreeTier(t *testing.T) {
	cp, store := newTestCheckpoint(t, &DeterministicProcessor{})
	store.Seed("key6", &Account{UserID: "u6", BalanceCents: 1_000_000, FreeTierTokensUsed: 900})

	// Free remaining = 100; usage = 300 → 200 paid tokens.
	if err := cp.RecordUsageAndDeduct(context.Background(), "key6", 300); err != nil {
		t.Fatalf("RecordUsageAndDeduct: %v", err)
	}

	acct, _ := store.GetByMemoryKey(context.Background(), "key6")
	if acct.FreeTierTokensUsed != 1000 {
		t.Errorf("FreeTierTokensUsed = %d, want 1000 (free tier exhausted)", acct.FreeTierTokensUsed)
	}
	wantCost := testPricing().CostForTokens(200)
	wantBalance := 1_000_000 - wantCost
	if acct.BalanceCents != wantBalance {
		t.Errorf("BalanceCents = %d, want %d", acct.BalanceCents, wantBalance)
	}
}

// TestRecordUsageAndDeductNeverGoesNegative verifies the balance floors at
// zero rather than going negative.
func TestRecordUsageAndDeductNeverGoesNegative(t *testing.T) {
	cp, store := newTestCheckpoint(t, &DeterministicProcessor{})
	store.Seed("key7", &Account{UserID: "u7", BalanceCents: 1, FreeTierTokensUsed: 1000})

	if err := cp.RecordUsageAndDeduct(context.Background(), "key7", 1_000_000); err != nil {
		t.Fatalf("RecordUsageAndDeduct: %v", err)
	}

	acct, _ := store.GetByMemoryKey(context.Background(), "key7")
	if acct.BalanceCents != 0 {
		t.Errorf("BalanceCents = %d, want floored at 0", acct.BalanceCents)
	}
}

// TestRecordUsageAndDeductTriggersAutoReup verifies that when the
// post-deduction balance drops below the trigger, auto-reup fires.
func TestRecordUsageAndDeductTriggersAutoReup(t *testing.T) {
	cp, store := newTestCheckpoint(t, &DeterministicProcessor{})
	store.Seed("key8", &Account{
		UserID:               "u8",
		BalanceCents:         100,
		FreeTierTokensUsed:   1000,
		AutoReupEnabled:      true,
		HasPaymentMethod:     true,
		AutoReupAmountCents:  2000,
		AutoReupTriggerCents: 500,
	})

	if err := cp.RecordUsageAndDeduct(context.Background(), "key8", 1); err != nil {
		t.Fatalf("RecordUsageAndDeduct: %v", err)
	}

	acct, _ := store.GetByMemoryKey(context.Background(), "key8")
	if acct.BalanceCents < acct.AutoReupTriggerCents {
		t.Errorf("expected balance to be topped up past trigger, got %d", acct.BalanceCents)
	}

	txns := store.Transactions()
	var sawReup bool
	for _, txn := range txns {
		if txn.Kind == "auto_reup" {
			sawReup = true
		}
	}
	if !sawReup {
		t.Errorf("expected an auto_reup transaction, got %+v", txns)
	}
}

// TestRecordUsageAndDeductUnknownAccountIsNoop verifies settlement against
// an unknown memory key is a silent no-op, not an error (spec.md §4.7).
func TestRecordUsageAndDeductUnknownAccountIsNoop(t *testing.T) {
	cp, _ := newTestCheckpoint(t, &DeterministicProcessor{})
	if err := cp.RecordUsageAndDeduct(context.Background(), "never-seeded", 100); err != nil {
		t.Errorf("expected nil error for unknown account, got %v", err)
	}
}
