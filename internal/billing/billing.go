// Package billing implements the balance checkpoint (C7): a charge-first
// pre-request gate and a post-request usage deduction with auto-reup,
// backed by a blocked-user cache for fast-reject on recently-failed
// accounts (spec.md §4.7).
package billing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Rhymond/go-money"

	"github.com/memoryrouter/memoryrouter/internal/cache"
)

// Currency used for all go-money amounts — balances are USD cents
// internally represented in hundredths-of-a-cent (spec.md §3).
const Currency = "USD"

// Pricing is derived from config at construction time. The token price is
// held as PricePerMillionTokenHundredthsCents (0.20 $/1M tokens == 2000
// hundredths-of-a-cent per 1M tokens, i.e. 0.002 hundredths-of-a-cent/token
// == 0.00002 cents/token, spec.md §4.7).
type Pricing struct {
	PricePerMillionTokenHundredthsCents int64
	FreeTierTokens                      int64
	AutoReupAmountCents                 int64
	AutoReupTriggerCents                int64
}

// CostForTokens returns the hundredths-of-a-cent cost of n paid tokens,
// rounded up (spec.md §4.7 "costCents = ceil(paidTokens·0.00002)" — here
// expressed via the configured per-million price to avoid float drift).
func (p Pricing) CostForTokens(paidTokens int64) int64 {
	if paidTokens <= 0 {
		return 0
	}
	num := paidTokens * p.PricePerMillionTokenHundredthsCents
	return (num + 999_999) / 1_000_000
}

// Account is the billing record for one user (spec.md §3 "Billing account").
type Account struct {
	UserID              string
	BalanceCents        int64 // hundredths-of-a-cent; invariant: ≥0 outside the transient overshoot window
	FreeTierTokensUsed  int64
	MonthlyCapCents     int64 // 0 == no cap
	MonthlySpendCents   int64
	AutoReupEnabled     bool
	AutoReupAmountCents int64
	AutoReupTriggerCents int64
	HasPaymentMethod    bool
}

func (a *Account) balance() *money.Money {
	return money.New(a.BalanceCents, Currency)
}

// Transaction is an immutable ledger row (spec.md §3/§4.7).
type Transaction struct {
	UserID      string
	Kind        string // "credit", "usage", "auto_reup"
	AmountCents int64
	BalanceAfterCents int64
	CreatedAt   time.Time
}

// PaymentProcessor is the off-session charge/refund boundary. spec.md §1
// scopes the payment processor integration surface out beyond these
// primitives; production wiring is a concrete implementation of this
// interface, not part of this package.
type PaymentProcessor interface {
	Charge(ctx context.Context, userID string, amountCents int64) (confirmationID string, err error)
	Refund(ctx context.Context, confirmationID string, amountCents int64) error
}

// AccountStore is the persistence boundary for billing accounts and
// transactions (spec.md §6 "relational rows for ... billing, transactions").
type AccountStore interface {
	// GetByMemoryKey maps memory-key → account, or ErrNoAccount when the
	// memory-key or its owning user has no billing account (spec.md §4.7
	// step 1: "fail open... cannot bill").
	GetByMemoryKey(ctx context.Context, memoryKey string) (*Account, error)
	// Save persists updated account fields and appends a transaction in one
	// batch (spec.md §5 "balance updates and transaction inserts occur as
	// one batch").
	Save(ctx context.Context, acct *Account, txn *Transaction) error
}

// ErrNoAccount is returned by AccountStore.GetByMemoryKey when no account
// mapping exists.
var ErrNoAccount = errors.New("billing: no account for memory key")

// The PaymentRequired sub-kinds from spec.md §7. ErrBlocked is the
// fast-reject result when a recent failure is still cached; ErrCapReached
// fires when a request would push the account past its monthly cap.
var (
	ErrNoPaymentMethod = errors.New("billing: no_payment_method")
	ErrPaymentFailed   = errors.New("billing: payment_failed")
	ErrCapReached      = errors.New("billing: cap_reached")
	ErrBlocked         = errors.New("billing: blocked")
)

// PreviewBalance is returned with a PaymentRequired error so the caller can
// build the HTTP 402 body (spec.md §7: "carrying balance_cents,
// free_tokens_remaining, top_up_url").
type PreviewBalance struct {
	BalanceCents        int64
	FreeTokensRemaining int64
}

// blockReason distinguishes the two blocked-cache TTL classes (spec.md
// §4.7 "Blocked cache").
type blockReason string

const (
	blockBalance   blockReason = "balance"
	blockSuspended blockReason = "suspended"
)

// Checkpoint ties together AccountStore, PaymentProcessor, and the
// blocked-user cache to implement ensureBalance / recordUsageAndDeduct
// (spec.md §4.7).
type Checkpoint struct {
	store     AccountStore
	processor PaymentProcessor
	blocked   cache.Cache
	pricing   Pricing

	balanceTTL   time.Duration
	suspendedTTL time.Duration

	mu sync.Mutex // serialises per-account balance math at this process (spec.md §5)
}

// NewCheckpoint constructs a Checkpoint. processor may be nil — auto-reup
// then always fails (treated identically to "no payment method").
func NewCheckpoint(store AccountStore, processor PaymentProcessor, blocked cache.Cache, pricing Pricing, balanceTTL, suspendedTTL time.Duration) *Checkpoint {
	return &Checkpoint{
		store:        store,
		processor:    processor,
		blocked:      blocked,
		pricing:      pricing,
		balanceTTL:   balanceTTL,
		suspendedTTL: suspendedTTL,
	}
}

func blockedCacheKey(memoryKey string) string { return "billing:blocked:" + memoryKey }

// IsBlocked fast-rejects without a DB read when memoryKey was recently
// denied (spec.md §4.7 "a present entry short-circuits the pre-request path
// with 402 until TTL expires").
func (c *Checkpoint) IsBlocked(ctx context.Context, memoryKey string) bool {
	if c.blocked == nil {
		return false
	}
	_, ok := c.blocked.Get(ctx, blockedCacheKey(memoryKey))
	return ok
}

func (c *Checkpoint) block(ctx context.Context, memoryKey string, reason blockReason) {
	if c.blocked == nil {
		return
	}
	ttl := c.balanceTTL
	if reason == blockSuspended {
		ttl = c.suspendedTTL
	}
	_ = c.blocked.Set(ctx, blockedCacheKey(memoryKey), []byte(reason), ttl)
}

// EnsureBalance is the pre-request gate (spec.md §4.7 "Pre-request").
// Returns nil to allow the request, or an error (ErrNoPaymentMethod /
// ErrPaymentFailed) plus a PreviewBalance for the 402 body. Any unexpected
// store error fails open (spec.md §4.7 "Fail-open policy").
func (c *Checkpoint) EnsureBalance(ctx context.Context, memoryKey string, estimatedTokens int64) (*PreviewBalance, error) {
	if c.IsBlocked(ctx, memoryKey) {
		return &PreviewBalance{}, ErrBlocked
	}

	acct, err := c.store.GetByMemoryKey(ctx, memoryKey)
	if err != nil {
		if errors.Is(err, ErrNoAccount) {
			return nil, nil // fail open: cannot bill an unknown account
		}
		return nil, nil // fail open: any unexpected DB error allows the request
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	freeRemaining := int64(math.Max(0, float64(c.pricing.FreeTierTokens-acct.FreeTierTokensUsed)))
	paidTokens := estimatedTokens - freeRemaining
	if paidTokens < 0 {
		paidTokens = 0
	}
	costCents := c.pricing.CostForTokens(paidTokens)
	projected := acct.BalanceCents - costCents

	preview := &PreviewBalance{BalanceCents: acct.BalanceCents, FreeTokensRemaining: freeRemaining}

	if acct.MonthlyCapCents > 0 && acct.MonthlySpendCents+costCents > acct.MonthlyCapCents {
		c.block(ctx, memoryKey, blockBalance)
		return preview, ErrCapReached
	}

	if projected >= 0 {
		return preview, nil
	}

	if !acct.HasPaymentMethod || c.processor == nil {
		c.block(ctx, memoryKey, blockBalance)
		return preview, ErrNoPaymentMethod
	}

	amount := acct.AutoReupAmountCents
	if amount <= 0 {
		amount = 2000 // $20 default (spec.md §4.7)
	}
	confID, err := c.processor.Charge(ctx, acct.UserID, amount)
	if err != nil {
		c.block(ctx, memoryKey, blockBalance)
		return preview, ErrPaymentFailed
	}

	acct.BalanceCents += amount
	preview.BalanceCents = acct.BalanceCents
	_ = c.store.Save(ctx, acct, &Transaction{
		UserID:            acct.UserID,
		Kind:              "credit",
		AmountCents:       amount,
		BalanceAfterCents: acct.BalanceCents,
		CreatedAt:         time.Now(),
	})
	_ = confID

	return preview, nil
}

// RecordUsageAndDeduct is the post-request settlement (spec.md §4.7
// "Post-request"). Never returns an error visible to the caller — this runs
// in the post-response background task; all failures are logged by the
// caller via the returned error only for observability, never surfaced.
func (c *Checkpoint) RecordUsageAndDeduct(ctx context.Context, memoryKey string, actualTokens int64) error {
	acct, err := c.store.GetByMemoryKey(ctx, memoryKey)
	if err != nil {
		return nil //nolint:nilerr // no-op when account unknown, per spec.md §4.7 step 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	freeRemaining := int64(math.Max(0, float64(c.pricing.FreeTierTokens-acct.FreeTierTokensUsed)))
	fromFree := actualTokens
	if fromFree > freeRemaining {
		fromFree = freeRemaining
	}
	paidTokens := actualTokens - fromFree

	costCents := c.pricing.CostForTokens(paidTokens)

	acct.FreeTierTokensUsed += fromFree
	acct.BalanceCents -= costCents
	if acct.BalanceCents < 0 {
		acct.BalanceCents = 0
	}
	acct.MonthlySpendCents += costCents

	if costCents > 0 {
		if err := c.store.Save(ctx, acct, &Transaction{
			UserID:            acct.UserID,
			Kind:              "usage",
			AmountCents:       -costCents,
			BalanceAfterCents: acct.BalanceCents,
			CreatedAt:         time.Now(),
		}); err != nil {
			return fmt.Errorf("billing: save usage transaction: %w", err)
		}
	} else if fromFree > 0 {
		if err := c.store.Save(ctx, acct, nil); err != nil {
			return fmt.Errorf("billing: save free-tier usage: %w", err)
		}
	}

	return c.checkAndReupIfNeeded(ctx, acct)
}

// checkAndReupIfNeeded auto-charges when enabled, a payment method exists,
// and the new balance is below the trigger (spec.md §4.7). Errors are
// logged by the caller and swallowed — this never throws in the background
// path.
func (c *Checkpoint) checkAndReupIfNeeded(ctx context.Context, acct *Account) error {
	if !acct.AutoReupEnabled || !acct.HasPaymentMethod || c.processor == nil {
		return nil
	}
	if acct.BalanceCents >= acct.AutoReupTriggerCents {
		return nil
	}

	amount := acct.AutoReupAmountCents
	if amount <= 0 {
		amount = 2000
	}
	_, err := c.processor.Charge(ctx, acct.UserID, amount)
	if err != nil {
		return nil //nolint:nilerr // auto-reup failures are logged, never surfaced (spec.md §4.7)
	}

	acct.BalanceCents += amount
	return c.store.Save(ctx, acct, &Transaction{
		UserID:            acct.UserID,
		Kind:              "auto_reup",
		AmountCents:       amount,
		BalanceAfterCents: acct.BalanceCents,
		CreatedAt:         time.Now(),
	})
}
