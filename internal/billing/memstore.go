package billing

import (
	"context"
	"sync"
)

// MemoryStore is an in-process AccountStore keyed by memory key, used for
// local development and tests. Production deployments back AccountStore
// with the relational rows spec.md §6 describes; MemoryStore mirrors the
// same contract without external state.
type MemoryStore struct {
	mu       sync.Mutex
	byKey    map[string]*Account // memoryKey -> account
	txns     []Transaction
}

// NewMemoryStore creates an empty in-process account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byKey: make(map[string]*Account)}
}

// Seed registers an account for a memory key — used by tests and the
// deterministic local dev bootstrap.
func (s *MemoryStore) Seed(memoryKey string, acct *Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byKey[memoryKey] = acct
}

func (s *MemoryStore) GetByMemoryKey(_ context.Context, memoryKey string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.byKey[memoryKey]
	if !ok {
		return nil, ErrNoAccount
	}
	cp := *acct
	return &cp, nil
}

func (s *MemoryStore) Save(_ context.Context, acct *Account, txn *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, a := range s.byKey {
		if a.UserID == acct.UserID {
			cp := *acct
			s.byKey[k] = &cp
		}
	}
	if txn != nil {
		s.txns = append(s.txns, *txn)
	}
	return nil
}

// Transactions returns all recorded transactions, oldest first — used by
// tests asserting I6 (sum(transactions.amount) == balance_change).
func (s *MemoryStore) Transactions() []Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transaction, len(s.txns))
	copy(out, s.txns)
	return out
}

// DeterministicProcessor is a PaymentProcessor stand-in for tests/offline
// mode. It always succeeds unless AlwaysFail is set, returning a
// monotonically increasing confirmation id. Production wiring swaps this
// for the real payment-processor integration (spec.md §1 scopes that
// surface out beyond the Charge/Refund primitives).
type DeterministicProcessor struct {
	mu         sync.Mutex
	next       int
	AlwaysFail bool
}

func (p *DeterministicProcessor) Charge(_ context.Context, _ string, _ int64) (string, error) {
	if p.AlwaysFail {
		return "", ErrPaymentFailed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return "conf_" + itoa(p.next), nil
}

func (p *DeterministicProcessor) Refund(_ context.Context, _ string, _ int64) error {
	return nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
