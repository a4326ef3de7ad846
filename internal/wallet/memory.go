package wallet

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// Memory is an in-process Store with the same semantics as Redis. It backs
// tests and local runs without Redis.
type Memory struct {
	mu       sync.Mutex
	balances map[string]int64
	debits   map[string]int64
	credits  map[string]int64
	reversed map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[string]int64),
		debits:   make(map[string]int64),
		credits:  make(map[string]int64),
		reversed: make(map[string]struct{}),
	}
}

func (m *Memory) Balance(_ context.Context, userID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fromCents(m.balances[userID]), nil
}

func (m *Memory) SetBalance(_ context.Context, userID string, amount decimal.Decimal) error {
	cents, err := toCents(amount)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = cents
	return nil
}

func (m *Memory) Debit(_ context.Context, userID string, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	cents, err := toCents(amount)
	if err != nil {
		return decimal.Zero, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	bal := m.balances[userID]
	if _, ok := m.reversed[ref]; ok {
		return fromCents(bal), ErrInsufficientFunds
	}
	if _, ok := m.debits[ref]; ok {
		return fromCents(bal), nil
	}
	if bal < cents {
		return fromCents(bal), ErrInsufficientFunds
	}
	m.balances[userID] = bal - cents
	m.debits[ref] = cents
	return fromCents(bal - cents), nil
}

func (m *Memory) Credit(_ context.Context, userID string, amount decimal.Decimal, ref string) (decimal.Decimal, error) {
	cents, err := toCents(amount)
	if err != nil {
		return decimal.Zero, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.credits[ref]; !ok {
		m.balances[userID] += cents
		m.credits[ref] = cents
	}
	return fromCents(m.balances[userID]), nil
}

func (m *Memory) Reverse(_ context.Context, userID string, ref string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reversed[ref]; ok {
		return false, nil
	}
	if _, ok := m.credits[ref]; ok {
		return false, nil
	}
	m.reversed[ref] = struct{}{}
	cents, ok := m.debits[ref]
	if !ok {
		return false, nil
	}
	m.balances[userID] += cents
	return true, nil
}

func (m *Memory) Credited(_ context.Context, ref string) (decimal.Decimal, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cents, ok := m.credits[ref]
	return fromCents(cents), ok, nil
}
