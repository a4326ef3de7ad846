// Package wallet holds players' spendable balances. Every mutation carries a
// reference (normally a bet id) and applying the same reference twice has no
// further effect, so callers may retry freely.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive with at most two decimals")
)

type Store interface {
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	SetBalance(ctx context.Context, userID string, amount decimal.Decimal) error
	// Debit subtracts amount if the balance covers it. On ErrInsufficientFunds
	// the returned balance is the unchanged current balance.
	Debit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (decimal.Decimal, error)
	Credit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (decimal.Decimal, error)
	// Reverse gives back the debit made under ref, if there was one, and
	// makes sure a debit under ref arriving later is refused. A ref that was
	// already credited is left alone.
	Reverse(ctx context.Context, userID string, ref string) (bool, error)
	// Credited returns the amount credited under ref, if any.
	Credited(ctx context.Context, ref string) (decimal.Decimal, bool, error)
}

// toCents converts an amount to integer cents.
func toCents(amount decimal.Decimal) (int64, error) {
	if amount.IsNegative() || !amount.Equal(amount.Truncate(2)) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	return amount.Shift(2).IntPart(), nil
}

func fromCents(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
