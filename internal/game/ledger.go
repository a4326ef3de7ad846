package game

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crashroom/internal/wallet"
)

// Wallet is the part of the balance store the ledger needs synchronously.
// Debit must be atomic (check and subtract in one step) and idempotent on ref.
type Wallet interface {
	Debit(ctx context.Context, userID string, amount decimal.Decimal, ref string) (decimal.Decimal, error)
}

// Payouts receives balance effects that must not hold up the round. Both
// calls are fire-and-forget and idempotent on the bet id.
type Payouts interface {
	// PayOut records the cashed out bet, then credits its payout.
	PayOut(b Bet)
	ReverseDebit(userID string, ref string)
}

type Limits struct {
	MinBet decimal.Decimal
	MaxBet decimal.Decimal
}

func (l Limits) check(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if !amount.Equal(amount.Truncate(2)) {
		return fmt.Errorf("%w: at most two decimal places", ErrInvalidAmount)
	}
	if amount.LessThan(l.MinBet) || amount.GreaterThan(l.MaxBet) {
		return fmt.Errorf("%w: bet must be between %s and %s", ErrInvalidAmount, l.MinBet.StringFixed(2), l.MaxBet.StringFixed(2))
	}
	return nil
}

// Ledger indexes the bets of one round by user. It is not safe for
// concurrent use; the engine goroutine is its only caller.
type Ledger struct {
	round   int64
	limits  Limits
	wallet  Wallet
	payouts Payouts
	bets    map[string]*Bet
	order   []*Bet
}

func NewLedger(round int64, limits Limits, w Wallet, p Payouts) *Ledger {
	return &Ledger{
		round:   round,
		limits:  limits,
		wallet:  w,
		payouts: p,
		bets:    make(map[string]*Bet),
	}
}

func (l *Ledger) RoundNumber() int64 { return l.round }

func (l *Ledger) Len() int { return len(l.order) }

// Get returns a copy of the user's bet in this round.
func (l *Ledger) Get(userID string) (Bet, bool) {
	b, ok := l.bets[userID]
	if !ok {
		return Bet{}, false
	}
	return *b, true
}

// PlaceBet debits the stake and records the bet. Nothing is recorded unless
// the debit succeeded.
func (l *Ledger) PlaceBet(ctx context.Context, r *Round, userID string, amount decimal.Decimal, autoCashout decimal.NullDecimal, now time.Time) (Bet, decimal.Decimal, error) {
	if r == nil || r.RoundNumber != l.round || r.Status != StatusWaiting {
		return Bet{}, decimal.Zero, ErrInvalidState
	}
	if _, ok := l.bets[userID]; ok {
		return Bet{}, decimal.Zero, ErrDuplicateBet
	}
	if err := l.limits.check(amount); err != nil {
		return Bet{}, decimal.Zero, err
	}
	if autoCashout.Valid {
		target := autoCashout.Decimal
		if !target.GreaterThan(MinMultiplier) || !target.Equal(target.Truncate(2)) {
			return Bet{}, decimal.Zero, fmt.Errorf("%w: auto cashout must be above %s with at most two decimal places", ErrInvalidAmount, MinMultiplier.StringFixed(2))
		}
	}

	bet := &Bet{
		ID:          uuid.NewString(),
		UserID:      userID,
		RoundNumber: l.round,
		Amount:      amount,
		AutoCashout: autoCashout,
		Status:      BetActive,
		PlacedAt:    now,
	}

	balance, err := l.wallet.Debit(ctx, userID, amount, bet.ID)
	if err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			return Bet{}, balance, ErrInsufficientBalance
		}
		// The debit may have landed before the error; undo it if so.
		l.payouts.ReverseDebit(userID, bet.ID)
		return Bet{}, decimal.Zero, fmt.Errorf("debit %s: %w", userID, err)
	}

	l.bets[userID] = bet
	l.order = append(l.order, bet)
	return *bet, balance, nil
}

// CashOut settles the user's bet at multiplier m, which must be the
// authoritative value at the moment the command is processed.
func (l *Ledger) CashOut(r *Round, userID string, m decimal.Decimal, now time.Time) (Bet, error) {
	bet, ok := l.bets[userID]
	if ok && bet.Status != BetActive {
		return *bet, ErrAlreadySettled
	}
	if !ok || r == nil || r.RoundNumber != l.round || r.Status != StatusRunning {
		return Bet{}, ErrInvalidState
	}
	l.settleWin(bet, m, now)
	return *bet, nil
}

func (l *Ledger) settleWin(bet *Bet, m decimal.Decimal, now time.Time) {
	payout := bet.Amount.Mul(m).Truncate(2)
	settled := now

	bet.Status = BetCashedOut
	bet.CashOutMultiplier = decimal.NewNullDecimal(m)
	bet.Payout = decimal.NewNullDecimal(payout)
	bet.Profit = decimal.NewNullDecimal(payout.Sub(bet.Amount))
	bet.SettledAt = &settled

	l.payouts.PayOut(*bet)
}

// DueAutoCashouts settles, at their own target, every active bet whose auto
// cash out target is at or below limit. Targets are processed lowest first.
func (l *Ledger) DueAutoCashouts(r *Round, limit decimal.Decimal, now time.Time) []Bet {
	if r == nil || r.Status != StatusRunning {
		return nil
	}
	var due []*Bet
	for _, b := range l.order {
		if b.Status == BetActive && b.AutoCashout.Valid && b.AutoCashout.Decimal.LessThanOrEqual(limit) {
			due = append(due, b)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].AutoCashout.Decimal.LessThan(due[j].AutoCashout.Decimal)
	})

	settled := make([]Bet, 0, len(due))
	for _, b := range due {
		l.settleWin(b, b.AutoCashout.Decimal, now)
		settled = append(settled, *b)
	}
	return settled
}

// SettleLosses marks every bet still active as lost. It is called once, when
// the round crashes; there is no balance effect.
func (l *Ledger) SettleLosses(r *Round, now time.Time) []Bet {
	if r == nil || r.Status != StatusCrashed {
		return nil
	}
	var lost []Bet
	for _, b := range l.order {
		if b.Status != BetActive {
			continue
		}
		settled := now
		b.Status = BetLost
		b.Payout = decimal.NewNullDecimal(decimal.Zero)
		b.Profit = decimal.NewNullDecimal(b.Amount.Neg())
		b.SettledAt = &settled
		lost = append(lost, *b)
	}
	return lost
}

func (l *Ledger) View() []PlayerBet {
	out := make([]PlayerBet, 0, len(l.order))
	for _, b := range l.order {
		out = append(out, PlayerBet{
			UserID:     b.UserID,
			Amount:     b.Amount,
			Status:     b.Status,
			Multiplier: b.CashOutMultiplier,
			Payout:     b.Payout,
		})
	}
	return out
}
