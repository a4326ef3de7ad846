// Package store is the durable side of the game: round, bet and result
// records in Postgres, the recent-results list in Redis, the asynchronous
// writer that feeds them and the startup recovery that reads them back.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"crashroom/internal/game"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrUnavailable = errors.New("history unavailable")
)

// Gateway is the durable record of rounds, bets and results. Saves are
// upserts keyed on round number or bet id so a retried write is harmless.
type Gateway interface {
	SaveRound(ctx context.Context, r game.Round) error
	SaveBet(ctx context.Context, b game.Bet) error
	SaveGameResult(ctx context.Context, res game.GameResult) error

	GetRound(ctx context.Context, number int64) (game.Round, error)
	GetResult(ctx context.Context, number int64) (game.GameResult, error)
	// ListResults returns the newest results first.
	ListResults(ctx context.Context, limit int) ([]game.GameResult, error)
	UserBets(ctx context.Context, userID string, limit int) ([]game.Bet, error)

	LastRoundNumber(ctx context.Context) (int64, error)
	ActiveBets(ctx context.Context) ([]game.Bet, error)
	// MarkRefunded closes an orphaned bet as lost with its stake returned.
	MarkRefunded(ctx context.Context, betID string, at time.Time) error
	// UnpaidCashOuts returns cashed out bets whose credit was never confirmed.
	UnpaidCashOuts(ctx context.Context) ([]game.Bet, error)
	MarkPaid(ctx context.Context, betID string, at time.Time) error
	// MarkCashedOut closes an active bet whose payout already reached the
	// wallet but whose settled record was lost.
	MarkCashedOut(ctx context.Context, betID string, payout decimal.Decimal, at time.Time) error
	// AbortOpenRounds flags every round that never crashed.
	AbortOpenRounds(ctx context.Context, at time.Time) (int64, error)
}
