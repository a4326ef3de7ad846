package game

import (
	"time"

	"github.com/shopspring/decimal"
)

type RoundStatus string

const (
	StatusWaiting RoundStatus = "waiting"
	StatusRunning RoundStatus = "running"
	StatusCrashed RoundStatus = "crashed"
)

type BetStatus string

const (
	BetActive    BetStatus = "active"
	BetCashedOut BetStatus = "cashed_out"
	BetLost      BetStatus = "lost"
)

// Round is the live round owned by the engine goroutine. Copies handed to
// other goroutines are values, never the pointer.
type Round struct {
	RoundNumber    int64           `json:"round_number"`
	Status         RoundStatus     `json:"status"`
	CrashPoint     decimal.Decimal `json:"-"` // Hidden until crash
	ServerSeed     string          `json:"-"` // Never expose until reveal
	ServerSeedHash string          `json:"server_seed_hash"`
	ClientSeed     string          `json:"client_seed"`
	Nonce          int64           `json:"nonce"`
	CreatedAt      time.Time       `json:"created_at"`
	BettingEndsAt  time.Time       `json:"betting_ends_at"`
	StartTime      *time.Time      `json:"start_time,omitempty"`
	EndTime        *time.Time      `json:"end_time,omitempty"`
	Aborted        bool            `json:"aborted,omitempty"`
}

// Revealed reports whether the server seed may be shown to players.
func (r Round) Revealed() bool {
	return r.Status == StatusCrashed
}

func newRound(number int64, c Commitment, now time.Time, waiting time.Duration) *Round {
	return &Round{
		RoundNumber:    number,
		Status:         StatusWaiting,
		CrashPoint:     c.CrashPoint,
		ServerSeed:     c.ServerSeed,
		ServerSeedHash: c.ServerSeedHash,
		ClientSeed:     c.ClientSeed,
		Nonce:          c.Nonce,
		CreatedAt:      now,
		BettingEndsAt:  now.Add(waiting),
	}
}

type Bet struct {
	ID                string              `json:"bet_id"`
	UserID            string              `json:"user_id"`
	RoundNumber       int64               `json:"round_number"`
	Amount            decimal.Decimal     `json:"amount"`
	AutoCashout       decimal.NullDecimal `json:"auto_cashout"`
	Status            BetStatus           `json:"status"`
	CashOutMultiplier decimal.NullDecimal `json:"cash_out_multiplier"`
	Payout            decimal.NullDecimal `json:"payout"`
	Profit            decimal.NullDecimal `json:"profit"`
	Refunded          bool                `json:"refunded,omitempty"`
	PlacedAt          time.Time           `json:"placed_at"`
	SettledAt         *time.Time          `json:"settled_at,omitempty"`
}

// GameResult is the audit record of a finished round.
type GameResult struct {
	RoundNumber    int64           `json:"round_number"`
	CrashPoint     decimal.Decimal `json:"crash_point"`
	StartTime      time.Time       `json:"start_time"`
	EndTime        time.Time       `json:"end_time"`
	ServerSeed     string          `json:"server_seed"`
	ServerSeedHash string          `json:"server_seed_hash"`
	ClientSeed     string          `json:"client_seed"`
	Nonce          int64           `json:"nonce"`
}

func resultOf(r *Round) GameResult {
	res := GameResult{
		RoundNumber:    r.RoundNumber,
		CrashPoint:     r.CrashPoint,
		ServerSeed:     r.ServerSeed,
		ServerSeedHash: r.ServerSeedHash,
		ClientSeed:     r.ClientSeed,
		Nonce:          r.Nonce,
	}
	if r.StartTime != nil {
		res.StartTime = *r.StartTime
	}
	if r.EndTime != nil {
		res.EndTime = *r.EndTime
	}
	return res
}

// PlayerBet is the public view of a bet inside a snapshot.
type PlayerBet struct {
	UserID     string              `json:"user_id"`
	Amount     decimal.Decimal     `json:"amount"`
	Status     BetStatus           `json:"status"`
	Multiplier decimal.NullDecimal `json:"multiplier"`
	Payout     decimal.NullDecimal `json:"payout"`
}

// Snapshot is an immutable picture of the engine, swapped atomically after
// every transition so readers never touch engine state.
type Snapshot struct {
	RoundNumber    int64           `json:"round_number"`
	Status         RoundStatus     `json:"status"`
	Multiplier     decimal.Decimal `json:"multiplier"`
	ServerSeedHash string          `json:"server_seed_hash"`
	ClientSeed     string          `json:"client_seed"`
	Nonce          int64           `json:"nonce"`
	BettingEndsAt  time.Time       `json:"betting_ends_at"`
	StartTime      *time.Time      `json:"start_time,omitempty"`
	Bets           []PlayerBet     `json:"bets"`
	LastCrash      *RoundCrashed   `json:"last_crash,omitempty"`
}
