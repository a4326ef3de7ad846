package game

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Event is the closed set of messages the engine publishes. Every event
// carries the round number so clients can correlate.
type Event interface {
	EventType() string
	Round() int64
}

const (
	EventRoundWaiting    = "round_waiting"
	EventRoundRunning    = "round_running"
	EventMultiplierTick  = "multiplier"
	EventBetPlaced       = "bet_placed"
	EventPlayerCashedOut = "cashout"
	EventRoundCrashed    = "crash"
)

type RoundWaiting struct {
	RoundNumber    int64     `json:"round_number"`
	Countdown      float64   `json:"countdown"` // seconds until betting closes
	BettingEndsAt  time.Time `json:"betting_ends_at"`
	ServerSeedHash string    `json:"commitment"`
	ClientSeed     string    `json:"client_seed"`
	Nonce          int64     `json:"nonce"`
}

type RoundRunning struct {
	RoundNumber int64           `json:"round_number"`
	StartTime   time.Time       `json:"start_time"`
	Multiplier  decimal.Decimal `json:"multiplier"`
}

type MultiplierTick struct {
	RoundNumber int64           `json:"round_number"`
	Multiplier  decimal.Decimal `json:"multiplier"`
	ElapsedMs   int64           `json:"elapsed_ms"`
}

type BetPlaced struct {
	RoundNumber int64           `json:"round_number"`
	UserID      string          `json:"user_id"`
	Amount      decimal.Decimal `json:"amount"`
}

type PlayerCashedOut struct {
	RoundNumber int64           `json:"round_number"`
	UserID      string          `json:"user_id"`
	Multiplier  decimal.Decimal `json:"multiplier"`
	Payout      decimal.Decimal `json:"payout"`
	Auto        bool            `json:"auto,omitempty"`
}

type RoundCrashed struct {
	RoundNumber int64           `json:"round_number"`
	CrashPoint  decimal.Decimal `json:"crash_point"`
	ServerSeed  string          `json:"server_seed"`
	ClientSeed  string          `json:"client_seed"`
	Nonce       int64           `json:"nonce"`
}

func (RoundWaiting) EventType() string    { return EventRoundWaiting }
func (RoundRunning) EventType() string    { return EventRoundRunning }
func (MultiplierTick) EventType() string  { return EventMultiplierTick }
func (BetPlaced) EventType() string       { return EventBetPlaced }
func (PlayerCashedOut) EventType() string { return EventPlayerCashedOut }
func (RoundCrashed) EventType() string    { return EventRoundCrashed }

func (e RoundWaiting) Round() int64    { return e.RoundNumber }
func (e RoundRunning) Round() int64    { return e.RoundNumber }
func (e MultiplierTick) Round() int64  { return e.RoundNumber }
func (e BetPlaced) Round() int64       { return e.RoundNumber }
func (e PlayerCashedOut) Round() int64 { return e.RoundNumber }
func (e RoundCrashed) Round() int64    { return e.RoundNumber }

// WSMessage is the wire envelope for everything sent to observers.
type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

func Encode(ev Event) ([]byte, error) {
	return json.Marshal(WSMessage{Type: ev.EventType(), Data: ev})
}
