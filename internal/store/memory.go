package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crashroom/internal/game"
)

// Memory is a Gateway kept in process memory, with the same upsert rules as
// Postgres. It serves tests and runs without a database.
type Memory struct {
	mu      sync.RWMutex
	rounds  map[int64]game.Round
	bets    map[string]game.Bet
	results map[int64]game.GameResult
	paid    map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		rounds:  make(map[int64]game.Round),
		bets:    make(map[string]game.Bet),
		results: make(map[int64]game.GameResult),
		paid:    make(map[string]time.Time),
	}
}

func (m *Memory) SaveRound(_ context.Context, r game.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.rounds[r.RoundNumber]; ok && old.Status == game.StatusCrashed {
		return nil
	}
	if !r.Revealed() {
		r.CrashPoint = decimal.Zero
		r.ServerSeed = ""
	}
	m.rounds[r.RoundNumber] = r
	return nil
}

func (m *Memory) SaveBet(_ context.Context, b game.Bet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.bets[b.ID]; ok && old.Status != game.BetActive {
		return nil
	}
	m.bets[b.ID] = b
	return nil
}

func (m *Memory) SaveGameResult(_ context.Context, res game.GameResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.results[res.RoundNumber]; !ok {
		m.results[res.RoundNumber] = res
	}
	return nil
}

func (m *Memory) GetRound(_ context.Context, number int64) (game.Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rounds[number]
	if !ok {
		return game.Round{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) GetResult(_ context.Context, number int64) (game.GameResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res, ok := m.results[number]
	if !ok {
		return game.GameResult{}, ErrNotFound
	}
	return res, nil
}

func (m *Memory) ListResults(_ context.Context, limit int) ([]game.GameResult, error) {
	m.mu.RLock()
	out := make([]game.GameResult, 0, len(m.results))
	for _, res := range m.results {
		out = append(out, res)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].RoundNumber > out[j].RoundNumber })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UserBets(_ context.Context, userID string, limit int) ([]game.Bet, error) {
	m.mu.RLock()
	var out []game.Bet
	for _, b := range m.bets {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.After(out[j].PlacedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) LastRoundNumber(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last int64
	for n := range m.rounds {
		if n > last {
			last = n
		}
	}
	return last, nil
}

func (m *Memory) ActiveBets(_ context.Context) ([]game.Bet, error) {
	m.mu.RLock()
	var out []game.Bet
	for _, b := range m.bets {
		if b.Status == game.BetActive {
			out = append(out, b)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RoundNumber != out[j].RoundNumber {
			return out[i].RoundNumber < out[j].RoundNumber
		}
		return out[i].PlacedAt.Before(out[j].PlacedAt)
	})
	return out, nil
}

func (m *Memory) MarkRefunded(_ context.Context, betID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bets[betID]
	if !ok || b.Status != game.BetActive {
		return nil
	}
	settled := at
	b.Status = game.BetLost
	b.Refunded = true
	b.Payout = decimal.NewNullDecimal(decimal.Zero)
	b.Profit = decimal.NewNullDecimal(decimal.Zero)
	b.SettledAt = &settled
	m.bets[betID] = b
	return nil
}

func (m *Memory) UnpaidCashOuts(_ context.Context) ([]game.Bet, error) {
	m.mu.RLock()
	var out []game.Bet
	for id, b := range m.bets {
		if _, paid := m.paid[id]; b.Status == game.BetCashedOut && !paid {
			out = append(out, b)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.Before(out[j].PlacedAt) })
	return out, nil
}

func (m *Memory) MarkPaid(_ context.Context, betID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bets[betID]
	if !ok || b.Status != game.BetCashedOut {
		return nil
	}
	if _, done := m.paid[betID]; !done {
		m.paid[betID] = at
	}
	return nil
}

func (m *Memory) MarkCashedOut(_ context.Context, betID string, payout decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.bets[betID]
	if !ok || b.Status != game.BetActive {
		return nil
	}
	settled := at
	b.Status = game.BetCashedOut
	b.Payout = decimal.NewNullDecimal(payout)
	b.Profit = decimal.NewNullDecimal(payout.Sub(b.Amount))
	b.SettledAt = &settled
	m.bets[betID] = b
	m.paid[betID] = at
	return nil
}

func (m *Memory) AbortOpenRounds(_ context.Context, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for number, r := range m.rounds {
		if r.Status == game.StatusCrashed {
			continue
		}
		end := at
		r.Status = game.StatusCrashed
		r.Aborted = true
		if r.EndTime == nil {
			r.EndTime = &end
		}
		m.rounds[number] = r
		n++
	}
	return n, nil
}
