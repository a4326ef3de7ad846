package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"crashroom/internal/game"
)

type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

const roundColumns = `round_number, status, crash_point, server_seed, server_seed_hash, client_seed, nonce,
	created_at, betting_ends_at, start_time, end_time, aborted`

const betColumns = `id, user_id, round_number, amount, auto_cashout, status, cash_out_multiplier,
	payout, profit, refunded, placed_at, settled_at`

const resultColumns = `round_number, crash_point, start_time, end_time, server_seed, server_seed_hash, client_seed, nonce`

// SaveRound upserts r. The crash point and server seed are written only once
// the round has crashed, and a crashed row is never modified again.
func (p *Postgres) SaveRound(ctx context.Context, r game.Round) error {
	var (
		crashPoint decimal.NullDecimal
		serverSeed sql.NullString
	)
	if r.Revealed() {
		crashPoint = decimal.NewNullDecimal(r.CrashPoint)
		serverSeed = sql.NullString{String: r.ServerSeed, Valid: true}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rounds (`+roundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (round_number) DO UPDATE SET
			status      = EXCLUDED.status,
			crash_point = COALESCE(EXCLUDED.crash_point, rounds.crash_point),
			server_seed = COALESCE(EXCLUDED.server_seed, rounds.server_seed),
			start_time  = COALESCE(EXCLUDED.start_time, rounds.start_time),
			end_time    = COALESCE(EXCLUDED.end_time, rounds.end_time),
			aborted     = rounds.aborted OR EXCLUDED.aborted
		WHERE rounds.status <> 'crashed'`,
		r.RoundNumber, string(r.Status), crashPoint, serverSeed, r.ServerSeedHash, r.ClientSeed, r.Nonce,
		r.CreatedAt, r.BettingEndsAt, r.StartTime, r.EndTime, r.Aborted,
	)
	if err != nil {
		return fmt.Errorf("save round %d: %w", r.RoundNumber, err)
	}
	return nil
}

// SaveBet upserts b by id. Settled bets are final.
func (p *Postgres) SaveBet(ctx context.Context, b game.Bet) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bets (`+betColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status              = EXCLUDED.status,
			cash_out_multiplier = EXCLUDED.cash_out_multiplier,
			payout              = EXCLUDED.payout,
			profit              = EXCLUDED.profit,
			refunded            = bets.refunded OR EXCLUDED.refunded,
			settled_at          = EXCLUDED.settled_at
		WHERE bets.status = 'active'`,
		b.ID, b.UserID, b.RoundNumber, b.Amount, b.AutoCashout, string(b.Status), b.CashOutMultiplier,
		b.Payout, b.Profit, b.Refunded, b.PlacedAt, b.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("save bet %s: %w", b.ID, err)
	}
	return nil
}

func (p *Postgres) SaveGameResult(ctx context.Context, res game.GameResult) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO game_results (`+resultColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (round_number) DO NOTHING`,
		res.RoundNumber, res.CrashPoint, res.StartTime, res.EndTime,
		res.ServerSeed, res.ServerSeedHash, res.ClientSeed, res.Nonce,
	)
	if err != nil {
		return fmt.Errorf("save result %d: %w", res.RoundNumber, err)
	}
	return nil
}

func (p *Postgres) GetRound(ctx context.Context, number int64) (game.Round, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE round_number = $1`, number)
	r, err := scanRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return game.Round{}, ErrNotFound
	}
	if err != nil {
		return game.Round{}, fmt.Errorf("get round %d: %w", number, err)
	}
	return r, nil
}

func (p *Postgres) GetResult(ctx context.Context, number int64) (game.GameResult, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM game_results WHERE round_number = $1`, number)
	res, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return game.GameResult{}, ErrNotFound
	}
	if err != nil {
		return game.GameResult{}, fmt.Errorf("get result %d: %w", number, err)
	}
	return res, nil
}

func (p *Postgres) ListResults(ctx context.Context, limit int) ([]game.GameResult, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+resultColumns+` FROM game_results
		ORDER BY round_number DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []game.GameResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (p *Postgres) UserBets(ctx context.Context, userID string, limit int) ([]game.Bet, error) {
	return p.queryBets(ctx, `
		SELECT `+betColumns+` FROM bets
		WHERE user_id = $1
		ORDER BY placed_at DESC
		LIMIT $2`, userID, limit)
}

func (p *Postgres) LastRoundNumber(ctx context.Context) (int64, error) {
	var n int64
	if err := p.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(round_number), 0) FROM rounds`).Scan(&n); err != nil {
		return 0, fmt.Errorf("last round number: %w", err)
	}
	return n, nil
}

func (p *Postgres) ActiveBets(ctx context.Context) ([]game.Bet, error) {
	return p.queryBets(ctx, `
		SELECT `+betColumns+` FROM bets
		WHERE status = 'active'
		ORDER BY round_number, placed_at`)
}

func (p *Postgres) MarkRefunded(ctx context.Context, betID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE bets
		SET status = 'lost', refunded = TRUE, payout = 0, profit = 0, settled_at = $2
		WHERE id = $1 AND status = 'active'`, betID, at)
	if err != nil {
		return fmt.Errorf("mark bet %s refunded: %w", betID, err)
	}
	return nil
}

func (p *Postgres) UnpaidCashOuts(ctx context.Context) ([]game.Bet, error) {
	return p.queryBets(ctx, `
		SELECT `+betColumns+` FROM bets
		WHERE status = 'cashed_out' AND paid_at IS NULL
		ORDER BY round_number, placed_at`)
}

func (p *Postgres) MarkPaid(ctx context.Context, betID string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE bets SET paid_at = $2
		WHERE id = $1 AND status = 'cashed_out' AND paid_at IS NULL`, betID, at)
	if err != nil {
		return fmt.Errorf("mark bet %s paid: %w", betID, err)
	}
	return nil
}

func (p *Postgres) MarkCashedOut(ctx context.Context, betID string, payout decimal.Decimal, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE bets
		SET status = 'cashed_out', payout = $2, profit = $2 - amount, settled_at = $3, paid_at = $3
		WHERE id = $1 AND status = 'active'`, betID, payout, at)
	if err != nil {
		return fmt.Errorf("mark bet %s cashed out: %w", betID, err)
	}
	return nil
}

func (p *Postgres) AbortOpenRounds(ctx context.Context, at time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE rounds
		SET status = 'crashed', aborted = TRUE, end_time = COALESCE(end_time, $1)
		WHERE status <> 'crashed'`, at)
	if err != nil {
		return 0, fmt.Errorf("abort open rounds: %w", err)
	}
	return res.RowsAffected()
}

func (p *Postgres) queryBets(ctx context.Context, query string, args ...any) ([]game.Bet, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bets: %w", err)
	}
	defer rows.Close()

	var out []game.Bet
	for rows.Next() {
		b, err := scanBet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bet: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanRound(s scanner) (game.Round, error) {
	var (
		r          game.Round
		status     string
		crashPoint decimal.NullDecimal
		serverSeed sql.NullString
	)
	err := s.Scan(&r.RoundNumber, &status, &crashPoint, &serverSeed, &r.ServerSeedHash, &r.ClientSeed, &r.Nonce,
		&r.CreatedAt, &r.BettingEndsAt, &r.StartTime, &r.EndTime, &r.Aborted)
	if err != nil {
		return game.Round{}, err
	}
	r.Status = game.RoundStatus(status)
	r.CrashPoint = crashPoint.Decimal
	r.ServerSeed = serverSeed.String
	return r, nil
}

func scanBet(s scanner) (game.Bet, error) {
	var (
		b      game.Bet
		status string
	)
	err := s.Scan(&b.ID, &b.UserID, &b.RoundNumber, &b.Amount, &b.AutoCashout, &status, &b.CashOutMultiplier,
		&b.Payout, &b.Profit, &b.Refunded, &b.PlacedAt, &b.SettledAt)
	if err != nil {
		return game.Bet{}, err
	}
	b.Status = game.BetStatus(status)
	return b, nil
}

func scanResult(s scanner) (game.GameResult, error) {
	var res game.GameResult
	err := s.Scan(&res.RoundNumber, &res.CrashPoint, &res.StartTime, &res.EndTime,
		&res.ServerSeed, &res.ServerSeedHash, &res.ClientSeed, &res.Nonce)
	return res, err
}
