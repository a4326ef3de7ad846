package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"crashroom/internal/game"
)

const REDIS_KEY_RECENT_RESULTS = "crash:results:recent"

// RecentResults keeps the last few results in a capped Redis list, newest
// first, so the history strip does not hit Postgres.
type RecentResults struct {
	client *redis.Client
	limit  int64
}

func NewRecentResults(client *redis.Client, limit int64) *RecentResults {
	if limit <= 0 {
		limit = 100
	}
	return &RecentResults{client: client, limit: limit}
}

func (r *RecentResults) Push(ctx context.Context, res game.GameResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result %d: %w", res.RoundNumber, err)
	}

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, REDIS_KEY_RECENT_RESULTS, payload)
	pipe.LTrim(ctx, REDIS_KEY_RECENT_RESULTS, 0, r.limit-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push result %d: %w", res.RoundNumber, err)
	}
	return nil
}

func (r *RecentResults) List(ctx context.Context, n int) ([]game.GameResult, error) {
	raw, err := r.client.LRange(ctx, REDIS_KEY_RECENT_RESULTS, 0, int64(n)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list recent results: %w", err)
	}
	out := make([]game.GameResult, 0, len(raw))
	for _, s := range raw {
		var res game.GameResult
		if err := json.Unmarshal([]byte(s), &res); err != nil {
			return nil, fmt.Errorf("decode recent result: %w", err)
		}
		out = append(out, res)
	}
	return out, nil
}

// History answers read queries: the recent list from Redis when it has
// enough entries, Postgres otherwise.
type History struct {
	gateway Gateway
	recent  *RecentResults
	log     *zap.Logger
}

func NewHistory(gw Gateway, recent *RecentResults, log *zap.Logger) *History {
	return &History{gateway: gw, recent: recent, log: log.Named("history")}
}

func (h *History) Recent(ctx context.Context, limit int) ([]game.GameResult, error) {
	if h.recent != nil {
		list, err := h.recent.List(ctx, limit)
		if err == nil && len(list) >= limit {
			return list, nil
		}
		if err != nil {
			h.log.Warn("recent results cache unavailable", zap.Error(err))
		}
	}

	list, err := h.gateway.ListResults(ctx, limit)
	if err != nil {
		h.log.Error("list results", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return list, nil
}

// Round returns the stored round with its result once it has crashed. The
// seed is only present for crashed rounds.
func (h *History) Round(ctx context.Context, number int64) (game.Round, *game.GameResult, error) {
	r, err := h.gateway.GetRound(ctx, number)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return game.Round{}, nil, err
		}
		return game.Round{}, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !r.Revealed() || r.Aborted {
		return r, nil, nil
	}

	res, err := h.gateway.GetResult(ctx, number)
	if errors.Is(err, ErrNotFound) {
		return r, nil, nil
	}
	if err != nil {
		return game.Round{}, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return r, &res, nil
}

func (h *History) UserBets(ctx context.Context, userID string, limit int) ([]game.Bet, error) {
	bets, err := h.gateway.UserBets(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return bets, nil
}
