// Command crashbot drives a running server with simulated players over the
// websocket API. Each bot joins the room, bets every round and cashes out at
// a random target. It is meant for local load testing and needs the server in
// the local environment so it can fund its players.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashroom/internal/auth"
	"crashroom/internal/config"
	"crashroom/internal/game"
	"crashroom/internal/logger"
)

type stats struct {
	bets     atomic.Int64
	cashouts atomic.Int64
	rejected atomic.Int64
	rounds   atomic.Int64
}

type options struct {
	server   string
	bots     int
	stake    decimal.Decimal
	fund     decimal.Decimal
	maxAuto  float64
	duration time.Duration
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	var (
		opts  options
		stake string
		fund  string
	)
	flag.StringVar(&opts.server, "server", fmt.Sprintf("localhost:%d", cfg.Port), "server host:port")
	flag.IntVar(&opts.bots, "bots", 10, "number of simulated players")
	flag.StringVar(&stake, "stake", "1.00", "stake per round")
	flag.StringVar(&fund, "fund", "1000.00", "starting balance per bot")
	flag.Float64Var(&opts.maxAuto, "max-auto", 5, "highest auto cash out target")
	flag.DurationVar(&opts.duration, "duration", time.Minute, "how long to run, 0 for until interrupted")
	flag.Parse()

	log, err := logger.New("crashbot", cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if opts.stake, err = decimal.NewFromString(stake); err != nil {
		log.Fatal("invalid -stake", zap.Error(err))
	}
	if opts.fund, err = decimal.NewFromString(fund); err != nil {
		log.Fatal("invalid -fund", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	tokens := auth.NewTokens(cfg.JWTSecret, 24*time.Hour)
	var st stats
	var wg sync.WaitGroup
	for i := 1; i <= opts.bots; i++ {
		b := &bot{
			userID: fmt.Sprintf("bot-%03d", i),
			opts:   opts,
			tokens: tokens,
			stats:  &st,
			log:    log.With(zap.Int("bot", i)),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.run(ctx)
		}()
	}

	log.Info("bots started", zap.Int("bots", opts.bots), zap.String("server", opts.server))
	wg.Wait()

	log.Info("done",
		zap.Int64("bets", st.bets.Load()),
		zap.Int64("cashouts", st.cashouts.Load()),
		zap.Int64("rejected", st.rejected.Load()),
		zap.Int64("crashes_seen", st.rounds.Load()))
}

type bot struct {
	userID string
	opts   options
	tokens *auth.Tokens
	stats  *stats
	log    *zap.Logger
}

func (b *bot) run(ctx context.Context) {
	if err := b.fund(ctx); err != nil {
		b.log.Error("fund bot", zap.Error(err))
		return
	}

	// Reconnect until the run ends.
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0
	policy := backoff.WithContext(retry, ctx)
	err := backoff.RetryNotify(func() error {
		err := b.play(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		b.log.Warn("connection lost, reconnecting", zap.Error(err), zap.Duration("wait", wait))
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		b.log.Error("bot stopped", zap.Error(err))
	}
}

func (b *bot) fund(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{"balance": b.opts.fund.StringFixed(2)})
	url := fmt.Sprintf("http://%s/api/v1/user/%s/balance", b.opts.server, b.userID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("set balance: %s (is APP_ENV=local on the server?)", resp.Status)
	}
	return nil
}

func (b *bot) play(ctx context.Context) error {
	token, err := b.tokens.Issue(b.userID)
	if err != nil {
		return backoff.Permanent(err)
	}

	url := fmt.Sprintf("ws://%s/ws?token=%s", b.opts.server, token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock the read below when the run ends.
	left := make(chan struct{})
	defer close(left)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-left:
		}
	}()

	if err := conn.WriteJSON(map[string]string{"type": "join_room"}); err != nil {
		return err
	}

	var lastBetRound int64
	for {
		var msg envelope
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}

		switch msg.Type {
		case game.EventRoundWaiting:
			var ev game.RoundWaiting
			if json.Unmarshal(msg.Data, &ev) != nil || ev.RoundNumber == lastBetRound {
				continue
			}
			lastBetRound = ev.RoundNumber
			if err := conn.WriteJSON(map[string]any{
				"type":         "place_bet",
				"amount":       b.opts.stake.StringFixed(2),
				"auto_cashout": b.target().StringFixed(2),
			}); err != nil {
				return err
			}

		case "bet_result":
			b.stats.bets.Add(1)

		case game.EventPlayerCashedOut:
			var ev game.PlayerCashedOut
			if json.Unmarshal(msg.Data, &ev) == nil && ev.UserID == b.userID {
				b.stats.cashouts.Add(1)
			}

		case game.EventRoundCrashed:
			b.stats.rounds.Add(1)

		case "error":
			b.stats.rejected.Add(1)
			b.log.Debug("command rejected", zap.ByteString("reason", msg.Data))
		}
	}
}

// target picks an auto cash out between 1.01 and the configured maximum,
// skewed toward low targets like real players.
func (b *bot) target() decimal.Decimal {
	span := b.opts.maxAuto - 1.01
	if span <= 0 {
		return decimal.RequireFromString("1.01")
	}
	t := 1.01 + span*rand.Float64()*rand.Float64()
	return decimal.NewFromFloat(t).Truncate(2)
}
