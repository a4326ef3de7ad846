package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashroom/internal/game"
	"crashroom/internal/metrics"
	"crashroom/internal/wallet"
)

const DRAIN_TIMEOUT = 10 * time.Second

type opKind string

const (
	opRound   opKind = "round"
	opBet     opKind = "bet"
	opResult  opKind = "result"
	opRecent  opKind = "recent"
	opPaid    opKind = "paid"
	opCredit  opKind = "credit"
	opReverse opKind = "reverse"
)

type op struct {
	kind   opKind
	round  game.Round
	bet    game.Bet
	result game.GameResult
	userID string
	amount decimal.Decimal
	ref    string
	at     time.Time
}

// lane is one FIFO with its own worker. maxElapsed of zero retries a
// record until the writer shuts down.
type lane struct {
	name       string
	maxElapsed time.Duration

	mu    sync.Mutex
	queue []op
	wake  chan struct{}
	busy  bool
}

func newLane(name string, maxElapsed time.Duration) *lane {
	return &lane{name: name, maxElapsed: maxElapsed, wake: make(chan struct{}, 1)}
}

func (l *lane) push(o op) {
	l.mu.Lock()
	l.queue = append(l.queue, o)
	depth := len(l.queue)
	l.mu.Unlock()

	metrics.PersistQueue.WithLabelValues(l.name).Set(float64(depth))
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *lane) pop() (op, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return op{}, false
	}
	next := l.queue[0]
	l.queue[0] = op{}
	l.queue = l.queue[1:]
	l.busy = true
	metrics.PersistQueue.WithLabelValues(l.name).Set(float64(len(l.queue)))
	return next, true
}

func (l *lane) done() {
	l.mu.Lock()
	l.busy = false
	l.mu.Unlock()
}

func (l *lane) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.queue)
	if l.busy {
		n++
	}
	return n
}

// Writer takes the engine's records and balance effects off the tick loop.
// Records go to Postgres and Redis in arrival order and are given up after
// maxElapsed of failures. Credits and reversals have a lane of their own so
// a database outage never delays a payout, and they are never given up
// while the writer runs. Enqueueing never blocks.
type Writer struct {
	gateway Gateway
	wallet  wallet.Store
	recent  *RecentResults
	grace   time.Duration
	log     *zap.Logger

	records  *lane
	balances *lane
}

// NewWriter builds a writer. recent may be nil. maxElapsed bounds how long a
// single record is retried before the writer gives up on it and alerts.
func NewWriter(gw Gateway, w wallet.Store, recent *RecentResults, maxElapsed time.Duration, log *zap.Logger) *Writer {
	if maxElapsed <= 0 {
		maxElapsed = time.Minute
	}
	return &Writer{
		gateway:  gw,
		wallet:   w,
		recent:   recent,
		grace:    DRAIN_TIMEOUT,
		log:      log.Named("store"),
		records:  newLane("records", maxElapsed),
		balances: newLane("balances", 0),
	}
}

func (w *Writer) SaveRound(r game.Round) { w.records.push(op{kind: opRound, round: r}) }
func (w *Writer) SaveBet(b game.Bet)     { w.records.push(op{kind: opBet, bet: b}) }

func (w *Writer) ReverseDebit(userID, ref string) {
	w.balances.push(op{kind: opReverse, userID: userID, ref: ref})
}

func (w *Writer) SaveGameResult(res game.GameResult) {
	w.records.push(op{kind: opResult, result: res})
	if w.recent != nil {
		w.records.push(op{kind: opRecent, result: res})
	}
}

// PayOut queues the cashed out bet record ahead of its credit. The record
// stays unpaid until the credit lands, so recovery can finish a payout the
// process did not get to.
func (w *Writer) PayOut(b game.Bet) {
	w.records.push(op{kind: opBet, bet: b})
	w.balances.push(op{kind: opCredit, userID: b.UserID, amount: b.Payout.Decimal, ref: b.ID})
}

// Pending is the number of operations not yet applied, including those in
// flight.
func (w *Writer) Pending() int {
	return w.records.pending() + w.balances.pending()
}

// Run applies queued operations until ctx is cancelled, then drains what is
// left. Work still unfinished DRAIN_TIMEOUT after cancellation is abandoned.
func (w *Writer) Run(ctx context.Context) {
	opCtx, cancel := withGrace(ctx, w.grace)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.work(ctx, opCtx, w.balances)
	}()
	w.work(ctx, opCtx, w.records)
	wg.Wait()
}

// withGrace returns a context that ends grace after parent does.
func withGrace(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-parent.Done():
		case <-ctx.Done():
			return
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (w *Writer) work(ctx, opCtx context.Context, l *lane) {
	for {
		next, ok := l.pop()
		if !ok {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
			case <-l.wake:
			}
			continue
		}
		w.process(opCtx, l, next)
		l.done()
	}
}

func (w *Writer) process(ctx context.Context, l *lane, o op) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = l.maxElapsed

	attempt := func() error { return w.apply(ctx, o) }
	notify := func(err error, wait time.Duration) {
		metrics.PersistErrors.WithLabelValues(string(o.kind)).Inc()
		w.log.Warn("write failed, retrying", append(o.fields(), zap.Duration("wait", wait), zap.Error(err))...)
	}

	err := backoff.RetryNotify(attempt, backoff.WithContext(b, ctx), notify)
	if err == nil {
		if o.kind == opCredit {
			w.records.push(op{kind: opPaid, ref: o.ref, at: time.Now()})
		}
		return
	}

	metrics.PersistGaveUp.WithLabelValues(string(o.kind)).Inc()
	if o.kind == opCredit {
		w.log.Error("payout not applied, recovery will credit it", append(o.fields(), zap.Error(err))...)
		return
	}
	w.log.Error("giving up on record", append(o.fields(), zap.Error(err))...)
}

func (w *Writer) apply(ctx context.Context, o op) error {
	switch o.kind {
	case opRound:
		return w.gateway.SaveRound(ctx, o.round)
	case opBet:
		return w.gateway.SaveBet(ctx, o.bet)
	case opResult:
		return w.gateway.SaveGameResult(ctx, o.result)
	case opRecent:
		return w.recent.Push(ctx, o.result)
	case opPaid:
		return w.gateway.MarkPaid(ctx, o.ref, o.at)
	case opCredit:
		_, err := w.wallet.Credit(ctx, o.userID, o.amount, o.ref)
		if errors.Is(err, wallet.ErrInvalidAmount) {
			return backoff.Permanent(err)
		}
		return err
	case opReverse:
		_, err := w.wallet.Reverse(ctx, o.userID, o.ref)
		return err
	}
	return backoff.Permanent(fmt.Errorf("unknown record kind %q", o.kind))
}

func (o op) fields() []zap.Field {
	fields := []zap.Field{zap.String("kind", string(o.kind))}
	switch o.kind {
	case opRound:
		fields = append(fields, zap.Int64("round", o.round.RoundNumber), zap.String("status", string(o.round.Status)))
	case opBet:
		fields = append(fields, zap.String("bet_id", o.bet.ID), zap.String("user", o.bet.UserID), zap.String("status", string(o.bet.Status)))
	case opResult, opRecent:
		fields = append(fields, zap.Int64("round", o.result.RoundNumber))
	case opPaid:
		fields = append(fields, zap.String("bet_id", o.ref))
	case opCredit:
		fields = append(fields, zap.String("user", o.userID), zap.String("amount", o.amount.StringFixed(2)), zap.String("ref", o.ref))
	case opReverse:
		fields = append(fields, zap.String("user", o.userID), zap.String("ref", o.ref))
	}
	return fields
}
