package game

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashroom/internal/metrics"
)

const (
	TICK_INTERVAL    = 100 * time.Millisecond
	BETTING_TIME     = 5 * time.Second
	WALLET_TIMEOUT   = 250 * time.Millisecond
	COMMAND_QUEUE    = 1000
	MIN_BET_AMOUNT   = 1
	MAX_BET_AMOUNT   = 10000
	DEFAULT_FIRST_ID = 1
)

type Config struct {
	WaitingDuration time.Duration
	TickInterval    time.Duration
	WalletTimeout   time.Duration
	QueueSize       int
	GrowthRate      float64
	Limits          Limits
	// FirstRound is the number given to the round synthesized at startup.
	FirstRound int64
}

func DefaultConfig() Config {
	return Config{
		WaitingDuration: BETTING_TIME,
		TickInterval:    TICK_INTERVAL,
		WalletTimeout:   WALLET_TIMEOUT,
		QueueSize:       COMMAND_QUEUE,
		GrowthRate:      DEFAULT_GROWTH_RATE,
		Limits: Limits{
			MinBet: decimal.NewFromInt(MIN_BET_AMOUNT),
			MaxBet: decimal.NewFromInt(MAX_BET_AMOUNT),
		},
		FirstRound: DEFAULT_FIRST_ID,
	}
}

// Sink takes every side effect that must outlive the loop iteration: durable
// records and payout credits. Implementations must not block.
type Sink interface {
	Payouts
	SaveRound(Round)
	SaveBet(Bet)
	SaveGameResult(GameResult)
}

type Publisher interface {
	Publish(Event)
}

type PlaceBetCommand struct {
	UserID      string
	Amount      decimal.Decimal
	AutoCashout decimal.NullDecimal
}

type BetReceipt struct {
	Bet     Bet             `json:"bet"`
	Balance decimal.Decimal `json:"balance"`
}

// CashOutCommand targets the current round unless RoundNumber is set.
type CashOutCommand struct {
	UserID      string
	RoundNumber int64
}

type CashOutReceipt struct {
	Bet        Bet             `json:"bet"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Payout     decimal.Decimal `json:"payout"`
}

type command interface {
	ctxOf() context.Context
}

type placeBetMsg struct {
	ctx   context.Context
	cmd   PlaceBetCommand
	reply chan placeBetResult
}

type placeBetResult struct {
	receipt BetReceipt
	err     error
}

type cashOutMsg struct {
	ctx   context.Context
	cmd   CashOutCommand
	reply chan cashOutResult
}

type cashOutResult struct {
	receipt CashOutReceipt
	err     error
}

func (m placeBetMsg) ctxOf() context.Context { return m.ctx }
func (m cashOutMsg) ctxOf() context.Context  { return m.ctx }

// Engine is the authoritative round state machine. All round and bet state
// belongs to the goroutine running Run; other goroutines talk to it through
// the command mailbox and read the published snapshot.
type Engine struct {
	cfg   Config
	fair  Committer
	clock Clock
	sink  Sink
	pub   Publisher
	log   *zap.Logger
	now   func() time.Time

	wallet   Wallet
	commands chan command
	done     chan struct{}
	snapshot atomic.Pointer[Snapshot]

	// Loop-owned state.
	nextRound     int64
	round         *Round
	ledger        *Ledger
	previous      *Ledger
	multiplier    decimal.Decimal
	lastCrash     *RoundCrashed
	lastCountdown int64
}

func NewEngine(cfg Config, fair Committer, w Wallet, sink Sink, pub Publisher, log *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.WaitingDuration <= 0 {
		cfg.WaitingDuration = def.WaitingDuration
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.WalletTimeout <= 0 {
		cfg.WalletTimeout = def.WalletTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Limits.MaxBet.IsZero() {
		cfg.Limits = def.Limits
	}
	if cfg.FirstRound <= 0 {
		cfg.FirstRound = def.FirstRound
	}

	return &Engine{
		cfg:       cfg,
		fair:      fair,
		clock:     NewClock(cfg.GrowthRate),
		sink:      sink,
		pub:       pub,
		log:       log.Named("game"),
		now:       time.Now,
		wallet:    w,
		commands:  make(chan command, cfg.QueueSize),
		done:      make(chan struct{}),
		nextRound: cfg.FirstRound,
	}
}

func (e *Engine) Clock() Clock { return e.clock }

// Run drives rounds until ctx is cancelled. It must be called once.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	e.openRound(e.now())

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if e.round != nil && e.round.Status != StatusCrashed {
				e.log.Warn("engine stopped mid-round; open bets are refunded on restart",
					zap.Int64("round", e.round.RoundNumber),
					zap.String("status", string(e.round.Status)),
					zap.Int("bets", e.ledger.Len()))
			}
			return nil

		case <-ticker.C:
			e.tick(e.now())

		case msg := <-e.commands:
			e.dispatch(msg, e.now())
		}
	}
}

// Done is closed once Run has returned.
func (e *Engine) Done() <-chan struct{} { return e.done }

// PlaceBet queues a bet for the current round and waits for the verdict.
func (e *Engine) PlaceBet(ctx context.Context, cmd PlaceBetCommand) (BetReceipt, error) {
	msg := placeBetMsg{ctx: ctx, cmd: cmd, reply: make(chan placeBetResult, 1)}
	if err := e.enqueue(msg); err != nil {
		return BetReceipt{}, err
	}
	select {
	case res := <-msg.reply:
		return res.receipt, res.err
	case <-ctx.Done():
		return BetReceipt{}, ctx.Err()
	case <-e.done:
		return BetReceipt{}, ErrEngineStopped
	}
}

// CashOut queues a cash out; the multiplier used is the one at the instant the
// engine processes the command, never a client supplied value.
func (e *Engine) CashOut(ctx context.Context, cmd CashOutCommand) (CashOutReceipt, error) {
	msg := cashOutMsg{ctx: ctx, cmd: cmd, reply: make(chan cashOutResult, 1)}
	if err := e.enqueue(msg); err != nil {
		return CashOutReceipt{}, err
	}
	select {
	case res := <-msg.reply:
		return res.receipt, res.err
	case <-ctx.Done():
		return CashOutReceipt{}, ctx.Err()
	case <-e.done:
		return CashOutReceipt{}, ErrEngineStopped
	}
}

func (e *Engine) enqueue(msg command) error {
	select {
	case <-e.done:
		return ErrEngineStopped
	default:
	}
	select {
	case e.commands <- msg:
		return nil
	default:
		return ErrEngineBusy
	}
}

// Snapshot returns the state as of the last transition or tick.
func (e *Engine) Snapshot() Snapshot {
	if s := e.snapshot.Load(); s != nil {
		return *s
	}
	return Snapshot{}
}

// Greeting is the event a newly subscribed observer gets in place of history.
func (e *Engine) Greeting() Event {
	s := e.snapshot.Load()
	if s == nil {
		return nil
	}
	if s.Status == StatusRunning && s.StartTime != nil {
		return RoundRunning{RoundNumber: s.RoundNumber, StartTime: *s.StartTime, Multiplier: s.Multiplier}
	}
	return RoundWaiting{
		RoundNumber:    s.RoundNumber,
		Countdown:      math.Max(0, s.BettingEndsAt.Sub(e.now()).Seconds()),
		BettingEndsAt:  s.BettingEndsAt,
		ServerSeedHash: s.ServerSeedHash,
		ClientSeed:     s.ClientSeed,
		Nonce:          s.Nonce,
	}
}

func (e *Engine) dispatch(msg command, now time.Time) {
	// A caller that already gave up must not have its command applied.
	if err := msg.ctxOf().Err(); err != nil {
		switch m := msg.(type) {
		case placeBetMsg:
			m.reply <- placeBetResult{err: err}
		case cashOutMsg:
			m.reply <- cashOutResult{err: err}
		}
		return
	}

	switch m := msg.(type) {
	case placeBetMsg:
		receipt, err := e.placeBet(m.ctx, m.cmd, now)
		m.reply <- placeBetResult{receipt: receipt, err: err}
	case cashOutMsg:
		receipt, err := e.cashOut(m.cmd, now)
		m.reply <- cashOutResult{receipt: receipt, err: err}
	}
}

func (e *Engine) openRound(now time.Time) {
	number := e.nextRound
	e.nextRound++

	c := e.fair.Commit(number)
	e.previous = e.ledger
	e.round = newRound(number, c, now, e.cfg.WaitingDuration)
	e.ledger = NewLedger(number, e.cfg.Limits, e.wallet, e.sink)
	e.multiplier = MinMultiplier
	e.lastCountdown = int64(math.Ceil(e.cfg.WaitingDuration.Seconds()))

	e.sink.SaveRound(*e.round)
	e.pub.Publish(RoundWaiting{
		RoundNumber:    number,
		Countdown:      e.cfg.WaitingDuration.Seconds(),
		BettingEndsAt:  e.round.BettingEndsAt,
		ServerSeedHash: c.ServerSeedHash,
		ClientSeed:     c.ClientSeed,
		Nonce:          c.Nonce,
	})
	e.publishSnapshot()

	e.log.Info("round opened",
		zap.Int64("round", number),
		zap.String("commitment", c.ServerSeedHash))
}

func (e *Engine) tick(now time.Time) {
	switch e.round.Status {
	case StatusWaiting:
		if now.Before(e.round.BettingEndsAt) {
			e.countdown(now)
			return
		}
		e.startRunning(now)
	case StatusRunning:
		e.advance(now)
	}
}

// countdown republishes RoundWaiting once per whole second left.
func (e *Engine) countdown(now time.Time) {
	left := e.round.BettingEndsAt.Sub(now)
	secs := int64(math.Ceil(left.Seconds()))
	if secs >= e.lastCountdown {
		return
	}
	e.lastCountdown = secs
	e.pub.Publish(RoundWaiting{
		RoundNumber:    e.round.RoundNumber,
		Countdown:      left.Seconds(),
		BettingEndsAt:  e.round.BettingEndsAt,
		ServerSeedHash: e.round.ServerSeedHash,
		ClientSeed:     e.round.ClientSeed,
		Nonce:          e.round.Nonce,
	})
}

func (e *Engine) startRunning(now time.Time) {
	start := now
	e.round.Status = StatusRunning
	e.round.StartTime = &start
	e.multiplier = MinMultiplier

	e.sink.SaveRound(*e.round)
	e.pub.Publish(RoundRunning{RoundNumber: e.round.RoundNumber, StartTime: start, Multiplier: e.multiplier})
	e.publishSnapshot()

	e.log.Debug("round running", zap.Int64("round", e.round.RoundNumber), zap.Int("bets", e.ledger.Len()))

	// A 1.00x crash point is reached at elapsed zero.
	e.advance(now)
}

// advance recomputes the multiplier, settles due auto cash outs and crashes
// the round the first time the multiplier reaches the crash point.
func (e *Engine) advance(now time.Time) {
	elapsed := now.Sub(*e.round.StartTime)
	m := e.clock.MultiplierAt(elapsed)
	crashed := !m.LessThan(e.round.CrashPoint)

	// Auto targets win only strictly below the crash point.
	limit := m
	if crashed {
		limit = e.round.CrashPoint.Sub(decimal.New(1, -2))
	}
	for _, bet := range e.ledger.DueAutoCashouts(e.round, limit, now) {
		e.afterCashOut(bet, true)
	}

	if crashed {
		e.crash(now)
		return
	}

	e.multiplier = m
	e.pub.Publish(MultiplierTick{
		RoundNumber: e.round.RoundNumber,
		Multiplier:  m,
		ElapsedMs:   elapsed.Milliseconds(),
	})
	e.publishSnapshot()
}

func (e *Engine) crash(now time.Time) {
	end := now
	e.round.Status = StatusCrashed
	e.round.EndTime = &end
	e.multiplier = e.round.CrashPoint

	lost := e.ledger.SettleLosses(e.round, now)
	for _, bet := range lost {
		e.sink.SaveBet(bet)
	}
	metrics.BetsSettled.WithLabelValues(string(BetLost)).Add(float64(len(lost)))

	e.sink.SaveRound(*e.round)
	e.sink.SaveGameResult(resultOf(e.round))

	ev := RoundCrashed{
		RoundNumber: e.round.RoundNumber,
		CrashPoint:  e.round.CrashPoint,
		ServerSeed:  e.round.ServerSeed,
		ClientSeed:  e.round.ClientSeed,
		Nonce:       e.round.Nonce,
	}
	e.lastCrash = &ev
	e.pub.Publish(ev)

	metrics.RoundsTotal.Inc()
	metrics.CrashPoints.Observe(e.round.CrashPoint.InexactFloat64())

	e.log.Info("round crashed",
		zap.Int64("round", e.round.RoundNumber),
		zap.String("crash_point", e.round.CrashPoint.StringFixed(2)),
		zap.Int("lost", len(lost)),
		zap.Int("bets", e.ledger.Len()))

	e.openRound(now)
}

func (e *Engine) placeBet(ctx context.Context, cmd PlaceBetCommand, now time.Time) (BetReceipt, error) {
	wctx, cancel := context.WithTimeout(ctx, e.cfg.WalletTimeout)
	defer cancel()

	bet, balance, err := e.ledger.PlaceBet(wctx, e.round, cmd.UserID, cmd.Amount, cmd.AutoCashout, now)
	if err != nil {
		metrics.CommandsRejected.WithLabelValues("place_bet", string(CodeOf(err))).Inc()
		if !IsGameplay(err) {
			e.log.Error("bet failed", zap.String("user", cmd.UserID), zap.Error(err))
		}
		return BetReceipt{Balance: balance}, err
	}

	e.sink.SaveBet(bet)
	e.pub.Publish(BetPlaced{RoundNumber: bet.RoundNumber, UserID: bet.UserID, Amount: bet.Amount})
	e.publishSnapshot()

	metrics.BetsPlaced.Inc()
	metrics.Wagered.Add(bet.Amount.InexactFloat64())

	e.log.Debug("bet placed",
		zap.Int64("round", bet.RoundNumber),
		zap.String("user", bet.UserID),
		zap.String("amount", bet.Amount.StringFixed(2)),
		zap.String("bet_id", bet.ID))

	return BetReceipt{Bet: bet, Balance: balance}, nil
}

func (e *Engine) cashOut(cmd CashOutCommand, now time.Time) (CashOutReceipt, error) {
	// The crash may be due between ticks; settle it before judging the command.
	if e.round.Status == StatusRunning {
		if m := e.clock.MultiplierAt(now.Sub(*e.round.StartTime)); !m.LessThan(e.round.CrashPoint) {
			e.advance(now)
		}
	}

	target := cmd.RoundNumber
	if target == 0 {
		target = e.round.RoundNumber
	}

	if target != e.round.RoundNumber || e.round.Status != StatusRunning {
		if prev := e.previous; prev != nil && (cmd.RoundNumber == 0 || cmd.RoundNumber == prev.RoundNumber()) {
			if bet, ok := prev.Get(cmd.UserID); ok && bet.Status != BetActive {
				metrics.CommandsRejected.WithLabelValues("cash_out", string(CodeAlreadySettled)).Inc()
				return CashOutReceipt{Bet: bet}, ErrAlreadySettled
			}
		}
		metrics.CommandsRejected.WithLabelValues("cash_out", string(CodeInvalidState)).Inc()
		return CashOutReceipt{}, ErrInvalidState
	}

	m := e.clock.MultiplierAt(now.Sub(*e.round.StartTime))
	bet, err := e.ledger.CashOut(e.round, cmd.UserID, m, now)
	if err != nil {
		metrics.CommandsRejected.WithLabelValues("cash_out", string(CodeOf(err))).Inc()
		return CashOutReceipt{Bet: bet}, err
	}

	e.afterCashOut(bet, false)
	return CashOutReceipt{Bet: bet, Multiplier: m, Payout: bet.Payout.Decimal}, nil
}

// afterCashOut announces a settled win. The ledger already handed the bet
// record and its credit to the sink.
func (e *Engine) afterCashOut(bet Bet, auto bool) {
	e.pub.Publish(PlayerCashedOut{
		RoundNumber: bet.RoundNumber,
		UserID:      bet.UserID,
		Multiplier:  bet.CashOutMultiplier.Decimal,
		Payout:      bet.Payout.Decimal,
		Auto:        auto,
	})
	e.publishSnapshot()

	kind := "manual"
	if auto {
		kind = "auto"
	}
	metrics.BetsSettled.WithLabelValues(string(BetCashedOut)).Inc()
	metrics.CashOuts.WithLabelValues(kind).Inc()
	metrics.PaidOut.Add(bet.Payout.Decimal.InexactFloat64())

	e.log.Debug("cashed out",
		zap.Int64("round", bet.RoundNumber),
		zap.String("user", bet.UserID),
		zap.String("multiplier", bet.CashOutMultiplier.Decimal.StringFixed(2)),
		zap.String("payout", bet.Payout.Decimal.StringFixed(2)),
		zap.Bool("auto", auto))
}

func (e *Engine) publishSnapshot() {
	s := &Snapshot{
		RoundNumber:    e.round.RoundNumber,
		Status:         e.round.Status,
		Multiplier:     e.multiplier,
		ServerSeedHash: e.round.ServerSeedHash,
		ClientSeed:     e.round.ClientSeed,
		Nonce:          e.round.Nonce,
		BettingEndsAt:  e.round.BettingEndsAt,
		StartTime:      e.round.StartTime,
		Bets:           e.ledger.View(),
		LastCrash:      e.lastCrash,
	}
	e.snapshot.Store(s)
}
