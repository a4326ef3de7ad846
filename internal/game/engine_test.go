package game

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashroom/internal/wallet"
)

type fixedCommitter struct {
	point decimal.Decimal
}

func (f fixedCommitter) Commit(nonce int64) Commitment {
	return Commitment{
		ServerSeed:     "server-seed",
		ServerSeedHash: HashCommitment("server-seed"),
		ClientSeed:     "client-seed",
		Nonce:          nonce,
		CrashPoint:     f.point,
	}
}

// recordingSink applies payouts straight to the wallet and keeps every record.
type recordingSink struct {
	*payoutRecorder
	mu      sync.Mutex
	rounds  []Round
	bets    []Bet
	results []GameResult
}

func (s *recordingSink) SaveRound(r Round) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rounds = append(s.rounds, r)
}

func (s *recordingSink) SaveBet(b Bet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bets = append(s.bets, b)
}

func (s *recordingSink) PayOut(b Bet) {
	s.SaveBet(b)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payoutRecorder.PayOut(b)
}

func (s *recordingSink) SaveGameResult(g GameResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, g)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) ofType(typ string) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, ev := range p.events {
		if ev.EventType() == typ {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	engine *Engine
	wallet *wallet.Memory
	sink   *recordingSink
	pub    *recordingPublisher
	t0     time.Time
	start  time.Time
}

func newHarness(t *testing.T, crashPoint string, firstRound int64) *harness {
	t.Helper()
	w := wallet.NewMemory()
	sink := &recordingSink{payoutRecorder: newPayoutRecorder(w)}
	pub := &recordingPublisher{}

	cfg := DefaultConfig()
	cfg.FirstRound = firstRound
	e := NewEngine(cfg, fixedCommitter{point: d(crashPoint)}, w, sink, pub, zap.NewNop())

	t0 := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	e.openRound(t0)

	return &harness{
		engine: e,
		wallet: w,
		sink:   sink,
		pub:    pub,
		t0:     t0,
		start:  t0.Add(cfg.WaitingDuration),
	}
}

func (h *harness) bet(userID, amount string, target decimal.NullDecimal, at time.Time) (BetReceipt, error) {
	return h.engine.placeBet(context.Background(), PlaceBetCommand{UserID: userID, Amount: d(amount), AutoCashout: target}, at)
}

func (h *harness) run() {
	h.engine.tick(h.start)
}

func (h *harness) at(elapsed time.Duration) time.Time {
	return h.start.Add(elapsed)
}

func TestEngine_CashOutBeforeCrash(t *testing.T) {
	h := newHarness(t, "2.50", 42)
	fund(t, h.wallet, "alice", "100")

	receipt, err := h.bet("alice", "10", decimal.NullDecimal{}, h.t0)
	if err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}
	if receipt.Bet.RoundNumber != 42 || receipt.Balance.StringFixed(2) != "90.00" {
		t.Errorf("receipt = round %d balance %s, want round 42 balance 90.00", receipt.Bet.RoundNumber, receipt.Balance)
	}

	h.run()
	if s := h.engine.Snapshot(); s.Status != StatusRunning {
		t.Fatalf("status = %s, want running", s.Status)
	}

	out, err := h.engine.cashOut(CashOutCommand{UserID: "alice"}, h.at(3500*time.Millisecond))
	if err != nil {
		t.Fatalf("CashOut() error = %v", err)
	}
	if out.Multiplier.StringFixed(2) != "2.00" {
		t.Errorf("multiplier = %s, want 2.00", out.Multiplier)
	}
	if out.Payout.StringFixed(2) != "20.00" || out.Bet.Profit.Decimal.StringFixed(2) != "10.00" {
		t.Errorf("payout/profit = %s/%s, want 20.00/10.00", out.Payout, out.Bet.Profit.Decimal)
	}
	if got := balance(t, h.wallet, "alice"); got != "110.00" {
		t.Errorf("balance = %s, want 110.00", got)
	}
	if n := len(h.sink.credits); n != 1 {
		t.Errorf("credits = %d, want 1", n)
	}

	cashed := h.pub.ofType(EventPlayerCashedOut)
	if len(cashed) != 1 || cashed[0].(PlayerCashedOut).Auto {
		t.Errorf("cashout events = %+v, want one manual cash out", cashed)
	}
}

func TestEngine_CrashSettlesLosers(t *testing.T) {
	h := newHarness(t, "2.50", 42)
	fund(t, h.wallet, "bob", "100")

	if _, err := h.bet("bob", "5", decimal.NullDecimal{}, h.t0); err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}
	h.run()

	h.engine.tick(h.at(4500 * time.Millisecond))
	if s := h.engine.Snapshot(); s.Status != StatusRunning || s.Multiplier.StringFixed(2) != "2.44" {
		t.Fatalf("snapshot = %s at %s, want running at 2.44", s.Status, s.Multiplier)
	}

	h.engine.tick(h.at(4700 * time.Millisecond))

	crashes := h.pub.ofType(EventRoundCrashed)
	if len(crashes) != 1 {
		t.Fatalf("crash events = %d, want 1", len(crashes))
	}
	crash := crashes[0].(RoundCrashed)
	if crash.RoundNumber != 42 || crash.CrashPoint.StringFixed(2) != "2.50" || crash.ServerSeed != "server-seed" {
		t.Errorf("crash event = %+v", crash)
	}

	prev, ok := h.engine.previous.Get("bob")
	if !ok || prev.Status != BetLost {
		t.Fatalf("bob's bet = %+v, want lost", prev)
	}
	if got := balance(t, h.wallet, "bob"); got != "95.00" {
		t.Errorf("balance = %s, want 95.00", got)
	}

	// The next round opens straight away.
	s := h.engine.Snapshot()
	if s.RoundNumber != 43 || s.Status != StatusWaiting {
		t.Errorf("next snapshot = round %d %s, want round 43 waiting", s.RoundNumber, s.Status)
	}
	if s.LastCrash == nil || s.LastCrash.RoundNumber != 42 {
		t.Errorf("LastCrash = %+v, want round 42", s.LastCrash)
	}

	if len(h.sink.results) != 1 || h.sink.results[0].RoundNumber != 42 {
		t.Errorf("results = %+v, want round 42", h.sink.results)
	}
}

func TestEngine_CashOutAfterCrash(t *testing.T) {
	h := newHarness(t, "2.50", 42)
	fund(t, h.wallet, "bob", "100")

	if _, err := h.bet("bob", "5", decimal.NullDecimal{}, h.t0); err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}
	h.run()
	h.engine.tick(h.at(4700 * time.Millisecond))

	_, err := h.engine.cashOut(CashOutCommand{UserID: "bob"}, h.at(4800*time.Millisecond))
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("CashOut() error = %v, want ErrAlreadySettled", err)
	}
	_, err = h.engine.cashOut(CashOutCommand{UserID: "bob", RoundNumber: 42}, h.at(4800*time.Millisecond))
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("CashOut(round 42) error = %v, want ErrAlreadySettled", err)
	}
	if got := balance(t, h.wallet, "bob"); got != "95.00" {
		t.Errorf("balance = %s, want 95.00", got)
	}
}

// A cash out processed after the crash instant but before the crash tick
// must see the crash first.
func TestEngine_CashOutBetweenTicksPastCrash(t *testing.T) {
	h := newHarness(t, "2.50", 42)
	fund(t, h.wallet, "carol", "100")

	if _, err := h.bet("carol", "10", decimal.NullDecimal{}, h.t0); err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}
	h.run()
	h.engine.tick(h.at(4600 * time.Millisecond))

	_, err := h.engine.cashOut(CashOutCommand{UserID: "carol"}, h.at(4650*time.Millisecond))
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("CashOut() error = %v, want ErrAlreadySettled", err)
	}
	if len(h.pub.ofType(EventRoundCrashed)) != 1 {
		t.Error("round did not crash")
	}
	if got := balance(t, h.wallet, "carol"); got != "90.00" {
		t.Errorf("balance = %s, want 90.00", got)
	}
}

func TestEngine_DuplicateBet(t *testing.T) {
	h := newHarness(t, "2.50", 1)
	fund(t, h.wallet, "dave", "100")

	if _, err := h.bet("dave", "10", decimal.NullDecimal{}, h.t0); err != nil {
		t.Fatalf("first PlaceBet() error = %v", err)
	}
	if _, err := h.bet("dave", "10", decimal.NullDecimal{}, h.t0.Add(time.Second)); !errors.Is(err, ErrDuplicateBet) {
		t.Fatalf("second PlaceBet() error = %v, want ErrDuplicateBet", err)
	}
	if n := h.engine.ledger.Len(); n != 1 {
		t.Errorf("bets = %d, want 1", n)
	}
	if got := balance(t, h.wallet, "dave"); got != "90.00" {
		t.Errorf("balance = %s, want 90.00", got)
	}
	if n := len(h.pub.ofType(EventBetPlaced)); n != 1 {
		t.Errorf("bet_placed events = %d, want 1", n)
	}
}

func TestEngine_InsufficientBalance(t *testing.T) {
	h := newHarness(t, "2.50", 1)
	fund(t, h.wallet, "erin", "50")

	_, err := h.bet("erin", "100", decimal.NullDecimal{}, h.t0)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("PlaceBet() error = %v, want ErrInsufficientBalance", err)
	}
	if n := h.engine.ledger.Len(); n != 0 {
		t.Errorf("bets = %d, want 0", n)
	}
	if got := balance(t, h.wallet, "erin"); got != "50.00" {
		t.Errorf("balance = %s, want 50.00", got)
	}
	if len(h.sink.bets) != 0 {
		t.Errorf("persisted bets = %d, want 0", len(h.sink.bets))
	}
}

func TestEngine_PhaseRules(t *testing.T) {
	h := newHarness(t, "2.50", 1)
	fund(t, h.wallet, "frank", "100")

	if _, err := h.engine.cashOut(CashOutCommand{UserID: "frank"}, h.t0); !errors.Is(err, ErrInvalidState) {
		t.Errorf("CashOut(waiting) error = %v, want ErrInvalidState", err)
	}

	h.run()
	if _, err := h.bet("frank", "10", decimal.NullDecimal{}, h.at(time.Second)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("PlaceBet(running) error = %v, want ErrInvalidState", err)
	}
	if _, err := h.engine.cashOut(CashOutCommand{UserID: "frank"}, h.at(time.Second)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("CashOut(no bet) error = %v, want ErrInvalidState", err)
	}
	if _, err := h.engine.cashOut(CashOutCommand{UserID: "frank", RoundNumber: 99}, h.at(time.Second)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("CashOut(unknown round) error = %v, want ErrInvalidState", err)
	}
}

func TestEngine_AutoCashout(t *testing.T) {
	h := newHarness(t, "2.50", 1)
	for _, u := range []string{"low", "edge", "high"} {
		fund(t, h.wallet, u, "100")
	}

	targets := map[string]string{"low": "2.00", "edge": "2.50", "high": "3.00"}
	for u, target := range targets {
		if _, err := h.bet(u, "10", auto(target), h.t0); err != nil {
			t.Fatalf("PlaceBet(%s) error = %v", u, err)
		}
	}
	h.run()

	h.engine.tick(h.at(3600 * time.Millisecond))
	low, _ := h.engine.ledger.Get("low")
	if low.Status != BetCashedOut || low.CashOutMultiplier.Decimal.StringFixed(2) != "2.00" {
		t.Fatalf("low = %+v, want cashed out at its 2.00 target", low)
	}

	h.engine.tick(h.at(4700 * time.Millisecond))
	for _, u := range []string{"edge", "high"} {
		b, _ := h.engine.previous.Get(u)
		if b.Status != BetLost {
			t.Errorf("%s status = %s, want lost", u, b.Status)
		}
	}

	if got := balance(t, h.wallet, "low"); got != "110.00" {
		t.Errorf("low balance = %s, want 110.00", got)
	}
	cashed := h.pub.ofType(EventPlayerCashedOut)
	if len(cashed) != 1 || !cashed[0].(PlayerCashedOut).Auto {
		t.Errorf("cashout events = %+v, want one auto cash out", cashed)
	}
}

// An auto target crossed inside the crash tick still pays when it is below
// the crash point.
func TestEngine_AutoCashoutOnCrashTick(t *testing.T) {
	h := newHarness(t, "2.50", 1)
	fund(t, h.wallet, "gina", "100")

	if _, err := h.bet("gina", "10", auto("2.45"), h.t0); err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}
	h.run()
	h.engine.tick(h.at(4400 * time.Millisecond))
	h.engine.tick(h.at(4700 * time.Millisecond))

	b, _ := h.engine.previous.Get("gina")
	if b.Status != BetCashedOut || b.Payout.Decimal.StringFixed(2) != "24.50" {
		t.Errorf("bet = %+v, want cashed out for 24.50", b)
	}
}

func TestEngine_InstantCrash(t *testing.T) {
	h := newHarness(t, "1.00", 1)
	fund(t, h.wallet, "hank", "100")

	if _, err := h.bet("hank", "10", auto("1.01"), h.t0); err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}
	h.run()

	if n := len(h.pub.ofType(EventRoundCrashed)); n != 1 {
		t.Fatalf("crash events = %d, want 1", n)
	}
	if n := len(h.pub.ofType(EventMultiplierTick)); n != 0 {
		t.Errorf("multiplier ticks = %d, want none", n)
	}
	b, _ := h.engine.previous.Get("hank")
	if b.Status != BetLost {
		t.Errorf("status = %s, want lost", b.Status)
	}
}

func TestEngine_MultiplierTicksAreMonotonic(t *testing.T) {
	h := newHarness(t, "5.00", 1)
	h.run()

	for ms := 100; ms < 8000; ms += 100 {
		h.engine.tick(h.at(time.Duration(ms) * time.Millisecond))
	}

	ticks := h.pub.ofType(EventMultiplierTick)
	if len(ticks) == 0 {
		t.Fatal("no multiplier ticks")
	}
	prev := MinMultiplier
	for _, ev := range ticks {
		m := ev.(MultiplierTick).Multiplier
		if m.LessThan(prev) {
			t.Fatalf("multiplier went down: %s after %s", m, prev)
		}
		if !m.LessThan(d("5.00")) {
			t.Fatalf("tick at %s reached the crash point", m)
		}
		prev = m
	}
}

func TestEngine_RoundsAreSequential(t *testing.T) {
	h := newHarness(t, "1.00", 7)
	now := h.t0
	for i := 0; i < 3; i++ {
		now = now.Add(5 * time.Second)
		h.engine.tick(now)
	}

	var numbers []int64
	for _, ev := range h.pub.ofType(EventRoundCrashed) {
		numbers = append(numbers, ev.Round())
	}
	if len(numbers) != 3 || numbers[0] != 7 || numbers[1] != 8 || numbers[2] != 9 {
		t.Errorf("crashed rounds = %v, want [7 8 9]", numbers)
	}
}

func TestEngine_GreetingUsesEngineClock(t *testing.T) {
	h := newHarness(t, "2.50", 1)
	h.engine.now = func() time.Time { return h.t0.Add(2 * time.Second) }

	greeting, ok := h.engine.Greeting().(RoundWaiting)
	if !ok {
		t.Fatalf("Greeting() = %T, want RoundWaiting", h.engine.Greeting())
	}
	if want := h.start.Sub(h.t0.Add(2 * time.Second)).Seconds(); greeting.Countdown != want {
		t.Errorf("countdown = %v, want %v", greeting.Countdown, want)
	}
}

func TestEngine_CountdownEvents(t *testing.T) {
	h := newHarness(t, "2.50", 1)
	for ms := 100; ms < 5000; ms += 100 {
		h.engine.tick(h.t0.Add(time.Duration(ms) * time.Millisecond))
	}

	// One on open, then one per whole second left.
	if n := len(h.pub.ofType(EventRoundWaiting)); n != 5 {
		t.Errorf("round_waiting events = %d, want 5", n)
	}
}

func TestEngine_QueueFull(t *testing.T) {
	w := wallet.NewMemory()
	cfg := DefaultConfig()
	cfg.QueueSize = 1
	e := NewEngine(cfg, fixedCommitter{point: d("2.00")}, w, &recordingSink{payoutRecorder: newPayoutRecorder(w)}, &recordingPublisher{}, zap.NewNop())

	msg := cashOutMsg{ctx: context.Background(), reply: make(chan cashOutResult, 1)}
	if err := e.enqueue(msg); err != nil {
		t.Fatalf("first enqueue error = %v", err)
	}
	if err := e.enqueue(msg); !errors.Is(err, ErrEngineBusy) {
		t.Errorf("second enqueue error = %v, want ErrEngineBusy", err)
	}
}

func TestEngine_RunServesCommands(t *testing.T) {
	w := wallet.NewMemory()
	fund(t, w, "ivy", "100")
	cfg := DefaultConfig()
	cfg.WaitingDuration = time.Minute
	cfg.TickInterval = 10 * time.Millisecond
	e := NewEngine(cfg, fixedCommitter{point: d("2.00")}, w, &recordingSink{payoutRecorder: newPayoutRecorder(w)}, &recordingPublisher{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()

	receipt, err := e.PlaceBet(reqCtx, PlaceBetCommand{UserID: "ivy", Amount: d("25")})
	if err != nil {
		t.Fatalf("PlaceBet() error = %v", err)
	}
	if receipt.Balance.StringFixed(2) != "75.00" {
		t.Errorf("balance = %s, want 75.00", receipt.Balance)
	}
	if s := e.Snapshot(); len(s.Bets) != 1 || s.Bets[0].UserID != "ivy" {
		t.Errorf("snapshot bets = %+v, want ivy's bet", s.Bets)
	}
	if _, err := e.CashOut(reqCtx, CashOutCommand{UserID: "ivy"}); !errors.Is(err, ErrInvalidState) {
		t.Errorf("CashOut(waiting) error = %v, want ErrInvalidState", err)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if _, err := e.PlaceBet(context.Background(), PlaceBetCommand{UserID: "ivy", Amount: d("1")}); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("PlaceBet(stopped) error = %v, want ErrEngineStopped", err)
	}
}

func TestEngine_ExpiredCommandIsNotApplied(t *testing.T) {
	h := newHarness(t, "2.50", 1)
	fund(t, h.wallet, "jack", "100")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	msg := placeBetMsg{ctx: ctx, cmd: PlaceBetCommand{UserID: "jack", Amount: d("10")}, reply: make(chan placeBetResult, 1)}
	h.engine.dispatch(msg, h.t0)

	if res := <-msg.reply; !errors.Is(res.err, context.Canceled) {
		t.Errorf("reply error = %v, want context.Canceled", res.err)
	}
	if got := balance(t, h.wallet, "jack"); got != "100.00" {
		t.Errorf("balance = %s, want 100.00", got)
	}
}

func BenchmarkEngine_Tick(b *testing.B) {
	w := wallet.NewMemory()
	e := NewEngine(DefaultConfig(), fixedCommitter{point: d("1000000.00")}, w, &recordingSink{payoutRecorder: newPayoutRecorder(w)}, &recordingPublisher{}, zap.NewNop())
	t0 := time.Now()
	e.openRound(t0)
	e.tick(t0.Add(BETTING_TIME))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.tick(t0.Add(BETTING_TIME + time.Millisecond))
	}
}
