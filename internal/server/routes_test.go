package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashroom/internal/auth"
	"crashroom/internal/game"
	"crashroom/internal/store"
	"crashroom/internal/wallet"
)

type fakeGame struct {
	mu       sync.Mutex
	snapshot game.Snapshot
	betErr   error
	cashErr  error
	bets     []game.PlaceBetCommand
	cashouts []game.CashOutCommand
}

func (f *fakeGame) PlaceBet(_ context.Context, cmd game.PlaceBetCommand) (game.BetReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bets = append(f.bets, cmd)
	if f.betErr != nil {
		return game.BetReceipt{}, f.betErr
	}
	return game.BetReceipt{
		Bet: game.Bet{
			ID:          "bet-1",
			UserID:      cmd.UserID,
			RoundNumber: f.snapshot.RoundNumber,
			Amount:      cmd.Amount,
			AutoCashout: cmd.AutoCashout,
			Status:      game.BetActive,
		},
		Balance: decimal.RequireFromString("90.00"),
	}, nil
}

func (f *fakeGame) CashOut(_ context.Context, cmd game.CashOutCommand) (game.CashOutReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cashouts = append(f.cashouts, cmd)
	if f.cashErr != nil {
		return game.CashOutReceipt{}, f.cashErr
	}
	m := decimal.RequireFromString("2.00")
	return game.CashOutReceipt{
		Bet:        game.Bet{ID: "bet-1", UserID: cmd.UserID, Status: game.BetCashedOut},
		Multiplier: m,
		Payout:     decimal.RequireFromString("20.00"),
	}, nil
}

func (f *fakeGame) Snapshot() game.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot
}

func (f *fakeGame) set(fn func(f *fakeGame)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type verifyResponse struct {
	CrashPoint      decimal.Decimal `json:"crash_point"`
	CrashPointValid bool            `json:"crash_point_valid"`
	CommitmentValid *bool           `json:"commitment_valid"`
}

type fixedCheck map[string]string

func (c fixedCheck) Health() map[string]string { return c }

type testEnv struct {
	server  *FiberServer
	game    *fakeGame
	hub     *game.Hub
	gateway *store.Memory
	wallet  *wallet.Memory
	tokens  *auth.Tokens
	checks  map[string]HealthChecker
}

func newTestEnv(t *testing.T, local bool) *testEnv {
	t.Helper()

	fg := &fakeGame{snapshot: game.Snapshot{
		RoundNumber:    7,
		Status:         game.StatusWaiting,
		Multiplier:     game.MinMultiplier,
		ServerSeedHash: "commitment",
		BettingEndsAt:  time.Now().Add(5 * time.Second),
	}}
	greeting := func() game.Event {
		s := fg.Snapshot()
		return game.RoundWaiting{RoundNumber: s.RoundNumber, ServerSeedHash: s.ServerSeedHash}
	}

	env := &testEnv{
		game:    fg,
		hub:     game.NewHub(greeting, zap.NewNop()),
		gateway: store.NewMemory(),
		wallet:  wallet.NewMemory(),
		tokens:  auth.NewTokens("test-secret", time.Hour),
		checks:  map[string]HealthChecker{"database": fixedCheck{"status": "up"}},
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go env.hub.Run(ctx)

	env.server = New(Deps{
		Game:         fg,
		Rooms:        env.hub,
		History:      store.NewHistory(env.gateway, nil, zap.NewNop()),
		Wallet:       env.wallet,
		Tokens:       env.tokens,
		Checks:       env.checks,
		Log:          zap.NewNop(),
		Local:        local,
		HistoryLimit: 50,
	})
	env.server.RegisterFiberRoutes()
	return env
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.tokens.Issue(userID)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	return token
}

func (e *testEnv) do(t *testing.T, method, target, body, token string) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.server.Test(req, -1)
	if err != nil {
		t.Fatalf("could not perform request: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("could not read response body: %v", err)
	}
	return resp.StatusCode, raw
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("could not unmarshal %s: %v", raw, err)
	}
	return v
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t, false)

	status, raw := env.do(t, http.MethodGet, "/health", "", "")
	if status != http.StatusOK {
		t.Fatalf("expected status OK; got %d: %s", status, raw)
	}
	result := decode[map[string]any](t, raw)
	if _, ok := result["database"]; !ok {
		t.Errorf("expected database report in %v", result)
	}

	env.checks["cache"] = fixedCheck{"status": "down"}
	if status, _ := env.do(t, http.MethodGet, "/health", "", ""); status != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with a failing dependency; got %d", status)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, false)

	status, raw := env.do(t, http.MethodGet, "/metrics", "", "")
	if status != http.StatusOK {
		t.Fatalf("expected status OK; got %d", status)
	}
	if !strings.Contains(string(raw), "crash_") {
		t.Error("expected crash_ metrics in exposition")
	}
}

func TestGameState(t *testing.T) {
	env := newTestEnv(t, false)

	status, raw := env.do(t, http.MethodGet, "/api/v1/game/state", "", "")
	if status != http.StatusOK {
		t.Fatalf("expected status OK; got %d", status)
	}
	snap := decode[game.Snapshot](t, raw)
	if snap.RoundNumber != 7 || snap.Status != game.StatusWaiting {
		t.Errorf("unexpected snapshot %+v", snap)
	}

	env.game.set(func(f *fakeGame) { f.snapshot = game.Snapshot{} })
	if status, _ := env.do(t, http.MethodGet, "/api/v1/game/state", "", ""); status != http.StatusNotFound {
		t.Errorf("expected 404 before the first round; got %d", status)
	}
}

func TestPlaceBetHandler(t *testing.T) {
	env := newTestEnv(t, false)
	token := env.token(t, "player-1")

	t.Run("requires auth", func(t *testing.T) {
		status, _ := env.do(t, http.MethodPost, "/api/v1/game/bet", `{"amount":"10"}`, "")
		if status != http.StatusUnauthorized {
			t.Errorf("expected 401; got %d", status)
		}
	})

	t.Run("accepted", func(t *testing.T) {
		status, raw := env.do(t, http.MethodPost, "/api/v1/game/bet", `{"amount":"10.50","auto_cashout":2.5}`, token)
		if status != http.StatusCreated {
			t.Fatalf("expected 201; got %d: %s", status, raw)
		}
		receipt := decode[game.BetReceipt](t, raw)
		if receipt.Bet.UserID != "player-1" || !receipt.Bet.Amount.Equal(decimal.RequireFromString("10.5")) {
			t.Errorf("unexpected receipt %+v", receipt)
		}

		cmd := env.game.bets[len(env.game.bets)-1]
		if !cmd.AutoCashout.Valid || !cmd.AutoCashout.Decimal.Equal(decimal.RequireFromString("2.5")) {
			t.Errorf("auto cashout not forwarded: %+v", cmd.AutoCashout)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		status, _ := env.do(t, http.MethodPost, "/api/v1/game/bet", `{"amount":`, token)
		if status != http.StatusBadRequest {
			t.Errorf("expected 400; got %d", status)
		}
	})

	tests := []struct {
		err        error
		wantStatus int
		wantCode   game.Code
	}{
		{game.ErrDuplicateBet, http.StatusConflict, game.CodeDuplicateBet},
		{game.ErrInvalidState, http.StatusConflict, game.CodeInvalidState},
		{game.ErrInsufficientBalance, http.StatusPaymentRequired, game.CodeInsufficientBalance},
		{game.ErrInvalidAmount, http.StatusBadRequest, game.CodeInvalidAmount},
		{game.ErrEngineBusy, http.StatusServiceUnavailable, game.CodeUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, game.CodeTimeout},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError, game.CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(string(tt.wantCode), func(t *testing.T) {
			env.game.set(func(f *fakeGame) { f.betErr = tt.err })
			defer env.game.set(func(f *fakeGame) { f.betErr = nil })

			status, raw := env.do(t, http.MethodPost, "/api/v1/game/bet", `{"amount":"10"}`, token)
			if status != tt.wantStatus {
				t.Errorf("expected %d; got %d", tt.wantStatus, status)
			}
			if body := decode[errorBody](t, raw); body.Code != tt.wantCode {
				t.Errorf("expected code %s; got %s", tt.wantCode, body.Code)
			}
		})
	}
}

func TestCashoutHandler(t *testing.T) {
	env := newTestEnv(t, false)
	token := env.token(t, "player-1")

	status, raw := env.do(t, http.MethodPost, "/api/v1/game/cashout", "", token)
	if status != http.StatusOK {
		t.Fatalf("expected status OK; got %d: %s", status, raw)
	}
	receipt := decode[game.CashOutReceipt](t, raw)
	if !receipt.Payout.Equal(decimal.RequireFromString("20")) {
		t.Errorf("unexpected payout %s", receipt.Payout)
	}

	env.do(t, http.MethodPost, "/api/v1/game/cashout", `{"round_number":6}`, token)
	if got := env.game.cashouts[1]; got.RoundNumber != 6 || got.UserID != "player-1" {
		t.Errorf("unexpected command %+v", got)
	}

	env.game.set(func(f *fakeGame) { f.cashErr = game.ErrAlreadySettled })
	status, raw = env.do(t, http.MethodPost, "/api/v1/game/cashout", "", token)
	if status != http.StatusConflict || decode[errorBody](t, raw).Code != game.CodeAlreadySettled {
		t.Errorf("expected 409 ALREADY_SETTLED; got %d: %s", status, raw)
	}
}

func TestVerifyHandler(t *testing.T) {
	env := newTestEnv(t, false)
	commitment := game.HashCommitment("verification_test_seed")

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantValid  bool
	}{
		{"correct claim", "server_seed=verification_test_seed&client_seed=verification_client_seed&nonce=1&crash_point=1.90&commitment=" + commitment, http.StatusOK, true},
		{"wrong claim", "server_seed=verification_test_seed&client_seed=verification_client_seed&nonce=1&crash_point=2.00", http.StatusOK, false},
		{"missing nonce", "server_seed=a&client_seed=b", http.StatusBadRequest, false},
		{"bad crash point", "server_seed=a&client_seed=b&nonce=1&crash_point=x", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, raw := env.do(t, http.MethodGet, "/api/v1/game/verify?"+tt.query, "", "")
			if status != tt.wantStatus {
				t.Fatalf("expected %d; got %d: %s", tt.wantStatus, status, raw)
			}
			if status != http.StatusOK {
				return
			}

			resp := decode[verifyResponse](t, raw)
			if !resp.CrashPoint.Equal(decimal.RequireFromString("1.90")) {
				t.Errorf("crash point = %s, want 1.90", resp.CrashPoint)
			}
			if resp.CrashPointValid != tt.wantValid {
				t.Errorf("crash_point_valid = %v, want %v", resp.CrashPointValid, tt.wantValid)
			}
			if resp.CommitmentValid != nil && !*resp.CommitmentValid {
				t.Error("commitment should verify")
			}
		})
	}
}

func TestHistoryAndRound(t *testing.T) {
	env := newTestEnv(t, false)
	ctx := context.Background()

	start := time.Now().Add(-10 * time.Second)
	end := start.Add(3 * time.Second)
	for n := int64(1); n <= 3; n++ {
		r := game.Round{
			RoundNumber:    n,
			Status:         game.StatusCrashed,
			CrashPoint:     decimal.RequireFromString("1.90"),
			ServerSeed:     "seed",
			ServerSeedHash: game.HashCommitment("seed"),
			ClientSeed:     "client",
			Nonce:          n,
			StartTime:      &start,
			EndTime:        &end,
		}
		if err := env.gateway.SaveRound(ctx, r); err != nil {
			t.Fatalf("SaveRound() error = %v", err)
		}
		if err := env.gateway.SaveGameResult(ctx, game.GameResult{
			RoundNumber:    n,
			CrashPoint:     r.CrashPoint,
			StartTime:      start,
			EndTime:        end,
			ServerSeed:     r.ServerSeed,
			ServerSeedHash: r.ServerSeedHash,
			ClientSeed:     r.ClientSeed,
			Nonce:          n,
		}); err != nil {
			t.Fatalf("SaveGameResult() error = %v", err)
		}
	}
	open := game.Round{RoundNumber: 4, Status: game.StatusRunning, ServerSeedHash: "h", CrashPoint: decimal.RequireFromString("5")}
	if err := env.gateway.SaveRound(ctx, open); err != nil {
		t.Fatalf("SaveRound() error = %v", err)
	}

	status, raw := env.do(t, http.MethodGet, "/api/v1/game/history?limit=2", "", "")
	if status != http.StatusOK {
		t.Fatalf("expected status OK; got %d: %s", status, raw)
	}
	history := decode[struct {
		Results []game.GameResult `json:"results"`
	}](t, raw)
	if len(history.Results) != 2 || history.Results[0].RoundNumber != 3 {
		t.Errorf("expected newest two results; got %+v", history.Results)
	}

	if status, _ := env.do(t, http.MethodGet, "/api/v1/game/history?limit=500", "", ""); status != http.StatusBadRequest {
		t.Errorf("expected 400 for oversized limit; got %d", status)
	}

	status, raw = env.do(t, http.MethodGet, "/api/v1/game/rounds/2", "", "")
	if status != http.StatusOK {
		t.Fatalf("expected status OK; got %d: %s", status, raw)
	}
	crashed := decode[map[string]json.RawMessage](t, raw)
	if !strings.Contains(string(crashed["result"]), `"server_seed":"seed"`) {
		t.Errorf("crashed round should reveal its seed: %s", raw)
	}

	_, raw = env.do(t, http.MethodGet, "/api/v1/game/rounds/4", "", "")
	if strings.Contains(string(raw), "server_seed\"") || !strings.Contains(string(raw), `"result":null`) {
		t.Errorf("running round leaked its seed: %s", raw)
	}

	if status, _ := env.do(t, http.MethodGet, "/api/v1/game/rounds/99", "", ""); status != http.StatusNotFound {
		t.Errorf("expected 404; got %d", status)
	}
	if status, _ := env.do(t, http.MethodGet, "/api/v1/game/rounds/abc", "", ""); status != http.StatusBadRequest {
		t.Errorf("expected 400; got %d", status)
	}
}

func TestBalanceHandlers(t *testing.T) {
	env := newTestEnv(t, true)
	token := env.token(t, "player-1")

	status, raw := env.do(t, http.MethodPost, "/api/v1/user/player-1/balance", `{"balance":"125.50"}`, "")
	if status != http.StatusOK {
		t.Fatalf("expected status OK; got %d: %s", status, raw)
	}

	status, raw = env.do(t, http.MethodGet, "/api/v1/user/balance", "", token)
	if status != http.StatusOK {
		t.Fatalf("expected status OK; got %d: %s", status, raw)
	}
	if got := decode[map[string]string](t, raw)["balance"]; got != "125.50" {
		t.Errorf("balance = %s, want 125.50", got)
	}

	// Later requests reuse fiber's buffers; stored user ids must survive them.
	for _, user := range []string{"player-2", "player-3"} {
		if status, raw := env.do(t, http.MethodPost, "/api/v1/user/"+user+"/balance", `{"balance":"7.00"}`, ""); status != http.StatusOK {
			t.Fatalf("set %s balance: status %d: %s", user, status, raw)
		}
	}
	for user, want := range map[string]string{"player-1": "125.50", "player-2": "7.00", "player-3": "7.00"} {
		_, raw := env.do(t, http.MethodGet, "/api/v1/user/balance", "", env.token(t, user))
		if got := decode[map[string]string](t, raw)["balance"]; got != want {
			t.Errorf("%s balance = %s, want %s", user, got, want)
		}
	}

	if status, _ := env.do(t, http.MethodPost, "/api/v1/user/player-1/balance", `{"balance":"1.005"}`, ""); status != http.StatusBadRequest {
		t.Errorf("expected 400 for sub-cent balance; got %d", status)
	}

	prod := newTestEnv(t, false)
	if status, _ := prod.do(t, http.MethodPost, "/api/v1/user/player-1/balance", `{"balance":"1"}`, ""); status == http.StatusOK {
		t.Error("balance endpoint must not exist outside local env")
	}
}

func TestUserBetsHandler(t *testing.T) {
	env := newTestEnv(t, false)
	token := env.token(t, "player-1")

	bet := game.Bet{
		ID:          "b1",
		UserID:      "player-1",
		RoundNumber: 1,
		Amount:      decimal.RequireFromString("10"),
		Status:      game.BetActive,
		PlacedAt:    time.Now(),
	}
	if err := env.gateway.SaveBet(context.Background(), bet); err != nil {
		t.Fatalf("SaveBet() error = %v", err)
	}

	status, raw := env.do(t, http.MethodGet, "/api/v1/user/bets", "", token)
	if status != http.StatusOK {
		t.Fatalf("expected status OK; got %d: %s", status, raw)
	}
	bets := decode[struct {
		Bets []game.Bet `json:"bets"`
	}](t, raw).Bets
	if len(bets) != 1 || bets[0].ID != "b1" {
		t.Errorf("unexpected bets %+v", bets)
	}
}

func listen(t *testing.T, env *testEnv) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go env.server.Listener(ln)
	t.Cleanup(func() { env.server.Shutdown() })
	return ln.Addr().String()
}

func readType(t *testing.T, conn *websocket.Conn, want string) json.RawMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if msg.Type == want {
			return msg.Data
		}
	}
}

func TestWebSocket_RoundTrip(t *testing.T) {
	env := newTestEnv(t, false)
	addr := listen(t, env)

	url := "ws://" + addr + "/ws?token=" + env.token(t, "player-1")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.WriteJSON(map[string]any{"type": "join_room"})
	greeting := decode[game.RoundWaiting](t, readType(t, conn, game.EventRoundWaiting))
	if greeting.RoundNumber != 7 {
		t.Errorf("greeting round = %d, want 7", greeting.RoundNumber)
	}

	conn.WriteJSON(map[string]any{"type": "place_bet", "amount": "10", "auto_cashout": "3"})
	receipt := decode[game.BetReceipt](t, readType(t, conn, replyBetResult))
	if receipt.Bet.UserID != "player-1" {
		t.Errorf("bet placed for %s, want player-1", receipt.Bet.UserID)
	}

	env.game.set(func(f *fakeGame) { f.cashErr = game.ErrInvalidState })
	conn.WriteJSON(map[string]any{"type": "cash_out"})
	if body := decode[errorBody](t, readType(t, conn, replyError)); body.Code != game.CodeInvalidState {
		t.Errorf("error code = %s, want INVALID_STATE", body.Code)
	}

	conn.WriteJSON(map[string]any{"type": "ping"})
	readType(t, conn, replyPong)

	env.hub.Publish(game.MultiplierTick{RoundNumber: 7, Multiplier: decimal.RequireFromString("1.22"), ElapsedMs: 1000})
	tick := decode[game.MultiplierTick](t, readType(t, conn, game.EventMultiplierTick))
	if !tick.Multiplier.Equal(decimal.RequireFromString("1.22")) {
		t.Errorf("tick multiplier = %s, want 1.22", tick.Multiplier)
	}
}

func TestWebSocket_RejectsWithoutToken(t *testing.T) {
	env := newTestEnv(t, false)
	addr := listen(t, env)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 handshake response; got %v", resp)
	}
}
