package server

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"crashroom/internal/auth"
	"crashroom/internal/game"
	"crashroom/internal/store"
	"crashroom/internal/wallet"
)

const (
	COMMAND_TIMEOUT       = 2 * time.Second
	DEFAULT_HISTORY_LIMIT = 20
)

// Game is the part of the round engine the transport layer drives.
type Game interface {
	PlaceBet(ctx context.Context, cmd game.PlaceBetCommand) (game.BetReceipt, error)
	CashOut(ctx context.Context, cmd game.CashOutCommand) (game.CashOutReceipt, error)
	Snapshot() game.Snapshot
}

// Rooms is where websocket clients subscribe to round events.
type Rooms interface {
	Subscribe(sub game.Subscriber)
	Unsubscribe(sub game.Subscriber)
	ClientCount() int
}

type HealthChecker interface {
	Health() map[string]string
}

type Deps struct {
	Game    Game
	Rooms   Rooms
	History *store.History
	Wallet  wallet.Store
	Tokens  *auth.Tokens
	Checks  map[string]HealthChecker
	Log     *zap.Logger

	// Local enables the balance-setting endpoint used by dev tooling.
	Local        bool
	HistoryLimit int
}

type FiberServer struct {
	*fiber.App

	game    Game
	rooms   Rooms
	history *store.History
	wallet  wallet.Store
	tokens  *auth.Tokens
	checks  map[string]HealthChecker
	log     *zap.Logger

	local        bool
	historyLimit int
}

func New(d Deps) *FiberServer {
	if d.HistoryLimit <= 0 {
		d.HistoryLimit = DEFAULT_HISTORY_LIMIT
	}

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crashroom",
			AppName:       "crashroom",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
		}),

		game:         d.Game,
		rooms:        d.Rooms,
		history:      d.History,
		wallet:       d.Wallet,
		tokens:       d.Tokens,
		checks:       d.Checks,
		log:          d.Log.Named("http"),
		local:        d.Local,
		historyLimit: d.HistoryLimit,
	}

	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        100,
		Expiration: 1 * time.Minute,
		// Only player commands are limited.
		Next: func(c *fiber.Ctx) bool {
			switch c.Path() {
			case "/ws", "/metrics", "/health":
				return true
			}
			return false
		},
	}))

	return server
}
