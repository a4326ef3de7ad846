package server

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"

	"crashroom/internal/auth"
	"crashroom/internal/metrics"
)

func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Accept,Authorization,Content-Type",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)
	s.App.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	s.RegisterGameRoutes()

	user := s.App.Group("/api/v1/user")
	user.Get("/balance", auth.Required(s.tokens), s.getBalanceHandler)
	user.Get("/bets", auth.Required(s.tokens), s.getUserBetsHandler)
	if s.local {
		user.Post("/:userId/balance", s.setBalanceHandler)
	}

	s.App.Get("/ws", auth.Required(s.tokens), upgradeOnly, websocket.New(s.websocketHandler))
}

func upgradeOnly(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{
		"game": fiber.Map{
			"status":            "running",
			"round_number":      s.game.Snapshot().RoundNumber,
			"connected_clients": s.rooms.ClientCount(),
		},
	}

	status := fiber.StatusOK
	for name, check := range s.checks {
		report := check.Health()
		if report["status"] != "up" {
			status = fiber.StatusServiceUnavailable
		}
		health[name] = report
	}
	return c.Status(status).JSON(health)
}
