package server

import "crashroom/internal/auth"

// RegisterGameRoutes registers the round, betting and verification routes.
func (s *FiberServer) RegisterGameRoutes() {
	g := s.App.Group("/api/v1/game")

	g.Get("/state", s.getGameStateHandler)
	g.Get("/verify", s.verifyHandler)
	g.Get("/history", s.historyHandler)
	g.Get("/rounds/:number", s.getRoundHandler)

	g.Post("/bet", auth.Required(s.tokens), s.placeBetHandler)
	g.Post("/cashout", auth.Required(s.tokens), s.cashoutHandler)
}
