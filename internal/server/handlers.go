package server

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"crashroom/internal/auth"
	"crashroom/internal/game"
	"crashroom/internal/store"
	"crashroom/internal/wallet"
)

const (
	CodeBadRequest game.Code = "BAD_REQUEST"
	CodeNotFound   game.Code = "NOT_FOUND"
)

type errorBody struct {
	Error string    `json:"error"`
	Code  game.Code `json:"code"`
}

type placeBetRequest struct {
	Amount      decimal.Decimal     `json:"amount"`
	AutoCashout decimal.NullDecimal `json:"auto_cashout"`
}

type cashOutRequest struct {
	RoundNumber int64 `json:"round_number"`
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(errorBody{Error: msg, Code: CodeBadRequest})
}

// problem maps an engine error to a status and a body safe to show players.
// Infrastructure faults are logged and reported without detail.
func (s *FiberServer) problem(err error) (int, errorBody) {
	code := game.CodeOf(err)
	switch code {
	case game.CodeInvalidAmount:
		return fiber.StatusBadRequest, errorBody{Error: err.Error(), Code: code}
	case game.CodeInsufficientBalance:
		return fiber.StatusPaymentRequired, errorBody{Error: err.Error(), Code: code}
	case game.CodeInvalidState, game.CodeDuplicateBet, game.CodeAlreadySettled:
		return fiber.StatusConflict, errorBody{Error: err.Error(), Code: code}
	case game.CodeUnavailable:
		return fiber.StatusServiceUnavailable, errorBody{Error: "game is busy, try again", Code: code}
	case game.CodeTimeout:
		return fiber.StatusGatewayTimeout, errorBody{Error: "request timed out", Code: code}
	}
	s.log.Error("command failed", zap.Error(err))
	return fiber.StatusInternalServerError, errorBody{Error: "internal error", Code: game.CodeUnknown}
}

func (s *FiberServer) fail(c *fiber.Ctx, err error) error {
	status, body := s.problem(err)
	return c.Status(status).JSON(body)
}

// Round handlers

func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	state := s.game.Snapshot()
	if state.RoundNumber == 0 {
		return c.Status(fiber.StatusNotFound).JSON(errorBody{Error: "no active game round", Code: CodeNotFound})
	}
	return c.JSON(state)
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var req placeBetRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), COMMAND_TIMEOUT)
	defer cancel()

	receipt, err := s.game.PlaceBet(ctx, game.PlaceBetCommand{
		UserID:      auth.UserID(c),
		Amount:      req.Amount,
		AutoCashout: req.AutoCashout,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(receipt)
}

func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var req cashOutRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), COMMAND_TIMEOUT)
	defer cancel()

	receipt, err := s.game.CashOut(ctx, game.CashOutCommand{
		UserID:      auth.UserID(c),
		RoundNumber: req.RoundNumber,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(receipt)
}

// verifyHandler recomputes a crash point from revealed seeds so players can
// check a round without trusting the server.
func (s *FiberServer) verifyHandler(c *fiber.Ctx) error {
	serverSeed := c.Query("server_seed")
	clientSeed := c.Query("client_seed")
	nonce, err := strconv.ParseInt(c.Query("nonce"), 10, 64)
	if serverSeed == "" || clientSeed == "" || err != nil {
		return badRequest(c, "server_seed, client_seed and a numeric nonce are required")
	}

	resp := fiber.Map{
		"crash_point":      game.CrashPoint(serverSeed, clientSeed, nonce),
		"server_seed_hash": game.HashCommitment(serverSeed),
	}
	if claimed := c.Query("crash_point"); claimed != "" {
		cp, err := decimal.NewFromString(claimed)
		if err != nil {
			return badRequest(c, "crash_point must be a decimal")
		}
		resp["crash_point_valid"] = game.VerifyRound(serverSeed, clientSeed, nonce, cp)
	}
	if commitment := c.Query("commitment"); commitment != "" {
		resp["commitment_valid"] = game.VerifyCommitment(serverSeed, commitment)
	}
	return c.JSON(resp)
}

func (s *FiberServer) historyHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", DEFAULT_HISTORY_LIMIT)
	if limit < 1 || limit > s.historyLimit {
		return badRequest(c, "limit must be between 1 and "+strconv.Itoa(s.historyLimit))
	}

	results, err := s.history.Recent(c.UserContext(), limit)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(errorBody{Error: "history unavailable", Code: game.CodeUnavailable})
	}
	return c.JSON(fiber.Map{"results": results})
}

func (s *FiberServer) getRoundHandler(c *fiber.Ctx) error {
	number, err := c.ParamsInt("number")
	if err != nil || number < 1 {
		return badRequest(c, "round number must be a positive integer")
	}

	round, result, err := s.history.Round(c.UserContext(), int64(number))
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(errorBody{Error: "round not found", Code: CodeNotFound})
	}
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(errorBody{Error: "history unavailable", Code: game.CodeUnavailable})
	}
	return c.JSON(fiber.Map{"round": round, "result": result})
}

// User handlers

func (s *FiberServer) getBalanceHandler(c *fiber.Ctx) error {
	userID := auth.UserID(c)
	balance, err := s.wallet.Balance(c.UserContext(), userID)
	if err != nil {
		s.log.Error("read balance", zap.String("user", userID), zap.Error(err))
		return c.Status(fiber.StatusServiceUnavailable).JSON(errorBody{Error: "wallet unavailable", Code: game.CodeUnavailable})
	}
	return c.JSON(fiber.Map{
		"user_id": userID,
		"balance": balance.StringFixed(2),
	})
}

func (s *FiberServer) getUserBetsHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", DEFAULT_HISTORY_LIMIT)
	if limit < 1 || limit > s.historyLimit {
		return badRequest(c, "limit must be between 1 and "+strconv.Itoa(s.historyLimit))
	}

	bets, err := s.history.UserBets(c.UserContext(), auth.UserID(c), limit)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(errorBody{Error: "history unavailable", Code: game.CodeUnavailable})
	}
	return c.JSON(fiber.Map{"bets": bets})
}

// setBalanceHandler sets a user's balance (dev tooling only)
func (s *FiberServer) setBalanceHandler(c *fiber.Ctx) error {
	// Params are only valid for the request; the wallet may keep the id.
	userID := utils.CopyString(c.Params("userId"))
	if userID == "" {
		return badRequest(c, "user id is required")
	}

	var body struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := c.BodyParser(&body); err != nil {
		return badRequest(c, "invalid request body")
	}

	if err := s.wallet.SetBalance(c.UserContext(), userID, body.Balance); err != nil {
		if errors.Is(err, wallet.ErrInvalidAmount) {
			return c.Status(fiber.StatusBadRequest).JSON(errorBody{Error: err.Error(), Code: game.CodeInvalidAmount})
		}
		s.log.Error("set balance", zap.String("user", userID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(errorBody{Error: "failed to set balance", Code: game.CodeUnknown})
	}

	return c.JSON(fiber.Map{
		"user_id": userID,
		"balance": body.Balance.StringFixed(2),
		"message": "Balance updated successfully",
	})
}
