package game

import (
	"context"
	"errors"
)

var (
	ErrInvalidState        = errors.New("command not valid in the current round phase")
	ErrDuplicateBet        = errors.New("user already has a bet this round")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadySettled      = errors.New("bet already settled")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrEngineBusy          = errors.New("engine queue full")
	ErrEngineStopped       = errors.New("engine stopped")
)

// Code is the machine-readable form of an error sent to clients.
type Code string

const (
	CodeInvalidState        Code = "INVALID_STATE"
	CodeDuplicateBet        Code = "DUPLICATE_BET"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeAlreadySettled      Code = "ALREADY_SETTLED"
	CodeInvalidAmount       Code = "INVALID_AMOUNT"
	CodeUnavailable         Code = "UNAVAILABLE"
	CodeTimeout             Code = "TIMEOUT"
	CodeUnknown             Code = "UNKNOWN"
)

func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	case errors.Is(err, ErrDuplicateBet):
		return CodeDuplicateBet
	case errors.Is(err, ErrInsufficientBalance):
		return CodeInsufficientBalance
	case errors.Is(err, ErrAlreadySettled):
		return CodeAlreadySettled
	case errors.Is(err, ErrInvalidAmount):
		return CodeInvalidAmount
	case errors.Is(err, ErrEngineBusy), errors.Is(err, ErrEngineStopped):
		return CodeUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CodeTimeout
	default:
		return CodeUnknown
	}
}

// IsGameplay reports whether err is a rejection the player caused, as opposed
// to an infrastructure fault.
func IsGameplay(err error) bool {
	switch CodeOf(err) {
	case CodeInvalidState, CodeDuplicateBet, CodeInsufficientBalance, CodeAlreadySettled, CodeInvalidAmount:
		return true
	}
	return false
}
