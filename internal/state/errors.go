package state

import "errors"

// Typed failure taxonomy returned to callers. Every failed operation leaves
// all records untouched; the caller owns retry policy. Arithmetic errors
// (overflow, division by zero) are defined alongside the math utility.
var (
	ErrInvalidParameter      = errors.New("invalid parameter")
	ErrVaultFrozen           = errors.New("vault frozen")
	ErrProtocolPaused        = errors.New("protocol paused")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrLimitExceeded         = errors.New("limit exceeded")
	ErrLeverageOutOfBounds   = errors.New("leverage out of bounds")
	ErrSlippageExceeded      = errors.New("slippage exceeded")
	ErrRepaymentShortfall    = errors.New("repayment shortfall")
	ErrInvalidPositionState  = errors.New("invalid position state")
	ErrUnauthorized          = errors.New("unauthorized")
)
