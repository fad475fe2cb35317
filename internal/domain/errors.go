package domain

import "errors"

// Market engine errors. Every one of them leaves the market untouched.
var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrMarketClosed      = errors.New("market closed")
	ErrNotYetExpired     = errors.New("market not yet expired")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrAlreadyResolved   = errors.New("market already resolved")
	ErrMarketNotResolved = errors.New("market not resolved")
	ErrAlreadyClaimed    = errors.New("bet already claimed")
	ErrInvalidSide       = errors.New("invalid side")
	ErrInvalidOutcome    = errors.New("invalid outcome")
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotVerified   = errors.New("creator not verified")
	ErrRateLimited   = errors.New("rate limited")
	ErrLockHeld      = errors.New("lock already held")
)
