package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrSigningFailed = errors.New("signing failed")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")

	// ErrLiquidity means a fill-or-kill order found too little resting
	// liquidity to fill completely.
	ErrLiquidity = errors.New("insufficient liquidity for full fill")
	// ErrSizeTooSmall means sizing produced a quantity below the smallest
	// representable share amount.
	ErrSizeTooSmall = errors.New("size below minimum representable amount")
	// ErrFeedExhausted means the price feed gave up reconnecting.
	ErrFeedExhausted = errors.New("feed reconnect attempts exhausted")
	// ErrNoPrice means neither the feed nor the REST fallback produced a price.
	ErrNoPrice = errors.New("no price available")
)
