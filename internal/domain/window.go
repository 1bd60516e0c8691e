package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is one of the two complementary tokens of an up/down market.
type Outcome string

const (
	OutcomeUp   Outcome = "UP"
	OutcomeDown Outcome = "DOWN"
)

// Window is one short-lived up/down market, e.g. "btc-updown-5m-1740560400".
type Window struct {
	MarketID    string
	Slug        string
	ConditionID string
	UpTokenID   string
	DownTokenID string
	EndTime     time.Time // zero when the market did not report one
}

// TokenID returns the token id for the given outcome.
func (w Window) TokenID(o Outcome) string {
	if o == OutcomeUp {
		return w.UpTokenID
	}
	return w.DownTokenID
}

// TokenIDs returns both token ids, UP first.
func (w Window) TokenIDs() []string {
	return []string{w.UpTokenID, w.DownTokenID}
}

// CloseReason records why a window's position ended.
type CloseReason string

const (
	CloseReasonTakeProfit   CloseReason = "take_profit_filled"
	CloseReasonStopLoss     CloseReason = "stop_loss_filled"
	CloseReasonTPFallback   CloseReason = "take_profit_fallback"
	CloseReasonSLFallback   CloseReason = "stop_loss_fallback"
	CloseReasonWindowExpiry CloseReason = "window_expired"
	CloseReasonShutdown     CloseReason = "shutdown"
)

// WindowResult summarises one traded (or skipped) window.
type WindowResult struct {
	RunID       string
	Slug        string
	Side        Outcome // empty when no entry happened
	TokenID     string
	Bets        int
	TotalShares decimal.Decimal
	TotalSpent  decimal.Decimal
	AvgPrice    decimal.Decimal
	ExitPrice   decimal.Decimal // zero when the position expired with the window
	EstPnL      decimal.Decimal
	Reason      CloseReason
	StartedAt   time.Time
	ClosedAt    time.Time
}
