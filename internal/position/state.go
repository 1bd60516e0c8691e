package position

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// State is a phase of the position lifecycle.
type State string

const (
	StateWaitingToArm State = "WAITING_TO_ARM"
	StateArmed        State = "ARMED"
	StateInPosition   State = "IN_POSITION"
	StateClosed       State = "CLOSED"
)

// Position is the mutable state of one window. Side and TokenID are locked
// at the first buy and never change afterwards.
type Position struct {
	State         State
	Side          domain.Outcome
	TokenID       string
	EntryPrice    decimal.Decimal
	LastBetPrice  decimal.Decimal
	AvgPrice      decimal.Decimal
	TotalShares   decimal.Decimal
	TotalSpent    decimal.Decimal
	StopLoss      *decimal.Decimal // effective stop-loss, nil when disabled
	Bets          int
	TakeProfitID  string
	StopLossID    string
	ExitPrice     decimal.Decimal
	CloseReason   domain.CloseReason
	ticksToStatus int
}

// reset returns to WAITING_TO_ARM with nothing held.
func (p *Position) reset() {
	*p = Position{State: StateWaitingToArm}
}

// applyFill adds a buy to the position and recomputes the average price and
// the effective stop-loss.
func (p *Position) applyFill(cfg Config, price, spent, shares, tick decimal.Decimal) {
	p.TotalShares = p.TotalShares.Add(shares)
	p.TotalSpent = p.TotalSpent.Add(spent)
	if p.TotalShares.IsPositive() {
		p.AvgPrice = p.TotalSpent.Div(p.TotalShares)
	} else {
		p.AvgPrice = price
	}
	p.StopLoss = effectiveStopLoss(cfg, p.AvgPrice, tick)
	p.LastBetPrice = price
	p.Bets++
	p.State = StateInPosition
}

// effectiveStopLoss derives the stop-loss for avg. Break-even sits one tick
// below the average, so a triggered sale at that level loses at most one
// tick per share.
func effectiveStopLoss(cfg Config, avg, tick decimal.Decimal) *decimal.Decimal {
	var sl decimal.Decimal
	switch cfg.Mode() {
	case StopLossDisabled:
		return nil
	case StopLossOffset:
		sl = avg.Sub(*cfg.StopLossOffset).Round(4)
	case StopLossFixed:
		sl = *cfg.StopLoss
	default:
		if !tick.IsPositive() {
			tick = decimal.RequireFromString("0.01")
		}
		sl = avg.Sub(tick).Round(4)
	}
	return &sl
}

// EstPnL estimates the profit of selling every share at exit.
func (p *Position) EstPnL(exit decimal.Decimal) decimal.Decimal {
	return exit.Sub(p.AvgPrice).Mul(p.TotalShares)
}
