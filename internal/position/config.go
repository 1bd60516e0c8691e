package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StopLossMode names how the effective stop-loss is derived from a fill.
type StopLossMode string

const (
	StopLossOffset    StopLossMode = "offset"     // avg price minus a fixed offset
	StopLossFixed     StopLossMode = "fixed"      // a fixed absolute price
	StopLossBreakEven StopLossMode = "break_even" // avg price minus one tick
	StopLossDisabled  StopLossMode = "disabled"
)

// Config is the strategy configuration of one machine. It is copied on
// construction and never changes afterwards.
type Config struct {
	EntryPrice      decimal.Decimal
	AmountPerBet    decimal.Decimal
	TakeProfit      decimal.Decimal
	BetStep         *decimal.Decimal // nil disables DCA
	StopLoss        *decimal.Decimal // fixed stop-loss price
	StopLossOffset  *decimal.Decimal // dynamic offset below the average
	UseStopLoss     bool
	StatusPollEvery int // ticks between bracket status polls
	PollInterval    time.Duration
}

// Mode returns the stop-loss mode in priority order: offset, fixed, then
// break-even.
func (c Config) Mode() StopLossMode {
	switch {
	case !c.UseStopLoss:
		return StopLossDisabled
	case c.StopLossOffset != nil:
		return StopLossOffset
	case c.StopLoss != nil:
		return StopLossFixed
	default:
		return StopLossBreakEven
	}
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	inRange := func(name string, v decimal.Decimal) {
		if v.LessThanOrEqual(decimal.Zero) || v.GreaterThanOrEqual(decimal.NewFromInt(1)) {
			errs = append(errs, fmt.Errorf("%s must be in (0, 1), got %s", name, v))
		}
	}
	inRange("entry_price", c.EntryPrice)
	inRange("take_profit", c.TakeProfit)
	if !c.AmountPerBet.IsPositive() {
		errs = append(errs, fmt.Errorf("amount_per_bet must be positive, got %s", c.AmountPerBet))
	}
	if c.BetStep != nil && !c.BetStep.IsPositive() {
		errs = append(errs, fmt.Errorf("bet_step must be positive, got %s", *c.BetStep))
	}
	if c.StopLoss != nil {
		inRange("stop_loss", *c.StopLoss)
	}
	if c.StopLossOffset != nil && !c.StopLossOffset.IsPositive() {
		errs = append(errs, fmt.Errorf("stop_loss_offset must be positive, got %s", *c.StopLossOffset))
	}
	if c.StatusPollEvery <= 0 {
		errs = append(errs, fmt.Errorf("status_poll_every must be positive, got %d", c.StatusPollEvery))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if len(errs) > 0 {
		return fmt.Errorf("position: invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// clone deep-copies the optional fields so callers cannot mutate them later.
func (c Config) clone() Config {
	c.BetStep = copyDec(c.BetStep)
	c.StopLoss = copyDec(c.StopLoss)
	c.StopLossOffset = copyDec(c.StopLossOffset)
	return c
}

func copyDec(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}
