// Package sizing turns a target price and a budget (or share count) into
// order parameters the exchange accepts: a tick-aligned price in
// [MinPrice, MaxPrice], a share size with at most four decimals, and a
// notional price*size with at most two decimals.
package sizing

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

const (
	shareScale    = int32(4)
	notionalScale = int32(2)

	// DefaultSearchCents is how far below the budget the notional search goes.
	DefaultSearchCents = 200
)

var (
	MinPrice    = decimal.RequireFromString("0.01")
	MaxPrice    = decimal.RequireFromString("0.99")
	MinShares   = decimal.New(1, -shareScale)
	DefaultTick = decimal.RequireFromString("0.01")

	hundred = decimal.NewFromInt(100)
)

// Intent is a sized order. Exact is false when no exactly representable
// notional was found and the minimum share size was used instead.
type Intent struct {
	Price decimal.Decimal
	Size  decimal.Decimal
	Exact bool
}

// Notional returns price*size.
func (i Intent) Notional() decimal.Decimal {
	return i.Price.Mul(i.Size)
}

// Sizer computes order parameters. The zero value searches DefaultSearchCents.
type Sizer struct {
	SearchCents int
}

// New returns a Sizer searching searchCents below the budget.
func New(searchCents int) Sizer {
	return Sizer{SearchCents: searchCents}
}

// Aggressive sizes an immediate-fill buy: the price is snapped down to the
// tick so the order never pays more than asked.
func (s Sizer) Aggressive(price, budget, tick decimal.Decimal) Intent {
	return s.matchNotional(SnapDown(price, tick), budget)
}

// Passive sizes a resting buy: the price is snapped to the nearest tick so
// an on-tick target is kept as is.
func (s Sizer) Passive(price, budget, tick decimal.Decimal) Intent {
	return s.matchNotional(SnapNearest(price, tick), budget)
}

// Sell sizes a sell of at most shares at price. The share count is reduced
// in 0.0001 steps until price*size is exact at two decimals. It returns
// domain.ErrSizeTooSmall when no positive size qualifies.
func (s Sizer) Sell(price, shares, tick decimal.Decimal) (Intent, error) {
	p := SnapDown(price, tick)
	n := FloorShares(shares).Shift(shareScale).IntPart()
	if n <= 0 {
		return Intent{Price: p}, domain.ErrSizeTooSmall
	}
	q := shareStep(p)
	n -= n % q
	if n <= 0 {
		return Intent{Price: p}, domain.ErrSizeTooSmall
	}
	return Intent{Price: p, Size: decimal.New(n, -shareScale), Exact: true}, nil
}

func (s Sizer) matchNotional(price, budget decimal.Decimal) Intent {
	search := s.SearchCents
	if search <= 0 {
		search = DefaultSearchCents
	}
	budgetCents := MarketNotional(budget).Mul(hundred).IntPart()
	floor := budgetCents - int64(search)
	if floor < 0 {
		floor = 0
	}
	for cents := budgetCents; cents > floor; cents-- {
		maker := decimal.New(cents, -notionalScale)
		size := FloorShares(maker.Div(price))
		if size.IsPositive() && price.Mul(size).Equal(maker) {
			return Intent{Price: price, Size: size, Exact: true}
		}
	}
	return Intent{Price: price, Size: MinShares}
}

// SnapDown floors price to a multiple of tick and clamps it to
// [MinPrice, MaxPrice]. A non-positive tick uses DefaultTick.
func SnapDown(price, tick decimal.Decimal) decimal.Decimal {
	t := normTick(tick)
	return clamp(price.Div(t).Floor().Mul(t))
}

// SnapNearest rounds price to the nearest multiple of tick and clamps it.
func SnapNearest(price, tick decimal.Decimal) decimal.Decimal {
	t := normTick(tick)
	return clamp(price.Div(t).Round(0).Mul(t))
}

// MarketNotional floors a USDC amount to cents.
func MarketNotional(usdc decimal.Decimal) decimal.Decimal {
	return usdc.Truncate(notionalScale)
}

// FloorShares floors a share count to four decimals.
func FloorShares(shares decimal.Decimal) decimal.Decimal {
	if shares.IsNegative() {
		return decimal.Zero
	}
	return shares.Truncate(shareScale)
}

// IsTradable reports whether shares is at least the minimum representable size.
func IsTradable(shares decimal.Decimal) bool {
	return shares.GreaterThanOrEqual(MinShares)
}

// DecimalPlaces returns the number of significant digits after the
// decimal point.
func DecimalPlaces(d decimal.Decimal) int32 {
	var places int32
	for places < 18 && !d.Shift(places).IsInteger() {
		places++
	}
	return places
}

// shareStep returns the smallest share step, in units of 0.0001, for which
// price*size stays exact at two decimals.
func shareStep(price decimal.Decimal) int64 {
	places := DecimalPlaces(price)
	p := price.Shift(places).IntPart()
	mod := pow10(places + notionalScale)
	return mod / gcd(p, mod)
}

func normTick(tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return DefaultTick
	}
	return tick
}

func clamp(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinPrice) {
		return MinPrice
	}
	if p.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return p
}

func pow10(n int32) int64 {
	v := int64(1)
	for i := int32(0); i < n; i++ {
		v *= 10
	}
	return v
}

func gcd(a, b int64) int64 {
	if a < 0 {
		a = -a
	}
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}
