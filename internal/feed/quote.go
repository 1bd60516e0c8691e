package feed

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// TightSpread is the widest bid/ask spread for which the arithmetic
	// midpoint is used; wider books fall back to the last trade.
	TightSpread = decimal.RequireFromString("0.02")

	defaultTick = decimal.RequireFromString("0.01")
	two         = decimal.NewFromInt(2)
	one         = decimal.NewFromInt(1)
)

// inUnit reports whether p is a valid outcome price or tick.
func inUnit(p decimal.Decimal) bool {
	return !p.IsNegative() && p.LessThanOrEqual(one)
}

// Quote is a point-in-time copy of one token's price state.
type Quote struct {
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Last      decimal.Decimal
	HasBid    bool
	HasAsk    bool
	HasLast   bool
	TickSize  decimal.Decimal
	TickKnown bool // TickSize came from the market, not the default
	UpdatedAt time.Time
}

// Midpoint derives the display price: the bid/ask mean rounded to four
// decimals when the spread is at most TightSpread, otherwise the last trade,
// otherwise the mean anyway. It reports false when nothing is known.
func (q Quote) Midpoint() (decimal.Decimal, bool) {
	both := q.HasBid && q.HasAsk
	if both && q.Ask.Sub(q.Bid).LessThanOrEqual(TightSpread) {
		return q.mean(), true
	}
	if q.HasLast {
		return q.Last, true
	}
	if both {
		return q.mean(), true
	}
	return decimal.Zero, false
}

func (q Quote) mean() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(two).Round(4)
}

// tokenState is the mutable price state of one token. Fields change only
// under mu.
type tokenState struct {
	mu sync.Mutex
	q  Quote
}

func newTokenState() *tokenState {
	return &tokenState{q: Quote{TickSize: defaultTick}}
}

func (s *tokenState) snapshot() Quote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.q
}

func (s *tokenState) setBook(bid, ask decimal.Decimal, hasBid, hasAsk bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hasBid {
		s.q.Bid, s.q.HasBid = bid, true
	}
	if hasAsk {
		s.q.Ask, s.q.HasAsk = ask, true
	}
	s.q.UpdatedAt = time.Now()
}

func (s *tokenState) setLast(p decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.q.Last, s.q.HasLast = p, true
	s.q.UpdatedAt = time.Now()
}

func (s *tokenState) setTick(t decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.q.TickSize, s.q.TickKnown = t, true
}
