package app

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/server/handler"
	"github.com/alanyoungcy/updownbot/internal/service"
)

// connectivity is the slice of the price feed the status needs.
type connectivity interface {
	Connected() bool
}

// runtimeStatus is written by the window loop and read by the HTTP server.
type runtimeStatus struct {
	mu      sync.Mutex
	base    handler.Status
	window  domain.Window
	feed    connectivity
	pnl     decimal.Decimal
	lastRes string
	run     int
	bet     int
}

func newRuntimeStatus(mode, coin, interval string, started time.Time) *runtimeStatus {
	return &runtimeStatus{base: handler.Status{
		Mode:      mode,
		Coin:      coin,
		Interval:  interval,
		StartedAt: started.UTC(),
	}}
}

// enter marks win as the active window watched through feed.
func (s *runtimeStatus) enter(win domain.Window, feed connectivity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = win
	s.feed = feed
}

// leave clears the active window and folds res into the totals.
func (s *runtimeStatus) leave(res domain.WindowResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.window = domain.Window{}
	s.feed = nil
	s.run++
	if res.Bets > 0 {
		s.bet++
		s.pnl = s.pnl.Add(res.EstPnL)
	}
	s.lastRes = service.Summary(res)
}

// FeedConnected reports the active window's feed state.
func (s *runtimeStatus) FeedConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feed != nil && s.feed.Connected()
}

// Status implements handler.StatusSource.
func (s *runtimeStatus) Status() handler.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.base
	out.WindowsRun = s.run
	out.WindowsBet = s.bet
	out.TotalEstPnL = s.pnl.StringFixed(2)
	out.LastResult = s.lastRes
	if s.window.Slug != "" {
		end := s.window.EndTime.UTC()
		out.Window = s.window.Slug
		out.WindowEnd = &end
	}
	out.FeedConnected = s.feed != nil && s.feed.Connected()
	return out
}
