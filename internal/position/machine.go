// Package position runs the per-window state machine: it arms on a dip
// below the entry price, buys the first side to reach it, keeps a bracket of
// resting exits in place, adds to the position on a price ladder and closes
// on a detected exit fill, a manual fallback sale or window expiry.
package position

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/executor"
	"github.com/alanyoungcy/updownbot/internal/metrics"
)

// shutdownCancelTimeout bounds the cancels issued after ctx is done.
const shutdownCancelTimeout = 5 * time.Second

// PriceSource is the streaming side of price data.
type PriceSource interface {
	Midpoint(tokenID string) (decimal.Decimal, bool)
	// TickSize reports false while the tick is still the default.
	TickSize(tokenID string) (decimal.Decimal, bool)
	Connected() bool
}

// Market is the point-in-time REST side of market data.
type Market interface {
	Midpoint(ctx context.Context, tokenID string) (decimal.Decimal, error)
	TickSize(ctx context.Context, tokenID string) decimal.Decimal
	Balance(ctx context.Context, tokenID string) (decimal.Decimal, error)
}

// Executor places and cancels orders for the machine.
type Executor interface {
	PlaceBuy(ctx context.Context, tokenID string, price, budget, tick decimal.Decimal) (domain.Fill, bool)
	PlaceSellBracket(ctx context.Context, tokenID string, shares, tp decimal.Decimal, sl *decimal.Decimal, tick decimal.Decimal) executor.BracketPair
	PlaceSellImmediate(ctx context.Context, tokenID string, shares, price, tick decimal.Decimal) (domain.OrderResult, bool)
	CancelAll(ctx context.Context) error
	CancelExcept(ctx context.Context, keep ...string) error
	IsResting(ctx context.Context, orderID string) (bool, error)
}

// Machine trades one window. It is driven by a single goroutine and is not
// safe for concurrent use.
type Machine struct {
	cfg    Config
	win    domain.Window
	prices PriceSource
	market Market
	exec   Executor
	logger *slog.Logger
	now    func() time.Time

	onFill func(ctx context.Context, pos Position)

	runID    string
	pos      Position
	ticks    map[string]decimal.Decimal // REST tick sizes by token
	started  time.Time
	closedAt time.Time
}

// New returns a machine for win. cfg is copied; later changes by the caller
// have no effect.
func New(cfg Config, win domain.Window, prices PriceSource, market Market, exec Executor, logger *slog.Logger) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Machine{
		cfg:    cfg.clone(),
		win:    win,
		prices: prices,
		market: market,
		exec:   exec,
		now:    time.Now,
		runID:  uuid.NewString(),
		ticks:  make(map[string]decimal.Decimal, 2),
	}
	m.logger = logger.With(
		slog.String("component", "position"),
		slog.String("slug", win.Slug),
		slog.String("run_id", m.runID),
	)
	m.pos.reset()
	return m, nil
}

// OnFill registers fn to run on the machine's goroutine after every entry
// or DCA fill, once the brackets are in place.
func (m *Machine) OnFill(fn func(ctx context.Context, pos Position)) {
	m.onFill = fn
}

// Position returns a copy of the current state.
func (m *Machine) Position() Position {
	p := m.pos
	p.StopLoss = copyDec(m.pos.StopLoss)
	return p
}

// Bootstrap reads the REST tick size of both tokens. The feed overrides
// them once it has seen a tick_size_change.
func (m *Machine) Bootstrap(ctx context.Context) {
	m.started = m.now()
	for _, id := range m.win.TokenIDs() {
		m.ticks[id] = m.market.TickSize(ctx, id)
	}
	m.logger.InfoContext(ctx, "window started",
		slog.String("entry", m.cfg.EntryPrice.String()),
		slog.String("amount", m.cfg.AmountPerBet.String()),
		slog.String("take_profit", m.cfg.TakeProfit.String()),
		slog.String("stop_loss_mode", string(m.cfg.Mode())),
		slog.Time("end", m.win.EndTime),
	)
}

// Run ticks every PollInterval until the position closes or ctx is done.
// On cancellation the live exits of an open position are left resting and
// every other tracked order is cancelled.
func (m *Machine) Run(ctx context.Context) (domain.WindowResult, error) {
	if m.started.IsZero() {
		m.Bootstrap(ctx)
	}
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if m.safeTick(ctx) {
			return m.Result(), nil
		}
		select {
		case <-ctx.Done():
			m.shutdown(ctx)
			return m.Result(), ctx.Err()
		case <-ticker.C:
		}
	}
}

// shutdown closes the window early. Held shares keep their take-profit and
// stop-loss orders once the process is gone.
func (m *Machine) shutdown(ctx context.Context) {
	var keep []string
	if m.pos.State == StateInPosition {
		for _, id := range []string{m.pos.TakeProfitID, m.pos.StopLossID} {
			if id != "" {
				keep = append(keep, id)
			}
		}
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownCancelTimeout)
	defer cancel()
	if err := m.exec.CancelExcept(cctx, keep...); err != nil {
		m.logger.WarnContext(cctx, "cancel on shutdown", slog.String("error", err.Error()))
	}

	m.close(domain.CloseReasonShutdown, decimal.Zero)
	m.logger.Warn("window interrupted by shutdown",
		slog.Any("left_resting", keep),
	)
}

func (m *Machine) safeTick(ctx context.Context) (done bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.ErrorContext(ctx, "tick panicked", slog.String("panic", fmt.Sprint(r)))
			done = false
		}
	}()
	return m.Tick(ctx)
}

// Tick advances the machine by one step and reports whether it is closed.
func (m *Machine) Tick(ctx context.Context) bool {
	if m.pos.State == StateClosed {
		return true
	}
	if !m.win.EndTime.IsZero() && !m.now().Before(m.win.EndTime) {
		m.expire(ctx)
		return true
	}

	up, down, ok := m.readPrices(ctx)
	if !ok {
		return false
	}

	switch m.pos.State {
	case StateWaitingToArm:
		m.arm(ctx, up, down)
	case StateArmed:
		m.enter(ctx, up, down)
	case StateInPosition:
		cp := up
		if m.pos.Side == domain.OutcomeDown {
			cp = down
		}
		m.manage(ctx, cp)
	}
	return m.pos.State == StateClosed
}

func (m *Machine) arm(ctx context.Context, up, down decimal.Decimal) {
	if up.LessThan(m.cfg.EntryPrice) && down.LessThan(m.cfg.EntryPrice) {
		m.pos.State = StateArmed
		m.logger.InfoContext(ctx, "entry armed",
			slog.String("up", up.String()),
			slog.String("down", down.String()),
		)
	}
}

func (m *Machine) enter(ctx context.Context, up, down decimal.Decimal) {
	var side domain.Outcome
	var price decimal.Decimal
	switch {
	case up.GreaterThanOrEqual(m.cfg.EntryPrice):
		side, price = domain.OutcomeUp, up
	case down.GreaterThanOrEqual(m.cfg.EntryPrice):
		side, price = domain.OutcomeDown, down
	default:
		return
	}

	m.pos.Side = side
	m.pos.TokenID = m.win.TokenID(side)
	m.pos.EntryPrice = price
	tick := m.tick(m.pos.TokenID)
	m.logger.InfoContext(ctx, "entry triggered",
		slog.String("side", string(side)),
		slog.String("price", price.String()),
	)

	fill, ok := m.exec.PlaceBuy(ctx, m.pos.TokenID, price, m.cfg.AmountPerBet, tick)
	if !ok {
		m.logger.WarnContext(ctx, "entry buy failed, waiting for a new dip", slog.String("side", string(side)))
		m.pos.reset()
		return
	}
	m.fill(ctx, price, fill, tick)
}

func (m *Machine) fill(ctx context.Context, price decimal.Decimal, fill domain.Fill, tick decimal.Decimal) {
	m.pos.applyFill(m.cfg, price, fill.Spent, fill.Shares, tick)
	metrics.PositionBets.WithLabelValues(string(m.pos.Side)).Inc()

	sl := "none"
	if m.pos.StopLoss != nil {
		sl = m.pos.StopLoss.String()
	}
	m.logger.InfoContext(ctx, "bet filled",
		slog.Int("bet", m.pos.Bets),
		slog.String("side", string(m.pos.Side)),
		slog.String("price", price.String()),
		slog.String("shares", fill.Shares.String()),
		slog.String("spent", fill.Spent.String()),
		slog.String("avg", m.pos.AvgPrice.StringFixed(4)),
		slog.String("stop_loss", sl),
	)
	m.placeBrackets(ctx, tick)
	if m.onFill != nil {
		m.onFill(ctx, m.Position())
	}
}

// placeBrackets replaces the resting exits, sized against the real balance
// when the positions API reports one.
func (m *Machine) placeBrackets(ctx context.Context, tick decimal.Decimal) {
	shares := m.pos.TotalShares
	if bal, err := m.market.Balance(ctx, m.pos.TokenID); err != nil {
		m.logger.DebugContext(ctx, "balance unavailable, using tracked shares", slog.String("error", err.Error()))
	} else if bal.IsPositive() && bal.LessThan(shares) {
		m.logger.WarnContext(ctx, "tracked shares exceed balance",
			slog.String("tracked", shares.String()),
			slog.String("balance", bal.String()),
		)
		shares = bal
	}

	pair := m.exec.PlaceSellBracket(ctx, m.pos.TokenID, shares, m.cfg.TakeProfit, m.pos.StopLoss, tick)
	m.pos.TakeProfitID = pair.TakeProfitID
	m.pos.StopLossID = pair.StopLossID
	m.pos.ticksToStatus = 0

	if pair.TakeProfitID == "" {
		m.logger.WarnContext(ctx, "take-profit order missing, watching price instead")
	}
	if m.pos.StopLoss != nil && pair.StopLossID == "" {
		m.logger.WarnContext(ctx, "stop-loss order missing, watching price instead")
	}
	if len(pair.Stale) > 0 {
		m.logger.WarnContext(ctx, "replaced exits still resting", slog.Int("count", len(pair.Stale)))
	}
}

func (m *Machine) manage(ctx context.Context, cp decimal.Decimal) {
	tick := m.tick(m.pos.TokenID)
	m.logger.DebugContext(ctx, "holding",
		slog.String("side", string(m.pos.Side)),
		slog.String("price", cp.String()),
		slog.String("avg", m.pos.AvgPrice.StringFixed(4)),
		slog.String("shares", m.pos.TotalShares.String()),
	)

	m.pos.ticksToStatus++
	if m.pos.ticksToStatus >= m.cfg.StatusPollEvery {
		m.pos.ticksToStatus = 0
		if m.pollBrackets(ctx) {
			return
		}
	}

	if m.pos.TakeProfitID == "" && cp.GreaterThanOrEqual(m.cfg.TakeProfit) {
		m.logger.InfoContext(ctx, "take profit reached without a resting order, selling",
			slog.String("price", cp.String()))
		if m.sellAll(ctx, cp, tick) {
			m.close(domain.CloseReasonTPFallback, cp)
			return
		}
	}

	if m.cfg.UseStopLoss && m.pos.StopLossID == "" && m.pos.StopLoss != nil && cp.LessThanOrEqual(*m.pos.StopLoss) {
		m.logger.InfoContext(ctx, "stop loss reached without a resting order, selling",
			slog.String("price", cp.String()),
			slog.String("stop_loss", m.pos.StopLoss.String()),
			slog.String("mode", string(m.cfg.Mode())),
		)
		if m.sellAll(ctx, cp, tick) {
			m.close(domain.CloseReasonSLFallback, cp)
			return
		}
	}

	if m.cfg.BetStep != nil {
		next := m.pos.LastBetPrice.Add(*m.cfg.BetStep).Round(4)
		if cp.GreaterThanOrEqual(next) {
			m.logger.InfoContext(ctx, "dca step reached",
				slog.Int("bet", m.pos.Bets+1),
				slog.String("price", cp.String()),
				slog.String("trigger", next.String()),
			)
			fill, ok := m.exec.PlaceBuy(ctx, m.pos.TokenID, cp, m.cfg.AmountPerBet, tick)
			if !ok {
				m.logger.WarnContext(ctx, "dca buy failed, retrying next tick")
				return
			}
			m.fill(ctx, cp, fill, tick)
		}
	}
}

// pollBrackets checks the resting exits. An exit the exchange reports as no
// longer resting is taken as filled: the orphaned leg is cancelled and the
// position closed without another sale. A failed status query leaves the
// brackets alone until the next poll.
func (m *Machine) pollBrackets(ctx context.Context) bool {
	if m.pos.TakeProfitID != "" && m.filled(ctx, m.pos.TakeProfitID) {
		m.logger.InfoContext(ctx, "take-profit order filled", slog.String("order_id", m.pos.TakeProfitID))
		m.cancelAll(ctx)
		m.close(domain.CloseReasonTakeProfit, m.cfg.TakeProfit)
		return true
	}
	if m.cfg.UseStopLoss && m.pos.StopLossID != "" && m.filled(ctx, m.pos.StopLossID) {
		m.logger.InfoContext(ctx, "stop-loss order filled", slog.String("order_id", m.pos.StopLossID))
		m.cancelAll(ctx)
		exit := decimal.Zero
		if m.pos.StopLoss != nil {
			exit = *m.pos.StopLoss
		}
		m.close(domain.CloseReasonStopLoss, exit)
		return true
	}
	return false
}

// filled reports whether orderID is known to have left the book.
func (m *Machine) filled(ctx context.Context, orderID string) bool {
	resting, err := m.exec.IsResting(ctx, orderID)
	if err != nil {
		m.logger.WarnContext(ctx, "exit status unknown, keeping brackets",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()))
		return false
	}
	return !resting
}

// sellAll cancels every resting exit and sells the real balance, falling
// back to the tracked share count when the balance is unknown.
func (m *Machine) sellAll(ctx context.Context, cp, tick decimal.Decimal) bool {
	m.cancelAll(ctx)
	m.pos.TakeProfitID, m.pos.StopLossID = "", ""

	shares := m.pos.TotalShares
	if bal, err := m.market.Balance(ctx, m.pos.TokenID); err == nil && bal.IsPositive() {
		shares = bal
	}
	if _, ok := m.exec.PlaceSellImmediate(ctx, m.pos.TokenID, shares, cp, tick); !ok {
		m.logger.ErrorContext(ctx, "fallback sell failed, retrying next tick")
		return false
	}
	return true
}

func (m *Machine) expire(ctx context.Context) {
	m.logger.InfoContext(ctx, "window expired", slog.String("state", string(m.pos.State)))
	m.cancelAll(ctx)
	m.close(domain.CloseReasonWindowExpiry, decimal.Zero)
}

func (m *Machine) cancelAll(ctx context.Context) {
	if err := m.exec.CancelAll(ctx); err != nil {
		m.logger.WarnContext(ctx, "cancel all", slog.String("error", err.Error()))
	}
}

func (m *Machine) close(reason domain.CloseReason, exit decimal.Decimal) {
	m.pos.State = StateClosed
	m.pos.CloseReason = reason
	m.pos.ExitPrice = exit
	m.closedAt = m.now()
	metrics.PositionCloses.WithLabelValues(string(reason)).Inc()

	attrs := []any{slog.String("reason", string(reason)), slog.Int("bets", m.pos.Bets)}
	if m.pos.Bets > 0 && exit.IsPositive() {
		attrs = append(attrs, slog.String("est_pnl", m.pos.EstPnL(exit).StringFixed(2)))
	}
	m.logger.Info("position closed", attrs...)
}

// readPrices returns both midpoints, feed first, REST per token when the
// feed has none.
func (m *Machine) readPrices(ctx context.Context) (up, down decimal.Decimal, ok bool) {
	up, okUp := m.price(ctx, m.win.UpTokenID)
	down, okDown := m.price(ctx, m.win.DownTokenID)
	if !okUp || !okDown {
		m.logger.DebugContext(ctx, "prices unavailable, skipping tick", slog.Bool("feed_connected", m.prices.Connected()))
		return up, down, false
	}
	return up, down, true
}

func (m *Machine) price(ctx context.Context, tokenID string) (decimal.Decimal, bool) {
	if mid, ok := m.prices.Midpoint(tokenID); ok {
		return mid, true
	}
	mid, err := m.market.Midpoint(ctx, tokenID)
	if err != nil {
		return decimal.Zero, false
	}
	return mid, true
}

// tick prefers a tick size the feed learned from the market over the REST
// bootstrap value.
func (m *Machine) tick(tokenID string) decimal.Decimal {
	if t, known := m.prices.TickSize(tokenID); known {
		m.ticks[tokenID] = t
		return t
	}
	if t, ok := m.ticks[tokenID]; ok && t.IsPositive() {
		return t
	}
	return decimal.RequireFromString("0.01")
}

// Result summarises the window so far.
func (m *Machine) Result() domain.WindowResult {
	res := domain.WindowResult{
		RunID:       m.runID,
		Slug:        m.win.Slug,
		Side:        m.pos.Side,
		TokenID:     m.pos.TokenID,
		Bets:        m.pos.Bets,
		TotalShares: m.pos.TotalShares,
		TotalSpent:  m.pos.TotalSpent,
		AvgPrice:    m.pos.AvgPrice,
		ExitPrice:   m.pos.ExitPrice,
		Reason:      m.pos.CloseReason,
		StartedAt:   m.started,
		ClosedAt:    m.closedAt,
	}
	if m.pos.Bets > 0 && m.pos.ExitPrice.IsPositive() {
		res.EstPnL = m.pos.EstPnL(m.pos.ExitPrice)
	}
	return res
}
