// Package executor turns buy and sell decisions into exchange-legal orders
// and walks the configured fallback chain between order styles.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/metrics"
	"github.com/alanyoungcy/updownbot/internal/sizing"
)

// Exchange is the order capability the executor needs. The service gateway
// implements it by signing, posting and recording each request.
type Exchange interface {
	Post(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error)
	Cancel(ctx context.Context, orderID string) error
	OrderStatus(ctx context.Context, orderID string) (string, error)
}

// Order reasons recorded with each request.
const (
	ReasonBuy           = "buy"
	ReasonTakeProfit    = "take_profit"
	ReasonStopLoss      = "stop_loss"
	ReasonSellImmediate = "sell_immediate"
)

// staleCancelAttempts bounds the re-cancel loop for a replaced bracket order
// that still reports as resting.
const staleCancelAttempts = 3

var errRejected = errors.New("order rejected")

// Config selects order styles and fallbacks.
type Config struct {
	BuyType        domain.OrderType
	GTCTimeout     time.Duration // 0 keeps resting orders until cancelled
	FOKGTCFallback bool
	TrackerScan    time.Duration
	SearchCents    int
	VerifyDelay    time.Duration // pause between stale bracket re-checks
}

// BracketPair holds the resting exit orders covering one position. Stale
// lists replaced orders that could not be confirmed cancelled; they stay in
// the tracker until CancelAll.
type BracketPair struct {
	TakeProfitID string
	StopLossID   string
	Stale        []string
}

// Empty reports whether neither leg was placed.
func (b BracketPair) Empty() bool {
	return b.TakeProfitID == "" && b.StopLossID == ""
}

func (b BracketPair) ids() []string {
	var ids []string
	if b.TakeProfitID != "" {
		ids = append(ids, b.TakeProfitID)
	}
	if b.StopLossID != "" {
		ids = append(ids, b.StopLossID)
	}
	return append(ids, b.Stale...)
}

// Executor places buys, bracket sells and emergency sells.
type Executor struct {
	ex      Exchange
	cfg     Config
	sizer   sizing.Sizer
	tracker *Tracker
	logger  *slog.Logger

	mu       sync.Mutex
	brackets map[string]BracketPair // tokenID -> live bracket
}

// New creates an Executor over ex.
func New(ex Exchange, cfg Config, logger *slog.Logger) *Executor {
	if cfg.BuyType == "" {
		cfg.BuyType = domain.OrderTypeFAK
	}
	logger = logger.With(slog.String("component", "executor"))
	return &Executor{
		ex:       ex,
		cfg:      cfg,
		sizer:    sizing.New(cfg.SearchCents),
		tracker:  NewTracker(ex, cfg.TrackerScan, logger),
		logger:   logger,
		brackets: make(map[string]BracketPair),
	}
}

// Tracker exposes the resting-order tracker.
func (e *Executor) Tracker() *Tracker {
	return e.tracker
}

// Run drives the tracker's timeout scan until ctx is cancelled.
func (e *Executor) Run(ctx context.Context) error {
	return e.tracker.Run(ctx)
}

// PlaceBuy spends up to budget USDC on tokenID near price using the
// configured buy style. It reports false when no order was accepted.
func (e *Executor) PlaceBuy(ctx context.Context, tokenID string, price, budget, tick decimal.Decimal) (domain.Fill, bool) {
	log := e.logger.With(slog.String("token", shortID(tokenID)), slog.String("style", string(e.cfg.BuyType)))

	switch e.cfg.BuyType {
	case domain.OrderTypeFAK:
		if fill, ok := e.buyFAK(ctx, tokenID, price, budget, tick, log); ok {
			return fill, true
		}
		metrics.Fallbacks.WithLabelValues("FAK", "FOK").Inc()
		log.WarnContext(ctx, "market buy failed, falling back to FOK")
		fill, _, err := e.buyFOK(ctx, tokenID, price, budget, tick, log)
		return fill, err == nil

	case domain.OrderTypeFOK:
		fill, intent, err := e.buyFOK(ctx, tokenID, price, budget, tick, log)
		if err == nil {
			return fill, true
		}
		if errors.Is(err, domain.ErrLiquidity) && e.cfg.FOKGTCFallback {
			metrics.Fallbacks.WithLabelValues("FOK", "GTC").Inc()
			log.WarnContext(ctx, "FOK buy lacked liquidity, resting as GTC",
				slog.String("price", intent.Price.String()))
			return e.buyGTC(ctx, tokenID, price, budget, tick, log)
		}
		return domain.Fill{}, false

	default:
		return e.buyGTC(ctx, tokenID, price, budget, tick, log)
	}
}

func (e *Executor) buyFAK(ctx context.Context, tokenID string, price, budget, tick decimal.Decimal, log *slog.Logger) (domain.Fill, bool) {
	amount := sizing.MarketNotional(budget)
	if !amount.IsPositive() {
		log.WarnContext(ctx, "buy budget below one cent, skipping", slog.String("budget", budget.String()))
		return domain.Fill{}, false
	}
	worst := sizing.SnapDown(price, tick)
	log.InfoContext(ctx, "BUY",
		slog.String("usdc", amount.StringFixed(2)),
		slog.String("worst_price", worst.String()))

	res, err := e.post(ctx, domain.OrderRequest{
		TokenID: tokenID,
		Side:    domain.OrderSideBuy,
		Type:    domain.OrderTypeFAK,
		Price:   worst,
		Amount:  amount,
		Reason:  ReasonBuy,
	})
	if err != nil {
		log.WarnContext(ctx, "FAK buy failed", slog.String("error", err.Error()))
		return domain.Fill{}, false
	}
	return ParseFill(res, domain.OrderTypeFAK, worst, amount), true
}

func (e *Executor) buyFOK(ctx context.Context, tokenID string, price, budget, tick decimal.Decimal, log *slog.Logger) (domain.Fill, sizing.Intent, error) {
	intent := e.sizer.Aggressive(price, budget, tick)
	log.InfoContext(ctx, "BUY",
		slog.String("shares", intent.Size.String()),
		slog.String("price", intent.Price.String()),
		slog.String("type", "FOK"))

	res, err := e.post(ctx, domain.OrderRequest{
		TokenID: tokenID,
		Side:    domain.OrderSideBuy,
		Type:    domain.OrderTypeFOK,
		Price:   intent.Price,
		Size:    intent.Size,
		Reason:  ReasonBuy,
	})
	if err != nil {
		log.WarnContext(ctx, "FOK buy failed", slog.String("error", err.Error()))
		return domain.Fill{}, intent, err
	}
	return ParseFill(res, domain.OrderTypeFOK, intent.Price, intent.Notional()), intent, nil
}

func (e *Executor) buyGTC(ctx context.Context, tokenID string, price, budget, tick decimal.Decimal, log *slog.Logger) (domain.Fill, bool) {
	intent := e.sizer.Passive(price, budget, tick)
	log.InfoContext(ctx, "BUY",
		slog.String("shares", intent.Size.String()),
		slog.String("price", intent.Price.String()),
		slog.String("type", "GTC"))

	res, err := e.post(ctx, domain.OrderRequest{
		TokenID: tokenID,
		Side:    domain.OrderSideBuy,
		Type:    domain.OrderTypeGTC,
		Price:   intent.Price,
		Size:    intent.Size,
		Reason:  ReasonBuy,
	})
	if err != nil {
		log.WarnContext(ctx, "GTC buy failed", slog.String("error", err.Error()))
		return domain.Fill{}, false
	}
	e.tracker.Schedule(res.OrderID, e.cfg.GTCTimeout)
	return ParseFill(res, domain.OrderTypeGTC, intent.Price, intent.Notional()), true
}

// PlaceSellBracket replaces the resting exit orders for tokenID: the
// previous pair is cancelled and re-verified, then a take-profit sell and,
// when sl is non-nil, a stop-loss sell are placed for shares. Nothing is
// placed when shares is below the minimum size.
func (e *Executor) PlaceSellBracket(ctx context.Context, tokenID string, shares, tp decimal.Decimal, sl *decimal.Decimal, tick decimal.Decimal) BracketPair {
	log := e.logger.With(slog.String("token", shortID(tokenID)))

	e.mu.Lock()
	prev := e.brackets[tokenID]
	delete(e.brackets, tokenID)
	e.mu.Unlock()

	var pair BracketPair
	if ids := prev.ids(); len(ids) > 0 {
		pair.Stale = e.replaceBracket(ctx, ids, log)
	}

	if !sizing.IsTradable(shares) {
		log.WarnContext(ctx, "bracket skipped, shares too small", slog.String("shares", shares.String()))
		e.remember(tokenID, pair)
		return pair
	}

	pair.TakeProfitID = e.placeBracketLeg(ctx, tokenID, tp, shares, tick, ReasonTakeProfit, log)
	if sl != nil {
		pair.StopLossID = e.placeBracketLeg(ctx, tokenID, *sl, shares, tick, ReasonStopLoss, log)
	}
	e.remember(tokenID, pair)
	return pair
}

func (e *Executor) remember(tokenID string, pair BracketPair) {
	if len(pair.ids()) == 0 {
		return
	}
	e.mu.Lock()
	e.brackets[tokenID] = pair
	e.mu.Unlock()
}

func (e *Executor) placeBracketLeg(ctx context.Context, tokenID string, price, shares, tick decimal.Decimal, reason string, log *slog.Logger) string {
	intent, err := e.sizer.Sell(price, shares, tick)
	if err != nil {
		log.WarnContext(ctx, "bracket leg skipped",
			slog.String("leg", reason),
			slog.String("error", err.Error()))
		return ""
	}
	log.InfoContext(ctx, "SELL",
		slog.String("leg", reason),
		slog.String("shares", intent.Size.String()),
		slog.String("price", intent.Price.String()))

	res, err := e.post(ctx, domain.OrderRequest{
		TokenID: tokenID,
		Side:    domain.OrderSideSell,
		Type:    domain.OrderTypeGTC,
		Price:   intent.Price,
		Size:    intent.Size,
		Reason:  reason,
	})
	if err != nil {
		log.ErrorContext(ctx, "bracket leg failed",
			slog.String("leg", reason),
			slog.String("error", err.Error()))
		return ""
	}
	if res.OrderID == "" {
		log.WarnContext(ctx, "bracket leg accepted without an order id", slog.String("leg", reason))
		return ""
	}
	e.tracker.Schedule(res.OrderID, e.cfg.GTCTimeout)
	log.InfoContext(ctx, "bracket leg placed",
		slog.String("leg", reason),
		slog.String("order_id", res.OrderID))
	return res.OrderID
}

// replaceBracket cancels ids and confirms none of them is still resting.
// Cancel and place are not atomic on the exchange, so each id is re-queried
// and re-cancelled a bounded number of times. Ids that persist, or whose
// status cannot be read, are returned and kept in the tracker.
func (e *Executor) replaceBracket(ctx context.Context, ids []string, log *slog.Logger) []string {
	for _, id := range ids {
		e.tracker.Cancel(ctx, id)
	}

	var stale []string
	for _, id := range ids {
		gone := false
		for attempt := 1; attempt <= staleCancelAttempts; attempt++ {
			if !e.mayRest(ctx, id) {
				gone = true
				break
			}
			log.WarnContext(ctx, "replaced order still resting, cancelling again",
				slog.String("order_id", id),
				slog.Int("attempt", attempt))
			e.tracker.Cancel(ctx, id)
			if e.cfg.VerifyDelay > 0 {
				select {
				case <-ctx.Done():
				case <-time.After(e.cfg.VerifyDelay):
				}
			}
		}
		if !gone && e.mayRest(ctx, id) {
			log.ErrorContext(ctx, "stale bracket order could not be cancelled", slog.String("order_id", id))
			e.tracker.Schedule(id, 0)
			stale = append(stale, id)
		}
	}
	return stale
}

// PlaceSellImmediate exits shares of tokenID near price. It tries a market
// sell, then a resting sell at the snapped price, then a FOK sell, and
// returns the first accepted result.
func (e *Executor) PlaceSellImmediate(ctx context.Context, tokenID string, shares, price, tick decimal.Decimal) (domain.OrderResult, bool) {
	log := e.logger.With(slog.String("token", shortID(tokenID)))

	if !sizing.IsTradable(shares) {
		log.WarnContext(ctx, "sell skipped, shares too small", slog.String("shares", shares.String()))
		return domain.OrderResult{}, false
	}
	intent, err := e.sizer.Sell(price, shares, tick)
	if err != nil {
		log.WarnContext(ctx, "sell skipped", slog.String("error", err.Error()))
		return domain.OrderResult{}, false
	}

	log.InfoContext(ctx, "SELL",
		slog.String("shares", intent.Size.String()),
		slog.String("worst_price", intent.Price.String()),
		slog.String("type", "FAK"))
	res, err := e.post(ctx, domain.OrderRequest{
		TokenID: tokenID,
		Side:    domain.OrderSideSell,
		Type:    domain.OrderTypeFAK,
		Price:   intent.Price,
		Size:    intent.Size,
		Amount:  intent.Size,
		Reason:  ReasonSellImmediate,
	})
	if err == nil {
		return res, true
	}
	log.WarnContext(ctx, "FAK sell failed, retrying as GTC", slog.String("error", err.Error()))
	metrics.Fallbacks.WithLabelValues("FAK", "GTC").Inc()

	res, err = e.post(ctx, domain.OrderRequest{
		TokenID: tokenID,
		Side:    domain.OrderSideSell,
		Type:    domain.OrderTypeGTC,
		Price:   intent.Price,
		Size:    intent.Size,
		Reason:  ReasonSellImmediate,
	})
	if err == nil {
		e.tracker.Schedule(res.OrderID, e.cfg.GTCTimeout)
		return res, true
	}
	log.WarnContext(ctx, "GTC sell failed, last attempt as FOK", slog.String("error", err.Error()))
	metrics.Fallbacks.WithLabelValues("GTC", "FOK").Inc()

	res, err = e.post(ctx, domain.OrderRequest{
		TokenID: tokenID,
		Side:    domain.OrderSideSell,
		Type:    domain.OrderTypeFOK,
		Price:   intent.Price,
		Size:    intent.Size,
		Reason:  ReasonSellImmediate,
	})
	if err == nil {
		return res, true
	}
	log.ErrorContext(ctx, "sell failed on all attempts (FAK, GTC, FOK)",
		slog.String("shares", intent.Size.String()),
		slog.String("price", intent.Price.String()),
		slog.String("error", err.Error()))
	return domain.OrderResult{}, false
}

// CancelAll cancels every tracked resting order and forgets all brackets.
func (e *Executor) CancelAll(ctx context.Context) error {
	return e.CancelExcept(ctx)
}

// CancelExcept cancels every tracked resting order other than keep and
// forgets all brackets. Kept orders stay on the exchange and in the tracker.
func (e *Executor) CancelExcept(ctx context.Context, keep ...string) error {
	e.mu.Lock()
	e.brackets = make(map[string]BracketPair)
	e.mu.Unlock()
	return e.tracker.CancelAllExcept(ctx, keep...)
}

// IsResting reports whether orderID is still in the book. A failed status
// query returns an error and says nothing about the order; callers must not
// read it as a fill.
func (e *Executor) IsResting(ctx context.Context, orderID string) (bool, error) {
	if orderID == "" {
		return false, nil
	}
	status, err := e.ex.OrderStatus(ctx, orderID)
	if err != nil {
		e.logger.DebugContext(ctx, "order status query failed",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()))
		return false, fmt.Errorf("executor: order status %s: %w", shortID(orderID), err)
	}
	return domain.IsRestingStatus(status), nil
}

// mayRest treats an unknown status as resting.
func (e *Executor) mayRest(ctx context.Context, orderID string) bool {
	resting, err := e.IsResting(ctx, orderID)
	return err != nil || resting
}

// post sends req and folds a rejected result into an error.
func (e *Executor) post(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	res, err := e.ex.Post(ctx, req)
	if err == nil && !res.Success {
		err = fmt.Errorf("executor: %w: %s", errRejected, res.Message)
	}

	outcome := "ok"
	switch {
	case errors.Is(err, domain.ErrLiquidity):
		outcome = "liquidity"
	case err != nil:
		outcome = "error"
	}
	metrics.Orders.WithLabelValues(string(req.Type), string(req.Side), outcome).Inc()
	return res, err
}

// ParseFill derives the executed size of an accepted buy. Shares come from
// the taking amount floored to four decimals, else notional/price; the
// spend comes from the making amount, else the requested notional.
func ParseFill(res domain.OrderResult, typ domain.OrderType, price, notional decimal.Decimal) domain.Fill {
	fill := domain.Fill{OrderID: res.OrderID, Type: typ, Price: price}

	if res.TakingAmount.IsPositive() {
		fill.Shares = sizing.FloorShares(res.TakingAmount)
	} else if price.IsPositive() {
		fill.Shares = sizing.FloorShares(notional.Div(price))
	}

	if res.MakingAmount.IsPositive() {
		fill.Spent = res.MakingAmount
	} else {
		fill.Spent = notional
	}
	return fill
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16] + "..."
	}
	return id
}
