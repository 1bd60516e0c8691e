// Package feed keeps live midpoints for a set of outcome tokens from the
// CLOB market channel.
package feed

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
	"github.com/alanyoungcy/updownbot/internal/platform/polymarket"
)

// Observer is told about every update that can change a token's midpoint.
// OnPrice runs on the feed's read goroutine and must return quickly; panics
// are recovered and logged.
type Observer interface {
	OnPrice(tokenID string, mid decimal.Decimal)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(tokenID string, mid decimal.Decimal)

func (f ObserverFunc) OnPrice(tokenID string, mid decimal.Decimal) { f(tokenID, mid) }

// Conn is one market channel connection.
type Conn interface {
	Subscribe(assetIDs []string) error
	AddAssets(assetIDs []string) error
	Ping() error
	ReadEvents() ([]polymarket.MarketEvent, error)
	Close() error
}

// Dialer opens a Conn.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DialPolymarket dials the real market channel.
func DialPolymarket(ctx context.Context, url string) (Conn, error) {
	c, err := polymarket.DialMarket(ctx, url)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Config tunes the connection loop.
type Config struct {
	URL           string
	PingInterval  time.Duration
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	MaxReconnects int
}

func (c Config) withDefaults() Config {
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = 3 * time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 10
	}
	return c
}

// PriceFeed maintains per-token quotes from a persistent connection that
// reconnects with linear backoff. Cached quotes survive disconnects.
type PriceFeed struct {
	cfg       Config
	dial      Dialer
	observers []Observer
	logger    *slog.Logger

	mu        sync.Mutex
	tokens    []string
	states    map[string]*tokenState
	conn      Conn
	connected bool
	err       error

	ready     chan struct{}
	readyOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
}

// New creates a feed for tokenIDs. Run or Start begins streaming.
func New(cfg Config, dial Dialer, tokenIDs []string, logger *slog.Logger, observers ...Observer) *PriceFeed {
	if dial == nil {
		dial = DialPolymarket
	}
	f := &PriceFeed{
		cfg:       cfg.withDefaults(),
		dial:      dial,
		observers: observers,
		logger:    logger.With(slog.String("component", "price_feed")),
		states:    make(map[string]*tokenState),
		ready:     make(chan struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	f.addLocked(tokenIDs)
	return f
}

// Subscribe creates a feed for tokenIDs and starts it in the background.
func Subscribe(ctx context.Context, cfg Config, dial Dialer, tokenIDs []string, logger *slog.Logger, observers ...Observer) *PriceFeed {
	f := New(cfg, dial, tokenIDs, logger, observers...)
	f.Start(ctx)
	return f
}

// Start runs the feed in a new goroutine.
func (f *PriceFeed) Start(ctx context.Context) {
	go func() {
		if err := f.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			f.logger.ErrorContext(ctx, "price feed stopped", slog.String("error", err.Error()))
		}
	}()
}

// Run connects and keeps the feed alive until ctx is done, Stop is called,
// or MaxReconnects consecutive attempts fail (domain.ErrFeedExhausted).
func (f *PriceFeed) Run(ctx context.Context) error {
	defer close(f.done)
	defer metrics.FeedConnected.Set(0)

	attempts := 0
	for {
		if f.stopped(ctx) {
			return f.exit(ctx, nil)
		}

		connected, err := f.runConnection(ctx)
		if f.stopped(ctx) {
			return f.exit(ctx, nil)
		}
		if connected {
			attempts = 0
		}
		attempts++
		if attempts > f.cfg.MaxReconnects {
			f.logger.ErrorContext(ctx, "max reconnect attempts reached",
				slog.Int("max", f.cfg.MaxReconnects))
			return f.exit(ctx, fmt.Errorf("feed: %w after %d attempts", domain.ErrFeedExhausted, f.cfg.MaxReconnects))
		}

		delay := f.cfg.ReconnectBase * time.Duration(attempts)
		if delay > f.cfg.ReconnectCap {
			delay = f.cfg.ReconnectCap
		}
		attrs := []any{slog.Int("attempt", attempts), slog.Duration("delay", delay)}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		f.logger.WarnContext(ctx, "price feed disconnected, reconnecting", attrs...)
		metrics.FeedReconnects.Inc()

		select {
		case <-ctx.Done():
			return f.exit(ctx, nil)
		case <-f.stop:
			return f.exit(ctx, nil)
		case <-time.After(delay):
		}
	}
}

func (f *PriceFeed) exit(ctx context.Context, err error) error {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (f *PriceFeed) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-f.stop:
		return true
	default:
		return false
	}
}

// runConnection dials, subscribes and reads until the connection fails. It
// reports whether the connection was established.
func (f *PriceFeed) runConnection(ctx context.Context) (bool, error) {
	conn, err := f.dial(ctx, f.cfg.URL)
	if err != nil {
		return false, err
	}

	f.mu.Lock()
	tokens := append([]string(nil), f.tokens...)
	f.conn = conn
	f.connected = true
	f.mu.Unlock()
	metrics.FeedConnected.Set(1)

	defer func() {
		f.mu.Lock()
		f.conn = nil
		f.connected = false
		f.mu.Unlock()
		metrics.FeedConnected.Set(0)
		conn.Close()
	}()

	if err := conn.Subscribe(tokens); err != nil {
		return true, err
	}
	f.logger.InfoContext(ctx, "price feed subscribed", slog.Int("tokens", len(tokens)))

	// Closing the connection is what unblocks ReadEvents on shutdown.
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		ticker := time.NewTicker(f.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-connDone:
				return
			case <-ctx.Done():
				conn.Close()
				return
			case <-f.stop:
				conn.Close()
				return
			case <-ticker.C:
				if err := conn.Ping(); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	for {
		events, err := conn.ReadEvents()
		if err != nil {
			return true, err
		}
		for i := range events {
			f.dispatch(&events[i])
		}
	}
}

func (f *PriceFeed) dispatch(ev *polymarket.MarketEvent) {
	metrics.FeedEvents.WithLabelValues(ev.EventType).Inc()

	switch ev.EventType {
	case polymarket.EventBook:
		st := f.state(ev.AssetID)
		if st == nil {
			return
		}
		bid, ask, hasBid, hasAsk := ev.TopOfBook()
		bid, hasBid = f.checkPrice("bid", ev.AssetID, bid, hasBid)
		ask, hasAsk = f.checkPrice("ask", ev.AssetID, ask, hasAsk)
		st.setBook(bid, ask, hasBid, hasAsk)
		f.readyOnce.Do(func() { close(f.ready) })
		f.notify(ev.AssetID, st)

	case polymarket.EventPriceChange:
		changes := ev.PriceChanges
		if len(changes) == 0 && ev.AssetID != "" {
			changes = []polymarket.WSPriceChange{{AssetID: ev.AssetID, BestBid: ev.BestBid, BestAsk: ev.BestAsk}}
		}
		for _, ch := range changes {
			st := f.state(ch.AssetID)
			if st == nil {
				continue
			}
			bid, hasBid := ch.BestBid.Decimal()
			ask, hasAsk := ch.BestAsk.Decimal()
			bid, hasBid = f.checkPrice("bid", ch.AssetID, bid, hasBid)
			ask, hasAsk = f.checkPrice("ask", ch.AssetID, ask, hasAsk)
			if !hasBid && !hasAsk {
				continue
			}
			st.setBook(bid, ask, hasBid, hasAsk)
			f.notify(ch.AssetID, st)
		}

	case polymarket.EventLastTradePrice:
		st := f.state(ev.AssetID)
		if st == nil {
			return
		}
		p, ok := ev.Price.Decimal()
		p, ok = f.checkPrice("last", ev.AssetID, p, ok)
		if !ok {
			return
		}
		st.setLast(p)
		f.notify(ev.AssetID, st)

	case polymarket.EventTickSizeChange:
		st := f.state(ev.AssetID)
		if st == nil {
			return
		}
		tick, ok := ev.NewTickSize.Decimal()
		tick, ok = f.checkPrice("tick", ev.AssetID, tick, ok)
		if !ok || !tick.IsPositive() {
			return
		}
		st.setTick(tick)
		f.logger.Info("tick size changed",
			slog.String("token", shortID(ev.AssetID)),
			slog.String("tick", tick.String()))

	case polymarket.EventBestBidAsk:
		st := f.state(ev.AssetID)
		if st == nil {
			return
		}
		bid, hasBid := ev.BestBid.Decimal()
		ask, hasAsk := ev.BestAsk.Decimal()
		bid, hasBid = f.checkPrice("bid", ev.AssetID, bid, hasBid)
		ask, hasAsk = f.checkPrice("ask", ev.AssetID, ask, hasAsk)
		if !hasBid || !hasAsk {
			return
		}
		st.setBook(bid, ask, true, true)
		f.notify(ev.AssetID, st)
	}
}

// checkPrice drops a parsed value outside [0, 1] so it never reaches the
// token state.
func (f *PriceFeed) checkPrice(field, tokenID string, p decimal.Decimal, ok bool) (decimal.Decimal, bool) {
	if !ok {
		return decimal.Zero, false
	}
	if !inUnit(p) {
		f.logger.Debug("dropping out of range value",
			slog.String("field", field),
			slog.String("token", shortID(tokenID)),
			slog.String("value", p.String()))
		return decimal.Zero, false
	}
	return p, true
}

func (f *PriceFeed) notify(tokenID string, st *tokenState) {
	if len(f.observers) == 0 {
		return
	}
	mid, ok := st.snapshot().Midpoint()
	if !ok {
		return
	}
	for _, o := range f.observers {
		f.callObserver(o, tokenID, mid)
	}
}

func (f *PriceFeed) callObserver(o Observer, tokenID string, mid decimal.Decimal) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Warn("price observer panicked",
				slog.String("token", shortID(tokenID)),
				slog.Any("panic", r))
		}
	}()
	o.OnPrice(tokenID, mid)
}

func (f *PriceFeed) state(tokenID string) *tokenState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[tokenID]
}

// Midpoint returns the current midpoint of tokenID.
func (f *PriceFeed) Midpoint(tokenID string) (decimal.Decimal, bool) {
	st := f.state(tokenID)
	if st == nil {
		return decimal.Zero, false
	}
	return st.snapshot().Midpoint()
}

// Quote returns a copy of tokenID's price state.
func (f *PriceFeed) Quote(tokenID string) (Quote, bool) {
	st := f.state(tokenID)
	if st == nil {
		return Quote{}, false
	}
	return st.snapshot(), true
}

// TickSize returns the latest tick size of tokenID. It reports false, with
// the 0.01 default, until the market has announced one.
func (f *PriceFeed) TickSize(tokenID string) (decimal.Decimal, bool) {
	st := f.state(tokenID)
	if st == nil {
		return defaultTick, false
	}
	q := st.snapshot()
	return q.TickSize, q.TickKnown
}

// Prices returns the midpoints of every token that has one.
func (f *PriceFeed) Prices() map[string]decimal.Decimal {
	f.mu.Lock()
	tokens := append([]string(nil), f.tokens...)
	f.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(tokens))
	for _, t := range tokens {
		if mid, ok := f.Midpoint(t); ok {
			out[t] = mid
		}
	}
	return out
}

// AddTokens subscribes more tokens. They are sent on the open connection at
// once and included in every later resubscription.
func (f *PriceFeed) AddTokens(tokenIDs []string) error {
	f.mu.Lock()
	added := f.addLocked(tokenIDs)
	conn := f.conn
	f.mu.Unlock()

	if len(added) == 0 || conn == nil {
		return nil
	}
	if err := conn.AddAssets(added); err != nil {
		f.logger.Warn("add tokens send failed", slog.String("error", err.Error()))
		return fmt.Errorf("feed: add tokens: %w", err)
	}
	return nil
}

func (f *PriceFeed) addLocked(tokenIDs []string) []string {
	var added []string
	for _, t := range tokenIDs {
		if _, ok := f.states[t]; ok || t == "" {
			continue
		}
		f.states[t] = newTokenState()
		f.tokens = append(f.tokens, t)
		added = append(added, t)
	}
	return added
}

// WaitReady blocks until the first book snapshot arrives, the timeout
// elapses, or ctx is done. It reports whether the feed is ready.
func (f *PriceFeed) WaitReady(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.ready:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	case <-f.done:
		return f.Ready()
	}
}

// Ready reports whether a book snapshot has been received.
func (f *PriceFeed) Ready() bool {
	select {
	case <-f.ready:
		return true
	default:
		return false
	}
}

// Connected reports whether a connection is currently open.
func (f *PriceFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Err returns the fatal error the feed stopped with, if any.
func (f *PriceFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Done is closed when Run returns.
func (f *PriceFeed) Done() <-chan struct{} {
	return f.done
}

// Stop closes the connection and halts the reconnect loop.
func (f *PriceFeed) Stop() {
	f.stopOnce.Do(func() {
		close(f.stop)
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}

func shortID(id string) string {
	if len(id) > 16 {
		return id[:16] + "..."
	}
	return id
}
