package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/updownbot/internal/cache/redis"
	"github.com/alanyoungcy/updownbot/internal/config"
	"github.com/alanyoungcy/updownbot/internal/crypto"
	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/executor"
	"github.com/alanyoungcy/updownbot/internal/feed"
	"github.com/alanyoungcy/updownbot/internal/platform/polymarket"
	"github.com/alanyoungcy/updownbot/internal/position"
	"github.com/alanyoungcy/updownbot/internal/service"
)

const (
	// nextWindowDelay is the pause after a window ends before searching again.
	nextWindowDelay = 5 * time.Second
	// recordTimeout bounds persisting a result after shutdown was requested.
	recordTimeout = 10 * time.Second
	// monitorLogEvery is how often monitor mode logs the window's midpoints.
	monitorLogEvery = 10 * time.Second
)

// windowSource finds the next tradable window.
type windowSource interface {
	NextWindow(ctx context.Context, coin, interval string, retry time.Duration) (domain.Window, error)
}

// TradeMode discovers each window in turn and trades it with a fresh
// position machine. One executor, and so one resting order tracker, spans
// every window.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode",
		slog.String("coin", a.cfg.Strategy.Coin),
		slog.String("interval", a.cfg.Strategy.Interval),
	)

	posCfg := positionConfig(a.cfg.Strategy)
	if err := posCfg.Validate(); err != nil {
		return fmt.Errorf("app: trade mode: %w", err)
	}

	signer, clob, err := a.buildClob(ctx)
	if err != nil {
		return fmt.Errorf("app: trade mode: %w", err)
	}
	owner := a.cfg.Wallet.Funder
	if owner == "" {
		owner = signer.Address().Hex()
	}

	orderSvc := service.NewOrderService(clob, signer, service.OrderConfig{
		Funder:        a.cfg.Wallet.Funder,
		SignatureType: a.cfg.Polymarket.SignatureType,
		FeeRateBps:    a.cfg.Polymarket.FeeRateBps,
		RateLimit:     a.cfg.Execution.RateLimit,
		RateWindow:    a.cfg.Execution.RateWindow.Duration,
	}, deps.OrderStore, deps.AuditStore, deps.RateLimiter, deps.SignalBus, a.logger)

	exec := executor.New(orderSvc, executorConfig(a.cfg.Execution), a.logger)
	market := service.NewMarketService(clob, polymarket.NewGammaClient(a.cfg.Polymarket.GammaHost), owner, deps.PriceCache, a.logger)
	windows := service.NewWindowService(deps.WindowStore, deps.SignalBus, deps.Archiver, deps.Notifier, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return exec.Run(ctx)
	})

	g.Go(func() error {
		return a.eachWindow(ctx, market, func(ctx context.Context, win domain.Window) {
			a.tradeWindow(ctx, win, deps, exec, market, windows, posCfg)
		})
	})

	return g.Wait()
}

// MonitorMode watches each window's midpoints without placing orders. With
// feed.follow set it reads another instance's published prices instead.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	if a.cfg.Feed.Follow {
		a.logger.InfoContext(ctx, "starting monitor mode (following published prices)")
		obs := feed.ObserverFunc(func(tokenID string, mid decimal.Decimal) {
			a.logger.Info("midpoint",
				slog.String("token_id", tokenID),
				slog.String("mid", mid.String()),
			)
		})
		return feed.NewFollower(deps.SignalBus, domain.ChannelPrices, obs, a.logger).Run(ctx)
	}

	a.logger.InfoContext(ctx, "starting monitor mode",
		slog.String("coin", a.cfg.Strategy.Coin),
		slog.String("interval", a.cfg.Strategy.Interval),
	)
	clob := polymarket.NewClobClient(a.cfg.Polymarket.ClobHost, nil, nil)
	market := service.NewMarketService(clob, polymarket.NewGammaClient(a.cfg.Polymarket.GammaHost), "", deps.PriceCache, a.logger)

	return a.eachWindow(ctx, market, func(ctx context.Context, win domain.Window) {
		a.monitorWindow(ctx, win, deps)
	})
}

// eachWindow runs fn for every window in turn, pausing after each until the
// next one can be discovered.
func (a *App) eachWindow(ctx context.Context, src windowSource, fn func(context.Context, domain.Window)) error {
	for {
		win, err := src.NextWindow(ctx, a.cfg.Strategy.Coin, a.cfg.Strategy.Interval, a.cfg.Strategy.WindowRetry.Duration)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		fn(ctx, win)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := untilNextSearch(win.EndTime, time.Now())
		a.logger.InfoContext(ctx, "waiting for next window",
			slog.String("after", win.Slug),
			slog.Duration("wait", wait),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// tradeWindow locks win, runs a position machine on it to completion and
// records the result.
func (a *App) tradeWindow(
	ctx context.Context,
	win domain.Window,
	deps *Dependencies,
	exec *executor.Executor,
	market *service.MarketService,
	windows *service.WindowService,
	posCfg position.Config,
) {
	log := a.logger.With(slog.String("slug", win.Slug))

	length, _ := polymarket.IntervalLength(a.cfg.Strategy.Interval)
	unlock, err := deps.LockManager.Acquire(ctx, redis.WindowLockKey(win.Slug), length+time.Minute)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			log.InfoContext(ctx, "window held by another instance, skipping")
		} else {
			log.WarnContext(ctx, "window lock unavailable, skipping", slog.String("error", err.Error()))
		}
		return
	}
	defer unlock()

	wctx, cancel := context.WithCancel(ctx)
	f := a.startFeed(wctx, win, deps)
	defer func() {
		cancel()
		f.Stop()
	}()
	go a.watchFeed(wctx, f, win, windows)

	a.status.enter(win, f)
	if !f.WaitReady(ctx, a.cfg.Strategy.ReadyTimeout.Duration) {
		log.WarnContext(ctx, "price feed not ready, starting on REST prices")
	}

	m, err := position.New(posCfg, win, f, market, exec, a.logger)
	if err != nil {
		log.ErrorContext(ctx, "position machine rejected config", slog.String("error", err.Error()))
		a.status.leave(domain.WindowResult{Slug: win.Slug})
		return
	}
	m.OnFill(func(ctx context.Context, p position.Position) {
		if p.Bets != 1 {
			return
		}
		windows.Notify(ctx, service.EventEntry,
			fmt.Sprintf("Entered %s: %s", p.Side, win.Slug),
			fmt.Sprintf("%s shares @ %s ($%s)", p.TotalShares, p.AvgPrice.StringFixed(4), p.TotalSpent.StringFixed(2)),
		)
	})

	res, runErr := m.Run(ctx)

	recordCtx := ctx
	if runErr != nil {
		var cancelRecord context.CancelFunc
		recordCtx, cancelRecord = context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		defer cancelRecord()
	}
	windows.Record(recordCtx, res)
	a.status.leave(res)
}

// monitorWindow streams win's midpoints until the window ends.
func (a *App) monitorWindow(ctx context.Context, win domain.Window, deps *Dependencies) {
	wctx, cancel := context.WithDeadline(ctx, win.EndTime)
	f := a.startFeed(wctx, win, deps)
	defer func() {
		cancel()
		f.Stop()
	}()

	a.status.enter(win, f)
	defer func() {
		a.status.leave(domain.WindowResult{
			Slug:     win.Slug,
			Reason:   domain.CloseReasonWindowExpiry,
			ClosedAt: time.Now(),
		})
	}()

	ticker := time.NewTicker(monitorLogEvery)
	defer ticker.Stop()
	for {
		select {
		case <-wctx.Done():
			return
		case <-ticker.C:
			attrs := []any{slog.String("slug", win.Slug), slog.Bool("connected", f.Connected())}
			for _, o := range []domain.Outcome{domain.OutcomeUp, domain.OutcomeDown} {
				mid := "n/a"
				if m, ok := f.Midpoint(win.TokenID(o)); ok {
					mid = m.String()
				}
				attrs = append(attrs, slog.String(string(o), mid))
			}
			a.logger.InfoContext(wctx, "midpoints", attrs...)
		}
	}
}

// startFeed subscribes to win's tokens and publishes every midpoint to the
// price cache and signal bus until ctx ends.
func (a *App) startFeed(ctx context.Context, win domain.Window, deps *Dependencies) *feed.PriceFeed {
	pub := feed.NewPublisher(deps.PriceCache, deps.SignalBus, a.cfg.Feed.PublishInterval.Duration, a.logger)
	go func() {
		_ = pub.Run(ctx)
	}()
	return feed.Subscribe(ctx, feedConfig(a.cfg.Feed), nil, win.TokenIDs(), a.logger, pub)
}

// watchFeed raises a feed_lost alert when the feed gives up reconnecting
// before the window is over.
func (a *App) watchFeed(ctx context.Context, f *feed.PriceFeed, win domain.Window, windows *service.WindowService) {
	select {
	case <-ctx.Done():
		return
	case <-f.Done():
	}
	if err := f.Err(); err != nil && errors.Is(err, domain.ErrFeedExhausted) && ctx.Err() == nil {
		a.logger.WarnContext(ctx, "price feed lost, continuing on REST prices",
			slog.String("slug", win.Slug),
			slog.String("error", err.Error()),
		)
		windows.Notify(ctx, service.EventFeedLost, "Price feed lost: "+win.Slug, err.Error())
	}
}

// buildClob loads the signing key and returns an authenticated CLOB client,
// deriving L2 credentials when none are configured.
func (a *App) buildClob(ctx context.Context) (*crypto.Signer, *polymarket.ClobClient, error) {
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    a.cfg.Wallet.PrivateKey,
		EncryptedKeyPath: a.cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      a.cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load key: %w", err)
	}
	signer, err := crypto.NewSigner(key, a.cfg.Polymarket.ChainID)
	if err != nil {
		return nil, nil, fmt.Errorf("create signer: %w", err)
	}
	a.logger.InfoContext(ctx, "signer loaded",
		slog.String("address", signer.Address().Hex()),
		slog.Int("chain_id", signer.ChainID()))

	var creds *crypto.HMACAuth
	if a.cfg.API.Key != "" {
		creds = &crypto.HMACAuth{
			Key:        a.cfg.API.Key,
			Secret:     a.cfg.API.Secret,
			Passphrase: a.cfg.API.Passphrase,
		}
	}
	clob := polymarket.NewClobClient(a.cfg.Polymarket.ClobHost, signer, creds)
	if !clob.HasCredentials() {
		if err := clob.DeriveAPIKey(ctx); err != nil {
			return nil, nil, fmt.Errorf("derive api key: %w", err)
		}
		a.logger.InfoContext(ctx, "derived CLOB API credentials",
			slog.String("address", signer.Address().Hex()))
	}
	return signer, clob, nil
}

// untilNextSearch is how long to wait after a window before looking for the
// next one: until the window has ended, plus a short settle delay.
func untilNextSearch(end, now time.Time) time.Duration {
	wait := end.Sub(now) + nextWindowDelay
	if wait < nextWindowDelay {
		wait = nextWindowDelay
	}
	return wait
}

func positionConfig(s config.StrategyConfig) position.Config {
	return position.Config{
		EntryPrice:      decimal.NewFromFloat(s.EntryPrice),
		AmountPerBet:    decimal.NewFromFloat(s.AmountPerBet),
		TakeProfit:      decimal.NewFromFloat(s.TakeProfit),
		BetStep:         optDecimal(s.BetStep),
		StopLoss:        optDecimal(s.StopLoss),
		StopLossOffset:  optDecimal(s.StopLossOffset),
		UseStopLoss:     s.UseStopLoss,
		StatusPollEvery: s.StatusPollEvery,
		PollInterval:    s.PollInterval.Duration,
	}
}

func executorConfig(e config.ExecutionConfig) executor.Config {
	buy, err := domain.ParseOrderType(e.BuyOrderType)
	if err != nil {
		buy = domain.OrderTypeFAK
	}
	return executor.Config{
		BuyType:        buy,
		GTCTimeout:     e.GTCTimeoutDuration(),
		FOKGTCFallback: e.FOKGTCFallback,
		TrackerScan:    e.TrackerScan.Duration,
		SearchCents:    e.MaxSearchCents,
	}
}

func feedConfig(f config.FeedConfig) feed.Config {
	return feed.Config{
		URL:           f.WSURL,
		PingInterval:  f.PingInterval.Duration,
		ReconnectBase: f.ReconnectBase.Duration,
		ReconnectCap:  f.ReconnectCap.Duration,
		MaxReconnects: f.MaxReconnects,
	}
}

func optDecimal(f *float64) *decimal.Decimal {
	if f == nil {
		return nil
	}
	d := decimal.NewFromFloat(*f)
	return &d
}
