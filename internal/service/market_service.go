package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/sizing"
)

// MarketClient is the point-in-time market data the bot reads over REST.
type MarketClient interface {
	GetMidpoint(ctx context.Context, tokenID string) (decimal.Decimal, error)
	GetTickSize(ctx context.Context, tokenID string) (decimal.Decimal, error)
	GetBalance(ctx context.Context, user, tokenID string) (decimal.Decimal, error)
}

// WindowFinder discovers the tradable up/down window for a coin.
type WindowFinder interface {
	WaitForWindow(ctx context.Context, coin, interval string, retry time.Duration, onMiss func(error)) (domain.Window, error)
}

// MarketService answers REST market questions on behalf of the position
// machine and discovers windows for the run loop.
type MarketService struct {
	clob   MarketClient
	gamma  WindowFinder
	owner  string
	prices domain.PriceCache
	logger *slog.Logger
}

// NewMarketService creates a MarketService. owner is the address whose
// holdings Balance reports. prices may be nil.
func NewMarketService(clob MarketClient, gamma WindowFinder, owner string, prices domain.PriceCache, logger *slog.Logger) *MarketService {
	return &MarketService{
		clob:   clob,
		gamma:  gamma,
		owner:  owner,
		prices: prices,
		logger: logger.With(slog.String("component", "market_service")),
	}
}

// cachedPriceMaxAge is how old a cached midpoint may be and still stand in
// for a failed REST lookup.
const cachedPriceMaxAge = 5 * time.Second

// Midpoint fetches the exchange midpoint of tokenID. It is the fallback
// when the streaming feed has no price. When the exchange does not answer,
// a midpoint cached within cachedPriceMaxAge is used instead.
func (s *MarketService) Midpoint(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	mid, err := s.clob.GetMidpoint(ctx, tokenID)
	if err != nil {
		if cached, ok := s.cachedMidpoint(ctx, tokenID); ok {
			s.logger.DebugContext(ctx, "rest midpoint failed, using cached price",
				slog.String("token_id", tokenID),
				slog.String("error", err.Error()))
			return cached, nil
		}
		return decimal.Zero, fmt.Errorf("market_service: midpoint: %w", err)
	}
	if s.prices != nil {
		f, _ := mid.Float64()
		if err := s.prices.SetPrice(ctx, tokenID, f, time.Now()); err != nil {
			s.logger.DebugContext(ctx, "price cache write failed", slog.String("error", err.Error()))
		}
	}
	return mid, nil
}

func (s *MarketService) cachedMidpoint(ctx context.Context, tokenID string) (decimal.Decimal, bool) {
	if s.prices == nil {
		return decimal.Zero, false
	}
	p, ts, err := s.prices.GetPrice(ctx, tokenID)
	if err != nil || time.Since(ts) > cachedPriceMaxAge {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(p), true
}

// TickSize returns the tick size of tokenID, or sizing.DefaultTick when the
// lookup fails.
func (s *MarketService) TickSize(ctx context.Context, tokenID string) decimal.Decimal {
	tick, err := s.clob.GetTickSize(ctx, tokenID)
	if err != nil {
		s.logger.WarnContext(ctx, "tick size lookup failed, using default",
			slog.String("token_id", tokenID),
			slog.String("default", sizing.DefaultTick.String()),
			slog.String("error", err.Error()),
		)
		return sizing.DefaultTick
	}
	return tick
}

// Balance returns the shares of tokenID the owner holds, floored to the
// share precision.
func (s *MarketService) Balance(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	if s.owner == "" {
		return decimal.Zero, fmt.Errorf("market_service: balance: %w", domain.ErrUnauthorized)
	}
	bal, err := s.clob.GetBalance(ctx, s.owner, tokenID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("market_service: balance: %w", err)
	}
	return sizing.FloorShares(bal), nil
}

// NextWindow blocks until a tradable window for coin/interval is listed,
// retrying every retry.
func (s *MarketService) NextWindow(ctx context.Context, coin, interval string, retry time.Duration) (domain.Window, error) {
	w, err := s.gamma.WaitForWindow(ctx, coin, interval, retry, func(err error) {
		s.logger.InfoContext(ctx, "no active window yet, retrying",
			slog.String("coin", coin),
			slog.String("interval", interval),
			slog.Duration("retry", retry),
			slog.String("error", err.Error()),
		)
	})
	if err != nil {
		return domain.Window{}, fmt.Errorf("market_service: next window: %w", err)
	}
	s.logger.InfoContext(ctx, "window found",
		slog.String("slug", w.Slug),
		slog.Time("ends", w.EndTime),
	)
	return w, nil
}
