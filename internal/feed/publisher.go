package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// PriceEvent is the JSON shape published on domain.ChannelPrices.
type PriceEvent struct {
	AssetID   string          `json:"asset_id"`
	Mid       decimal.Decimal `json:"mid"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher is an Observer that mirrors midpoints to the price cache and the
// signal bus. OnPrice only records the latest value per token; a background
// loop flushes them, so slow Redis never stalls the feed.
type Publisher struct {
	cache    domain.PriceCache
	bus      domain.SignalBus
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]PriceEvent
	wake    chan struct{}
}

// NewPublisher creates a Publisher. Either cache or bus may be nil.
func NewPublisher(cache domain.PriceCache, bus domain.SignalBus, interval time.Duration, logger *slog.Logger) *Publisher {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Publisher{
		cache:    cache,
		bus:      bus,
		interval: interval,
		logger:   logger.With(slog.String("component", "price_publisher")),
		pending:  make(map[string]PriceEvent),
		wake:     make(chan struct{}, 1),
	}
}

// OnPrice implements Observer.
func (p *Publisher) OnPrice(tokenID string, mid decimal.Decimal) {
	p.mu.Lock()
	p.pending[tokenID] = PriceEvent{AssetID: tokenID, Mid: mid, Timestamp: time.Now()}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run flushes pending prices at most once per interval until ctx is done.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			// Best-effort final flush with a short deadline.
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			p.Flush(flushCtx)
			cancel()
			return ctx.Err()
		case <-p.wake:
			dirty = true
		case <-ticker.C:
			if dirty {
				p.Flush(ctx)
				dirty = false
			}
		}
	}
}

// Flush writes every pending price now.
func (p *Publisher) Flush(ctx context.Context) {
	p.mu.Lock()
	batch := p.pending
	p.pending = make(map[string]PriceEvent, len(batch))
	p.mu.Unlock()

	for _, ev := range batch {
		if p.cache != nil {
			mid, _ := ev.Mid.Float64()
			if err := p.cache.SetPrice(ctx, ev.AssetID, mid, ev.Timestamp); err != nil {
				p.logger.Warn("price cache write failed",
					slog.String("token", shortID(ev.AssetID)),
					slog.String("error", err.Error()))
			}
		}
		if p.bus != nil {
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := p.bus.Publish(ctx, domain.ChannelPrices, payload); err != nil {
				p.logger.Warn("price publish failed", slog.String("error", err.Error()))
			}
		}
	}
}
