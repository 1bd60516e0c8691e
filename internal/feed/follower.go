package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// Subscriber delivers raw payloads published on a channel.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Follower reads PriceEvents another process published on the signal bus
// and hands them to an Observer. It lets a monitor watch a running bot
// without opening its own market connection.
type Follower struct {
	sub      Subscriber
	channel  string
	observer Observer
	logger   *slog.Logger
}

// NewFollower creates a Follower on channel.
func NewFollower(sub Subscriber, channel string, observer Observer, logger *slog.Logger) *Follower {
	return &Follower{
		sub:      sub,
		channel:  channel,
		observer: observer,
		logger:   logger.With(slog.String("component", "price_follower")),
	}
}

// Run subscribes and dispatches until ctx is cancelled or the subscription
// closes.
func (f *Follower) Run(ctx context.Context) error {
	ch, err := f.sub.Subscribe(ctx, f.channel)
	if err != nil {
		return err
	}
	f.logger.Info("price follower started", slog.String("channel", f.channel))
	defer f.logger.Info("price follower stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return nil
			}
			if err := f.handleMessage(data); err != nil {
				f.logger.Debug("price follower handle message failed",
					slog.String("error", err.Error()),
					slog.Int("payload_len", len(data)),
				)
			}
		}
	}
}

func (f *Follower) handleMessage(data []byte) error {
	var ev PriceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return err
	}
	assetID := strings.TrimSpace(ev.AssetID)
	if assetID == "" {
		return nil
	}
	// Drop stale prices buffered for a slow subscriber.
	if !ev.Timestamp.IsZero() && time.Since(ev.Timestamp) > time.Minute {
		return nil
	}
	f.observer.OnPrice(assetID, ev.Mid)
	return nil
}
