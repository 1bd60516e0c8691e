package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// WindowArchiver stores a closed window's summary in object storage.
type WindowArchiver interface {
	ArchiveWindow(ctx context.Context, res domain.WindowResult) (string, error)
}

// Notifier delivers operator alerts filtered by event type.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Notification event types.
const (
	EventWindowClosed = "window_closed"
	EventEntry        = "entry"
	EventFeedLost     = "feed_lost"
)

// WindowService records the result of every window. Each sink is optional
// and a failing sink never blocks the others.
type WindowService struct {
	store    domain.WindowStore
	bus      domain.SignalBus
	archiver WindowArchiver
	notifier Notifier
	logger   *slog.Logger
}

// NewWindowService creates a WindowService.
func NewWindowService(
	store domain.WindowStore,
	bus domain.SignalBus,
	archiver WindowArchiver,
	notifier Notifier,
	logger *slog.Logger,
) *WindowService {
	return &WindowService{
		store:    store,
		bus:      bus,
		archiver: archiver,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "window_service")),
	}
}

// Record persists, streams, archives and announces res.
func (s *WindowService) Record(ctx context.Context, res domain.WindowResult) {
	log := s.logger.With(slog.String("slug", res.Slug), slog.String("run_id", res.RunID))

	if s.store != nil {
		if err := s.store.Save(ctx, res); err != nil {
			log.WarnContext(ctx, "window persist failed", slog.String("error", err.Error()))
		}
	}

	if s.bus != nil {
		payload, err := json.Marshal(windowEvent(res))
		if err == nil {
			err = s.bus.StreamAppend(ctx, domain.StreamWindows, payload)
		}
		if err != nil {
			log.WarnContext(ctx, "window stream append failed", slog.String("error", err.Error()))
		}
	}

	if s.archiver != nil {
		if path, err := s.archiver.ArchiveWindow(ctx, res); err != nil {
			log.WarnContext(ctx, "window archive failed", slog.String("error", err.Error()))
		} else {
			log.InfoContext(ctx, "window archived", slog.String("path", path))
		}
	}

	s.Notify(ctx, EventWindowClosed, "Window closed: "+res.Slug, Summary(res))

	log.InfoContext(ctx, "window recorded",
		slog.String("side", string(res.Side)),
		slog.Int("bets", res.Bets),
		slog.String("spent", res.TotalSpent.StringFixed(2)),
		slog.String("est_pnl", res.EstPnL.StringFixed(2)),
		slog.String("reason", string(res.Reason)),
	)
}

// Notify forwards an alert when a notifier is configured.
func (s *WindowService) Notify(ctx context.Context, event, title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}

// Summary renders res as a short human readable message.
func Summary(res domain.WindowResult) string {
	if res.Bets == 0 {
		return fmt.Sprintf("No entry. Closed: %s", res.Reason)
	}
	return fmt.Sprintf("Side: %s\nBets: %d\nShares: %s\nSpent: $%s\nAvg: %s\nExit: %s\nEst. P&L: $%s\nClosed: %s",
		res.Side,
		res.Bets,
		res.TotalShares.String(),
		res.TotalSpent.StringFixed(2),
		res.AvgPrice.StringFixed(4),
		res.ExitPrice.StringFixed(4),
		res.EstPnL.StringFixed(2),
		res.Reason,
	)
}

func windowEvent(res domain.WindowResult) map[string]any {
	return map[string]any{
		"run_id":       res.RunID,
		"slug":         res.Slug,
		"side":         string(res.Side),
		"token_id":     res.TokenID,
		"bets":         res.Bets,
		"total_shares": res.TotalShares.String(),
		"total_spent":  res.TotalSpent.String(),
		"avg_price":    res.AvgPrice.String(),
		"exit_price":   res.ExitPrice.String(),
		"est_pnl":      res.EstPnL.String(),
		"reason":       string(res.Reason),
		"started_at":   res.StartedAt,
		"closed_at":    res.ClosedAt,
	}
}
