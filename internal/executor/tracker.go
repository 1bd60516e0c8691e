package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/updownbot/internal/metrics"
)

// Canceller cancels a resting order on the exchange.
type Canceller interface {
	Cancel(ctx context.Context, orderID string) error
}

// Tracker keeps the set of resting orders this process placed. Orders with a
// deadline are cancelled by a single background scan once it passes; orders
// without one stay tracked until cancelled explicitly. All mutations share
// one mutex so an expiring order never races an explicit cancel.
type Tracker struct {
	cancel Canceller
	scan   time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	orders map[string]time.Time // orderID -> deadline, zero = none
}

// NewTracker creates a Tracker that scans for expired orders every scan.
func NewTracker(c Canceller, scan time.Duration, logger *slog.Logger) *Tracker {
	if scan <= 0 {
		scan = time.Second
	}
	return &Tracker{
		cancel: c,
		scan:   scan,
		logger: logger.With(slog.String("component", "gtc_tracker")),
		now:    time.Now,
		orders: make(map[string]time.Time),
	}
}

// Schedule tracks orderID. A positive timeout arms an auto-cancel; zero keeps
// the order tracked until Cancel or CancelAll.
func (t *Tracker) Schedule(orderID string, timeout time.Duration) {
	if orderID == "" {
		return
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = t.now().Add(timeout)
	}

	t.mu.Lock()
	t.orders[orderID] = deadline
	n := len(t.orders)
	t.mu.Unlock()
	metrics.TrackedOrders.Set(float64(n))

	if deadline.IsZero() {
		t.logger.Info("order tracked without timeout", slog.String("order_id", orderID))
	} else {
		t.logger.Info("order auto-cancel scheduled",
			slog.String("order_id", orderID),
			slog.Duration("timeout", timeout))
	}
}

// Cancel stops tracking orderID and cancels it on the exchange.
func (t *Tracker) Cancel(ctx context.Context, orderID string) error {
	t.mu.Lock()
	delete(t.orders, orderID)
	n := len(t.orders)
	t.mu.Unlock()
	metrics.TrackedOrders.Set(float64(n))

	if err := t.cancel.Cancel(ctx, orderID); err != nil {
		t.logger.WarnContext(ctx, "cancel failed",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()))
		return fmt.Errorf("executor: cancel %s: %w", orderID, err)
	}
	t.logger.InfoContext(ctx, "order cancelled", slog.String("order_id", orderID))
	return nil
}

// CancelAll cancels every tracked order. Failures are joined into the
// returned error; every order is attempted.
func (t *Tracker) CancelAll(ctx context.Context) error {
	return t.CancelAllExcept(ctx)
}

// CancelAllExcept cancels every tracked order not listed in keep. Kept
// orders stay tracked.
func (t *Tracker) CancelAllExcept(ctx context.Context, keep ...string) error {
	skip := make(map[string]bool, len(keep))
	for _, id := range keep {
		skip[id] = true
	}
	var errs []error
	for _, id := range t.Tracked() {
		if skip[id] {
			continue
		}
		if err := t.Cancel(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Tracked returns the tracked order ids, sorted.
func (t *Tracker) Tracked() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.orders))
	for id := range t.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsTracked reports whether orderID is tracked.
func (t *Tracker) IsTracked(orderID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.orders[orderID]
	return ok
}

// Run scans for expired orders until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.scan)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.expire(ctx)
		}
	}
}

// expire removes every order past its deadline under the lock, then
// cancels them outside it.
func (t *Tracker) expire(ctx context.Context) {
	now := t.now()
	var due []string

	t.mu.Lock()
	for id, deadline := range t.orders {
		if !deadline.IsZero() && !now.Before(deadline) {
			due = append(due, id)
			delete(t.orders, id)
		}
	}
	n := len(t.orders)
	t.mu.Unlock()

	if len(due) == 0 {
		return
	}
	metrics.TrackedOrders.Set(float64(n))
	sort.Strings(due)
	for _, id := range due {
		metrics.TrackerTimeouts.Inc()
		t.logger.WarnContext(ctx, "order timed out, cancelling", slog.String("order_id", id))
		if err := t.cancel.Cancel(ctx, id); err != nil {
			t.logger.ErrorContext(ctx, "timeout cancel failed",
				slog.String("order_id", id),
				slog.String("error", err.Error()))
		}
	}
}
