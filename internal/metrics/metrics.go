// Package metrics holds the process-wide Prometheus collectors.
//
// Exposed series:
//   - updown_orders_total{type,side,result}       orders posted by time-in-force
//   - updown_order_fallbacks_total{from,to}       style fallbacks taken
//   - updown_tracker_timeouts_total               resting orders auto-cancelled
//   - updown_tracked_orders                       resting orders currently tracked
//   - updown_feed_reconnects_total                feed reconnect attempts
//   - updown_feed_events_total{kind}              feed events by kind
//   - updown_feed_connected                       1 while the feed is connected
//   - updown_position_closes_total{reason}        positions closed by reason
//   - updown_position_bets_total{outcome}         entry and DCA buys by side
//
// They are registered in init() and served on /metrics by the app.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "updown_orders_total",
			Help: "Orders posted to the exchange",
		},
		[]string{"type", "side", "result"}, // result: ok|liquidity|error
	)

	Fallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "updown_order_fallbacks_total",
			Help: "Order style fallbacks taken",
		},
		[]string{"from", "to"},
	)

	TrackerTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "updown_tracker_timeouts_total",
			Help: "Resting orders cancelled by the tracker timeout",
		},
	)

	TrackedOrders = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "updown_tracked_orders",
			Help: "Resting orders currently tracked",
		},
	)

	FeedReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "updown_feed_reconnects_total",
			Help: "Price feed reconnect attempts",
		},
	)

	FeedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "updown_feed_events_total",
			Help: "Market channel events by kind",
		},
		[]string{"kind"},
	)

	FeedConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "updown_feed_connected",
			Help: "1 while the price feed connection is open",
		},
	)

	PositionCloses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "updown_position_closes_total",
			Help: "Positions closed by reason",
		},
		[]string{"reason"},
	)

	PositionBets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "updown_position_bets_total",
			Help: "Entry and DCA buys filled",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		Orders,
		Fallbacks,
		TrackerTimeouts,
		TrackedOrders,
		FeedReconnects,
		FeedEvents,
		FeedConnected,
		PositionCloses,
		PositionBets,
	)
}
