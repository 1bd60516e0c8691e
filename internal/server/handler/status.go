package handler

import (
	"net/http"
	"time"
)

// Status is the bot's runtime summary.
type Status struct {
	Mode          string     `json:"mode"`
	Coin          string     `json:"coin"`
	Interval      string     `json:"interval"`
	StartedAt     time.Time  `json:"started_at"`
	Window        string     `json:"window,omitempty"`
	WindowEnd     *time.Time `json:"window_end,omitempty"`
	WindowsRun    int        `json:"windows_run"`
	WindowsBet    int        `json:"windows_bet"`
	TotalEstPnL   string     `json:"total_est_pnl"`
	LastResult    string     `json:"last_result,omitempty"`
	FeedConnected bool       `json:"feed_connected"`
}

// StatusSource supplies the current Status. Implementations must be safe
// for concurrent use.
type StatusSource interface {
	Status() Status
}

// StatusHandler serves the runtime status.
type StatusHandler struct {
	src StatusSource
}

// NewStatusHandler creates a StatusHandler backed by src.
func NewStatusHandler(src StatusSource) *StatusHandler {
	return &StatusHandler{src: src}
}

// GetStatus responds with the current window and running totals.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.src.Status())
}
