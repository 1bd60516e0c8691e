package handler

import (
	"net/http"
	"time"
)

// Check reports whether a dependency is usable.
type Check func() bool

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	feed Check
}

// NewHealthHandler creates a HealthHandler. feed may be nil when no price
// feed runs in this process.
func NewHealthHandler(feed Check) *HealthHandler {
	return &HealthHandler{feed: feed}
}

// HealthCheck responds 200 while the process is alive. The feed state is
// reported but does not fail the check, since the bot falls back to REST.
// GET /healthz
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if h.feed != nil {
		body["feed_connected"] = h.feed()
	}
	writeJSON(w, http.StatusOK, body)
}
