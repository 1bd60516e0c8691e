package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/updownbot/internal/server/handler"
)

type fixedStatus struct{ s handler.Status }

func (f fixedStatus) Status() handler.Status { return f.s }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	h := Routes(nil, func() bool { return true }, testLogger())
	rec := get(t, h, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["feed_connected"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestStatus(t *testing.T) {
	end := time.Date(2025, 2, 26, 9, 5, 0, 0, time.UTC)
	src := fixedStatus{handler.Status{
		Mode:        "trade",
		Coin:        "btc",
		Interval:    "5m",
		Window:      "btc-updown-5m-1740560400",
		WindowEnd:   &end,
		WindowsRun:  3,
		TotalEstPnL: "0.90",
	}}
	rec := get(t, Routes(src, nil, testLogger()), "/api/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var got handler.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Window != src.s.Window || got.WindowsRun != 3 || !got.WindowEnd.Equal(end) {
		t.Errorf("status = %+v", got)
	}
}

func TestStatusAbsentWithoutSource(t *testing.T) {
	rec := get(t, Routes(nil, nil, testLogger()), "/api/status")
	if rec.Code != http.StatusNotFound {
		t.Errorf("code = %d, want 404", rec.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	rec := get(t, Routes(nil, nil, testLogger()), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("default registry not served")
	}
}
