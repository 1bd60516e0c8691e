package polymarket

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

func TestWindowSlugs(t *testing.T) {
	now := time.Unix(1740560523, 0) // 2m03s into a 5m window
	slugs, err := WindowSlugs("BTC", "5m", now)
	if err != nil {
		t.Fatalf("WindowSlugs: %v", err)
	}
	want := []string{"btc-updown-5m-1740560400", "btc-updown-5m-1740560700"}
	for i := range want {
		if slugs[i] != want[i] {
			t.Errorf("slug[%d] = %s, want %s", i, slugs[i], want[i])
		}
	}

	slugs, err = WindowSlugs("eth", "1h", now)
	if err != nil {
		t.Fatalf("WindowSlugs: %v", err)
	}
	if slugs[0] != "eth-updown-1h-1740560400" || slugs[1] != "eth-updown-1h-1740564000" {
		t.Errorf("1h slug = %s", slugs[0])
	}

	if _, err := WindowSlugs("btc", "4h", now); err == nil {
		t.Fatal("expected error for unsupported interval")
	}
}

func TestWindowSlugsEasternDated(t *testing.T) {
	morning := time.Unix(1740560523, 0)   // 2025-02-26 04:02 EST
	lateNight := time.Unix(1740630600, 0) // 2025-02-26 23:30 EST

	tests := []struct {
		name     string
		coin     string
		interval string
		now      time.Time
		want     [2]string
	}{
		{"hourly", "BTC", "1h_et", morning, [2]string{
			"bitcoin-up-or-down-february-26-4am-et",
			"bitcoin-up-or-down-february-26-5am-et",
		}},
		{"hourly across midnight", "eth", "1h_et", lateNight, [2]string{
			"ethereum-up-or-down-february-26-11pm-et",
			"ethereum-up-or-down-february-27-12am-et",
		}},
		{"daily", "btc", "24h", morning, [2]string{
			"bitcoin-up-or-down-on-february-26",
			"bitcoin-up-or-down-on-february-27",
		}},
		{"daily unknown coin", "doge", "24h", lateNight, [2]string{
			"doge-up-or-down-on-february-26",
			"doge-up-or-down-on-february-27",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slugs, err := WindowSlugs(tt.coin, tt.interval, tt.now)
			if err != nil {
				t.Fatalf("WindowSlugs: %v", err)
			}
			if len(slugs) != 2 || slugs[0] != tt.want[0] || slugs[1] != tt.want[1] {
				t.Errorf("slugs = %v, want %v", slugs, tt.want)
			}
		})
	}

	if d, ok := IntervalLength("24h"); !ok || d != 24*time.Hour {
		t.Errorf("24h length = %v, %v", d, ok)
	}
}

func TestFindWindow(t *testing.T) {
	now := time.Unix(1740560523, 0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("slug") {
		case "btc-updown-5m-1740560400":
			// current window already closed
			io.WriteString(w, `[{"id":"1","slug":"btc-updown-5m-1740560400","active":true,"closed":true}]`)
		case "btc-updown-5m-1740560700":
			io.WriteString(w, `[{
				"id":"2",
				"slug":"btc-updown-5m-1740560700",
				"conditionId":"0xcond",
				"active":"true",
				"closed":false,
				"outcomes":"[\"Down\", \"Up\"]",
				"clobTokenIds":"[\"111\", \"222\"]",
				"endDate":"2025-02-26T09:10:00Z"
			}]`)
		default:
			io.WriteString(w, `[]`)
		}
	}))
	defer srv.Close()

	g := NewGammaClient(srv.URL)
	w, err := g.FindWindow(context.Background(), "btc", "5m", now)
	if err != nil {
		t.Fatalf("FindWindow: %v", err)
	}
	if w.Slug != "btc-updown-5m-1740560700" {
		t.Errorf("slug = %s", w.Slug)
	}
	if w.UpTokenID != "222" || w.DownTokenID != "111" {
		t.Errorf("tokens up=%s down=%s", w.UpTokenID, w.DownTokenID)
	}
	if w.TokenID(domain.OutcomeUp) != "222" {
		t.Errorf("TokenID(UP) = %s", w.TokenID(domain.OutcomeUp))
	}
	if !w.EndTime.Equal(time.Date(2025, 2, 26, 9, 10, 0, 0, time.UTC)) {
		t.Errorf("end = %s", w.EndTime)
	}
}

func TestFindWindowNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	_, err := NewGammaClient(srv.URL).FindWindow(context.Background(), "btc", "15m", time.Now())
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestToDomainWindowYesNo(t *testing.T) {
	m := APIMarket{
		Slug:            "x",
		Outcomes:        flexList{"Yes", "No"},
		ClobTokenIDsAlt: flexList{"a", "b"},
		EndDateISO:      "2025-02-26T09:10:00Z",
	}
	w, err := m.ToDomainWindow()
	if err != nil {
		t.Fatalf("ToDomainWindow: %v", err)
	}
	if w.UpTokenID != "a" || w.DownTokenID != "b" {
		t.Errorf("tokens up=%s down=%s", w.UpTokenID, w.DownTokenID)
	}

	m.ClobTokenIDsAlt = flexList{"a"}
	if _, err := m.ToDomainWindow(); err == nil {
		t.Fatal("expected error when a side has no token")
	}
}
