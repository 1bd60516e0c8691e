package redis

import (
	"errors"
	"strings"
	"testing"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

func TestClientOptions(t *testing.T) {
	opts, err := ClientConfig{Addr: "localhost:6379", DB: 2, PoolSize: 4, TLSEnabled: true}.options()
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.Addr != "localhost:6379" || opts.DB != 2 || opts.PoolSize != 4 || opts.TLSConfig == nil {
		t.Errorf("opts = %+v", opts)
	}

	opts, err = ClientConfig{URL: "redis://:secret@cache:6380/3", Addr: "ignored:1"}.options()
	if err != nil {
		t.Fatalf("options from url: %v", err)
	}
	if opts.Addr != "cache:6380" || opts.Password != "secret" || opts.DB != 3 {
		t.Errorf("opts from url = %+v", opts)
	}

	if _, err := (ClientConfig{URL: "http://nope"}).options(); err == nil {
		t.Error("bad scheme accepted")
	}
}

func TestKeys(t *testing.T) {
	if got := lockKey(WindowLockKey("btc-updown-5m-1740560400")); got != "lock:window:btc-updown-5m-1740560400" {
		t.Errorf("lock key = %s", got)
	}
	if got := priceKey("123"); got != "price:123" {
		t.Errorf("price key = %s", got)
	}
	if got := rateLimitKey("orders:0xabc"); got != "ratelimit:orders:0xabc" {
		t.Errorf("rate limit key = %s", got)
	}
}

func TestParsePrice(t *testing.T) {
	p, ts, err := parsePrice("1", map[string]string{"price": "0.615", "ts": "1700000000000000000"})
	if err != nil {
		t.Fatalf("parsePrice: %v", err)
	}
	if p != 0.615 || ts.Unix() != 1700000000 {
		t.Errorf("price = %v ts = %v", p, ts)
	}
	if _, _, err := parsePrice("1", map[string]string{}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("empty hash err = %v", err)
	}
	if _, _, err := parsePrice("1", map[string]string{"price": "x", "ts": "1"}); err == nil {
		t.Error("bad price accepted")
	}
}

func TestHasPattern(t *testing.T) {
	if hasPattern(domain.ChannelPrices) {
		t.Error("plain channel treated as pattern")
	}
	if !hasPattern("prices:*") {
		t.Error("glob not detected")
	}
}

func TestSlidingWindowScriptEmbedded(t *testing.T) {
	if !strings.Contains(slidingWindowLua, "ZREMRANGEBYSCORE") {
		t.Error("sliding window script not embedded")
	}
}
