package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// Intervals supported by the up/down slug schemes and their window length.
// "1h_et" and "24h" markets are named by their Eastern Time date instead of
// a unix timestamp.
var intervalLengths = map[string]time.Duration{
	"5m":    5 * time.Minute,
	"15m":   15 * time.Minute,
	"1h":    time.Hour,
	"1h_et": time.Hour,
	"24h":   24 * time.Hour,
}

// coinNames maps a ticker to the name used in ET-dated slugs.
var coinNames = map[string]string{
	"btc": "bitcoin",
	"eth": "ethereum",
	"sol": "solana",
	"xrp": "xrp",
}

// eastern is the clock ET-dated slugs are written in. Without a zone
// database it falls back to EST.
var eastern = func() *time.Location {
	if loc, err := time.LoadLocation("America/New_York"); err == nil {
		return loc
	}
	return time.FixedZone("EST", -5*60*60)
}()

// IntervalLength returns the window length for an interval such as "5m".
func IntervalLength(interval string) (time.Duration, bool) {
	d, ok := intervalLengths[strings.ToLower(interval)]
	return d, ok
}

// WindowSlugs returns the slugs of the window containing now and of the
// next one, e.g. "btc-updown-5m-1740560400",
// "bitcoin-up-or-down-february-26-10am-et" or
// "bitcoin-up-or-down-on-february-26".
func WindowSlugs(coin, interval string, now time.Time) ([]string, error) {
	length, ok := IntervalLength(interval)
	if !ok {
		return nil, fmt.Errorf("polymarket/gamma: unsupported interval %q", interval)
	}
	coin = strings.ToLower(coin)
	interval = strings.ToLower(interval)

	switch interval {
	case "1h_et":
		et := now.In(eastern)
		return []string{hourlySlug(coin, et), hourlySlug(coin, et.Add(time.Hour))}, nil
	case "24h":
		et := now.In(eastern)
		return []string{dailySlug(coin, et), dailySlug(coin, et.AddDate(0, 0, 1))}, nil
	}

	w := int64(length / time.Second)
	start := now.Unix() / w * w
	return []string{
		fmt.Sprintf("%s-updown-%s-%d", coin, interval, start),
		fmt.Sprintf("%s-updown-%s-%d", coin, interval, start+w),
	}, nil
}

func coinName(coin string) string {
	if name, ok := coinNames[coin]; ok {
		return name
	}
	return coin
}

// hourlySlug names the ET hour containing t.
func hourlySlug(coin string, t time.Time) string {
	h := t.Hour() % 12
	if h == 0 {
		h = 12
	}
	ampm := "am"
	if t.Hour() >= 12 {
		ampm = "pm"
	}
	return fmt.Sprintf("%s-up-or-down-%s-%d-%d%s-et",
		coinName(coin), strings.ToLower(t.Month().String()), t.Day(), h, ampm)
}

// dailySlug names the ET day containing t.
func dailySlug(coin string, t time.Time) string {
	return fmt.Sprintf("%s-up-or-down-on-%s-%d",
		coinName(coin), strings.ToLower(t.Month().String()), t.Day())
}

// GammaClient is the REST client for the Polymarket Gamma API, used to find
// the market behind each up/down window.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGammaClient creates a new Gamma API client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string) *GammaClient {
	return &GammaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// GetMarketBySlug returns the market for slug. The endpoint answers with a
// list, or with a bare object on some deployments.
func (g *GammaClient) GetMarketBySlug(ctx context.Context, slug string) (APIMarket, error) {
	path := "/markets?" + url.Values{"slug": {slug}}.Encode()

	body, err := g.doGet(ctx, path)
	if err != nil {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: get market by slug %s: %w", slug, err)
	}

	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '{' {
		var m APIMarket
		if err := json.Unmarshal(body, &m); err != nil {
			return APIMarket{}, fmt.Errorf("polymarket/gamma: decode market: %w", err)
		}
		if m.Slug == slug {
			return m, nil
		}
		return APIMarket{}, fmt.Errorf("polymarket/gamma: %w: slug=%s", domain.ErrNotFound, slug)
	}

	var markets []APIMarket
	if err := json.Unmarshal(body, &markets); err != nil {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}
	if len(markets) == 0 {
		return APIMarket{}, fmt.Errorf("polymarket/gamma: %w: slug=%s", domain.ErrNotFound, slug)
	}
	return markets[0], nil
}

// FindWindow checks the current and next window slugs and returns the first
// market that is active and not closed.
func (g *GammaClient) FindWindow(ctx context.Context, coin, interval string, now time.Time) (domain.Window, error) {
	slugs, err := WindowSlugs(coin, interval, now)
	if err != nil {
		return domain.Window{}, err
	}
	var lastErr error
	for _, slug := range slugs {
		m, err := g.GetMarketBySlug(ctx, slug)
		if err != nil {
			lastErr = err
			continue
		}
		if !m.Tradable() {
			continue
		}
		if m.Slug == "" {
			m.Slug = slug
		}
		w, err := m.ToDomainWindow()
		if err != nil {
			lastErr = err
			continue
		}
		return w, nil
	}
	if lastErr != nil && ctx.Err() != nil {
		return domain.Window{}, ctx.Err()
	}
	return domain.Window{}, fmt.Errorf("polymarket/gamma: %w: no active window for %s", domain.ErrNotFound, strings.Join(slugs, ", "))
}

// WaitForWindow polls FindWindow every retry until a window is found or ctx
// is done. onMiss, if set, is called after each unsuccessful attempt.
func (g *GammaClient) WaitForWindow(ctx context.Context, coin, interval string, retry time.Duration, onMiss func(error)) (domain.Window, error) {
	for {
		w, err := g.FindWindow(ctx, coin, interval, time.Now())
		if err == nil {
			return w, nil
		}
		if ctx.Err() != nil {
			return domain.Window{}, ctx.Err()
		}
		if onMiss != nil {
			onMiss(err)
		}
		select {
		case <-ctx.Done():
			return domain.Window{}, ctx.Err()
		case <-time.After(retry):
		}
	}
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doGet sends an unauthenticated GET request to the Gamma API.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}
