package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/crypto"
	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/platform/polymarket"
)

const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClob struct {
	posted  []polymarket.SignedOrder
	types   []domain.OrderType
	postErr error
	status  string
}

func (f *fakeClob) PostOrder(_ context.Context, o polymarket.SignedOrder, t domain.OrderType) (domain.OrderResult, error) {
	f.posted = append(f.posted, o)
	f.types = append(f.types, t)
	if f.postErr != nil {
		return domain.OrderResult{}, f.postErr
	}
	return domain.OrderResult{Success: true, OrderID: "0xabc", Status: domain.OrderStatusOpen}, nil
}

func (f *fakeClob) CancelOrder(context.Context, string) error { return nil }

func (f *fakeClob) OrderStatus(context.Context, string) (string, error) { return f.status, nil }

type memOrders struct {
	created []domain.Order
	updated map[string]domain.OrderStatus
}

func (m *memOrders) Create(_ context.Context, o domain.Order) error {
	m.created = append(m.created, o)
	return nil
}

func (m *memOrders) UpdateStatus(_ context.Context, id string, st domain.OrderStatus) error {
	if m.updated == nil {
		m.updated = map[string]domain.OrderStatus{}
	}
	m.updated[id] = st
	return nil
}

type memAudit struct{ events []string }

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.events = append(m.events, event)
	return nil
}

type memBus struct {
	mu      sync.Mutex
	pub     map[string][][]byte
	streams map[string][][]byte
}

func (b *memBus) Publish(_ context.Context, ch string, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pub == nil {
		b.pub = map[string][][]byte{}
	}
	b.pub[ch] = append(b.pub[ch], p)
	return nil
}

func (b *memBus) StreamAppend(_ context.Context, s string, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streams == nil {
		b.streams = map[string][][]byte{}
	}
	b.streams[s] = append(b.streams[s], p)
	return nil
}

type countingLimiter struct{ waits int }

func (l *countingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

func (l *countingLimiter) Wait(context.Context, string, int, time.Duration) error {
	l.waits++
	return nil
}

func newTestService(t *testing.T, clob ClobPoster, cfg OrderConfig) (*OrderService, *memOrders, *memAudit, *memBus, *countingLimiter) {
	t.Helper()
	signer, err := crypto.NewSigner(testKey, 137)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	orders, audit, bus, lim := &memOrders{}, &memAudit{}, &memBus{}, &countingLimiter{}
	svc := NewOrderService(clob, signer, cfg, orders, audit, lim, bus, testLogger())
	svc.now = func() time.Time { return time.Unix(1700000000, 0) }
	return svc, orders, audit, bus, lim
}

func TestBuildPayloadAmounts(t *testing.T) {
	svc, _, _, _, _ := newTestService(t, &fakeClob{}, OrderConfig{})

	tests := []struct {
		name      string
		req       domain.OrderRequest
		maker     string
		taker     string
		side      int
		wantError bool
	}{
		{"limit buy", domain.OrderRequest{TokenID: "1", Side: domain.OrderSideBuy, Type: domain.OrderTypeFOK, Price: d("0.70"), Size: d("1.4")}, "980000", "1400000", 0, false},
		{"limit sell", domain.OrderRequest{TokenID: "1", Side: domain.OrderSideSell, Type: domain.OrderTypeGTC, Price: d("0.95"), Size: d("1.4")}, "1400000", "1330000", 1, false},
		{"market buy", domain.OrderRequest{TokenID: "1", Side: domain.OrderSideBuy, Type: domain.OrderTypeFAK, Price: d("0.70"), Amount: d("1")}, "1000000", "1428500", 0, false},
		{"market sell", domain.OrderRequest{TokenID: "1", Side: domain.OrderSideSell, Type: domain.OrderTypeFAK, Price: d("0.5"), Amount: d("2")}, "2000000", "1000000", 1, false},
		{"zero size", domain.OrderRequest{TokenID: "1", Side: domain.OrderSideBuy, Type: domain.OrderTypeGTC, Price: d("0.5")}, "", "", 0, true},
		{"no token", domain.OrderRequest{Side: domain.OrderSideBuy, Type: domain.OrderTypeGTC, Price: d("0.5"), Size: d("1")}, "", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := svc.BuildPayload(tt.req)
			if tt.wantError {
				if !errors.Is(err, domain.ErrInvalidOrder) {
					t.Fatalf("err = %v, want ErrInvalidOrder", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("BuildPayload: %v", err)
			}
			if p.MakerAmount != tt.maker || p.TakerAmount != tt.taker || p.Side != tt.side {
				t.Errorf("maker=%s taker=%s side=%d", p.MakerAmount, p.TakerAmount, p.Side)
			}
		})
	}
}

func TestMakerIsFunderForProxyWallets(t *testing.T) {
	funder := "0x1111111111111111111111111111111111111111"

	eoa, _, _, _, _ := newTestService(t, &fakeClob{}, OrderConfig{Funder: funder, SignatureType: 0})
	if !strings.EqualFold(eoa.Maker(), "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266") {
		t.Errorf("EOA maker = %s", eoa.Maker())
	}

	safe, _, _, _, _ := newTestService(t, &fakeClob{}, OrderConfig{Funder: funder, SignatureType: 2})
	p, err := safe.BuildPayload(domain.OrderRequest{TokenID: "1", Side: domain.OrderSideBuy, Type: domain.OrderTypeGTC, Price: d("0.5"), Size: d("2")})
	if err != nil {
		t.Fatalf("BuildPayload: %v", err)
	}
	if p.Maker != funder || p.SignatureType != 2 {
		t.Errorf("maker = %s, sigType = %d", p.Maker, p.SignatureType)
	}
	if strings.EqualFold(p.Signer, funder) {
		t.Error("signer must stay the key address")
	}
}

func TestPostRecordsOrder(t *testing.T) {
	clob := &fakeClob{}
	svc, orders, audit, bus, lim := newTestService(t, clob, OrderConfig{})

	res, err := svc.Post(context.Background(), domain.OrderRequest{
		TokenID: "1", Side: domain.OrderSideBuy, Type: domain.OrderTypeFOK,
		Price: d("0.70"), Size: d("1.4"), Reason: "buy",
	})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if res.OrderID != "0xabc" {
		t.Errorf("order id = %s", res.OrderID)
	}
	if lim.waits != 1 {
		t.Errorf("limiter waits = %d", lim.waits)
	}
	if len(clob.posted) != 1 || clob.posted[0].Signature == "" || clob.types[0] != domain.OrderTypeFOK {
		t.Fatalf("posted = %+v", clob.posted)
	}
	if len(orders.created) != 1 || orders.created[0].ExchangeID != "0xabc" || orders.created[0].Reason != "buy" {
		t.Errorf("stored = %+v", orders.created)
	}
	if len(audit.events) != 1 || audit.events[0] != "order_placed" {
		t.Errorf("audit = %v", audit.events)
	}
	var evt map[string]string
	if err := json.Unmarshal(bus.pub[domain.ChannelOrders][0], &evt); err != nil {
		t.Fatalf("event: %v", err)
	}
	if evt["event"] != "order_placed" || evt["order_id"] != "0xabc" {
		t.Errorf("event = %v", evt)
	}
}

func TestPostFailureKeepsSentinel(t *testing.T) {
	clob := &fakeClob{postErr: domain.ErrLiquidity}
	svc, orders, audit, _, _ := newTestService(t, clob, OrderConfig{})

	_, err := svc.Post(context.Background(), domain.OrderRequest{
		TokenID: "1", Side: domain.OrderSideBuy, Type: domain.OrderTypeFOK,
		Price: d("0.70"), Size: d("1.4"),
	})
	if !errors.Is(err, domain.ErrLiquidity) {
		t.Fatalf("err = %v, want ErrLiquidity", err)
	}
	if len(orders.created) != 1 || orders.created[0].Status != domain.OrderStatusFailed {
		t.Errorf("stored = %+v", orders.created)
	}
	if audit.events[0] != "order_failed" {
		t.Errorf("audit = %v", audit.events)
	}
}

func TestCancelMarksOrder(t *testing.T) {
	svc, orders, audit, _, _ := newTestService(t, &fakeClob{}, OrderConfig{})
	if err := svc.Cancel(context.Background(), "0xabc"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if orders.updated["0xabc"] != domain.OrderStatusCancelled {
		t.Errorf("status = %v", orders.updated)
	}
	if audit.events[0] != "order_cancelled" {
		t.Errorf("audit = %v", audit.events)
	}
}

type fakeArchiver struct{ got []domain.WindowResult }

func (a *fakeArchiver) ArchiveWindow(_ context.Context, res domain.WindowResult) (string, error) {
	a.got = append(a.got, res)
	return "windows/x.json", nil
}

type fakeNotifier struct{ titles []string }

func (n *fakeNotifier) Notify(_ context.Context, _, title, _ string) error {
	n.titles = append(n.titles, title)
	return nil
}

type failingStore struct{}

func (failingStore) Save(context.Context, domain.WindowResult) error { return errors.New("db down") }

func TestWindowServiceRecord(t *testing.T) {
	bus, arch, note := &memBus{}, &fakeArchiver{}, &fakeNotifier{}
	svc := NewWindowService(failingStore{}, bus, arch, note, testLogger())

	res := domain.WindowResult{
		RunID: "r1", Slug: "btc-updown-5m-1", Side: domain.OutcomeUp, Bets: 2,
		TotalShares: d("2.7"), TotalSpent: d("1.96"), AvgPrice: d("0.7259"),
		ExitPrice: d("0.95"), EstPnL: d("0.605"), Reason: domain.CloseReasonTakeProfit,
	}
	svc.Record(context.Background(), res)

	if len(bus.streams[domain.StreamWindows]) != 1 {
		t.Errorf("stream entries = %d", len(bus.streams[domain.StreamWindows]))
	}
	if len(arch.got) != 1 {
		t.Errorf("archived = %d", len(arch.got))
	}
	if len(note.titles) != 1 || !strings.Contains(note.titles[0], res.Slug) {
		t.Errorf("notified = %v", note.titles)
	}
}

func TestSummary(t *testing.T) {
	if s := Summary(domain.WindowResult{Reason: domain.CloseReasonWindowExpiry}); !strings.Contains(s, "No entry") {
		t.Errorf("summary = %q", s)
	}
	s := Summary(domain.WindowResult{Side: domain.OutcomeDown, Bets: 1, TotalSpent: d("1"), EstPnL: d("-0.3")})
	if !strings.Contains(s, "Side: DOWN") || !strings.Contains(s, "$-0.30") {
		t.Errorf("summary = %q", s)
	}
}

type stubMarketClob struct {
	mid    decimal.Decimal
	midErr error
}

func (c *stubMarketClob) GetMidpoint(context.Context, string) (decimal.Decimal, error) {
	return c.mid, c.midErr
}

func (c *stubMarketClob) GetTickSize(context.Context, string) (decimal.Decimal, error) {
	return d("0.01"), nil
}

func (c *stubMarketClob) GetBalance(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type memPrices struct {
	prices map[string]float64
	ts     map[string]time.Time
}

func newMemPrices() *memPrices {
	return &memPrices{prices: map[string]float64{}, ts: map[string]time.Time{}}
}

func (m *memPrices) SetPrice(_ context.Context, id string, p float64, ts time.Time) error {
	m.prices[id], m.ts[id] = p, ts
	return nil
}

func (m *memPrices) GetPrice(_ context.Context, id string) (float64, time.Time, error) {
	p, ok := m.prices[id]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, m.ts[id], nil
}

func TestMidpointCachesAndFallsBack(t *testing.T) {
	clob := &stubMarketClob{mid: d("0.62")}
	prices := newMemPrices()
	svc := NewMarketService(clob, nil, "", prices, testLogger())
	ctx := context.Background()

	mid, err := svc.Midpoint(ctx, "up")
	if err != nil || !mid.Equal(d("0.62")) {
		t.Fatalf("mid = %s, %v", mid, err)
	}
	if prices.prices["up"] != 0.62 {
		t.Errorf("cached = %v", prices.prices["up"])
	}

	clob.midErr = errors.New("timeout")
	mid, err = svc.Midpoint(ctx, "up")
	if err != nil || !mid.Equal(d("0.62")) {
		t.Errorf("fresh cache fallback = %s, %v", mid, err)
	}

	prices.ts["up"] = time.Now().Add(-time.Minute)
	if _, err := svc.Midpoint(ctx, "up"); err == nil {
		t.Error("stale cached price used")
	}
	if _, err := svc.Midpoint(ctx, "down"); err == nil {
		t.Error("uncached token returned a price")
	}
}
