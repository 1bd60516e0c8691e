package position

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/executor"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFeed struct {
	mids  map[string]decimal.Decimal
	ticks map[string]decimal.Decimal
}

func (f *fakeFeed) Midpoint(id string) (decimal.Decimal, bool) {
	v, ok := f.mids[id]
	return v, ok
}

func (f *fakeFeed) TickSize(id string) (decimal.Decimal, bool) {
	if t, ok := f.ticks[id]; ok {
		return t, true
	}
	return d("0.01"), false
}

func (f *fakeFeed) Connected() bool { return true }

type fakeMarket struct {
	mids    map[string]decimal.Decimal
	tick    decimal.Decimal
	balance decimal.Decimal
	balErr  error
}

func (m *fakeMarket) Midpoint(_ context.Context, id string) (decimal.Decimal, error) {
	if v, ok := m.mids[id]; ok {
		return v, nil
	}
	return decimal.Zero, domain.ErrNoPrice
}

func (m *fakeMarket) TickSize(context.Context, string) decimal.Decimal { return m.tick }

func (m *fakeMarket) Balance(context.Context, string) (decimal.Decimal, error) {
	return m.balance, m.balErr
}

type buyCall struct {
	token               string
	price, budget, tick decimal.Decimal
}

type bracketCall struct {
	token      string
	shares, tp decimal.Decimal
	sl         *decimal.Decimal
}

type sellCall struct {
	token         string
	shares, price decimal.Decimal
}

type fakeExec struct {
	fills      []domain.Fill // returned in order; then sized from the budget
	buyFail    bool
	buyPanic   bool
	noBrackets bool
	sellFails  int

	buys       []buyCall
	brackets   []bracketCall
	sells      []sellCall
	cancelAlls int
	resting    map[string]bool
	statusErr  error

	cancelExcepts [][]string
}

func newFakeExec() *fakeExec {
	return &fakeExec{resting: map[string]bool{}}
}

func (f *fakeExec) PlaceBuy(_ context.Context, token string, price, budget, tick decimal.Decimal) (domain.Fill, bool) {
	if f.buyPanic {
		panic("exchange client bug")
	}
	f.buys = append(f.buys, buyCall{token, price, budget, tick})
	if f.buyFail {
		return domain.Fill{}, false
	}
	if len(f.fills) > 0 {
		fill := f.fills[0]
		f.fills = f.fills[1:]
		return fill, true
	}
	return domain.Fill{Price: price, Shares: budget.Div(price).RoundDown(4), Spent: budget}, true
}

func (f *fakeExec) PlaceSellBracket(_ context.Context, token string, shares, tp decimal.Decimal, sl *decimal.Decimal, _ decimal.Decimal) executor.BracketPair {
	f.brackets = append(f.brackets, bracketCall{token, shares, tp, sl})
	if f.noBrackets {
		return executor.BracketPair{}
	}
	n := len(f.brackets)
	pair := executor.BracketPair{TakeProfitID: fmt.Sprintf("tp-%d", n)}
	f.resting[pair.TakeProfitID] = true
	if sl != nil {
		pair.StopLossID = fmt.Sprintf("sl-%d", n)
		f.resting[pair.StopLossID] = true
	}
	return pair
}

func (f *fakeExec) PlaceSellImmediate(_ context.Context, token string, shares, price, _ decimal.Decimal) (domain.OrderResult, bool) {
	f.sells = append(f.sells, sellCall{token, shares, price})
	if f.sellFails > 0 {
		f.sellFails--
		return domain.OrderResult{}, false
	}
	return domain.OrderResult{Success: true, OrderID: "sell"}, true
}

func (f *fakeExec) CancelAll(context.Context) error {
	f.cancelAlls++
	for id := range f.resting {
		f.resting[id] = false
	}
	return nil
}

func (f *fakeExec) CancelExcept(_ context.Context, keep ...string) error {
	f.cancelExcepts = append(f.cancelExcepts, keep)
	kept := map[string]bool{}
	for _, id := range keep {
		kept[id] = true
	}
	for id := range f.resting {
		if !kept[id] {
			f.resting[id] = false
		}
	}
	return nil
}

func (f *fakeExec) IsResting(_ context.Context, id string) (bool, error) {
	if f.statusErr != nil {
		return false, f.statusErr
	}
	return f.resting[id], nil
}

func baseConfig() Config {
	return Config{
		EntryPrice:      d("0.70"),
		AmountPerBet:    d("1"),
		TakeProfit:      d("0.95"),
		UseStopLoss:     true,
		StatusPollEvery: 6,
		PollInterval:    time.Millisecond,
	}
}

type harness struct {
	m      *Machine
	feed   *fakeFeed
	market *fakeMarket
	exec   *fakeExec
	now    time.Time
	end    time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		feed:   &fakeFeed{mids: map[string]decimal.Decimal{}, ticks: map[string]decimal.Decimal{}},
		market: &fakeMarket{mids: map[string]decimal.Decimal{}, tick: d("0.01"), balErr: errors.New("no positions api")},
		exec:   newFakeExec(),
		now:    time.Unix(1740560400, 0),
	}
	h.end = h.now.Add(5 * time.Minute)
	win := domain.Window{Slug: "btc-updown-5m-1740560400", UpTokenID: "up", DownTokenID: "down", EndTime: h.end}
	m, err := New(cfg, win, h.feed, h.market, h.exec, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.now = func() time.Time { return h.now }
	m.Bootstrap(context.Background())
	h.m = m
	return h
}

// step sets both feed midpoints and runs one tick.
func (h *harness) step(up, down string) bool {
	h.feed.mids["up"], h.feed.mids["down"] = d(up), d(down)
	h.now = h.now.Add(500 * time.Millisecond)
	return h.m.Tick(context.Background())
}

// enterUp arms on a dip and buys UP at 0.70.
func (h *harness) enterUp(t *testing.T) {
	t.Helper()
	h.step("0.65", "0.33")
	h.step("0.70", "0.30")
	if h.m.pos.State != StateInPosition {
		t.Fatalf("state = %s, want IN_POSITION", h.m.pos.State)
	}
}

func TestNoEntryWithoutDip(t *testing.T) {
	h := newHarness(t, baseConfig())
	for i := 0; i < 20; i++ {
		h.step("0.75", "0.75")
		h.step("0.80", "0.72")
	}
	if len(h.exec.buys) != 0 {
		t.Fatalf("buys = %d, want 0", len(h.exec.buys))
	}
	if h.m.pos.State != StateWaitingToArm {
		t.Errorf("state = %s", h.m.pos.State)
	}
}

func TestEntryAfterDip(t *testing.T) {
	h := newHarness(t, baseConfig())

	h.step("0.75", "0.75")
	h.step("0.65", "0.68")
	if h.m.pos.State != StateArmed {
		t.Fatalf("state = %s, want ARMED", h.m.pos.State)
	}
	h.step("0.69", "0.31")
	if len(h.exec.buys) != 0 {
		t.Fatal("bought below the entry price")
	}
	h.step("0.70", "0.30")

	if len(h.exec.buys) != 1 {
		t.Fatalf("buys = %d, want 1", len(h.exec.buys))
	}
	buy := h.exec.buys[0]
	if buy.token != "up" || !buy.price.Equal(d("0.70")) || !buy.budget.Equal(d("1")) || !buy.tick.Equal(d("0.01")) {
		t.Errorf("buy = %+v", buy)
	}

	p := h.m.Position()
	if p.Side != domain.OutcomeUp || p.TokenID != "up" || p.Bets != 1 {
		t.Errorf("position = %+v", p)
	}
	if !p.TotalShares.Equal(d("1.4285")) || !p.TotalSpent.Equal(d("1")) {
		t.Errorf("shares = %s spent = %s", p.TotalShares, p.TotalSpent)
	}

	if len(h.exec.brackets) != 1 {
		t.Fatalf("brackets = %d, want 1", len(h.exec.brackets))
	}
	br := h.exec.brackets[0]
	if !br.tp.Equal(d("0.95")) || !br.shares.Equal(d("1.4285")) {
		t.Errorf("bracket = %+v", br)
	}
	if br.sl == nil || !br.sl.Equal(d("0.69")) {
		t.Errorf("bracket stop loss = %v, want 0.69", br.sl)
	}
	if p.TakeProfitID != "tp-1" || p.StopLossID != "sl-1" {
		t.Errorf("ids = %s / %s", p.TakeProfitID, p.StopLossID)
	}
}

func TestEntryOnDownSide(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.step("0.65", "0.68")
	h.step("0.28", "0.72")
	p := h.m.Position()
	if p.Side != domain.OutcomeDown || p.TokenID != "down" {
		t.Fatalf("side = %s token = %s", p.Side, p.TokenID)
	}
	// The side stays locked even when UP later crosses the entry.
	h.step("0.75", "0.25")
	if h.m.Position().TokenID != "down" || len(h.exec.buys) != 1 {
		t.Errorf("token changed or extra buy: %+v", h.exec.buys)
	}
}

func TestFailedBuyResets(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.exec.buyFail = true

	h.step("0.65", "0.68")
	h.step("0.70", "0.30")
	p := h.m.Position()
	if p.State != StateWaitingToArm || p.Side != "" || p.TokenID != "" {
		t.Fatalf("after failed buy: %+v", p)
	}
	// A new dip is required before the next attempt.
	h.step("0.71", "0.29")
	if len(h.exec.buys) != 1 {
		t.Errorf("buys = %d, want 1", len(h.exec.buys))
	}
	h.exec.buyFail = false
	h.step("0.60", "0.40")
	h.step("0.72", "0.28")
	if h.m.pos.State != StateInPosition || len(h.exec.buys) != 2 {
		t.Errorf("state = %s buys = %d", h.m.pos.State, len(h.exec.buys))
	}
}

func TestDCARecomputesAverageAndReplacesBracket(t *testing.T) {
	cfg := baseConfig()
	cfg.BetStep = dp("0.05")
	h := newHarness(t, cfg)
	h.exec.fills = []domain.Fill{
		{Price: d("0.70"), Shares: d("2"), Spent: d("1.4")},
		{Price: d("0.75"), Shares: d("2"), Spent: d("1.5")},
	}
	h.enterUp(t)

	h.step("0.74", "0.26")
	if len(h.exec.buys) != 1 {
		t.Fatalf("buys = %d before the step", len(h.exec.buys))
	}
	h.step("0.75", "0.25")
	if len(h.exec.buys) != 2 {
		t.Fatalf("buys = %d, want 2", len(h.exec.buys))
	}
	if !h.exec.buys[1].price.Equal(d("0.75")) || h.exec.buys[1].token != "up" {
		t.Errorf("dca buy = %+v", h.exec.buys[1])
	}

	p := h.m.Position()
	if !p.AvgPrice.Equal(d("0.725")) || !p.TotalShares.Equal(d("4")) || p.Bets != 2 {
		t.Errorf("avg = %s shares = %s bets = %d", p.AvgPrice, p.TotalShares, p.Bets)
	}
	if !p.LastBetPrice.Equal(d("0.75")) {
		t.Errorf("last bet = %s", p.LastBetPrice)
	}

	if len(h.exec.brackets) != 2 {
		t.Fatalf("brackets = %d, want 2", len(h.exec.brackets))
	}
	br := h.exec.brackets[1]
	if !br.shares.Equal(d("4")) || br.sl == nil || !br.sl.Equal(d("0.715")) {
		t.Errorf("replacement bracket = %+v sl=%v", br, br.sl)
	}
	if p.TakeProfitID != "tp-2" || p.StopLossID != "sl-2" {
		t.Errorf("ids = %s / %s", p.TakeProfitID, p.StopLossID)
	}
}

func TestBracketFillDetectedByStatusPoll(t *testing.T) {
	cfg := baseConfig()
	cfg.StatusPollEvery = 2
	h := newHarness(t, cfg)
	h.exec.fills = []domain.Fill{{Price: d("0.70"), Shares: d("2"), Spent: d("1.4")}}
	h.enterUp(t)

	h.step("0.80", "0.20")
	h.step("0.85", "0.15") // poll, both resting
	if h.m.pos.State != StateInPosition {
		t.Fatalf("closed while both exits rest")
	}

	h.exec.resting["tp-1"] = false
	h.step("0.90", "0.10")
	if done := h.step("0.90", "0.10"); !done {
		t.Fatalf("state = %s, want CLOSED", h.m.pos.State)
	}

	if h.exec.cancelAlls != 1 {
		t.Errorf("cancel all = %d, want 1", h.exec.cancelAlls)
	}
	if h.exec.resting["sl-1"] {
		t.Error("orphaned stop loss still resting")
	}
	if len(h.exec.sells) != 0 {
		t.Errorf("sells = %+v, want none", h.exec.sells)
	}
	res := h.m.Result()
	if res.Reason != domain.CloseReasonTakeProfit || !res.ExitPrice.Equal(d("0.95")) {
		t.Errorf("result = %+v", res)
	}
	if !res.EstPnL.Equal(d("0.5")) {
		t.Errorf("pnl = %s, want 0.5", res.EstPnL)
	}
}

func TestStopLossFillDetected(t *testing.T) {
	cfg := baseConfig()
	cfg.StatusPollEvery = 1
	h := newHarness(t, cfg)
	h.exec.fills = []domain.Fill{{Price: d("0.70"), Shares: d("2"), Spent: d("1.4")}}
	h.enterUp(t)

	h.exec.resting["sl-1"] = false
	if !h.step("0.60", "0.40") {
		t.Fatal("not closed")
	}
	res := h.m.Result()
	if res.Reason != domain.CloseReasonStopLoss || !res.ExitPrice.Equal(d("0.69")) {
		t.Errorf("result = %+v", res)
	}
	if len(h.exec.sells) != 0 {
		t.Error("stop-loss fill must not sell again")
	}
}

func TestStatusQueryErrorKeepsBrackets(t *testing.T) {
	cfg := baseConfig()
	cfg.StatusPollEvery = 1
	h := newHarness(t, cfg)
	h.enterUp(t)

	h.exec.statusErr = errors.New("i/o timeout")
	for i := 0; i < 5; i++ {
		if h.step("0.80", "0.20") {
			t.Fatalf("closed on a failed status query, reason %s", h.m.pos.CloseReason)
		}
	}
	if h.m.pos.State != StateInPosition {
		t.Fatalf("state = %s, want IN_POSITION", h.m.pos.State)
	}
	if h.exec.cancelAlls != 0 || !h.exec.resting["tp-1"] || !h.exec.resting["sl-1"] {
		t.Errorf("brackets touched: cancel all = %d, resting = %v", h.exec.cancelAlls, h.exec.resting)
	}
	if len(h.exec.sells) != 0 {
		t.Errorf("sells = %+v, want none", h.exec.sells)
	}

	// Once the exchange answers again a real fill is still detected.
	h.exec.statusErr = nil
	h.exec.resting["tp-1"] = false
	if !h.step("0.90", "0.10") {
		t.Fatal("fill not detected after status recovered")
	}
	if h.m.Result().Reason != domain.CloseReasonTakeProfit {
		t.Errorf("reason = %s", h.m.Result().Reason)
	}
}

func TestTakeProfitFallback(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.exec.noBrackets = true
	h.exec.fills = []domain.Fill{{Price: d("0.70"), Shares: d("2"), Spent: d("1.4")}}
	h.enterUp(t)
	h.market.balErr, h.market.balance = nil, d("1.9")

	h.step("0.80", "0.20")
	if len(h.exec.sells) != 0 {
		t.Fatal("sold below take profit")
	}
	if !h.step("0.95", "0.05") {
		t.Fatalf("state = %s, want CLOSED", h.m.pos.State)
	}
	if h.exec.cancelAlls != 1 {
		t.Errorf("cancel all = %d", h.exec.cancelAlls)
	}
	sell := h.exec.sells[0]
	if sell.token != "up" || !sell.shares.Equal(d("1.9")) || !sell.price.Equal(d("0.95")) {
		t.Errorf("sell = %+v, want real balance 1.9 at 0.95", sell)
	}
	res := h.m.Result()
	if res.Reason != domain.CloseReasonTPFallback || !res.EstPnL.Equal(d("0.5")) {
		t.Errorf("result = %+v", res)
	}
}

func TestStopLossFallbackRetries(t *testing.T) {
	cfg := baseConfig()
	cfg.StopLoss = dp("0.50")
	h := newHarness(t, cfg)
	h.exec.noBrackets = true
	h.exec.sellFails = 1
	h.exec.fills = []domain.Fill{{Price: d("0.70"), Shares: d("2"), Spent: d("1.4")}}
	h.enterUp(t)

	if h.step("0.50", "0.50") {
		t.Fatal("closed although the sell failed")
	}
	if !h.step("0.48", "0.52") {
		t.Fatal("not closed after a successful retry")
	}
	if len(h.exec.sells) != 2 || h.exec.cancelAlls != 2 {
		t.Errorf("sells = %d cancels = %d", len(h.exec.sells), h.exec.cancelAlls)
	}
	if !h.exec.sells[1].shares.Equal(d("2")) {
		t.Errorf("sell shares = %s, want tracked 2", h.exec.sells[1].shares)
	}
	res := h.m.Result()
	if res.Reason != domain.CloseReasonSLFallback || !res.EstPnL.Equal(d("-0.44")) {
		t.Errorf("result = %+v", res)
	}
}

func TestStopLossDisabled(t *testing.T) {
	cfg := baseConfig()
	cfg.UseStopLoss = false
	cfg.StopLoss = dp("0.5")
	h := newHarness(t, cfg)
	h.enterUp(t)

	if h.exec.brackets[0].sl != nil {
		t.Errorf("bracket carries a stop loss: %s", h.exec.brackets[0].sl)
	}
	if h.m.Position().StopLoss != nil || h.m.Position().StopLossID != "" {
		t.Error("position has a stop loss")
	}
	h.step("0.10", "0.90")
	h.step("0.05", "0.95")
	if len(h.exec.sells) != 0 || h.m.pos.State != StateInPosition {
		t.Errorf("sold without a stop loss: %+v", h.exec.sells)
	}
}

func TestWindowExpiry(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.enterUp(t)

	h.now = h.end
	if !h.m.Tick(context.Background()) {
		t.Fatal("not closed at window end")
	}
	if h.exec.cancelAlls != 1 {
		t.Errorf("cancel all = %d", h.exec.cancelAlls)
	}
	res := h.m.Result()
	if res.Reason != domain.CloseReasonWindowExpiry || res.Side != domain.OutcomeUp || !res.EstPnL.IsZero() {
		t.Errorf("result = %+v", res)
	}
}

func TestWindowExpiryWithoutEntry(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.step("0.75", "0.75")
	h.now = h.end.Add(time.Second)
	if !h.m.Tick(context.Background()) {
		t.Fatal("not closed")
	}
	res := h.m.Result()
	if res.Side != "" || res.Bets != 0 || res.Reason != domain.CloseReasonWindowExpiry {
		t.Errorf("result = %+v", res)
	}
}

func TestPricesFallBackToREST(t *testing.T) {
	h := newHarness(t, baseConfig())

	h.feed.mids["up"] = d("0.65")
	h.m.Tick(context.Background())
	if h.m.pos.State != StateWaitingToArm {
		t.Fatal("ticked with a missing price")
	}

	h.market.mids["down"] = d("0.33")
	h.m.Tick(context.Background())
	if h.m.pos.State != StateArmed {
		t.Errorf("state = %s, want ARMED from feed+REST prices", h.m.pos.State)
	}
}

func TestTickSizePreference(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.market.tick = d("0.001")
	h.m.Bootstrap(context.Background())

	if got := h.m.tick("up"); !got.Equal(d("0.001")) {
		t.Errorf("tick = %s, want REST 0.001", got)
	}
	h.feed.ticks["up"] = d("0.0001")
	if got := h.m.tick("up"); !got.Equal(d("0.0001")) {
		t.Errorf("tick = %s, want feed 0.0001", got)
	}
	delete(h.feed.ticks, "up")
	if got := h.m.tick("up"); !got.Equal(d("0.0001")) {
		t.Errorf("tick = %s, want last known 0.0001", got)
	}
}

func TestBracketSharesBoundedByBalance(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.market.balErr, h.market.balance = nil, d("1.2")
	h.enterUp(t)
	if !h.exec.brackets[0].shares.Equal(d("1.2")) {
		t.Errorf("bracket shares = %s, want balance 1.2", h.exec.brackets[0].shares)
	}
}

func TestBreakEvenStopLoss(t *testing.T) {
	cfg := baseConfig()
	fills := []struct{ price, spent, shares, tick string }{
		{"0.70", "1", "1.4285", "0.01"},
		{"0.55", "2.5", "4.5454", "0.01"},
		{"0.96", "1", "1.0416", "0.001"},
		{"0.33", "0.99", "3", "0.01"},
	}
	for _, f := range fills {
		t.Run(f.price, func(t *testing.T) {
			var p Position
			p.applyFill(cfg, d(f.price), d(f.spent), d(f.shares), d(f.tick))
			if p.StopLoss == nil {
				t.Fatal("no stop loss")
			}
			if !p.StopLoss.LessThan(p.AvgPrice) {
				t.Errorf("stop loss %s not below avg %s", p.StopLoss, p.AvgPrice)
			}
			// Loss at the stop is bounded by one tick per share.
			loss := p.AvgPrice.Sub(*p.StopLoss)
			if loss.GreaterThan(d(f.tick).Add(d("0.00005"))) {
				t.Errorf("stop loss %s more than a tick below avg %s", p.StopLoss, p.AvgPrice)
			}
		})
	}
}

func TestEffectiveStopLossModes(t *testing.T) {
	avg, tick := d("0.725"), d("0.01")
	tests := []struct {
		name string
		cfg  Config
		mode StopLossMode
		want string
	}{
		{"offset wins", Config{UseStopLoss: true, StopLossOffset: dp("0.1"), StopLoss: dp("0.5")}, StopLossOffset, "0.625"},
		{"fixed", Config{UseStopLoss: true, StopLoss: dp("0.5")}, StopLossFixed, "0.5"},
		{"break even", Config{UseStopLoss: true}, StopLossBreakEven, "0.715"},
		{"disabled", Config{StopLoss: dp("0.5")}, StopLossDisabled, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.cfg.Mode() != tt.mode {
				t.Errorf("mode = %s, want %s", tt.cfg.Mode(), tt.mode)
			}
			sl := effectiveStopLoss(tt.cfg, avg, tick)
			if tt.want == "" {
				if sl != nil {
					t.Errorf("stop loss = %s, want none", sl)
				}
				return
			}
			if sl == nil || !sl.Equal(d(tt.want)) {
				t.Errorf("stop loss = %v, want %s", sl, tt.want)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	if err := baseConfig().Validate(); err != nil {
		t.Fatalf("valid config: %v", err)
	}
	bad := baseConfig()
	bad.EntryPrice = d("1.2")
	bad.AmountPerBet = decimal.Zero
	bad.BetStep = dp("-0.01")
	bad.StatusPollEvery = 0
	err := bad.Validate()
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{"entry_price", "amount_per_bet", "bet_step", "status_poll_every"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestConfigCopiedOnConstruct(t *testing.T) {
	cfg := baseConfig()
	cfg.StopLoss = dp("0.5")
	h := newHarness(t, cfg)
	*cfg.StopLoss = d("0.9")
	if !h.m.cfg.StopLoss.Equal(d("0.5")) {
		t.Errorf("machine config changed to %s", h.m.cfg.StopLoss)
	}
}

func TestRunStopsOnClose(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.now = h.end
	res, err := h.m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reason != domain.CloseReasonWindowExpiry || res.RunID == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestRunShutdownKeepsLiveExits(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.enterUp(t)
	h.exec.resting["stale"] = true
	h.m.now = func() time.Time { return h.end.Add(-time.Minute) }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := h.m.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if res.Reason != domain.CloseReasonShutdown {
		t.Errorf("reason = %s", res.Reason)
	}
	if h.exec.cancelAlls != 0 {
		t.Errorf("cancel all = %d, want live exits kept", h.exec.cancelAlls)
	}
	if len(h.exec.cancelExcepts) != 1 {
		t.Fatalf("cancel except calls = %d, want 1", len(h.exec.cancelExcepts))
	}
	keep := h.exec.cancelExcepts[0]
	if len(keep) != 2 || keep[0] != "tp-1" || keep[1] != "sl-1" {
		t.Errorf("kept = %v, want [tp-1 sl-1]", keep)
	}
	if !h.exec.resting["tp-1"] || !h.exec.resting["sl-1"] || h.exec.resting["stale"] {
		t.Errorf("resting = %v", h.exec.resting)
	}
}

func TestRunShutdownWithoutPositionCancelsEverything(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.exec.resting["leftover"] = true
	h.m.now = func() time.Time { return h.end.Add(-time.Minute) }

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.m.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if len(h.exec.cancelExcepts) != 1 || len(h.exec.cancelExcepts[0]) != 0 {
		t.Errorf("cancel except = %v, want one call keeping nothing", h.exec.cancelExcepts)
	}
	if h.exec.resting["leftover"] {
		t.Error("tracked order left resting without a position")
	}
}

func TestTickPanicRecovered(t *testing.T) {
	h := newHarness(t, baseConfig())
	h.exec.buyPanic = true
	h.step("0.65", "0.33")
	h.feed.mids["up"] = d("0.70")
	if h.m.safeTick(context.Background()) {
		t.Error("panicking tick reported done")
	}
}

func TestOnFillSeesBracketedPosition(t *testing.T) {
	h := newHarness(t, baseConfig())
	var seen []Position
	h.m.OnFill(func(_ context.Context, p Position) { seen = append(seen, p) })

	h.enterUp(t)

	if len(seen) != 1 {
		t.Fatalf("hook calls = %d, want 1", len(seen))
	}
	if seen[0].Bets != 1 || seen[0].Side != domain.OutcomeUp || seen[0].TakeProfitID != "tp-1" {
		t.Errorf("hook position = %+v", seen[0])
	}
}
