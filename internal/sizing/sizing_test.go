package sizing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func checkIntent(t *testing.T, in Intent, tick decimal.Decimal) {
	t.Helper()
	if !in.Price.Mod(tick).IsZero() {
		t.Errorf("price %s is not a multiple of tick %s", in.Price, tick)
	}
	if in.Price.LessThan(MinPrice) || in.Price.GreaterThan(MaxPrice) {
		t.Errorf("price %s out of [0.01, 0.99]", in.Price)
	}
	if DecimalPlaces(in.Size) > 4 {
		t.Errorf("size %s has more than 4 decimals", in.Size)
	}
	if in.Exact && DecimalPlaces(in.Notional()) > 2 {
		t.Errorf("notional %s has more than 2 decimals", in.Notional())
	}
}

func TestAggressive(t *testing.T) {
	s := New(DefaultSearchCents)
	tests := []struct {
		name      string
		price     string
		budget    string
		tick      string
		wantPrice string
		wantSize  string
	}{
		{"on tick", "0.70", "1", "0.01", "0.7", "1.4"},
		{"snaps down", "0.705", "1", "0.01", "0.7", "1.4"},
		{"exact budget", "0.50", "5", "0.01", "0.5", "10"},
		{"clamped high", "0.999", "1", "0.01", "0.99", "1"},
		{"fine tick", "0.123", "10", "0.001", "0.123", "80"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := s.Aggressive(d(tc.price), d(tc.budget), d(tc.tick))
			checkIntent(t, in, d(tc.tick))
			if !in.Exact {
				t.Fatalf("expected exact intent, got %+v", in)
			}
			if !in.Price.Equal(d(tc.wantPrice)) {
				t.Errorf("price = %s, want %s", in.Price, tc.wantPrice)
			}
			if !in.Size.Equal(d(tc.wantSize)) {
				t.Errorf("size = %s, want %s", in.Size, tc.wantSize)
			}
			if in.Notional().GreaterThan(d(tc.budget)) {
				t.Errorf("notional %s exceeds budget %s", in.Notional(), tc.budget)
			}
		})
	}
}

func TestAggressiveFallsBackToMinimumSize(t *testing.T) {
	// At 0.07 only whole shares have an exact notional, and one costs more than 5 cents.
	in := New(5).Aggressive(d("0.07"), d("0.05"), d("0.01"))
	if in.Exact {
		t.Fatalf("expected inexact fallback, got %+v", in)
	}
	if !in.Size.Equal(MinShares) {
		t.Errorf("size = %s, want %s", in.Size, MinShares)
	}
}

func TestPassiveKeepsOnTickPrice(t *testing.T) {
	s := Sizer{}
	in := s.Passive(d("0.95"), d("2"), d("0.01"))
	checkIntent(t, in, d("0.01"))
	if !in.Price.Equal(d("0.95")) {
		t.Errorf("price = %s, want 0.95", in.Price)
	}
	// Off-tick targets move to the nearest tick.
	in = s.Passive(d("0.706"), d("2"), d("0.01"))
	if !in.Price.Equal(d("0.71")) {
		t.Errorf("price = %s, want 0.71", in.Price)
	}
}

func TestSizerProperties(t *testing.T) {
	s := Sizer{}
	ticks := []string{"0.01", "0.001"}
	for _, tk := range ticks {
		tick := d(tk)
		for p := 1; p <= 99; p += 7 {
			price := decimal.New(int64(p), -2).Add(d("0.0037"))
			for _, b := range []string{"1", "3.33", "10", "25.5"} {
				in := s.Aggressive(price, d(b), tick)
				checkIntent(t, in, tick)
				in = s.Passive(price, d(b), tick)
				checkIntent(t, in, tick)
			}
		}
	}
}

func TestSell(t *testing.T) {
	s := Sizer{}
	tests := []struct {
		price, shares, want string
	}{
		{"0.95", "1.4285", "1.4"},
		{"0.50", "3.0001", "3"},
		{"0.68", "1.4", "1.25"},
		{"0.99", "10", "10"},
	}
	for _, tc := range tests {
		in, err := s.Sell(d(tc.price), d(tc.shares), d("0.01"))
		if err != nil {
			t.Fatalf("Sell(%s, %s): %v", tc.price, tc.shares, err)
		}
		if !in.Size.Equal(d(tc.want)) {
			t.Errorf("Sell(%s, %s) size = %s, want %s", tc.price, tc.shares, in.Size, tc.want)
		}
		if DecimalPlaces(in.Notional()) > 2 {
			t.Errorf("Sell(%s, %s) notional %s not exact", tc.price, tc.shares, in.Notional())
		}
		if in.Size.GreaterThan(d(tc.shares)) {
			t.Errorf("Sell sized %s above holdings %s", in.Size, tc.shares)
		}
	}
}

func TestSellTooSmall(t *testing.T) {
	_, err := Sizer{}.Sell(d("0.95"), d("0.00005"), d("0.01"))
	if !errors.Is(err, domain.ErrSizeTooSmall) {
		t.Fatalf("err = %v, want ErrSizeTooSmall", err)
	}
	// 0.1 shares at 0.95 is 0.095, not representable at two decimals.
	_, err = Sizer{}.Sell(d("0.95"), d("0.1"), d("0.01"))
	if !errors.Is(err, domain.ErrSizeTooSmall) {
		t.Fatalf("err = %v, want ErrSizeTooSmall", err)
	}
}

func TestDecimalPlaces(t *testing.T) {
	cases := map[string]int32{"1": 0, "0.10": 1, "0.0001": 4, "12.340": 2}
	for in, want := range cases {
		if got := DecimalPlaces(d(in)); got != want {
			t.Errorf("DecimalPlaces(%s) = %d, want %d", in, got, want)
		}
	}
}
