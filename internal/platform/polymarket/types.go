package polymarket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexString accepts a JSON string or number and keeps its textual form.
// Prices and sizes arrive either way depending on the endpoint.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(data)
	return nil
}

// Decimal parses the value, reporting false when empty or malformed.
func (f flexString) Decimal() (decimal.Decimal, bool) {
	if f == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(string(f))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// flexList accepts a JSON array of strings or a string containing a
// JSON-encoded array, e.g. "[\"Up\", \"Down\"]".
type flexList []string

func (f *flexList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = nil
		return nil
	}
	var list []flexString
	if err := json.Unmarshal(data, &list); err == nil {
		*f = toStrings(list)
		return nil
	}
	var encoded string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return err
	}
	if strings.TrimSpace(encoded) == "" {
		*f = nil
		return nil
	}
	if err := json.Unmarshal([]byte(encoded), &list); err != nil {
		return err
	}
	*f = toStrings(list)
	return nil
}

func toStrings(in []flexString) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = string(v)
	}
	return out
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIOrder is the subset of GET /data/order/{id} the bot reads.
type APIOrder struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	AssetID      string     `json:"asset_id"`
	Side         string     `json:"side"`
	OriginalSize flexString `json:"original_size"`
	SizeMatched  flexString `json:"size_matched"`
	Price        flexString `json:"price"`
}

// APIOrderResult is the response from POST /order. The id field name has
// varied between API versions.
type APIOrderResult struct {
	Success      bool       `json:"success"`
	ErrorMsg     string     `json:"errorMsg,omitempty"`
	OrderID      string     `json:"orderID,omitempty"`
	OrderIDSnake string     `json:"order_id,omitempty"`
	ID           string     `json:"id,omitempty"`
	Status       string     `json:"status,omitempty"`
	MakingAmount flexString `json:"makingAmount,omitempty"`
	TakingAmount flexString `json:"takingAmount,omitempty"`
}

// ExtractOrderID returns the first non-empty of orderID, order_id and id.
func (r *APIOrderResult) ExtractOrderID() string {
	for _, id := range []string{r.OrderID, r.OrderIDSnake, r.ID} {
		if id != "" {
			return id
		}
	}
	return ""
}

// ToDomainOrderResult converts an APIOrderResult to a domain.OrderResult.
func (r *APIOrderResult) ToDomainOrderResult() domain.OrderResult {
	res := domain.OrderResult{
		Success: r.Success,
		OrderID: r.ExtractOrderID(),
		Message: r.ErrorMsg,
	}
	res.MakingAmount, _ = r.MakingAmount.Decimal()
	res.TakingAmount, _ = r.TakingAmount.Decimal()

	switch strings.ToLower(r.Status) {
	case "live", "open":
		res.Status = domain.OrderStatusOpen
	case "matched":
		res.Status = domain.OrderStatusMatched
	case "delayed", "unmatched":
		res.Status = domain.OrderStatusPending
	default:
		if r.Success {
			res.Status = domain.OrderStatusPending
		} else {
			res.Status = domain.OrderStatusFailed
		}
	}
	return res
}

// APIPosition is one entry of GET /data/positions.
type APIPosition struct {
	AssetID flexString `json:"asset_id"`
	Size    flexString `json:"size"`
	Balance flexString `json:"balance"`
}

func (p APIPosition) amount() (decimal.Decimal, bool) {
	if v, ok := p.Size.Decimal(); ok {
		return v, true
	}
	return p.Balance.Decimal()
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket is the subset of a Gamma market the window discovery reads.
type APIMarket struct {
	ID              flexString `json:"id"`
	Question        string     `json:"question"`
	ConditionID     string     `json:"conditionId"`
	Slug            string     `json:"slug"`
	Active          flexBool   `json:"active"`
	Closed          flexBool   `json:"closed"`
	Outcomes        flexList   `json:"outcomes"`
	ClobTokenIDs    flexList   `json:"clobTokenIds"`
	ClobTokenIDsAlt flexList   `json:"clob_token_ids"`
	EndDate         string     `json:"endDate"`
	EndDateISO      string     `json:"end_date_iso"`
	ClosedTime      string     `json:"closedTime"`
}

// Tradable reports whether the market is active and not closed.
func (m *APIMarket) Tradable() bool {
	return bool(m.Active) && !bool(m.Closed)
}

// EndTime returns the first parseable of endDate, end_date_iso and closedTime.
func (m *APIMarket) EndTime() (time.Time, bool) {
	for _, v := range []string{m.EndDate, m.EndDateISO, m.ClosedTime} {
		if v == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05Z07:00", "2006-01-02 15:04:05Z07", "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// ToDomainWindow maps outcomes to token ids. Outcomes named "Up" or "Yes"
// are the UP side; any other name is DOWN.
func (m *APIMarket) ToDomainWindow() (domain.Window, error) {
	tokens := m.ClobTokenIDs
	if len(tokens) == 0 {
		tokens = m.ClobTokenIDsAlt
	}
	w := domain.Window{
		MarketID:    string(m.ID),
		Slug:        m.Slug,
		ConditionID: m.ConditionID,
	}
	for i, name := range m.Outcomes {
		if i >= len(tokens) {
			break
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "up", "yes":
			w.UpTokenID = tokens[i]
		default:
			w.DownTokenID = tokens[i]
		}
	}
	if w.UpTokenID == "" || w.DownTokenID == "" {
		return domain.Window{}, fmt.Errorf("polymarket/gamma: market %s: %w: missing up/down tokens", m.Slug, domain.ErrNotFound)
	}
	if end, ok := m.EndTime(); ok {
		w.EndTime = end
	}
	return w, nil
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// WSPriceLevel is a single bid/ask level in a book event.
type WSPriceLevel struct {
	Price flexString `json:"price"`
	Size  flexString `json:"size"`
}

// WSPriceChange is one entry of a price_change event.
type WSPriceChange struct {
	AssetID string     `json:"asset_id"`
	Price   flexString `json:"price"`
	Size    flexString `json:"size"`
	Side    string     `json:"side"`
	BestBid flexString `json:"best_bid"`
	BestAsk flexString `json:"best_ask"`
}

// MarketEvent is one event of the market channel. Which fields are set
// depends on EventType.
type MarketEvent struct {
	EventType    string          `json:"event_type"`
	AssetID      string          `json:"asset_id"`
	Market       string          `json:"market"`
	Bids         []WSPriceLevel  `json:"bids"`
	Asks         []WSPriceLevel  `json:"asks"`
	PriceChanges []WSPriceChange `json:"price_changes"`
	Price        flexString      `json:"price"`
	NewTickSize  flexString      `json:"new_tick_size"`
	BestBid      flexString      `json:"best_bid"`
	BestAsk      flexString      `json:"best_ask"`
	Timestamp    flexString      `json:"timestamp"`
}

// Event kinds of the market channel.
const (
	EventBook           = "book"
	EventPriceChange    = "price_change"
	EventLastTradePrice = "last_trade_price"
	EventTickSizeChange = "tick_size_change"
	EventBestBidAsk     = "best_bid_ask"
)

// TopOfBook returns the best bid and ask of a book event. Level order is
// not relied on: the highest bid and the lowest ask win.
func (e *MarketEvent) TopOfBook() (bid, ask decimal.Decimal, hasBid, hasAsk bool) {
	for _, lvl := range e.Bids {
		if p, ok := lvl.Price.Decimal(); ok && (!hasBid || p.GreaterThan(bid)) {
			bid, hasBid = p, true
		}
	}
	for _, lvl := range e.Asks {
		if p, ok := lvl.Price.Decimal(); ok && (!hasAsk || p.LessThan(ask)) {
			ask, hasAsk = p, true
		}
	}
	return bid, ask, hasBid, hasAsk
}

// --------------------------------------------------------------------------
// WebSocket subscription commands
// --------------------------------------------------------------------------

// WSSubscribe is the initial subscription sent on connect.
type WSSubscribe struct {
	AssetIDs []string `json:"assets_ids"`
	Type     string   `json:"type"`
}

// WSAddAssets subscribes more assets on an open connection.
type WSAddAssets struct {
	AssetIDs  []string `json:"assets_ids"`
	Operation string   `json:"operation"`
}
