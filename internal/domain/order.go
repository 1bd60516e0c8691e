package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType indicates the time-in-force policy.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Till-Cancelled (resting)
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill (full immediate fill or nothing)
	OrderTypeFAK OrderType = "FAK" // Fill-And-Kill (market style, partial fills allowed)
)

// ParseOrderType normalises a configured order type string.
func ParseOrderType(s string) (OrderType, error) {
	switch OrderType(strings.ToUpper(strings.TrimSpace(s))) {
	case OrderTypeGTC:
		return OrderTypeGTC, nil
	case OrderTypeFOK:
		return OrderTypeFOK, nil
	case OrderTypeFAK:
		return OrderTypeFAK, nil
	default:
		return "", fmt.Errorf("%w: unknown order type %q", ErrInvalidOrder, s)
	}
}

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusMatched   OrderStatus = "matched"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusFailed    OrderStatus = "failed"
)

// IsRestingStatus reports whether a raw exchange status means the order is
// still sitting in the book.
func IsRestingStatus(raw string) bool {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "OPEN", "LIVE", "UNMATCHED", "PENDING":
		return true
	default:
		return false
	}
}

// OrderRequest is an exchange-legal order ready to be signed and posted.
// Limit orders (GTC, FOK) carry Price and Size. Market style FAK buys carry
// Amount (USDC notional) and use Price as the worst acceptable price; FAK
// sells carry Size in shares.
type OrderRequest struct {
	TokenID string
	Side    OrderSide
	Type    OrderType
	Price   decimal.Decimal
	Size    decimal.Decimal
	Amount  decimal.Decimal
	Reason  string
}

// IsMarket reports whether the request is a market style order.
func (r OrderRequest) IsMarket() bool {
	return r.Type == OrderTypeFAK
}

// Order is the local record of an order that was posted to the exchange.
type Order struct {
	ID          string // local record id
	ExchangeID  string
	TokenID     string
	Wallet      string
	Side        OrderSide
	Type        OrderType
	Price       decimal.Decimal
	Size        decimal.Decimal
	Amount      decimal.Decimal
	Status      OrderStatus
	Signature   string // EIP-712 hex
	Reason      string // why it was placed: entry, dca, take_profit, ...
	Message     string
	CreatedAt   time.Time
	CancelledAt *time.Time
}

// OrderResult wraps the API response after order submission.
type OrderResult struct {
	Success      bool
	OrderID      string
	Status       OrderStatus
	Message      string
	MakingAmount decimal.Decimal // what we gave: USDC for buys, shares for sells
	TakingAmount decimal.Decimal // what we got: shares for buys, USDC for sells
}

// Fill is the executed part of a buy as seen by the position owner.
type Fill struct {
	OrderID string
	Type    OrderType
	Price   decimal.Decimal
	Shares  decimal.Decimal
	Spent   decimal.Decimal
}
