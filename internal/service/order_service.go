// Package service holds the application services sitting between the core
// trading components and the exchange, storage and messaging adapters.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/crypto"
	"github.com/alanyoungcy/updownbot/internal/domain"
	"github.com/alanyoungcy/updownbot/internal/platform/polymarket"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// amountScale is the number of decimals of on-chain USDC and outcome share
// amounts.
const amountScale = 6

// Signer abstracts EIP-712 order signing so the service layer never depends
// on concrete key-management implementations.
type Signer interface {
	SignOrder(payload crypto.OrderPayload) (string, error)
	Address() common.Address
}

// ClobPoster is the subset of the CLOB client the order service drives.
type ClobPoster interface {
	PostOrder(ctx context.Context, order polymarket.SignedOrder, orderType domain.OrderType) (domain.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	OrderStatus(ctx context.Context, orderID string) (string, error)
}

// OrderConfig identifies the trading wallet and the posting rate limit.
type OrderConfig struct {
	Funder        string // proxy or safe wallet holding funds; empty for EOA
	SignatureType int    // 0 EOA, 1 POLY_PROXY, 2 POLY_GNOSIS_SAFE
	FeeRateBps    int
	RateLimit     int
	RateWindow    time.Duration
}

// OrderService turns order requests into signed CLOB orders. Every attempt
// is rate limited, persisted, audited and published. Stores, limiter and bus
// are optional.
type OrderService struct {
	clob    ClobPoster
	signer  Signer
	cfg     OrderConfig
	orders  domain.OrderStore
	audit   domain.AuditStore
	limiter domain.RateLimiter
	bus     domain.SignalBus
	logger  *slog.Logger
	now     func() time.Time
}

// NewOrderService creates an OrderService.
func NewOrderService(
	clob ClobPoster,
	signer Signer,
	cfg OrderConfig,
	orders domain.OrderStore,
	audit domain.AuditStore,
	limiter domain.RateLimiter,
	bus domain.SignalBus,
	logger *slog.Logger,
) *OrderService {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Second
	}
	return &OrderService{
		clob:    clob,
		signer:  signer,
		cfg:     cfg,
		orders:  orders,
		audit:   audit,
		limiter: limiter,
		bus:     bus,
		logger:  logger.With(slog.String("component", "order_service")),
		now:     time.Now,
	}
}

// Maker returns the address that holds funds and appears as the order maker.
func (s *OrderService) Maker() string {
	if s.cfg.SignatureType != 0 && s.cfg.Funder != "" {
		return s.cfg.Funder
	}
	return s.signer.Address().Hex()
}

// Post signs and submits req.
func (s *OrderService) Post(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx, "orders:"+s.Maker(), s.cfg.RateLimit, s.cfg.RateWindow); err != nil {
			return domain.OrderResult{}, fmt.Errorf("order_service: rate limiter: %w", err)
		}
	}

	payload, err := s.BuildPayload(req)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("order_service: build order: %w", err)
	}
	signature, err := s.signer.SignOrder(payload)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("order_service: %w: %v", domain.ErrSigningFailed, err)
	}

	result, postErr := s.clob.PostOrder(ctx, polymarket.SignedOrder{Payload: payload, Signature: signature}, req.Type)

	order := domain.Order{
		ID:         uuid.NewString(),
		ExchangeID: result.OrderID,
		TokenID:    req.TokenID,
		Wallet:     s.Maker(),
		Side:       req.Side,
		Type:       req.Type,
		Price:      req.Price,
		Size:       req.Size,
		Amount:     req.Amount,
		Status:     result.Status,
		Signature:  signature,
		Reason:     req.Reason,
		Message:    result.Message,
		CreatedAt:  s.now().UTC(),
	}
	event := "order_placed"
	if postErr != nil {
		order.Status = domain.OrderStatusFailed
		order.Message = postErr.Error()
		event = "order_failed"
	} else if order.Status == "" {
		order.Status = domain.OrderStatusOpen
	}
	s.record(ctx, event, order)

	if postErr != nil {
		return result, fmt.Errorf("order_service: post order: %w", postErr)
	}

	s.logger.InfoContext(ctx, "order placed",
		slog.String("order_id", result.OrderID),
		slog.String("type", string(req.Type)),
		slog.String("side", string(req.Side)),
		slog.String("status", string(result.Status)),
		slog.String("reason", req.Reason),
	)
	return result, nil
}

// Cancel cancels orderID on the exchange and marks it cancelled locally.
func (s *OrderService) Cancel(ctx context.Context, orderID string) error {
	if err := s.clob.CancelOrder(ctx, orderID); err != nil {
		return fmt.Errorf("order_service: cancel %q: %w", orderID, err)
	}

	if s.orders != nil {
		if err := s.orders.UpdateStatus(ctx, orderID, domain.OrderStatusCancelled); err != nil {
			s.logger.WarnContext(ctx, "order status update failed",
				slog.String("order_id", orderID),
				slog.String("error", err.Error()),
			)
		}
	}
	s.publish(ctx, map[string]string{"event": "order_cancelled", "order_id": orderID})
	s.auditLog(ctx, "order_cancelled", map[string]any{"order_id": orderID})
	return nil
}

// OrderStatus returns the raw exchange status of orderID.
func (s *OrderService) OrderStatus(ctx context.Context, orderID string) (string, error) {
	status, err := s.clob.OrderStatus(ctx, orderID)
	if err != nil {
		return "", fmt.Errorf("order_service: status %q: %w", orderID, err)
	}
	return status, nil
}

// BuildPayload converts req into the unsigned exchange order. Amounts are
// in 10^-6 units: a buy gives USDC and takes shares, a sell the reverse.
func (s *OrderService) BuildPayload(req domain.OrderRequest) (crypto.OrderPayload, error) {
	if req.TokenID == "" {
		return crypto.OrderPayload{}, fmt.Errorf("%w: missing token id", domain.ErrInvalidOrder)
	}
	if !req.Price.IsPositive() {
		return crypto.OrderPayload{}, fmt.Errorf("%w: price %s", domain.ErrInvalidOrder, req.Price)
	}

	var usdc, shares decimal.Decimal
	switch {
	case req.IsMarket() && req.Side == domain.OrderSideBuy:
		usdc = req.Amount.Truncate(2)
		shares = usdc.Div(req.Price).Truncate(4)
	case req.IsMarket():
		shares = req.Amount.Truncate(4)
		if shares.IsZero() {
			shares = req.Size.Truncate(4)
		}
		usdc = shares.Mul(req.Price).Truncate(4)
	default:
		shares = req.Size
		usdc = req.Price.Mul(req.Size)
	}
	if !usdc.IsPositive() || !shares.IsPositive() {
		return crypto.OrderPayload{}, fmt.Errorf("%w: zero amount (usdc %s, shares %s)", domain.ErrInvalidOrder, usdc, shares)
	}

	side := 0
	maker, taker := usdc, shares
	if req.Side == domain.OrderSideSell {
		side = 1
		maker, taker = shares, usdc
	}

	return crypto.OrderPayload{
		Salt:          strconv.FormatInt(s.now().UnixNano(), 10),
		Maker:         s.Maker(),
		Signer:        s.signer.Address().Hex(),
		Taker:         zeroAddress,
		TokenID:       req.TokenID,
		MakerAmount:   toUnits(maker),
		TakerAmount:   toUnits(taker),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    strconv.Itoa(s.cfg.FeeRateBps),
		Side:          side,
		SignatureType: s.cfg.SignatureType,
	}, nil
}

func toUnits(d decimal.Decimal) string {
	return d.Shift(amountScale).Truncate(0).String()
}

func (s *OrderService) record(ctx context.Context, event string, order domain.Order) {
	if s.orders != nil {
		if err := s.orders.Create(ctx, order); err != nil {
			s.logger.WarnContext(ctx, "order persist failed",
				slog.String("order_id", order.ExchangeID),
				slog.String("error", err.Error()),
			)
		}
	}

	s.publish(ctx, map[string]string{
		"event":    event,
		"order_id": order.ExchangeID,
		"token_id": order.TokenID,
		"side":     string(order.Side),
		"type":     string(order.Type),
		"price":    order.Price.String(),
		"status":   string(order.Status),
		"reason":   order.Reason,
	})

	s.auditLog(ctx, event, map[string]any{
		"order_id": order.ExchangeID,
		"local_id": order.ID,
		"token_id": order.TokenID,
		"side":     string(order.Side),
		"type":     string(order.Type),
		"price":    order.Price.String(),
		"size":     order.Size.String(),
		"amount":   order.Amount.String(),
		"reason":   order.Reason,
		"message":  order.Message,
	})
}

func (s *OrderService) publish(ctx context.Context, evt map[string]string) {
	if s.bus == nil {
		return
	}
	payload, _ := json.Marshal(evt)
	if err := s.bus.Publish(ctx, domain.ChannelOrders, payload); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("order_id", evt["order_id"]),
			slog.String("error", err.Error()),
		)
	}
}

func (s *OrderService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
