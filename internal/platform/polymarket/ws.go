package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/updownbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message or pong from the
	// peer. Pings must be sent more often than this.
	pongWait = 60 * time.Second

	// handshakeTimeout bounds the websocket upgrade.
	handshakeTimeout = 15 * time.Second
)

// MarketConn is one connection to the CLOB market channel. Reads must come
// from a single goroutine; writes are serialised internally.
type MarketConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

// DialMarket connects to the market channel at wsURL, e.g.
// "wss://ws-subscriptions-clob.polymarket.com/ws/market".
func DialMarket(ctx context.Context, wsURL string) (*MarketConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket/ws: connect: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	return &MarketConn{conn: conn}, nil
}

// Subscribe sends the initial subscription naming every asset.
func (c *MarketConn) Subscribe(assetIDs []string) error {
	if err := c.writeJSON(WSSubscribe{AssetIDs: assetIDs, Type: "market"}); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}
	return nil
}

// AddAssets subscribes additional assets without reconnecting.
func (c *MarketConn) AddAssets(assetIDs []string) error {
	if err := c.writeJSON(WSAddAssets{AssetIDs: assetIDs, Operation: "subscribe"}); err != nil {
		return fmt.Errorf("polymarket/ws: add assets: %w", err)
	}
	return nil
}

// Ping sends a keep-alive ping frame.
func (c *MarketConn) Ping() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		return fmt.Errorf("polymarket/ws: ping: %w", err)
	}
	return nil
}

// ReadEvents blocks for the next frame and decodes it. A read error means the
// connection is gone and is wrapped with domain.ErrWSDisconnect. Frames that
// are not market events yield (nil, nil).
func (c *MarketConn) ReadEvents() ([]MarketEvent, error) {
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("polymarket/ws: %w: %v", domain.ErrWSDisconnect, err)
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	events, err := DecodeMarketEvents(raw)
	if err != nil {
		return nil, nil
	}
	return events, nil
}

// Close sends a close frame and closes the connection.
func (c *MarketConn) Close() error {
	c.wmu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	c.wmu.Unlock()
	return c.conn.Close()
}

func (c *MarketConn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// DecodeMarketEvents decodes a frame holding either one event object or a
// batch array of events. Plain-text frames such as "PONG" are an error.
func DecodeMarketEvents(raw []byte) ([]MarketEvent, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("polymarket/ws: empty frame")
	}
	switch raw[0] {
	case '[':
		var events []MarketEvent
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, fmt.Errorf("polymarket/ws: decode batch: %w", err)
		}
		return events, nil
	case '{':
		var ev MarketEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("polymarket/ws: decode event: %w", err)
		}
		return []MarketEvent{ev}, nil
	default:
		return nil, fmt.Errorf("polymarket/ws: non-JSON frame %q", truncate(raw, 32))
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n])
	}
	return string(b)
}
