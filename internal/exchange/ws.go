// ws.go implements WebSocket feeds for real-time exchange data.
//
// Two independent feeds run concurrently:
//
//   - Market feed (public): subscribes by symbol, receives tick, L1 quote
//     and L2 book snapshots.
//
//   - User feed (authenticated): subscribes by campaign/symbol, receives
//     fill and order lifecycle events.
//
// Both feeds auto-reconnect with exponential backoff (1s -> 30s max) and
// re-subscribe to all tracked symbols on reconnection. A read deadline (90s)
// ensures silent server failures are detected within ~2 missed pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"tradingcore/pkg/types"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	readBufferSize   = 256
	tradeBufferSize  = 64
)

// FillEvent is one authenticated-feed fill notification.
type FillEvent struct {
	OrderID         string          `json:"order_id"`
	InternalOrderID string          `json:"internal_order_id"`
	Symbol          string          `json:"symbol"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price"`
	Timestamp       time.Time       `json:"timestamp"`
}

// OrderEvent is one authenticated-feed order lifecycle notification.
type OrderEvent struct {
	OrderID         string            `json:"order_id"`
	InternalOrderID string            `json:"internal_order_id"`
	Symbol          string            `json:"symbol"`
	Status          types.OrderStatus `json:"status"`
	CancelReason    string            `json:"cancel_reason"`
	Timestamp       time.Time         `json:"timestamp"`
}

// wsSubscribeMsg is sent once on connect (and again on reconnect) with the
// full set of currently tracked symbols.
type wsSubscribeMsg struct {
	Type    string            `json:"type"`
	Symbols []string          `json:"symbols"`
	Auth    map[string]string `json:"auth,omitempty"`
}

// wsUpdateMsg adds/removes symbols from an already-connected subscription.
type wsUpdateMsg struct {
	Operation string   `json:"operation"`
	Symbols   []string `json:"symbols"`
}

// WSFeed manages a single WebSocket connection (market or user channel). It
// handles connection lifecycle, subscription tracking, message routing, and
// automatic reconnection with exponential backoff.
type WSFeed struct {
	url         string
	conn        *websocket.Conn
	connMu      sync.Mutex
	auth        *Auth // nil for market channel, set for user channel
	channelType string

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	tickCh    chan types.Tick
	quoteCh   chan types.L1Quote
	bookCh    chan types.L2Book
	fillCh    chan FillEvent
	orderCh   chan OrderEvent

	logger *slog.Logger
}

// NewMarketFeed creates a WebSocket feed for the public market channel.
func NewMarketFeed(wsURL string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:         wsURL,
		channelType: "market",
		subscribed:  make(map[string]bool),
		tickCh:      make(chan types.Tick, readBufferSize),
		quoteCh:     make(chan types.L1Quote, readBufferSize),
		bookCh:      make(chan types.L2Book, readBufferSize),
		logger:      logger.With("component", "ws_market"),
	}
}

// NewUserFeed creates a WebSocket feed for the authenticated user channel.
func NewUserFeed(wsURL string, auth *Auth, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:         wsURL,
		auth:        auth,
		channelType: "user",
		subscribed:  make(map[string]bool),
		fillCh:      make(chan FillEvent, tradeBufferSize),
		orderCh:     make(chan OrderEvent, tradeBufferSize),
		logger:      logger.With("component", "ws_user"),
	}
}

// Ticks returns a read-only channel of tick events (market channel).
func (f *WSFeed) Ticks() <-chan types.Tick { return f.tickCh }

// Quotes returns a read-only channel of L1 quote events (market channel).
func (f *WSFeed) Quotes() <-chan types.L1Quote { return f.quoteCh }

// Books returns a read-only channel of L2 book snapshots (market channel).
func (f *WSFeed) Books() <-chan types.L2Book { return f.bookCh }

// Fills returns a read-only channel of fill events (user channel).
func (f *WSFeed) Fills() <-chan FillEvent { return f.fillCh }

// Orders returns a read-only channel of order lifecycle events (user channel).
func (f *WSFeed) Orders() <-chan OrderEvent { return f.orderCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds symbols to the tracked subscription set.
func (f *WSFeed) Subscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(wsUpdateMsg{Operation: "subscribe", Symbols: symbols})
}

// Unsubscribe removes symbols from the tracked subscription set.
func (f *WSFeed) Unsubscribe(symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(wsUpdateMsg{Operation: "unsubscribe", Symbols: symbols})
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "channel", f.channelType)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	msg := wsSubscribeMsg{Type: f.channelType, Symbols: symbols}
	if f.channelType == "user" {
		msg.Auth = f.auth.WSAuthPayload()
	}
	return f.writeJSON(msg)
}

func (f *WSFeed) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "tick":
		var evt types.Tick
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal tick event", "error", err)
			return
		}
		select {
		case f.tickCh <- evt:
		default:
			f.logger.Warn("tick channel full, dropping event", "symbol", evt.Symbol)
		}

	case "quote":
		var evt types.L1Quote
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal quote event", "error", err)
			return
		}
		select {
		case f.quoteCh <- evt:
		default:
			f.logger.Warn("quote channel full, dropping event", "symbol", evt.Symbol)
		}

	case "book":
		var evt types.L2Book
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal book event", "error", err)
			return
		}
		select {
		case f.bookCh <- evt:
		default:
			f.logger.Warn("book channel full, dropping event", "symbol", evt.Symbol)
		}

	case "fill":
		var evt FillEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal fill event", "error", err)
			return
		}
		select {
		case f.fillCh <- evt:
		default:
			f.logger.Warn("fill channel full, dropping event", "order_id", evt.OrderID)
		}

	case "order":
		var evt OrderEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal order event", "error", err)
			return
		}
		select {
		case f.orderCh <- evt:
		default:
			f.logger.Warn("order channel full, dropping event", "order_id", evt.OrderID)
		}

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *WSFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
