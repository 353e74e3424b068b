package okx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/candleproxy/candleproxy/exchange/common"
)

// OKX v5 websocket endpoints. Candle channels live on the business endpoint,
// tickers on the public one.
const (
	BusinessWSURL = "wss://ws.okx.com:8443/ws/v5/business"
	PublicWSURL   = "wss://ws.okx.com:8443/ws/v5/public"
)

// ChannelKind is an OKX websocket channel name.
type ChannelKind string

const (
	// ChannelCandle1m pushes 1-minute candlestick updates.
	ChannelCandle1m ChannelKind = "candle1m"

	// ChannelTickers pushes ticker updates.
	ChannelTickers ChannelKind = "tickers"
)

// ErrNotConnected means: the websocket is not currently connected, so the operation cannot be sent
var ErrNotConnected = errors.New("okx stream is not connected")

// StreamArg identifies a subscription on the wire: a channel and an
// instrument id, e.g. {"channel": "candle1m", "instId": "BTC-USDT"}.
type StreamArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// StreamHandler receives the data rows of one pushed message. Handlers run on
// the read goroutine, so they must not block.
type StreamHandler func(arg StreamArg, data []json.RawMessage)

type subKey struct {
	channel ChannelKind
	instID  string
}

type streamOp struct {
	Op   string      `json:"op"`
	Args []StreamArg `json:"args"`
}

type streamMessage struct {
	Event string            `json:"event,omitempty"`
	Code  string            `json:"code,omitempty"`
	Msg   string            `json:"msg,omitempty"`
	Arg   StreamArg         `json:"arg,omitempty"`
	Data  []json.RawMessage `json:"data,omitempty"`
}

// StreamClient maintains a persistent websocket connection to one OKX
// endpoint. Handlers are kept in a registry keyed by (channel, instrument),
// which doubles as the re-subscription list: every (re)connect re-issues a
// subscribe op for all registered keys, so a dropped connection recovers to
// the same subscription set without caller involvement.
type StreamClient struct {
	url    string
	dialer *websocket.Dialer

	mu        sync.RWMutex
	conn      *websocket.Conn
	handlers  map[subKey]StreamHandler
	connected bool

	reconnectDelay time.Duration
	pingInterval   time.Duration
	pongTimeout    time.Duration
	writeTimeout   time.Duration

	onReconnect func()
}

// NewStreamClient constructs a client for the given endpoint URL. Nothing is
// dialed until Run.
func NewStreamClient(url string) *StreamClient {
	return &StreamClient{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
		},
		handlers:       map[subKey]StreamHandler{},
		reconnectDelay: 5 * time.Second,
		pingInterval:   20 * time.Second,
		pongTimeout:    10 * time.Second,
		writeTimeout:   5 * time.Second,
	}
}

// Register adds a handler to the registry without touching the network. It is
// the pre-connection path: registered keys are subscribed as soon as Run
// establishes a connection.
func (c *StreamClient) Register(kind ChannelKind, instID string, h StreamHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[subKey{kind, instID}] = h
}

// Subscribe sends a subscribe op for the key and adds its handler to the
// registry. It fails without registering when the client is not connected or
// the op cannot be sent, so that callers can roll back cleanly.
func (c *StreamClient) Subscribe(kind ChannelKind, instID string, h StreamHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected || c.conn == nil {
		return ErrNotConnected
	}
	op := streamOp{Op: "subscribe", Args: []StreamArg{{Channel: string(kind), InstID: instID}}}
	if err := c.send(op); err != nil {
		return fmt.Errorf("failed to send subscribe op: %w", err)
	}
	c.handlers[subKey{kind, instID}] = h
	return nil
}

// Unsubscribe removes the key from the registry, so it will not be
// re-subscribed after a reconnect, and sends an unsubscribe op when
// connected. Unknown keys are a no-op.
func (c *StreamClient) Unsubscribe(kind ChannelKind, instID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := subKey{kind, instID}
	if _, ok := c.handlers[key]; !ok {
		return nil
	}
	delete(c.handlers, key)
	if !c.connected || c.conn == nil {
		return nil
	}
	op := streamOp{Op: "unsubscribe", Args: []StreamArg{{Channel: string(kind), InstID: instID}}}
	if err := c.send(op); err != nil {
		return fmt.Errorf("failed to send unsubscribe op: %w", err)
	}
	return nil
}

// IsConnected reports whether a connection is currently established.
func (c *StreamClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// SubscriptionCount returns the size of the handler registry.
func (c *StreamClient) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers)
}

// OnReconnect installs a callback invoked after every successful reconnect,
// once the registry has been re-subscribed.
func (c *StreamClient) OnReconnect(f func()) {
	c.onReconnect = f
}

// Run connects and serves the stream until the context is cancelled. Any
// connection failure or drop is retried after a fixed delay, re-subscribing
// the whole registry on each new connection.
func (c *StreamClient) Run(ctx context.Context) {
	attempt := 0
	for {
		if err := c.connect(ctx); err != nil {
			log.Error().Err(err).Str("url", c.url).Msg("OKX stream: connect failed")
		} else {
			if attempt > 0 && c.onReconnect != nil {
				c.onReconnect()
			}
			c.serve(ctx)
		}
		c.teardown()
		attempt++

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *StreamClient) connect(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %v: %w", c.url, err)
	}

	// The pong handler feeds the liveness watchdog: a connection that
	// produces neither data nor pongs within the read deadline is torn down.
	deadline := c.pingInterval + c.pongTimeout
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	err = c.resubscribeLocked()
	c.mu.Unlock()
	if err != nil {
		conn.Close()
		return err
	}

	log.Info().Str("url", c.url).Msg("OKX stream: connected")
	return nil
}

// resubscribeLocked re-issues one subscribe op covering every registered key.
// Callers must hold c.mu.
func (c *StreamClient) resubscribeLocked() error {
	if len(c.handlers) == 0 {
		return nil
	}
	op := streamOp{Op: "subscribe", Args: make([]StreamArg, 0, len(c.handlers))}
	for key := range c.handlers {
		op.Args = append(op.Args, StreamArg{Channel: string(key.channel), InstID: key.instID})
	}
	if err := c.send(op); err != nil {
		return fmt.Errorf("failed to re-subscribe %v channels: %w", len(op.Args), err)
	}
	log.Info().Int("channels", len(op.Args)).Msg("OKX stream: re-subscribed registry")
	return nil
}

// send writes an op with a deadline. Callers must hold c.mu.
func (c *StreamClient) send(op streamOp) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(op)
}

func (c *StreamClient) serve(ctx context.Context) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	done := make(chan struct{})
	defer close(done)

	go c.pingLoop(conn, done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	deadline := c.pingInterval + c.pongTimeout
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Msg("OKX stream: connection lost")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		c.dispatch(msg)
	}
}

func (c *StreamClient) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				log.Warn().Err(err).Msg("OKX stream: ping failed")
				conn.Close()
				return
			}
		}
	}
}

func (c *StreamClient) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

// dispatch routes one raw message: subscription events are logged, data
// messages go to the registered handler, anything unrecognized is logged and
// dropped.
func (c *StreamClient) dispatch(msg []byte) {
	var m streamMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		log.Warn().Err(err).Msg("OKX stream: undecodable message")
		return
	}

	if m.Event != "" {
		switch m.Event {
		case "subscribe":
			log.Info().Str("channel", m.Arg.Channel).Str("instId", m.Arg.InstID).Msg("OKX stream: subscribed")
		case "unsubscribe":
			log.Info().Str("channel", m.Arg.Channel).Str("instId", m.Arg.InstID).Msg("OKX stream: unsubscribed")
		case "error":
			log.Error().Str("code", m.Code).Str("msg", m.Msg).Msg("OKX stream: error event")
		default:
			log.Debug().Str("event", m.Event).Msg("OKX stream: event")
		}
		return
	}

	if len(m.Data) == 0 {
		return
	}

	key := subKey{ChannelKind(m.Arg.Channel), m.Arg.InstID}
	c.mu.RLock()
	h, ok := c.handlers[key]
	c.mu.RUnlock()
	if !ok {
		log.Warn().Str("channel", m.Arg.Channel).Str("instId", m.Arg.InstID).Msg("OKX stream: message for unregistered subscription")
		return
	}
	h(m.Arg, m.Data)
}

// ParseCandlePayload decodes one row of a candle channel push:
// [ts, open, high, low, close, vol, volCcy, volCcyQuote, confirm], all
// strings. Rows missing the confirm flag are treated as unconfirmed.
func ParseCandlePayload(row json.RawMessage) (common.Candlestick, error) {
	var fields []string
	if err := json.Unmarshal(row, &fields); err != nil {
		return common.Candlestick{}, fmt.Errorf("failed to decode candle row: %w", err)
	}
	if len(fields) < 6 {
		return common.Candlestick{}, fmt.Errorf("candle row had %v fields, want at least 6", len(fields))
	}

	ts, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return common.Candlestick{}, fmt.Errorf("candle row had timestamp = %v: %w", fields[0], err)
	}
	values := make([]float64, 5)
	names := []string{"open", "high", "low", "close", "volume"}
	for i := 0; i < 5; i++ {
		values[i], err = strconv.ParseFloat(fields[i+1], 64)
		if err != nil {
			return common.Candlestick{}, fmt.Errorf("candle row had %v = %v: %w", names[i], fields[i+1], err)
		}
	}

	quoteVolume := values[4]
	if len(fields) > 7 {
		quoteVolume, err = strconv.ParseFloat(fields[7], 64)
		if err != nil {
			return common.Candlestick{}, fmt.Errorf("candle row had quote volume = %v: %w", fields[7], err)
		}
	}

	confirm := 0
	if len(fields) > 8 && fields[8] == "1" {
		confirm = 1
	}

	return common.Candlestick{
		Timestamp:   ts,
		Open:        common.JSONFloat64(values[0]),
		High:        common.JSONFloat64(values[1]),
		Low:         common.JSONFloat64(values[2]),
		Close:       common.JSONFloat64(values[3]),
		Volume:      common.JSONFloat64(values[4]),
		QuoteVolume: common.JSONFloat64(quoteVolume),
		Confirm:     confirm,
	}, nil
}
