package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/candleproxy/candleproxy/exchange/okx"
	"github.com/candleproxy/candleproxy/internal/metrics"
)

const (
	clientSendBuffer  = 64
	clientWriteWait   = 5 * time.Second
	clientReadLimit   = 512
	clientPongWait    = 60 * time.Second
	clientPingPeriod  = 50 * time.Second
	upgraderBufferLen = 1024
)

// TickerHub relays one upstream ticker subscription to any number of local
// websocket clients. The upstream connection runs only while at least one
// client is attached: the first client starts it, the last one stops it.
type TickerHub struct {
	pair     string
	stream   *okx.StreamClient
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*tickerClient]struct{}
	cancel  context.CancelFunc
}

type tickerClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewTickerHub prepares a hub relaying the pair's ticker channel from the
// given upstream websocket URL.
func NewTickerHub(wsURL, pair string) *TickerHub {
	h := &TickerHub{
		pair:    pair,
		stream:  okx.NewStreamClient(wsURL),
		clients: make(map[*tickerClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  upgraderBufferLen,
			WriteBufferSize: upgraderBufferLen,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	h.stream.Register(okx.ChannelTickers, pair, h.onTicker)
	return h
}

// HandleWS upgrades the request and attaches the client until it hangs up.
func (h *TickerHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Ticker websocket upgrade failed")
		return
	}

	c := &tickerClient{conn: conn, send: make(chan []byte, clientSendBuffer)}
	h.addClient(c)
	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("Ticker client connected")

	greeting, err := json.Marshal(map[string]string{
		"event":   "connected",
		"message": fmt.Sprintf("ticker stream for %v", h.pair),
	})
	if err == nil {
		c.send <- greeting
	}

	go c.writePump()
	c.readPump(h)
	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("Ticker client disconnected")
}

// ClientCount returns how many clients are attached.
func (h *TickerHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close stops the upstream connection and detaches every client.
func (h *TickerHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		metrics.TickerClients.Dec()
	}
}

// onTicker re-wraps upstream ticker rows and fans them out to clients.
func (h *TickerHub) onTicker(arg okx.StreamArg, data []json.RawMessage) {
	payload, err := json.Marshal(map[string]interface{}{
		"arg":  arg,
		"data": data,
	})
	if err != nil {
		return
	}
	h.broadcast(payload)
}

func (h *TickerHub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// Slow client: drop the frame rather than stall the hub.
		}
	}
}

func (h *TickerHub) addClient(c *tickerClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	metrics.TickerClients.Inc()
	if len(h.clients) == 1 {
		ctx, cancel := context.WithCancel(context.Background())
		h.cancel = cancel
		go h.stream.Run(ctx)
		log.Info().Str("pair", h.pair).Msg("Ticker upstream started")
	}
}

func (h *TickerHub) removeClient(c *tickerClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.TickerClients.Dec()
	if len(h.clients) == 0 && h.cancel != nil {
		h.cancel()
		h.cancel = nil
		log.Info().Msg("Ticker upstream stopped, no clients left")
	}
}

func (c *tickerClient) writePump() {
	ticker := time.NewTicker(clientPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(clientWriteWait))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(clientWriteWait)); err != nil {
				return
			}
		}
	}
}

// readPump discards whatever the client sends; the channel is one way.
func (c *tickerClient) readPump(h *TickerHub) {
	defer func() {
		h.removeClient(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(clientReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
