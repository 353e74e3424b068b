package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/candleproxy/candleproxy/exchange/okx"
)

// deadUpstream is a websocket URL nothing listens on. The hub's upstream
// connection attempts fail quietly and the relay side works regardless.
const deadUpstream = "ws://127.0.0.1:1"

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Nil(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestTickerHubGreetsNewClients(t *testing.T) {
	h := NewTickerHub(deadUpstream, "BTC-USDT")
	defer h.Close()
	ts := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer ts.Close()

	conn := dialWS(t, ts)

	var greeting struct {
		Event   string `json:"event"`
		Message string `json:"message"`
	}
	require.Nil(t, conn.ReadJSON(&greeting))
	require.Equal(t, "connected", greeting.Event)
	require.Contains(t, greeting.Message, "BTC-USDT")
	require.Equal(t, 1, h.ClientCount())
}

func TestTickerHubBroadcastsTickerFrames(t *testing.T) {
	h := NewTickerHub(deadUpstream, "BTC-USDT")
	defer h.Close()
	ts := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer ts.Close()

	conn := dialWS(t, ts)

	// The greeting confirms the client is attached before we publish.
	var greeting map[string]string
	require.Nil(t, conn.ReadJSON(&greeting))

	h.onTicker(
		okx.StreamArg{Channel: string(okx.ChannelTickers), InstID: "BTC-USDT"},
		[]json.RawMessage{json.RawMessage(`{"last":"42000"}`)},
	)

	var frame struct {
		Arg struct {
			Channel string `json:"channel"`
			InstID  string `json:"instId"`
		} `json:"arg"`
		Data []json.RawMessage `json:"data"`
	}
	require.Nil(t, conn.ReadJSON(&frame))
	require.Equal(t, "tickers", frame.Arg.Channel)
	require.Equal(t, "BTC-USDT", frame.Arg.InstID)
	require.Len(t, frame.Data, 1)
	require.Contains(t, string(frame.Data[0]), "42000")
}

func TestTickerHubCountsDisconnects(t *testing.T) {
	h := NewTickerHub(deadUpstream, "BTC-USDT")
	defer h.Close()
	ts := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer ts.Close()

	conn := dialWS(t, ts)
	var greeting map[string]string
	require.Nil(t, conn.ReadJSON(&greeting))
	require.Equal(t, 1, h.ClientCount())

	require.Nil(t, conn.Close())
	require.Eventually(t, func() bool { return h.ClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestTickerHubCloseDetachesClients(t *testing.T) {
	h := NewTickerHub(deadUpstream, "BTC-USDT")
	ts := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer ts.Close()

	conn := dialWS(t, ts)
	var greeting map[string]string
	require.Nil(t, conn.ReadJSON(&greeting))

	h.Close()
	require.Equal(t, 0, h.ClientCount())

	// The hub sends a close frame; the next read fails.
	require.Nil(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.NotNil(t, err)
}
