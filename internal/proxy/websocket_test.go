package proxy

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/siterun/internal/config"
	"github.com/r3e-network/siterun/internal/logging"
	"github.com/r3e-network/siterun/internal/metrics"
)

var echoUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func echoWebSocketServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := echoUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
}

func TestProxyWebSocketPassthroughEchoesMessages(t *testing.T) {
	backend := echoWebSocketServer(t)
	defer backend.Close()

	host, portStr, err := net.SplitHostPort(backend.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	p, err := New(
		config.ProxyConfig{Name: "front", Sites: []string{"ws-site"}},
		[]SiteAddr{{Name: "ws-site", Host: host, Port: port}},
		m, logging.New(nil),
	)
	require.NoError(t, err)

	front := httptest.NewServer(http.HandlerFunc(p.ServeHTTP))
	defer front.Close()

	frontHost, frontPortStr, err := net.SplitHostPort(front.Listener.Addr().String())
	require.NoError(t, err)
	_ = frontPortStr

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	header := http.Header{}
	wsURL := "ws://" + front.Listener.Addr().String() + "/chat"
	conn, _, err := dialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()

	// The proxy routes purely on Host header, not SNI/IP. The dialer's Host
	// header is the front listener's loopback address; resolve() strips the
	// port and finds ws-site, registered under the same loopback IP, so the
	// message travels through ServeHTTP's WebSocket passthrough.
	_ = frontHost
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "hello", string(msg))
}
