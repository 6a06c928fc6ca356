package proxy

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// wsUpgrader upgrades the client-facing half of a passthrough connection.
// CheckOrigin is permissive: origin policy for a site's own WebSocket
// endpoints belongs to that site's own middleware, not the front-end proxy.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// isWebSocketUpgrade reports whether r is an HTTP Upgrade request for the
// websocket protocol, "on HTTP Upgrade, hijack the connection."
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// proxyWebSocket hijacks the client connection, dials the same path on the
// backend, and proxies frames bidirectionally until either side closes.
func (p *Proxy) proxyWebSocket(w http.ResponseWriter, r *http.Request, site, addr string) {
	backendURL := &url.URL{Scheme: "ws", Host: addr, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
	if r.TLS != nil {
		backendURL.Scheme = "wss"
	}

	backendHeader := http.Header{}
	for k, v := range r.Header {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-key", "sec-websocket-version", "sec-websocket-extensions":
			continue
		default:
			backendHeader[k] = v
		}
	}

	backendConn, resp, err := websocket.DefaultDialer.Dial(backendURL.String(), backendHeader)
	if err != nil {
		if p.metrics != nil {
			p.metrics.ProxyErrors.Inc()
		}
		p.logger.Error("proxy websocket dial failed", err, map[string]interface{}{"site": site, "addr": addr, "path": r.URL.Path})
		http.Error(w, "upstream websocket unavailable", http.StatusBadGateway)
		return
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	defer backendConn.Close()

	clientConn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn("proxy websocket upgrade failed", map[string]interface{}{"err": err.Error()})
		return
	}
	defer clientConn.Close()

	if p.metrics != nil {
		p.metrics.ProxyServed.Inc()
	}

	done := make(chan struct{}, 2)
	go pumpWebSocket(clientConn, backendConn, done)
	go pumpWebSocket(backendConn, clientConn, done)
	<-done
}

// pumpWebSocket relays frames from src to dst until either side errors,
// then signals done so the caller can tear down both connections.
func pumpWebSocket(dst, src *websocket.Conn, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	for {
		msgType, msg, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(msgType, msg); err != nil {
			return
		}
	}
}
