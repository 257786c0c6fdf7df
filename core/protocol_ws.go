package core

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// WSHandler implements the WS/WSS stream protocols over
// github.com/gorilla/websocket, framing each envelope as one binary
// websocket message.
type WSHandler struct {
	Secure      bool
	DialTimeout time.Duration
	TLSConfig   *tls.Config
}

// NewWSHandler builds a WS (Secure=false) or WSS (Secure=true) handler.
func NewWSHandler(secure bool, dialTimeout time.Duration, tlsCfg *tls.Config) *WSHandler {
	return &WSHandler{Secure: secure, DialTimeout: dialTimeout, TLSConfig: tlsCfg}
}

func (h *WSHandler) scheme() string {
	if h.Secure {
		return "wss"
	}
	return "ws"
}

// Connect dials a websocket endpoint identified by a DialInfo's
// address/port/path.
func (h *WSHandler) Connect(info DialInfo) (*websocket.Conn, error) {
	u := url.URL{Scheme: h.scheme(), Host: fmt.Sprintf("%s:%d", info.Address, info.Port), Path: info.Path}
	dialer := &websocket.Dialer{
		HandshakeTimeout: h.DialTimeout,
		TLSClientConfig:  h.TLSConfig,
	}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, newNetworkError("connect", err)
	}
	return conn, nil
}

// Upgrade accepts an inbound HTTP request as a websocket connection.
func (h *WSHandler) Upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  tcpMaxPayload,
		WriteBufferSize: tcpMaxPayload,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, newNetworkError("upgrade", err)
	}
	return conn, nil
}

// WriteWSFrame sends one binary websocket message. Oversize frames (over
// the raw-TCP-equivalent max payload) are a protocol error.
func WriteWSFrame(conn *websocket.Conn, payload []byte) error {
	if len(payload) > tcpMaxPayload {
		return &ProtocolError{Reason: fmt.Sprintf("ws frame payload %d exceeds max %d", len(payload), tcpMaxPayload)}
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return newNetworkError("write", err)
	}
	return nil
}

// ReadWSFrame reads one binary websocket message.
func ReadWSFrame(conn *websocket.Conn) ([]byte, error) {
	kind, data, err := conn.ReadMessage()
	if err != nil {
		return nil, newNetworkError("read", err)
	}
	if kind != websocket.BinaryMessage {
		return nil, &ProtocolError{Reason: "expected binary websocket frame"}
	}
	if len(data) > tcpMaxPayload {
		return nil, &ProtocolError{Reason: fmt.Sprintf("ws frame %d exceeds max %d", len(data), tcpMaxPayload)}
	}
	return data, nil
}

// LooksLikeHTTPRequest peeks the first bytes of a stream to decide
// whether an accepted connection is a WS upgrade (HTTP request line)
// rather than raw TCP or TLS.
func LooksLikeHTTPRequest(peek []byte) bool {
	methods := [][]byte{[]byte("GET "), []byte("POST "), []byte("HEAD ")}
	for _, m := range methods {
		if len(peek) >= len(m) && string(peek[:len(m)]) == string(m) {
			return true
		}
	}
	return false
}
