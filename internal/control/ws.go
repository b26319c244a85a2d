package control

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// wsResponseTimeout bounds how long the bridge waits for the local TCP
// dispatcher to answer one forwarded WebSocket message.
const wsResponseTimeout = 10 * time.Second

// WSBridge forwards each inbound WebSocket message, already control-framed
// by the sender, into a fresh loopback TCP connection to the control
// port, relaying the single response back over the socket (spec.md §4.6,
// grounded on app.py's SimpleEcho.handleMessage / SimpleWebSocketServer
// usage, reimplemented over gorilla/websocket's http.Handler integration).
type WSBridge struct {
	controlAddr string
	logger      *logrus.Logger
	upgrader    websocket.Upgrader
}

// NewWSBridge returns a bridge dialing controlPort on loopback for every
// forwarded message.
func NewWSBridge(controlPort int, logger *logrus.Logger) *WSBridge {
	if logger == nil {
		logger = logrus.New()
	}
	return &WSBridge{
		controlAddr: fmt.Sprintf("127.0.0.1:%d", controlPort),
		logger:      logger,
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// ServeHTTP implements http.Handler, upgrading the connection and
// servicing messages until the client disconnects.
func (b *WSBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.WithError(err).Warn("control: websocket upgrade failed")
		return
	}
	defer conn.Close()

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}

		response, err := b.relay(payload)
		if err != nil {
			b.logger.WithError(err).Warn("control: websocket relay failed")
			continue
		}
		if err := conn.WriteMessage(msgType, response); err != nil {
			return
		}
	}
}

// relay opens a local TCP connection to the control port, writes payload
// (an already control-framed command), reads back one response, and
// closes the connection.
func (b *WSBridge) relay(payload []byte) ([]byte, error) {
	tcpConn, err := net.DialTimeout("tcp", b.controlAddr, wsResponseTimeout)
	if err != nil {
		return nil, fmt.Errorf("control: ws bridge dialing %s: %w", b.controlAddr, err)
	}
	defer tcpConn.Close()

	if _, err := tcpConn.Write(payload); err != nil {
		return nil, fmt.Errorf("control: ws bridge writing to tcp: %w", err)
	}

	_ = tcpConn.SetReadDeadline(time.Now().Add(wsResponseTimeout))
	buf := make([]byte, 4096)
	n, err := tcpConn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("control: ws bridge reading from tcp: %w", err)
	}
	return append([]byte(nil), buf[:n]...), nil
}
