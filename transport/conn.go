// Package transport owns the persistent duplex connection to the analysis
// service: one websocket at a time, typed envelope framing, and automatic
// reconnection with linear backoff.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Default connection constants.
const (
	DefaultDialTimeout      = 10 * time.Second
	DefaultWriteWait        = 10 * time.Second
	DefaultMaxMessageSize   = 16 * 1024 * 1024 // 16MB
	DefaultCloseGracePeriod = 5 * time.Second
)

// conn wraps one underlying websocket handle. A conn is never reused: the
// Manager discards it on close and dials a fresh one for every reconnect.
type conn struct {
	ws               *websocket.Conn
	writeMu          sync.Mutex // serializes writes (gorilla/websocket requirement)
	writeWait        time.Duration
	closeGracePeriod time.Duration
}

func dialConn(ctx context.Context, url string, dialTimeout, writeWait time.Duration, maxMessageSize int64) (*conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}

	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	ws.SetReadLimit(maxMessageSize)

	return &conn{
		ws:               ws,
		writeWait:        writeWait,
		closeGracePeriod: DefaultCloseGracePeriod,
	}, nil
}

// send writes pre-encoded data as a single text message.
func (c *conn) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// receive reads a single message. It blocks until a message arrives, the
// peer closes, or the connection is torn down.
func (c *conn) receive() ([]byte, error) {
	msgType, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
		return nil, fmt.Errorf("unexpected message type: %d", msgType)
	}
	return data, nil
}

// close writes a close frame and tears the handle down. Safe to call more
// than once.
func (c *conn) close() error {
	c.writeMu.Lock()
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.closeGracePeriod))
	_ = c.ws.WriteMessage(websocket.CloseMessage, closeMsg)
	c.writeMu.Unlock()

	return c.ws.Close()
}
