// Package wsclient dials the analysis service's live event socket.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"media-forensics-telemetry/internal/pkg/logger"
	"media-forensics-telemetry/pkg/connection"

	"github.com/cenkalti/backoff/v4"
	"github.com/fasthttp/websocket"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMessageSize   = 64 * 1024
	handshakeTimeout = 10 * time.Second
)

// Transport implements connection.Transport over a websocket at
// <BaseURL>/<sessionID>, e.g. wss://analysis.internal/ws/analysis/<id>.
type Transport struct {
	BaseURL string
	Token   string
	Dialer  *websocket.Dialer
	Logger  logger.ILogger
}

func New(baseURL, token string, log logger.ILogger) *Transport {
	return &Transport{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		Logger: log,
	}
}

func (t *Transport) endpoint(sessionID string) (string, error) {
	u, err := url.Parse(t.BaseURL + "/" + url.PathEscape(sessionID))
	if err != nil {
		return "", fmt.Errorf("invalid analysis websocket url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

func (t *Transport) Dial(ctx context.Context, sessionID string) (connection.Conn, error) {
	endpoint, err := t.endpoint(sessionID)
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	header := http.Header{}
	if t.Token != "" {
		header.Set("Authorization", "Bearer "+t.Token)
	}

	ws, resp, err := t.Dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		// The service rejected the session itself; retrying will not help.
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(fmt.Errorf("handshake rejected with status %d: %w", resp.StatusCode, err))
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c := &Conn{ws: ws, sessionID: sessionID, logger: t.Logger, stop: make(chan struct{})}
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pingPump()
	return c, nil
}

// Conn is one upstream socket. Reads happen on the caller's goroutine, keepalive pings
// on a private one.
type Conn struct {
	ws        *websocket.Conn
	sessionID string
	logger    logger.ILogger

	writeMu   sync.Mutex
	stop      chan struct{}
	closeOnce sync.Once
}

func (c *Conn) ReadFrame() ([]byte, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WSClient", "Unexpected close", map[string]interface{}{
					"session_id": c.sessionID,
					"error":      err.Error(),
				})
			}
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *Conn) pingPump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Warn("WSClient", "Ping failed", map[string]interface{}{
					"session_id": c.sessionID,
					"error":      err.Error(),
				})
				// Force the reader out so the manager reconnects.
				c.ws.Close()
				return
			}
		}
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		c.writeMu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}
