// Package transport adapts gorilla/websocket to the tracker's connection interfaces.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"procodus.dev/fleetwatch/internal/tracker"
)

const (
	// DefaultHandshakeTimeout bounds the opening handshake.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultReadLimit is the largest frame accepted from the server.
	DefaultReadLimit = 64 * 1024

	closeGrace = time.Second
)

// Dialer opens WebSocket connections.
type Dialer struct {
	ws        *websocket.Dialer
	header    http.Header
	readLimit int64
}

var _ tracker.Dialer = (*Dialer)(nil)

// DialerOption configures a Dialer.
type DialerOption func(*Dialer)

// WithHeader adds request headers to the handshake.
func WithHeader(h http.Header) DialerOption {
	return func(d *Dialer) { d.header = h.Clone() }
}

// WithReadLimit overrides DefaultReadLimit.
func WithReadLimit(n int64) DialerOption {
	return func(d *Dialer) { d.readLimit = n }
}

// WithHandshakeTimeout overrides DefaultHandshakeTimeout.
func WithHandshakeTimeout(t time.Duration) DialerOption {
	return func(d *Dialer) { d.ws.HandshakeTimeout = t }
}

// NewDialer returns a Dialer based on websocket.DefaultDialer's settings.
func NewDialer(opts ...DialerOption) *Dialer {
	d := &Dialer{
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultHandshakeTimeout,
		},
		readLimit: DefaultReadLimit,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dial performs the handshake. A failed upgrade includes the HTTP status.
func (d *Dialer) Dial(ctx context.Context, rawURL string) (tracker.Conn, error) {
	c, resp, err := d.ws.DialContext(ctx, rawURL, d.header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("dial %s: %w (status %d)", rawURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	if d.readLimit > 0 {
		c.SetReadLimit(d.readLimit)
	}
	return &Conn{ws: c}, nil
}

// Conn is an open WebSocket connection exchanging text frames.
type Conn struct {
	ws *websocket.Conn
}

// ReadMessage blocks for the next data frame. Control frames are handled
// by the library.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// WriteMessage sends data as one text frame.
func (c *Conn) WriteMessage(data []byte) error {
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal closure and closes the socket.
func (c *Conn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	err := c.ws.Close()
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

// URLFromOrigin derives the transport endpoint from the backend origin:
// http becomes ws, https becomes wss and the path is /ws.
func URLFromOrigin(origin string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return "", fmt.Errorf("parse origin: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported origin scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("origin has no host")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
