// Package socket dials the Mattermost WebSocket endpoint and exchanges JSON
// frames over it. Connections can be made directly or through a SOCKS5 or
// HTTP(S) CONNECT proxy, with TLS verification controlled by the caller.
package socket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/net/websocket"
)

const (
	defaultDialTimeout  = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second

	// CloseNormal is reported when the peer closed the connection cleanly.
	CloseNormal = 1000
	// CloseAbnormal is reported when the connection failed or dropped.
	CloseAbnormal = 1006
)

// CloseError describes why a connection ended.
type CloseError struct {
	Err    error
	Reason string
	Code   int
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket closed: %d %s", e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error {
	return e.Err
}

// Dialer opens WebSocket connections.
type Dialer struct {
	Logger       *slog.Logger
	Proxy        string // socks5://, http:// or https:// proxy URL; empty dials directly
	Timeout      time.Duration
	WriteTimeout time.Duration
	TLSVerify    bool
}

// Conn is an open WebSocket connection carrying JSON frames.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

// Dial connects to a ws:// or wss:// URL.
func (d *Dialer) Dial(ctx context.Context, rawURL string) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	secure := false
	switch u.Scheme {
	case "wss":
		secure = true
	case "ws":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	timeout := d.Timeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := hostPort(u)
	netConn, err := d.dialTCP(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// Bound the TLS and upgrade handshakes by the context deadline.
	if deadline, ok := ctx.Deadline(); ok {
		if err := netConn.SetDeadline(deadline); err != nil {
			netConn.Close() //nolint:errcheck,gosec // already failing
			return nil, fmt.Errorf("set deadline: %w", err)
		}
	}

	conn := netConn
	origin := "http://" + u.Host
	if secure {
		origin = "https://" + u.Host
		tlsConn := tls.Client(netConn, &tls.Config{
			ServerName:         u.Hostname(),
			InsecureSkipVerify: !d.TLSVerify, //nolint:gosec // controlled by MATTERMOST_TLS_VERIFY
			MinVersion:         tls.VersionTLS12,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			netConn.Close() //nolint:errcheck,gosec // already failing
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		conn = tlsConn
	}

	cfg, err := websocket.NewConfig(rawURL, origin)
	if err != nil {
		conn.Close() //nolint:errcheck,gosec // already failing
		return nil, fmt.Errorf("config: %w", err)
	}
	ws, err := websocket.NewClient(cfg, conn)
	if err != nil {
		conn.Close() //nolint:errcheck,gosec // already failing
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		ws.Close() //nolint:errcheck,gosec // already failing
		return nil, fmt.Errorf("clear deadline: %w", err)
	}

	writeTimeout := d.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = defaultWriteTimeout
	}
	if d.Logger != nil {
		d.Logger.Debug("websocket connected", "url", rawURL, "proxy", d.Proxy != "")
	}
	return &Conn{ws: ws, writeTimeout: writeTimeout}, nil
}

func (d *Dialer) dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	forward := &net.Dialer{KeepAlive: 30 * time.Second}
	if d.Proxy == "" {
		return forward.DialContext(ctx, "tcp", addr)
	}

	proxyURL, err := url.Parse(d.Proxy)
	if err != nil {
		return nil, fmt.Errorf("proxy url: %w", err)
	}
	pd, err := proxy.FromURL(proxyURL, forward)
	if err != nil {
		return nil, fmt.Errorf("proxy: %w", err)
	}
	if cd, ok := pd.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", addr)
	}
	return pd.Dial("tcp", addr)
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "wss" {
		return net.JoinHostPort(u.Hostname(), "443")
	}
	return net.JoinHostPort(u.Hostname(), "80")
}

// Send writes v as a JSON text frame.
func (c *Conn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := websocket.JSON.Send(c.ws, v); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Receive blocks for the next frame. When the connection ends the error is a
// *CloseError.
func (c *Conn) Receive() ([]byte, error) {
	var msg []byte
	if err := websocket.Message.Receive(c.ws, &msg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &CloseError{Code: CloseNormal, Reason: "connection closed", Err: err}
		}
		return nil, &CloseError{Code: CloseAbnormal, Reason: err.Error(), Err: err}
	}
	return msg, nil
}

// Close closes the connection. Pending Receive calls return.
func (c *Conn) Close() error {
	return c.ws.Close()
}
