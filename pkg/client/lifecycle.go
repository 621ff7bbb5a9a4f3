package client

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/codeGROOVE-dev/mmclient/pkg/rest"
	"github.com/codeGROOVE-dev/mmclient/pkg/socket"
)

const outboundBuffer = 64

// Frame is an outbound socket message. ID and Seq carry the same value.
type Frame struct {
	Data   map[string]any `json:"data,omitempty"`
	Action string         `json:"action"`
	ID     int64          `json:"id"`
	Seq    int64          `json:"seq"`
}

// link is one open WebSocket connection and its writer queue.
type link struct {
	conn socketConn
	out  chan *Frame
	id   string
	gen  uint64
}

// SocketURL returns the WebSocket endpoint for a host. With TLS a non-zero
// wssPort is used; otherwise a non-zero httpPort is.
func SocketURL(host string, useTLS bool, wssPort, httpPort int) string {
	scheme := "ws://"
	if useTLS {
		scheme = "wss://"
	}
	port := ""
	switch {
	case useTLS && wssPort != 0:
		port = ":" + strconv.Itoa(wssPort)
	case httpPort != 0:
		port = ":" + strconv.Itoa(httpPort)
	}
	return scheme + host + port + rest.APIPrefix + "/websocket"
}

// connect opens a new socket to the computed socket URL. Ignored while a
// connection attempt is already running.
func (c *Client) connect() {
	if c.session.connecting {
		return
	}
	c.session.connecting = true
	if l := c.link; l != nil {
		c.discard(l)
	}

	c.connGen++
	gen, url := c.connGen, c.session.socketURL
	c.pendingDial = gen
	c.logger.Info("connecting", "url", url, "attempt", c.session.attempts)

	c.spawn(func() {
		conn, err := c.dial(c.ctx, url)
		if !c.post(func() { c.onDial(gen, conn, err) }) && conn != nil {
			conn.Close() //nolint:errcheck,gosec // client stopped
		}
	})
}

// onDial handles the outcome of a dial. A failed dial is reported as an
// error followed by an abnormal close.
func (c *Client) onDial(gen uint64, conn socketConn, err error) {
	if gen != c.pendingDial {
		if conn != nil {
			c.logger.Debug("closing abandoned connection")
			c.spawn(func() { conn.Close() }) //nolint:errcheck,gosec // abandoned
		}
		return
	}
	c.pendingDial = 0

	if err != nil {
		c.logger.Error("websocket dial failed", "error", err)
		c.onSocketError(err)
		c.onClosed(&socket.CloseError{Code: socket.CloseAbnormal, Reason: err.Error(), Err: err})
		return
	}
	c.onOpen(gen, conn)
}

// onOpen makes conn the live connection and authenticates it.
func (c *Client) onOpen(gen uint64, conn socketConn) {
	l := &link{conn: conn, out: make(chan *Frame, outboundBuffer), id: uuid.NewString(), gen: gen}
	c.link = l
	c.listen(func() { c.readLoop(l) })
	c.listen(func() { c.writeLoop(l) })

	c.session.connecting = false
	c.session.reconnecting = false
	c.session.connected = true
	c.cancelResume()
	c.metrics.SetConnected(true)
	c.logger.Info("websocket connected", "conn", l.id)
	c.emit(EventConnected, nil)

	c.session.attempts = 0
	c.session.lastPong = c.clock.Now()
	c.logger.Info("sending authentication challenge")
	c.send("authentication_challenge", map[string]any{"token": c.session.token})
	c.startHeartbeat()
}

func (c *Client) readLoop(l *link) {
	for {
		data, err := l.conn.Receive()
		if err != nil {
			var ce *socket.CloseError
			if !errors.As(err, &ce) {
				ce = &socket.CloseError{Code: socket.CloseAbnormal, Reason: err.Error(), Err: err}
			}
			c.post(func() { c.onLinkClosed(l, ce) })
			return
		}
		c.post(func() { c.onFrame(l, data) })
	}
}

func (c *Client) writeLoop(l *link) {
	for f := range l.out {
		if err := l.conn.Send(f); err != nil {
			c.post(func() {
				if l == c.link {
					c.onSocketError(err)
				}
			})
		}
	}
}

func (c *Client) onSocketError(err error) {
	c.session.connecting = false
	c.emit(EventError, err)
}

// onLinkClosed handles the end of l. Closes of discarded links are ignored.
func (c *Client) onLinkClosed(l *link, ce *socket.CloseError) {
	if l != c.link {
		return
	}
	c.link = nil
	close(l.out)
	c.logger.Info("websocket closed", "conn", l.id, "code", ce.Code, "reason", ce.Reason)
	c.onClosed(ce)
}

func (c *Client) onClosed(ce *socket.CloseError) {
	c.emit(EventClose, ce)
	c.session.connecting = false
	c.session.connected = false
	c.session.socketURL = ""
	c.metrics.SetConnected(false)
	if c.session.autoReconnect {
		c.reconnect()
		return
	}
	c.stopHeartbeat()
}

// discard drops l without waiting for its close.
func (c *Client) discard(l *link) {
	c.link = nil
	close(l.out)
	c.closeConn(l)
}

func (c *Client) closeConn(l *link) {
	c.spawn(func() {
		if err := l.conn.Close(); err != nil {
			c.logger.Debug("websocket close", "conn", l.id, "error", err)
		}
	})
}

// send stamps f with the next sequence number, tracks it and queues it for
// the writer. It reports false when there is no connection.
func (c *Client) send(action string, data map[string]any) (int64, bool) {
	if !c.session.connected || c.link == nil {
		return 0, false
	}
	c.session.seq++
	f := &Frame{Action: action, Data: data, ID: c.session.seq, Seq: c.session.seq}
	c.track(f)

	select {
	case c.link.out <- f:
		return f.Seq, true
	default:
		c.logger.Warn("outbound queue full, dropping frame", "action", action, "seq", f.Seq)
		return 0, false
	}
}

// track records f until a reply arrives, evicting the oldest entry when full.
func (c *Client) track(f *Frame) {
	for len(c.pending) >= c.cfg.MaxPendingFrames {
		oldest := int64(-1)
		for seq := range c.pending {
			if oldest < 0 || seq < oldest {
				oldest = seq
			}
		}
		delete(c.pending, oldest)
	}
	c.pending[f.Seq] = f
	c.metrics.SetPending(len(c.pending))
}

func (c *Client) release(seq int64) {
	delete(c.pending, seq)
	c.metrics.SetPending(len(c.pending))
}

func (c *Client) startHeartbeat() {
	c.stopHeartbeat()
	c.armHeartbeat(c.heartbeatGen)
}

func (c *Client) armHeartbeat(gen uint64) {
	c.heartbeat = c.clock.AfterFunc(c.cfg.PingInterval, func() {
		c.post(func() {
			if gen != c.heartbeatGen {
				return
			}
			c.armHeartbeat(gen)
			c.onHeartbeat()
		})
	})
}

func (c *Client) stopHeartbeat() {
	c.heartbeatGen++
	if c.heartbeat != nil {
		c.heartbeat.Stop()
		c.heartbeat = nil
	}
}

// onHeartbeat checks liveness and sends a probe.
func (c *Client) onHeartbeat() {
	if !c.session.connected {
		c.logger.Error("heartbeat while not connected")
		c.reconnect()
		return
	}
	if since := c.clock.Now().Sub(c.session.lastPong); since > 2*c.cfg.PingInterval {
		c.logger.Error("last pong is too old", "seconds", since.Seconds())
		c.metrics.HeartbeatTimeout()
		c.session.authenticated = false
		c.session.connected = false
		c.metrics.SetConnected(false)
		c.reconnect()
		return
	}
	c.logger.Debug("ping")
	c.send("ping", nil)
}

// reconnect tears the session down and schedules a new login after a
// linear backoff. Calls made while a reconnect is pending are ignored.
func (c *Client) reconnect() {
	if c.session.reconnecting {
		c.logger.Warn("already reconnecting")
		return
	}
	c.session.connecting = false
	c.pendingDial = 0
	c.session.reconnecting = true
	c.stopHeartbeat()
	c.session.authenticated = false
	if c.link != nil {
		c.closeConn(c.link)
		c.session.connected = false
		c.metrics.SetConnected(false)
	}
	c.session.attempts++
	c.metrics.Reconnect()

	delay := c.reconnectDelay()
	c.logger.Info("reconnecting", "delay", delay, "attempt", c.session.attempts)
	c.scheduleResume(delay)
}

func (c *Client) reconnectDelay() time.Duration {
	delay := time.Duration(c.session.attempts) * c.cfg.ReconnectStep
	if ceiling := c.cfg.MaxReconnectDelay; ceiling > 0 && delay > ceiling {
		return ceiling
	}
	return delay
}

func (c *Client) scheduleResume(delay time.Duration) {
	c.cancelResume()
	gen := c.resumeGen
	c.resume = c.clock.AfterFunc(delay, func() {
		c.post(func() {
			if gen != c.resumeGen {
				return
			}
			c.resume = nil
			c.resumeLogin()
		})
	})
}

// stopReconnecting drops a pending resumption so the next failure can
// schedule a fresh one.
func (c *Client) stopReconnecting() {
	c.cancelResume()
	c.session.reconnecting = false
}

func (c *Client) cancelResume() {
	c.resumeGen++
	if c.resume != nil {
		c.resume.Stop()
		c.resume = nil
	}
}

// resumeLogin repeats the last login.
func (c *Client) resumeLogin() {
	c.logger.Info("attempting reconnect", "attempt", c.session.attempts)
	c.session.reconnecting = false
	if c.session.personalToken {
		c.tokenLogin(c.session.token)
		return
	}
	c.login(c.session.loginID, c.session.password, c.session.mfaToken)
}

// disconnect closes the live socket for good.
func (c *Client) disconnect() bool {
	if !c.session.connected {
		return false
	}
	c.session.autoReconnect = false
	c.stopHeartbeat()
	if c.link != nil {
		c.closeConn(c.link)
	}
	return true
}
