// Package outbound manages the dispatcher's outbound WebSocket links, one per
// configured downstream bot. Each connection owns a receive loop and
// serialises writes; lost links reconnect on a fixed interval until stopped.
package outbound

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/deseer/ws-dispatcher/metrics"
	"github.com/deseer/ws-dispatcher/onebot"
)

// State is the lifecycle state of one connection.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"

	// StateStopped is terminal: an operator shut the connection down and no
	// reconnect may ever run again, even if the peer becomes reachable.
	StateStopped State = "stopped"
)

var (
	ErrNotConnected      = errors.New("outbound: not connected")
	ErrStopped           = errors.New("outbound: connection stopped")
	ErrNoResponse        = errors.New("outbound: no response before timeout")
	ErrUnknownConnection = errors.New("outbound: unknown connection")
)

// Config describes one outbound link.
type Config struct {
	ID                string
	Name              string
	URL               string
	Token             string
	AutoReconnect     bool
	ReconnectInterval time.Duration
	AllowForward      bool
}

// Handler receives every frame read from a connection, in arrival order.
type Handler func(id string, frame []byte)

// Status is the externally visible view of a connection.
type Status struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	State     State  `json:"state"`
	Connected bool   `json:"connected"`
	LastError string `json:"last_error,omitempty"`
}

const respQueueSize = 16

// Conn is a single persistent outbound WebSocket connection.
type Conn struct {
	cfg     Config
	log     *logrus.Entry
	handler Handler

	mu           sync.Mutex // guards ws, state, lastErr, stopped, reconnecting
	ws           *websocket.Conn
	state        State
	lastErr      string
	stopped      bool
	reconnecting bool

	writeMu sync.Mutex // serialises writes to ws

	// In-flight echo-correlated waits: echo → one-shot channel.
	pendingMu sync.Mutex
	pending   map[string]chan []byte

	// Per-call response queue for waits without an echo. Reinitialised on
	// every such call, which also discards stale frames from earlier waits.
	respMu sync.Mutex
	resp   chan []byte

	dialer *websocket.Dialer
}

func newConn(cfg Config, handler Handler, log *logrus.Entry) *Conn {
	return &Conn{
		cfg:     cfg,
		log:     log.WithField("conn", cfg.ID),
		handler: handler,
		state:   StateIdle,
		pending: make(map[string]chan []byte),
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Connect dials the downstream once. On failure the reconnect loop is
// scheduled (when enabled) and the dial error returned.
func (c *Conn) Connect() error {
	if err := c.connect(); err != nil {
		c.scheduleReconnect()
		return err
	}
	return nil
}

func (c *Conn) connect() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.mu.Unlock()

	header := http.Header{}
	header.Set("User-Agent", "ws-dispatcher/1.0")
	header.Set("X-Self-ID", "0")
	header.Set("X-Client-Role", "Universal")
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	ws, _, err := c.dialer.Dial(c.cfg.URL, header)
	if err != nil {
		c.mu.Lock()
		c.state = StateClosed
		c.lastErr = err.Error()
		c.mu.Unlock()
		c.log.WithError(err).Warnf("连接失败: %s", c.cfg.Name)
		return err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		ws.Close()
		return ErrStopped
	}
	c.ws = ws
	c.state = StateOpen
	c.lastErr = ""
	c.mu.Unlock()

	// Announce ourselves before accepting sends; some downstream frameworks
	// drop all traffic until they have seen the lifecycle event.
	c.writeMu.Lock()
	err = ws.WriteMessage(websocket.TextMessage, onebot.LifecycleConnect(time.Now()))
	c.writeMu.Unlock()
	if err != nil {
		c.teardown(ws, err)
		return err
	}

	c.log.Infof("连接成功: %s (%s)", c.cfg.Name, c.cfg.URL)
	go c.readLoop(ws)
	return nil
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.teardown(ws, err)
			return
		}
		c.dispatch(raw)
	}
}

// dispatch routes one received frame: an echo-correlated frame resolves its
// waiting call, anything else lands on the response queue; the process-wide
// handler sees every frame either way.
func (c *Conn) dispatch(raw []byte) {
	delivered := false
	if echo := onebot.Echo(raw); echo != "" {
		c.pendingMu.Lock()
		if ch, ok := c.pending[echo]; ok {
			delete(c.pending, echo)
			ch <- raw // buffered, never blocks
			delivered = true
		}
		c.pendingMu.Unlock()
	}
	if !delivered {
		c.respMu.Lock()
		if c.resp != nil {
			select {
			case c.resp <- raw:
			default: // queue full, drop for the waiter; the handler still sees it
			}
		}
		c.respMu.Unlock()
	}
	if c.handler != nil {
		c.handler(c.cfg.ID, raw)
	}
}

// teardown closes the socket, fails in-flight echo-correlated waits and
// schedules a reconnect unless the connection was stopped. Waits without an
// echo are not failed here; they run until their timeout.
func (c *Conn) teardown(ws *websocket.Conn, err error) {
	ws.Close()

	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	if !c.stopped {
		c.state = StateClosed
		if err != nil {
			c.lastErr = err.Error()
		}
	}
	stopped := c.stopped
	c.mu.Unlock()

	c.pendingMu.Lock()
	for echo, ch := range c.pending {
		close(ch)
		delete(c.pending, echo)
	}
	c.pendingMu.Unlock()

	if !stopped {
		c.log.WithError(err).Warnf("连接已关闭: %s", c.cfg.Name)
		c.scheduleReconnect()
	}
}

// scheduleReconnect starts the single reconnect task for this connection.
// Reentry is suppressed while one is already running.
func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	if c.stopped || !c.cfg.AutoReconnect || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
		}()

		bo := backoff.NewConstantBackOff(c.cfg.ReconnectInterval)
		for {
			time.Sleep(bo.NextBackOff())

			c.mu.Lock()
			stopped := c.stopped
			c.mu.Unlock()
			if stopped {
				return
			}

			metrics.ReconnectsTotal.WithLabelValues(c.cfg.ID).Inc()
			c.log.Infof("正在重连: %s", c.cfg.Name)
			if err := c.connect(); err == nil {
				return
			}
		}
	}()
}

// Send enqueues one text frame. Sends on a connection are delivered in call
// order; Send fails when the connection is not open.
func (c *Conn) Send(frame []byte) error {
	c.mu.Lock()
	ws := c.ws
	open := c.state == StateOpen
	c.mu.Unlock()
	if !open || ws == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	err := ws.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		c.lastErr = err.Error()
		c.mu.Unlock()
		return err
	}
	return nil
}

// SendAndWait sends a frame and waits for its response.
//
// Frames carrying an echo are correlated exactly: the next inbound frame with
// the same echo resolves the wait. Frames without an echo fall back to a
// fresh response queue, where any unrelated inbound frame can satisfy the
// wait — prefer fire-and-forget or an echo in that case.
func (c *Conn) SendAndWait(frame []byte, timeout time.Duration) ([]byte, error) {
	if echo := onebot.Echo(frame); echo != "" {
		ch := make(chan []byte, 1)
		c.pendingMu.Lock()
		c.pending[echo] = ch
		c.pendingMu.Unlock()

		if err := c.Send(frame); err != nil {
			c.pendingMu.Lock()
			delete(c.pending, echo)
			c.pendingMu.Unlock()
			return nil, err
		}

		select {
		case resp, ok := <-ch:
			if !ok {
				return nil, ErrNotConnected
			}
			return resp, nil
		case <-time.After(timeout):
			c.pendingMu.Lock()
			delete(c.pending, echo)
			c.pendingMu.Unlock()
			return nil, ErrNoResponse
		}
	}

	// No echo: a fresh queue per call, discarding frames queued for earlier
	// waiters.
	c.respMu.Lock()
	c.resp = make(chan []byte, respQueueSize)
	ch := c.resp
	c.respMu.Unlock()

	if err := c.Send(frame); err != nil {
		return nil, err
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		return nil, ErrNoResponse
	}
}

// Stop shuts the connection down permanently and disables reconnect.
func (c *Conn) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.state = StateStopped
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	c.log.Infof("已断开连接: %s", c.cfg.Name)
}

// Connected reports whether the link is currently open.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen
}

// Status returns a point-in-time view of the connection.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		ID:        c.cfg.ID,
		Name:      c.cfg.Name,
		URL:       c.cfg.URL,
		State:     c.state,
		Connected: c.state == StateOpen,
		LastError: c.lastErr,
	}
}

// ConfigView returns the connection's configuration.
func (c *Conn) ConfigView() Config { return c.cfg }
