package viewsync

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ConnectionState describes the connection manager's lifecycle phase.
type ConnectionState int32

const (
	// StateDisconnected means no connection exists and none is being made
	StateDisconnected ConnectionState = iota
	// StateConnecting means the initial connect cycle is running
	StateConnecting
	// StateConnected means a connection is established
	StateConnected
	// StateReconnecting means an ambient reconnect cycle is running
	StateReconnecting
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// connManager owns the websocket connection: the connect/backoff cycle, the
// receive loop, the keepalive loop, and ambient reconnection. Inbound
// messages are handed to onMessage strictly in arrival order.
type connManager struct {
	cfg      *Config
	logger   *logrus.Entry
	observer Observer

	onMessage func(raw []byte) error
	onConnect func()

	mu      sync.Mutex
	writeMu sync.Mutex
	ws      *websocket.Conn
	state   ConnectionState
	running bool
	cancel  context.CancelFunc
}

func newConnManager(cfg *Config, onMessage func([]byte) error, onConnect func()) *connManager {
	return &connManager{
		cfg:       cfg,
		logger:    cfg.logger().WithField("component", "connection"),
		observer:  cfg.observer(),
		onMessage: onMessage,
		onConnect: onConnect,
	}
}

// State returns the current lifecycle phase.
func (c *connManager) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *connManager) setState(s ConnectionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// connect runs one connect cycle: dial, and on failure wait out the schedule
// between attempts. A schedule of N waits permits N+1 dial attempts. Returns
// the established connection or a *ConnectionError once the schedule is
// exhausted or ctx is done.
func (c *connManager) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	schedule := c.cfg.ReconnectSchedule
	attempt := 0
	for {
		ws, _, err := dialer.DialContext(ctx, c.cfg.URL, c.cfg.Headers)
		if err == nil {
			return ws, nil
		}
		if attempt >= len(schedule) {
			return nil, &ConnectionError{Attempts: attempt + 1, Err: err}
		}
		wait := schedule[attempt]
		c.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"wait":    wait,
		}).Warn("connection attempt failed")
		c.observer.OnReconnectAttempt(attempt+1, wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, &ConnectionError{Attempts: attempt + 1, Err: ctx.Err()}
		}
		attempt++
	}
}

// Connect establishes the connection, running the full backoff schedule
// before giving up. On success the receive and keepalive loops start.
func (c *connManager) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.state = StateConnecting
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	// Disconnect cancels loopCtx; the dial and backoff waits must abort
	// alongside the caller's own ctx.
	dialCtx, dialCancel := context.WithCancel(ctx)
	defer dialCancel()
	stop := context.AfterFunc(loopCtx, dialCancel)
	defer stop()

	ws, err := c.connect(dialCtx)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.state = StateDisconnected
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		return err
	}

	c.established(loopCtx, ws)
	return nil
}

// established installs ws as the live connection and starts its loops.
// A dial can win its race against Disconnect; when the manager was torn
// down meanwhile, the socket is discarded instead of installed.
func (c *connManager) established(ctx context.Context, ws *websocket.Conn) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		ws.Close()
		return
	}
	c.ws = ws
	c.state = StateConnected
	c.mu.Unlock()

	c.logger.Info("connected")
	if c.onConnect != nil {
		c.onConnect()
	}
	c.observer.OnConnect()

	go c.receiveLoop(ctx, ws)
	if c.cfg.PingInterval > 0 {
		go c.keepaliveLoop(ctx, ws)
	}
}

// Send writes one text message to the live connection. Writes are
// serialized: the websocket permits only one concurrent writer.
func (c *connManager) Send(payload []byte) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	return c.sendTo(ws, payload)
}

func (c *connManager) sendTo(ws *websocket.Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	return ws.WriteMessage(websocket.TextMessage, payload)
}

// receiveLoop reads messages and dispatches them in order. A handler error
// is isolated: it is logged and reported, and the loop continues. A
// transport error ends the session and triggers ambient reconnection when
// configured.
func (c *connManager) receiveLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.onTransportError(ctx, ws, err)
			return
		}
		if handlerErr := c.onMessage(raw); handlerErr != nil {
			c.logger.WithError(handlerErr).Warn("message handler failed")
			c.observer.OnError(handlerErr)
		}
	}
}

// keepaliveLoop sends a ping on the configured cadence, bound to one
// connection so a loop from a superseded session cannot outlive it. A failed
// send stops the loop without forcing a reconnect; the receive loop notices
// the broken transport on its own.
func (c *connManager) keepaliveLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.sendTo(ws, pingMessage); err != nil {
				c.logger.WithError(err).Debug("keepalive send failed, stopping")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// onTransportError handles a broken connection: reconnect when still running
// and configured to, otherwise settle disconnected.
func (c *connManager) onTransportError(ctx context.Context, ws *websocket.Conn, err error) {
	c.mu.Lock()
	current := c.ws == ws
	running := c.running
	if current {
		c.ws = nil
	}
	c.mu.Unlock()
	if !current || !running {
		return
	}
	ws.Close()
	c.logger.WithError(err).Warn("connection lost")
	c.observer.OnDisconnect()

	if !c.cfg.AutoReconnect {
		c.setState(StateDisconnected)
		return
	}
	c.setState(StateReconnecting)
	next, cerr := c.connect(ctx)
	if cerr != nil {
		// ambient reconnection failure never reaches a caller
		c.logger.WithError(cerr).Error("reconnection failed, giving up")
		c.observer.OnError(cerr)
		c.setState(StateDisconnected)
		return
	}
	c.established(ctx, next)
}

// Disconnect tears the connection down. Safe to call repeatedly.
func (c *connManager) Disconnect() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.state = StateDisconnected
	ws := c.ws
	c.ws = nil
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if ws != nil {
		c.writeMu.Lock()
		ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		ws.Close()
		c.observer.OnDisconnect()
	}
	c.logger.Info("disconnected")
}
