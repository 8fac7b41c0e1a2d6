// Package channel maintains the persistent duplex connection to the rollout
// control server. Outbound messages are queued and survive reconnects;
// inbound messages are handed to a single registered handler in receipt
// order. Connection state is owned here and nowhere else.
package channel

import (
	"context"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ottofleet/otad/pkg/logging"
	"github.com/pkg/errors"
)

// State is the connection lifecycle phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Handler consumes one inbound message. Registration replaces any previous
// handler; there is never more than one.
type Handler func(message []byte)

const (
	defaultRetryInterval = 5 * time.Second
	defaultReadWait      = 60 * time.Second
	defaultWriteWait     = 10 * time.Second
	defaultPingPeriod    = 20 * time.Second
	defaultQueueCapacity = 1024
)

// Client is the persistent control-channel connection.
type Client struct {
	log    logging.Logger
	url    string
	dialer *websocket.Dialer

	retry      time.Duration
	readWait   time.Duration
	writeWait  time.Duration
	pingPeriod time.Duration

	queue   *queue
	handler atomic.Value // Handler
	state   atomic.Int32

	lifecycle sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// Option adjusts a Client at construction.
type Option func(*Client)

func WithRetryInterval(d time.Duration) Option {
	return func(c *Client) { c.retry = d }
}

func WithReadWait(d time.Duration) Option {
	return func(c *Client) { c.readWait = d }
}

func WithPingPeriod(d time.Duration) Option {
	return func(c *Client) { c.pingPeriod = d }
}

func WithQueueCapacity(n int) Option {
	return func(c *Client) { c.queue = newQueue(n) }
}

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// New validates the channel URL and builds a client. URL problems are fatal
// construction errors; everything transport-level later is recoverable.
func New(rawURL string, log logging.Logger, opts ...Option) (*Client, error) {
	if rawURL == "" {
		return nil, errors.New("channel URL must be provided")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse channel URL %q", rawURL)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.Errorf("channel URL %q must use ws or wss scheme", rawURL)
	}

	c := &Client{
		log:        log,
		url:        rawURL,
		dialer:     websocket.DefaultDialer,
		retry:      defaultRetryInterval,
		readWait:   defaultReadWait,
		writeWait:  defaultWriteWait,
		pingPeriod: defaultPingPeriod,
		queue:      newQueue(defaultQueueCapacity),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// OnMessage registers the inbound handler. Re-registration replaces the
// previous handler.
func (c *Client) OnMessage(h Handler) {
	c.handler.Store(h)
}

// Send enqueues a message for delivery and returns immediately. The message
// is retried across reconnects until the transport accepts it. When the
// queue is full the oldest pending message is dropped.
func (c *Client) Send(payload []byte) {
	if c.queue.push(payload) {
		c.log.Warn("outbound queue full, dropped oldest pending message")
	}
}

// State reports the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Pending reports the number of queued outbound messages.
func (c *Client) Pending() int {
	return c.queue.len()
}

// Start launches the connection supervisor. Starting an already running
// client is a no-op.
func (c *Client) Start(ctx context.Context) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.running {
		c.log.Debug("start requested while already running")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go func() {
		defer close(c.done)
		c.supervise(runCtx)
	}()
}

// Stop tears the connection down and waits for the loops to exit. Messages
// still queued get one final delivery attempt before teardown.
func (c *Client) Stop() {
	c.lifecycle.Lock()
	if !c.running {
		c.lifecycle.Unlock()
		return
	}
	cancel, done := c.cancel, c.done
	c.lifecycle.Unlock()

	cancel()
	<-done

	c.lifecycle.Lock()
	c.running = false
	c.lifecycle.Unlock()
}

// supervise owns the reconnect loop: dial, run the pumps until the
// connection dies, then retry on a fixed interval until the context ends.
func (c *Client) supervise(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.state.Store(int32(StateDisconnected))
			return
		}

		c.state.Store(int32(StateConnecting))
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.state.Store(int32(StateDisconnected))
			c.log.WithError(err).Warnf("connection failed, retrying in %s", c.retry)
			if !sleepCtx(ctx, c.retry) {
				return
			}
			continue
		}

		c.state.Store(int32(StateConnected))
		c.log.Info("connected to control server")
		c.pump(ctx, conn)
		c.state.Store(int32(StateDisconnected))

		if ctx.Err() != nil {
			return
		}
		c.log.Infof("disconnected, reconnecting in %s", c.retry)
		if !sleepCtx(ctx, c.retry) {
			return
		}
	}
}

// pump runs one connection's read and write loops until either side fails
// or the context ends. It returns only after the read loop has finished, so
// at most one handler invocation path exists at any time.
func (c *Client) pump(ctx context.Context, conn *websocket.Conn) {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		c.readLoop(conn)
	}()

	c.writeLoop(ctx, conn, readDone)
	conn.Close()
	<-readDone
}

// readLoop delivers inbound messages to the handler in receipt order. The
// read deadline advances on traffic and pongs; a silent peer past the
// deadline is treated as a dead connection.
func (c *Client) readLoop(conn *websocket.Conn) {
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.readWait))
	})

	for {
		// Handlers run inline and may outlast the deadline (a rollout can
		// take minutes), so the deadline is rearmed per iteration rather
		// than only on traffic.
		_ = conn.SetReadDeadline(time.Now().Add(c.readWait))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("connection closed by server")
			} else {
				c.log.WithError(err).Warn("read failed")
			}
			return
		}

		if h, ok := c.handler.Load().(Handler); ok && h != nil {
			h(msg)
		}
	}
}

// writeLoop drains the outbound queue onto the connection. A failed write
// requeues the in-flight message at the front and abandons the connection;
// nothing is silently dropped.
func (c *Client) writeLoop(ctx context.Context, conn *websocket.Conn, readDone <-chan struct{}) {
	ping := time.NewTicker(c.pingPeriod)
	defer ping.Stop()

	for {
		// Drain whatever is queued before waiting again.
		for {
			msg, ok := c.queue.pop()
			if !ok {
				break
			}
			_ = conn.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.queue.pushFront(msg)
				c.log.WithError(err).Warn("write failed, message requeued")
				return
			}
		}

		select {
		case <-ctx.Done():
			c.shutdownWrite(conn)
			return
		case <-readDone:
			return
		case <-ping.C:
			deadline := time.Now().Add(c.writeWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.log.WithError(err).Warn("ping failed")
				return
			}
		case <-c.queue.wait():
		}
	}
}

// shutdownWrite makes a final delivery attempt for queued messages and
// announces a clean close.
func (c *Client) shutdownWrite(conn *websocket.Conn) {
	for {
		msg, ok := c.queue.pop()
		if !ok {
			break
		}
		_ = conn.SetWriteDeadline(time.Now().Add(c.writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.queue.pushFront(msg)
			c.log.WithField("pending", c.queue.len()).Warn("final delivery attempt failed")
			break
		}
	}

	deadline := time.Now().Add(c.writeWait)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutdown"), deadline)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
