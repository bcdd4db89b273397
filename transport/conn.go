// Package transport maintains one persistent websocket connection per logical
// client: a single receive loop, serialized sends, an optional keepalive hook,
// and reconnect with exponential backoff while the connection is running.
//
// Protocol clients (chat, pubsub, eventsub) implement Handler and layer their
// own handshake in OnConnect.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/chatdeck/telemetry"
)

// State is the socket state of a Conn.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Handler receives connection lifecycle callbacks and frames.
type Handler interface {
	// OnConnect runs after every successful dial, before the first receive.
	OnConnect(ctx context.Context, c *Conn) error
	// HandleMessage processes one frame. Returned errors are passed through Classify.
	HandleMessage(ctx context.Context, data []byte) error
}

// Keepaliver is implemented by handlers that need periodic pings. Keepalive is
// called before every receive and on a ticker while connected, so it must
// throttle itself.
type Keepaliver interface {
	Keepalive(c *Conn) error
}

// Option configures a Conn.
type Option func(*Conn)

// WithDialer overrides the websocket dialer.
func WithDialer(d *websocket.Dialer) Option { return func(c *Conn) { c.dialer = d } }

// WithBackoff sets the reconnect delay bounds.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(c *Conn) { c.backoff = NewBackoff(base, maxDelay) }
}

// WithKeepaliveTick sets how often Keepalive runs while the socket is idle.
func WithKeepaliveTick(d time.Duration) Option { return func(c *Conn) { c.tick = d } }

// Conn is a reconnecting websocket connection.
type Conn struct {
	name    string
	handler Handler
	dialer  *websocket.Dialer
	backoff *Backoff
	tick    time.Duration
	log     *slog.Logger

	urlMu sync.RWMutex
	url   string

	mu     sync.Mutex // guards ws
	ws     *websocket.Conn
	sendMu sync.Mutex

	state    atomic.Int32
	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New returns a Conn for url. name labels logs and metrics.
func New(name, url string, h Handler, opts ...Option) *Conn {
	c := &Conn{
		name:    name,
		url:     url,
		handler: h,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		backoff: NewBackoff(DefaultBaseDelay, DefaultMaxDelay),
		tick:    5 * time.Second,
		log:     slog.Default().With(slog.String("component", "transport"), slog.String("conn", name)),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name returns the connection label.
func (c *Conn) Name() string { return c.name }

// URL returns the current dial target.
func (c *Conn) URL() string {
	c.urlMu.RLock()
	defer c.urlMu.RUnlock()
	return c.url
}

// SetURL changes the dial target used by the next connect.
func (c *Conn) SetURL(u string) {
	c.urlMu.Lock()
	c.url = u
	c.urlMu.Unlock()
}

// State returns the socket state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Backoff exposes the reconnect schedule.
func (c *Conn) Backoff() *Backoff { return c.backoff }

// Done is closed when Run returns.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// Connect dials the target. It performs no protocol handshake.
func (c *Conn) Connect(ctx context.Context) error {
	if c.stopped() {
		return ErrNotConnected
	}
	c.state.Store(int32(StateConnecting))
	ws, resp, err := c.dialer.DialContext(ctx, c.URL(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("dial %s: %w", c.name, err)
	}
	c.mu.Lock()
	if c.stopped() {
		c.mu.Unlock()
		_ = ws.Close()
		c.state.Store(int32(StateDisconnected))
		return ErrNotConnected
	}
	c.ws = ws
	c.mu.Unlock()
	c.state.Store(int32(StateConnected))
	return nil
}

// Disconnect closes the socket. A running receive loop will dial again.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()
	if ws != nil {
		_ = ws.Close()
	}
	c.state.Store(int32(StateDisconnected))
}

// Send writes one text frame. Concurrent callers are serialized.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", c.name, err)
	}
	return nil
}

// SendJSON marshals v and sends it as one frame.
func (c *Conn) SendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", c.name, err)
	}
	return c.Send(b)
}

// Stop ends the receive loop and closes the socket so a blocked read returns.
// It is safe to call from any goroutine and more than once.
func (c *Conn) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.Disconnect()
	})
}

// Wait blocks until Run has returned or ctx is done.
func (c *Conn) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the receive loop. It dials, runs the handler handshake, reads frames
// until the socket drops, and reconnects with backoff until Stop is called or
// ctx is cancelled. A fatal error stops the loop and is returned.
func (c *Conn) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.done)

	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-c.stopCh:
		}
	}()

	for !c.stopped() {
		if err := c.Connect(ctx); err != nil {
			if c.stopped() {
				break
			}
			delay := c.backoff.Next()
			c.log.Warn("connect failed", slog.Any("err", err), slog.Duration("retry_in", delay), slog.Int("attempt", c.backoff.Attempts()))
			if !c.sleep(delay) {
				break
			}
			continue
		}
		c.log.Info("connected", slog.String("url", c.URL()))

		if err := c.handler.OnConnect(ctx, c); err != nil {
			c.Disconnect()
			if IsFatal(err) {
				c.log.Error("handshake rejected, not retrying", slog.Any("err", err))
				c.Stop()
				return err
			}
			delay := c.backoff.Next()
			c.log.Warn("handshake failed", slog.Any("err", err), slog.Duration("retry_in", delay))
			if !c.sleep(delay) {
				break
			}
			continue
		}
		// Only a completed handshake counts as success.
		c.backoff.Reset()

		err := c.receive(ctx)
		c.Disconnect()
		if c.stopped() {
			break
		}
		if IsFatal(err) {
			c.log.Error("connection closed by fatal error, not retrying", slog.Any("err", err))
			c.Stop()
			return err
		}
		telemetry.IncVec(telemetry.Reconnects, c.name)
		delay := c.backoff.Next()
		c.log.Warn("connection lost, reconnecting", slog.Any("err", err), slog.String("class", Classify(err).String()), slog.Duration("retry_in", delay))
		if !c.sleep(delay) {
			break
		}
	}
	c.log.Info("receive loop stopped")
	return nil
}

func (c *Conn) receive(ctx context.Context) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	ka, hasKeepalive := c.handler.(Keepaliver)
	if hasKeepalive && c.tick > 0 {
		tickDone := make(chan struct{})
		defer close(tickDone)
		go c.keepaliveLoop(ka, tickDone)
	}

	for {
		if hasKeepalive {
			if err := ka.Keepalive(c); err != nil {
				c.log.Debug("keepalive failed", slog.Any("err", err))
			}
		}
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		telemetry.IncVec(telemetry.FramesReceived, c.name)
		if err := c.handler.HandleMessage(ctx, data); err != nil {
			switch Classify(err) {
			case ClassFatal, ClassReconnect:
				return err
			default:
				telemetry.IncVec(telemetry.FramesDropped, c.name)
				c.log.Warn("dropping frame", slog.Any("err", err))
			}
		}
	}
}

func (c *Conn) keepaliveLoop(ka Keepaliver, done <-chan struct{}) {
	t := time.NewTicker(c.tick)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-c.stopCh:
			return
		case <-t.C:
			if err := ka.Keepalive(c); err != nil {
				c.log.Debug("keepalive failed", slog.Any("err", err))
			}
		}
	}
}

// sleep waits d and reports false if the connection was stopped meanwhile.
func (c *Conn) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.stopCh:
		return false
	}
}
