// Package control connects to the broadcast tool's remote-control API
// (Streamlabs style JSON-RPC over websocket) and exposes the scene and text
// source operations components use.
//
// Connection is two-phase. A dial loop attempts a plain TCP connect to
// host:port until something is listening, and only then dials the RPC socket
// and authenticates. A rejected password parks the connector until SetConfig
// supplies new settings or Stop is called.
package control

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/onnwee/chatdeck/telemetry"
)

const (
	DefaultPort         = 59650
	DefaultDialInterval = time.Second
	DefaultCallTimeout  = 10 * time.Second
	DefaultBusyDelay    = 2 * time.Second
)

// Config addresses the control API.
type Config struct {
	Host         string
	Port         int
	Password     string
	DialInterval time.Duration
	CallTimeout  time.Duration
	BusyDelay    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.DialInterval <= 0 {
		c.DialInterval = DefaultDialInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.BusyDelay <= 0 {
		c.BusyDelay = DefaultBusyDelay
	}
	return c
}

func (c Config) addr() string { return net.JoinHostPort(c.Host, strconv.Itoa(c.Port)) }

func (c Config) url() string { return "ws://" + c.addr() + "/api/websocket" }

var errDisconnected = errors.New("control channel disconnected")

// Connector owns the control channel session.
type Connector struct {
	log *slog.Logger

	mu     sync.RWMutex
	cfg    Config
	client *rpcClient

	// configChanged wakes a connector parked on an auth failure.
	configChanged chan struct{}

	started  sync.Once
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewConnector returns an idle connector; call Run to start probing.
func NewConnector(cfg Config) *Connector {
	return &Connector{
		log:           slog.Default().With(slog.String("component", "control")),
		cfg:           cfg.withDefaults(),
		configChanged: make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Config returns the current settings.
func (c *Connector) Config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// SetConfig replaces the settings. A live session is kept; the new address
// and password take effect on the next connect.
func (c *Connector) SetConfig(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
	select {
	case c.configChanged <- struct{}{}:
	default:
	}
}

// Connected reports whether an authenticated RPC session is up.
func (c *Connector) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// Done is closed once Run has returned.
func (c *Connector) Done() <-chan struct{} { return c.done }

// Stop ends probing and closes the session. Safe to call more than once.
func (c *Connector) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		cl := c.client
		c.mu.Unlock()
		if cl != nil {
			cl.Close()
		}
	})
}

// Run waits for the port, then connects and authenticates. It repeats after every drop
// until Stop or ctx cancellation.
func (c *Connector) Run(ctx context.Context) error {
	first := false
	c.started.Do(func() { first = true })
	if !first {
		return errors.New("control: connector already running")
	}
	defer close(c.done)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-c.stopCh:
			cancel()
		}
	}()

	waitingLogged := false
	for !c.stopped() {
		cfg := c.Config()
		if !reachable(cfg.addr(), cfg.DialInterval) {
			if !waitingLogged {
				c.log.Info("waiting for control channel", slog.String("addr", cfg.addr()))
				waitingLogged = true
			}
			c.sleep(cfg.DialInterval)
			continue
		}
		waitingLogged = false

		err := c.session(ctx, cfg)
		if c.stopped() {
			break
		}
		if errors.Is(err, ErrAuthFailed) {
			c.log.Error("control channel rejected the password, waiting for new settings", slog.Any("err", err))
			select {
			case <-c.configChanged:
				c.log.Info("control settings changed, retrying")
			case <-c.stopCh:
			}
			continue
		}
		if err != nil {
			c.log.Warn("control session ended", slog.Any("err", err))
		}
		c.sleep(cfg.DialInterval)
	}
	c.log.Info("control connector stopped")
	return nil
}

// session runs one connect-auth-serve cycle and returns when the socket drops.
func (c *Connector) session(ctx context.Context, cfg Config) error {
	cl, err := dialRPC(ctx, cfg.url(), cfg.CallTimeout, cfg.BusyDelay)
	if err != nil {
		return err
	}
	defer cl.Close()
	if err := cl.auth(ctx, cfg.Password); err != nil {
		return err
	}

	c.mu.Lock()
	if c.stopped() {
		c.mu.Unlock()
		return nil
	}
	c.client = cl
	c.mu.Unlock()
	telemetry.SetBool(telemetry.ControlConnected, true)
	c.log.Info("control channel connected", slog.String("addr", cfg.addr()))

	select {
	case <-cl.Done():
	case <-c.stopCh:
	}

	c.mu.Lock()
	c.client = nil
	c.mu.Unlock()
	telemetry.SetBool(telemetry.ControlConnected, false)
	return errDisconnected
}

func (c *Connector) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Connector) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-c.stopCh:
	}
}

// reachable reports whether anything accepts TCP connections on addr.
func reachable(addr string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// call routes a request to the live session.
func (c *Connector) call(ctx context.Context, method, resource string, args ...any) ([]byte, error) {
	c.mu.RLock()
	cl := c.client
	c.mu.RUnlock()
	if cl == nil {
		return nil, ErrNotConnected
	}
	return cl.call(ctx, method, resource, args...)
}
