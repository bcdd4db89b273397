package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/onnwee/chatdeck/events"
	"github.com/onnwee/chatdeck/telemetry"
	"github.com/onnwee/chatdeck/transport"
)

// DefaultURL is the IRC-over-websocket endpoint.
const DefaultURL = "wss://irc-ws.chat.twitch.tv:443"

// State of the chat session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateJoined
	StateAuthFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoined:
		return "joined"
	case StateAuthFailed:
		return "auth_failed"
	default:
		return "unknown"
	}
}

// Config holds the chat identity and tuning.
type Config struct {
	URL            string
	Nick           string // bot login
	Token          string // user access token, with or without the oauth: prefix
	Channel        string // broadcaster login
	SendRetryDelay time.Duration
	RatePer30s     int
	QueueSize      int

	// Tokens, when set, supplies the access token on every connect instead
	// of Token, so reconnects pick up refreshed credentials.
	Tokens oauth2.TokenSource
}

// MessageHandler is called for every chat line on the receive goroutine.
type MessageHandler func(ctx context.Context, msg events.ChatMessage)

// Client is a ChatProtocolClient.
type Client struct {
	cfg     Config
	conn    *transport.Conn
	limiter *rate.Limiter
	log     *slog.Logger

	state atomic.Int32
	hub   events.Hub

	mu       sync.RWMutex
	handlers []MessageHandler

	out      chan string
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a client. Transport options tune reconnect behaviour.
func New(cfg Config, opts ...transport.Option) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.SendRetryDelay <= 0 {
		cfg.SendRetryDelay = time.Second
	}
	if cfg.RatePer30s <= 0 {
		cfg.RatePer30s = 20
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	cfg.Nick = strings.ToLower(cfg.Nick)
	cfg.Channel = strings.ToLower(strings.TrimPrefix(cfg.Channel, "#"))

	c := &Client{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(30*time.Second/time.Duration(cfg.RatePer30s)), cfg.RatePer30s),
		log:     slog.Default().With(slog.String("component", "chat"), slog.String("channel", cfg.Channel)),
		out:     make(chan string, cfg.QueueSize),
		stopCh:  make(chan struct{}),
	}
	c.conn = transport.New("chat", cfg.URL, c, opts...)
	return c
}

// OnMessage registers fn for chat lines. Register before Run.
func (c *Client) OnMessage(fn MessageHandler) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

// Subscribe registers fn for platform events seen in chat (raids).
func (c *Client) Subscribe(fn events.Subscriber) { c.hub.Subscribe(fn) }

// Channel returns the joined channel login.
func (c *Client) Channel() string { return c.cfg.Channel }

// State reports the session state.
func (c *Client) State() State {
	s := State(c.state.Load())
	if s == StateAuthFailed {
		return s
	}
	switch c.conn.State() {
	case transport.StateDisconnected:
		return StateDisconnected
	case transport.StateConnecting:
		return StateConnecting
	}
	return s
}

// Run connects and processes chat until Stop is called or ctx is done. It
// returns an error wrapping transport.ErrAuthentication when the server
// rejects the credentials.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sendLoop(ctx)
	}()

	err := c.conn.Run(ctx)
	if err != nil && transport.IsFatal(err) {
		c.state.Store(int32(StateAuthFailed))
	}
	c.Stop()
	cancel()
	c.wg.Wait()
	return err
}

// Stop closes the connection. Safe to call more than once.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.conn.Stop()
	})
}

// Done is closed once the receive loop has exited.
func (c *Client) Done() <-chan struct{} { return c.conn.Done() }

// SendMessage queues text for the channel and never blocks, since it is called
// from dispatch goroutines. Queued messages are retried until written or the
// client stops. The queue holds Config.QueueSize messages; when it is full the
// message is dropped, logged and counted in chatdeck_chat_messages_dropped_total.
func (c *Client) SendMessage(text string) {
	text = strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(text))
	if text == "" {
		return
	}
	select {
	case c.out <- text:
	default:
		telemetry.Inc(telemetry.ChatSendDropped)
		c.log.Warn("outbound queue full, dropping message", slog.Int("len", len(text)), slog.Int("queue_size", c.cfg.QueueSize))
	}
}

func (c *Client) sendLoop(ctx context.Context) {
	for {
		select {
		case <-c.stopCh:
			return
		case text := <-c.out:
			if err := c.limiter.Wait(ctx); err != nil {
				return
			}
			line := fmt.Sprintf("PRIVMSG #%s :%s", c.cfg.Channel, text)
			for {
				err := c.conn.Send([]byte(line))
				if err == nil {
					telemetry.Inc(telemetry.ChatMessagesSent)
					break
				}
				telemetry.Inc(telemetry.ChatSendRetries)
				c.log.Warn("send failed, retrying", slog.Any("err", err), slog.Duration("retry_in", c.cfg.SendRetryDelay))
				select {
				case <-c.stopCh:
					return
				case <-time.After(c.cfg.SendRetryDelay):
				}
			}
		}
	}
}

// OnConnect sends credentials, nick, capabilities and join, in that order.
func (c *Client) OnConnect(ctx context.Context, conn *transport.Conn) error {
	c.state.Store(int32(StateAuthenticating))
	token := c.cfg.Token
	if c.cfg.Tokens != nil {
		t, err := c.cfg.Tokens.Token()
		if err != nil {
			return fmt.Errorf("chat token: %w", err)
		}
		token = t.AccessToken
	}
	if !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}
	lines := []string{
		"PASS " + token,
		"NICK " + c.cfg.Nick,
		"CAP REQ :twitch.tv/tags twitch.tv/commands",
		"JOIN #" + c.cfg.Channel,
	}
	for _, l := range lines {
		if err := conn.Send([]byte(l)); err != nil {
			return err
		}
	}
	return nil
}

// HandleMessage splits a frame into CRLF lines and handles each one.
func (c *Client) HandleMessage(ctx context.Context, data []byte) error {
	for _, line := range strings.Split(string(data), "\r\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := c.handleLine(ctx, line); err != nil {
			if transport.Classify(err) != transport.ClassRetryable {
				return err
			}
			c.log.Warn("dropping line", slog.Any("err", err))
		}
	}
	return nil
}

func (c *Client) handleLine(ctx context.Context, line string) error {
	msg, err := parseLine(line)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case *twitch.PingMessage:
		pong := "PONG"
		if m.Message != "" {
			pong += " :" + m.Message
		}
		return c.conn.Send([]byte(pong))
	case *twitch.NoticeMessage:
		if isAuthFailure(m.Message) {
			c.state.Store(int32(StateAuthFailed))
			c.log.Error("chat login rejected", slog.String("notice", m.Message), slog.String("nick", c.cfg.Nick))
			return fmt.Errorf("chat login %q: %s: %w", c.cfg.Nick, m.Message, transport.ErrAuthentication)
		}
		c.log.Info("notice", slog.String("msg_id", m.MsgID), slog.String("text", m.Message))
	case *twitch.ReconnectMessage:
		return fmt.Errorf("chat server: %w", transport.ErrReconnect)
	case *twitch.PrivateMessage:
		c.markJoined()
		cm := toChatMessage(m)
		c.mu.RLock()
		handlers := c.handlers
		c.mu.RUnlock()
		for _, h := range handlers {
			h(ctx, cm)
		}
	case *twitch.UserNoticeMessage:
		c.markJoined()
		if raid, ok := raidFromTags(m.Tags); ok {
			c.log.Info("raid", slog.String("from", raid.FromLogin), slog.Int("viewers", raid.Viewers))
			telemetry.IncVec(telemetry.EventsPublished, "chat", events.KindRaid.String())
			c.hub.Publish(events.KindRaid, raid)
		}
	default:
		c.markJoined()
	}
	return nil
}

func (c *Client) markJoined() {
	if c.state.CompareAndSwap(int32(StateAuthenticating), int32(StateJoined)) {
		c.log.Info("joined channel", slog.String("nick", c.cfg.Nick))
	}
}
