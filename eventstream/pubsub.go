package eventstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/chatdeck/events"
	"github.com/onnwee/chatdeck/telemetry"
	"github.com/onnwee/chatdeck/transport"
)

const (
	// DefaultPubSubURL is the nonce LISTEN endpoint.
	DefaultPubSubURL = "wss://pubsub-edge.twitch.tv"
	// DefaultPingInterval keeps the server from dropping an idle socket.
	DefaultPingInterval = 270 * time.Second
)

// PubSub topic prefixes. The broadcaster id is appended as ".<id>".
const (
	TopicChannelPoints = "channel-points-channel-v1"
	TopicBits          = "channel-bits-events-v2"
	TopicBitsBadge     = "channel-bits-badge-unlocks"
	TopicSubscriptions = "channel-subscribe-events-v1"
)

// DefaultTopics are the prefixes a session listens to.
var DefaultTopics = []string{TopicChannelPoints, TopicBits, TopicBitsBadge, TopicSubscriptions}

type pubsubFrame struct {
	Type  string          `json:"type"`
	Nonce string          `json:"nonce,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type listenData struct {
	Topics    []string `json:"topics"`
	AuthToken string   `json:"auth_token,omitempty"`
}

type listenRequest struct {
	Type  string     `json:"type"`
	Nonce string     `json:"nonce"`
	Data  listenData `json:"data"`
}

type messageData struct {
	Topic   string `json:"topic"`
	Message string `json:"message"`
}

// PubSubConfig configures the nonce LISTEN client.
type PubSubConfig struct {
	URL           string
	BroadcasterID string
	Token         string
	// Tokens, when set, supplies auth_token on every connect instead of Token,
	// so a reconnect after expiry LISTENs with the refreshed token.
	Tokens       oauth2.TokenSource
	Topics       []string // prefixes; DefaultTopics when empty
	PingInterval time.Duration
}

// PubSub is the nonce-correlated event stream client.
type PubSub struct {
	cfg  PubSubConfig
	conn *transport.Conn
	hub  events.Hub
	log  *slog.Logger

	mu       sync.Mutex
	pending  map[string][]string // nonce -> topics awaiting RESPONSE
	lastPing time.Time

	readyMu sync.Mutex
	ready   []func()
}

// NewPubSub builds a PubSub client.
func NewPubSub(cfg PubSubConfig, opts ...transport.Option) *PubSub {
	if cfg.URL == "" {
		cfg.URL = DefaultPubSubURL
	}
	if len(cfg.Topics) == 0 {
		cfg.Topics = DefaultTopics
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	p := &PubSub{
		cfg:     cfg,
		pending: make(map[string][]string),
		log:     slog.Default().With(slog.String("component", "pubsub")),
	}
	p.conn = transport.New("pubsub", cfg.URL, p, opts...)
	return p
}

// Subscribe registers fn for every parsed event.
func (p *PubSub) Subscribe(fn events.Subscriber) { p.hub.Subscribe(fn) }

// OnReady registers fn to run after each (re)connect once LISTENs are sent.
func (p *PubSub) OnReady(fn func()) {
	p.readyMu.Lock()
	p.ready = append(p.ready, fn)
	p.readyMu.Unlock()
}

// Run processes the stream until Stop or ctx cancellation.
func (p *PubSub) Run(ctx context.Context) error { return p.conn.Run(ctx) }

// Stop closes the socket. Safe to call more than once.
func (p *PubSub) Stop() { p.conn.Stop() }

// Done is closed once Run has returned.
func (p *PubSub) Done() <-chan struct{} { return p.conn.Done() }

// State reports the socket state.
func (p *PubSub) State() transport.State { return p.conn.State() }

// Pending returns how many LISTEN requests await a RESPONSE.
func (p *PubSub) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// newNonce returns an unused 8-digit correlation token. Caller holds p.mu.
func (p *PubSub) newNonce() string {
	for {
		n := fmt.Sprintf("%08d", rand.IntN(100_000_000))
		if _, taken := p.pending[n]; !taken {
			return n
		}
	}
}

// OnConnect invalidates earlier handshakes, pings, and LISTENs on every topic.
func (p *PubSub) OnConnect(ctx context.Context, c *transport.Conn) error {
	token := p.cfg.Token
	if p.cfg.Tokens != nil {
		t, err := p.cfg.Tokens.Token()
		if err != nil {
			return fmt.Errorf("pubsub token: %w", err)
		}
		token = t.AccessToken
	}

	p.mu.Lock()
	p.pending = make(map[string][]string)
	p.lastPing = time.Now()
	p.mu.Unlock()

	if err := c.SendJSON(map[string]string{"type": "PING"}); err != nil {
		return err
	}
	for _, prefix := range p.cfg.Topics {
		topic := prefix + "." + p.cfg.BroadcasterID
		p.mu.Lock()
		nonce := p.newNonce()
		p.pending[nonce] = []string{topic}
		p.mu.Unlock()
		req := listenRequest{
			Type:  "LISTEN",
			Nonce: nonce,
			Data:  listenData{Topics: []string{topic}, AuthToken: token},
		}
		if err := c.SendJSON(req); err != nil {
			return err
		}
	}
	p.readyMu.Lock()
	ready := p.ready
	p.readyMu.Unlock()
	for _, fn := range ready {
		fn()
	}
	return nil
}

// Keepalive sends PING at most once per PingInterval.
func (p *PubSub) Keepalive(c *transport.Conn) error {
	p.mu.Lock()
	due := time.Since(p.lastPing) >= p.cfg.PingInterval
	if due {
		p.lastPing = time.Now()
	}
	p.mu.Unlock()
	if !due {
		return nil
	}
	return c.SendJSON(map[string]string{"type": "PING"})
}

// HandleMessage decodes one envelope.
func (p *PubSub) HandleMessage(ctx context.Context, data []byte) error {
	var f pubsubFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("pubsub: decode frame: %w", err)
	}
	switch f.Type {
	case "PONG":
		p.log.Debug("pong")
	case "RECONNECT":
		return fmt.Errorf("pubsub: %w", transport.ErrReconnect)
	case "RESPONSE":
		return p.handleResponse(f)
	case "MESSAGE":
		var md messageData
		if err := json.Unmarshal(f.Data, &md); err != nil {
			return fmt.Errorf("pubsub: decode message data: %w", err)
		}
		kind, payload, err := DecodePubSub(md.Topic, []byte(md.Message))
		if err != nil {
			return fmt.Errorf("pubsub: topic %s: %w", md.Topic, err)
		}
		if kind == 0 {
			p.log.Debug("ignoring message", slog.String("topic", md.Topic))
			return nil
		}
		telemetry.IncVec(telemetry.EventsPublished, "pubsub", kind.String())
		p.hub.Publish(kind, payload)
	default:
		p.log.Debug("unhandled frame", slog.String("type", f.Type))
	}
	return nil
}

func (p *PubSub) handleResponse(f pubsubFrame) error {
	p.mu.Lock()
	topics, ok := p.pending[f.Nonce]
	delete(p.pending, f.Nonce)
	p.mu.Unlock()

	if !ok {
		p.log.Warn("response for unknown nonce", slog.String("nonce", f.Nonce))
		return nil
	}
	if f.Error == "" {
		p.log.Info("listening", slog.Any("topics", topics))
		return nil
	}
	p.log.Error("listen failed", slog.Any("topics", topics), slog.String("error", f.Error))
	if f.Error == "ERR_BADAUTH" {
		return fmt.Errorf("pubsub listen %v: %w", topics, transport.ErrAuthentication)
	}
	return nil
}
