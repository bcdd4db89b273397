package eventstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/chatdeck/events"
	"github.com/onnwee/chatdeck/telemetry"
	"github.com/onnwee/chatdeck/transport"
	"github.com/onnwee/chatdeck/twitchapi"
)

// DefaultEventSubURL is the session SUBSCRIBE endpoint.
const DefaultEventSubURL = "wss://eventsub.wss.twitch.tv/ws"

// SubscriptionCreator issues the out-of-band subscription calls.
// *twitchapi.HelixClient satisfies it.
type SubscriptionCreator interface {
	CreateEventSubSubscription(ctx context.Context, sub twitchapi.EventSubSubscription) (string, error)
}

type eventsubFrame struct {
	Metadata struct {
		MessageID        string `json:"message_id"`
		MessageType      string `json:"message_type"`
		SubscriptionType string `json:"subscription_type"`
	} `json:"metadata"`
	Payload struct {
		Session *struct {
			ID                      string `json:"id"`
			Status                  string `json:"status"`
			KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
			ReconnectURL            string `json:"reconnect_url"`
		} `json:"session"`
		Subscription *struct {
			ID      string `json:"id"`
			Type    string `json:"type"`
			Version string `json:"version"`
			Status  string `json:"status"`
		} `json:"subscription"`
		Event json.RawMessage `json:"event"`
	} `json:"payload"`
}

// EventSubConfig configures the session SUBSCRIBE client.
type EventSubConfig struct {
	URL           string
	BroadcasterID string
	// Types restricts the subscriptions created on welcome; all known types when empty.
	Types []string
}

// EventSub is the session-based event stream client.
type EventSub struct {
	cfg     EventSubConfig
	conn    *transport.Conn
	creator SubscriptionCreator
	hub     events.Hub
	log     *slog.Logger

	mu               sync.Mutex
	sessionID        string
	migrating        bool // set by session_reconnect; the next welcome keeps subscriptions
	keepaliveTimeout time.Duration
	lastFrame        time.Time

	readyMu sync.Mutex
	ready   []func()

	// seen drops duplicate deliveries by message id.
	seenMu sync.Mutex
	seen   map[string]time.Time
}

// NewEventSub builds an EventSub client. creator performs the REST calls.
func NewEventSub(cfg EventSubConfig, creator SubscriptionCreator, opts ...transport.Option) *EventSub {
	if cfg.URL == "" {
		cfg.URL = DefaultEventSubURL
	}
	e := &EventSub{
		cfg:     cfg,
		creator: creator,
		log:     slog.Default().With(slog.String("component", "eventsub")),
		seen:    make(map[string]time.Time),
	}
	e.conn = transport.New("eventsub", cfg.URL, e, opts...)
	return e
}

// Subscribe registers fn for every parsed event.
func (e *EventSub) Subscribe(fn events.Subscriber) { e.hub.Subscribe(fn) }

// OnReady registers fn to run after subscriptions for a new session are created.
func (e *EventSub) OnReady(fn func()) {
	e.readyMu.Lock()
	e.ready = append(e.ready, fn)
	e.readyMu.Unlock()
}

// Run processes the stream until Stop or ctx cancellation.
func (e *EventSub) Run(ctx context.Context) error { return e.conn.Run(ctx) }

// Stop closes the socket. Safe to call more than once.
func (e *EventSub) Stop() { e.conn.Stop() }

// Done is closed once Run has returned.
func (e *EventSub) Done() <-chan struct{} { return e.conn.Done() }

// State reports the socket state.
func (e *EventSub) State() transport.State { return e.conn.State() }

// SessionID returns the current session id, empty before welcome.
func (e *EventSub) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// OnConnect forgets the previous session. The server speaks first.
func (e *EventSub) OnConnect(ctx context.Context, c *transport.Conn) error {
	e.mu.Lock()
	e.sessionID = ""
	e.lastFrame = time.Now()
	e.keepaliveTimeout = 0
	migrating := e.migrating
	e.mu.Unlock()
	if migrating {
		// A reconnect_url is single use; later drops go back to the base URL.
		c.SetURL(e.cfg.URL)
	}
	return nil
}

// Keepalive drops the socket when the server stays silent past its
// advertised keepalive timeout.
func (e *EventSub) Keepalive(c *transport.Conn) error {
	e.mu.Lock()
	timeout := e.keepaliveTimeout
	silent := time.Since(e.lastFrame)
	e.mu.Unlock()
	if timeout > 0 && silent > timeout+5*time.Second {
		e.log.Warn("keepalive timeout, dropping session", slog.Duration("silent", silent))
		c.Disconnect()
	}
	return nil
}

// HandleMessage decodes one envelope.
func (e *EventSub) HandleMessage(ctx context.Context, data []byte) error {
	var f eventsubFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("eventsub: decode frame: %w", err)
	}
	e.mu.Lock()
	e.lastFrame = time.Now()
	e.mu.Unlock()

	switch f.Metadata.MessageType {
	case "session_welcome":
		if f.Payload.Session == nil || f.Payload.Session.ID == "" {
			return errors.New("eventsub: welcome without session id")
		}
		return e.welcome(ctx, f.Payload.Session.ID, f.Payload.Session.KeepaliveTimeoutSeconds)
	case "session_keepalive":
		return nil
	case "session_reconnect":
		if f.Payload.Session == nil || f.Payload.Session.ReconnectURL == "" {
			return errors.New("eventsub: reconnect without url")
		}
		e.mu.Lock()
		e.migrating = true
		e.mu.Unlock()
		e.conn.SetURL(f.Payload.Session.ReconnectURL)
		e.log.Info("server requested reconnect")
		return fmt.Errorf("eventsub: %w", transport.ErrReconnect)
	case "revocation":
		if s := f.Payload.Subscription; s != nil {
			e.log.Warn("subscription revoked", slog.String("type", s.Type), slog.String("status", s.Status))
		}
		return nil
	case "notification":
		if e.duplicate(f.Metadata.MessageID) {
			return nil
		}
		subType := f.Metadata.SubscriptionType
		if f.Payload.Subscription != nil && f.Payload.Subscription.Type != "" {
			subType = f.Payload.Subscription.Type
		}
		kind, payload, err := DecodeEventSub(subType, f.Payload.Event)
		if err != nil {
			return fmt.Errorf("eventsub: %s: %w", subType, err)
		}
		if kind == 0 {
			e.log.Debug("ignoring notification", slog.String("type", subType))
			return nil
		}
		telemetry.IncVec(telemetry.EventsPublished, "eventsub", kind.String())
		e.hub.Publish(kind, payload)
		return nil
	default:
		e.log.Debug("unhandled message", slog.String("type", f.Metadata.MessageType))
		return nil
	}
}

func (e *EventSub) welcome(ctx context.Context, sessionID string, keepaliveSeconds int) error {
	e.mu.Lock()
	e.sessionID = sessionID
	e.keepaliveTimeout = time.Duration(keepaliveSeconds) * time.Second
	migrating := e.migrating
	e.migrating = false
	e.mu.Unlock()

	e.log.Info("session started", slog.String("session_id", sessionID), slog.Bool("migrated", migrating))
	if migrating {
		return nil
	}
	for _, sub := range e.subscriptions(sessionID) {
		if _, err := e.creator.CreateEventSubSubscription(ctx, sub); err != nil {
			if errors.Is(err, twitchapi.ErrUnauthorized) {
				return fmt.Errorf("eventsub subscribe %s: %w", sub.Type, transport.ErrAuthentication)
			}
			e.log.Error("subscribe failed", slog.String("type", sub.Type), slog.Any("err", err))
			continue
		}
		e.log.Debug("subscribed", slog.String("type", sub.Type))
	}
	e.readyMu.Lock()
	ready := e.ready
	e.readyMu.Unlock()
	for _, fn := range ready {
		fn()
	}
	return nil
}

func (e *EventSub) subscriptions(sessionID string) []twitchapi.EventSubSubscription {
	tr := twitchapi.EventSubTransport{Method: "websocket", SessionID: sessionID}
	byBroadcaster := map[string]string{"broadcaster_user_id": e.cfg.BroadcasterID}
	all := []twitchapi.EventSubSubscription{
		{Type: SubTypeRedemption, Version: "1", Condition: byBroadcaster, Transport: tr},
		{Type: SubTypeSubscribe, Version: "1", Condition: byBroadcaster, Transport: tr},
		{Type: SubTypeGift, Version: "1", Condition: byBroadcaster, Transport: tr},
		{Type: SubTypeResubMessage, Version: "1", Condition: byBroadcaster, Transport: tr},
		{Type: SubTypeCheer, Version: "1", Condition: byBroadcaster, Transport: tr},
		{Type: SubTypeRaid, Version: "1", Condition: map[string]string{"to_broadcaster_user_id": e.cfg.BroadcasterID}, Transport: tr},
	}
	if len(e.cfg.Types) == 0 {
		return all
	}
	want := make(map[string]bool, len(e.cfg.Types))
	for _, t := range e.cfg.Types {
		want[t] = true
	}
	var out []twitchapi.EventSubSubscription
	for _, s := range all {
		if want[s.Type] {
			out = append(out, s)
		}
	}
	return out
}

// duplicate reports whether id was already delivered in the last ten minutes.
func (e *EventSub) duplicate(id string) bool {
	if id == "" {
		return false
	}
	e.seenMu.Lock()
	defer e.seenMu.Unlock()
	now := time.Now()
	if _, ok := e.seen[id]; ok {
		return true
	}
	for k, at := range e.seen {
		if now.Sub(at) > 10*time.Minute {
			delete(e.seen, k)
		}
	}
	e.seen[id] = now
	return false
}
