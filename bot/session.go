// Package bot runs a chat session: it loads the stored Twitch credentials,
// builds the chat, event stream and control channel clients, wires them to a
// dispatcher, and tears everything down in a fixed order on stop.
//
// Start, Stop and Restart are serialized by one lifecycle lock, so a stop in
// progress never races a concurrent start.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chatdeck/chat"
	"github.com/onnwee/chatdeck/component"
	"github.com/onnwee/chatdeck/config"
	"github.com/onnwee/chatdeck/control"
	"github.com/onnwee/chatdeck/db"
	"github.com/onnwee/chatdeck/dispatch"
	"github.com/onnwee/chatdeck/events"
	"github.com/onnwee/chatdeck/eventstream"
	"github.com/onnwee/chatdeck/identity"
	"github.com/onnwee/chatdeck/oauth"
	"github.com/onnwee/chatdeck/telemetry"
	"github.com/onnwee/chatdeck/transport"
	"github.com/onnwee/chatdeck/twitchapi"
)

var (
	// ErrNeedsCredentials means a stored token is missing, revoked or no
	// longer refreshable. The session stays down until new credentials are
	// stored through the OAuth flow.
	ErrNeedsCredentials = errors.New("twitch credentials required")
	ErrUnknownComponent = errors.New("unknown component")
)

// State is the coarse session state reported by Status.
type State string

const (
	StateStopped          State = "stopped"
	StateRunning          State = "running"
	StateNeedsCredentials State = "needs_credentials"
	StateFailed           State = "failed"
)

// Store is the persistence a session needs. *db.Store and *db.MemoryStore
// satisfy it.
type Store interface {
	oauth.TokenStore
	component.KV
	ActiveComponents(ctx context.Context) ([]string, bool, error)
	SetActiveComponents(ctx context.Context, ids []string) error
}

// Options configures a Session.
type Options struct {
	Config  *config.Config
	Store   Store
	Catalog *component.Catalog
	// OAuth refreshes expired tokens. Without it stored tokens are used as is.
	OAuth      *oauth.Provider
	HTTPClient *http.Client
	// ValidateURL overrides the token validation endpoint, for tests.
	ValidateURL string
}

// Status is a point-in-time view of the session.
type Status struct {
	State            State      `json:"state"`
	Running          bool       `json:"running"`
	Error            string     `json:"error,omitempty"`
	SessionID        string     `json:"session_id,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	Channel          string     `json:"channel,omitempty"`
	BotLogin         string     `json:"bot_login,omitempty"`
	Chat             string     `json:"chat"`
	EventProtocol    string     `json:"event_protocol"`
	Events           string     `json:"events"`
	ControlConnected bool       `json:"control_connected"`
	Components       []string   `json:"components"`
}

// run holds the clients of one started session.
type run struct {
	id        string
	startedAt time.Time
	channel   string
	botLogin  string

	ctx    context.Context
	cancel context.CancelFunc

	chat    *chat.Client
	stream  eventstream.Stream
	control *control.Connector
	roles   *identity.RoleStore
	disp    *dispatch.Dispatcher

	clients errgroup.Group // chat and event stream receive loops
	aux     errgroup.Group // control connector and role refresh
}

// Session owns at most one running set of clients.
type Session struct {
	opts  Options
	cache *identity.RequestCache
	log   *slog.Logger

	lifecycle sync.Mutex

	mu         sync.RWMutex
	cur        *run
	state      State
	lastErr    error
	controlCfg control.Config
}

// New returns a stopped session.
func New(opts Options) *Session {
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
		opts.Config = cfg
	}
	if opts.Catalog == nil {
		opts.Catalog = component.NewCatalog()
	}
	pw, _ := cfg.ControlPassword()
	return &Session{
		opts:  opts,
		cache: identity.NewRequestCache(cfg.RequestCacheTTL),
		log:   slog.Default().With(slog.String("component", "bot")),
		state: StateStopped,
		controlCfg: control.Config{
			Host:         cfg.ControlHost,
			Port:         cfg.ControlPort,
			Password:     pw,
			DialInterval: cfg.ControlDialInterval,
		},
	}
}

// Start builds and launches the clients. Starting a running session is a
// no-op.
func (s *Session) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.startLocked(ctx)
}

// Stop shuts the session down: chat and event stream first, then the control
// channel, then the components. Stopping a stopped session is a no-op.
func (s *Session) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stopLocked()
}

// Restart stops the session and starts it again with freshly loaded
// credentials.
func (s *Session) Restart(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.stopLocked()
	return s.startLocked(ctx)
}

func (s *Session) current() *run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *Session) setState(st State, err error) {
	s.mu.Lock()
	s.state, s.lastErr = st, err
	s.mu.Unlock()
}

func (s *Session) startLocked(ctx context.Context) error {
	if s.current() != nil {
		return nil
	}
	r, err := s.build(ctx)
	if err != nil {
		if errors.Is(err, ErrNeedsCredentials) {
			s.setState(StateNeedsCredentials, err)
			s.log.Warn("session not started, credentials required", slog.Any("err", err))
		} else {
			s.setState(StateFailed, err)
			s.log.Error("session start failed", slog.Any("err", err))
		}
		return err
	}

	r.disp.Start(r.ctx, dispatch.Identity{Broadcaster: r.channel, Roles: r.roles})
	s.addActive(ctx, r)

	r.clients.Go(func() error { return s.watch("chat", r.chat.Run(r.ctx)) })
	r.clients.Go(func() error { return s.watch("events", r.stream.Run(r.ctx)) })
	r.aux.Go(func() error { return r.control.Run(r.ctx) })
	r.aux.Go(func() error {
		r.roles.Run(r.ctx)
		return nil
	})

	s.mu.Lock()
	s.cur = r
	s.state, s.lastErr = StateRunning, nil
	s.mu.Unlock()
	telemetry.SetBool(telemetry.SessionRunning, true)
	s.log.Info("session started",
		slog.String("session", r.id),
		slog.String("channel", r.channel),
		slog.String("bot", r.botLogin),
		slog.String("event_protocol", s.opts.Config.EventProtocol))
	return nil
}

func (s *Session) stopLocked() {
	s.mu.Lock()
	r := s.cur
	s.cur = nil
	s.mu.Unlock()
	if r == nil {
		return
	}
	r.chat.Stop()
	r.stream.Stop()
	_ = r.clients.Wait()
	r.control.Stop()
	r.cancel()
	_ = r.aux.Wait()
	r.disp.Stop()

	s.mu.Lock()
	if s.state == StateRunning {
		s.state, s.lastErr = StateStopped, nil
	}
	s.mu.Unlock()
	telemetry.SetBool(telemetry.SessionRunning, false)
	s.log.Info("session stopped", slog.String("session", r.id), slog.Duration("uptime", time.Since(r.startedAt)))
}

// watch records a receive loop that gave up. Only fatal errors end a loop
// before Stop; they mean the credentials were rejected.
func (s *Session) watch(name string, err error) error {
	if err == nil {
		return nil
	}
	if transport.IsFatal(err) {
		s.log.Error("client stopped, credentials rejected", slog.String("client", name), slog.Any("err", err))
		s.setState(StateNeedsCredentials, fmt.Errorf("%s: %w", name, err))
		return err
	}
	s.log.Warn("client stopped", slog.String("client", name), slog.Any("err", err))
	return err
}

// account is a loaded and validated stored token.
type account struct {
	tokens oauth2.TokenSource
	info   twitchapi.TokenInfo
}

func (s *Session) build(ctx context.Context) (*run, error) {
	cfg := s.opts.Config
	runCtx, cancel := context.WithCancel(context.Background())
	ok := false
	defer func() {
		if !ok {
			cancel()
		}
	}()

	helix := &twitchapi.HelixClient{
		ClientID:    cfg.TwitchClientID,
		HTTPClient:  s.opts.HTTPClient,
		BaseURL:     cfg.HelixURL,
		ValidateURL: s.opts.ValidateURL,
	}
	host, err := s.loadAccount(ctx, runCtx, helix, db.AccountHost)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("host account not authorized: %w", ErrNeedsCredentials)
	}
	if err != nil {
		return nil, fmt.Errorf("host account: %w", err)
	}
	helix.Tokens = host.tokens

	bot, err := s.loadAccount(ctx, runCtx, helix, db.AccountBot)
	switch {
	case errors.Is(err, db.ErrNotFound):
		s.log.Info("no bot account, chatting as the host", slog.String("login", host.info.Login))
		bot = host
	case err != nil:
		return nil, fmt.Errorf("bot account: %w", err)
	}

	channel, broadcasterID := host.info.Login, host.info.UserID
	if cfg.TwitchChannel != "" && !strings.EqualFold(cfg.TwitchChannel, host.info.Login) {
		u, err := helix.GetUser(ctx, cfg.TwitchChannel)
		if err != nil {
			return nil, fmt.Errorf("resolve channel %s: %w", cfg.TwitchChannel, err)
		}
		channel, broadcasterID = u.Login, u.ID
		s.log.Warn("channel differs from the host account; events need the broadcaster's token",
			slog.String("channel", channel), slog.String("host", host.info.Login))
	}

	var topts []transport.Option
	if cfg.ReconnectMaxBackoff > 0 {
		topts = append(topts, transport.WithBackoff(transport.DefaultBaseDelay, cfg.ReconnectMaxBackoff))
	}

	chatClient := chat.New(chat.Config{
		URL:            cfg.ChatURL,
		Nick:           bot.info.Login,
		Channel:        channel,
		SendRetryDelay: cfg.ChatSendRetryDelay,
		RatePer30s:     cfg.ChatRatePer30s,
		Tokens:         bot.tokens,
	}, topts...)

	streamURL := cfg.EventSubURL
	if cfg.EventProtocol == config.ProtocolPubSub {
		streamURL = cfg.PubSubURL
	}
	stream, err := eventstream.New(eventstream.Options{
		Protocol:      cfg.EventProtocol,
		URL:           streamURL,
		BroadcasterID: broadcasterID,
		Tokens:        host.tokens,
		Creator:       helix,
	}, topts...)
	if err != nil {
		return nil, err
	}

	r := &run{
		id:        uuid.NewString(),
		startedAt: time.Now(),
		channel:   channel,
		botLogin:  bot.info.Login,
		ctx:       runCtx,
		cancel:    cancel,
		chat:      chatClient,
		stream:    stream,
		control:   control.NewConnector(s.ControlConfig()),
		roles:     identity.NewRoleStore(helix, broadcasterID, s.cache, cfg.RoleRefreshInterval),
	}
	if err := r.roles.Refresh(ctx, false); err != nil {
		s.log.Warn("initial role refresh incomplete", slog.Any("err", err))
	}

	users := cachedUsers{helix: helix, cache: s.cache}
	r.disp = dispatch.New(s.opts.Catalog, func(id string) component.Deps {
		return component.Deps{
			Config:  component.NewConfig(s.opts.Store, id),
			Chat:    r.chat,
			Control: r.control,
			Users:   users,
			Channel: r.channel,
			Logger:  slog.Default().With(slog.String("component_id", id), slog.String("session", r.id)),
		}
	})

	r.chat.OnMessage(func(ctx context.Context, msg events.ChatMessage) {
		r.disp.DispatchMessage(ctx, msg)
	})
	publish := func(kind events.Kind, payload any) {
		r.disp.DispatchEvent(r.ctx, kind, payload)
	}
	r.chat.Subscribe(publish)
	r.stream.Subscribe(publish)

	// The first ready follows the start-up refresh above; later ones are
	// reconnects and force a fresh snapshot.
	var connected atomic.Bool
	r.stream.OnReady(func() {
		if connected.CompareAndSwap(false, true) {
			return
		}
		r.aux.Go(func() error {
			_ = r.roles.Refresh(r.ctx, true)
			return nil
		})
	})

	ok = true
	return r, nil
}

// loadAccount reads account's token and validates it. The token source lives
// as long as runCtx and persists every refresh. A missing row is returned as
// db.ErrNotFound.
func (s *Session) loadAccount(ctx, runCtx context.Context, helix *twitchapi.HelixClient, name string) (*account, error) {
	stored, err := s.opts.Store.GetToken(ctx, name)
	if err != nil {
		return nil, err
	}
	var ts oauth2.TokenSource
	if s.opts.OAuth != nil {
		ts, err = s.opts.OAuth.TokenSource(runCtx, s.opts.Store, stored)
		if err != nil {
			return nil, err
		}
	} else {
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: stored.AccessToken, TokenType: "Bearer"})
	}

	tok, err := ts.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return nil, fmt.Errorf("%s refresh rejected: %w", name, ErrNeedsCredentials)
		}
		return nil, fmt.Errorf("%s token: %w", name, err)
	}
	info, err := helix.ValidateToken(ctx, tok.AccessToken)
	if errors.Is(err, twitchapi.ErrUnauthorized) {
		return nil, fmt.Errorf("%s token rejected: %w", name, ErrNeedsCredentials)
	}
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w", name, err)
	}

	if stored.Login != info.Login || stored.UserID != info.UserID {
		stored.AccessToken = tok.AccessToken
		if tok.RefreshToken != "" {
			stored.RefreshToken = tok.RefreshToken
		}
		stored.Expiry = tok.Expiry
		stored.Login, stored.UserID = info.Login, info.UserID
		if err := s.opts.Store.SaveToken(ctx, stored); err != nil {
			s.log.Warn("token owner not persisted", slog.String("account", name), slog.Any("err", err))
		}
	}
	return &account{tokens: ts, info: info}, nil
}

// addActive starts the persisted component list, seeding it from config the
// first time.
func (s *Session) addActive(ctx context.Context, r *run) {
	ids, found, err := s.opts.Store.ActiveComponents(ctx)
	if err != nil {
		s.log.Error("active components not loaded", slog.Any("err", err))
		return
	}
	if !found {
		ids = s.opts.Config.Components
		if err := s.opts.Store.SetActiveComponents(ctx, ids); err != nil {
			s.log.Warn("active components not seeded", slog.Any("err", err))
		}
	}
	for _, id := range ids {
		if err := r.disp.AddComponent(r.ctx, id); err != nil {
			s.log.Error("component not started", slog.String("component_id", id), slog.Any("err", err))
		}
	}
}

// Status reports the session state and, while running, the client states.
func (s *Session) Status() Status {
	s.mu.RLock()
	r := s.cur
	st := Status{
		State:         s.state,
		EventProtocol: s.opts.Config.EventProtocol,
		Chat:          chat.StateDisconnected.String(),
		Events:        transport.StateDisconnected.String(),
		Components:    []string{},
	}
	if s.lastErr != nil {
		st.Error = s.lastErr.Error()
	}
	s.mu.RUnlock()
	if r == nil {
		return st
	}
	started := r.startedAt
	st.Running = true
	st.SessionID = r.id
	st.StartedAt = &started
	st.Channel = r.channel
	st.BotLogin = r.botLogin
	st.Chat = r.chat.State().String()
	st.Events = r.stream.State().String()
	st.ControlConnected = r.control.Connected()
	st.Components = r.disp.Components()
	return st
}

// Running reports whether clients are up.
func (s *Session) Running() bool { return s.current() != nil }

// Catalog returns the component catalog.
func (s *Session) Catalog() *component.Catalog { return s.opts.Catalog }

// Components returns the active component ids: the live registry while
// running, the persisted list otherwise.
func (s *Session) Components(ctx context.Context) ([]string, error) {
	if r := s.current(); r != nil {
		return r.disp.Components(), nil
	}
	ids, _, err := s.opts.Store.ActiveComponents(ctx)
	if ids == nil {
		ids = []string{}
	}
	return ids, err
}

// AddComponent activates id and persists the active list. While running the
// component is started immediately.
func (s *Session) AddComponent(ctx context.Context, id string) error {
	if _, ok := s.opts.Catalog.Lookup(id); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownComponent, id)
	}
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	ids, _, err := s.opts.Store.ActiveComponents(ctx)
	if err != nil {
		return err
	}
	for _, existing := range ids {
		if existing == id {
			return fmt.Errorf("add %s: %w", id, dispatch.ErrAlreadyActive)
		}
	}
	if r := s.current(); r != nil {
		if err := r.disp.AddComponent(r.ctx, id); err != nil {
			return err
		}
	}
	return s.opts.Store.SetActiveComponents(ctx, append(ids, id))
}

// RemoveComponent deactivates id and persists the active list.
func (s *Session) RemoveComponent(ctx context.Context, id string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	ids, _, err := s.opts.Store.ActiveComponents(ctx)
	if err != nil {
		return err
	}
	next := make([]string, 0, len(ids))
	for _, existing := range ids {
		if existing != id {
			next = append(next, existing)
		}
	}
	r := s.current()
	if len(next) == len(ids) && (r == nil || !contains(r.disp.Components(), id)) {
		return fmt.Errorf("remove %s: %w", id, dispatch.ErrNotActive)
	}
	if r != nil {
		if err := r.disp.RemoveComponent(id); err != nil && !errors.Is(err, dispatch.ErrNotActive) {
			return err
		}
	}
	return s.opts.Store.SetActiveComponents(ctx, next)
}

// ControlConfig returns the control channel settings used by the next start.
func (s *Session) ControlConfig() control.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.controlCfg
}

// SetControlConfig replaces the control channel settings. A running
// connector picks them up on its next connect.
func (s *Session) SetControlConfig(cfg control.Config) {
	s.mu.Lock()
	s.controlCfg = cfg
	r := s.cur
	s.mu.Unlock()
	if r != nil {
		r.control.SetConfig(cfg)
	}
	s.log.Info("control settings updated", slog.String("host", cfg.Host), slog.Int("port", cfg.Port))
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// cachedUsers memoizes user lookups for components.
type cachedUsers struct {
	helix *twitchapi.HelixClient
	cache *identity.RequestCache
}

func (u cachedUsers) GetUser(ctx context.Context, login string) (twitchapi.User, error) {
	login = strings.ToLower(strings.TrimSpace(login))
	return identity.Fetch(ctx, u.cache, "user:"+login, false, func(ctx context.Context) (twitchapi.User, error) {
		return u.helix.GetUser(ctx, login)
	})
}
