package components

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chatdeck/component"
	"github.com/onnwee/chatdeck/events"
	"github.com/onnwee/chatdeck/twitchapi"
)

const ShoutoutID = "shoutout"

var shoutoutMetadata = component.Metadata{
	Name:        "Shout-Out",
	Description: "Shouts out streamers on !so and when they raid the channel",
	Version:     version,
}

const defaultShoutout = "Go check out {name} at https://twitch.tv/{login} !"

type shoutoutSettings struct {
	message        string
	cooldown       time.Duration
	blacklist      map[string]struct{}
	who            component.RoleSet
	raids          bool
	raidMinViewers int
	broadcaster    []string // broadcaster types eligible for raid shout-outs
}

// Shoutout posts a shout-out for a channel on "!so <login>" and, when
// enabled, for raiders bringing at least raid_min_viewers viewers.
type Shoutout struct {
	component.Base
	now func() time.Time

	mu   sync.Mutex
	cfg  shoutoutSettings
	last map[string]time.Time // login -> last shout-out
}

func NewShoutout() component.Component { return &Shoutout{now: time.Now} }

func (s *Shoutout) ID() string                   { return ShoutoutID }
func (s *Shoutout) Metadata() component.Metadata { return shoutoutMetadata }
func (s *Shoutout) Command() component.Command   { return component.Tokens("so", "shoutout") }

func (s *Shoutout) Start(ctx context.Context, deps component.Deps) error {
	if err := s.Base.Start(ctx, deps); err != nil {
		return err
	}
	cfg := deps.Config
	set := shoutoutSettings{
		message:        cfg.String(ctx, "message", defaultShoutout),
		cooldown:       time.Duration(cfg.Int(ctx, "cooldown_seconds", 1800)) * time.Second,
		blacklist:      map[string]struct{}{},
		who:            parseRoles(cfg.List(ctx, "who_can", []string{"moderator", "broadcaster"})),
		raids:          cfg.Bool(ctx, "raids_enabled", true),
		raidMinViewers: cfg.Int(ctx, "raid_min_viewers", 1),
		broadcaster:    cfg.List(ctx, "raid_broadcaster_types", []string{"affiliate", "partner"}),
	}
	for _, l := range cfg.List(ctx, "blacklist", []string{"streamelements", "streamlabs"}) {
		set.blacklist[strings.ToLower(l)] = struct{}{}
	}
	s.mu.Lock()
	s.cfg = set
	s.last = map[string]time.Time{}
	s.mu.Unlock()
	return nil
}

func (s *Shoutout) ProcessMessage(ctx context.Context, text string, user component.User, roles component.RoleSet) error {
	s.mu.Lock()
	who := s.cfg.who
	s.mu.Unlock()
	if !allowed(roles, who) {
		return nil
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil
	}
	s.shoutout(ctx, strings.TrimPrefix(fields[0], "@"), nil)
	return nil
}

func (s *Shoutout) ProcessEvent(ctx context.Context, kind events.Kind, payload any) error {
	if kind != events.KindRaid {
		return nil
	}
	raid, ok := payload.(events.RaidEvent)
	if !ok {
		return nil
	}
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if !cfg.raids || raid.Viewers < cfg.raidMinViewers {
		return nil
	}
	s.shoutout(ctx, raid.FromLogin, cfg.broadcaster)
	return nil
}

// shoutout resolves login and posts the message. types, when non-nil,
// restricts it to those broadcaster types.
func (s *Shoutout) shoutout(ctx context.Context, login string, types []string) {
	login = strings.ToLower(strings.TrimSpace(login))
	if login == "" || login == strings.ToLower(s.Deps.Channel) {
		return
	}
	user := twitchapi.User{Login: login, DisplayName: login}
	if s.Deps.Users != nil {
		u, err := s.Deps.Users.GetUser(ctx, login)
		if err != nil {
			s.Log().Info("shout-out target not found", slog.String("login", login), slog.Any("err", err))
			return
		}
		user = u
	}
	if types != nil && !contains(types, user.BroadcasterType) {
		return
	}

	s.mu.Lock()
	if _, blocked := s.cfg.blacklist[login]; blocked {
		s.mu.Unlock()
		return
	}
	now := s.now()
	if last, ok := s.last[login]; ok && now.Sub(last) < s.cfg.cooldown {
		s.mu.Unlock()
		return
	}
	s.last[login] = now
	msg := s.cfg.message
	s.mu.Unlock()

	s.Say(render(msg, map[string]string{"name": user.DisplayName, "login": user.Login}))
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}
