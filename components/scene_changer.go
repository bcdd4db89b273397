package components

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/onnwee/chatdeck/component"
	"github.com/onnwee/chatdeck/control"
	"github.com/onnwee/chatdeck/events"
)

const SceneChangerID = "scene_changer"

var sceneChangerMetadata = component.Metadata{
	Name:        "Scene Changer",
	Description: "Lets chat and channel point rewards switch the broadcast scene",
	Version:     version,
}

// SceneChanger switches scenes on "!scene <name>". transitions restricts which
// scenes may follow the current one; an empty map allows any. rewards maps a
// channel points reward title to the scene it activates.
type SceneChanger struct {
	component.Base

	mu          sync.RWMutex
	command     component.Command
	who         component.RoleSet
	transitions map[string][]string
	rewards     map[string]string // lowercased title -> scene
}

func NewSceneChanger() component.Component {
	return &SceneChanger{command: component.Token("scene")}
}

func (s *SceneChanger) ID() string                   { return SceneChangerID }
func (s *SceneChanger) Metadata() component.Metadata { return sceneChangerMetadata }

func (s *SceneChanger) Command() component.Command {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.command
}

func (s *SceneChanger) Start(ctx context.Context, deps component.Deps) error {
	if err := s.Base.Start(ctx, deps); err != nil {
		return err
	}
	cfg := deps.Config
	var transitions map[string][]string
	if err := json.Unmarshal([]byte(cfg.String(ctx, "transitions", "{}")), &transitions); err != nil {
		return fmt.Errorf("scene_changer transitions: %w", err)
	}
	var rewards map[string]string
	if err := json.Unmarshal([]byte(cfg.String(ctx, "rewards", "{}")), &rewards); err != nil {
		return fmt.Errorf("scene_changer rewards: %w", err)
	}
	byTitle := make(map[string]string, len(rewards))
	for title, scene := range rewards {
		byTitle[strings.ToLower(strings.TrimSpace(title))] = scene
	}

	s.mu.Lock()
	s.command = component.Token(cfg.String(ctx, "command", "scene"))
	s.who = parseRoles(cfg.List(ctx, "who_can", []string{"broadcaster", "moderator"}))
	s.transitions = transitions
	s.rewards = byTitle
	s.mu.Unlock()
	return nil
}

func (s *SceneChanger) ProcessMessage(ctx context.Context, text string, user component.User, roles component.RoleSet) error {
	s.mu.RLock()
	who := s.who
	s.mu.RUnlock()
	target := strings.TrimSpace(text)
	if !allowed(roles, who) || target == "" {
		return nil
	}
	if s.switchTo(ctx, target, true) {
		s.Log().Info("scene changed from chat", slog.String("user", user.Login), slog.String("scene", target))
	}
	return nil
}

func (s *SceneChanger) ProcessEvent(ctx context.Context, kind events.Kind, payload any) error {
	if kind != events.KindRewardRedeemed {
		return nil
	}
	r, ok := payload.(events.ChannelPointsRedemptionEvent)
	if !ok {
		return nil
	}
	s.mu.RLock()
	scene, ok := s.rewards[strings.ToLower(strings.TrimSpace(r.Reward.Title))]
	s.mu.RUnlock()
	if !ok {
		return nil
	}
	if s.switchTo(ctx, scene, false) {
		s.Log().Info("scene changed by reward", slog.String("user", r.UserLogin), slog.String("reward", r.Reward.Title), slog.String("scene", scene))
	}
	return nil
}

// switchTo activates the scene whose name matches target case-insensitively.
// checkTransition applies the transition table.
func (s *SceneChanger) switchTo(ctx context.Context, target string, checkTransition bool) bool {
	ctl := s.Deps.Control
	if ctl == nil {
		return false
	}
	var scene control.Scene
	found := false
	for _, sc := range ctl.Scenes(ctx) {
		if strings.EqualFold(sc.Name, target) {
			scene, found = sc, true
			break
		}
	}
	if !found {
		return false
	}
	current, ok := ctl.CurrentScene(ctx)
	if ok && current.ID == scene.ID {
		return false
	}
	if checkTransition && !s.transitionAllowed(current.Name, scene.Name) {
		return false
	}
	return ctl.SetScene(ctx, scene.Name)
}

func (s *SceneChanger) transitionAllowed(from, to string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.transitions) == 0 {
		return true
	}
	for _, next := range s.transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
