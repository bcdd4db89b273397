package components

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chatdeck/component"
)

const CommandsID = "commands"

var commandsMetadata = component.Metadata{
	Name:        "Commands",
	Description: "Custom text commands with access levels and cooldowns",
	Version:     version,
}

// listCommand is answered with the commands the sender may use.
const listCommand = "commands"

// CustomCommand is one configured text command. Cooldowns are in seconds.
type CustomCommand struct {
	Command      string `json:"command"`
	Response     string `json:"response"`
	AccessLevel  string `json:"access_level,omitempty"` // role name; empty means chatter
	Cooldown     int    `json:"cooldown,omitempty"`
	UserCooldown int    `json:"user_cooldown,omitempty"`
	Disabled     bool   `json:"disabled,omitempty"`
}

var defaultCommands = []CustomCommand{
	{Command: "ping", Response: "pong"},
}

type commandState struct {
	cmd    CustomCommand
	access component.Role
}

// Commands answers configured text commands. The command list lives in the
// "commands" config key as a JSON array. The set is dynamic, so the
// component takes every line and parses the command name itself.
type Commands struct {
	component.Base
	now func() time.Time

	mu       sync.Mutex
	commands map[string]commandState
	nextAt   map[string]time.Time // command -> earliest next use
	userNext map[string]time.Time // login + "\x00" + command
}

func NewCommands() component.Component { return &Commands{now: time.Now} }

func (c *Commands) ID() string                   { return CommandsID }
func (c *Commands) Metadata() component.Metadata { return commandsMetadata }
func (c *Commands) Command() component.Command   { return component.Command{} }

func (c *Commands) Start(ctx context.Context, deps component.Deps) error {
	if err := c.Base.Start(ctx, deps); err != nil {
		return err
	}
	def, _ := json.Marshal(defaultCommands)
	raw := deps.Config.String(ctx, "commands", string(def))
	var list []CustomCommand
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return fmt.Errorf("commands config: %w", err)
	}

	cmds := make(map[string]commandState, len(list))
	for _, cmd := range list {
		name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(cmd.Command), component.CommandPrefix))
		if name == "" || name == listCommand || cmd.Response == "" {
			c.Log().Warn("skipping invalid command", slog.String("command", cmd.Command))
			continue
		}
		access := component.RoleChatter
		if cmd.AccessLevel != "" {
			r, err := component.ParseRole(cmd.AccessLevel)
			if err != nil {
				c.Log().Warn("skipping command", slog.String("command", name), slog.Any("err", err))
				continue
			}
			access = r
		}
		cmds[name] = commandState{cmd: cmd, access: access}
	}

	c.mu.Lock()
	c.commands = cmds
	c.nextAt = map[string]time.Time{}
	c.userNext = map[string]time.Time{}
	c.mu.Unlock()
	c.Log().Info("commands loaded", slog.Int("count", len(cmds)))
	return nil
}

func (c *Commands) ProcessMessage(ctx context.Context, text string, user component.User, roles component.RoleSet) error {
	if !strings.HasPrefix(text, component.CommandPrefix) {
		return nil
	}
	fields := strings.Fields(text[len(component.CommandPrefix):])
	if len(fields) == 0 {
		return nil
	}
	name := strings.ToLower(fields[0])
	args := strings.Join(fields[1:], " ")

	if name == listCommand {
		if names := c.available(roles); len(names) > 0 {
			c.Say("Commands: " + strings.Join(names, " "))
		}
		return nil
	}
	if resp, ok := c.take(name, user.Login, roles); ok {
		c.Say(render(resp, map[string]string{
			"user":  user.DisplayName,
			"login": user.Login,
			"args":  args,
		}))
	}
	return nil
}

// take checks access and cooldowns for name and, when it may run, books the
// next cooldown window.
func (c *Commands) take(name, login string, roles component.RoleSet) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.commands[name]
	if !ok || st.cmd.Disabled || !roles.Has(st.access) {
		return "", false
	}
	now := c.now()
	userKey := login + "\x00" + name
	if now.Before(c.nextAt[name]) || now.Before(c.userNext[userKey]) {
		return "", false
	}
	c.nextAt[name] = now.Add(time.Duration(st.cmd.Cooldown) * time.Second)
	c.userNext[userKey] = now.Add(time.Duration(st.cmd.UserCooldown) * time.Second)
	return st.cmd.Response, true
}

func (c *Commands) available(roles component.RoleSet) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var names []string
	for name, st := range c.commands {
		if !st.cmd.Disabled && roles.Has(st.access) {
			names = append(names, component.CommandPrefix+name)
		}
	}
	sort.Strings(names)
	return names
}
