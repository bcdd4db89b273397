// Package component defines the contract every chat component implements to
// plug into the dispatcher: a stable id, descriptive metadata, an optional
// command filter, a start/stop lifecycle, and message and event hooks.
//
// Components are compiled in. Each one registers a factory in a Catalog
// (see package components) and the dispatcher instantiates them by id.
package component

import (
	"context"
	"log/slog"
	"strings"

	"github.com/onnwee/chatdeck/control"
	"github.com/onnwee/chatdeck/events"
	"github.com/onnwee/chatdeck/twitchapi"
)

// Metadata describes a component to the admin surface.
type Metadata struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
}

// User identifies the sender of a chat message.
type User struct {
	Login       string
	DisplayName string
	ID          string
}

// Command is a component's command filter. The zero value matches no command
// and means the component receives every message unmodified.
type Command struct {
	tokens []string
}

// Token filters on a single command name.
func Token(name string) Command { return Tokens(name) }

// Tokens filters on any of names. Names compare case-insensitively and may be
// given with or without the prefix character.
func Tokens(names ...string) Command {
	var c Command
	for _, n := range names {
		n = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(n), CommandPrefix))
		if n != "" {
			c.tokens = append(c.tokens, n)
		}
	}
	return c
}

// CommandPrefix marks a chat line as a command.
const CommandPrefix = "!"

// IsFilter reports whether the component declared any command tokens.
func (c Command) IsFilter() bool { return len(c.tokens) > 0 }

// Matches reports whether name is one of the declared tokens.
func (c Command) Matches(name string) bool {
	name = strings.ToLower(name)
	for _, t := range c.tokens {
		if t == name {
			return true
		}
	}
	return false
}

// Names returns the declared tokens.
func (c Command) Names() []string { return append([]string(nil), c.tokens...) }

// Component is a chat plugin. The dispatcher calls its methods from the
// goroutine that received the triggering frame, so they must return quickly,
// and they must not add or remove components synchronously.
type Component interface {
	ID() string
	Metadata() Metadata
	Command() Command
	Start(ctx context.Context, deps Deps) error
	Stop() error
	// ProcessMessage receives either the full chat line (no command filter) or
	// the text following the matched command name.
	ProcessMessage(ctx context.Context, text string, user User, roles RoleSet) error
	// ProcessEvent receives every platform event; uninteresting kinds are no-ops.
	ProcessEvent(ctx context.Context, kind events.Kind, payload any) error
}

// ChatSender posts chat messages. *chat.Client satisfies it.
type ChatSender interface {
	SendMessage(text string)
}

// SceneController drives the broadcast tool. *control.Connector satisfies it.
type SceneController interface {
	Scenes(ctx context.Context) []control.Scene
	CurrentScene(ctx context.Context) (control.Scene, bool)
	SetScene(ctx context.Context, name string) bool
	SetTextSourceProperties(ctx context.Context, source string, props map[string]string) bool
}

// UserLookup resolves channel information for a login.
type UserLookup interface {
	GetUser(ctx context.Context, login string) (twitchapi.User, error)
}

// Deps is what a component receives on Start. Any collaborator may be nil
// when the session runs without it.
type Deps struct {
	Config  *Config
	Chat    ChatSender
	Control SceneController
	Users   UserLookup
	Channel string // broadcaster login
	Logger  *slog.Logger
}

// Base provides no-op lifecycle and event hooks for embedding.
type Base struct {
	Deps Deps
}

func (b *Base) Start(ctx context.Context, deps Deps) error {
	b.Deps = deps
	return nil
}

func (b *Base) Stop() error { return nil }

func (b *Base) ProcessEvent(ctx context.Context, kind events.Kind, payload any) error { return nil }

// Say posts text to chat when a sender is available.
func (b *Base) Say(text string) {
	if b.Deps.Chat != nil && text != "" {
		b.Deps.Chat.SendMessage(text)
	}
}

// Log returns the component logger, never nil.
func (b *Base) Log() *slog.Logger {
	if b.Deps.Logger != nil {
		return b.Deps.Logger
	}
	return slog.Default()
}
