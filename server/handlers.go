// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"log/slog"

	"github.com/onnwee/chatdeck/bot"
	"github.com/onnwee/chatdeck/component"
	"github.com/onnwee/chatdeck/config"
	"github.com/onnwee/chatdeck/control"
	"github.com/onnwee/chatdeck/db"
	"github.com/onnwee/chatdeck/oauth"
)

// Session is the bot session surface the API drives. *bot.Session
// satisfies it.
type Session interface {
	Status() bot.Status
	Restart(ctx context.Context) error
	Catalog() *component.Catalog
	Components(ctx context.Context) ([]string, error)
	AddComponent(ctx context.Context, id string) error
	RemoveComponent(ctx context.Context, id string) error
	ControlConfig() control.Config
	SetControlConfig(cfg control.Config)
}

// Store is the persistence the API touches directly.
type Store interface {
	Ping(ctx context.Context) error
	GetToken(ctx context.Context, account string) (db.Token, error)
	SaveToken(ctx context.Context, t db.Token) error
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctx     context.Context
	cfg     *config.Config
	session Session
	store   Store
	oauth   *oauth.Provider
	log     *slog.Logger
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	return &Handlers{
		ctx:     ctx,
		cfg:     deps.Config,
		session: deps.Session,
		store:   deps.Store,
		oauth:   deps.OAuth,
		log:     slog.Default().With(slog.String("component", "http")),
	}
}

// restartAsync restarts the session in the background, bounded by the
// server lifetime rather than the request.
func (h *Handlers) restartAsync(reason string) {
	go func() {
		if err := h.session.Restart(h.ctx); err != nil {
			h.log.Warn("session restart failed", slog.String("reason", reason), slog.Any("err", err))
			return
		}
		h.log.Info("session restarted", slog.String("reason", reason))
	}()
}
