package components

import (
	"context"
	"log/slog"

	"github.com/onnwee/chatdeck/component"
)

const EchoID = "echo"

var echoMetadata = component.Metadata{
	Name:        "Echo",
	Description: "Logs every chat message at debug level",
	Version:     version,
}

// Echo logs every chat line. It has no command filter.
type Echo struct {
	component.Base
}

func NewEcho() component.Component { return &Echo{} }

func (e *Echo) ID() string                   { return EchoID }
func (e *Echo) Metadata() component.Metadata { return echoMetadata }
func (e *Echo) Command() component.Command   { return component.Command{} }

func (e *Echo) ProcessMessage(ctx context.Context, text string, user component.User, roles component.RoleSet) error {
	e.Log().Debug("chat",
		slog.String("user", user.Login),
		slog.String("roles", roles.String()),
		slog.String("text", text))
	return nil
}
