// Package components holds the compiled-in chat components. Register adds
// every one of them to a catalog; the dispatcher instantiates them by id.
package components

import (
	"fmt"
	"strings"

	"github.com/onnwee/chatdeck/component"
)

const version = "1.0.0"

// Registrations lists the bundled components.
func Registrations() []component.Registration {
	return []component.Registration{
		{ID: EchoID, Metadata: echoMetadata, Factory: NewEcho},
		{ID: CommandsID, Metadata: commandsMetadata, Factory: NewCommands},
		{ID: ShoutoutID, Metadata: shoutoutMetadata, Factory: NewShoutout},
		{ID: SceneChangerID, Metadata: sceneChangerMetadata, Factory: NewSceneChanger},
		{ID: EventAlertsID, Metadata: eventAlertsMetadata, Factory: NewEventAlerts},
		{ID: CountdownTimerID, Metadata: countdownTimerMetadata, Factory: NewCountdownTimer},
	}
}

// Register adds every bundled component to catalog.
func Register(catalog *component.Catalog) error {
	for _, reg := range Registrations() {
		if err := catalog.Register(reg); err != nil {
			return fmt.Errorf("register %s: %w", reg.ID, err)
		}
	}
	return nil
}

// render substitutes {placeholders} in a chat template.
func render(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// parseRoles reads a role list; unknown names are skipped.
func parseRoles(names []string) component.RoleSet {
	var set component.RoleSet
	for _, n := range names {
		if r, err := component.ParseRole(n); err == nil {
			set = set.With(r)
		}
	}
	return set
}

// allowed reports whether the sender holds any of the permitted roles.
func allowed(roles, permitted component.RoleSet) bool { return roles&permitted != 0 }
