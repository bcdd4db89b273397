package components

import (
	"context"
	"strconv"
	"sync"

	"github.com/onnwee/chatdeck/component"
	"github.com/onnwee/chatdeck/events"
)

const EventAlertsID = "event_alerts"

var eventAlertsMetadata = component.Metadata{
	Name:        "Event Alerts",
	Description: "Shows the latest supporter in a text source and thanks them in chat",
	Version:     version,
}

const anonymous = "Anonymous"

type alertSettings struct {
	source    string
	subText   string
	giftText  string
	bitsText  string
	thankChat bool
	thankText string
	minBits   int
}

// EventAlerts writes the latest subscription or cheer into a text source of
// the broadcast tool.
type EventAlerts struct {
	component.Base

	mu  sync.Mutex
	cfg alertSettings
}

func NewEventAlerts() component.Component { return &EventAlerts{} }

func (a *EventAlerts) ID() string                   { return EventAlertsID }
func (a *EventAlerts) Metadata() component.Metadata { return eventAlertsMetadata }
func (a *EventAlerts) Command() component.Command   { return component.Command{} }

func (a *EventAlerts) Start(ctx context.Context, deps component.Deps) error {
	if err := a.Base.Start(ctx, deps); err != nil {
		return err
	}
	cfg := deps.Config
	set := alertSettings{
		source:    cfg.String(ctx, "source", "Latest Supporter"),
		subText:   cfg.String(ctx, "sub_text", "{name} subscribed"),
		giftText:  cfg.String(ctx, "gift_text", "{name} gifted {count} subs"),
		bitsText:  cfg.String(ctx, "bits_text", "{name} cheered {bits} bits"),
		thankChat: cfg.Bool(ctx, "thank_in_chat", false),
		thankText: cfg.String(ctx, "thank_text", "Thank you {name}!"),
		minBits:   cfg.Int(ctx, "min_bits", 1),
	}
	a.mu.Lock()
	a.cfg = set
	a.mu.Unlock()
	return nil
}

func (a *EventAlerts) ProcessMessage(ctx context.Context, text string, user component.User, roles component.RoleSet) error {
	return nil
}

func (a *EventAlerts) ProcessEvent(ctx context.Context, kind events.Kind, payload any) error {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	var name, text string
	switch ev := payload.(type) {
	case events.SubscriptionEvent:
		name = ev.UserName
		if name == "" {
			name = anonymous
		}
		text = cfg.subText
		if ev.IsGift {
			count := ev.GiftCount
			if count < 1 {
				count = 1
			}
			text = render(cfg.giftText, map[string]string{"count": strconv.Itoa(count)})
		}
	case events.BitsEvent:
		if ev.Bits < cfg.minBits {
			return nil
		}
		name = ev.UserName
		if ev.IsAnonymous || name == "" {
			name = anonymous
		}
		text = render(cfg.bitsText, map[string]string{"bits": strconv.Itoa(ev.Bits)})
	default:
		return nil
	}

	vars := map[string]string{"name": name}
	if a.Deps.Control != nil && cfg.source != "" {
		a.Deps.Control.SetTextSourceProperties(ctx, cfg.source, map[string]string{"text": render(text, vars)})
	}
	if cfg.thankChat {
		a.Say(render(cfg.thankText, vars))
	}
	return nil
}
