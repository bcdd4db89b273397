package components

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chatdeck/component"
	"github.com/onnwee/chatdeck/events"
)

const CountdownTimerID = "countdown_timer"

var countdownTimerMetadata = component.Metadata{
	Name:        "Countdown Timer",
	Description: "Countdowns shown in a text source that channel points, subs, bits and raids extend",
	Version:     version,
}

// Trigger types accepted in a timer's "events" list.
const (
	triggerReward       = "reward"
	triggerSubscription = "subscription"
	triggerBits         = "bits"
	triggerRaid         = "raid"
)

// timerTrigger adds time to its timer when a matching event arrives.
type timerTrigger struct {
	Type           string `json:"type"`
	Disabled       bool   `json:"disabled,omitempty"`
	Duration       int    `json:"duration"`
	DurationFormat string `json:"duration_format"` // hours, minutes or seconds

	Reward string `json:"reward,omitempty"` // reward title

	Gift bool   `json:"is_gift,omitempty"`
	Tier string `json:"tier,omitempty"` // prime, 1000, 2000, 3000 or any

	// Exact bits triggers fire only on NumBits; the others scale Duration by bits/NumBits.
	Exact   bool `json:"is_exact,omitempty"`
	NumBits int  `json:"num_bits,omitempty"`

	// Raids of at least MinViewers add Duration per PerViewers viewers.
	MinViewers int `json:"min_viewers,omitempty"`
	PerViewers int `json:"per_viewers,omitempty"`
}

func (t timerTrigger) duration() time.Duration {
	unit := time.Second
	switch t.DurationFormat {
	case "hours":
		unit = time.Hour
	case "minutes":
		unit = time.Minute
	}
	return time.Duration(t.Duration) * unit
}

// amount returns how much time payload adds, and whether the trigger fires.
func (t timerTrigger) amount(kind events.Kind, payload any) (time.Duration, bool) {
	if t.Disabled {
		return 0, false
	}
	switch ev := payload.(type) {
	case events.ChannelPointsRedemptionEvent:
		if kind == events.KindRewardRedeemed && t.Type == triggerReward && strings.EqualFold(strings.TrimSpace(t.Reward), strings.TrimSpace(ev.Reward.Title)) {
			return t.duration(), true
		}
	case events.SubscriptionEvent:
		if kind != events.KindSubscription || t.Type != triggerSubscription || t.Gift != ev.IsGift {
			return 0, false
		}
		if t.Tier == "" || t.Tier == "any" || strings.EqualFold(t.Tier, ev.Tier) {
			return t.duration(), true
		}
	case events.BitsEvent:
		if kind != events.KindBits || t.Type != triggerBits || t.NumBits <= 0 {
			return 0, false
		}
		if t.Exact {
			return t.duration(), ev.Bits == t.NumBits
		}
		return t.duration() * time.Duration(ev.Bits) / time.Duration(t.NumBits), ev.Bits > 0
	case events.RaidEvent:
		if kind != events.KindRaid || t.Type != triggerRaid || ev.Viewers < t.MinViewers {
			return 0, false
		}
		per := t.PerViewers
		if per <= 0 {
			per = 1
		}
		return t.duration() * time.Duration(ev.Viewers) / time.Duration(per), ev.Viewers > 0
	}
	return 0, false
}

// countdown is one configured timer.
type countdown struct {
	Name      string         `json:"name"`
	Disabled  bool           `json:"disabled,omitempty"`
	Source    string         `json:"source"`
	Format    string         `json:"format"`  // {name} and {time}; default "{name}: {time}"
	Display   string         `json:"display"` // hours, minutes, seconds or automatic
	StartMsg  string         `json:"start_msg,omitempty"`
	FinishMsg string         `json:"finish_msg,omitempty"`
	Events    []timerTrigger `json:"events"`
}

// CountdownTimer keeps countdowns in control-channel text sources. Timers live
// in the "timers" setting as a JSON list; a running timer is extended by its
// triggers and announced in chat when it starts and when it runs out.
// Moderators adjust timers with "!timer <name> +N|-N|N" (seconds).
type CountdownTimer struct {
	component.Base

	now      func() time.Time
	interval time.Duration

	mu      sync.Mutex
	command component.Command
	who     component.RoleSet
	timers  []countdown
	finish  map[string]time.Time // running timers by name
	shown   map[string]bool      // sources holding countdown text

	stop chan struct{}
	done chan struct{}
}

func NewCountdownTimer() component.Component {
	return &CountdownTimer{now: time.Now, interval: 500 * time.Millisecond, command: component.Token("timer")}
}

func (c *CountdownTimer) ID() string                   { return CountdownTimerID }
func (c *CountdownTimer) Metadata() component.Metadata { return countdownTimerMetadata }

func (c *CountdownTimer) Command() component.Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.command
}

func (c *CountdownTimer) Start(ctx context.Context, deps component.Deps) error {
	if err := c.Base.Start(ctx, deps); err != nil {
		return err
	}
	cfg := deps.Config
	var timers []countdown
	if err := json.Unmarshal([]byte(cfg.String(ctx, "timers", "[]")), &timers); err != nil {
		return fmt.Errorf("countdown_timer timers: %w", err)
	}
	seen := make(map[string]bool, len(timers))
	for i := range timers {
		t := &timers[i]
		t.Name = strings.TrimSpace(t.Name)
		if t.Name == "" || seen[strings.ToLower(t.Name)] {
			return fmt.Errorf("countdown_timer: timer %d needs a unique name", i)
		}
		seen[strings.ToLower(t.Name)] = true
		if t.Format == "" {
			t.Format = "{name}: {time}"
		}
		if t.Display == "" {
			t.Display = "minutes"
		}
	}

	c.mu.Lock()
	c.command = component.Token(cfg.String(ctx, "command", "timer"))
	c.who = parseRoles(cfg.List(ctx, "who_can", []string{"broadcaster", "moderator"}))
	c.timers = timers
	c.finish = make(map[string]time.Time)
	c.shown = make(map[string]bool)
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.run(c.stop, c.done)
	return nil
}

// Stop ends the ticker goroutine and waits for it.
func (c *CountdownTimer) Stop() error {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop = nil
	c.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (c *CountdownTimer) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.tick(context.Background())
		}
	}
}

func (c *CountdownTimer) ProcessMessage(ctx context.Context, text string, user component.User, roles component.RoleSet) error {
	c.mu.Lock()
	who := c.who
	c.mu.Unlock()
	if !allowed(roles, who) {
		return nil
	}
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return nil
	}
	name, arg := strings.Join(fields[:len(fields)-1], " "), fields[len(fields)-1]
	secs, err := strconv.Atoi(strings.TrimPrefix(arg, "+"))
	if err != nil {
		return nil
	}
	d := time.Duration(secs) * time.Second
	if strings.HasPrefix(arg, "+") || strings.HasPrefix(arg, "-") {
		c.Say(c.add(name, d))
	} else {
		c.Say(c.set(name, d))
	}
	c.Log().Info("timer adjusted from chat", slog.String("user", user.Login), slog.String("timer", name), slog.String("change", arg))
	return nil
}

func (c *CountdownTimer) ProcessEvent(ctx context.Context, kind events.Kind, payload any) error {
	type extension struct {
		name string
		d    time.Duration
	}
	var extend []extension
	c.mu.Lock()
	for _, t := range c.timers {
		if t.Disabled {
			continue
		}
		for _, trig := range t.Events {
			if d, ok := trig.amount(kind, payload); ok {
				extend = append(extend, extension{t.Name, d})
			}
		}
	}
	c.mu.Unlock()
	for _, e := range extend {
		c.Say(c.add(e.name, e.d))
	}
	return nil
}

// lookup returns the timer called name. Caller holds c.mu.
func (c *CountdownTimer) lookup(name string) (countdown, bool) {
	for _, t := range c.timers {
		if strings.EqualFold(t.Name, name) {
			return t, true
		}
	}
	return countdown{}, false
}

// add extends a running timer by d (which may be negative) or starts a stopped
// one when d is positive. It returns the start message to announce, if any.
func (c *CountdownTimer) add(name string, d time.Duration) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.lookup(name)
	if !ok {
		return ""
	}
	if end, running := c.finish[t.Name]; running {
		c.finish[t.Name] = end.Add(d)
		return ""
	}
	if d <= 0 {
		return ""
	}
	c.finish[t.Name] = c.now().Add(d)
	return render(t.StartMsg, map[string]string{"name": t.Name})
}

// set makes the timer end d from now. Zero or less ends it on the next tick.
func (c *CountdownTimer) set(name string, d time.Duration) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.lookup(name)
	if !ok {
		return ""
	}
	if d < 0 {
		d = 0
	}
	_, running := c.finish[t.Name]
	c.finish[t.Name] = c.now().Add(d)
	if running || d == 0 {
		return ""
	}
	return render(t.StartMsg, map[string]string{"name": t.Name})
}

// Remaining reports how long the named timer has left.
func (c *CountdownTimer) Remaining(name string) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.lookup(name)
	if !ok {
		return 0, false
	}
	end, running := c.finish[t.Name]
	if !running {
		return 0, false
	}
	return end.Sub(c.now()), true
}

// tick renders every source that shows a running timer, finishes expired
// timers, and blanks sources left without one.
func (c *CountdownTimer) tick(ctx context.Context) {
	now := c.now()
	var finished []string
	texts := make(map[string][]string)

	c.mu.Lock()
	for _, t := range c.timers {
		end, running := c.finish[t.Name]
		if !running {
			continue
		}
		left := end.Sub(now)
		if left <= 0 {
			delete(c.finish, t.Name)
			if msg := render(t.FinishMsg, map[string]string{"name": t.Name}); msg != "" {
				finished = append(finished, msg)
			}
			continue
		}
		line := render(t.Format, map[string]string{"name": t.Name, "time": formatRemaining(left, t.Display)})
		texts[t.Source] = append(texts[t.Source], line)
	}
	updates := make(map[string]string, len(texts)+len(c.shown))
	for source := range c.shown {
		if _, ok := texts[source]; !ok {
			updates[source] = ""
			delete(c.shown, source)
		}
	}
	for source, lines := range texts {
		updates[source] = strings.Join(lines, "\n")
		c.shown[source] = true
	}
	c.mu.Unlock()

	if ctl := c.Deps.Control; ctl != nil {
		for source, text := range updates {
			if source == "" {
				continue
			}
			ctl.SetTextSourceProperties(ctx, source, map[string]string{"text": text})
		}
	}
	for _, msg := range finished {
		c.Say(msg)
	}
}

// formatRemaining renders d as hh:mm:ss, mm:ss or ss. "automatic" picks the
// shortest form that fits.
func formatRemaining(d time.Duration, display string) string {
	ms := d.Milliseconds()
	switch display {
	case "hours":
		return fmt.Sprintf("%02d:%02d:%02d", ms/3_600_000, ms/60_000%60, ms/1000%60)
	case "minutes":
		return fmt.Sprintf("%02d:%02d", ms/60_000, ms/1000%60)
	case "seconds":
		return fmt.Sprintf("%02d", ms/1000)
	}
	switch {
	case d > time.Hour:
		return formatRemaining(d, "hours")
	case d > time.Minute:
		return formatRemaining(d, "minutes")
	default:
		return formatRemaining(d, "seconds")
	}
}
