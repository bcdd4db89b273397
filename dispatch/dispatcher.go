// Package dispatch routes chat messages and platform events to the active
// components.
//
// The registry is an immutable snapshot replaced atomically on every add or
// remove. Dispatch reads the current snapshot without locking, so a
// component may add or remove components from inside a handler. Every call
// into a component is isolated: errors and panics are logged with the
// component id and reported as a failure, and never reach the caller's
// goroutine.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"

	"github.com/onnwee/chatdeck/component"
	"github.com/onnwee/chatdeck/events"
	"github.com/onnwee/chatdeck/identity"
	"github.com/onnwee/chatdeck/telemetry"
)

var (
	ErrAlreadyActive    = errors.New("component already active")
	ErrNotActive        = errors.New("component not active")
	ErrComponentStartup = errors.New("component failed to start")
)

// RoleSource provides the moderator/subscriber snapshot.
// *identity.RoleStore satisfies it.
type RoleSource interface {
	Snapshot() *identity.Snapshot
}

// DepsFunc builds the collaborators handed to component id on Start.
type DepsFunc func(id string) component.Deps

// Identity is the channel context roles are computed against.
type Identity struct {
	Broadcaster string // login
	Roles       RoleSource
}

type entry struct {
	comp component.Component
	meta component.Metadata
}

// registry is never mutated after publication.
type registry struct {
	ids     []string
	entries map[string]entry
}

func (r *registry) with(id string, e entry) *registry {
	next := &registry{entries: make(map[string]entry, len(r.entries)+1)}
	for k, v := range r.entries {
		next.entries[k] = v
	}
	next.entries[id] = e
	next.ids = append(append([]string(nil), r.ids...), id)
	sort.Strings(next.ids)
	return next
}

func (r *registry) without(id string) *registry {
	next := &registry{entries: make(map[string]entry, len(r.entries))}
	for k, v := range r.entries {
		if k != id {
			next.entries[k] = v
			next.ids = append(next.ids, k)
		}
	}
	sort.Strings(next.ids)
	return next
}

// Report summarizes one dispatch.
type Report struct {
	Delivered int
	Failed    []string // ids of components that errored or panicked
}

// OK reports whether no component failed.
func (r Report) OK() bool { return len(r.Failed) == 0 }

// Dispatcher owns the active component registry.
type Dispatcher struct {
	catalog *component.Catalog
	deps    DepsFunc
	log     *slog.Logger

	mu      sync.Mutex // serializes registry mutation and Start/Stop
	running bool
	reg     atomic.Pointer[registry]
	ident   atomic.Pointer[Identity]
}

// New returns a stopped dispatcher with an empty registry.
func New(catalog *component.Catalog, deps DepsFunc) *Dispatcher {
	if deps == nil {
		deps = func(string) component.Deps { return component.Deps{} }
	}
	d := &Dispatcher{
		catalog: catalog,
		deps:    deps,
		log:     slog.Default().With(slog.String("component", "dispatch")),
	}
	d.reg.Store(&registry{entries: map[string]entry{}})
	d.ident.Store(&Identity{})
	return d
}

// Running reports whether Start has been called without a matching Stop.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// Components returns the active component ids, sorted.
func (d *Dispatcher) Components() []string {
	return append([]string(nil), d.reg.Load().ids...)
}

// Metadata returns the metadata of active component id.
func (d *Dispatcher) Metadata(id string) (component.Metadata, bool) {
	e, ok := d.reg.Load().entries[id]
	return e.meta, ok
}

// SetIdentity replaces the channel context used for role computation.
func (d *Dispatcher) SetIdentity(id Identity) {
	id.Broadcaster = strings.ToLower(id.Broadcaster)
	d.ident.Store(&id)
}

// Start marks the dispatcher running and starts every registered component.
// Components whose Start fails are removed.
func (d *Dispatcher) Start(ctx context.Context, id Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.SetIdentity(id)
	if d.running {
		return
	}
	d.running = true
	reg := d.reg.Load()
	for _, cid := range reg.ids {
		if !d.startLocked(ctx, cid, reg.entries[cid].comp) {
			reg = reg.without(cid)
		}
	}
	d.reg.Store(reg)
	telemetry.SetGauge(telemetry.ActiveComponents, float64(len(reg.ids)))
	d.log.Info("dispatcher started", slog.Int("components", len(reg.ids)))
}

// Stop stops every component and clears the registry. Calling it again is a no-op.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg := d.reg.Load()
	if !d.running && len(reg.ids) == 0 {
		return
	}
	if d.running {
		for _, cid := range reg.ids {
			comp := reg.entries[cid].comp
			d.safeCall(cid, "stop", func() error { return comp.Stop() })
		}
	}
	d.running = false
	d.reg.Store(&registry{entries: map[string]entry{}})
	telemetry.SetGauge(telemetry.ActiveComponents, 0)
	d.log.Info("dispatcher stopped")
}

// AddComponent instantiates component id from the catalog and registers it,
// starting it first when the dispatcher is running. A component whose Start
// fails is stopped again and not registered.
func (d *Dispatcher) AddComponent(ctx context.Context, id string) error {
	if d.catalog == nil {
		return fmt.Errorf("add %s: no catalog", id)
	}
	comp, err := d.catalog.New(id)
	if err != nil {
		return err
	}
	return d.Add(ctx, comp)
}

// Add registers an already constructed component.
func (d *Dispatcher) Add(ctx context.Context, comp component.Component) error {
	id := comp.ID()
	d.mu.Lock()
	defer d.mu.Unlock()
	reg := d.reg.Load()
	if _, exists := reg.entries[id]; exists {
		return fmt.Errorf("add %s: %w", id, ErrAlreadyActive)
	}
	var meta component.Metadata
	if !d.safeCall(id, "metadata", func() error { meta = comp.Metadata(); return nil }) {
		return fmt.Errorf("add %s: %w", id, ErrComponentStartup)
	}
	if d.running && !d.startLocked(ctx, id, comp) {
		return fmt.Errorf("add %s: %w", id, ErrComponentStartup)
	}
	reg = reg.with(id, entry{comp: comp, meta: meta})
	d.reg.Store(reg)
	telemetry.SetGauge(telemetry.ActiveComponents, float64(len(reg.ids)))
	d.log.Info("component added", slog.String("component_id", id), slog.Bool("started", d.running))
	return nil
}

// startLocked starts comp and compensates a failure with a best-effort stop.
func (d *Dispatcher) startLocked(ctx context.Context, id string, comp component.Component) bool {
	deps := d.deps(id)
	if deps.Logger == nil {
		deps.Logger = slog.Default().With(slog.String("component_id", id))
	}
	if d.safeCall(id, "start", func() error { return comp.Start(ctx, deps) }) {
		return true
	}
	d.safeCall(id, "stop", func() error { return comp.Stop() })
	return false
}

// RemoveComponent stops component id (when running) and unregisters it.
func (d *Dispatcher) RemoveComponent(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg := d.reg.Load()
	e, ok := reg.entries[id]
	if !ok {
		return fmt.Errorf("remove %s: %w", id, ErrNotActive)
	}
	if d.running {
		d.safeCall(id, "stop", func() error { return e.comp.Stop() })
	}
	reg = reg.without(id)
	d.reg.Store(reg)
	telemetry.SetGauge(telemetry.ActiveComponents, float64(len(reg.ids)))
	d.log.Info("component removed", slog.String("component_id", id))
	return nil
}

// Roles computes the sender's role set.
func (d *Dispatcher) Roles(sender string, tags events.Tags) component.RoleSet {
	login := strings.ToLower(sender)
	roles := component.NewRoleSet(component.RoleChatter)
	id := d.ident.Load()
	if id.Broadcaster != "" && login == id.Broadcaster {
		roles = roles.With(component.RoleBroadcaster, component.RoleModerator, component.RoleSubscriber, component.RoleVIP)
	}
	if id.Roles != nil {
		snap := id.Roles.Snapshot()
		if snap.IsModerator(login) {
			roles = roles.With(component.RoleModerator)
		}
		if snap.IsSubscriber(login) {
			roles = roles.With(component.RoleSubscriber)
		}
	}
	if tags.HasBadge("vip") {
		roles = roles.With(component.RoleVIP)
	}
	return roles
}

// SplitCommand separates a "!name body" line into name and body.
// ok is false for lines that are not commands.
func SplitCommand(text string) (name, body string, ok bool) {
	if !strings.HasPrefix(text, component.CommandPrefix) {
		return "", "", false
	}
	rest := text[len(component.CommandPrefix):]
	i := strings.IndexFunc(rest, unicode.IsSpace)
	switch {
	case rest == "" || i == 0:
		return "", "", false
	case i < 0:
		return rest, "", true
	}
	return rest[:i], strings.TrimSpace(rest[i:]), true
}

// DispatchMessage routes one chat line. Components without a command filter
// get the full text; filtered components get the body only when the command
// name matches. No component receives both.
func (d *Dispatcher) DispatchMessage(ctx context.Context, msg events.ChatMessage) (rep Report) {
	ctx, span := telemetry.StartSpan(ctx, "dispatch", "dispatch.message")
	defer span.End()
	telemetry.TimeFunc(telemetry.DispatchDuration, func() { rep = d.dispatchMessage(ctx, msg) })
	return rep
}

func (d *Dispatcher) dispatchMessage(ctx context.Context, msg events.ChatMessage) Report {

	roles := d.Roles(msg.Sender, msg.Tags)
	user := component.User{Login: strings.ToLower(msg.Sender), DisplayName: msg.Tags.DisplayName, ID: msg.Tags.UserID}
	if user.DisplayName == "" {
		user.DisplayName = msg.Sender
	}
	name, body, isCmd := SplitCommand(msg.Text)

	var rep Report
	reg := d.reg.Load()
	for _, id := range reg.ids {
		comp := reg.entries[id].comp
		var cmd component.Command
		if !d.safeCall(id, "command", func() error { cmd = comp.Command(); return nil }) {
			rep.Failed = append(rep.Failed, id)
			continue
		}
		var text, path string
		switch {
		case !cmd.IsFilter():
			text, path = msg.Text, "full"
		case isCmd && cmd.Matches(name):
			text, path = body, "command"
		default:
			continue
		}
		telemetry.IncVec(telemetry.Dispatches, path)
		if d.deliver(ctx, id, "process_message", func(ctx context.Context) error { return comp.ProcessMessage(ctx, text, user, roles) }) {
			rep.Delivered++
		} else {
			rep.Failed = append(rep.Failed, id)
		}
	}
	return rep
}

// DispatchEvent broadcasts a platform event to every component.
func (d *Dispatcher) DispatchEvent(ctx context.Context, kind events.Kind, payload any) (rep Report) {
	ctx, span := telemetry.StartSpan(ctx, "dispatch", "dispatch.event", telemetry.EventKindAttr(kind.String()))
	defer span.End()
	telemetry.TimeFunc(telemetry.DispatchDuration, func() { rep = d.dispatchEvent(ctx, kind, payload) })
	return rep
}

func (d *Dispatcher) dispatchEvent(ctx context.Context, kind events.Kind, payload any) Report {
	var rep Report
	reg := d.reg.Load()
	for _, id := range reg.ids {
		comp := reg.entries[id].comp
		telemetry.IncVec(telemetry.Dispatches, "event")
		if d.deliver(ctx, id, "process_event", func(ctx context.Context) error { return comp.ProcessEvent(ctx, kind, payload) }) {
			rep.Delivered++
		} else {
			rep.Failed = append(rep.Failed, id)
		}
	}
	return rep
}

// safeCall runs fn, converting an error or panic into false.
// deliver runs one component hook in its own span.
func (d *Dispatcher) deliver(ctx context.Context, id, method string, fn func(ctx context.Context) error) bool {
	ctx, span := telemetry.StartSpan(ctx, "dispatch", "component."+method, telemetry.ComponentAttr(id))
	defer span.End()
	if !d.safeCall(id, method, func() error { return fn(ctx) }) {
		span.SetStatus(telemetry.ErrorStatus("component " + method + " failed"))
		return false
	}
	telemetry.SetSpanSuccess(span)
	return true
}

func (d *Dispatcher) safeCall(id, method string, fn func() error) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			telemetry.IncVec(telemetry.ComponentFailures, id, method)
			d.log.Error("component panicked",
				slog.String("component_id", id),
				slog.String("method", method),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	if err := fn(); err != nil {
		telemetry.IncVec(telemetry.ComponentFailures, id, method)
		d.log.Error("component call failed",
			slog.String("component_id", id),
			slog.String("method", method),
			slog.Any("err", err))
		return false
	}
	return true
}
