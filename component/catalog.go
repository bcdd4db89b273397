package component

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Factory builds a fresh, unstarted component instance.
type Factory func() Component

// Registration describes a compiled-in component.
type Registration struct {
	ID       string
	Metadata Metadata
	Factory  Factory
}

// Catalog holds the component factories known to the binary.
type Catalog struct {
	mu   sync.RWMutex
	regs map[string]Registration
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{regs: make(map[string]Registration)}
}

// Register adds reg. Ids are unique.
func (c *Catalog) Register(reg Registration) error {
	if reg.ID == "" {
		return errors.New("component id required")
	}
	if reg.Factory == nil {
		return fmt.Errorf("component %s: factory required", reg.ID)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.regs[reg.ID]; exists {
		return fmt.Errorf("component %s already registered", reg.ID)
	}
	c.regs[reg.ID] = reg
	return nil
}

// Lookup returns the registration for id.
func (c *Catalog) Lookup(id string) (Registration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.regs[id]
	return r, ok
}

// New instantiates component id.
func (c *Catalog) New(id string) (Component, error) {
	reg, ok := c.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("unknown component %q", id)
	}
	comp := reg.Factory()
	if comp == nil {
		return nil, fmt.Errorf("component %s: factory returned nil", id)
	}
	if comp.ID() != id {
		return nil, fmt.Errorf("component %s: instance reports id %q", id, comp.ID())
	}
	return comp, nil
}

// List returns all registrations sorted by id.
func (c *Catalog) List() []Registration {
	c.mu.RLock()
	out := make([]Registration, 0, len(c.regs))
	for _, r := range c.regs {
		out = append(out, r)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
