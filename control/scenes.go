package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
)

const scenesService = "ScenesService"

// Scene is a scene of the broadcast tool.
type Scene struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ResourceID string `json:"resourceId"`
}

type resource struct {
	ResourceID string `json:"resourceId"`
}

// logFailure keeps disconnected calls quiet and reports everything else.
func (c *Connector) logFailure(op string, err error) {
	if errors.Is(err, ErrNotConnected) {
		return
	}
	c.log.Warn("control call failed", slog.String("op", op), slog.Any("err", err))
}

// Scenes lists all scenes. Empty when not connected.
func (c *Connector) Scenes(ctx context.Context) []Scene {
	res, err := c.call(ctx, "getScenes", scenesService)
	if err != nil {
		c.logFailure("getScenes", err)
		return nil
	}
	var scenes []Scene
	if err := json.Unmarshal(res, &scenes); err != nil {
		c.logFailure("getScenes", err)
		return nil
	}
	return scenes
}

// CurrentScene returns the active scene; ok is false when not connected.
func (c *Connector) CurrentScene(ctx context.Context) (scene Scene, ok bool) {
	res, err := c.call(ctx, "activeScene", scenesService)
	if err != nil {
		c.logFailure("activeScene", err)
		return Scene{}, false
	}
	if err := json.Unmarshal(res, &scene); err != nil {
		c.logFailure("activeScene", err)
		return Scene{}, false
	}
	if scene.ID == "" {
		return Scene{}, false
	}
	return scene, true
}

// SetScene switches to the scene called name. It reports whether the switch
// was accepted; an unknown name or a missing connection yields false.
func (c *Connector) SetScene(ctx context.Context, name string) bool {
	for _, s := range c.Scenes(ctx) {
		if s.Name != name {
			continue
		}
		res, err := c.call(ctx, "makeSceneActive", scenesService, s.ID)
		if err != nil {
			c.logFailure("makeSceneActive", err)
			return false
		}
		var ok bool
		_ = json.Unmarshal(res, &ok)
		return ok
	}
	return false
}

type formField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SetTextSourceProperties updates properties (text, color, ...) of the
// source named source in the active scene. It reports whether the update
// was sent.
func (c *Connector) SetTextSourceProperties(ctx context.Context, source string, props map[string]string) bool {
	scene, ok := c.CurrentScene(ctx)
	if !ok {
		return false
	}
	res, err := c.call(ctx, "getNodeByName", scene.ResourceID, source)
	if err != nil {
		c.logFailure("getNodeByName", err)
		return false
	}
	var node *resource
	if err := json.Unmarshal(res, &node); err != nil || node == nil || node.ResourceID == "" {
		c.log.Debug("source not in active scene", slog.String("source", source), slog.String("scene", scene.Name))
		return false
	}
	res, err = c.call(ctx, "getSource", node.ResourceID)
	if err != nil {
		c.logFailure("getSource", err)
		return false
	}
	var src *resource
	if err := json.Unmarshal(res, &src); err != nil || src == nil || src.ResourceID == "" {
		return false
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	form := make([]formField, 0, len(keys))
	for _, k := range keys {
		form = append(form, formField{Name: k, Value: props[k]})
	}
	if _, err := c.call(ctx, "setPropertiesFormData", src.ResourceID, form); err != nil {
		c.logFailure("setPropertiesFormData", err)
		return false
	}
	return true
}
