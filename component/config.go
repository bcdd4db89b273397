package component

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
)

// KV is the key-value storage behind component configuration.
// *db.Store and *db.MemoryStore satisfy it.
type KV interface {
	GetKV(ctx context.Context, key string) (value string, ok bool, err error)
	SetKV(ctx context.Context, key, value string) error
	DeleteKV(ctx context.Context, key string) error
	ListKV(ctx context.Context, prefix string) (map[string]string, error)
}

// Config is a component's isolated configuration namespace. Keys are stored
// as "component:<id>:<key>". Typed getters populate the default on first
// access so the stored configuration always shows every setting in use.
type Config struct {
	kv     KV
	prefix string
}

// NewConfig returns the namespace for component id.
func NewConfig(kv KV, id string) *Config {
	return &Config{kv: kv, prefix: "component:" + id + ":"}
}

// Prefix returns the storage key prefix of the namespace.
func (c *Config) Prefix() string { return c.prefix }

// Lookup returns the raw value and whether it is set.
func (c *Config) Lookup(ctx context.Context, key string) (string, bool) {
	if c == nil || c.kv == nil {
		return "", false
	}
	v, ok, err := c.kv.GetKV(ctx, c.prefix+key)
	if err != nil {
		slog.Warn("component config read failed", slog.String("key", c.prefix+key), slog.Any("err", err))
		return "", false
	}
	return v, ok
}

// Set stores value under key.
func (c *Config) Set(ctx context.Context, key, value string) error {
	if c == nil || c.kv == nil {
		return nil
	}
	return c.kv.SetKV(ctx, c.prefix+key, value)
}

// Delete removes key.
func (c *Config) Delete(ctx context.Context, key string) error {
	if c == nil || c.kv == nil {
		return nil
	}
	return c.kv.DeleteKV(ctx, c.prefix+key)
}

// All returns every key of the namespace without the prefix.
func (c *Config) All(ctx context.Context) map[string]string {
	out := map[string]string{}
	if c == nil || c.kv == nil {
		return out
	}
	all, err := c.kv.ListKV(ctx, c.prefix)
	if err != nil {
		slog.Warn("component config list failed", slog.String("prefix", c.prefix), slog.Any("err", err))
		return out
	}
	for k, v := range all {
		out[strings.TrimPrefix(k, c.prefix)] = v
	}
	return out
}

func (c *Config) orDefault(ctx context.Context, key, def string) string {
	if v, ok := c.Lookup(ctx, key); ok {
		return v
	}
	if err := c.Set(ctx, key, def); err != nil {
		slog.Warn("component config default not stored", slog.String("key", c.prefix+key), slog.Any("err", err))
	}
	return def
}

// String returns key, storing def when unset.
func (c *Config) String(ctx context.Context, key, def string) string {
	return c.orDefault(ctx, key, def)
}

// Int returns key as an integer, storing def when unset. Unparsable values
// yield def.
func (c *Config) Int(ctx context.Context, key string, def int) int {
	v := c.orDefault(ctx, key, strconv.Itoa(def))
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

// Bool returns key as a boolean, storing def when unset.
func (c *Config) Bool(ctx context.Context, key string, def bool) bool {
	v := c.orDefault(ctx, key, strconv.FormatBool(def))
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

// List returns key as a comma separated list, storing def when unset.
func (c *Config) List(ctx context.Context, key string, def []string) []string {
	v := c.orDefault(ctx, key, strings.Join(def, ","))
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
