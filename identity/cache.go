// Package identity resolves who a chat sender is: the request cache that
// memoizes Helix lookups and the moderator/subscriber snapshot used for role
// computation.
//
// Snapshots are not updated from chat traffic. A user promoted mid-session is
// classified by the previous snapshot until the next refresh.
package identity

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/chatdeck/telemetry"
)

// DefaultTTL is how long a successful response is reused.
const DefaultTTL = 5 * time.Minute

// RequestCache memoizes the last successful response per logical request.
// Failures are never cached.
type RequestCache struct {
	store  *gocache.Cache
	flight singleflight.Group // concurrent misses of one key share a call
}

// NewRequestCache returns a cache whose entries expire after ttl.
func NewRequestCache(ttl time.Duration) *RequestCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RequestCache{store: gocache.New(ttl, 2*ttl)}
}

// Invalidate drops key.
func (c *RequestCache) Invalidate(key string) { c.store.Delete(key) }

// Flush drops every entry.
func (c *RequestCache) Flush() { c.store.Flush() }

// Len returns the number of cached entries.
func (c *RequestCache) Len() int { return c.store.ItemCount() }

// Expiry returns when key's cached value expires.
func (c *RequestCache) Expiry(key string) (time.Time, bool) {
	_, exp, ok := c.store.GetWithExpiration(key)
	return exp, ok
}

// Fetch returns the cached value for key, calling fn when it is missing,
// expired, or force is set.
func Fetch[T any](ctx context.Context, c *RequestCache, key string, force bool, fn func(context.Context) (T, error)) (T, error) {
	if !force {
		if t, ok := cached[T](c, key); ok {
			telemetry.IncVec(telemetry.CacheLookups, "hit")
			return t, nil
		}
		telemetry.IncVec(telemetry.CacheLookups, "miss")
	} else {
		telemetry.IncVec(telemetry.CacheLookups, "force")
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		// A call that finished between the lookup above and Do already stored it.
		if !force {
			if t, ok := cached[T](c, key); ok {
				return t, nil
			}
		}
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.store.Set(key, v, gocache.DefaultExpiration)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	t, _ := v.(T)
	return t, nil
}

func cached[T any](c *RequestCache, key string) (T, bool) {
	if v, ok := c.store.Get(key); ok {
		if t, ok := v.(T); ok {
			return t, true
		}
	}
	var zero T
	return zero, false
}
