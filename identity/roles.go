package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/chatdeck/twitchapi"
)

// RoleFetcher lists channel moderators and subscribers.
// *twitchapi.HelixClient satisfies it.
type RoleFetcher interface {
	GetModerators(ctx context.Context, broadcasterID string) ([]twitchapi.Moderator, error)
	GetSubscribers(ctx context.Context, broadcasterID string) ([]twitchapi.Subscription, error)
}

// Snapshot is an immutable view of the channel's moderator and subscriber
// logins.
type Snapshot struct {
	Moderators  map[string]struct{}
	Subscribers map[string]struct{}
	FetchedAt   time.Time
}

func normalize(login string) string { return strings.ToLower(strings.TrimSpace(login)) }

// IsModerator reports whether login was a moderator when the snapshot was taken.
func (s *Snapshot) IsModerator(login string) bool {
	if s == nil {
		return false
	}
	_, ok := s.Moderators[normalize(login)]
	return ok
}

// IsSubscriber reports whether login was a subscriber when the snapshot was taken.
func (s *Snapshot) IsSubscriber(login string) bool {
	if s == nil {
		return false
	}
	_, ok := s.Subscribers[normalize(login)]
	return ok
}

// RoleStore holds the current snapshot. Reads never block; refreshes are
// serialized and swap in a new snapshot atomically.
type RoleStore struct {
	fetcher       RoleFetcher
	broadcasterID string
	cache         *RequestCache
	interval      time.Duration
	log           *slog.Logger

	refreshMu sync.Mutex
	snap      atomic.Pointer[Snapshot]
}

// NewRoleStore returns a store with an empty snapshot. interval > 0 makes Run
// refresh periodically; 0 leaves refreshes to explicit Refresh calls.
func NewRoleStore(f RoleFetcher, broadcasterID string, cache *RequestCache, interval time.Duration) *RoleStore {
	if cache == nil {
		cache = NewRequestCache(DefaultTTL)
	}
	s := &RoleStore{
		fetcher:       f,
		broadcasterID: broadcasterID,
		cache:         cache,
		interval:      interval,
		log:           slog.Default().With(slog.String("component", "identity")),
	}
	s.snap.Store(&Snapshot{Moderators: map[string]struct{}{}, Subscribers: map[string]struct{}{}})
	return s
}

// Snapshot returns the current snapshot; never nil.
func (s *RoleStore) Snapshot() *Snapshot { return s.snap.Load() }

// Refresh fetches both lists through the request cache. force bypasses the
// cache. A list that fails to load keeps its previous contents.
func (s *RoleStore) Refresh(ctx context.Context, force bool) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	prev := s.snap.Load()
	next := &Snapshot{Moderators: prev.Moderators, Subscribers: prev.Subscribers, FetchedAt: time.Now()}
	var errs []error

	mods, err := Fetch(ctx, s.cache, "moderators:"+s.broadcasterID, force, func(ctx context.Context) ([]twitchapi.Moderator, error) {
		return s.fetcher.GetModerators(ctx, s.broadcasterID)
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("moderators: %w", err))
	} else {
		set := make(map[string]struct{}, len(mods))
		for _, m := range mods {
			set[normalize(m.UserLogin)] = struct{}{}
		}
		next.Moderators = set
	}

	subs, err := Fetch(ctx, s.cache, "subscribers:"+s.broadcasterID, force, func(ctx context.Context) ([]twitchapi.Subscription, error) {
		return s.fetcher.GetSubscribers(ctx, s.broadcasterID)
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("subscribers: %w", err))
	} else {
		set := make(map[string]struct{}, len(subs))
		for _, sub := range subs {
			set[normalize(sub.UserLogin)] = struct{}{}
		}
		next.Subscribers = set
	}

	s.snap.Store(next)
	if len(errs) > 0 {
		err := errors.Join(errs...)
		s.log.Warn("role snapshot partially refreshed", slog.Any("err", err))
		return err
	}
	s.log.Info("role snapshot refreshed",
		slog.Int("moderators", len(next.Moderators)),
		slog.Int("subscribers", len(next.Subscribers)))
	return nil
}

// Run refreshes on the configured interval until ctx is done. With no
// interval it returns immediately.
func (s *RoleStore) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_ = s.Refresh(ctx, true)
		}
	}
}
