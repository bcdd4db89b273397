package oauth

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/chatdeck/db"
)

// RefreshFunc redeems a refresh token for account.
type RefreshFunc func(ctx context.Context, account, refreshToken string) (db.Token, error)

// StartRefresher launches a goroutine that periodically loads account's
// stored token and refreshes it once its remaining lifetime is within window.
// It returns a channel closed when the goroutine exits.
func StartRefresher(ctx context.Context, store TokenStore, account string, interval, window time.Duration, fn RefreshFunc) <-chan struct{} {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	log := slog.Default().With(slog.String("component", "oauth"), slog.String("account", account))
	done := make(chan struct{})
	// Randomize the first check so host and bot do not refresh in lockstep.
	//nolint:gosec // G404: scheduling jitter
	initialJitter := time.Duration(rand.Int63n(int64(interval/2) + 1))
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			refreshOnce(ctx, store, account, window, fn, log)

			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: scheduling jitter
			next := interval + time.Duration(rand.Int63n(jitterRange*2+1)-jitterRange)
			if next < interval/2 {
				next = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(next):
			}
		}
	}()
	return done
}

func refreshOnce(ctx context.Context, store TokenStore, account string, window time.Duration, fn RefreshFunc, log *slog.Logger) {
	cur, err := store.GetToken(ctx, account)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Warn("token load failed", slog.Any("err", err))
		}
		return
	}
	if cur.RefreshToken == "" || cur.Expiry.IsZero() || time.Until(cur.Expiry) > window {
		return
	}
	rctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	next, err := fn(rctx, account, cur.RefreshToken)
	cancel()
	if err != nil {
		log.Warn("token refresh failed", slog.Any("err", err))
		return
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	if next.Scope == "" {
		next.Scope = cur.Scope
	}
	next.Account, next.Login, next.UserID = account, cur.Login, cur.UserID
	if err := store.SaveToken(ctx, next); err != nil {
		log.Warn("token persist failed", slog.Any("err", err))
		return
	}
	log.Info("token refreshed", slog.Time("expires_at", next.Expiry))
}
