// Package server exposes the admin HTTP API: health, readiness, metrics,
// session status, the Twitch OAuth flow and component/control management.
// Requests carry a correlation id that downstream logs pick up.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/chatdeck/config"
	"github.com/onnwee/chatdeck/oauth"
	"github.com/onnwee/chatdeck/telemetry"
)

// Deps are the collaborators the API drives.
type Deps struct {
	Config  *config.Config
	Session Session
	Store   Store
	OAuth   *oauth.Provider
}

// NewMux returns the HTTP handler with all routes.
// ctx bounds background work started by handlers (restarts, limiter cleanup).
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := newAuthConfig(deps.Config)
	limiter := newIPRateLimiter(ctx, defaultRateLimiterConfig())
	corsCfg := newCORSConfig(deps.Config)

	h := NewHandlers(ctx, deps)

	// admin wraps a handler with auth, then rate limiting.
	admin := func(fn http.HandlerFunc) http.Handler {
		return adminAuth(rateLimitMiddleware(fn, limiter), authCfg)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)
	mux.HandleFunc("GET /status", h.HandleStatus)

	mux.Handle("GET /auth/twitch/start", admin(h.HandleTwitchOAuthStart))
	mux.HandleFunc("GET /auth/twitch/callback", h.HandleTwitchOAuthCallback)

	mux.Handle("GET /components", admin(h.HandleComponentsList))
	mux.Handle("POST /components/{id}", admin(h.HandleComponentAdd))
	mux.Handle("DELETE /components/{id}", admin(h.HandleComponentRemove))

	mux.Handle("GET /control/config", admin(h.HandleControlConfigGet))
	mux.Handle("PUT /control/config", admin(h.HandleControlConfigPut))

	mux.Handle("POST /session/restart", admin(h.HandleSessionRestart))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
		if rec.statusCode >= 400 {
			code, msg := telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", rec.statusCode))
			span.SetStatus(code, msg)
		}
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, deps Deps) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(ctx, deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
