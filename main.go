// Command chatdeck is the bot service entrypoint.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs migrations, or keeps state in memory when
//     DB_DSN is unset.
//   - Starts OAuth token refreshers for the host and bot accounts.
//   - Starts the bot session (chat, event stream, control channel and the
//     active components).
//   - Serves the admin HTTP API.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/onnwee/chatdeck/bot"
	"github.com/onnwee/chatdeck/component"
	"github.com/onnwee/chatdeck/components"
	"github.com/onnwee/chatdeck/config"
	"github.com/onnwee/chatdeck/crypto"
	"github.com/onnwee/chatdeck/db"
	"github.com/onnwee/chatdeck/oauth"
	"github.com/onnwee/chatdeck/server"
	"github.com/onnwee/chatdeck/telemetry"
)

const version = "1.0.0"

// store is what both the session and the admin API need.
type store interface {
	bot.Store
	Ping(ctx context.Context) error
}

func main() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("chatdeck", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("storage init failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer closeStore()

	provider := oauth.NewProvider(oauth.Config{
		ClientID:     cfg.TwitchClientID,
		ClientSecret: cfg.TwitchClientSecret,
		RedirectURL:  cfg.TwitchRedirectURI,
		HostScopes:   cfg.HostScopes,
		BotScopes:    cfg.BotScopes,
	})
	if err := cfg.ValidateOAuth(); err != nil {
		slog.Warn("oauth disabled, stored tokens are used until they expire", slog.Any("err", err))
		provider = nil
	} else {
		for _, account := range []string{db.AccountHost, db.AccountBot} {
			oauth.StartRefresher(ctx, st, account, 5*time.Minute, 15*time.Minute, provider.Refresh)
		}
	}

	catalog := component.NewCatalog()
	if err := components.Register(catalog); err != nil {
		slog.Error("component registration failed", slog.Any("err", err))
		os.Exit(1)
	}

	session := bot.New(bot.Options{Config: cfg, Store: st, Catalog: catalog, OAuth: provider})
	if err := session.Start(ctx); err != nil {
		if errors.Is(err, bot.ErrNeedsCredentials) {
			slog.Warn("bot session waiting for credentials; authorize through /auth/twitch/start?account=host", slog.Any("err", err))
		} else {
			slog.Error("bot session failed to start", slog.Any("err", err))
		}
	}

	if provider == nil {
		// The admin API still needs a provider; an unconfigured one reports so.
		provider = oauth.NewProvider(oauth.Config{})
	}
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, server.Deps{Config: cfg, Session: session, Store: st, OAuth: provider}); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
	session.Stop()
}

// openStore connects to Postgres when DB_DSN is set and falls back to memory.
func openStore(ctx context.Context, cfg *config.Config) (store, func(), error) {
	if cfg.DBDsn == "" {
		slog.Warn("DB_DSN not set, tokens and component settings are kept in memory only")
		return db.NewMemoryStore(), func() {}, nil
	}
	database, err := db.Connect(ctx, cfg.DBDsn)
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		closeDB()
		return nil, nil, err
	}

	var enc crypto.Encryptor
	if cfg.EncryptionKey != "" {
		aes, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			closeDB()
			return nil, nil, err
		}
		enc = aes
	}
	return db.NewStore(database, enc), closeDB, nil
}
