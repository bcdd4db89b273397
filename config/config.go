// Package config loads environment variables (and a .env file when present)
// into a typed Config. Every optional value has a documented default so the
// service starts with nothing but Twitch application credentials; missing
// tokens are acquired through the admin OAuth flow.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Event protocols.
const (
	ProtocolEventSub = "eventsub"
	ProtocolPubSub   = "pubsub"
)

type Config struct {
	// Twitch application
	TwitchClientID     string
	TwitchClientSecret string
	TwitchRedirectURI  string
	HostScopes         []string
	BotScopes          []string
	// TwitchChannel overrides the channel joined; defaults to the host login.
	TwitchChannel string

	// Endpoints; empty means the package default.
	EventProtocol string
	ChatURL       string
	PubSubURL     string
	EventSubURL   string
	HelixURL      string

	// Transport and chat tuning
	ReconnectMaxBackoff time.Duration
	ChatSendRetryDelay  time.Duration
	ChatRatePer30s      int

	// Identity
	RoleRefreshInterval time.Duration
	RequestCacheTTL     time.Duration

	// Control channel
	ControlHost         string
	ControlPort         int
	controlPassword     string
	ControlDialInterval time.Duration

	// Components seeds the active list when storage holds none.
	Components []string

	// Storage
	DBDsn         string
	EncryptionKey string

	// Admin HTTP
	HTTPAddr      string
	AdminToken    string
	AdminUsername string
	AdminPassword string
	CORSOrigins   []string

	OTLPEndpoint string
}

// ControlPassword returns the control channel password and whether one is set.
func (c *Config) ControlPassword() (string, bool) {
	return c.controlPassword, c.controlPassword != ""
}

// SetControlPassword replaces the control channel password.
func (c *Config) SetControlPassword(p string) { c.controlPassword = p }

var defaultHostScopes = []string{
	"channel:read:redemptions",
	"channel:read:subscriptions",
	"bits:read",
	"moderation:read",
	"moderator:read:followers",
}

var defaultBotScopes = []string{"chat:read", "chat:edit"}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads the environment without touching .env.
func FromEnv() (*Config, error) {
	p := parser{}
	cfg := &Config{
		TwitchClientID:     os.Getenv("TWITCH_CLIENT_ID"),
		TwitchClientSecret: os.Getenv("TWITCH_CLIENT_SECRET"),
		TwitchRedirectURI:  os.Getenv("TWITCH_REDIRECT_URI"),
		HostScopes:         list("TWITCH_HOST_SCOPES", defaultHostScopes),
		BotScopes:          list("TWITCH_BOT_SCOPES", defaultBotScopes),
		TwitchChannel:      strings.ToLower(strings.TrimPrefix(os.Getenv("TWITCH_CHANNEL"), "#")),

		EventProtocol: strings.ToLower(str("EVENT_PROTOCOL", ProtocolEventSub)),
		ChatURL:       os.Getenv("CHAT_URL"),
		PubSubURL:     os.Getenv("PUBSUB_URL"),
		EventSubURL:   os.Getenv("EVENTSUB_URL"),
		HelixURL:      os.Getenv("HELIX_URL"),

		ReconnectMaxBackoff: p.duration("RECONNECT_MAX_BACKOFF", 2*time.Minute),
		ChatSendRetryDelay:  p.duration("CHAT_SEND_RETRY_DELAY", time.Second),
		ChatRatePer30s:      p.integer("CHAT_RATE_PER_30S", 20),

		RoleRefreshInterval: p.duration("ROLE_REFRESH_INTERVAL", 0),
		RequestCacheTTL:     p.duration("REQUEST_CACHE_TTL", 5*time.Minute),

		ControlHost:         str("CONTROL_HOST", "localhost"),
		ControlPort:         p.integer("CONTROL_PORT", 59650),
		controlPassword:     os.Getenv("CONTROL_PASSWORD"),
		ControlDialInterval: p.duration("CONTROL_DIAL_INTERVAL", time.Second),

		Components: list("COMPONENTS", nil),

		DBDsn:         os.Getenv("DB_DSN"),
		EncryptionKey: os.Getenv("ENCRYPTION_KEY"),

		HTTPAddr:      str("HTTP_ADDR", ":8080"),
		AdminToken:    os.Getenv("ADMIN_TOKEN"),
		AdminUsername: os.Getenv("ADMIN_USERNAME"),
		AdminPassword: os.Getenv("ADMIN_PASSWORD"),
		CORSOrigins:   list("CORS_ORIGINS", nil),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if p.err != nil {
		return nil, p.err
	}
	if cfg.EventProtocol != ProtocolEventSub && cfg.EventProtocol != ProtocolPubSub {
		return nil, fmt.Errorf("invalid EVENT_PROTOCOL %q: want %s or %s", cfg.EventProtocol, ProtocolEventSub, ProtocolPubSub)
	}
	if cfg.ControlPort <= 0 || cfg.ControlPort > 65535 {
		return nil, fmt.Errorf("invalid CONTROL_PORT %d", cfg.ControlPort)
	}
	return cfg, nil
}

// ValidateOAuth checks the credentials needed to run the authorization flow.
func (c *Config) ValidateOAuth() error {
	if c.TwitchClientID == "" || c.TwitchClientSecret == "" || c.TwitchRedirectURI == "" {
		return fmt.Errorf("missing twitch env: require TWITCH_CLIENT_ID, TWITCH_CLIENT_SECRET, TWITCH_REDIRECT_URI")
	}
	return nil
}

func str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// list splits a comma or space separated value.
func list(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
}

// parser keeps the first conversion error.
type parser struct{ err error }

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		if p.err == nil {
			p.err = fmt.Errorf("invalid %s %q: want a non-negative duration like 30s", key, v)
		}
		return def
	}
	return d
}

func (p *parser) integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if p.err == nil {
			p.err = fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		return def
	}
	return n
}
