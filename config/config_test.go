package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every key FromEnv reads so host settings do not leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TWITCH_CLIENT_ID", "TWITCH_CLIENT_SECRET", "TWITCH_REDIRECT_URI", "TWITCH_HOST_SCOPES", "TWITCH_BOT_SCOPES",
		"TWITCH_CHANNEL", "EVENT_PROTOCOL", "CHAT_URL", "PUBSUB_URL", "EVENTSUB_URL", "HELIX_URL",
		"RECONNECT_MAX_BACKOFF", "CHAT_SEND_RETRY_DELAY", "CHAT_RATE_PER_30S", "ROLE_REFRESH_INTERVAL",
		"REQUEST_CACHE_TTL", "CONTROL_HOST", "CONTROL_PORT", "CONTROL_PASSWORD", "CONTROL_DIAL_INTERVAL",
		"COMPONENTS", "DB_DSN", "ENCRYPTION_KEY", "HTTP_ADDR", "ADMIN_TOKEN", "ADMIN_USERNAME", "ADMIN_PASSWORD",
		"CORS_ORIGINS", "OTEL_EXPORTER_OTLP_ENDPOINT",
	} {
		t.Setenv(k, "")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv() error: %v", err)
	}
	if cfg.EventProtocol != ProtocolEventSub {
		t.Errorf("EventProtocol = %q", cfg.EventProtocol)
	}
	if cfg.ReconnectMaxBackoff != 2*time.Minute || cfg.ChatSendRetryDelay != time.Second || cfg.ChatRatePer30s != 20 {
		t.Errorf("chat tuning = %v %v %d", cfg.ReconnectMaxBackoff, cfg.ChatSendRetryDelay, cfg.ChatRatePer30s)
	}
	if cfg.RoleRefreshInterval != 0 || cfg.RequestCacheTTL != 5*time.Minute {
		t.Errorf("identity = %v %v", cfg.RoleRefreshInterval, cfg.RequestCacheTTL)
	}
	if cfg.ControlHost != "localhost" || cfg.ControlPort != 59650 || cfg.ControlDialInterval != time.Second {
		t.Errorf("control = %s:%d every %v", cfg.ControlHost, cfg.ControlPort, cfg.ControlDialInterval)
	}
	if _, ok := cfg.ControlPassword(); ok {
		t.Error("ControlPassword reported set")
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if !reflect.DeepEqual(cfg.BotScopes, []string{"chat:read", "chat:edit"}) || len(cfg.HostScopes) == 0 {
		t.Errorf("scopes = %v / %v", cfg.HostScopes, cfg.BotScopes)
	}
	if cfg.Components != nil {
		t.Errorf("Components = %v", cfg.Components)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("EVENT_PROTOCOL", "PubSub")
	t.Setenv("TWITCH_CHANNEL", "#SomeChannel")
	t.Setenv("ROLE_REFRESH_INTERVAL", "10m")
	t.Setenv("CONTROL_PORT", "1234")
	t.Setenv("CONTROL_PASSWORD", "hunter2")
	t.Setenv("COMPONENTS", "echo, shoutout commands")
	t.Setenv("TWITCH_BOT_SCOPES", "chat:read,chat:edit,whispers:edit")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.EventProtocol != ProtocolPubSub || cfg.TwitchChannel != "somechannel" {
		t.Errorf("protocol %q channel %q", cfg.EventProtocol, cfg.TwitchChannel)
	}
	if cfg.RoleRefreshInterval != 10*time.Minute || cfg.ControlPort != 1234 {
		t.Errorf("interval %v port %d", cfg.RoleRefreshInterval, cfg.ControlPort)
	}
	if pw, ok := cfg.ControlPassword(); !ok || pw != "hunter2" {
		t.Errorf("ControlPassword() = %q, %v", pw, ok)
	}
	if !reflect.DeepEqual(cfg.Components, []string{"echo", "shoutout", "commands"}) {
		t.Errorf("Components = %v", cfg.Components)
	}
	if len(cfg.BotScopes) != 3 {
		t.Errorf("BotScopes = %v", cfg.BotScopes)
	}
}

func TestFromEnvRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"EVENT_PROTOCOL", "irc", "EVENT_PROTOCOL"},
		{"CONTROL_PORT", "abc", "CONTROL_PORT"},
		{"CONTROL_PORT", "70000", "CONTROL_PORT"},
		{"RECONNECT_MAX_BACKOFF", "forever", "RECONNECT_MAX_BACKOFF"},
		{"ROLE_REFRESH_INTERVAL", "-1m", "ROLE_REFRESH_INTERVAL"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := FromEnv()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("FromEnv() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestValidateOAuth(t *testing.T) {
	clearEnv(t)
	cfg, _ := FromEnv()
	if err := cfg.ValidateOAuth(); err == nil {
		t.Error("ValidateOAuth() passed without credentials")
	}
	t.Setenv("TWITCH_CLIENT_ID", "id")
	t.Setenv("TWITCH_CLIENT_SECRET", "secret")
	t.Setenv("TWITCH_REDIRECT_URI", "http://localhost:8080/auth/twitch/callback")
	cfg, _ = FromEnv()
	if err := cfg.ValidateOAuth(); err != nil {
		t.Errorf("ValidateOAuth() = %v", err)
	}
}

func TestSetControlPassword(t *testing.T) {
	cfg := &Config{}
	cfg.SetControlPassword("pw")
	if pw, ok := cfg.ControlPassword(); !ok || pw != "pw" {
		t.Errorf("ControlPassword() = %q, %v", pw, ok)
	}
}
