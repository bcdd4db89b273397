package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/chatdeck/config"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestAdminAuthMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		username       string
		password       string
		token          string
		reqUsername    string
		reqPassword    string
		reqToken       string
		expectedStatus int
	}{
		{
			name:           "no auth configured - allows request",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "valid basic auth",
			username:       "admin",
			password:       "secret123",
			reqUsername:    "admin",
			reqPassword:    "secret123",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid basic auth username",
			username:       "admin",
			password:       "secret123",
			reqUsername:    "wrong",
			reqPassword:    "secret123",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "invalid basic auth password",
			username:       "admin",
			password:       "secret123",
			reqUsername:    "admin",
			reqPassword:    "wrong",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "missing credentials",
			token:          "test-token-12345",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "valid token auth",
			token:          "test-token-12345",
			reqToken:       "test-token-12345",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid token auth",
			token:          "test-token-12345",
			reqToken:       "wrong-token",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "token auth takes precedence over basic auth",
			username:       "admin",
			password:       "secret123",
			token:          "test-token-12345",
			reqToken:       "test-token-12345",
			reqUsername:    "wrong",
			reqPassword:    "wrong",
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newAuthConfig(&config.Config{
				AdminUsername: tt.username,
				AdminPassword: tt.password,
				AdminToken:    tt.token,
			})
			handler := adminAuth(okHandler(), cfg)

			req := httptest.NewRequest(http.MethodGet, "/components", nil)
			if tt.reqUsername != "" || tt.reqPassword != "" {
				req.SetBasicAuth(tt.reqUsername, tt.reqPassword)
			}
			if tt.reqToken != "" {
				req.Header.Set("X-Admin-Token", tt.reqToken)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rr.Code)
			}
			if tt.expectedStatus == http.StatusUnauthorized {
				if auth := rr.Header().Get("WWW-Authenticate"); auth == "" {
					t.Error("expected WWW-Authenticate header on 401 response")
				}
			}
		})
	}
}

func TestNewAuthConfigNeedsBothBasicFields(t *testing.T) {
	if cfg := newAuthConfig(&config.Config{AdminUsername: "admin"}); cfg.enabled {
		t.Error("auth enabled with a username and no password")
	}
	if cfg := newAuthConfig(&config.Config{AdminToken: "t"}); !cfg.enabled {
		t.Error("auth disabled with a token")
	}
}

func TestRateLimiter(t *testing.T) {
	cfg := &rateLimiterConfig{
		enabled:       true,
		requestsPerIP: 3,
		window:        90 * time.Millisecond,
	}
	limiter := newIPRateLimiter(context.Background(), cfg)

	for i := 0; i < 3; i++ {
		if !limiter.allow("192.168.1.1") {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
	if limiter.allow("192.168.1.1") {
		t.Error("request 4 should be denied (rate limit exceeded)")
	}

	// The bucket refills over the window.
	time.Sleep(150 * time.Millisecond)
	if !limiter.allow("192.168.1.1") {
		t.Error("request after window expiry should be allowed")
	}
}

func TestRateLimiterDifferentIPs(t *testing.T) {
	cfg := &rateLimiterConfig{
		enabled:       true,
		requestsPerIP: 2,
		window:        time.Minute,
	}
	limiter := newIPRateLimiter(context.Background(), cfg)

	for _, ip := range []string{"192.168.1.1", "192.168.1.2"} {
		for i := 0; i < 2; i++ {
			if !limiter.allow(ip) {
				t.Errorf("%s request %d should be allowed", ip, i+1)
			}
		}
	}
	for _, ip := range []string{"192.168.1.1", "192.168.1.2"} {
		if limiter.allow(ip) {
			t.Errorf("%s request 3 should be denied", ip)
		}
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), &rateLimiterConfig{requestsPerIP: 1, window: time.Minute})
	for i := 0; i < 5; i++ {
		if !limiter.allow("192.168.1.1") {
			t.Fatalf("request %d denied with limiting disabled", i+1)
		}
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	cfg := &rateLimiterConfig{enabled: true, requestsPerIP: 1, window: time.Second}
	limiter := newIPRateLimiter(context.Background(), cfg)
	limiter.allow("192.168.1.1")

	limiter.cleanup(time.Now())
	if len(limiter.visitors) != 1 {
		t.Fatalf("fresh visitor removed")
	}
	limiter.cleanup(time.Now().Add(3 * time.Second))
	if len(limiter.visitors) != 0 {
		t.Errorf("idle visitor kept")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	tests := []struct {
		name, remoteAddr, forwarded string
		sameClient                  string // another address of the same client
	}{
		{"ipv4 with port", "192.168.1.1:12345", "", "192.168.1.1:23456"},
		{"x-forwarded-for takes the client ip", "10.0.0.1:12345", "203.0.113.1, 10.0.0.2", "10.0.0.9:1"},
		{"ipv6 with port", "[2001:db8::1]:12345", "", "[2001:db8::1]:54321"},
		{"ipv6 without port", "127.0.0.1:8080", "2001:db8::42", "127.0.0.2:8080"},
		{"ipv4 without port", "10.0.0.1:8080", "192.0.2.1", "10.0.0.2:8080"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := newIPRateLimiter(context.Background(), &rateLimiterConfig{
				enabled:       true,
				requestsPerIP: 2,
				window:        time.Minute,
			})
			handler := rateLimitMiddleware(okHandler(), limiter)

			do := func(addr string) *httptest.ResponseRecorder {
				req := httptest.NewRequest(http.MethodGet, "/components", nil)
				req.RemoteAddr = addr
				if tt.forwarded != "" {
					req.Header.Set("X-Forwarded-For", tt.forwarded)
				}
				rr := httptest.NewRecorder()
				handler.ServeHTTP(rr, req)
				return rr
			}
			for i := 0; i < 2; i++ {
				if rr := do(tt.remoteAddr); rr.Code != http.StatusOK {
					t.Fatalf("request %d: expected 200, got %d", i+1, rr.Code)
				}
			}
			rr := do(tt.sameClient)
			if rr.Code != http.StatusTooManyRequests {
				t.Fatalf("request 3: expected 429, got %d", rr.Code)
			}
			if rr.Header().Get("Retry-After") != "60" {
				t.Errorf("Retry-After = %q", rr.Header().Get("Retry-After"))
			}
		})
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remote, forwarded, want string
	}{
		{"192.168.1.1:80", "", "192.168.1.1"},
		{"[::1]:80", "", "::1"},
		{"10.0.0.1:80", " 203.0.113.1 , 10.0.0.2", "203.0.113.1"},
		{"10.0.0.1:80", "[2001:db8::1]:443", "2001:db8::1"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote
		if tt.forwarded != "" {
			req.Header.Set("X-Forwarded-For", tt.forwarded)
		}
		if got := clientIP(req); got != tt.want {
			t.Errorf("clientIP(%q, %q) = %q, want %q", tt.remote, tt.forwarded, got, tt.want)
		}
	}
}

func TestCORSConfig(t *testing.T) {
	tests := []struct {
		name              string
		allowedOrigins    []string
		requestOrigin     string
		expectAllowOrigin string
		expectCredentials bool
	}{
		{
			name:              "no origins configured allows all",
			requestOrigin:     "https://example.com",
			expectAllowOrigin: "*",
		},
		{
			name:              "restricted mode with matching origin",
			allowedOrigins:    []string{"https://example.com", "https://app.example.com"},
			requestOrigin:     "https://example.com",
			expectAllowOrigin: "https://example.com",
			expectCredentials: true,
		},
		{
			name:              "restricted mode with non-matching origin",
			allowedOrigins:    []string{"https://example.com"},
			requestOrigin:     "https://evil.com",
			expectAllowOrigin: "",
		},
		{
			name:              "wildcard subdomain matching",
			allowedOrigins:    []string{"*.example.com"},
			requestOrigin:     "https://app.example.com",
			expectAllowOrigin: "https://app.example.com",
			expectCredentials: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newCORSConfig(&config.Config{CORSOrigins: tt.allowedOrigins})
			handler := withCORSConfig(okHandler(), cfg)

			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tt.requestOrigin != "" {
				req.Header.Set("Origin", tt.requestOrigin)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.expectAllowOrigin {
				t.Errorf("expected Allow-Origin %q, got %q", tt.expectAllowOrigin, got)
			}
			if tt.expectCredentials && rr.Header().Get("Access-Control-Allow-Credentials") != "true" {
				t.Error("expected Allow-Credentials: true for restricted mode")
			}
		})
	}
}

func TestCORSPreflightRequest(t *testing.T) {
	handler := withCORSConfig(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for OPTIONS request")
	}), &corsConfig{permissive: true})

	req := httptest.NewRequest(http.MethodOptions, "/components", nil)
	req.Header.Set("Origin", "https://example.com")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected 204 for OPTIONS, got %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("expected Allow-Methods header on OPTIONS response")
	}
	if rr.Header().Get("Access-Control-Allow-Headers") == "" {
		t.Error("expected Allow-Headers header on OPTIONS response")
	}
}

func TestIsOriginAllowed(t *testing.T) {
	tests := []struct {
		name           string
		origin         string
		allowedOrigins []string
		want           bool
	}{
		{"exact match", "https://example.com", []string{"https://example.com", "https://other.com"}, true},
		{"no match", "https://evil.com", []string{"https://example.com"}, false},
		{"wildcard subdomain match", "https://app.example.com", []string{"*.example.com"}, true},
		{"wildcard subdomain deeper match", "https://api.v2.example.com", []string{"*.example.com"}, true},
		{"wildcard matches parent", "https://example.com", []string{"*.example.com"}, true},
		{"wildcard rejects lookalike", "https://evilexample.com", []string{"*.example.com"}, false},
		{"http vs https mismatch", "http://example.com", []string{"https://example.com"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isOriginAllowed(tt.origin, tt.allowedOrigins); got != tt.want {
				t.Errorf("isOriginAllowed(%q, %v) = %v, want %v", tt.origin, tt.allowedOrigins, got, tt.want)
			}
		})
	}
}
