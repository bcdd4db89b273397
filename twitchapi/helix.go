// Package twitchapi contains the Helix REST calls a bot session needs: user
// lookup, moderator and subscriber lists for role resolution, EventSub
// subscription creation, and token validation. All calls use a user access
// token supplied through an oauth2.TokenSource.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/oauth2"

	"github.com/onnwee/chatdeck/telemetry"
)

const (
	// DefaultBaseURL is the Helix API root.
	DefaultBaseURL = "https://api.twitch.tv/helix"
	// DefaultValidateURL validates user access tokens.
	DefaultValidateURL = "https://id.twitch.tv/oauth2/validate"

	pageSize = 100
	maxPages = 50
)

// ErrUnauthorized is returned for HTTP 401; the token is invalid or revoked.
var ErrUnauthorized = errors.New("twitch: unauthorized")

// APIError is a non-2xx Helix response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twitch api: status %d: %s", e.Status, e.Message)
}

// HelixClient calls Helix with a user token.
type HelixClient struct {
	Tokens      oauth2.TokenSource
	ClientID    string
	HTTPClient  *http.Client
	BaseURL     string
	ValidateURL string
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return DefaultBaseURL
}

// do performs one Helix request and decodes the JSON response into out.
func (hc *HelixClient) do(ctx context.Context, method, endpoint string, query url.Values, body, out any) (err error) {
	ctx, span := telemetry.StartSpan(ctx, "twitchapi", "helix "+method+" "+endpoint)
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	if hc.Tokens == nil {
		return fmt.Errorf("helix %s: no token source", endpoint)
	}
	tok, err := hc.Tokens.Token()
	if err != nil {
		return fmt.Errorf("helix %s: token: %w", endpoint, err)
	}

	u := hc.base() + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("helix %s: marshal: %w", endpoint, err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		telemetry.IncVec(telemetry.HelixRequests, endpoint, "error")
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	telemetry.IncVec(telemetry.HelixRequests, endpoint, strconv.Itoa(resp.StatusCode))

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("helix %s: %w", endpoint, ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("helix %s: decode: %w", endpoint, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Message string `json:"message"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(b, &body) != nil || body.Message == "" {
		body.Message = string(b)
	}
	return &APIError{Status: resp.StatusCode, Message: body.Message}
}

type pagination struct {
	Cursor string `json:"cursor"`
}

// User is a Helix user record.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	Type            string `json:"type"`
	BroadcasterType string `json:"broadcaster_type"`
	ProfileImageURL string `json:"profile_image_url"`
}

// GetUsers looks up users by login. With no logins it returns the token owner.
func (hc *HelixClient) GetUsers(ctx context.Context, logins ...string) ([]User, error) {
	q := url.Values{}
	for _, l := range logins {
		if l != "" {
			q.Add("login", l)
		}
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, http.MethodGet, "/users", q, nil, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// GetUser resolves a single login.
func (hc *HelixClient) GetUser(ctx context.Context, login string) (User, error) {
	if login == "" {
		return User{}, fmt.Errorf("login empty")
	}
	users, err := hc.GetUsers(ctx, login)
	if err != nil {
		return User{}, err
	}
	if len(users) == 0 {
		return User{}, fmt.Errorf("user not found")
	}
	return users[0], nil
}

// Moderator is an entry of the channel moderator list.
type Moderator struct {
	UserID    string `json:"user_id"`
	UserLogin string `json:"user_login"`
	UserName  string `json:"user_name"`
}

// GetModerators returns every moderator of the broadcaster's channel.
func (hc *HelixClient) GetModerators(ctx context.Context, broadcasterID string) ([]Moderator, error) {
	if broadcasterID == "" {
		return nil, fmt.Errorf("broadcasterID empty")
	}
	var out []Moderator
	err := hc.paginate(ctx, "/moderation/moderators", broadcasterID, func(raw json.RawMessage) error {
		var page []Moderator
		if err := json.Unmarshal(raw, &page); err != nil {
			return err
		}
		out = append(out, page...)
		return nil
	})
	return out, err
}

// Subscription is an entry of the broadcaster's subscriber list.
type Subscription struct {
	BroadcasterID string `json:"broadcaster_id"`
	UserID        string `json:"user_id"`
	UserLogin     string `json:"user_login"`
	UserName      string `json:"user_name"`
	Tier          string `json:"tier"`
	PlanName      string `json:"plan_name"`
	IsGift        bool   `json:"is_gift"`
	GifterLogin   string `json:"gifter_login"`
}

// GetSubscribers returns every subscriber of the broadcaster's channel.
func (hc *HelixClient) GetSubscribers(ctx context.Context, broadcasterID string) ([]Subscription, error) {
	if broadcasterID == "" {
		return nil, fmt.Errorf("broadcasterID empty")
	}
	var out []Subscription
	err := hc.paginate(ctx, "/subscriptions", broadcasterID, func(raw json.RawMessage) error {
		var page []Subscription
		if err := json.Unmarshal(raw, &page); err != nil {
			return err
		}
		out = append(out, page...)
		return nil
	})
	return out, err
}

func (hc *HelixClient) paginate(ctx context.Context, endpoint, broadcasterID string, add func(json.RawMessage) error) error {
	after := ""
	for page := 0; page < maxPages; page++ {
		q := url.Values{}
		q.Set("broadcaster_id", broadcasterID)
		q.Set("first", strconv.Itoa(pageSize))
		if after != "" {
			q.Set("after", after)
		}
		var body struct {
			Data       json.RawMessage `json:"data"`
			Pagination pagination      `json:"pagination"`
		}
		if err := hc.do(ctx, http.MethodGet, endpoint, q, nil, &body); err != nil {
			return err
		}
		if len(body.Data) > 0 {
			if err := add(body.Data); err != nil {
				return fmt.Errorf("helix %s: decode page: %w", endpoint, err)
			}
		}
		if body.Pagination.Cursor == "" {
			return nil
		}
		after = body.Pagination.Cursor
	}
	slog.Warn("pagination limit reached", slog.String("endpoint", endpoint), slog.Int("pages", maxPages))
	return nil
}

// EventSubTransport selects websocket delivery for a subscription.
type EventSubTransport struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id,omitempty"`
}

// EventSubSubscription is the body of a subscription-creation request.
type EventSubSubscription struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport EventSubTransport `json:"transport"`
}

// CreateEventSubSubscription registers sub and returns its id. An existing
// identical subscription (409) is not an error.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, sub EventSubSubscription) (string, error) {
	var body struct {
		Data []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"data"`
	}
	err := hc.do(ctx, http.MethodPost, "/eventsub/subscriptions", nil, sub, &body)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", nil
	}
	return body.Data[0].ID, nil
}

// TokenInfo is the result of token validation.
type TokenInfo struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// ValidateToken checks an access token and returns its owner.
func (hc *HelixClient) ValidateToken(ctx context.Context, accessToken string) (TokenInfo, error) {
	if accessToken == "" {
		return TokenInfo{}, fmt.Errorf("validate: %w", ErrUnauthorized)
	}
	u := hc.ValidateURL
	if u == "" {
		u = DefaultValidateURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return TokenInfo{}, err
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)
	resp, err := hc.http().Do(req)
	if err != nil {
		return TokenInfo{}, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized {
		return TokenInfo{}, fmt.Errorf("validate: %w", ErrUnauthorized)
	}
	if resp.StatusCode != http.StatusOK {
		return TokenInfo{}, decodeAPIError(resp)
	}
	var info TokenInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return TokenInfo{}, fmt.Errorf("validate: decode: %w", err)
	}
	return info, nil
}
