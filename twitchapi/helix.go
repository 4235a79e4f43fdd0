// Package twitchapi talks to Twitch: Helix lookups of users and streams with an
// app access token, raids and EventSub subscriptions with the user token, and
// the EventSub WebSocket session that delivers live-state pushes. Service ties
// them together as the channel.Service the tracker consumes.
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
	"time"

	"golang.org/x/oauth2"

	"github.com/Citiga/BetterRaid/channel"
	"github.com/Citiga/BetterRaid/telemetry"
)

const (
	helixBaseURL      = "https://api.twitch.tv/helix"
	helixMaxRetries   = 3
	helixBatchSize    = 100
	defaultRetryDelay = 500 * time.Millisecond
	maxRetryWait      = 10 * time.Second
)

// ErrNoUserToken is returned for calls that need the user token when none is
// configured.
var ErrNoUserToken = errors.New("twitchapi: user token not configured")

// HelixClient calls the Helix REST API. Lookups use the app token; raids and
// EventSub management use UserTokenSource.
type HelixClient struct {
	AppTokenSource  *TokenSource
	UserTokenSource oauth2.TokenSource
	ClientID        string
	HTTPClient      *http.Client
	// RetryDelay is the base wait between attempts; it doubles per attempt.
	RetryDelay time.Duration
}

// User is a Helix user.
type User struct {
	ID              string `json:"id"`
	Login           string `json:"login"`
	DisplayName     string `json:"display_name"`
	ProfileImageURL string `json:"profile_image_url"`
}

// Stream is a live Helix stream.
type Stream struct {
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	UserName    string    `json:"user_name"`
	GameName    string    `json:"game_name"`
	Title       string    `json:"title"`
	Type        string    `json:"type"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

type helixRequest struct {
	method string
	path   string
	query  url.Values
	body   any
	user   bool
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// GetUsers resolves up to 100 logins. Unknown logins are simply absent.
func (hc *HelixClient) GetUsers(ctx context.Context, logins []string) ([]User, error) {
	if len(logins) == 0 {
		return nil, nil
	}
	if len(logins) > helixBatchSize {
		return nil, fmt.Errorf("get users: %d logins exceeds batch size %d", len(logins), helixBatchSize)
	}
	q := url.Values{}
	for _, l := range logins {
		q.Add("login", l)
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.do(ctx, helixRequest{method: http.MethodGet, path: "/users", query: q}, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	users, err := hc.GetUsers(ctx, []string{login})
	if err != nil {
		return "", err
	}
	if len(users) == 0 {
		return "", fmt.Errorf("user not found: %s", login)
	}
	return users[0].ID, nil
}

// GetStreams returns the live streams among up to 100 logins. Offline
// channels are absent.
func (hc *HelixClient) GetStreams(ctx context.Context, logins []string) ([]Stream, error) {
	if len(logins) == 0 {
		return nil, nil
	}
	if len(logins) > helixBatchSize {
		return nil, fmt.Errorf("get streams: %d logins exceeds batch size %d", len(logins), helixBatchSize)
	}
	q := url.Values{}
	for _, l := range logins {
		q.Add("user_login", l)
	}
	q.Set("first", strconv.Itoa(helixBatchSize))
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.do(ctx, helixRequest{method: http.MethodGet, path: "/streams", query: q}, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// StartRaid raids the channel to from the channel from. Both are logins; the
// user token must belong to from's broadcaster.
func (hc *HelixClient) StartRaid(ctx context.Context, from, to string) error {
	users, err := hc.GetUsers(ctx, []string{from, to})
	if err != nil {
		return fmt.Errorf("resolve raid channels: %w", err)
	}
	ids := map[string]string{}
	for _, u := range users {
		ids[channel.Key(u.Login)] = u.ID
	}
	fromID, toID := ids[channel.Key(from)], ids[channel.Key(to)]
	if fromID == "" || toID == "" {
		return fmt.Errorf("raid %s -> %s: user not found", from, to)
	}
	q := url.Values{}
	q.Set("from_broadcaster_id", fromID)
	q.Set("to_broadcaster_id", toID)
	return hc.do(ctx, helixRequest{method: http.MethodPost, path: "/raids", query: q, user: true}, nil)
}

// CreateEventSubSubscription subscribes the WebSocket session to typ for a
// broadcaster and returns the subscription id.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, typ, version, broadcasterID, sessionID string) (string, error) {
	reqBody := map[string]any{
		"type":      typ,
		"version":   version,
		"condition": map[string]string{"broadcaster_user_id": broadcasterID},
		"transport": map[string]string{"method": "websocket", "session_id": sessionID},
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	err := hc.do(ctx, helixRequest{method: http.MethodPost, path: "/eventsub/subscriptions", body: reqBody, user: true}, &body)
	if err != nil {
		return "", err
	}
	if len(body.Data) == 0 || body.Data[0].ID == "" {
		return "", fmt.Errorf("create %s subscription: empty response", typ)
	}
	return body.Data[0].ID, nil
}

// DeleteEventSubSubscription removes a subscription.
func (hc *HelixClient) DeleteEventSubSubscription(ctx context.Context, id string) error {
	q := url.Values{}
	q.Set("id", id)
	return hc.do(ctx, helixRequest{method: http.MethodDelete, path: "/eventsub/subscriptions", query: q, user: true}, nil)
}

// do runs r with retries. 5xx, 429 and network errors are retried up to
// helixMaxRetries attempts; a 401 on the app token invalidates it and retries
// once without consuming an attempt.
func (hc *HelixClient) do(ctx context.Context, r helixRequest, out any) error {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerHelix, "helix "+r.method+" "+r.path,
		telemetry.HTTPMethodAttr(r.method), telemetry.HTTPRouteAttr(r.path))
	defer span.End()

	refreshed := false
	var lastErr error
	for attempt := 0; attempt < helixMaxRetries; attempt++ {
		if attempt > 0 && lastErr != nil {
			wait := hc.retryWait(attempt, lastErr)
			slog.Debug("helix retry", slog.String("path", r.path), slog.Int("attempt", attempt+1), slog.Duration("wait", wait), slog.Any("err", lastErr))
			select {
			case <-ctx.Done():
				telemetry.RecordError(span, ctx.Err())
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		status, err := hc.once(ctx, r, out)
		if status != 0 {
			telemetry.SetSpanHTTPStatus(span, status)
		}
		if err == nil {
			telemetry.SetSpanSuccess(span)
			return nil
		}
		switch ClassifyError(err) {
		case ErrorClassAuth:
			if r.user || refreshed || hc.AppTokenSource == nil {
				telemetry.RecordError(span, err)
				return err
			}
			refreshed = true
			hc.AppTokenSource.Invalidate()
			lastErr = nil
			attempt--
		case ErrorClassRetryable:
			lastErr = err
		default:
			telemetry.RecordError(span, err)
			return err
		}
	}
	telemetry.RecordError(span, lastErr)
	return fmt.Errorf("after %d attempts: %w", helixMaxRetries, lastErr)
}

func (hc *HelixClient) once(ctx context.Context, r helixRequest, out any) (int, error) {
	tok, err := hc.token(ctx, r.user)
	if err != nil {
		return 0, err
	}
	u := helixBaseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}
	var body io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return 0, fmt.Errorf("encode %s body: %w", r.path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &msg)
		he := &HelixError{Method: r.method, Path: r.path, StatusCode: resp.StatusCode, Message: msg.Message}
		he.RetryAfter, he.hasRetryAfter = retryAfter(resp.Header)
		return resp.StatusCode, he
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", r.path, err)
		}
	}
	return resp.StatusCode, nil
}

func (hc *HelixClient) token(ctx context.Context, user bool) (string, error) {
	if !user {
		return hc.AppTokenSource.Get(ctx)
	}
	if hc.UserTokenSource == nil {
		return "", ErrNoUserToken
	}
	t, err := hc.UserTokenSource.Token()
	if err != nil {
		return "", fmt.Errorf("user token: %w", err)
	}
	return t.AccessToken, nil
}

func (hc *HelixClient) retryWait(attempt int, err error) time.Duration {
	var he *HelixError
	if errors.As(err, &he) && he.hasRetryAfter {
		return min(he.RetryAfter, maxRetryWait)
	}
	base := hc.RetryDelay
	if base <= 0 {
		base = defaultRetryDelay
	}
	return min(base*time.Duration(1<<(attempt-1)), maxRetryWait)
}

// retryAfter reads Retry-After (seconds) or, failing that, Ratelimit-Reset
// (unix seconds).
func retryAfter(h http.Header) (time.Duration, bool) {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second, true
		}
	}
	if v := h.Get("Ratelimit-Reset"); v != "" {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			return max(time.Until(time.Unix(unix, 0)), 0), true
		}
	}
	return 0, false
}
