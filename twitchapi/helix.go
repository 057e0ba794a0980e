package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const helixBaseURL = "https://api.twitch.tv"

// helixMaxRetries bounds attempts per Helix call. Only idempotent reads and
// subscription management go through the retrying path; raids never retry.
const helixMaxRetries = 3

// helixRetryBase is the first backoff delay; doubled per attempt. Var so tests
// can shrink it.
var helixRetryBase = 250 * time.Millisecond

// HelixError carries the upstream status for callers that care (401 vs 429 vs 5xx).
type HelixError struct {
	Status int
	Body   string
}

func (e *HelixError) Error() string {
	return fmt.Sprintf("helix request failed: status %d: %s", e.Status, e.Body)
}

// Stream is one entry from the Get Streams response.
type Stream struct {
	ID          string    `json:"id"` // stream instance id; changes on restart
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	UserName    string    `json:"user_name"`
	GameID      string    `json:"game_id"`
	GameName    string    `json:"game_name"`
	Title       string    `json:"title"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

// User is one entry from the Get Users response.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// HelixClient provides the Helix surface the tracker, capacity manager and
// raid engine need. App-token calls retry transient failures with backoff and
// recover once from a stale app token.
type HelixClient struct {
	AppTokenSource *AppTokenSource
	ClientID       string
	HTTPClient     *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// doApp performs an app-token Helix request. 5xx (and, when retry429 is set,
// 429) responses are retried with doubled backoff up to helixMaxRetries total
// attempts; a 401 invalidates the cached app token and retries once with a
// fresh one. The final failure is returned as *HelixError.
func (hc *HelixClient) doApp(ctx context.Context, method, path string, q url.Values, payload []byte, retry429 bool, out any) error {
	var lastErr error
	refreshed := false
	for attempt := 0; attempt < helixMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := helixRetryBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		tok, err := hc.AppTokenSource.Get(ctx)
		if err != nil {
			return err
		}
		status, body, err := hc.roundTrip(ctx, method, path, q, payload, tok)
		if err != nil {
			lastErr = err
			continue // network errors are retryable
		}
		switch {
		case status >= 200 && status < 300:
			if out != nil {
				if err := json.Unmarshal(body, out); err != nil {
					return fmt.Errorf("decode helix response: %w", err)
				}
			}
			return nil
		case status == http.StatusUnauthorized && !refreshed:
			hc.AppTokenSource.Invalidate()
			refreshed = true
			lastErr = &HelixError{Status: status, Body: string(body)}
		case status >= 500, status == http.StatusTooManyRequests && retry429:
			lastErr = &HelixError{Status: status, Body: string(body)}
		default:
			return &HelixError{Status: status, Body: string(body)}
		}
	}
	return lastErr
}

// roundTrip executes one HTTP exchange and drains the body.
func (hc *HelixClient) roundTrip(ctx context.Context, method, path string, q url.Values, payload []byte, bearer string) (int, []byte, error) {
	var body *bytes.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, helixBaseURL+path, body)
	if err != nil {
		return 0, nil, err
	}
	if q != nil {
		req.URL.RawQuery = q.Encode()
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+bearer)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, buf.Bytes(), nil
}

// GetStreams returns the currently-live subset of the given logins. Logins are
// batched 100 per request (the Helix cap); channels absent from the result are
// offline.
func (hc *HelixClient) GetStreams(ctx context.Context, logins []string) ([]Stream, error) {
	var out []Stream
	for start := 0; start < len(logins); start += 100 {
		end := start + 100
		if end > len(logins) {
			end = len(logins)
		}
		q := url.Values{}
		for _, l := range logins[start:end] {
			if l != "" {
				q.Add("user_login", l)
			}
		}
		if len(q["user_login"]) == 0 {
			continue
		}
		q.Set("first", "100")
		var body struct {
			Data []Stream `json:"data"`
		}
		if err := hc.doApp(ctx, http.MethodGet, "/helix/streams", q, nil, true, &body); err != nil {
			return nil, err
		}
		out = append(out, body.Data...)
	}
	return out, nil
}

// GetStreamsByGame lists live streams in a category, most viewers first.
// Used as the external candidate pool for raids.
func (hc *HelixClient) GetStreamsByGame(ctx context.Context, gameID string, first int) ([]Stream, error) {
	if gameID == "" {
		return nil, fmt.Errorf("gameID empty")
	}
	if first <= 0 || first > 100 {
		first = 100
	}
	q := url.Values{}
	q.Set("game_id", gameID)
	q.Set("first", strconv.Itoa(first))
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := hc.doApp(ctx, http.MethodGet, "/helix/streams", q, nil, true, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// GetGameID resolves a category name to its id.
func (hc *HelixClient) GetGameID(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("category name empty")
	}
	q := url.Values{}
	q.Set("name", name)
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.doApp(ctx, http.MethodGet, "/helix/games", q, nil, true, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("category not found: %s", name)
	}
	return body.Data[0].ID, nil
}

// GetUsersByLogin resolves login names to user records.
func (hc *HelixClient) GetUsersByLogin(ctx context.Context, logins []string) ([]User, error) {
	if len(logins) == 0 {
		return nil, nil
	}
	q := url.Values{}
	for _, l := range logins {
		q.Add("login", l)
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.doApp(ctx, http.MethodGet, "/helix/users", q, nil, true, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// GetFollowerCount returns the broadcaster's follower total. Requires a user
// token with moderator:read:followers. Retried on 5xx only; any other failure
// surfaces so callers can record the count as unavailable rather than zero.
func (hc *HelixClient) GetFollowerCount(ctx context.Context, broadcasterID string, userToken string) (int, error) {
	if broadcasterID == "" {
		return 0, fmt.Errorf("broadcasterID empty")
	}
	q := url.Values{}
	q.Set("broadcaster_id", broadcasterID)
	q.Set("first", "1")
	var lastErr error
	for attempt := 0; attempt < helixMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(helixRetryBase << (attempt - 1)):
			}
		}
		status, body, err := hc.roundTrip(ctx, http.MethodGet, "/helix/channels/followers", q, nil, userToken)
		if err != nil {
			lastErr = err
			continue
		}
		if status >= 500 {
			lastErr = &HelixError{Status: status, Body: string(body)}
			continue
		}
		if status != http.StatusOK {
			return 0, &HelixError{Status: status, Body: string(body)}
		}
		var res struct {
			Total int `json:"total"`
		}
		if err := json.Unmarshal(body, &res); err != nil {
			return 0, fmt.Errorf("decode followers response: %w", err)
		}
		return res.Total, nil
	}
	return 0, lastErr
}

// StartRaid executes a raid from one broadcaster to another using the source
// broadcaster's user token. Exactly one attempt: a raid may partially succeed
// upstream, so it is never safe to blindly retry.
func (hc *HelixClient) StartRaid(ctx context.Context, fromBroadcasterID, toBroadcasterID string, userToken string) error {
	if fromBroadcasterID == "" || toBroadcasterID == "" {
		return fmt.Errorf("missing broadcaster id for raid")
	}
	q := url.Values{}
	q.Set("from_broadcaster_id", fromBroadcasterID)
	q.Set("to_broadcaster_id", toBroadcasterID)
	status, body, err := hc.roundTrip(ctx, http.MethodPost, "/helix/raids", q, nil, userToken)
	if err != nil {
		return fmt.Errorf("raid request: %w", err)
	}
	if status != http.StatusOK {
		return &HelixError{Status: status, Body: string(body)}
	}
	return nil
}
