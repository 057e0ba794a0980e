package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/streamwarden/config"
	"github.com/onnwee/streamwarden/telemetry"
	"github.com/onnwee/streamwarden/twitchapi"
)

// oauthState ties an outstanding authorize redirect to the channel it is
// re-authorizing.
type oauthState struct {
	channelID int64
	expires   time.Time
}

func (h *Handlers) addOAuthState(state string, channelID int64, expires time.Time) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	// Drop expired entries while we hold the lock.
	now := time.Now()
	for s, st := range h.oauthStates {
		if now.After(st.expires) {
			delete(h.oauthStates, s)
		}
	}
	h.oauthStates[state] = oauthState{channelID: channelID, expires: expires}
}

func (h *Handlers) takeOAuthState(state string) (int64, bool) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	st, ok := h.oauthStates[state]
	if !ok {
		return 0, false
	}
	delete(h.oauthStates, state)
	if time.Now().After(st.expires) {
		return 0, false
	}
	return st.channelID, true
}

// HandleTwitchOAuthStart begins re-authorization for a channel: it resolves
// the login to a channel id and redirects to the Twitch authorize page with
// a state bound to that channel.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	cfg, _ := config.Load()
	if h.users == nil || cfg.TwitchClientID == "" || cfg.TwitchRedirectURI == "" {
		http.Error(w, "oauth not configured (need TWITCH_CLIENT_ID + TWITCH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	login := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("login")))
	if login == "" {
		http.Error(w, "login query parameter is required", http.StatusBadRequest)
		return
	}
	users, err := h.users.GetUsersByLogin(r.Context(), []string{login})
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("login lookup failed",
			slog.String("component", "http"), slog.String("login", login), slog.Any("err", err))
		http.Error(w, "login lookup failed", http.StatusBadGateway)
		return
	}
	if len(users) == 0 {
		http.Error(w, "unknown login", http.StatusNotFound)
		return
	}
	channelID, err := strconv.ParseInt(users[0].ID, 10, 64)
	if err != nil {
		http.Error(w, "unexpected user id from upstream", http.StatusBadGateway)
		return
	}

	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	h.addOAuthState(st, channelID, time.Now().Add(10*time.Minute))

	authURL, err := twitchapi.BuildAuthorizeURL(cfg.TwitchClientID, cfg.TwitchRedirectURI, cfg.TwitchScopes, st)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthCallback completes re-authorization: it exchanges the
// code and installs the grant for the channel bound to the state, which
// clears needs_reauth and drops any legacy snapshot.
func (h *Handlers) HandleTwitchOAuthCallback(w http.ResponseWriter, r *http.Request) {
	cfg, _ := config.Load()
	if h.grants == nil {
		http.Error(w, "oauth not configured", http.StatusBadRequest)
		return
	}
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	channelID, ok := h.takeOAuthState(st)
	if !ok {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	res, err := h.exchange(ctx, cfg.TwitchClientID, cfg.TwitchClientSecret, code, cfg.TwitchRedirectURI)
	if err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("auth code exchange failed",
			slog.String("component", "http"), slog.Int64("channel_id", channelID), slog.Any("err", err))
		http.Error(w, "auth code exchange failed", http.StatusBadGateway)
		return
	}
	if err := h.grants.AcceptReauthorization(ctx, channelID,
		res.AccessToken, res.RefreshToken,
		twitchapi.ComputeExpiry(res.ExpiresIn), strings.Join(res.Scope, " ")); err != nil {
		telemetry.LoggerWithCorr(ctx).Error("failed to persist re-authorization",
			slog.String("component", "http"), slog.Int64("channel_id", channelID), slog.Any("err", err))
		http.Error(w, "failed to persist grant", http.StatusInternalServerError)
		return
	}
	slog.Info("channel re-authorized", slog.String("component", "http"), slog.Int64("channel_id", channelID))
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":     "ok",
		"channel_id": channelID,
		"scopes":     res.Scope,
		"expires_in": res.ExpiresIn,
	}); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
