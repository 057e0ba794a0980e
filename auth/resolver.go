// Package auth resolves per-channel Twitch user credentials, refreshing
// proactively and falling back to a stored legacy grant when the primary
// token chain is broken.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/streamwarden/twitchapi"
)

// ErrNotAvailable means the channel has no usable credential right now.
// Callers degrade (skip the raid, poll instead of push) rather than fail.
var ErrNotAvailable = errors.New("auth: no usable credential")

// Credential is a resolved, ready-to-use user access token.
type Credential struct {
	ChannelID   int64
	AccessToken string
	ExpiresAt   time.Time
	Scope       string
	// Legacy marks a degraded credential recovered from the stored
	// legacy grant. Its scope set may be narrower than the primary's.
	Legacy bool
}

// TokenRecord is the decrypted channel_tokens row. LegacyGrant is empty
// when the channel has none. NeedsReauth and LegacyGrant are independent:
// a channel can need reauthorization and still carry a legacy grant.
type TokenRecord struct {
	ChannelID    int64
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scope        string
	NeedsReauth  bool
	LegacyGrant  string
}

// Store persists channel credentials. Implementations handle encryption.
type Store interface {
	// Get returns nil, nil when the channel has no row.
	Get(ctx context.Context, channelID int64) (*TokenRecord, error)
	SaveRotated(ctx context.Context, channelID int64, access, refresh string, expiresAt time.Time, scope string) error
	SetNeedsReauth(ctx context.Context, channelID int64, v bool) error
	ClearLegacyGrant(ctx context.Context, channelID int64) error
}

// RefreshFunc matches twitchapi.RefreshUserToken, injectable for tests.
type RefreshFunc func(ctx context.Context, clientID, clientSecret, refreshToken string) (*twitchapi.RefreshResult, error)

type cachedCred struct {
	cred     Credential
	cachedAt time.Time
}

// Resolver serves credentials from a short TTL cache, refreshing tokens
// that are within the configured margin of expiry.
type Resolver struct {
	store        Store
	clientID     string
	clientSecret string
	margin       time.Duration
	cacheTTL     time.Duration

	Refresh RefreshFunc
	Now     func() time.Time

	mu    sync.Mutex
	cache map[int64]cachedCred
}

// NewResolver builds a resolver over the given store. margin controls how
// close to expiry a token is refreshed proactively; cacheTTL bounds how
// stale a served credential can be.
func NewResolver(store Store, clientID, clientSecret string, margin, cacheTTL time.Duration) *Resolver {
	return &Resolver{
		store:        store,
		clientID:     clientID,
		clientSecret: clientSecret,
		margin:       margin,
		cacheTTL:     cacheTTL,
		Refresh:      twitchapi.RefreshUserToken,
		Now:          time.Now,
		cache:        make(map[int64]cachedCred),
	}
}

// Resolve returns a usable credential for the channel or ErrNotAvailable.
// needs_reauth rows never yield the primary token; they yield the legacy
// grant when one exists. Refresh failures are logged and mapped to
// ErrNotAvailable so a broken token chain cannot surface a raw API error.
func (r *Resolver) Resolve(ctx context.Context, channelID int64) (Credential, error) {
	now := r.Now()

	r.mu.Lock()
	if c, ok := r.cache[channelID]; ok {
		fresh := now.Sub(c.cachedAt) < r.cacheTTL
		usable := c.cred.Legacy || c.cred.ExpiresAt.IsZero() || now.Before(c.cred.ExpiresAt.Add(-r.margin))
		if fresh && usable {
			r.mu.Unlock()
			return c.cred, nil
		}
		delete(r.cache, channelID)
	}
	r.mu.Unlock()

	rec, err := r.store.Get(ctx, channelID)
	if err != nil {
		return Credential{}, fmt.Errorf("load credential for channel %d: %w", channelID, err)
	}
	if rec == nil {
		return Credential{}, ErrNotAvailable
	}

	if rec.NeedsReauth {
		return r.legacyOrNothing(channelID, rec, now)
	}

	if rec.AccessToken != "" && !rec.ExpiresAt.IsZero() && now.Before(rec.ExpiresAt.Add(-r.margin)) {
		cred := Credential{ChannelID: channelID, AccessToken: rec.AccessToken, ExpiresAt: rec.ExpiresAt, Scope: rec.Scope}
		r.put(channelID, cred, now)
		return cred, nil
	}

	if rec.RefreshToken == "" {
		slog.Warn("credential has no refresh token", slog.String("component", "auth"), slog.Int64("channel_id", channelID))
		return r.legacyOrNothing(channelID, rec, now)
	}

	res, err := r.Refresh(ctx, r.clientID, r.clientSecret, rec.RefreshToken)
	if err != nil {
		if errors.Is(err, twitchapi.ErrInvalidGrant) {
			slog.Warn("refresh token invalid, channel must reauthorize",
				slog.String("component", "auth"), slog.Int64("channel_id", channelID))
			if serr := r.store.SetNeedsReauth(ctx, channelID, true); serr != nil {
				slog.Error("failed to flag needs_reauth", slog.String("component", "auth"),
					slog.Int64("channel_id", channelID), slog.Any("err", serr))
			}
		} else {
			slog.Warn("token refresh failed", slog.String("component", "auth"),
				slog.Int64("channel_id", channelID), slog.Any("err", err))
		}
		r.Invalidate(channelID)
		return Credential{}, ErrNotAvailable
	}

	refresh := res.RefreshToken
	if refresh == "" {
		refresh = rec.RefreshToken
	}
	expiresAt := now.Add(time.Duration(res.ExpiresIn) * time.Second)
	scope := joinScope(res.Scope)
	if err := r.store.SaveRotated(ctx, channelID, res.AccessToken, refresh, expiresAt, scope); err != nil {
		slog.Error("failed to persist rotated token", slog.String("component", "auth"),
			slog.Int64("channel_id", channelID), slog.Any("err", err))
		// Still serve the fresh token; the next resolve refreshes again.
	}
	cred := Credential{ChannelID: channelID, AccessToken: res.AccessToken, ExpiresAt: expiresAt, Scope: scope}
	r.put(channelID, cred, now)
	return cred, nil
}

func (r *Resolver) legacyOrNothing(channelID int64, rec *TokenRecord, now time.Time) (Credential, error) {
	if rec.LegacyGrant == "" {
		return Credential{}, ErrNotAvailable
	}
	slog.Info("serving legacy grant", slog.String("component", "auth"), slog.Int64("channel_id", channelID))
	cred := Credential{ChannelID: channelID, AccessToken: rec.LegacyGrant, Legacy: true}
	r.put(channelID, cred, now)
	return cred, nil
}

// ClearLegacyGrant drops the stored legacy grant, typically after the
// channel completes a fresh authorization.
func (r *Resolver) ClearLegacyGrant(ctx context.Context, channelID int64) error {
	r.Invalidate(channelID)
	return r.store.ClearLegacyGrant(ctx, channelID)
}

// AcceptReauthorization installs a grant obtained through the authorize
// flow. Saving clears needs_reauth; the legacy snapshot is dropped because
// the channel now has a working primary chain, and the cache entry is
// evicted so the next Resolve serves the new token.
func (r *Resolver) AcceptReauthorization(ctx context.Context, channelID int64, access, refresh string, expiresAt time.Time, scope string) error {
	if err := r.store.SaveRotated(ctx, channelID, access, refresh, expiresAt, scope); err != nil {
		return err
	}
	return r.ClearLegacyGrant(ctx, channelID)
}

// Invalidate evicts the channel from the cache so the next Resolve hits
// the store.
func (r *Resolver) Invalidate(channelID int64) {
	r.mu.Lock()
	delete(r.cache, channelID)
	r.mu.Unlock()
}

func (r *Resolver) put(channelID int64, cred Credential, now time.Time) {
	r.mu.Lock()
	r.cache[channelID] = cachedCred{cred: cred, cachedAt: now}
	r.mu.Unlock()
}

func joinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}
