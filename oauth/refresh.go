// Package oauth provides background refresh scheduling for the per-channel
// user tokens persisted in channel_tokens. It performs jittered checks and
// refreshes tokens whose expiry falls within the configured window.
package oauth

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/onnwee/streamwarden/auth"
)

// ExpiringSource lists channels whose token expiry is inside the window,
// satisfied by auth.PGStore.
type ExpiringSource interface {
	ListExpiring(ctx context.Context, within time.Duration) ([]int64, error)
}

// Resolver refreshes and persists a channel's credential as a side effect
// of resolving it, satisfied by auth.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, channelID int64) (auth.Credential, error)
}

// StartRefresher launches a goroutine that periodically refreshes expiring
// channel tokens so transitions never wait on a refresh round-trip.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
func StartRefresher(ctx context.Context, source ExpiringSource, resolver Resolver, interval, window time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Per-iteration jitter (plus or minus 20% of interval).
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
			refreshOnce(ctx, source, resolver, window)
		}
	}()
}

func refreshOnce(ctx context.Context, source ExpiringSource, resolver Resolver, window time.Duration) {
	ids, err := source.ListExpiring(ctx, window)
	if err != nil {
		slog.Warn("expiring token scan failed", slog.String("component", "oauth"), slog.Any("err", err))
		return
	}
	for _, id := range ids {
		cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
		// Resolve refreshes within the margin and persists the rotated
		// token; invalid grants flag needs_reauth so the channel drops
		// out of the scan.
		if _, err := resolver.Resolve(cctx, id); err != nil {
			slog.Warn("background token refresh failed",
				slog.String("component", "oauth"),
				slog.Int64("channel_id", id),
				slog.Any("err", err))
		} else {
			slog.Info("token refreshed", slog.String("component", "oauth"), slog.Int64("channel_id", id))
		}
		cancel()
		if ctx.Err() != nil {
			return
		}
	}
}
