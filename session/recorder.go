// Package session owns the per-channel streaming-session record: the viewer
// time series, retention at fixed horizons, worst drop-off detection, chatter
// counts, and follower delta. Sessions are opened by the live-state tracker on
// a live transition and closed on offline, restart, or staleness.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Session is one contiguous stream instance's analytics record.
// Once EndedAt is set the row is immutable.
type Session struct {
	ID               uuid.UUID
	ChannelID        int64
	StreamInstanceID string
	Title            string
	Category         string
	StartedAt        time.Time
	EndedAt          *time.Time
	EndReason        string

	StartViewers int
	PeakViewers  int
	EndViewers   int
	AvgViewers   float64
	SampleCount  int

	Retention5m  *float64
	Retention10m *float64
	Retention20m *float64

	MaxDropoffPct        *float64
	DropoffOffsetSeconds *int
	DropoffBefore        *int
	DropoffAfter         *int

	ChatterCount  *int
	FollowerStart *int
	FollowerEnd   *int
	FollowerDelta *int
}

// StreamStart carries what the tracker observed when the channel went live.
type StreamStart struct {
	StreamInstanceID string
	Title            string
	Category         string
	StartedAt        time.Time
	Viewers          int
}

// Sample is one point of the viewer time series.
type Sample struct {
	OffsetSeconds int
	Viewers       int
}

// CloseResult holds the analytics computed at close time.
type CloseResult struct {
	EndedAt       time.Time
	Reason        string
	Retention5m   *float64
	Retention10m  *float64
	Retention20m  *float64
	Dropoff       *DropoffPoint
	ChatterCount  *int
	FollowerEnd   *int
	FollowerDelta *int
}

// Store persists session rows and their samples. The Postgres implementation
// lives in this package (PGStore); tests substitute an in-memory fake.
type Store interface {
	Insert(ctx context.Context, s *Session) error
	// AppendSample records one viewer-count point and incrementally updates
	// peak/avg/count/end on the open session row without re-reading the series.
	AppendSample(ctx context.Context, sessionID uuid.UUID, viewers int, at time.Time) error
	Samples(ctx context.Context, sessionID uuid.UUID) ([]Sample, error)
	Get(ctx context.Context, sessionID uuid.UUID) (*Session, error)
	// Finalize closes an open session; it must be a no-op for already-closed rows.
	Finalize(ctx context.Context, sessionID uuid.UUID, res CloseResult) error
}

// FollowerSource resolves a channel's current follower total. A lookup error
// means "unavailable": the recorder stores NULL, never a false zero.
type FollowerSource interface {
	FollowerCount(ctx context.Context, channelID int64) (int, error)
}

// ChatterSource reports distinct chatters seen in a channel since the last
// harvest (see the chat package).
type ChatterSource interface {
	CountAndReset(login string) int
}

// Recorder implements open/sample/close over a Store.
type Recorder struct {
	store     Store
	Followers FollowerSource // optional
	Chatters  ChatterSource  // optional
	Now       func() time.Time
}

func NewRecorder(store Store) *Recorder {
	return &Recorder{store: store, Now: time.Now}
}

// Open creates a session for a freshly observed stream instance and records
// the first viewer sample. The follower baseline is best-effort: a failed
// lookup leaves FollowerStart NULL so the close-time delta stays honest.
func (r *Recorder) Open(ctx context.Context, channelID int64, start StreamStart) (uuid.UUID, error) {
	s := &Session{
		ID:               uuid.New(),
		ChannelID:        channelID,
		StreamInstanceID: start.StreamInstanceID,
		Title:            start.Title,
		Category:         start.Category,
		StartedAt:        start.StartedAt.UTC(),
		StartViewers:     start.Viewers,
		PeakViewers:      start.Viewers,
		EndViewers:       start.Viewers,
	}
	if r.Followers != nil {
		if n, err := r.Followers.FollowerCount(ctx, channelID); err != nil {
			slog.Warn("follower baseline unavailable", slog.Int64("channel_id", channelID), slog.Any("err", err), slog.String("component", "session"))
		} else {
			s.FollowerStart = &n
		}
	}
	if err := r.store.Insert(ctx, s); err != nil {
		return uuid.Nil, fmt.Errorf("insert session: %w", err)
	}
	// The row starts with sample_count=0; the first AppendSample folds the
	// opening observation in, keeping sample_count equal to the series rows.
	if err := r.store.AppendSample(ctx, s.ID, start.Viewers, r.Now()); err != nil {
		slog.Warn("initial sample write failed", slog.String("session_id", s.ID.String()), slog.Any("err", err), slog.String("component", "session"))
	}
	slog.Info("session opened",
		slog.String("session_id", s.ID.String()),
		slog.Int64("channel_id", channelID),
		slog.String("stream_id", start.StreamInstanceID),
		slog.String("category", start.Category),
		slog.String("component", "session"))
	return s.ID, nil
}

// Sample appends one viewer-count observation for an open session.
func (r *Recorder) Sample(ctx context.Context, sessionID uuid.UUID, viewers int) error {
	if sessionID == uuid.Nil {
		return fmt.Errorf("sample without session id")
	}
	return r.store.AppendSample(ctx, sessionID, viewers, r.Now())
}

// Close finalizes a session: retention at the fixed horizons, worst drop-off,
// chatter count, follower delta. Closing a session that was never opened or is
// already closed is a logged no-op, never an error that aborts the caller's
// transition handling.
func (r *Recorder) Close(ctx context.Context, sessionID uuid.UUID, login string, reason string) error {
	logger := slog.Default().With(slog.String("session_id", sessionID.String()), slog.String("component", "session"))
	s, err := r.store.Get(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if s == nil {
		logger.Warn("close of unknown session ignored", slog.String("reason", reason))
		return nil
	}
	if s.EndedAt != nil {
		logger.Warn("close of already-closed session ignored", slog.String("reason", reason))
		return nil
	}

	samples, err := r.store.Samples(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load samples: %w", err)
	}

	res := CloseResult{
		EndedAt:      r.Now().UTC(),
		Reason:       reason,
		Retention5m:  RetentionAt(samples, 5*time.Minute),
		Retention10m: RetentionAt(samples, 10*time.Minute),
		Retention20m: RetentionAt(samples, 20*time.Minute),
	}
	if d, ok := MaxDropoff(samples); ok {
		res.Dropoff = &d
	}
	if r.Chatters != nil && login != "" {
		n := r.Chatters.CountAndReset(login)
		res.ChatterCount = &n
	}
	if r.Followers != nil {
		if n, err := r.Followers.FollowerCount(ctx, s.ChannelID); err != nil {
			logger.Warn("follower count unavailable at close", slog.Any("err", err))
		} else {
			res.FollowerEnd = &n
			if s.FollowerStart != nil {
				delta := n - *s.FollowerStart
				res.FollowerDelta = &delta
			}
		}
	}

	if err := r.store.Finalize(ctx, sessionID, res); err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	logger.Info("session closed",
		slog.String("reason", reason),
		slog.Int("samples", len(samples)),
		slog.Any("retention_5m", deref(res.Retention5m)),
		slog.Any("retention_10m", deref(res.Retention10m)))
	return nil
}

func deref(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
