package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PGStore is the Postgres-backed Store.
type PGStore struct {
	DB *sql.DB
}

func (s *PGStore) Insert(ctx context.Context, sess *Session) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO sessions
		(id, channel_id, stream_instance_id, title, category, started_at,
		 start_viewers, peak_viewers, end_viewers, avg_viewers, sample_count,
		 follower_start, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW())`,
		sess.ID, sess.ChannelID, sess.StreamInstanceID, sess.Title, sess.Category, sess.StartedAt,
		sess.StartViewers, sess.PeakViewers, sess.EndViewers, sess.AvgViewers, sess.SampleCount,
		sess.FollowerStart)
	return err
}

// AppendSample inserts one time-series point (offset derived from the stored
// started_at) and folds it into the running peak/avg/count on the same open
// row. A closed session silently absorbs nothing: both statements are guarded
// on ended_at IS NULL.
func (s *PGStore) AppendSample(ctx context.Context, sessionID uuid.UUID, viewers int, at time.Time) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sample tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `INSERT INTO session_samples (session_id, offset_seconds, viewer_count, sampled_at)
		SELECT id, GREATEST(0, EXTRACT(EPOCH FROM ($3::timestamptz - started_at))::int), $2, $3
		FROM sessions WHERE id=$1 AND ended_at IS NULL`,
		sessionID, viewers, at.UTC())
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil // session gone or already closed
	}
	_, err = tx.ExecContext(ctx, `UPDATE sessions SET
			peak_viewers = GREATEST(peak_viewers, $2),
			avg_viewers = (avg_viewers * sample_count + $2) / (sample_count + 1),
			sample_count = sample_count + 1,
			end_viewers = $2,
			updated_at = NOW()
		WHERE id=$1 AND ended_at IS NULL`, sessionID, viewers)
	if err != nil {
		return fmt.Errorf("fold sample: %w", err)
	}
	return tx.Commit()
}

func (s *PGStore) Samples(ctx context.Context, sessionID uuid.UUID) ([]Sample, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT offset_seconds, viewer_count FROM session_samples
		WHERE session_id=$1 ORDER BY offset_seconds ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []Sample
	for rows.Next() {
		var sm Sample
		if err := rows.Scan(&sm.OffsetSeconds, &sm.Viewers); err != nil {
			return nil, err
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func (s *PGStore) Get(ctx context.Context, sessionID uuid.UUID) (*Session, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT id, channel_id, stream_instance_id, title, category,
			started_at, ended_at, COALESCE(end_reason,''),
			start_viewers, peak_viewers, end_viewers, avg_viewers, sample_count,
			retention_5m, retention_10m, retention_20m,
			max_dropoff_pct, dropoff_offset_seconds, dropoff_before, dropoff_after,
			chatter_count, follower_start, follower_end, follower_delta
		FROM sessions WHERE id=$1`, sessionID)
	var sess Session
	var endedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.ChannelID, &sess.StreamInstanceID, &sess.Title, &sess.Category,
		&sess.StartedAt, &endedAt, &sess.EndReason,
		&sess.StartViewers, &sess.PeakViewers, &sess.EndViewers, &sess.AvgViewers, &sess.SampleCount,
		&sess.Retention5m, &sess.Retention10m, &sess.Retention20m,
		&sess.MaxDropoffPct, &sess.DropoffOffsetSeconds, &sess.DropoffBefore, &sess.DropoffAfter,
		&sess.ChatterCount, &sess.FollowerStart, &sess.FollowerEnd, &sess.FollowerDelta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	return &sess, nil
}

func (s *PGStore) Finalize(ctx context.Context, sessionID uuid.UUID, res CloseResult) error {
	var pct *float64
	var off, before, after *int
	if res.Dropoff != nil {
		pct = &res.Dropoff.Pct
		off = &res.Dropoff.OffsetSeconds
		before = &res.Dropoff.Before
		after = &res.Dropoff.After
	}
	_, err := s.DB.ExecContext(ctx, `UPDATE sessions SET
			ended_at=$2, end_reason=$3,
			retention_5m=$4, retention_10m=$5, retention_20m=$6,
			max_dropoff_pct=$7, dropoff_offset_seconds=$8, dropoff_before=$9, dropoff_after=$10,
			chatter_count=$11, follower_end=$12, follower_delta=$13,
			updated_at=NOW()
		WHERE id=$1 AND ended_at IS NULL`,
		sessionID, res.EndedAt, res.Reason,
		res.Retention5m, res.Retention10m, res.Retention20m,
		pct, off, before, after,
		res.ChatterCount, res.FollowerEnd, res.FollowerDelta)
	return err
}
