package tracker

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
)

// PGStore persists channel state. The tracker owns the live-state columns;
// raid_enabled and the announce settings are operator-managed and written
// only through UpsertChannel.
type PGStore struct {
	DB *sql.DB
}

const channelColumns = `channel_id, login, is_live, last_category, last_viewer_count,
	active_session_id, had_target_category, target_category_seen_at,
	stream_instance_id, raid_enabled`

func (s *PGStore) ListMonitored(ctx context.Context) ([]ChannelState, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channel_state ORDER BY channel_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChannels(rows)
}

func (s *PGStore) ListOpen(ctx context.Context) ([]ChannelState, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channel_state WHERE active_session_id IS NOT NULL ORDER BY channel_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChannels(rows)
}

func (s *PGStore) Get(ctx context.Context, channelID int64) (*ChannelState, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channel_state WHERE channel_id = $1`, channelID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	channels, err := scanChannels(rows)
	if err != nil {
		return nil, err
	}
	if len(channels) == 0 {
		return nil, nil
	}
	return &channels[0], nil
}

func (s *PGStore) Update(ctx context.Context, ch *ChannelState) error {
	var sessionID any
	if ch.ActiveSessionID != nil {
		sessionID = *ch.ActiveSessionID
	}
	var seenAt any
	if !ch.TargetCategorySeenAt.IsZero() {
		seenAt = ch.TargetCategorySeenAt
	}
	_, err := s.DB.ExecContext(ctx,
		`UPDATE channel_state SET
		   is_live=$2, last_category=$3, last_viewer_count=$4,
		   active_session_id=$5, had_target_category=$6, target_category_seen_at=$7,
		   stream_instance_id=$8, updated_at=NOW()
		 WHERE channel_id=$1`,
		ch.ChannelID, ch.IsLive, ch.LastCategory, ch.LastViewerCount,
		sessionID, ch.HadTargetCategory, seenAt, ch.StreamInstanceID)
	return err
}

// UpsertChannel provisions or reconfigures a monitored channel.
func (s *PGStore) UpsertChannel(ctx context.Context, channelID int64, login string, raidEnabled bool) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO channel_state(channel_id, login, raid_enabled)
		 VALUES($1,$2,$3)
		 ON CONFLICT(channel_id) DO UPDATE SET
		   login=EXCLUDED.login, raid_enabled=EXCLUDED.raid_enabled, updated_at=NOW()`,
		channelID, login, raidEnabled)
	return err
}

func scanChannels(rows *sql.Rows) ([]ChannelState, error) {
	var out []ChannelState
	for rows.Next() {
		var (
			ch        ChannelState
			sessionID uuid.NullUUID
			seenAt    sql.NullTime
			instance  sql.NullString
		)
		if err := rows.Scan(&ch.ChannelID, &ch.Login, &ch.IsLive, &ch.LastCategory,
			&ch.LastViewerCount, &sessionID, &ch.HadTargetCategory, &seenAt,
			&instance, &ch.RaidEnabled); err != nil {
			return nil, err
		}
		if sessionID.Valid {
			id := sessionID.UUID
			ch.ActiveSessionID = &id
		}
		if seenAt.Valid {
			ch.TargetCategorySeenAt = seenAt.Time
		}
		if instance.Valid {
			ch.StreamInstanceID = instance.String
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}
