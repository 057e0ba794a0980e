package raid

import (
	"context"
	"database/sql"
)

// PGPartnerSource reads live raid-enabled channels from channel_state,
// joining the open session for the stream start time used in tie-breaks.
type PGPartnerSource struct {
	DB *sql.DB
}

func (s *PGPartnerSource) LiveRaidPartners(ctx context.Context) ([]Candidate, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT cs.channel_id, cs.login, cs.last_category, cs.had_target_category,
		        cs.target_category_seen_at, cs.last_viewer_count,
		        COALESCE(sess.started_at, NOW())
		 FROM channel_state cs
		 LEFT JOIN sessions sess ON sess.id = cs.active_session_id
		 WHERE cs.is_live AND cs.raid_enabled
		 ORDER BY cs.channel_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var (
			c      Candidate
			seenAt sql.NullTime
		)
		if err := rows.Scan(&c.ChannelID, &c.Login, &c.Category, &c.HadTarget, &seenAt, &c.Viewers, &c.StartedAt); err != nil {
			return nil, err
		}
		if seenAt.Valid {
			c.TargetSeenAt = seenAt.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
