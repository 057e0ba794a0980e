package eventsub

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PGStore persists subscription records and capacity snapshots.
type PGStore struct {
	DB *sql.DB
}

func (s *PGStore) Insert(ctx context.Context, rec Record) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO eventsub_subscriptions(sub_type, channel_id, twitch_sub_id, status, created_at)
		 VALUES($1,$2,$3,$4,$5)
		 ON CONFLICT(sub_type, channel_id) DO UPDATE SET
		   twitch_sub_id=EXCLUDED.twitch_sub_id,
		   status=EXCLUDED.status,
		   created_at=EXCLUDED.created_at`,
		rec.SubType, rec.ChannelID, rec.TwitchSubID, rec.Status, rec.CreatedAt)
	return err
}

func (s *PGStore) Delete(ctx context.Context, subType string, channelID int64) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM eventsub_subscriptions WHERE sub_type=$1 AND channel_id=$2`, subType, channelID)
	return err
}

func (s *PGStore) DeleteAll(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM eventsub_subscriptions`)
	return err
}

func (s *PGStore) WriteSnapshot(ctx context.Context, used, total int, byType map[string]int, reason string) error {
	b, err := json.Marshal(byType)
	if err != nil {
		b = []byte("{}")
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO capacity_snapshots(used_slots, total_slots, by_type, reason) VALUES($1,$2,$3,$4)`,
		used, total, string(b), reason)
	return err
}

func (s *PGStore) PruneSnapshots(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`DELETE FROM capacity_snapshots WHERE created_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
