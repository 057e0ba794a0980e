package auth

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/onnwee/streamwarden/crypto"
)

// PGStore persists channel credentials in the channel_tokens table.
// Tokens are encrypted at rest when an encryptor is configured
// (encryption_version=1); version=0 primary tokens are read back as
// plaintext so pre-encryption rows keep working. Legacy grants are only
// ever served encrypted: a version=0 row's legacy_grant is withheld until
// cmd/migrate-grants has upgraded the row.
type PGStore struct {
	DB  *sql.DB
	Enc crypto.Encryptor // nil disables encryption
}

func (s *PGStore) Get(ctx context.Context, channelID int64) (*TokenRecord, error) {
	var (
		rec        TokenRecord
		expiresAt  sql.NullTime
		legacy     sql.NullString
		encVersion int
	)
	row := s.DB.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, scope, needs_reauth, legacy_grant, COALESCE(encryption_version, 0)
		 FROM channel_tokens WHERE channel_id = $1`, channelID)
	err := row.Scan(&rec.AccessToken, &rec.RefreshToken, &expiresAt, &rec.Scope, &rec.NeedsReauth, &legacy, &encVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.ChannelID = channelID
	if expiresAt.Valid {
		rec.ExpiresAt = expiresAt.Time
	}
	if legacy.Valid {
		rec.LegacyGrant = legacy.String
	}
	if encVersion == 0 && rec.LegacyGrant != "" {
		// A secondary credential is never served plaintext. The row predates
		// cmd/migrate-grants; until it runs, the channel has no legacy fallback.
		slog.Warn("withholding plaintext legacy grant, run migrate-grants",
			slog.Int64("channel_id", channelID), slog.String("component", "auth"))
		rec.LegacyGrant = ""
	}

	if encVersion >= 1 {
		if s.Enc == nil {
			return nil, fmt.Errorf("channel %d tokens are encrypted but ENCRYPTION_KEY is not configured", channelID)
		}
		if rec.AccessToken, err = decryptNonEmpty(s.Enc, rec.AccessToken); err != nil {
			return nil, fmt.Errorf("decrypt access token: %w", err)
		}
		if rec.RefreshToken, err = decryptNonEmpty(s.Enc, rec.RefreshToken); err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
		if rec.LegacyGrant, err = decryptNonEmpty(s.Enc, rec.LegacyGrant); err != nil {
			return nil, fmt.Errorf("decrypt legacy grant: %w", err)
		}
	}
	return &rec, nil
}

func (s *PGStore) SaveRotated(ctx context.Context, channelID int64, access, refresh string, expiresAt time.Time, scope string) error {
	encVersion := 0
	encKeyID := ""
	if s.Enc != nil {
		encVersion = 1
		encKeyID = "default"
		var err error
		if access, err = encryptNonEmpty(s.Enc, access); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
		if refresh, err = encryptNonEmpty(s.Enc, refresh); err != nil {
			return fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	// Rotation keeps legacy_grant untouched; it has its own lifecycle.
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO channel_tokens(channel_id, access_token, refresh_token, expires_at, scope, needs_reauth, encryption_version, encryption_key_id, updated_at)
		 VALUES($1,$2,$3,$4,$5,FALSE,$6,$7,NOW())
		 ON CONFLICT(channel_id) DO UPDATE SET
		   access_token=EXCLUDED.access_token,
		   refresh_token=EXCLUDED.refresh_token,
		   expires_at=EXCLUDED.expires_at,
		   scope=EXCLUDED.scope,
		   needs_reauth=FALSE,
		   encryption_version=EXCLUDED.encryption_version,
		   encryption_key_id=EXCLUDED.encryption_key_id,
		   updated_at=NOW()`,
		channelID, access, refresh, expiresAt, scope, encVersion, encKeyID)
	return err
}

func (s *PGStore) SetNeedsReauth(ctx context.Context, channelID int64, v bool) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE channel_tokens SET needs_reauth=$2, updated_at=NOW() WHERE channel_id=$1`, channelID, v)
	return err
}

func (s *PGStore) ClearLegacyGrant(ctx context.Context, channelID int64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE channel_tokens SET legacy_grant=NULL, updated_at=NOW() WHERE channel_id=$1`, channelID)
	return err
}

// ListExpiring returns non-reauth channels whose token expires within the
// window (or already expired). Used by the background refresher.
func (s *PGStore) ListExpiring(ctx context.Context, within time.Duration) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT channel_id FROM channel_tokens
		 WHERE needs_reauth = FALSE
		   AND refresh_token <> ''
		   AND (expires_at IS NULL OR expires_at < NOW() + $1::interval)
		 ORDER BY channel_id`,
		fmt.Sprintf("%d seconds", int(within.Seconds())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func encryptNonEmpty(enc crypto.Encryptor, v string) (string, error) {
	if v == "" {
		return "", nil
	}
	return crypto.EncryptString(enc, v)
}

func decryptNonEmpty(enc crypto.Encryptor, v string) (string, error) {
	if v == "" {
		return "", nil
	}
	return crypto.DecryptString(enc, v)
}
