package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MomentStore keeps the single-row cursor the moments extractor resumes from.
type MomentStore struct {
	db *sql.DB
}

// Anchor returns the last seen moment create-time, zero when never set.
func (s *MomentStore) Anchor(ctx context.Context) (int64, error) {
	var t int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_create_time FROM moment_anchor WHERE id = 1`).Scan(&t)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get moment anchor: %w", err)
	}
	return t, nil
}

// SetAnchor advances the cursor. It never moves backwards.
func (s *MomentStore) SetAnchor(ctx context.Context, createTime int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO moment_anchor (id, last_create_time) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET
			last_create_time = GREATEST(moment_anchor.last_create_time, EXCLUDED.last_create_time),
			updated_at = NOW()
	`, createTime)
	if err != nil {
		return fmt.Errorf("set moment anchor: %w", err)
	}
	return nil
}

// WarningStore dedups weather-warning pushes.
type WarningStore struct {
	db *sql.DB
}

// Seen records a warning id and reports whether it had been sent before.
func (s *WarningStore) Seen(ctx context.Context, warningID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO weather_warnings (warning_id) VALUES ($1)
		ON CONFLICT (warning_id) DO NOTHING
	`, warningID)
	if err != nil {
		return false, fmt.Errorf("record warning: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record warning: %w", err)
	}
	return n == 0, nil
}

// Prune drops warning rows older than the retention window.
func (s *WarningStore) Prune(ctx context.Context, olderThan time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM weather_warnings WHERE sent_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return fmt.Errorf("prune warnings: %w", err)
	}
	return nil
}
