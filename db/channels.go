package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/NotNotQuinn/supibot/channel"
)

// ListChannels returns every configured channel.
func (s *Store) ListChannels(ctx context.Context) ([]channel.Record, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, name, COALESCE(specific_id, ''), mode, COALESCE(mirror, '') FROM channels ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.log.Warn("failed to close rows", slog.Any("err", err))
		}
	}()

	var out []channel.Record
	for rows.Next() {
		var rec channel.Record
		var mode string
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.SpecificID, &mode, &rec.Mirror); err != nil {
			return nil, err
		}
		m, err := channel.ParseMode(mode)
		if err != nil {
			s.log.Warn("channel has unknown mode, treating as inactive",
				slog.String("channel", rec.Name), slog.String("mode", mode))
			m = channel.Inactive
		}
		rec.Mode = m
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveMode persists a channel's mode.
func (s *Store) SaveMode(ctx context.Context, id int64, mode channel.Mode) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE channels SET mode=$1, updated_at=NOW() WHERE id=$2`, mode.String(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("channel %d: %w", id, sql.ErrNoRows)
	}
	return nil
}

// AddChannel inserts a channel, or updates mode and specific id if it exists.
func (s *Store) AddChannel(ctx context.Context, rec channel.Record) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO channels(name, specific_id, mode, mirror) VALUES($1,$2,$3,$4)
		 ON CONFLICT(name) DO UPDATE SET specific_id=EXCLUDED.specific_id, mode=EXCLUDED.mode, updated_at=NOW()
		 RETURNING id`,
		channel.Normalize(rec.Name), nullString(rec.SpecificID), rec.Mode.String(), nullString(rec.Mirror),
	).Scan(&id)
	return id, err
}
