package db

import (
	"context"
	"time"

	"github.com/NotNotQuinn/supibot/channel"
	"github.com/NotNotQuinn/supibot/moderation"
)

func channelID(ch *channel.Channel) int64 {
	if ch == nil {
		return 0
	}
	return ch.ID()
}

// LogBan records a ban or timeout seen in a channel.
func (s *Store) LogBan(ctx context.Context, ch *channel.Channel, b moderation.Ban) error {
	var seconds *int
	if !b.Permanent() {
		n := int(b.Duration / time.Second)
		seconds = &n
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO bans(channel_id, username, platform_user_id, duration_seconds, reason, issued_at)
		 VALUES($1,$2,$3,$4,$5,$6)`,
		nullInt64(channelID(ch)), b.Username, nullString(b.UserID), seconds, nullString(b.Reason), b.At.UTC(),
	)
	return err
}

// LogSystem writes a tagged entry to the system log. ch may be nil.
func (s *Store) LogSystem(ctx context.Context, tag, text string, ch *channel.Channel) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO system_log(tag, description, channel_id) VALUES($1,$2,$3)`,
		tag, text, nullInt64(channelID(ch)),
	)
	return err
}

// UpdateLastSeen stores the latest message of a user in a channel.
func (s *Store) UpdateLastSeen(ctx context.Context, ch *channel.Channel, user *User, text string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO last_seen(user_id, channel_id, message, seen_at) VALUES($1,$2,$3,$4)
		 ON CONFLICT(user_id, channel_id) DO UPDATE SET message=EXCLUDED.message, seen_at=EXCLUDED.seen_at`,
		user.ID, ch.ID(), text, at.UTC(),
	)
	return err
}

// LastSeen returns when a user last spoke in a channel; ok is false if never.
func (s *Store) LastSeen(ctx context.Context, channelID, userID int64) (text string, at time.Time, ok bool, err error) {
	err = s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(message, ''), seen_at FROM last_seen WHERE user_id=$1 AND channel_id=$2`, userID, channelID,
	).Scan(&text, &at)
	if isNoRows(err) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, err
	}
	return text, at, true, nil
}
