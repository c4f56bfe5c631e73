package db

import (
	"context"
	"fmt"
	"strings"
)

// User is the internal identity of a chat user.
type User struct {
	ID       int64
	Name     string
	TwitchID string
}

// GetOrCreateUser resolves a login name to a user row, creating it on first
// sight. A non-empty twitchID fills in a missing platform id.
func (s *Store) GetOrCreateUser(ctx context.Context, name, twitchID string) (*User, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, fmt.Errorf("empty user name")
	}
	u := &User{}
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO users(name, twitch_id) VALUES($1,$2)
		 ON CONFLICT(name) DO UPDATE SET twitch_id=COALESCE(users.twitch_id, EXCLUDED.twitch_id)
		 RETURNING id, name, COALESCE(twitch_id, '')`,
		name, nullString(twitchID),
	).Scan(&u.ID, &u.Name, &u.TwitchID)
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", name, err)
	}
	return u, nil
}

// GetUserByID loads a user by internal id.
func (s *Store) GetUserByID(ctx context.Context, id int64) (*User, error) {
	u := &User{}
	err := s.DB.QueryRowContext(ctx, `SELECT id, name, COALESCE(twitch_id, '') FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Name, &u.TwitchID)
	if err != nil {
		return nil, err
	}
	return u, nil
}

// SetTwitchID records the platform id of a user.
func (s *Store) SetTwitchID(ctx context.Context, userID int64, twitchID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE users SET twitch_id=$1 WHERE id=$2`, twitchID, userID)
	return err
}
