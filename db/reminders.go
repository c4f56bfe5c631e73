package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/NotNotQuinn/supibot/reminder"
)

const reminderColumns = `r.id, r.user_from, COALESCE(f.name, ''), r.user_to, COALESCE(t.name, ''), COALESCE(r.channel_id, 0),
	COALESCE(r.text, ''), r.created_at, r.schedule, r.private_message, r.active`

func scanReminder(sc interface{ Scan(...any) error }) (reminder.Reminder, error) {
	var r reminder.Reminder
	var schedule sql.NullTime
	err := sc.Scan(&r.ID, &r.FromUserID, &r.FromName, &r.ToUserID, &r.ToName, &r.ChannelID,
		&r.Text, &r.Created, &schedule, &r.Private, &r.Active)
	if schedule.Valid {
		t := schedule.Time
		r.Schedule = &t
	}
	return r, err
}

func (s *Store) queryReminders(ctx context.Context, q string, args ...any) ([]reminder.Reminder, error) {
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.log.Warn("failed to close rows", slog.Any("err", err))
		}
	}()
	var out []reminder.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActiveReminders returns every active reminder.
func (s *Store) ActiveReminders(ctx context.Context) ([]reminder.Reminder, error) {
	return s.queryReminders(ctx,
		`SELECT `+reminderColumns+` FROM reminders r
		 LEFT JOIN users f ON f.id = r.user_from LEFT JOIN users t ON t.id = r.user_to
		 WHERE r.active ORDER BY r.id`)
}

// RemindersByID returns the reminders with the given ids, active or not.
func (s *Store) RemindersByID(ctx context.Context, ids []int64) ([]reminder.Reminder, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	return s.queryReminders(ctx,
		`SELECT `+reminderColumns+` FROM reminders r
		 LEFT JOIN users f ON f.id = r.user_from LEFT JOIN users t ON t.id = r.user_to
		 WHERE r.id IN (`+strings.Join(placeholders, ",")+`) ORDER BY r.id`, args...)
}

// DeactivateReminder marks a reminder as delivered.
func (s *Store) DeactivateReminder(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE reminders SET active=FALSE WHERE id=$1`, id)
	return err
}

// CreateReminder inserts a reminder and returns its id.
func (s *Store) CreateReminder(ctx context.Context, r reminder.Reminder) (int64, error) {
	var schedule sql.NullTime
	if r.Schedule != nil {
		schedule = sql.NullTime{Time: r.Schedule.UTC(), Valid: true}
	}
	var id int64
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO reminders(user_from, user_to, channel_id, text, schedule, private_message)
		 VALUES($1,$2,$3,$4,$5,$6) RETURNING id`,
		r.FromUserID, r.ToUserID, nullInt64(r.ChannelID), r.Text, schedule, r.Private,
	).Scan(&id)
	return id, err
}

// ActiveAFK returns the open AFK status of a user, or nil.
func (s *Store) ActiveAFK(ctx context.Context, userID int64) (*reminder.AFK, error) {
	a := &reminder.AFK{UserID: userID}
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, COALESCE(text, ''), status, started_at FROM afk
		 WHERE user_id=$1 AND active ORDER BY started_at DESC LIMIT 1`, userID,
	).Scan(&a.ID, &a.Text, &a.Status, &a.Started)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// EndAFK closes an AFK status.
func (s *Store) EndAFK(ctx context.Context, id int64, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE afk SET active=FALSE, ended_at=$2 WHERE id=$1`, id, at.UTC())
	return err
}

// StartAFK opens an AFK status for a user.
func (s *Store) StartAFK(ctx context.Context, userID int64, status, text string) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO afk(user_id, status, text) VALUES($1,$2,$3) RETURNING id`, userID, status, text,
	).Scan(&id)
	return id, err
}
