// Package db provides the Postgres connection, schema migrations, and the
// stores the connector persists through: channels, users, chat and system
// logs, bans, reminders, AFK statuses and OAuth tokens.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/NotNotQuinn/supibot/crypto"
)

// Connect opens a database/sql handle using the pgx driver.
func Connect(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty database dsn")
	}
	return sql.Open("pgx", dsn)
}

// OpenPool opens a native pgx pool, used by the chat log batcher.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pgx pool: %w", err)
	}
	return pool, nil
}

// Store implements the persistence interfaces of the channel, moderation,
// reminder and chat packages on top of a single *sql.DB.
type Store struct {
	DB *sql.DB
	// Sealer encrypts OAuth tokens; nil stores them in plaintext.
	Sealer *crypto.Sealer
	log    *slog.Logger
}

// NewStore wraps dbx. sealer may be nil.
func NewStore(dbx *sql.DB, sealer *crypto.Sealer, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	if sealer == nil {
		log.Warn("ENCRYPTION_KEY not set, OAuth tokens will be stored in plaintext (not recommended for production)", slog.String("component", "db_encryption"))
	}
	return &Store{DB: dbx, Sealer: sealer, log: log.With(slog.String("component", "db"))}
}

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
