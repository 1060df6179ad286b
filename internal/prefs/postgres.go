package prefs

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*Postgres)(nil)

// Schema is the PostgreSQL DDL applied by [Migrate].
const Schema = `
CREATE TABLE IF NOT EXISTS narrate_prefs (
    guild_id         TEXT              NOT NULL,
    user_id          TEXT              NOT NULL,
    text_channel_id  TEXT              NOT NULL DEFAULT '',
    voice            TEXT              NOT NULL DEFAULT '',
    rate             DOUBLE PRECISION  NOT NULL DEFAULT 1.0,
    enabled          BOOLEAN           NOT NULL DEFAULT FALSE,
    updated_at       TIMESTAMPTZ       NOT NULL DEFAULT now(),
    PRIMARY KEY (guild_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_narrate_prefs_enabled
    ON narrate_prefs (guild_id) WHERE enabled;
`

// DB is the subset of [pgxpool.Pool] the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Migrate applies [Schema]. It is idempotent.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("prefs: migrate: %w", err)
	}
	return nil
}

// Postgres is a [Store] backed by PostgreSQL.
type Postgres struct {
	db    DB
	close func()
}

// OpenPostgres connects a pool to dsn, pings it and runs [Migrate].
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("prefs: postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("prefs: postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Postgres{db: pool, close: pool.Close}, nil
}

// NewPostgres wraps an existing connection. The caller keeps ownership of db.
func NewPostgres(db DB) *Postgres {
	return &Postgres{db: db}
}

const pgSelect = `SELECT guild_id, user_id, text_channel_id, voice, rate, enabled, updated_at FROM narrate_prefs`

func (s *Postgres) Get(ctx context.Context, guildID, userID string) (*Preference, error) {
	var p Preference
	err := s.db.QueryRow(ctx, pgSelect+` WHERE guild_id = $1 AND user_id = $2`, guildID, userID).
		Scan(&p.GuildID, &p.UserID, &p.TextChannelID, &p.Voice, &p.Rate, &p.Enabled, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("postgres", "get", err)
	}
	return &p, nil
}

func (s *Postgres) Upsert(ctx context.Context, p Preference) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO narrate_prefs (guild_id, user_id, text_channel_id, voice, rate, enabled, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
ON CONFLICT (guild_id, user_id) DO UPDATE SET
    text_channel_id = EXCLUDED.text_channel_id,
    voice           = EXCLUDED.voice,
    rate            = EXCLUDED.rate,
    enabled         = EXCLUDED.enabled,
    updated_at      = now()`,
		p.GuildID, p.UserID, p.TextChannelID, p.Voice, normalizeRate(p.Rate), p.Enabled)
	if err != nil {
		return unavailable("postgres", "upsert", err)
	}
	return nil
}

func (s *Postgres) SetEnabled(ctx context.Context, guildID, userID string, enabled bool) error {
	_, err := s.db.Exec(ctx,
		`UPDATE narrate_prefs SET enabled = $3, updated_at = now() WHERE guild_id = $1 AND user_id = $2`,
		guildID, userID, enabled)
	if err != nil {
		return unavailable("postgres", "set enabled", err)
	}
	return nil
}

func (s *Postgres) DisableAll(ctx context.Context, guildID string) (int, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE narrate_prefs SET enabled = FALSE, updated_at = now() WHERE guild_id = $1 AND enabled`,
		guildID)
	if err != nil {
		return 0, unavailable("postgres", "disable all", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) DisableAllExcept(ctx context.Context, guildID string, keep []string) (int, error) {
	if keep == nil {
		keep = []string{}
	}
	tag, err := s.db.Exec(ctx, `
UPDATE narrate_prefs SET enabled = FALSE, updated_at = now()
WHERE guild_id = $1 AND enabled AND NOT (user_id = ANY($2::text[]))`,
		guildID, keep)
	if err != nil {
		return 0, unavailable("postgres", "disable all except", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Postgres) ListEnabled(ctx context.Context, guildID string) ([]Preference, error) {
	rows, err := s.db.Query(ctx, pgSelect+` WHERE guild_id = $1 AND enabled ORDER BY user_id`, guildID)
	if err != nil {
		return nil, unavailable("postgres", "list enabled", err)
	}
	defer rows.Close()

	var out []Preference
	for rows.Next() {
		var p Preference
		if err := rows.Scan(&p.GuildID, &p.UserID, &p.TextChannelID, &p.Voice, &p.Rate, &p.Enabled, &p.UpdatedAt); err != nil {
			return nil, unavailable("postgres", "list enabled: scan", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("postgres", "list enabled", err)
	}
	return out, nil
}

func (s *Postgres) AnyEnabled(ctx context.Context, guildID string, userIDs []string) (bool, error) {
	if len(userIDs) == 0 {
		return false, nil
	}
	var found bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM narrate_prefs WHERE guild_id = $1 AND enabled AND user_id = ANY($2::text[]))`,
		guildID, userIDs).Scan(&found)
	if err != nil {
		return false, unavailable("postgres", "any enabled", err)
	}
	return found, nil
}

func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return unavailable("postgres", "ping", err)
	}
	return nil
}

// Close releases the pool when the store opened it itself.
func (s *Postgres) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
