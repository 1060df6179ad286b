package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var _ Store = (*SQLite)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS narrate_prefs (
    guild_id         TEXT     NOT NULL,
    user_id          TEXT     NOT NULL,
    text_channel_id  TEXT     NOT NULL DEFAULT '',
    voice            TEXT     NOT NULL DEFAULT '',
    rate             REAL     NOT NULL DEFAULT 1.0,
    enabled          INTEGER  NOT NULL DEFAULT 0,
    updated_at       INTEGER  NOT NULL,
    PRIMARY KEY (guild_id, user_id)
);
CREATE INDEX IF NOT EXISTS idx_narrate_prefs_guild_enabled ON narrate_prefs (guild_id, enabled);
`

// SQLite is a single-file [Store] for small deployments.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database file at path and applies
// the schema. Use ":memory:" for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("prefs: sqlite: create data dir: %w", err)
			}
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("prefs: sqlite: open: %w", err)
	}
	// One writer at a time; also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("prefs: sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("prefs: sqlite: migrate: %w", err)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

const sqliteSelect = `SELECT guild_id, user_id, text_channel_id, voice, rate, enabled, updated_at FROM narrate_prefs`

func scanSQLite(row interface{ Scan(...any) error }) (Preference, error) {
	var (
		p       Preference
		updated int64
	)
	err := row.Scan(&p.GuildID, &p.UserID, &p.TextChannelID, &p.Voice, &p.Rate, &p.Enabled, &updated)
	p.UpdatedAt = time.UnixMilli(updated).UTC()
	return p, err
}

func (s *SQLite) stamp() int64 { return s.now().UnixMilli() }

func (s *SQLite) Get(ctx context.Context, guildID, userID string) (*Preference, error) {
	p, err := scanSQLite(s.db.QueryRowContext(ctx, sqliteSelect+` WHERE guild_id = ? AND user_id = ?`, guildID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("sqlite", "get", err)
	}
	return &p, nil
}

func (s *SQLite) Upsert(ctx context.Context, p Preference) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO narrate_prefs (guild_id, user_id, text_channel_id, voice, rate, enabled, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (guild_id, user_id) DO UPDATE SET
    text_channel_id = excluded.text_channel_id,
    voice           = excluded.voice,
    rate            = excluded.rate,
    enabled         = excluded.enabled,
    updated_at      = excluded.updated_at`,
		p.GuildID, p.UserID, p.TextChannelID, p.Voice, normalizeRate(p.Rate), p.Enabled, s.stamp())
	if err != nil {
		return unavailable("sqlite", "upsert", err)
	}
	return nil
}

func (s *SQLite) SetEnabled(ctx context.Context, guildID, userID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE narrate_prefs SET enabled = ?, updated_at = ? WHERE guild_id = ? AND user_id = ?`,
		enabled, s.stamp(), guildID, userID)
	if err != nil {
		return unavailable("sqlite", "set enabled", err)
	}
	return nil
}

func (s *SQLite) DisableAll(ctx context.Context, guildID string) (int, error) {
	return s.DisableAllExcept(ctx, guildID, nil)
}

func (s *SQLite) DisableAllExcept(ctx context.Context, guildID string, keep []string) (int, error) {
	q := `UPDATE narrate_prefs SET enabled = 0, updated_at = ? WHERE guild_id = ? AND enabled = 1`
	args := []any{s.stamp(), guildID}
	if len(keep) > 0 {
		q += ` AND user_id NOT IN (` + placeholders(len(keep)) + `)`
		for _, u := range keep {
			args = append(args, u)
		}
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, unavailable("sqlite", "disable", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("sqlite", "disable: rows affected", err)
	}
	return int(n), nil
}

func (s *SQLite) ListEnabled(ctx context.Context, guildID string) ([]Preference, error) {
	rows, err := s.db.QueryContext(ctx, sqliteSelect+` WHERE guild_id = ? AND enabled = 1 ORDER BY user_id`, guildID)
	if err != nil {
		return nil, unavailable("sqlite", "list enabled", err)
	}
	defer rows.Close()

	var out []Preference
	for rows.Next() {
		p, err := scanSQLite(rows)
		if err != nil {
			return nil, unavailable("sqlite", "list enabled: scan", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("sqlite", "list enabled", err)
	}
	return out, nil
}

func (s *SQLite) AnyEnabled(ctx context.Context, guildID string, userIDs []string) (bool, error) {
	if len(userIDs) == 0 {
		return false, nil
	}
	args := []any{guildID}
	for _, u := range userIDs {
		args = append(args, u)
	}
	var found bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM narrate_prefs WHERE guild_id = ? AND enabled = 1 AND user_id IN (`+placeholders(len(userIDs))+`))`,
		args...).Scan(&found)
	if err != nil {
		return false, unavailable("sqlite", "any enabled", err)
	}
	return found, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("sqlite", "ping", err)
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
